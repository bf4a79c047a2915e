package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/0xPuncker/withings-sync-server/internal/config"
	"github.com/sirupsen/logrus"
)

const TimestampFormat = "2006-01-02T15:04:05-07:00"

// New builds the process logger. It always writes to console and additionally
// appends to cfg.File when set. A log file that cannot be opened is reported
// on the console and otherwise ignored.
func New(cfg config.LoggingConfig, console io.Writer) (*logrus.Logger, func() error) {
	logger := logrus.New()
	logger.SetOutput(console)
	logger.SetFormatter(formatter(cfg.Format))

	level, err := logrus.ParseLevel(strings.TrimSpace(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
		if cfg.Level != "" {
			logger.Warnf("Unknown log level %q, using info", cfg.Level)
		}
	}
	logger.SetLevel(level)

	closeFn := func() error { return nil }
	if strings.TrimSpace(cfg.File) == "" {
		return logger, closeFn
	}

	file, err := openAppend(cfg.File)
	if err != nil {
		logger.Errorf("Failed to create log file at %s: %v", cfg.File, err)
		return logger, closeFn
	}

	logger.SetOutput(io.MultiWriter(console, file))
	return logger, file.Close
}

// Discard returns a logger that drops everything.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func formatter(format string) logrus.Formatter {
	if strings.EqualFold(format, "json") {
		return &logrus.JSONFormatter{
			TimestampFormat: TimestampFormat,
		}
	}
	return &logrus.TextFormatter{
		FullTimestamp:          true,
		DisableTimestamp:       false,
		TimestampFormat:        TimestampFormat,
		DisableLevelTruncation: false,
		PadLevelText:           false,
	}
}

func openAppend(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}
