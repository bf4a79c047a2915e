package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/0xPuncker/withings-sync-server/internal/config"
	"github.com/0xPuncker/withings-sync-server/internal/logging"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/dimiro1/banner"
	"github.com/joho/godotenv"
	"github.com/mattn/go-colorable"
)

const bannerText = `
{{ .Title "Withings Sync" "" 0 }}
{{ .AnsiBackground.BrightBlue }}{{ .AnsiColor.White }}
{{ .AnsiReset }}
`

const shutdownTimeout = 5 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	if err := godotenv.Load(); err != nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Printf("No .env or .env.local file found. Using environment variables.\n")
		}
	}

	banner.Init(colorable.NewColorableStdout(), true, true, strings.NewReader(bannerText))

	configPath := flag.String("config", "config/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load job definitions: %v\n", err)
		return 1
	}

	logger, closeLog := logging.New(cfg.Logging, colorable.NewColorableStdout())
	defer closeLog()

	for _, warning := range cfg.Warnings {
		logger.Warn(warning)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, logger)
	if err != nil {
		logger.Errorf("Failed to initialize: %v", err)
		return 1
	}

	if err := a.start(); err != nil {
		logger.Errorf("%v", err)
		shutdown(a)
		return 1
	}

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Debugf("systemd notification failed: %v", err)
	}

	logger.Infof("Serving %s at %s%s - Press Ctrl+C to stop.", cfg.Server.ServeDirectory, a.files.Addr(), cfg.Server.BasePath)

	if err := a.scheduler.Run(ctx); err != nil {
		logger.Errorf("Scheduler stopped: %v", err)
	}

	logger.Info("Shutting down server...")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	shutdown(a)
	logger.Info("Server stopped")

	return 0
}

func shutdown(a *app) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	a.shutdown(ctx)
}
