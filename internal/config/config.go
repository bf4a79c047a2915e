package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/0xPuncker/withings-sync-server/pkg/types"
	"gopkg.in/yaml.v3"
)

const (
	DefaultJobName  = "withings-sync"
	defaultSchedule = "*/5 * * * *"
	defaultCommand  = "withings-sync"
)

type Config struct {
	Server  ServerConfig    `json:"server" yaml:"server"`
	Logging LoggingConfig   `json:"logging" yaml:"logging"`
	Metrics MetricsConfig   `json:"metrics" yaml:"metrics"`
	Jobs    types.JobConfig `json:"jobs" yaml:"jobs"`

	// Warnings lists the values Load replaced with defaults.
	Warnings []string `json:"-" yaml:"-"`
}

type ServerConfig struct {
	BindAddress     string `json:"bind_address" yaml:"bind_address"`
	Port            string `json:"port" yaml:"port"`
	ServeDirectory  string `json:"serve_directory" yaml:"serve_directory"`
	BasePath        string `json:"base_path" yaml:"base_path"`
	BufferSize      int    `json:"buffer_size" yaml:"buffer_size"`
	ReadTimeout     string `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    string `json:"write_timeout" yaml:"write_timeout"`
	ListingCacheTTL string `json:"listing_cache_ttl" yaml:"listing_cache_ttl"`
}

type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	File   string `json:"file" yaml:"file"`
	Format string `json:"format" yaml:"format"`
}

type MetricsConfig struct {
	Address string `json:"address" yaml:"address"`
}

// Addr is the listen address of the file server.
func (c ServerConfig) Addr() string {
	return net.JoinHostPort(c.BindAddress, c.Port)
}

func (c ServerConfig) ReadTimeoutDuration() time.Duration {
	return parseDuration(c.ReadTimeout, 10*time.Second)
}

func (c ServerConfig) WriteTimeoutDuration() time.Duration {
	return parseDuration(c.WriteTimeout, 5*time.Minute)
}

func (c ServerConfig) ListingCacheTTLDuration() time.Duration {
	return parseDuration(c.ListingCacheTTL, 0)
}

// Load builds the configuration from defaults, the optional config file and
// the environment, in that order. A missing config file is not an error; a
// config file that cannot be parsed or SYNC_ARGS that cannot be split are,
// since the job definitions are then unknown.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case err == nil:
			if err := decode(configPath, data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		case errors.Is(err, fs.ErrNotExist):
			fmt.Printf("Config file %s not found. Using environment variables.\n", configPath)
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	applyEnv(cfg)

	cfg.Warnings = cfg.Validate()

	if len(cfg.Jobs.Predefined) == 0 {
		job, err := envJob(cfg.Server.ServeDirectory)
		if err != nil {
			return nil, err
		}
		cfg.Jobs.Predefined = []types.Job{job}
	}

	cfg.Server.BasePath = normalizeBasePath(cfg.Server.BasePath)
	for i := range cfg.Jobs.Predefined {
		job := &cfg.Jobs.Predefined[i]
		if job.LogPath == "" && job.Name != "" {
			job.LogPath = filepath.Join(cfg.Server.ServeDirectory, job.Name+".log")
		}
	}

	return cfg, nil
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddress:     "0.0.0.0",
			Port:            "7200",
			ServeDirectory:  "/withings",
			BasePath:        "/wt",
			BufferSize:      1024 * 1024,
			ReadTimeout:     "10s",
			WriteTimeout:    "5m",
			ListingCacheTTL: "5s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			File:   "/var/log/file_server.log",
			Format: "text",
		},
		Jobs: types.JobConfig{
			HistorySize: 100,
		},
	}
}

// Validate replaces values the server and logger cannot use with their
// defaults and returns one warning per replaced value. The port is left to the
// file server, which reports it as a bind failure. Schedule expressions are
// checked when the jobs are registered.
func (c *Config) Validate() []string {
	defaults := DefaultConfig()
	var warnings []string
	fallback := func(name, got, used string) {
		warnings = append(warnings, fmt.Sprintf("invalid %s %q, using %q", name, got, used))
	}

	if strings.TrimSpace(c.Server.ServeDirectory) == "" {
		fallback("serve_directory", c.Server.ServeDirectory, defaults.Server.ServeDirectory)
		c.Server.ServeDirectory = defaults.Server.ServeDirectory
	}
	if c.Server.BufferSize <= 0 {
		fallback("buffer_size", strconv.Itoa(c.Server.BufferSize), strconv.Itoa(defaults.Server.BufferSize))
		c.Server.BufferSize = defaults.Server.BufferSize
	}

	for _, d := range []struct {
		name  string
		value *string
		def   string
	}{
		{"read_timeout", &c.Server.ReadTimeout, defaults.Server.ReadTimeout},
		{"write_timeout", &c.Server.WriteTimeout, defaults.Server.WriteTimeout},
		{"listing_cache_ttl", &c.Server.ListingCacheTTL, defaults.Server.ListingCacheTTL},
	} {
		if *d.value == "" {
			continue
		}
		if v, err := time.ParseDuration(*d.value); err != nil || v < 0 {
			fallback(d.name, *d.value, d.def)
			*d.value = d.def
		}
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		fallback("log format", c.Logging.Format, defaults.Logging.Format)
		c.Logging.Format = defaults.Logging.Format
	}

	if c.Jobs.MaxConcurrent < 0 {
		fallback("max_concurrent", strconv.Itoa(c.Jobs.MaxConcurrent), "0")
		c.Jobs.MaxConcurrent = 0
	}

	return warnings
}

func decode(configPath string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(configPath)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

func applyEnv(cfg *Config) {
	setString(&cfg.Server.BindAddress, "BIND_ADDRESS")
	setString(&cfg.Server.Port, "SERVER_PORT")
	setString(&cfg.Server.ServeDirectory, "SERVE_DIRECTORY")
	setString(&cfg.Server.BasePath, "BASE_PATH")
	setString(&cfg.Server.ListingCacheTTL, "LISTING_CACHE_TTL")
	setInt(&cfg.Server.BufferSize, "BUFFER_SIZE")

	setString(&cfg.Logging.Level, "LOG_LEVEL")
	setString(&cfg.Logging.File, "LOG_FILE")
	setString(&cfg.Logging.Format, "LOG_FORMAT")

	setString(&cfg.Metrics.Address, "METRICS_ADDRESS")

	setInt(&cfg.Jobs.MaxConcurrent, "JOBS_MAX_CONCURRENT")
	setInt(&cfg.Jobs.HistorySize, "JOBS_HISTORY_SIZE")
}

// envJob is the sync job used when the config file defines none.
func envJob(serveDirectory string) (types.Job, error) {
	defaultArgs := fmt.Sprintf(
		"--features BLOOD_PRESSURE --to-json --no-upload --fromdate {{ daysAgo 30 }} --output %s",
		path.Join(filepath.ToSlash(serveDirectory), "withings"),
	)

	args, err := SplitArgs(getEnv("SYNC_ARGS", defaultArgs))
	if err != nil {
		return types.Job{}, fmt.Errorf("invalid SYNC_ARGS: %w", err)
	}

	return types.Job{
		Name:        DefaultJobName,
		Schedule:    getEnv("SYNC_SCHEDULE", defaultSchedule),
		Command:     getEnv("SYNC_COMMAND", defaultCommand),
		Args:        args,
		LogPath:     getEnv("SYNC_LOG_PATH", ""),
		Timeout:     getEnv("SYNC_TIMEOUT", ""),
		Enabled:     getEnvBool("SYNC_ENABLED", true),
		Description: "Synchronize Withings measurements into the served directory",
	}, nil
}

func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || p == "/" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return strings.TrimRight(p, "/")
}

func parseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

func setString(dst *string, key string) {
	if value, ok := os.LookupEnv(key); ok {
		*dst = value
	}
}

func setInt(dst *int, key string) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		fmt.Printf("Ignoring %s=%q: not an integer\n", key, value)
		return
	}
	*dst = n
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return b
}
