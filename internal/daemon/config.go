// Package daemon manages the taskpilot daemon lifecycle and configuration.
package daemon

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/taskpilot/taskpilot/internal/infra/execconfig"
	"github.com/taskpilot/taskpilot/internal/infra/storage"
)

// ConfigFileName is the daemon config inside Home().
const ConfigFileName = "config.toml"

// Config holds all daemon configuration.
type Config struct {
	API       APIConfig       `toml:"api"`
	Agent     AgentConfig     `toml:"agent"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Notify    NotifyConfig    `toml:"notify"`
	Archive   ArchiveConfig   `toml:"archive"`
	Logging   LoggingConfig   `toml:"logging"`
	Health    HealthConfig    `toml:"health"`
}

// APIConfig controls the ops HTTP server.
type APIConfig struct {
	Host           string   `toml:"host"`
	Port           int      `toml:"port"`
	CORSOrigins    []string `toml:"cors_origins"`
	APIKey         string   `toml:"api_key"`
	RequestTimeout string   `toml:"request_timeout"`
}

// AgentConfig controls how the external agent CLI is invoked.
type AgentConfig struct {
	Path         string `toml:"path"`
	WorkspaceDir string `toml:"workspace_dir"`
	Timeout      string `toml:"timeout"`
	Preamble     string `toml:"preamble"`
	NoPreamble   bool   `toml:"no_preamble"`
}

// SchedulerConfig tunes the admission loop. The hot-reloaded settings live
// in the JSON file at ExecConfig.
type SchedulerConfig struct {
	ExecConfig    string `toml:"exec_config"`
	FetchLimit    int    `toml:"fetch_limit"`
	ErrorBackoff  string `toml:"error_backoff"`
	JoinTimeout   string `toml:"join_timeout"`
	QueueCapacity int    `toml:"queue_capacity"`
}

// NotifyConfig selects the outcome notifiers.
type NotifyConfig struct {
	Log            bool   `toml:"log"`
	WebhookURL     string `toml:"webhook_url"`
	WebhookSecret  string `toml:"webhook_secret"`
	WebhookTimeout string `toml:"webhook_timeout"`

	// Consecutive webhook failures before deliveries are skipped, and how
	// long they are skipped.
	BreakerThreshold int    `toml:"breaker_threshold"`
	BreakerReset     string `toml:"breaker_reset"`
}

// ArchiveConfig controls the archive sweeper and its storage.
type ArchiveConfig struct {
	Enabled   bool           `toml:"enabled"`
	After     string         `toml:"after"`
	Interval  string         `toml:"interval"`
	BatchSize int            `toml:"batch_size"`
	Storage   storage.Config `toml:"storage"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // text or json
}

// HealthConfig controls the periodic health checks.
type HealthConfig struct {
	Interval string `toml:"interval"`
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	homeDir := Home()
	return Config{
		API: APIConfig{
			Host:           "127.0.0.1",
			Port:           7433,
			CORSOrigins:    []string{"*"},
			RequestTimeout: "30s",
		},
		Agent: AgentConfig{
			Path:         "claude",
			WorkspaceDir: filepath.Join(homeDir, "workspace"),
			Timeout:      "180s",
		},
		Scheduler: SchedulerConfig{
			ExecConfig:    filepath.Join(homeDir, execconfig.FileName),
			FetchLimit:    100,
			ErrorBackoff:  "10s",
			JoinTimeout:   "5s",
			QueueCapacity: 1024,
		},
		Notify: NotifyConfig{
			Log:              true,
			WebhookTimeout:   "10s",
			BreakerThreshold: 5,
			BreakerReset:     "1m",
		},
		Archive: ArchiveConfig{
			Enabled:   true,
			After:     "24h",
			Interval:  "1h",
			BatchSize: 50,
			Storage: storage.Config{
				Backend: "local",
				Dir:     filepath.Join(homeDir, "archive"),
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Health: HealthConfig{
			Interval: "60s",
		},
	}
}

// LoadConfig reads config from <home>/config.toml, falling back to defaults,
// then applies TASKPILOT_* environment overrides.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	path := ConfigPath()

	if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	env, err := LoadEnv()
	if err != nil {
		return cfg, err
	}
	env.Apply(&cfg)
	return cfg, nil
}

// SaveConfig writes the config to <home>/config.toml.
func SaveConfig(cfg Config) error {
	path := ConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	return encoder.Encode(cfg)
}

// Home returns the taskpilot data directory.
func Home() string {
	if env := os.Getenv("TASKPILOT_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".taskpilot")
}

// ConfigPath is the daemon config file location.
func ConfigPath() string {
	return filepath.Join(Home(), ConfigFileName)
}

// parseDuration parses a duration string, returning a fallback on error.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
