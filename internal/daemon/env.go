package daemon

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// envPrefix namespaces every override, e.g. TASKPILOT_AGENT_PATH.
const envPrefix = "TASKPILOT"

// Env holds environment overrides. Unset variables leave the file config
// untouched. TASKPILOT_HOME is read by Home.
type Env struct {
	AgentPath     string        `envconfig:"AGENT_PATH"`
	WorkspaceDir  string        `envconfig:"WORKSPACE_DIR"`
	Timeout       time.Duration `envconfig:"TIMEOUT"`
	LogLevel      string        `envconfig:"LOG_LEVEL"`
	LogFormat     string        `envconfig:"LOG_FORMAT"`
	HTTPHost      string        `envconfig:"HTTP_HOST"`
	HTTPPort      int           `envconfig:"HTTP_PORT"`
	APIKey        string        `envconfig:"API_KEY"`
	WebhookURL    string        `envconfig:"WEBHOOK_URL"`
	WebhookSecret string        `envconfig:"WEBHOOK_SECRET"`
	ExecConfig    string        `envconfig:"EXEC_CONFIG"`
}

// LoadEnv reads the TASKPILOT_* variables.
func LoadEnv() (*Env, error) {
	var env Env
	if err := envconfig.Process(envPrefix, &env); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}
	return &env, nil
}

// Apply copies every set override onto cfg.
func (e *Env) Apply(cfg *Config) {
	if e == nil {
		return
	}
	setString(&cfg.Agent.Path, e.AgentPath)
	setString(&cfg.Agent.WorkspaceDir, e.WorkspaceDir)
	if e.Timeout > 0 {
		cfg.Agent.Timeout = e.Timeout.String()
	}
	setString(&cfg.Logging.Level, e.LogLevel)
	setString(&cfg.Logging.Format, e.LogFormat)
	setString(&cfg.API.Host, e.HTTPHost)
	if e.HTTPPort > 0 {
		cfg.API.Port = e.HTTPPort
	}
	setString(&cfg.API.APIKey, e.APIKey)
	setString(&cfg.Notify.WebhookURL, e.WebhookURL)
	setString(&cfg.Notify.WebhookSecret, e.WebhookSecret)
	setString(&cfg.Scheduler.ExecConfig, e.ExecConfig)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
