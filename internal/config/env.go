package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// envOverrides are the plain environment variables honoured on top of the
// YAML files, for deployments that configure the proxy by env alone.
type envOverrides struct {
	Host                   string `env:"HOST"`
	Port                   int    `env:"PORT"`
	APIKey                 string `env:"OPENROUTER_API_KEY"`
	HealthCheckConcurrency int    `env:"HEALTH_CHECK_CONCURRENCY"`
	RefreshIntervalSecs    int    `env:"REFRESH_INTERVAL_SECS"`
	AdminToken             string `env:"TIERPROXY_ADMIN_TOKEN"`
}

// applyEnv overlays set variables onto cfg. A nil environ reads the process
// environment.
func applyEnv(cfg *Config, environ map[string]string) error {
	var o envOverrides
	if err := env.ParseWithOptions(&o, env.Options{Environment: environ}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	if o.Host != "" {
		cfg.Server.Host = o.Host
	}
	if o.Port != 0 {
		cfg.Server.Port = o.Port
	}
	if o.APIKey != "" {
		cfg.Upstream.APIKey = o.APIKey
	}
	if o.HealthCheckConcurrency != 0 {
		cfg.Health.Concurrency = o.HealthCheckConcurrency
	}
	if o.RefreshIntervalSecs != 0 {
		cfg.Refresh.Interval = time.Duration(o.RefreshIntervalSecs) * time.Second
	}
	if o.AdminToken != "" {
		cfg.Admin.Token = o.AdminToken
	}
	return nil
}
