package config

import (
	"fmt"
	"net/url"
	"time"
)

type Config struct {
	Server       ServerConfig            `yaml:"server"`
	Upstream     UpstreamConfig          `yaml:"upstream"`
	Health       HealthConfig            `yaml:"health"`
	Refresh      RefreshConfig           `yaml:"refresh"`
	TierDefaults TierSettings            `yaml:"tier_defaults"`
	Tiers        map[string]TierSettings `yaml:"tiers" validate:"dive"`
	Proxy        ProxyConfig             `yaml:"proxy"`
	Status       StatusConfig            `yaml:"status"`
	Admin        AdminConfig             `yaml:"admin"`
	Policy       PolicyConfig            `yaml:"policy"`
	RateLimit    RateLimitConfig         `yaml:"rate_limit"`
	Database     DatabaseConfig          `yaml:"database"`
	Redis        RedisConfig             `yaml:"redis"`
	GRPC         GRPCConfig              `yaml:"grpc"`
	Telemetry    TelemetryConfig         `yaml:"telemetry"`
}

type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port" validate:"min=1,max=65535"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown" validate:"gt=0"`
	MaxBodyBytes     int64         `yaml:"max_body_bytes" validate:"gt=0"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type UpstreamConfig struct {
	BaseURL        string               `yaml:"base_url" validate:"required,url"`
	APIKey         string               `yaml:"api_key"`
	FetchTimeout   time.Duration        `yaml:"fetch_timeout" validate:"gt=0"`
	MaxIdleConns   int                  `yaml:"max_idle_conns"`
	Headers        map[string]string    `yaml:"headers,omitempty"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`

	// ResponseHeaderTimeout bounds the wait for upstream headers on forwarded
	// requests. Bodies are streamed without a deadline.
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout" validate:"gt=0"`
}

type CircuitBreakerConfig struct {
	FailureThreshold      int           `yaml:"failure_threshold" validate:"min=1"`
	RecoveryProbeInterval time.Duration `yaml:"recovery_probe_interval" validate:"gt=0"`
}

type HealthConfig struct {
	// APIKey is the key used for probe requests. Falls back to the upstream
	// key; when both are empty probing is disabled.
	APIKey               string        `yaml:"api_key"`
	Concurrency          int           `yaml:"concurrency" validate:"min=1"`
	PassTimeout          time.Duration `yaml:"pass_timeout" validate:"gt=0"`
	RateLimitedIsHealthy bool          `yaml:"rate_limited_is_healthy"`
	RecheckExisting      bool          `yaml:"recheck_existing"`
	Prompt               string        `yaml:"prompt" validate:"required"`
	MaxTokens            int           `yaml:"max_tokens" validate:"min=1"`
}

// ProbeKey returns the key used for probes, or "" when probing is disabled.
func (c *Config) ProbeKey() string {
	if c.Health.APIKey != "" {
		return c.Health.APIKey
	}
	return c.Upstream.APIKey
}

type RefreshConfig struct {
	Interval time.Duration `yaml:"interval" validate:"gt=0"`
	// Cron, when set, takes precedence over Interval.
	Cron string `yaml:"cron"`
}

// TierSettings are per-tier knobs. Zero fields inherit from tier_defaults.
type TierSettings struct {
	Enabled      *bool         `yaml:"enabled"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
	// RateLimit is requests per rate_limit.window per client on the tier's
	// endpoints; an explicit 0 disables it even when tier_defaults sets one.
	RateLimit *int `yaml:"rate_limit" validate:"omitempty,min=0"`
}

func (t TierSettings) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

// Limit returns the effective rate limit, 0 when unset.
func (t TierSettings) Limit() int {
	if t.RateLimit == nil {
		return 0
	}
	return *t.RateLimit
}

type ProxyConfig struct {
	// InjectAPIKey forwards the upstream key when the client sends no Authorization.
	InjectAPIKey bool `yaml:"inject_api_key"`
}

type StatusConfig struct {
	StalenessThreshold time.Duration `yaml:"staleness_threshold" validate:"gt=0"`
}

type AdminConfig struct {
	// Token guards /admin/refresh when non-empty.
	Token string `yaml:"token"`
}

type PolicyConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Path              string        `yaml:"path"`
	EvaluationTimeout time.Duration `yaml:"evaluation_timeout" validate:"gt=0"`
}

type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled"`
	Window  time.Duration `yaml:"window" validate:"gt=0"`
}

type DatabaseConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Name            string        `yaml:"name"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	MaxConns        int32         `yaml:"max_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

func (d DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:     "/" + d.Name,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

type RedisConfig struct {
	Addresses []string `yaml:"addresses"`
	Password  string   `yaml:"password"`
	DB        int      `yaml:"db"`
	PoolSize  int      `yaml:"pool_size"`
}

type GRPCConfig struct {
	// Port for the grpc.health.v1 service; 0 disables it.
	Port           int           `yaml:"port" validate:"min=0,max=65535"`
	UpdateInterval time.Duration `yaml:"update_interval" validate:"gt=0"`
}

type TelemetryConfig struct {
	LogLevel        string  `yaml:"log_level" validate:"oneof=debug info warn error"`
	LogFormat       string  `yaml:"log_format" validate:"oneof=json text"`
	ServiceName     string  `yaml:"service_name"`
	OTLPEndpoint    string  `yaml:"otlp_endpoint"`
	TraceSampleRate float64 `yaml:"trace_sample_rate" validate:"min=0,max=1"`
}

func DefaultConfig() *Config {
	enabled := true
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             3000,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     0,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 30 * time.Second,
			MaxBodyBytes:     10 << 20,
		},
		Upstream: UpstreamConfig{
			BaseURL:               "https://openrouter.ai/api/v1",
			FetchTimeout:          30 * time.Second,
			ResponseHeaderTimeout: 120 * time.Second,
			MaxIdleConns:          100,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold:      5,
				RecoveryProbeInterval: 30 * time.Second,
			},
		},
		Health: HealthConfig{
			Concurrency:     5,
			PassTimeout:     5 * time.Minute,
			RecheckExisting: true,
			Prompt:          "hi",
			MaxTokens:       1,
		},
		Refresh: RefreshConfig{
			Interval: time.Hour,
		},
		TierDefaults: TierSettings{
			Enabled:      &enabled,
			ProbeTimeout: 15 * time.Second,
		},
		Status: StatusConfig{
			StalenessThreshold: 3 * time.Hour,
		},
		Policy: PolicyConfig{
			Path:              "configs/policies",
			EvaluationTimeout: 100 * time.Millisecond,
		},
		RateLimit: RateLimitConfig{
			Window: time.Minute,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			Name:            "tierproxy",
			User:            "tierproxy",
			MaxConns:        5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			PoolSize: 20,
		},
		GRPC: GRPCConfig{
			UpdateInterval: 10 * time.Second,
		},
		Telemetry: TelemetryConfig{
			LogLevel:        "info",
			LogFormat:       "json",
			ServiceName:     "tierproxy",
			TraceSampleRate: 0.1,
		},
	}
}
