package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/af-corp/tierproxy/internal/catalog"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("TEST_VAR", "hello")

	tests := []struct {
		input    string
		expected string
	}{
		{"${TEST_VAR}", "hello"},
		{"${TEST_VAR:default}", "hello"},
		{"${UNSET_VAR:fallback}", "fallback"},
		{"${UNSET_VAR}", ""},
		{"no vars here", "no vars here"},
		{"prefix-${TEST_VAR}-suffix", "prefix-hello-suffix"},
	}

	for _, tt := range tests {
		got := expandEnvVars(tt.input)
		if got != tt.expected {
			t.Errorf("expandEnvVars(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestLoadFile_WithEnvVars(t *testing.T) {
	t.Setenv("TEST_PORT", "7777")
	dir := t.TempDir()
	writeFile(t, dir, "c.yaml", `
server:
  host: "${TEST_HOST:127.0.0.1}"
  port: ${TEST_PORT}
`)

	var cfg Config
	if err := LoadFile(filepath.Join(dir, "c.yaml"), &cfg); err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("expected host 127.0.0.1 (default), got %s", cfg.Server.Host)
	}
	if cfg.Server.Port != 7777 {
		t.Errorf("expected port 7777, got %d", cfg.Server.Port)
	}
}

func TestLoader_DefaultsAndDefaultRules(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, MainFile, "upstream:\n  api_key: sk-test\n")

	l := NewLoader(dir, testLogger()).WithEnviron(map[string]string{})
	if err := l.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg := l.Config()
	if cfg.Server.Port != 3000 {
		t.Errorf("expected default port 3000, got %d", cfg.Server.Port)
	}
	if cfg.Health.Concurrency != 5 {
		t.Errorf("expected default concurrency 5, got %d", cfg.Health.Concurrency)
	}
	if cfg.Refresh.Interval != time.Hour {
		t.Errorf("expected default interval 1h, got %s", cfg.Refresh.Interval)
	}
	if cfg.Server.MaxBodyBytes != 10<<20 {
		t.Errorf("expected 10 MiB body limit, got %d", cfg.Server.MaxBodyBytes)
	}
	if l.RulesSource() != "default" {
		t.Errorf("expected default rules, got %s", l.RulesSource())
	}
	if len(l.Classifier().Rules()) != len(catalog.DefaultRules()) {
		t.Error("expected default rule table")
	}
	if cfg.ProbeKey() != "sk-test" {
		t.Errorf("expected probe key to fall back to upstream key, got %q", cfg.ProbeKey())
	}
}

func TestLoader_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, MainFile, "server:\n  port: 8080\n")

	l := NewLoader(dir, testLogger()).WithEnviron(map[string]string{
		"HOST":                     "127.0.0.1",
		"PORT":                     "4000",
		"OPENROUTER_API_KEY":       "sk-env",
		"HEALTH_CHECK_CONCURRENCY": "12",
		"REFRESH_INTERVAL_SECS":    "90",
		"TIERPROXY_ADMIN_TOKEN":    "sha256:abc",
	})
	if err := l.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg := l.Config()
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 4000 {
		t.Errorf("server = %s:%d", cfg.Server.Host, cfg.Server.Port)
	}
	if cfg.Upstream.APIKey != "sk-env" {
		t.Errorf("api key = %q", cfg.Upstream.APIKey)
	}
	if cfg.Health.Concurrency != 12 {
		t.Errorf("concurrency = %d", cfg.Health.Concurrency)
	}
	if cfg.Refresh.Interval != 90*time.Second {
		t.Errorf("interval = %s", cfg.Refresh.Interval)
	}
	if cfg.Admin.Token != "sha256:abc" {
		t.Errorf("admin token = %q", cfg.Admin.Token)
	}
}

func TestLoader_InvalidConfig(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"zero concurrency", "health:\n  concurrency: 0\n", "Concurrency"},
		{"bad log format", "telemetry:\n  log_format: xml\n", "LogFormat"},
		{"unknown tier", "tiers:\n  premium:\n    rate_limit: 5\n", "unknown tier"},
		{"bad base url", "upstream:\n  base_url: not a url\n", "BaseURL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, dir, MainFile, tt.content)
			err := NewLoader(dir, testLogger()).WithEnviron(map[string]string{}).Load()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoader_RulesFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, MainFile, "")
	writeFile(t, dir, RulesFile, `
rules:
  - name: only-free
    class: free
    match:
      id_suffix: [":free"]
`)
	l := NewLoader(dir, testLogger()).WithEnviron(map[string]string{})
	if err := l.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := l.Classifier().Classify(catalog.Descriptor{ID: "stealth/x:free"}); got != catalog.ClassFree {
		t.Errorf("expected custom table to classify free, got %s", got)
	}
}

func TestLoader_InvalidRulesKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, MainFile, "")
	l := NewLoader(dir, testLogger()).WithEnviron(map[string]string{})
	if err := l.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	before := l.Classifier()

	writeFile(t, dir, RulesFile, "rules:\n  - name: broken\n    class: premium\n    match:\n      id_in: [x]\n")
	if err := l.Load(); err == nil {
		t.Fatal("expected error for unknown class")
	}
	if l.Classifier() != before {
		t.Error("failed reload replaced the classifier")
	}
}

func TestConfig_TierMergesDefaults(t *testing.T) {
	cfg := DefaultConfig()
	disabled := false
	ten := 10
	cfg.Tiers = map[string]TierSettings{
		"stealth": {Enabled: &disabled, RateLimit: &ten},
		"free":    {ProbeTimeout: 3 * time.Second},
	}

	stealth := cfg.Tier(catalog.TierStealth)
	if stealth.IsEnabled() {
		t.Error("expected stealth disabled")
	}
	if stealth.ProbeTimeout != 15*time.Second {
		t.Errorf("expected inherited probe timeout, got %s", stealth.ProbeTimeout)
	}
	if stealth.Limit() != 10 {
		t.Errorf("expected rate limit 10, got %d", stealth.Limit())
	}

	free := cfg.Tier(catalog.TierFree)
	if !free.IsEnabled() || free.ProbeTimeout != 3*time.Second {
		t.Errorf("unexpected free settings: %+v", free)
	}

	enabled := cfg.EnabledTiers()
	if len(enabled) != 1 || enabled[0] != catalog.TierFree {
		t.Errorf("EnabledTiers() = %v", enabled)
	}
}

func TestConfig_TierExplicitZeroRateLimit(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, MainFile, `
tier_defaults:
  enabled: true
  rate_limit: 60
tiers:
  stealth:
    enabled: false
    rate_limit: 0
`)
	l := NewLoader(dir, testLogger()).WithEnviron(map[string]string{})
	if err := l.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg := l.Config()

	tests := []struct {
		tier catalog.Tier
		want int
	}{
		{catalog.TierStealth, 0},
		{catalog.TierFree, 60},
	}
	for _, tt := range tests {
		if got := cfg.Tier(tt.tier).Limit(); got != tt.want {
			t.Errorf("Tier(%s).Limit() = %d, want %d", tt.tier, got, tt.want)
		}
	}
	if cfg.Tier(catalog.TierStealth).IsEnabled() {
		t.Error("explicit enabled: false was overridden by tier_defaults")
	}
	if !*cfg.TierDefaults.Enabled || *cfg.TierDefaults.RateLimit != 60 {
		t.Error("Tier() mutated tier_defaults")
	}
}

func TestLoader_WatchReloadsRules(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, MainFile, "")
	l := NewLoader(dir, testLogger()).WithEnviron(map[string]string{})
	if err := l.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	reloaded := make(chan struct{}, 4)
	l.OnReload(func() { reloaded <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := l.Watch(ctx); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	writeFile(t, dir, RulesFile, "rules:\n  - name: all-stealth\n    class: stealth\n    match:\n      id_prefix: [\"\"]\n")

	select {
	case <-reloaded:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
	if l.RulesSource() == "default" {
		t.Error("expected rules file to be loaded after change")
	}
}
