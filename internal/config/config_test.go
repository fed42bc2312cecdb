package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadReadsYAMLAndDefaults(t *testing.T) {
	path := writeConfig(t, `
port: "8085"
logLevel: debug
marketApiURL: https://api.example.com/api
redisAddr: localhost:6379
loginRateLimitPerMinute: 10
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8085" || cfg.MarketAPIURL != "https://api.example.com/api" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.SessionCookieName != "relivre_sid" {
		t.Fatalf("expected default cookie name, got %q", cfg.SessionCookieName)
	}
	if cfg.RegisterRateLimitPerMinute != 5 {
		t.Fatalf("expected default register rate limit, got %d", cfg.RegisterRateLimitPerMinute)
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
port: "8085"
marketApiURL: https://api.example.com/api
redisAddr: localhost:6379
`)
	t.Setenv("STOREFRONT_MARKET_API_URL", "https://staging.example.com/api")
	t.Setenv("STOREFRONT_LOGIN_RATE_LIMIT_PER_MINUTE", "3")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MarketAPIURL != "https://staging.example.com/api" {
		t.Fatalf("expected env override, got %q", cfg.MarketAPIURL)
	}
	if cfg.LoginRateLimitPerMinute != 3 {
		t.Fatalf("expected rate limit override, got %d", cfg.LoginRateLimitPerMinute)
	}
}

func TestLoadRejectsMissingRequiredFields(t *testing.T) {
	path := writeConfig(t, `
port: "8085"
redisAddr: localhost:6379
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing marketApiURL")
	}
}
