package config

import (
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		ProxyTo:         "https://store.example.com/fhir",
		BackendType:     BackendHAPI,
		TokenIssuer:     "https://idp.example.com/realms/test",
		AccessChecker:   "patient",
		RunMode:         RunModeProd,
		Port:            "8080",
		UpstreamTimeout: 30 * time.Second,
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PROXY_TO", "https://store.example.com/fhir")
	t.Setenv("TOKEN_ISSUER", "https://idp.example.com/realms/test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BackendType != BackendHAPI {
		t.Errorf("BackendType = %q", cfg.BackendType)
	}
	if cfg.RunMode != RunModeProd {
		t.Errorf("RunMode = %q", cfg.RunMode)
	}
	if cfg.Port != "8080" {
		t.Errorf("Port = %q", cfg.Port)
	}
	if cfg.AccessChecker != "patient" {
		t.Errorf("AccessChecker = %q", cfg.AccessChecker)
	}
	if cfg.UpstreamTimeout != 30*time.Second {
		t.Errorf("UpstreamTimeout = %v", cfg.UpstreamTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PROXY_TO", "https://store.example.com/fhir")
	t.Setenv("TOKEN_ISSUER", "https://idp.example.com/realms/test")
	t.Setenv("BACKEND_TYPE", "GCP")
	t.Setenv("RUN_MODE", "DEV")
	t.Setenv("ACCESS_CHECKER", "list")
	t.Setenv("UPSTREAM_TIMEOUT", "5s")
	t.Setenv("CORS_ORIGINS", "https://app.example.com,https://other.example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BackendType != BackendGCP || !cfg.IsDev() || cfg.AccessChecker != "list" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.UpstreamTimeout != 5*time.Second {
		t.Errorf("UpstreamTimeout = %v", cfg.UpstreamTimeout)
	}
	if len(cfg.CORSOrigins) != 2 {
		t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"valid", func(c *Config) {}, true},
		{"missing proxy target", func(c *Config) { c.ProxyTo = "" }, false},
		{"missing issuer", func(c *Config) { c.TokenIssuer = "" }, false},
		{"unknown backend", func(c *Config) { c.BackendType = "MONGO" }, false},
		{"unknown run mode", func(c *Config) { c.RunMode = "STAGING" }, false},
		{"missing checker", func(c *Config) { c.AccessChecker = "" }, false},
		{"permissive in prod", func(c *Config) { c.AccessChecker = "permissive" }, false},
		{"permissive in dev", func(c *Config) { c.AccessChecker = "permissive"; c.RunMode = RunModeDev }, true},
		{"zero timeout", func(c *Config) { c.UpstreamTimeout = 0 }, false},
		{"gcp backend", func(c *Config) { c.BackendType = BackendGCP }, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.ok && err != nil {
				t.Errorf("Validate: %v", err)
			}
			if !tc.ok && err == nil {
				t.Error("Validate accepted an invalid configuration")
			}
		})
	}
}
