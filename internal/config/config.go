// Package config loads gateway settings from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Run modes. DEV relaxes issuer checking and allows the permissive access
// checker; PROD refuses both.
const (
	RunModeDev  = "DEV"
	RunModeProd = "PROD"
)

// Backend types selecting the upstream client.
const (
	BackendHAPI = "HAPI"
	BackendGCP  = "GCP"
)

type Config struct {
	ProxyTo            string        `mapstructure:"PROXY_TO"`
	BackendType        string        `mapstructure:"BACKEND_TYPE"`
	TokenIssuer        string        `mapstructure:"TOKEN_ISSUER"`
	WellKnownEndpoint  string        `mapstructure:"WELL_KNOWN_ENDPOINT"`
	AccessChecker      string        `mapstructure:"ACCESS_CHECKER"`
	AllowedQueriesFile string        `mapstructure:"ALLOWED_QUERIES_FILE"`
	RunMode            string        `mapstructure:"RUN_MODE"`
	Port               string        `mapstructure:"PORT"`
	CORSOrigins        []string      `mapstructure:"CORS_ORIGINS"`
	UpstreamTimeout    time.Duration `mapstructure:"UPSTREAM_TIMEOUT"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("BACKEND_TYPE", BackendHAPI)
	v.SetDefault("WELL_KNOWN_ENDPOINT", ".well-known/openid-configuration")
	v.SetDefault("ACCESS_CHECKER", "patient")
	v.SetDefault("RUN_MODE", RunModeProd)
	v.SetDefault("PORT", "8080")
	v.SetDefault("UPSTREAM_TIMEOUT", "30s")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PROXY_TO")
	v.BindEnv("BACKEND_TYPE")
	v.BindEnv("TOKEN_ISSUER")
	v.BindEnv("WELL_KNOWN_ENDPOINT")
	v.BindEnv("ACCESS_CHECKER")
	v.BindEnv("ALLOWED_QUERIES_FILE")
	v.BindEnv("RUN_MODE")
	v.BindEnv("PORT")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("UPSTREAM_TIMEOUT")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	return cfg, nil
}

// IsDev reports whether the gateway runs in development mode.
func (c *Config) IsDev() bool {
	return c.RunMode == RunModeDev
}

// Validate checks that the configuration is safe to run. PROXY_TO and
// TOKEN_ISSUER are always required; the permissive checker is refused
// outside development.
func (c *Config) Validate() error {
	if c.ProxyTo == "" {
		return fmt.Errorf("PROXY_TO is required: the FHIR store base URL to front")
	}
	if c.TokenIssuer == "" {
		return fmt.Errorf("TOKEN_ISSUER is required: refusing to start without authentication configuration")
	}
	if c.BackendType != BackendHAPI && c.BackendType != BackendGCP {
		return fmt.Errorf("BACKEND_TYPE must be %q or %q, got %q", BackendHAPI, BackendGCP, c.BackendType)
	}
	if c.RunMode != RunModeDev && c.RunMode != RunModeProd {
		return fmt.Errorf("RUN_MODE must be %q or %q, got %q", RunModeDev, RunModeProd, c.RunMode)
	}
	if c.AccessChecker == "" {
		return fmt.Errorf("ACCESS_CHECKER is required")
	}
	if c.AccessChecker == "permissive" && !c.IsDev() {
		return fmt.Errorf("ACCESS_CHECKER=permissive grants every request and is only allowed with RUN_MODE=%s", RunModeDev)
	}
	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("UPSTREAM_TIMEOUT must be positive, got %v", c.UpstreamTimeout)
	}
	return nil
}
