// Package config loads gateway configuration from the environment.
package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the process-wide configuration for the gateway host.
type Config struct {
	Port                 string   `mapstructure:"PORT"`
	Env                  string   `mapstructure:"ENV"`
	CORSOrigins          []string `mapstructure:"CORS_ORIGINS"`
	ShutdownGraceSeconds int      `mapstructure:"SHUTDOWN_GRACE_SECONDS"`
	RequestTimeoutSecs   int      `mapstructure:"REQUEST_TIMEOUT_SECONDS"`
	RequestTimeout       time.Duration

	LogLevel string `mapstructure:"LOG_LEVEL"`

	PoolMaxConnections          int `mapstructure:"FHIR_POOL_MAX_CONNECTIONS"`
	PoolMaxKeepaliveConnections int `mapstructure:"FHIR_POOL_MAX_KEEPALIVE"`
	PoolKeepaliveExpirySeconds  int `mapstructure:"FHIR_POOL_KEEPALIVE_EXPIRY_SECONDS"`
	PoolAcquireTimeoutSeconds   int `mapstructure:"FHIR_POOL_ACQUIRE_TIMEOUT_SECONDS"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`

	BodyLimitDefault string `mapstructure:"BODY_LIMIT_DEFAULT"`
	BodyLimitLarge   string `mapstructure:"BODY_LIMIT_LARGE"`

	// Sources lists the names the pool should resolve via ResolveSource at
	// startup. Empty means the process runs with no registered sources;
	// AddSource is called only at startup, and no route registers one later.
	Sources []string `mapstructure:"FHIR_SOURCES"`
}

// Load reads configuration from the environment (and an optional .env file),
// applying defaults the way a headless API server does.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("SHUTDOWN_GRACE_SECONDS", 15)
	v.SetDefault("REQUEST_TIMEOUT_SECONDS", 30)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("FHIR_POOL_MAX_CONNECTIONS", 100)
	v.SetDefault("FHIR_POOL_MAX_KEEPALIVE", 20)
	v.SetDefault("FHIR_POOL_KEEPALIVE_EXPIRY_SECONDS", 5)
	v.SetDefault("FHIR_POOL_ACQUIRE_TIMEOUT_SECONDS", 10)
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("BODY_LIMIT_DEFAULT", "1M")
	v.SetDefault("BODY_LIMIT_LARGE", "10M")
	v.SetDefault("FHIR_SOURCES", "")

	for _, key := range []string{
		"PORT", "ENV", "CORS_ORIGINS", "SHUTDOWN_GRACE_SECONDS",
		"REQUEST_TIMEOUT_SECONDS", "LOG_LEVEL",
		"FHIR_POOL_MAX_CONNECTIONS", "FHIR_POOL_MAX_KEEPALIVE",
		"FHIR_POOL_KEEPALIVE_EXPIRY_SECONDS", "FHIR_POOL_ACQUIRE_TIMEOUT_SECONDS",
		"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "BODY_LIMIT_DEFAULT", "BODY_LIMIT_LARGE",
		"FHIR_SOURCES",
	} {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if sources := v.GetString("FHIR_SOURCES"); sources != "" {
		cfg.Sources = strings.Split(sources, ",")
	}

	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutSecs) * time.Second

	if cfg.IsDev() {
		log.Println("WARNING: gateway running in development mode (ENV=development)")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ResolveSource builds a fhir:// connection string for the named source from
// environment variables prefixed with the upper-cased, underscored source
// name (e.g. source "epic-sandbox" reads EPIC_SANDBOX_BASE_URL,
// EPIC_SANDBOX_CLIENT_ID, EPIC_SANDBOX_CLIENT_SECRET, EPIC_SANDBOX_TOKEN_URL).
// This is called only when a caller explicitly names a source to resolve —
// the config layer never enumerates the environment on its own to discover
// sources.
func ResolveSource(name string) (string, error) {
	prefix := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name))

	baseURL := os.Getenv(prefix + "_BASE_URL")
	clientID := os.Getenv(prefix + "_CLIENT_ID")
	tokenURL := os.Getenv(prefix + "_TOKEN_URL")
	if baseURL == "" || clientID == "" || tokenURL == "" {
		return "", fmt.Errorf("source %q is missing one of %s_BASE_URL, %s_CLIENT_ID, %s_TOKEN_URL", name, prefix, prefix, prefix)
	}

	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("source %q has an invalid base URL: %w", name, err)
	}

	q := url.Values{}
	q.Set("client_id", clientID)
	q.Set("token_url", tokenURL)
	q.Set("scheme", u.Scheme)
	if secret := os.Getenv(prefix + "_CLIENT_SECRET"); secret != "" {
		q.Set("client_secret", secret)
	}
	if secretPath := os.Getenv(prefix + "_CLIENT_SECRET_PATH"); secretPath != "" {
		q.Set("client_secret_path", secretPath)
		q.Set("use_jwt_assertion", "true")
	}
	if scope := os.Getenv(prefix + "_SCOPE"); scope != "" {
		q.Set("scope", scope)
	}
	if audience := os.Getenv(prefix + "_AUDIENCE"); audience != "" {
		q.Set("audience", audience)
	}

	return fmt.Sprintf("fhir://%s%s?%s", u.Host, strings.TrimSuffix(u.Path, "/"), q.Encode()), nil
}

// IsDev reports whether the gateway is running in development mode.
func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction reports whether the gateway is running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is internally consistent. It does
// not reach out to any source system — the gateway core never resolves
// per-source credentials from the environment on its own initiative.
func (c *Config) Validate() error {
	if c.PoolMaxConnections <= 0 {
		return fmt.Errorf("FHIR_POOL_MAX_CONNECTIONS must be positive, got %d", c.PoolMaxConnections)
	}
	if c.PoolMaxKeepaliveConnections < 0 {
		return fmt.Errorf("FHIR_POOL_MAX_KEEPALIVE must not be negative, got %d", c.PoolMaxKeepaliveConnections)
	}
	if c.PoolMaxKeepaliveConnections > c.PoolMaxConnections {
		return fmt.Errorf("FHIR_POOL_MAX_KEEPALIVE (%d) must not exceed FHIR_POOL_MAX_CONNECTIONS (%d)",
			c.PoolMaxKeepaliveConnections, c.PoolMaxConnections)
	}
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must be positive, got %f", c.RateLimitRPS)
	}
	return nil
}
