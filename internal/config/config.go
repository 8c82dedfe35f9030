package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Audit log backends.
const (
	AuditBackendMemory = "memory"
	AuditBackendRedis  = "redis"
	AuditBackendSQLite = "sqlite"
)

type Config struct {
	Port               string        `mapstructure:"PORT"`
	Env                string        `mapstructure:"ENV"`
	DatabaseURL        string        `mapstructure:"DATABASE_URL"`
	DBMaxConns         int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL           string        `mapstructure:"REDIS_URL"`
	AuditBackend       string        `mapstructure:"AUDIT_BACKEND"`
	AuditSQLitePath    string        `mapstructure:"AUDIT_SQLITE_PATH"`
	AuditKey           string        `mapstructure:"AUDIT_KEY"`
	AuditRetryAttempts int           `mapstructure:"AUDIT_RETRY_ATTEMPTS"`
	AuditRetryBackoff  time.Duration `mapstructure:"AUDIT_RETRY_BACKOFF"`
	AuthIssuer         string        `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL        string        `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience       string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey     string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins        []string      `mapstructure:"CORS_ORIGINS"`
	Rooms              []string      `mapstructure:"ROOMS"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
	"AUDIT_BACKEND", "AUDIT_SQLITE_PATH", "AUDIT_KEY", "AUDIT_RETRY_ATTEMPTS", "AUDIT_RETRY_BACKOFF",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"CORS_ORIGINS", "ROOMS",
}

// Load reads configuration from the environment and an optional .env file in
// the working directory. Environment variables win.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("AUDIT_BACKEND", AuditBackendMemory)
	v.SetDefault("AUDIT_SQLITE_PATH", "edtrack-audit.db")
	v.SetDefault("AUDIT_KEY", "auditLogs")
	v.SetDefault("AUDIT_RETRY_ATTEMPTS", 3)
	v.SetDefault("AUDIT_RETRY_BACKOFF", "50ms")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// A missing .env file is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.Rooms = splitList(cfg.Rooms, v.GetString("ROOMS"))
	cfg.AuditBackend = strings.ToLower(strings.TrimSpace(cfg.AuditBackend))

	return cfg, nil
}

// splitList normalises a comma separated list that viper may hand back either
// already split or as a single string.
func splitList(parsed []string, raw string) []string {
	if len(parsed) == 1 && strings.Contains(parsed[0], ",") {
		parsed = nil
	}
	if len(parsed) == 0 && raw != "" {
		parsed = strings.Split(raw, ",")
	}
	out := make([]string, 0, len(parsed))
	for _, s := range parsed {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Outside development
// a token verification key source is required, and production refuses the
// in-memory audit backend since it loses the trail on restart.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if !c.IsDev() && c.AuthSigningKey == "" && c.AuthJWKSURL == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY or AUTH_JWKS_URL must be set when ENV=%q", c.Env)
	}

	switch c.AuditBackend {
	case AuditBackendMemory:
		if c.IsProduction() {
			return fmt.Errorf("AUDIT_BACKEND=memory is not durable and cannot be used in production")
		}
	case AuditBackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when AUDIT_BACKEND is %q", AuditBackendRedis)
		}
	case AuditBackendSQLite:
		if c.AuditSQLitePath == "" {
			return fmt.Errorf("AUDIT_SQLITE_PATH is required when AUDIT_BACKEND is %q", AuditBackendSQLite)
		}
	default:
		return fmt.Errorf("AUDIT_BACKEND must be %q, %q or %q, got %q",
			AuditBackendMemory, AuditBackendRedis, AuditBackendSQLite, c.AuditBackend)
	}
	if c.AuditKey == "" {
		return fmt.Errorf("AUDIT_KEY must not be empty")
	}
	if c.AuditRetryAttempts < 1 {
		return fmt.Errorf("AUDIT_RETRY_ATTEMPTS must be at least 1, got %d", c.AuditRetryAttempts)
	}
	if c.AuditRetryBackoff < 0 {
		return fmt.Errorf("AUDIT_RETRY_BACKOFF must not be negative")
	}

	if c.DatabaseURL != "" && c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}

	seen := make(map[string]bool, len(c.Rooms))
	for _, r := range c.Rooms {
		if seen[r] {
			return fmt.Errorf("ROOMS lists %q twice", r)
		}
		seen[r] = true
	}
	if len(c.Rooms) > 0 && !slices.ContainsFunc(c.Rooms, func(r string) bool { return r != "Lobby" }) {
		return fmt.Errorf("ROOMS must name at least one treatment room")
	}
	return nil
}
