// Package config loads service configuration: struct defaults, then an
// optional YAML file, then LEASEHOLD_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix is stripped from environment keys; "__" separates sections,
	// so LEASEHOLD_DATABASE__URL sets database.url.
	EnvPrefix = "LEASEHOLD_"
	// PathEnvVar names the optional YAML file.
	PathEnvVar = "LEASEHOLD_CONFIG"
)

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Cache     CacheConfig     `koanf:"cache"`
	Auth      AuthConfig      `koanf:"auth"`
	Audit     AuditConfig     `koanf:"audit"`
	Logging   LoggingConfig   `koanf:"logging"`
	RateLimit RateLimitConfig `koanf:"ratelimit"`
}

type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	IdleTimeout     time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL string `koanf:"url"`
	// AutoMigrate applies embedded migrations on startup.
	AutoMigrate bool `koanf:"auto_migrate"`
}

type CacheConfig struct {
	Backend  string        `koanf:"backend"` // memory | redis
	RedisURL string        `koanf:"redis_url"`
	Prefix   string        `koanf:"prefix"`
	TTL      time.Duration `koanf:"ttl"`
	// HierarchyTTL bounds how long the authorizer reuses a hierarchy snapshot.
	// It is the only hierarchy cache, so it is also the staleness bound.
	HierarchyTTL time.Duration `koanf:"hierarchy_ttl"`
}

type AuthConfig struct {
	TokenSecret string `koanf:"token_secret"`
	Issuer      string `koanf:"issuer"`
}

type AuditConfig struct {
	Enabled bool   `koanf:"enabled"`
	Sink    string `koanf:"sink"` // log | db | both
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type RateLimitConfig struct {
	Enabled bool    `koanf:"enabled"`
	RPS     float64 `koanf:"rps"`
	Burst   int     `koanf:"burst"`
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Cache: CacheConfig{
			Backend:      "memory",
			Prefix:       "leasehold:authz:",
			TTL:          5 * time.Second,
			HierarchyTTL: 30 * time.Second,
		},
		Auth:      AuthConfig{Issuer: "leasehold"},
		Audit:     AuditConfig{Enabled: true, Sink: "log"},
		Logging:   LoggingConfig{Level: "info", Format: "json"},
		RateLimit: RateLimitConfig{Enabled: true, RPS: 50, Burst: 100},
	}
}

// Load reads configuration from the file named by LEASEHOLD_CONFIG (if any)
// and the process environment.
func Load() (*Config, error) {
	return LoadFrom(os.Getenv(PathEnvVar))
}

// LoadFrom layers defaults, the YAML file at path (skipped when empty) and
// LEASEHOLD_* environment variables.
func LoadFrom(path string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps LEASEHOLD_CACHE__REDIS_URL to cache.redis_url. The config path
// variable itself is skipped.
func envKey(key string) string {
	if key == PathEnvVar {
		return ""
	}
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	return strings.ReplaceAll(key, "__", ".")
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Server.Addr) == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if c.Cache.RedisURL == "" {
			errs = append(errs, errors.New("cache.redis_url is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("cache.backend %q must be memory or redis", c.Cache.Backend))
	}
	if c.Cache.TTL < 0 || c.Cache.HierarchyTTL < 0 {
		errs = append(errs, errors.New("cache ttls must not be negative"))
	}
	switch c.Audit.Sink {
	case "log":
	case "db", "both":
		if c.Database.URL == "" {
			errs = append(errs, fmt.Errorf("audit.sink %q requires database.url", c.Audit.Sink))
		}
	default:
		errs = append(errs, fmt.Errorf("audit.sink %q must be log, db or both", c.Audit.Sink))
	}
	if c.Auth.TokenSecret != "" && len(c.Auth.TokenSecret) < 32 {
		errs = append(errs, errors.New("auth.token_secret must be at least 32 bytes"))
	}
	if c.RateLimit.Enabled && (c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0) {
		errs = append(errs, errors.New("ratelimit.rps and ratelimit.burst must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}
