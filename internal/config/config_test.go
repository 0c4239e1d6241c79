package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := LoadFrom("")
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Server.Addr != ":8080" || cfg.Cache.Backend != "memory" || cfg.Cache.TTL != 5*time.Second {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if !cfg.Audit.Enabled || cfg.Audit.Sink != "log" {
		t.Fatalf("audit should default to the log sink: %+v", cfg.Audit)
	}
}

func TestFileThenEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "leasehold.yaml")
	body := `
server:
  addr: ":9090"
cache:
  backend: redis
  redis_url: redis://file:6379/0
  ttl: 2s
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("LEASEHOLD_CACHE__REDIS_URL", "redis://env:6379/1")
	t.Setenv("LEASEHOLD_RATELIMIT__RPS", "7.5")

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Server.Addr != ":9090" || cfg.Logging.Level != "debug" || cfg.Cache.TTL != 2*time.Second {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Cache.RedisURL != "redis://env:6379/1" {
		t.Fatalf("env should override file, got %q", cfg.Cache.RedisURL)
	}
	if cfg.RateLimit.RPS != 7.5 {
		t.Fatalf("rps = %v", cfg.RateLimit.RPS)
	}
}

func TestEnvKey(t *testing.T) {
	cases := map[string]string{
		"LEASEHOLD_DATABASE__URL":        "database.url",
		"LEASEHOLD_CACHE__HIERARCHY_TTL": "cache.hierarchy_ttl",
		"LEASEHOLD_CONFIG":               "",
	}
	for in, want := range cases {
		if got := envKey(in); got != want {
			t.Fatalf("envKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"redis without url", func(c *Config) { c.Cache.Backend = "redis" }, "redis_url"},
		{"unknown backend", func(c *Config) { c.Cache.Backend = "memcached" }, "cache.backend"},
		{"db sink without database", func(c *Config) { c.Audit.Sink = "db" }, "requires database.url"},
		{"short secret", func(c *Config) { c.Auth.TokenSecret = "short" }, "token_secret"},
		{"zero burst", func(c *Config) { c.RateLimit.Burst = 0 }, "ratelimit"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaults()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
	cfg := defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}
