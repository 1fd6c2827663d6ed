package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Orchestrator.MaxConcurrency != 4 {
		t.Fatalf("expected default max_concurrency 4, got %d", cfg.Orchestrator.MaxConcurrency)
	}
	if cfg.Registry.Backend != BackendMemory || cfg.Results.Backend != BackendMemory {
		t.Fatalf("expected memory backends by default, got %q/%q", cfg.Registry.Backend, cfg.Results.Backend)
	}
	if cfg.Redis.KeyPrefix != "crawl:results:" {
		t.Fatalf("unexpected default redis prefix %q", cfg.Redis.KeyPrefix)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
orchestrator:
  max_concurrency: 2
retry:
  max_attempts: 5
  base_backoff_ms: 100
  max_backoff_ms: 2000
fetch:
  user_agent: test-agent
  respect_robots: false
  timeout_seconds: 45
registry:
  backend: postgres
results:
  backend: redis
db:
  dsn: postgres://localhost/crawld
redis:
  addr: redis:6379
  key_prefix: "crawl:results:"
  ttl_minutes: 30
logging:
  development: false
spiders:
  - name: example_spider
    description: fetches example pages
    urls: ["https://example.com"]
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Orchestrator.MaxConcurrency != 2 {
		t.Fatalf("expected max_concurrency 2, got %d", cfg.Orchestrator.MaxConcurrency)
	}
	if cfg.Registry.Backend != BackendPostgres || cfg.Results.Backend != BackendRedis {
		t.Fatalf("expected overridden backends, got %q/%q", cfg.Registry.Backend, cfg.Results.Backend)
	}
	if len(cfg.Spiders) != 1 || cfg.Spiders[0].Name != "example_spider" {
		t.Fatalf("expected spider catalog entry, got %+v", cfg.Spiders)
	}
	if got := cfg.FetchTimeout(); got != 45*time.Second {
		t.Fatalf("expected fetch timeout 45s, got %v", got)
	}
	base, max := cfg.RetryBackoff()
	if base != 100*time.Millisecond || max != 2*time.Second {
		t.Fatalf("unexpected backoff durations %v/%v", base, max)
	}
	if got := cfg.ResultTTL(); got != 30*time.Minute {
		t.Fatalf("expected result ttl 30m, got %v", got)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:       ServerConfig{Port: 8080},
		Orchestrator: OrchestratorConfig{MaxConcurrency: 1},
		Retry:        RetryConfig{MaxAttempts: 3},
		Fetch:        FetchConfig{TimeoutSeconds: 10},
		Registry:     RegistryConfig{Backend: BackendMemory},
		Results:      ResultsConfig{Backend: BackendMemory},
	}

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "invalid port",
			cfg: func() Config {
				c := base
				c.Server.Port = 0
				return c
			}(),
			want: "server.port",
		},
		{
			name: "invalid concurrency",
			cfg: func() Config {
				c := base
				c.Orchestrator.MaxConcurrency = 0
				return c
			}(),
			want: "orchestrator.max_concurrency",
		},
		{
			name: "invalid retry attempts",
			cfg: func() Config {
				c := base
				c.Retry.MaxAttempts = 0
				return c
			}(),
			want: "retry.max_attempts",
		},
		{
			name: "postgres missing dsn",
			cfg: func() Config {
				c := base
				c.Registry.Backend = BackendPostgres
				return c
			}(),
			want: "db.dsn",
		},
		{
			name: "unknown registry backend",
			cfg: func() Config {
				c := base
				c.Registry.Backend = "etcd"
				return c
			}(),
			want: "registry.backend",
		},
		{
			name: "redis missing addr",
			cfg: func() Config {
				c := base
				c.Results.Backend = BackendRedis
				return c
			}(),
			want: "redis.addr",
		},
		{
			name: "spider missing urls",
			cfg: func() Config {
				c := base
				c.Spiders = []SpiderConfig{{Name: "broken"}}
				return c
			}(),
			want: "at least one url",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
