package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, `
subnet:
  url: "https://ic0.app"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want :8080", cfg.Server.ListenAddr)
	}
	if cfg.Server.HealthCheckPort != 9090 {
		t.Errorf("HealthCheckPort = %d, want 9090", cfg.Server.HealthCheckPort)
	}
	if cfg.Subnet.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.Subnet.MaxRetries)
	}
	if cfg.Polling.Interval != 500*time.Millisecond {
		t.Errorf("Polling.Interval = %v, want 500ms", cfg.Polling.Interval)
	}
	if cfg.Security.MaxMessageSize != 512*1024 {
		t.Errorf("MaxMessageSize = %d, want 512KiB", cfg.Security.MaxMessageSize)
	}
	if cfg.GracefulShutdownTimeout != 30*time.Second {
		t.Errorf("GracefulShutdownTimeout = %v, want 30s", cfg.GracefulShutdownTimeout)
	}
}

func TestLoad_RedisDefaultsOnlyAppliedWhenAddrSet(t *testing.T) {
	path := writeTempConfig(t, `
subnet:
  url: "https://ic0.app"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Redis.PoolSize != 0 {
		t.Errorf("expected no Redis defaults when addr is unset, got PoolSize=%d", cfg.Redis.PoolSize)
	}

	path = writeTempConfig(t, `
subnet:
  url: "https://ic0.app"
redis:
  addr: "127.0.0.1:6379"
`)
	cfg, err = Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Redis.PoolSize != 10 {
		t.Errorf("PoolSize = %d, want 10", cfg.Redis.PoolSize)
	}
	if cfg.Redis.KeyPrefix != "ic-gateway:" {
		t.Errorf("KeyPrefix = %q, want ic-gateway:", cfg.Redis.KeyPrefix)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/gateway.yaml"); err == nil {
		t.Error("expected error loading a nonexistent file")
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := writeTempConfig(t, "server: [this is not valid: yaml")
	if _, err := Load(path); err == nil {
		t.Error("expected error parsing malformed YAML")
	}
}

func TestValidateConfig(t *testing.T) {
	base := func() *Config {
		return &Config{
			Server:                  ServerConfig{ListenAddr: ":8080", HealthCheckPort: 9090},
			Subnet:                  SubnetConfig{URL: "https://ic0.app", RequestTimeout: time.Second, MaxIdleConnsPerHost: 8},
			Polling:                 PollingConfig{Interval: time.Second, MaxMessagesPerPoll: 10},
			GracefulShutdownTimeout: 30 * time.Second,
		}
	}

	if err := ValidateConfig(base()); err != nil {
		t.Fatalf("expected valid base config, got error: %v", err)
	}

	cases := map[string]func(*Config){
		"missing listen_addr": func(c *Config) { c.Server.ListenAddr = "" },
		"bad health port":     func(c *Config) { c.Server.HealthCheckPort = 0 },
		"mismatched tls":      func(c *Config) { c.Server.TLSCertificatePEMPath = "/tmp/cert.pem" },
		"missing subnet url":  func(c *Config) { c.Subnet.URL = "" },
		"zero request timeout": func(c *Config) {
			c.Subnet.RequestTimeout = 0
		},
		"zero polling interval": func(c *Config) { c.Polling.Interval = 0 },
		"zero shutdown timeout": func(c *Config) { c.GracefulShutdownTimeout = 0 },
		"redis addr without pool size": func(c *Config) {
			c.Redis.Addr = "127.0.0.1:6379"
			c.Redis.PoolSize = 0
		},
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := base()
			mutate(cfg)
			if err := ValidateConfig(cfg); err == nil {
				t.Errorf("%s: expected validation error", name)
			}
		})
	}
}
