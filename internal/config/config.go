package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents gateway configuration.
type Config struct {
	// Server configuration
	Server ServerConfig `yaml:"server"`

	// Subnet configuration: where backend canisters are reached
	Subnet SubnetConfig `yaml:"subnet"`

	// Polling configuration
	Polling PollingConfig `yaml:"polling"`

	// Redis configuration (optional presence publication)
	Redis RedisConfig `yaml:"redis"`

	// Security configuration
	Security SecurityConfig `yaml:"security"`

	// Tracing configuration
	Tracing TracingConfig `yaml:"tracing"`

	// Graceful shutdown timeout
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
}

// ServerConfig represents the WebSocket listener configuration.
type ServerConfig struct {
	// Listen address for client WebSocket connections
	ListenAddr string `yaml:"listen_addr"`

	// Health check port
	HealthCheckPort int `yaml:"health_check_port"`

	// Metrics port
	MetricsPort int `yaml:"metrics_port"`

	// Gateway principal, advertised to clients in the handshake message
	GatewayPrincipal string `yaml:"gateway_principal"`

	// TLS certificate/key paths. Both empty means plaintext.
	TLSCertificatePEMPath    string `yaml:"tls_certificate_pem_path"`
	TLSCertificateKeyPEMPath string `yaml:"tls_certificate_key_pem_path"`
}

// SubnetConfig represents how the gateway reaches backend canisters.
type SubnetConfig struct {
	// Base URL of the subnet's replica HTTP interface, e.g. https://ic0.app
	URL string `yaml:"url"`

	// HTTP client timeout for a single call/query round trip
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// Maximum idle HTTP connections kept per backend host
	MaxIdleConnsPerHost int `yaml:"max_idle_conns_per_host"`

	// Retry configuration for every backend RPC (open, call and query)
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// PollingConfig represents the poller's scheduling parameters.
type PollingConfig struct {
	// Interval between poll ticks, the same for every backend
	Interval time.Duration `yaml:"interval"`

	// Maximum messages requested per poll
	MaxMessagesPerPoll int `yaml:"max_messages_per_poll"`

	// Nonce window per backend. Parsed and defaulted, but no component
	// reads it: the poller keeps only the latest nonce and does no
	// window-based dedup.
	NonceWindow int `yaml:"nonce_window"`
}

// RedisConfig represents the optional distributed presence publisher.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	KeyPrefix string `yaml:"key_prefix"`

	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// SecurityConfig represents admission limits at the socket level.
type SecurityConfig struct {
	// Maximum WebSocket frame payload size, in bytes
	MaxMessageSize int `yaml:"max_message_size"`

	// Handshake read deadline: time allowed to receive the registration
	// envelope before the gateway gives up on a connection
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// TracingConfig represents tracing configuration.
type TracingConfig struct {
	// OTLP gRPC collector endpoint. Empty disables tracing.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// Load loads configuration from a YAML file, applies defaults, and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// ValidateConfig validates the configuration (exported for hot reload).
func ValidateConfig(cfg *Config) error {
	return validateConfig(cfg)
}

func validateConfig(cfg *Config) error {
	if cfg.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}
	if cfg.Server.HealthCheckPort <= 0 || cfg.Server.HealthCheckPort > 65535 {
		return fmt.Errorf("server.health_check_port must be between 1 and 65535")
	}
	if (cfg.Server.TLSCertificatePEMPath == "") != (cfg.Server.TLSCertificateKeyPEMPath == "") {
		return fmt.Errorf("server.tls_certificate_pem_path and tls_certificate_key_pem_path must be set together")
	}

	if cfg.Subnet.URL == "" {
		return fmt.Errorf("subnet.url is required")
	}
	if cfg.Subnet.RequestTimeout <= 0 {
		return fmt.Errorf("subnet.request_timeout must be greater than 0")
	}
	if cfg.Subnet.MaxIdleConnsPerHost <= 0 {
		return fmt.Errorf("subnet.max_idle_conns_per_host must be greater than 0")
	}

	if cfg.Polling.Interval <= 0 {
		return fmt.Errorf("polling.interval must be greater than 0")
	}
	if cfg.Polling.MaxMessagesPerPoll <= 0 {
		return fmt.Errorf("polling.max_messages_per_poll must be greater than 0")
	}

	if cfg.Redis.Addr != "" && cfg.Redis.PoolSize <= 0 {
		return fmt.Errorf("redis.pool_size must be greater than 0 when redis.addr is set")
	}

	if cfg.GracefulShutdownTimeout <= 0 {
		return fmt.Errorf("graceful_shutdown_timeout must be greater than 0")
	}

	return nil
}

func setDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.HealthCheckPort == 0 {
		cfg.Server.HealthCheckPort = 9090
	}
	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 9091
	}

	if cfg.Subnet.RequestTimeout == 0 {
		cfg.Subnet.RequestTimeout = 10 * time.Second
	}
	if cfg.Subnet.MaxIdleConnsPerHost == 0 {
		cfg.Subnet.MaxIdleConnsPerHost = 32
	}
	if cfg.Subnet.MaxRetries == 0 {
		cfg.Subnet.MaxRetries = 3
	}
	if cfg.Subnet.RetryDelay == 0 {
		cfg.Subnet.RetryDelay = 100 * time.Millisecond
	}

	if cfg.Polling.Interval == 0 {
		cfg.Polling.Interval = 500 * time.Millisecond
	}
	if cfg.Polling.MaxMessagesPerPoll == 0 {
		cfg.Polling.MaxMessagesPerPoll = 100
	}
	if cfg.Polling.NonceWindow == 0 {
		cfg.Polling.NonceWindow = 1000
	}

	if cfg.Redis.Addr != "" {
		if cfg.Redis.KeyPrefix == "" {
			cfg.Redis.KeyPrefix = "ic-gateway:"
		}
		if cfg.Redis.PoolSize == 0 {
			cfg.Redis.PoolSize = 10
		}
		if cfg.Redis.MinIdleConns == 0 {
			cfg.Redis.MinIdleConns = 5
		}
		if cfg.Redis.DialTimeout == 0 {
			cfg.Redis.DialTimeout = 5 * time.Second
		}
		if cfg.Redis.ReadTimeout == 0 {
			cfg.Redis.ReadTimeout = 3 * time.Second
		}
		if cfg.Redis.WriteTimeout == 0 {
			cfg.Redis.WriteTimeout = 3 * time.Second
		}
	}

	if cfg.Security.MaxMessageSize == 0 {
		cfg.Security.MaxMessageSize = 512 * 1024
	}
	if cfg.Security.HandshakeTimeout == 0 {
		cfg.Security.HandshakeTimeout = 10 * time.Second
	}

	if cfg.GracefulShutdownTimeout == 0 {
		cfg.GracefulShutdownTimeout = 30 * time.Second
	}
}
