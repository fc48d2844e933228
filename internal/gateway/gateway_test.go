package gateway

import (
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/icws/gateway/internal/config"
	"github.com/icws/gateway/internal/logger"
)

func TestMain(m *testing.M) {
	_ = logger.Init("error")
	os.Exit(m.Run())
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			ListenAddr:       "127.0.0.1:0",
			HealthCheckPort:  0,
			MetricsPort:      0,
			GatewayPrincipal: "test-gateway",
		},
		Subnet: config.SubnetConfig{
			URL:                 "http://127.0.0.1:0",
			RequestTimeout:      5 * time.Second,
			MaxIdleConnsPerHost: 8,
			MaxRetries:          1,
			RetryDelay:          10 * time.Millisecond,
		},
		Polling: config.PollingConfig{
			Interval:           50 * time.Millisecond,
			MaxMessagesPerPoll: 10,
			NonceWindow:        100,
		},
		Security: config.SecurityConfig{
			MaxMessageSize:   64 * 1024,
			HandshakeTimeout: time.Second,
		},
		GracefulShutdownTimeout: time.Second,
	}
}

func TestGateway_New(t *testing.T) {
	cfg := testConfig()

	gw, err := New(cfg, "test-gateway")
	if err != nil {
		t.Fatalf("unexpected error constructing gateway: %v", err)
	}
	if gw == nil {
		t.Fatal("expected gateway instance, got nil")
	}
	if gw.GetConfig() != cfg {
		t.Error("config not set correctly")
	}
	if gw.registry == nil || gw.pollerManager == nil || gw.icClient == nil {
		t.Error("expected registry, poller manager, and IC client to be wired")
	}
	if gw.redisClient != nil {
		t.Error("expected no Redis client when redis.addr is empty")
	}
}

func TestGateway_New_RedisUnreachable(t *testing.T) {
	cfg := testConfig()
	cfg.Redis = config.RedisConfig{
		Addr:     "127.0.0.1:1", // nothing listens here
		PoolSize: 1,
	}

	if _, err := New(cfg, "test-gateway"); err == nil {
		t.Fatal("expected error when Redis is unreachable")
	}
}

func TestGateway_isWebSocketRequest(t *testing.T) {
	good := &http.Request{
		Method: http.MethodGet,
		Header: http.Header{
			"Upgrade":               []string{"websocket"},
			"Connection":            []string{"Upgrade"},
			"Sec-Websocket-Key":     []string{"dGhlIHNhbXBsZSBub25jZQ=="},
			"Sec-Websocket-Version": []string{"13"},
		},
	}
	if !isWebSocketRequest(good) {
		t.Error("expected a valid upgrade request to be recognized")
	}

	notUpgrade := &http.Request{Method: http.MethodGet, Header: http.Header{}}
	if isWebSocketRequest(notUpgrade) {
		t.Error("expected a plain GET request to be rejected")
	}

	wrongMethod := &http.Request{
		Method: http.MethodPost,
		Header: good.Header,
	}
	if isWebSocketRequest(wrongMethod) {
		t.Error("expected a non-GET request to be rejected")
	}
}

func TestComputeWebSocketAcceptKey(t *testing.T) {
	// RFC 6455 section 1.3 worked example.
	key, err := computeWebSocketAcceptKey("dGhlIHNhbXBsZSBub25jZQ==")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	const want = "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
	if key != want {
		t.Errorf("accept key = %q, want %q", key, want)
	}

	if _, err := computeWebSocketAcceptKey(""); err == nil {
		t.Error("expected error for empty Sec-WebSocket-Key")
	}
}

func TestGateway_Reload_AppliesSecurityLimits(t *testing.T) {
	cfg := testConfig()
	gw, err := New(cfg, "test-gateway")
	if err != nil {
		t.Fatalf("unexpected error constructing gateway: %v", err)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "reload.yaml")
	body := `
server:
  listen_addr: "127.0.0.1:0"
  health_check_port: 9090
subnet:
  url: "http://127.0.0.1:0"
  request_timeout: 5s
  max_idle_conns_per_host: 8
polling:
  interval: 50ms
  max_messages_per_poll: 10
security:
  max_message_size: 131072
  handshake_timeout: 2s
graceful_shutdown_timeout: 1s
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write reload config: %v", err)
	}

	if err := gw.Reload(path); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	if got := gw.GetConfig().Security.MaxMessageSize; got != 131072 {
		t.Errorf("MaxMessageSize after reload = %d, want 131072", got)
	}
}

func TestGateway_Reload_RejectsListenAddrChange(t *testing.T) {
	cfg := testConfig()
	gw, err := New(cfg, "test-gateway")
	if err != nil {
		t.Fatalf("unexpected error constructing gateway: %v", err)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "reload.yaml")
	body := `
server:
  listen_addr: "127.0.0.1:9999"
  health_check_port: 9090
subnet:
  url: "http://127.0.0.1:0"
  request_timeout: 5s
  max_idle_conns_per_host: 8
polling:
  interval: 50ms
  max_messages_per_poll: 10
graceful_shutdown_timeout: 1s
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write reload config: %v", err)
	}

	if err := gw.Reload(path); err == nil {
		t.Fatal("expected Reload to reject a changed listen_addr")
	}
	if gw.GetConfig().Server.ListenAddr != "127.0.0.1:0" {
		t.Error("rejected reload must not have mutated the running config")
	}
}

func TestGateway_StartAndShutdown(t *testing.T) {
	cfg := testConfig()

	gw, err := New(cfg, "test-gateway")
	if err != nil {
		t.Fatalf("unexpected error constructing gateway: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := gw.Start(ctx); err != nil {
		t.Fatalf("unexpected error starting gateway: %v", err)
	}

	addr := gw.listener.Addr().String()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("failed to dial listener: %v", err)
	}
	conn.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := gw.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("unexpected error during shutdown: %v", err)
	}
}
