package gateway

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha1"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/icws/gateway/internal/config"
	"github.com/icws/gateway/internal/icclient"
	"github.com/icws/gateway/internal/logger"
	"github.com/icws/gateway/internal/metrics"
	"github.com/icws/gateway/internal/middleware"
	"github.com/icws/gateway/internal/poller"
	"github.com/icws/gateway/internal/redis"
	"github.com/icws/gateway/internal/registry"
	"github.com/icws/gateway/internal/session"
	"github.com/icws/gateway/internal/tracing"
	"github.com/icws/gateway/internal/wsconn"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Gateway terminates client WebSocket connections, registers each against
// the backend it names, and relays messages in both directions (C6).
type Gateway struct {
	config           *config.Config
	gatewayPrincipal string

	registry      *registry.Registry
	pollerManager *poller.Manager
	icClient      *icclient.Client
	redisClient   *redis.Client
	hotReload     *config.HotReloadManager

	configMu sync.RWMutex

	listener      net.Listener
	tlsConfig     *tls.Config
	metricsServer *http.Server

	draining int32
	wg       sync.WaitGroup
}

// New creates a new gateway instance. gatewayPrincipal is advertised to
// clients in the handshake message so they know what to authorize in their
// registration call.
func New(cfg *config.Config, gatewayPrincipal string) (*Gateway, error) {
	g := &Gateway{config: cfg, gatewayPrincipal: gatewayPrincipal}

	g.icClient = icclient.New(&cfg.Subnet)
	g.registry = registry.New()
	g.pollerManager = poller.NewManager(poller.Config{
		Interval:           cfg.Polling.Interval,
		MaxMessagesPerPoll: cfg.Polling.MaxMessagesPerPoll,
	}, g.icClient, g.registry)
	g.registry.SetCallbacks(g.pollerManager.OnBackendActive, g.pollerManager.OnBackendIdle)

	if cfg.Redis.Addr != "" {
		g.redisClient = redis.NewClient(&cfg.Redis)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.redisClient.Ping(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
	}

	if cfg.Server.TLSCertificatePEMPath != "" {
		cert, err := tls.LoadX509KeyPair(cfg.Server.TLSCertificatePEMPath, cfg.Server.TLSCertificateKeyPEMPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
		}
		g.tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	g.hotReload = config.NewHotReloadManager(cfg, g.applyConfigReload)

	return g, nil
}

// applyConfigReload is the HotReloadManager's reload callback. Only the
// settings read through configMu (the security limits) take effect without
// a restart; the polling schedule is copied into poller.Manager at
// construction, and the listener address and TLS material are fixed for
// the process lifetime.
func (g *Gateway) applyConfigReload(newCfg *config.Config) error {
	g.configMu.Lock()
	defer g.configMu.Unlock()

	if newCfg.Server.ListenAddr != g.config.Server.ListenAddr {
		return fmt.Errorf("server.listen_addr cannot change without a restart")
	}
	if newCfg.Server.TLSCertificatePEMPath != g.config.Server.TLSCertificatePEMPath ||
		newCfg.Server.TLSCertificateKeyPEMPath != g.config.Server.TLSCertificateKeyPEMPath {
		return fmt.Errorf("tls certificate paths cannot change without a restart")
	}

	g.config = newCfg
	return nil
}

// Reload re-reads configPath and, if it validates and leaves restart-only
// settings untouched, swaps it in. Only the fields handleConnection reads
// through configMu — Security.MaxMessageSize and Security.HandshakeTimeout
// — take effect on the next accepted connection; the polling interval is
// fixed at poller.Manager construction time and needs a restart to change.
func (g *Gateway) Reload(configPath string) error {
	newCfg, err := config.Load(configPath)
	if err != nil {
		metrics.ConfigRefreshErrors.WithLabelValues("parse").Inc()
		return fmt.Errorf("failed to load config for reload: %w", err)
	}
	if err := g.hotReload.UpdateConfig(newCfg); err != nil {
		metrics.ConfigRefreshErrors.WithLabelValues("apply").Inc()
		return err
	}
	return nil
}

// Start starts the gateway service: metrics/health server, then the client
// listener. Both run until ctx is cancelled or Shutdown is called.
func (g *Gateway) Start(ctx context.Context) error {
	middleware.InitAccessLogger(100, 5*time.Second)

	if err := g.startMetricsServer(ctx); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	if err := g.startListener(ctx); err != nil {
		return fmt.Errorf("failed to start listener: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the gateway.
func (g *Gateway) Shutdown(ctx context.Context) error {
	atomic.StoreInt32(&g.draining, 1)

	if g.listener != nil {
		g.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}

	g.pollerManager.Shutdown()

	if g.redisClient != nil {
		if err := g.redisClient.Close(); err != nil {
			return fmt.Errorf("failed to close Redis connection: %w", err)
		}
	}

	if g.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.metricsServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown metrics server: %w", err)
		}
	}

	middleware.ShutdownAccessLogger()

	return nil
}

// startMetricsServer starts the metrics and health check HTTP server.
func (g *Gateway) startMetricsServer(_ context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", g.healthHandler)
	mux.HandleFunc("/ready", g.readyHandler)
	mux.Handle("/metrics", promhttp.Handler())

	g.metricsServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", g.config.Server.HealthCheckPort),
		Handler: mux,
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := g.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.L.Error("metrics server error", zap.Error(err))
		}
	}()

	logger.L.Info("metrics server started", zap.Int("port", g.config.Server.HealthCheckPort))

	return nil
}

// startListener starts accepting client WebSocket connections.
func (g *Gateway) startListener(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.ListenAddr)
	if err != nil {
		return err
	}

	if g.tlsConfig != nil {
		ln = tls.NewListener(ln, g.tlsConfig)
	}
	g.listener = ln

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.acceptLoop(ctx)
	}()

	return nil
}

// acceptLoop accepts incoming connections.
func (g *Gateway) acceptLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			if tcpListener, ok := g.listener.(*net.TCPListener); ok {
				tcpListener.SetDeadline(time.Now().Add(1 * time.Second))
			}

			conn, err := g.listener.Accept()
			if err != nil {
				if atomic.LoadInt32(&g.draining) == 1 {
					return
				}
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					continue
				}
				logger.L.Warn("accept connection error", zap.Error(err))
				continue
			}

			if err := conn.SetReadDeadline(time.Now().Add(30 * time.Second)); err != nil {
				conn.Close()
				continue
			}

			g.wg.Add(1)
			go func(c net.Conn) {
				defer g.wg.Done()
				g.handleConnection(ctx, c)
			}(conn)
		}
	}
}

// handleConnection performs the WebSocket upgrade and, on success, runs
// the session to completion.
func (g *Gateway) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	remoteAddr := conn.RemoteAddr().String()
	startTime := time.Now()

	ctx, span := tracing.StartSpan(ctx, "gateway.accept")
	defer span.End()

	metrics.TotalConnections.Inc()
	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()

	reader := bufio.NewReader(conn)
	req, err := http.ReadRequest(reader)
	if err != nil {
		logger.DebugWithTrace(ctx, "failed to parse HTTP request",
			zap.String("remote_addr", remoteAddr),
			zap.Error(err),
		)
		metrics.IncConnectionRejected("malformed_request")
		middleware.LogAccess(ctx, &middleware.AccessLogEntry{
			RemoteAddr: remoteAddr,
			DurationMs: time.Since(startTime).Milliseconds(),
			Status:     "rejected",
			Error:      "malformed http request",
		})
		return
	}
	defer req.Body.Close()

	if !isWebSocketRequest(req) {
		body := []byte("Gateway expects a WebSocket upgrade request.\n")
		_ = writeHTTPResponse(conn, http.StatusUpgradeRequired, "text/plain; charset=utf-8", body, map[string]string{"Connection": "close"})
		metrics.IncConnectionRejected("not_websocket")
		middleware.LogAccess(ctx, &middleware.AccessLogEntry{
			RemoteAddr: remoteAddr,
			DurationMs: time.Since(startTime).Milliseconds(),
			Status:     "rejected",
			Error:      "not a websocket upgrade request",
		})
		return
	}

	acceptKey, err := computeWebSocketAcceptKey(req.Header.Get("Sec-WebSocket-Key"))
	if err != nil {
		_ = writeHTTPResponse(conn, http.StatusBadRequest, "text/plain; charset=utf-8", []byte("Invalid WebSocket key\n"), nil)
		metrics.IncConnectionRejected("invalid_websocket_key")
		middleware.LogAccess(ctx, &middleware.AccessLogEntry{
			RemoteAddr: remoteAddr,
			DurationMs: time.Since(startTime).Milliseconds(),
			Status:     "rejected",
			Error:      "invalid websocket key",
		})
		return
	}

	if err := writeWebSocketHandshake(conn, acceptKey); err != nil {
		logger.WarnWithTrace(ctx, "failed to write websocket handshake response",
			zap.String("remote_addr", remoteAddr),
			zap.Error(err),
		)
		return
	}

	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return
	}

	g.configMu.RLock()
	maxMessageSize := g.config.Security.MaxMessageSize
	handshakeTimeout := g.config.Security.HandshakeTimeout
	g.configMu.RUnlock()

	wsConn := wsconn.New(conn, reader, maxMessageSize)
	sess := session.New(wsConn, g.registry, g.icClient, g.gatewayPrincipal, handshakeTimeout)
	if g.redisClient != nil {
		sess.SetPresenceHook(func(kind string) {
			g.publishPresence(sess.Key(), kind)
		})
	}

	logger.InfoWithTrace(ctx, "accepted websocket connection", zap.String("remote_addr", remoteAddr))
	middleware.LogAccess(ctx, &middleware.AccessLogEntry{
		RemoteAddr: remoteAddr,
		DurationMs: time.Since(startTime).Milliseconds(),
		Status:     "success",
	})

	sess.Run(ctx)

	key := sess.Key()
	middleware.LogAccess(ctx, &middleware.AccessLogEntry{
		RemoteAddr: remoteAddr,
		ClientKey:  key.Client.String(),
		BackendID:  string(key.Backend),
		DurationMs: time.Since(startTime).Milliseconds(),
		Status:     "closed",
	})
}

// publishPresence fires a best-effort presence event for another gateway
// instance's operators to observe. It runs on the calling session's
// goroutine and is bounded by a 2s timeout; failures are logged and
// dropped.
func (g *Gateway) publishPresence(key registry.Key, kind string) {
	if g.redisClient == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ev := redis.PresenceEvent{
		Kind:      kind,
		BackendID: string(key.Backend),
		ClientKey: key.Client.String(),
		GatewayID: g.gatewayPrincipal,
		At:        time.Now(),
	}
	if err := g.redisClient.PublishPresence(ctx, ev); err != nil {
		logger.L.Warn("failed to publish presence event", zap.Error(err))
	}
}

func isWebSocketRequest(req *http.Request) bool {
	if req.Method != http.MethodGet {
		return false
	}
	if !strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
		return false
	}
	if !headerContainsToken(req.Header, "Connection", "Upgrade") {
		return false
	}
	key := strings.TrimSpace(req.Header.Get("Sec-WebSocket-Key"))
	if key == "" {
		return false
	}
	if version := strings.TrimSpace(req.Header.Get("Sec-WebSocket-Version")); version != "" && version != "13" {
		return false
	}
	return true
}

const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

func computeWebSocketAcceptKey(clientKey string) (string, error) {
	clientKey = strings.TrimSpace(clientKey)
	if clientKey == "" {
		return "", fmt.Errorf("empty Sec-WebSocket-Key")
	}
	h := sha1.Sum([]byte(clientKey + websocketGUID))
	return base64.StdEncoding.EncodeToString(h[:]), nil
}

func writeHTTPResponse(w io.Writer, status int, contentType string, body []byte, extraHeaders map[string]string) error {
	if body == nil {
		body = []byte{}
	}
	var resp bytes.Buffer
	text := http.StatusText(status)
	if text == "" {
		text = "Status"
	}
	fmt.Fprintf(&resp, "HTTP/1.1 %d %s\r\n", status, text)
	fmt.Fprintf(&resp, "Content-Length: %d\r\n", len(body))
	if contentType != "" {
		fmt.Fprintf(&resp, "Content-Type: %s\r\n", contentType)
	}
	hasConnectionHeader := false
	for k, v := range extraHeaders {
		fmt.Fprintf(&resp, "%s: %s\r\n", k, v)
		if strings.EqualFold(k, "Connection") {
			hasConnectionHeader = true
		}
	}
	if !hasConnectionHeader {
		resp.WriteString("Connection: close\r\n")
	}
	resp.WriteString("\r\n")
	resp.Write(body)
	_, err := w.Write(resp.Bytes())
	return err
}

func writeWebSocketHandshake(w io.Writer, acceptKey string) error {
	var resp bytes.Buffer
	resp.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	resp.WriteString("Upgrade: websocket\r\n")
	resp.WriteString("Connection: Upgrade\r\n")
	fmt.Fprintf(&resp, "Sec-WebSocket-Accept: %s\r\n", acceptKey)
	resp.WriteString("\r\n")
	_, err := w.Write(resp.Bytes())
	return err
}

func headerContainsToken(h http.Header, key, token string) bool {
	for _, v := range h.Values(key) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

// healthHandler handles health check requests.
func (g *Gateway) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// readyHandler handles readiness probe requests.
func (g *Gateway) readyHandler(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&g.draining) == 1 {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("Draining"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Ready"))
}
