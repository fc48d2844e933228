// Package icclient is the gateway's RPC client to backend canisters. It
// knows exactly three operations, open, call and query, modeled after the
// teacher's pool.Manager/pool.Pool for connection reuse and its
// retry.Do/circuitbreaker.Breaker for resilience — but transport pooling
// itself is delegated to net/http's own connection reuse, since the wire
// protocol here is request/response HTTP rather than the teacher's
// long-lived TCP game sessions.
package icclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/icws/gateway/internal/buffer"
	"github.com/icws/gateway/internal/circuitbreaker"
	"github.com/icws/gateway/internal/config"
	"github.com/icws/gateway/internal/envelope"
	"github.com/icws/gateway/internal/metrics"
	"github.com/icws/gateway/internal/retry"
)

// Client issues call/query RPCs against a subnet's replica HTTP interface.
type Client struct {
	httpClient *http.Client
	baseURL    string
	retryCfg   retry.RetryConfig

	breakerMu sync.RWMutex
	breakers  map[envelope.BackendID]*circuitbreaker.Breaker
}

// New builds a Client from subnet configuration.
func New(cfg *config.SubnetConfig) *Client {
	transport := &http.Transport{
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.RequestTimeout,
		},
		baseURL: cfg.URL,
		retryCfg: retry.RetryConfig{
			MaxRetries: cfg.MaxRetries,
			RetryDelay: cfg.RetryDelay,
		},
		breakers: make(map[envelope.BackendID]*circuitbreaker.Breaker),
	}
}

func (c *Client) breakerFor(backend envelope.BackendID) *circuitbreaker.Breaker {
	c.breakerMu.RLock()
	b, ok := c.breakers[backend]
	c.breakerMu.RUnlock()
	if ok {
		return b
	}

	c.breakerMu.Lock()
	defer c.breakerMu.Unlock()
	if b, ok := c.breakers[backend]; ok {
		return b
	}
	b = circuitbreaker.NewBreaker(5, 30*time.Second)
	c.breakers[backend] = b
	return b
}

// ErrCircuitOpen is returned when a backend's circuit breaker is open.
var ErrCircuitOpen = fmt.Errorf("icclient: circuit breaker open")

// Call relays rawEnvelope — an already CBOR-encoded envelope.RelayedEnvelope
// produced by the client — to the backend's update-call endpoint, verbatim.
// The gateway never re-encodes it: the client's signature covers exactly
// the bytes it sent.
func (c *Client) Call(ctx context.Context, backend envelope.BackendID, rawEnvelope []byte) error {
	breaker := c.breakerFor(backend)
	if !breaker.Allow() {
		metrics.CircuitBreakerState.WithLabelValues(string(backend)).Set(1)
		return ErrCircuitOpen
	}

	url := fmt.Sprintf("%s/%s/call", c.baseURL, backend)
	start := time.Now()
	err := retry.Do(ctx, c.retryCfg, func() error {
		return c.post(ctx, url, rawEnvelope, nil)
	})
	metrics.BackendCallLatency.WithLabelValues("call", string(backend)).Observe(time.Since(start).Seconds())

	if err != nil {
		breaker.RecordFailure()
		return fmt.Errorf("icclient: call to %s failed: %w", backend, err)
	}
	breaker.RecordSuccess()
	metrics.CircuitBreakerState.WithLabelValues(string(backend)).Set(float64(breaker.State()))
	return nil
}

// Open relays rawRegistration — the client's already CBOR-encoded
// RegistrationEnvelope — to the backend's ws_open method, registering the
// session before the backend will accept anything relayed through Call.
// Mirrors Call's verbatim-forwarding contract: the gateway never
// re-encodes the envelope.
func (c *Client) Open(ctx context.Context, backend envelope.BackendID, rawRegistration []byte) error {
	breaker := c.breakerFor(backend)
	if !breaker.Allow() {
		metrics.CircuitBreakerState.WithLabelValues(string(backend)).Set(1)
		return ErrCircuitOpen
	}

	url := fmt.Sprintf("%s/%s/open", c.baseURL, backend)
	start := time.Now()
	err := retry.Do(ctx, c.retryCfg, func() error {
		return c.post(ctx, url, rawRegistration, nil)
	})
	metrics.BackendCallLatency.WithLabelValues("open", string(backend)).Observe(time.Since(start).Seconds())

	if err != nil {
		breaker.RecordFailure()
		return fmt.Errorf("icclient: open on %s failed: %w", backend, err)
	}
	breaker.RecordSuccess()
	metrics.CircuitBreakerState.WithLabelValues(string(backend)).Set(float64(breaker.State()))
	return nil
}

// Query polls a backend for queued outbound messages after nonce.
func (c *Client) Query(ctx context.Context, backend envelope.BackendID, nonce uint64, maxMessages int) (*envelope.PollResponse, error) {
	breaker := c.breakerFor(backend)
	if !breaker.Allow() {
		metrics.CircuitBreakerState.WithLabelValues(string(backend)).Set(1)
		return nil, ErrCircuitOpen
	}

	req := envelope.PollRequest{Nonce: nonce, MaxMessages: maxMessages}
	body, err := envelope.Marshal(req)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/%s/query", c.baseURL, backend)
	var resp envelope.PollResponse

	start := time.Now()
	err = retry.Do(ctx, c.retryCfg, func() error {
		return c.post(ctx, url, body, &resp)
	})
	metrics.BackendCallLatency.WithLabelValues("query", string(backend)).Observe(time.Since(start).Seconds())

	if err != nil {
		breaker.RecordFailure()
		return nil, fmt.Errorf("icclient: query to %s failed: %w", backend, err)
	}
	breaker.RecordSuccess()
	metrics.CircuitBreakerState.WithLabelValues(string(backend)).Set(float64(breaker.State()))
	return &resp, nil
}

func (c *Client) post(ctx context.Context, url string, body []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/cbor")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scratch := buffer.Get()
	defer buffer.Put(scratch)

	var respBuf bytes.Buffer
	if _, err := io.CopyBuffer(&respBuf, resp.Body, scratch); err != nil {
		return err
	}
	respBody := respBuf.Bytes()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}
	return envelope.Unmarshal(respBody, out)
}
