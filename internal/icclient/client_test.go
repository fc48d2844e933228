package icclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/icws/gateway/internal/config"
	"github.com/icws/gateway/internal/envelope"
)

func testClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := &config.SubnetConfig{
		URL:                 srv.URL,
		RequestTimeout:      2 * time.Second,
		MaxIdleConnsPerHost: 4,
		MaxRetries:          1,
		RetryDelay:          time.Millisecond,
	}
	return New(cfg), srv
}

func TestClient_Call_Success(t *testing.T) {
	var gotPath string
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	})

	err := c.Call(context.Background(), envelope.BackendID("backend-a"), []byte("raw-envelope"))
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if gotPath != "/backend-a/call" {
		t.Errorf("path = %q, want /backend-a/call", gotPath)
	}
}

func TestClient_Call_ServerError(t *testing.T) {
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	if err := c.Call(context.Background(), envelope.BackendID("backend-a"), []byte("x")); err == nil {
		t.Fatal("expected error on 500 response")
	}
}

func TestClient_Open_Success(t *testing.T) {
	var gotPath string
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	})

	err := c.Open(context.Background(), envelope.BackendID("backend-a"), []byte("raw-registration"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if gotPath != "/backend-a/open" {
		t.Errorf("path = %q, want /backend-a/open", gotPath)
	}
}

func TestClient_Open_ServerError(t *testing.T) {
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	if err := c.Open(context.Background(), envelope.BackendID("backend-a"), []byte("x")); err == nil {
		t.Fatal("expected error on 500 response")
	}
}

func TestClient_Query_DecodesResponse(t *testing.T) {
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		resp := envelope.PollResponse{
			Messages:  []envelope.OutboundMessage{{Key: "backend-a_1", Val: []byte("hi")}},
			NextNonce: 5,
		}
		data, err := envelope.Marshal(resp)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		w.Header().Set("Content-Type", "application/cbor")
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	})

	resp, err := c.Query(context.Background(), envelope.BackendID("backend-a"), 0, 10)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if resp.NextNonce != 5 || len(resp.Messages) != 1 {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestClient_CircuitBreaker_OpensAfterFailures(t *testing.T) {
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	backend := envelope.BackendID("backend-a")
	for i := 0; i < 5; i++ {
		_ = c.Call(context.Background(), backend, []byte("x"))
	}

	err := c.Call(context.Background(), backend, []byte("x"))
	if err != ErrCircuitOpen {
		t.Errorf("expected ErrCircuitOpen after repeated failures, got %v", err)
	}
}

func TestClient_PerBackendBreakerIsolation(t *testing.T) {
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	for i := 0; i < 5; i++ {
		_ = c.Call(context.Background(), envelope.BackendID("backend-a"), []byte("x"))
	}

	// A different backend must have its own breaker, unaffected by backend-a's failures.
	err := c.Call(context.Background(), envelope.BackendID("backend-b"), []byte("x"))
	if err == ErrCircuitOpen {
		t.Error("backend-b's breaker should not be open due to backend-a's failures")
	}
}
