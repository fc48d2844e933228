package poller

import (
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/icws/gateway/internal/config"
	"github.com/icws/gateway/internal/envelope"
	"github.com/icws/gateway/internal/icclient"
	"github.com/icws/gateway/internal/logger"
	"github.com/icws/gateway/internal/registry"
)

func TestMain(m *testing.M) {
	_ = logger.Init("error")
	os.Exit(m.Run())
}

type testHandle struct {
	key registry.Key

	mu   sync.Mutex
	sent []envelope.OutboundMessage
}

func (h *testHandle) Key() registry.Key { return h.key }
func (h *testHandle) Send(msg envelope.OutboundMessage) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, msg)
	return true
}
func (h *testHandle) Close(reason string) {}

func (h *testHandle) messages() []envelope.OutboundMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]envelope.OutboundMessage(nil), h.sent...)
}

// mustOutbound builds an OutboundMessage whose Val decodes to the given
// client key and sequence number, the way a real poll response would.
func mustOutbound(t *testing.T, clientKey envelope.ClientKey, seq uint64) envelope.OutboundMessage {
	t.Helper()
	val, err := envelope.Marshal(envelope.RelayedContent{ClientKey: clientKey, SequenceNum: seq})
	if err != nil {
		t.Fatal(err)
	}
	return envelope.OutboundMessage{Val: val}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *icclient.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return icclient.New(&config.SubnetConfig{
		URL:                 srv.URL,
		RequestTimeout:      2 * time.Second,
		MaxIdleConnsPerHost: 4,
		MaxRetries:          1,
		RetryDelay:          time.Millisecond,
	})
}

func TestManager_DeliversPolledMessagesToRegisteredHandle(t *testing.T) {
	var clientKey envelope.ClientKey
	clientKey[0] = 1
	backend := envelope.BackendID("backend-a")

	ic := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		resp := envelope.PollResponse{
			Messages:  []envelope.OutboundMessage{mustOutbound(t, clientKey, 1)},
			NextNonce: 1,
		}
		data, _ := envelope.Marshal(resp)
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	})

	reg := registry.New()
	mgr := NewManager(Config{Interval: 10 * time.Millisecond, MaxMessagesPerPoll: 10}, ic, reg)
	reg.SetCallbacks(mgr.OnBackendActive, mgr.OnBackendIdle)
	defer mgr.Shutdown()

	handle := &testHandle{key: registry.Key{Backend: backend, Client: clientKey}}
	reg.Register(handle)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(handle.messages()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	msgs := handle.messages()
	if len(msgs) == 0 {
		t.Fatal("expected at least one delivered message")
	}
	if _, seq, err := msgs[0].Route(); err != nil || seq != 1 {
		t.Errorf("Route() = (_, %d, %v), want (_, 1, nil)", seq, err)
	}
}

func TestManager_StopsPollerOnLastDeregister(t *testing.T) {
	var polls int
	var mu sync.Mutex

	ic := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		polls++
		mu.Unlock()
		resp := envelope.PollResponse{NextNonce: 1}
		data, _ := envelope.Marshal(resp)
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	})

	reg := registry.New()
	mgr := NewManager(Config{Interval: 5 * time.Millisecond, MaxMessagesPerPoll: 10}, ic, reg)
	reg.SetCallbacks(mgr.OnBackendActive, mgr.OnBackendIdle)
	defer mgr.Shutdown()

	var clientKey envelope.ClientKey
	handle := &testHandle{key: registry.Key{Backend: "backend-a", Client: clientKey}}

	reg.Register(handle)
	time.Sleep(50 * time.Millisecond)
	reg.Deregister(handle)

	mu.Lock()
	pollsAtStop := polls
	mu.Unlock()

	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	pollsAfterStop := polls
	mu.Unlock()

	if pollsAfterStop > pollsAtStop+1 {
		t.Errorf("expected polling to stop after deregister: before=%d after=%d", pollsAtStop, pollsAfterStop)
	}
}

func TestFilterFirstPoll(t *testing.T) {
	var startingClient envelope.ClientKey
	startingClient[0] = 7

	var other envelope.ClientKey
	other[0] = 9

	messages := []envelope.OutboundMessage{
		mustOutbound(t, other, 1),
		mustOutbound(t, startingClient, 2),
		mustOutbound(t, other, 3),
		mustOutbound(t, other, 4),
	}

	filtered := filterFirstPoll(messages, startingClient)
	if len(filtered) != 3 {
		t.Fatalf("expected 3 messages kept, got %d", len(filtered))
	}
	wantSeqs := []uint64{2, 3, 4}
	for i, want := range wantSeqs {
		if _, seq, err := filtered[i].Route(); err != nil || seq != want {
			t.Errorf("filtered[%d] seq = %d, want %d", i, seq, want)
		}
	}
}

func TestFilterFirstPoll_NoMatchDropsAll(t *testing.T) {
	var startingClient envelope.ClientKey
	startingClient[0] = 7

	var other envelope.ClientKey
	other[0] = 9

	messages := []envelope.OutboundMessage{
		mustOutbound(t, other, 1),
		mustOutbound(t, other, 2),
	}

	if filtered := filterFirstPoll(messages, startingClient); filtered != nil {
		t.Errorf("expected nil when starting client never appears, got %+v", filtered)
	}
}
