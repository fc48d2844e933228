// Package poller implements the gateway's per-backend polling loop (C4).
// One Poller runs for as long as at least one session is registered
// against its backend; the registry starts and stops it by refcount, the
// way the teacher's pool.Manager starts and tears down per-service
// connection pools on demand.
package poller

import (
	"context"
	"sync"
	"time"

	"github.com/icws/gateway/internal/envelope"
	"github.com/icws/gateway/internal/icclient"
	"github.com/icws/gateway/internal/logger"
	"github.com/icws/gateway/internal/metrics"
	"github.com/icws/gateway/internal/registry"
	"go.uber.org/zap"
)

// Config controls a poller's scheduling.
type Config struct {
	Interval           time.Duration
	MaxMessagesPerPoll int
}

// Manager owns one Poller per backend with at least one registered
// session. It is wired as the registry's onBackendActive/onBackendIdle
// callbacks.
type Manager struct {
	cfg Config
	ic  *icclient.Client
	reg *registry.Registry

	mu      sync.Mutex
	pollers map[envelope.BackendID]*poller
	wg      sync.WaitGroup
}

// NewManager creates a poller manager. Call OnBackendActive/OnBackendIdle
// from the registry's callbacks.
func NewManager(cfg Config, ic *icclient.Client, reg *registry.Registry) *Manager {
	return &Manager{
		cfg:     cfg,
		ic:      ic,
		reg:     reg,
		pollers: make(map[envelope.BackendID]*poller),
	}
}

// OnBackendActive starts a poller for key.Backend if one is not already
// running, seeded with the client that triggered activation so the first
// poll iteration can filter out pre-existing backlog (see filterFirstPoll).
func (m *Manager) OnBackendActive(key registry.Key) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pollers[key.Backend]; ok {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &poller{
		backend:        key.Backend,
		startingClient: key.Client,
		firstPoll:      true,
		cfg:            m.cfg,
		ic:             m.ic,
		reg:            m.reg,
		cancel:         cancel,
	}
	m.pollers[key.Backend] = p

	metrics.ActivePollers.Inc()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		p.run(ctx)
	}()
}

// OnBackendIdle stops the poller for backend, if running.
func (m *Manager) OnBackendIdle(backend envelope.BackendID) {
	m.mu.Lock()
	p, ok := m.pollers[backend]
	if ok {
		delete(m.pollers, backend)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	p.cancel()
	metrics.ActivePollers.Dec()
}

// Shutdown stops every running poller and waits for them to exit.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	for backend, p := range m.pollers {
		p.cancel()
		delete(m.pollers, backend)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// poller polls a single backend on a fixed interval, forwarding queued
// outbound messages to the sessions registered for it.
type poller struct {
	backend        envelope.BackendID
	startingClient envelope.ClientKey
	firstPoll      bool

	cfg Config
	ic  *icclient.Client
	reg *registry.Registry

	nonce  uint64
	cancel context.CancelFunc
}

func (p *poller) run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *poller) tick(ctx context.Context) {
	start := time.Now()
	resp, err := p.ic.Query(ctx, p.backend, p.nonce, p.cfg.MaxMessagesPerPoll)
	metrics.PollLatency.WithLabelValues(string(p.backend)).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.PollErrors.WithLabelValues(string(p.backend)).Inc()
		logger.WarnWithTrace(ctx, "poll failed",
			zap.String("backend_id", string(p.backend)),
			zap.Error(err),
		)
		return
	}

	messages := resp.Messages
	if p.firstPoll {
		messages = filterFirstPoll(messages, p.startingClient)
		p.firstPoll = false
	}

	for _, msg := range messages {
		clientKey, _, err := msg.Route()
		if err != nil {
			logger.WarnWithTrace(ctx, "dropping undecodable outbound message",
				zap.String("backend_id", string(p.backend)),
				zap.String("key", msg.Key),
				zap.Error(err),
			)
			continue
		}
		handle, ok := p.reg.LookupClient(p.backend, clientKey)
		if !ok {
			// Client not registered with this gateway (already
			// disconnected, or registered against a different
			// gateway instance). Nothing to deliver to.
			continue
		}
		handle.Send(msg)
	}

	p.nonce = resp.NextNonce
}

// filterFirstPoll discards messages that predate this poller's incarnation
// when the backend's queue already had a backlog at nonce=0 (e.g. the
// gateway restarted while the canister kept queuing). The original
// gateway (canister_poller.rs, filter_messages_of_first_polling_iteration)
// walks the batch backward looking for startingClient's open/service
// message and keeps it and everything after it; this gateway's
// OutboundMessage carries no open/service marker to find, so it
// approximates that boundary as startingClient's first message in the
// batch — the earliest point at which the client whose registration
// started this poller could have anything queued for it — and keeps that
// message and everything after it. If no message belongs to startingClient
// the whole batch predates this gateway incarnation and is dropped.
func filterFirstPoll(messages []envelope.OutboundMessage, startingClient envelope.ClientKey) []envelope.OutboundMessage {
	for i, msg := range messages {
		clientKey, _, err := msg.Route()
		if err != nil {
			continue
		}
		if clientKey == startingClient {
			return messages[i:]
		}
	}
	return nil
}
