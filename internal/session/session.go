// Package session implements the gateway's per-connection state machine
// (C3): Handshaking, Registered, Closing, Closed. Unlike the teacher's
// session.Session — a data-only struct owned and mutated by a separate
// Manager — this Session carries its own behavior, because for this
// gateway the session IS the unit of work: one goroutine pair (ingress,
// egress) per connection, the way the teacher runs one forwardConnection
// per TCP session.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/icws/gateway/internal/envelope"
	"github.com/icws/gateway/internal/icclient"
	"github.com/icws/gateway/internal/logger"
	"github.com/icws/gateway/internal/metrics"
	"github.com/icws/gateway/internal/registry"
	"github.com/icws/gateway/internal/wsconn"
	"go.uber.org/zap"
)

// State is one of the four points in the session lifecycle.
type State int32

const (
	StateHandshaking State = iota
	StateRegistered
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateRegistered:
		return "registered"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const inboxCapacity = 256

// closeCodes maps a close reason to the WebSocket status code sent to the
// client. Reasons outside this table close with 1011 (internal error).
var closeCodes = map[string]int{
	"client_closed":        1000,
	"displaced":            1000,
	"shutdown":             1001,
	"protocol_error":       1002,
	"bad_envelope":         1008,
	"message_too_large":    1009,
	"handshake_timeout":    4000,
	"registration_invalid": 4001,
	"register_failed":      1011,
	"backend_unreachable":  4003,
}

// errBadEnvelope and errRegisterFailed let Run distinguish the handshake's
// failure causes and close with the matching code, instead of collapsing
// every handshake failure into a single timeout reason.
var (
	errBadEnvelope    = errors.New("session: bad envelope")
	errRegisterFailed = errors.New("session: register failed")
)

// Session is one client's WebSocket connection, from accept to close.
type Session struct {
	conn *wsconn.Conn
	key  registry.Key

	reg *registry.Registry
	ic  *icclient.Client

	gatewayPrincipal string
	handshakeTimeout time.Duration

	onPresence func(kind string)

	inboxMu sync.Mutex
	inbox   chan envelope.OutboundMessage

	// egressDone is closed by egressLoop when it returns, letting Close
	// join it instead of racing conn.Close's own write against a write
	// egressLoop might still be in the middle of.
	egressDone chan struct{}

	nextExpectedSeq uint64

	state     atomic.Int32
	closeOnce sync.Once

	cancel context.CancelFunc

	createdAt time.Time
}

// New constructs a Session around an already-upgraded WebSocket connection.
// Nothing is read or written until Run is called.
func New(conn *wsconn.Conn, reg *registry.Registry, ic *icclient.Client, gatewayPrincipal string, handshakeTimeout time.Duration) *Session {
	return &Session{
		conn:             conn,
		reg:              reg,
		ic:               ic,
		gatewayPrincipal: gatewayPrincipal,
		handshakeTimeout: handshakeTimeout,
		inbox:            make(chan envelope.OutboundMessage, inboxCapacity),
		egressDone:       make(chan struct{}),
		createdAt:        time.Now(),
	}
}

// Key returns the (backend, client key) this session is registered under.
// Valid only once the session has completed its handshake.
func (s *Session) Key() registry.Key {
	return s.key
}

// SetPresenceHook wires a callback invoked with "registered", "displaced",
// or the close reason at each lifecycle transition worth observing
// across gateway instances. The gateway leaves this nil unless a presence
// publisher is configured.
func (s *Session) SetPresenceHook(fn func(kind string)) {
	s.onPresence = fn
}

func (s *Session) notifyPresence(kind string) {
	if s.onPresence != nil {
		s.onPresence(kind)
	}
}

// Run drives the session through its full lifecycle: handshake,
// registration, and then ingress/egress until the connection or ctx ends.
// It always returns after the session reaches StateClosed.
func (s *Session) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer cancel()

	// A panic in the session or in one of its goroutines closes the
	// session with 1011 instead of crossing the task boundary.
	recoverToClose := func() {
		if r := recover(); r != nil {
			logger.L.Error("session panic", zap.Any("panic", r))
			s.Close("internal")
		}
	}
	defer recoverToClose()

	if err := s.handshake(ctx); err != nil {
		reason := "handshake_timeout"
		switch {
		case errors.Is(err, errBadEnvelope):
			reason = "bad_envelope"
		case errors.Is(err, errRegisterFailed):
			reason = "register_failed"
		}
		logger.DebugWithTrace(ctx, "session handshake failed",
			zap.String("remote_addr", s.conn.RemoteAddr().String()),
			zap.String("reason", reason),
			zap.Error(err),
		)
		s.Close(reason)
		return
	}

	metrics.ActiveSessions.Inc()
	defer metrics.ActiveSessions.Dec()

	logger.InfoWithTrace(ctx, "session registered",
		zap.String("backend_id", string(s.key.Backend)),
		zap.String("client_key", s.key.Client.String()),
	)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer recoverToClose()
		s.egressLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		defer recoverToClose()
		s.ingressLoop(ctx)
	}()

	wg.Wait()
	s.Close("client_closed")
}

// handshake sends the gateway handshake message, reads the client's
// registration envelope, and registers the session. On success the
// session transitions to Registered.
func (s *Session) handshake(ctx context.Context) error {
	hello := envelope.GatewayHandshakeMessage{GatewayPrincipal: s.gatewayPrincipal}
	data, err := envelope.Marshal(hello)
	if err != nil {
		return fmt.Errorf("encode handshake: %w", err)
	}
	if err := s.conn.WriteMessage(wsconn.BinaryMessage, data); err != nil {
		return fmt.Errorf("write handshake: %w", err)
	}

	if err := s.conn.SetReadDeadline(time.Now().Add(s.handshakeTimeout)); err != nil {
		return fmt.Errorf("set handshake deadline: %w", err)
	}

	msgType, payload, err := s.conn.ReadMessage()
	if err != nil {
		// Either the deadline set above expired or the socket failed
		// outright; either way this is a timeout from the client's
		// perspective, not a malformed-frame protocol error.
		return fmt.Errorf("read registration: %w", err)
	}
	if msgType != wsconn.BinaryMessage {
		return fmt.Errorf("%w: registration frame must be binary", errBadEnvelope)
	}

	var reg envelope.RegistrationEnvelope
	if err := envelope.Unmarshal(payload, &reg); err != nil {
		return fmt.Errorf("%w: decode registration: %v", errBadEnvelope, err)
	}
	clientKey, canisterID, err := reg.Decode()
	if err != nil {
		return fmt.Errorf("%w: %v", errBadEnvelope, err)
	}
	if canisterID == "" {
		return fmt.Errorf("%w: registration missing canister_id", errBadEnvelope)
	}

	// The registry key is only assigned once the frame has cleared
	// validation, so a bad_envelope return above never mutates the
	// registry; any failure from here on is register_failed or internal.
	s.key = registry.Key{Backend: canisterID, Client: clientKey}

	if displaced := s.reg.Register(s); displaced != nil {
		metrics.SessionsSuperseded.Inc()
		displaced.Close("displaced")
	}

	// payload is the registration frame exactly as the client sent it —
	// Content and Sig untouched — so the backend can verify the same
	// signature the client produced.
	if err := s.ic.Open(ctx, canisterID, payload); err != nil {
		return fmt.Errorf("%w: %v", errRegisterFailed, err)
	}

	if err := s.conn.SetReadDeadline(time.Time{}); err != nil {
		return fmt.Errorf("clear handshake deadline: %w", err)
	}

	s.state.Store(int32(StateRegistered))
	s.notifyPresence("registered")
	return nil
}

// ingressLoop reads relayed client envelopes off the socket and forwards
// them to the backend as update calls.
func (s *Session) ingressLoop(ctx context.Context) {
	defer s.cancel()

	for {
		msgType, payload, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != wsconn.BinaryMessage {
			logger.DebugWithTrace(ctx, "dropping non-binary frame from client",
				zap.String("client_key", s.key.Client.String()),
			)
			continue
		}

		var relayed envelope.RelayedEnvelope
		if err := envelope.Unmarshal(payload, &relayed); err != nil {
			logger.WarnWithTrace(ctx, "malformed relayed envelope",
				zap.String("client_key", s.key.Client.String()),
				zap.Error(err),
			)
			continue
		}

		if err := s.ic.Call(ctx, s.key.Backend, payload); err != nil {
			logger.WarnWithTrace(ctx, "backend call failed",
				zap.String("backend_id", string(s.key.Backend)),
				zap.String("client_key", s.key.Client.String()),
				zap.Error(err),
			)
			continue
		}

		metrics.MessagesRelayed.WithLabelValues("client_to_backend").Inc()
	}
}

// egressLoop drains the inbox and writes each outbound message to the
// client socket as a binary frame.
func (s *Session) egressLoop(ctx context.Context) {
	defer s.cancel()
	defer close(s.egressDone)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-s.inbox:
			if !ok {
				return
			}
			data, err := envelope.Marshal(msg)
			if err != nil {
				logger.ErrorWithTrace(ctx, "failed to encode outbound message", zap.Error(err))
				continue
			}
			if err := s.conn.WriteMessage(wsconn.BinaryMessage, data); err != nil {
				return
			}
			metrics.MessagesRelayed.WithLabelValues("backend_to_client").Inc()
		}
	}
}

// Send enqueues an outbound message for delivery to the client. Messages
// older than what this session has already accepted are dropped as
// duplicates. Under backpressure (inbox full) the oldest queued message is
// dropped to make room, favoring freshness over completeness — a
// reconnecting client re-requests its backlog from the backend by nonce,
// so losing a queued push here is recoverable. Returns false if the
// session is no longer accepting messages.
func (s *Session) Send(msg envelope.OutboundMessage) bool {
	if State(s.state.Load()) != StateRegistered {
		return false
	}

	_, seq, err := msg.Route()
	if err != nil {
		logger.L.Warn("dropping undecodable outbound message",
			zap.String("client_key", s.key.Client.String()),
			zap.Error(err),
		)
		return true
	}

	s.inboxMu.Lock()
	defer s.inboxMu.Unlock()

	if seq < s.nextExpectedSeq {
		return true // duplicate, already delivered or superseded
	}
	s.nextExpectedSeq = seq + 1

	select {
	case s.inbox <- msg:
		return true
	default:
		select {
		case <-s.inbox:
			metrics.InboxDropped.WithLabelValues(string(s.key.Backend)).Inc()
		default:
		}
		select {
		case s.inbox <- msg:
		default:
		}
		return true
	}
}

// closeDrainTimeout bounds how long Close waits for egressLoop to flush
// s.inbox and exit before tearing down the connection.
const closeDrainTimeout = 1 * time.Second

// Close moves the session to Closing/Closed, deregisters it, and sends a
// WebSocket close frame carrying the status code for reason. Safe to call
// more than once and from any goroutine.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		registered := State(s.state.Load()) == StateRegistered
		s.state.Store(int32(StateClosing))

		if s.key.Backend != "" {
			s.reg.Deregister(s)
		}

		if registered {
			// Send no longer enqueues anything new now that state is
			// StateClosing; egressLoop is still running (ctx isn't
			// cancelled yet) and keeps draining s.inbox on its own.
			// Give it a bounded window to empty the queue rather than
			// discard whatever is still buffered, then cancel and wait
			// for it to actually exit before this goroutine writes the
			// close frame to the same connection.
			s.drainInbox(closeDrainTimeout)
			if s.cancel != nil {
				s.cancel()
			}
			select {
			case <-s.egressDone:
			case <-time.After(closeDrainTimeout):
			}
		} else if s.cancel != nil {
			s.cancel()
		}

		code, ok := closeCodes[reason]
		if !ok {
			code = 1011
		}
		// Bound the close-frame write so a peer that has stopped reading
		// cannot hold Close open indefinitely.
		_ = s.conn.SetWriteDeadline(time.Now().Add(closeDrainTimeout))
		_ = s.conn.Close(code, reason)

		s.state.Store(int32(StateClosed))

		metrics.SessionsClosed.WithLabelValues(reason).Inc()
		s.notifyPresence(reason)
	})
}

// drainInbox waits for s.inbox to empty, up to timeout, or returns early if
// egressLoop has already exited on its own (the common case: ingress saw
// the socket close and cancelled ctx before Close ever ran). It never
// reads from s.inbox itself — egressLoop is the only consumer — it just
// gives that loop a bounded window to flush what Send already queued
// before Close cancels ctx.
func (s *Session) drainInbox(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for len(s.inbox) > 0 && time.Now().Before(deadline) {
		select {
		case <-s.egressDone:
			return
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// Lifecycle returns the session's current lifecycle state.
func (s *Session) Lifecycle() State {
	return State(s.state.Load())
}
