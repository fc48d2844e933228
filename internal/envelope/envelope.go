// Package envelope defines the CBOR wire format exchanged between browser
// clients, the gateway, and backend canisters. The gateway only decodes the
// fields it needs to route and dedup messages; it never verifies a
// signature and never inspects application-level content.
package envelope

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ClientKey is a client's Ed25519 public key, used as its identity for the
// lifetime of a session. The gateway treats it as an opaque 32-byte value.
type ClientKey [32]byte

func (k ClientKey) String() string {
	return hex.EncodeToString(k[:])
}

// BackendID is the textual principal of a backend canister.
type BackendID string

// GatewayHandshakeMessage is the first frame the gateway sends to a client,
// immediately after accepting its WebSocket connection and before reading
// anything from it. The client needs the gateway's principal to include in
// its registration call; without this the client would only know the
// gateway's IP address.
type GatewayHandshakeMessage struct {
	GatewayPrincipal string `cbor:"gateway_principal"`
}

// RegistrationContent is the inner, self-signed content of a
// RegistrationEnvelope, naming which backend canister and client key the
// session belongs to. Reference and load-testing clients marshal this
// directly to build Content, standing in for the browser SDK.
type RegistrationContent struct {
	ClientKey  ClientKey `cbor:"client_key"`
	CanisterID BackendID `cbor:"canister_id"`
}

// RegistrationEnvelope is the first client-to-gateway frame after the
// handshake. Content is a CBOR-encoded RegistrationContent the client signs
// with Sig; the gateway forwards both fields verbatim to the backend's
// ws_open method and only ever decodes Content, never Sig — the backend is
// the one that verifies the signature.
type RegistrationEnvelope struct {
	Content []byte `cbor:"content"`
	Sig     []byte `cbor:"sig"`
}

// Decode parses Content into the client key and backend canister id this
// registration names.
func (e RegistrationEnvelope) Decode() (ClientKey, BackendID, error) {
	var body RegistrationContent
	if err := cbor.Unmarshal(e.Content, &body); err != nil {
		return ClientKey{}, "", fmt.Errorf("envelope: decode registration content: %w", err)
	}
	return body.ClientKey, body.CanisterID, nil
}

// ErrUnknownVariant is returned by RelayedEnvelope.UnmarshalCBOR when the
// wire frame's tag names a variant the gateway does not know how to
// handle. The wire envelope is a closed sum type: anything outside the set
// of variants the gateway distinguishes is a protocol error, not something
// to be silently skipped.
var ErrUnknownVariant = errors.New("envelope: unknown variant")

// relayedFromClientTag is the only variant a client is permitted to send
// after the registration handshake (see RelayedEnvelope).
const relayedFromClientTag = "RelayedFromClient"

// relayedFromClientBody is the payload carried inside the RelayedFromClient
// variant.
type relayedFromClientBody struct {
	Content []byte `cbor:"content"`
	Sig     []byte `cbor:"sig"`
}

// RelayedEnvelope wraps a signed client message that the gateway forwards
// to a backend's update-call endpoint without interpreting Content. Content
// is whatever the client and backend agreed to speak; Sig is the client's
// signature over it. The gateway relays both verbatim.
//
// On the wire this is a tagged variant, `{"RelayedFromClient": {content,
// sig}}`, not a flat struct: it is the closed sum type of frames a client
// may send post-handshake, currently with exactly one member. Decoding any
// other tag name yields ErrUnknownVariant.
type RelayedEnvelope struct {
	Content []byte
	Sig     []byte
}

// MarshalCBOR encodes e as its tagged variant.
func (e RelayedEnvelope) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(map[string]relayedFromClientBody{
		relayedFromClientTag: {Content: e.Content, Sig: e.Sig},
	})
}

// UnmarshalCBOR decodes a tagged variant, treating anything other than
// exactly one RelayedFromClient entry as a protocol error.
func (e *RelayedEnvelope) UnmarshalCBOR(data []byte) error {
	var variants map[string]relayedFromClientBody
	if err := cbor.Unmarshal(data, &variants); err != nil {
		return fmt.Errorf("envelope: decode tagged envelope: %w", err)
	}
	if len(variants) != 1 {
		return fmt.Errorf("envelope: tagged envelope must carry exactly one variant, got %d", len(variants))
	}
	body, ok := variants[relayedFromClientTag]
	if !ok {
		for tag := range variants {
			return fmt.Errorf("%w: %q", ErrUnknownVariant, tag)
		}
	}
	e.Content = body.Content
	e.Sig = body.Sig
	return nil
}

// RelayedContent is the payload a client signs and places in a
// RelayedEnvelope's Content field. The gateway never decodes this —
// reference and load-testing clients construct it directly since they
// stand in for the browser SDK that normally would.
type RelayedContent struct {
	ClientKey   ClientKey `cbor:"client_key"`
	SequenceNum uint64    `cbor:"sequence_num"`
	TimestampNs uint64    `cbor:"timestamp_ns"`
	Message     []byte    `cbor:"message"`
}

// outboundValBody is the decoded shape of an OutboundMessage's Val, used
// only to recover the routing client key and sequence number. Per the open
// design question of whether the poller should key off this deserialized
// form or off Key's string form, the gateway keys off Val, since Key's
// format is otherwise unspecified; extending Val with client_key is the
// implementation choice that makes that possible. outboundValBody is never
// used to re-encode a message — see OutboundMessage.
type outboundValBody struct {
	ClientKey   ClientKey `cbor:"client_key"`
	SequenceNum uint64    `cbor:"sequence_num"`
	TimestampNs uint64    `cbor:"timestamp_ns"`
	Message     []byte    `cbor:"message"`
}

// outboundMessageFields is OutboundMessage's wire shape, factored out so
// both MarshalCBOR and UnmarshalCBOR decode/encode the same four fields
// without recursing back through OutboundMessage's own (Un)MarshalCBOR.
type outboundMessageFields struct {
	Key  string `cbor:"key"`
	Val  []byte `cbor:"val"`
	Cert []byte `cbor:"cert,omitempty"`
	Tree []byte `cbor:"tree,omitempty"`
}

// OutboundMessage is what a backend queues for delivery to a specific
// client. Key is a path string and Val/Cert/Tree are the certified bytes
// the client verifies Val against; I5 requires the gateway to deliver these
// byte-identical to what it polled, so OutboundMessage never decodes Val
// for forwarding — only Route decodes a throwaway copy of it to learn which
// session to deliver to and in what order.
type OutboundMessage struct {
	Key  string
	Val  []byte
	Cert []byte
	Tree []byte

	// raw holds the exact bytes this message was decoded from, when it
	// came off a poll response. MarshalCBOR returns raw unchanged instead
	// of re-encoding the fields above, so a polled message is never
	// rewritten between the backend and the client.
	raw []byte
}

// Route decodes a copy of Val to recover the client key and sequence
// number routing needs. It never touches raw, so it has no effect on what
// MarshalCBOR later writes to the wire.
func (m OutboundMessage) Route() (ClientKey, uint64, error) {
	var body outboundValBody
	if err := cbor.Unmarshal(m.Val, &body); err != nil {
		return ClientKey{}, 0, fmt.Errorf("envelope: decode outbound val: %w", err)
	}
	return body.ClientKey, body.SequenceNum, nil
}

// MarshalCBOR returns m's original wire bytes if it was decoded from one
// (the common case: messages a poller read off a backend), or freshly
// encodes its fields otherwise (messages built in-process, e.g. by tests
// or the load-testing tool).
func (m OutboundMessage) MarshalCBOR() ([]byte, error) {
	if m.raw != nil {
		return m.raw, nil
	}
	return cbor.Marshal(outboundMessageFields{Key: m.Key, Val: m.Val, Cert: m.Cert, Tree: m.Tree})
}

// UnmarshalCBOR decodes m's fields and retains data as the bytes to forward
// verbatim, so an OutboundMessage read off a poll response round-trips to
// the client without ever being re-encoded.
func (m *OutboundMessage) UnmarshalCBOR(data []byte) error {
	var fields outboundMessageFields
	if err := cbor.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("envelope: decode outbound message: %w", err)
	}
	m.Key, m.Val, m.Cert, m.Tree = fields.Key, fields.Val, fields.Cert, fields.Tree
	m.raw = append([]byte(nil), data...)
	return nil
}

// PollRequest is the gateway-to-backend query asking for everything queued
// for delivery after nonce.
type PollRequest struct {
	Nonce       uint64 `cbor:"nonce"`
	MaxMessages int    `cbor:"max_messages"`
}

// PollResponse answers a PollRequest. NextNonce is what the poller should
// pass as Nonce on its next request; it advances even when Messages is
// empty so a poller never re-requests a window the backend already
// acknowledged as delivered.
type PollResponse struct {
	Messages  []OutboundMessage `cbor:"messages"`
	NextNonce uint64            `cbor:"next_nonce"`
}

// Marshal encodes v as CBOR.
func Marshal(v interface{}) ([]byte, error) {
	data, err := cbor.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal failed: %w", err)
	}
	return data, nil
}

// Unmarshal decodes CBOR bytes into v.
func Unmarshal(data []byte, v interface{}) error {
	if err := cbor.Unmarshal(data, v); err != nil {
		return fmt.Errorf("envelope: unmarshal failed: %w", err)
	}
	return nil
}
