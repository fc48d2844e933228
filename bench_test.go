package main

import (
	"testing"

	"github.com/icws/gateway/internal/envelope"
	"github.com/icws/gateway/internal/registry"
)

func BenchmarkEnvelope_MarshalOutboundMessage(b *testing.B) {
	val, err := envelope.Marshal(envelope.RelayedContent{SequenceNum: 42, Message: make([]byte, 256)})
	if err != nil {
		b.Fatal(err)
	}
	msg := envelope.OutboundMessage{
		Key:  "backend-1_42",
		Val:  val,
		Cert: make([]byte, 64),
		Tree: make([]byte, 64),
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := envelope.Marshal(msg); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkEnvelope_UnmarshalOutboundMessage(b *testing.B) {
	val, err := envelope.Marshal(envelope.RelayedContent{SequenceNum: 42, Message: make([]byte, 256)})
	if err != nil {
		b.Fatal(err)
	}
	msg := envelope.OutboundMessage{Key: "backend-1_42", Val: val}
	data, err := envelope.Marshal(msg)
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var out envelope.OutboundMessage
		if err := envelope.Unmarshal(data, &out); err != nil {
			b.Fatal(err)
		}
	}
}

type fakeHandle registry.Key

func (f fakeHandle) Key() registry.Key                     { return registry.Key(f) }
func (f fakeHandle) Send(msg envelope.OutboundMessage) bool { return true }
func (f fakeHandle) Close(reason string)                   {}

func BenchmarkRegistry_RegisterLookup(b *testing.B) {
	reg := registry.New()
	reg.SetCallbacks(func(registry.Key) {}, func(envelope.BackendID) {})

	key := registry.Key{Backend: "backend-1", Client: envelope.ClientKey{1, 2, 3}}
	handle := fakeHandle(key)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		reg.Register(handle)
		reg.Lookup(key)
		reg.Deregister(handle)
	}
}
