package dispatch

import (
	"github.com/dtnstack/bpcore/pkg/bpv7"
	"github.com/dtnstack/bpcore/pkg/store"
)

// EgressSink is implemented by the convergence layer registry. A bundle
// handed to Enqueue has already been persisted with status
// ForwardPending(peerID, queueIndex); the sink is responsible for getting
// its bytes onto the wire or reverting it to Waiting.
type EgressSink interface {
	Enqueue(peerID uint32, queueIndex int, meta store.Metadata, data []byte) error
}

// LocalSink is implemented by the service registry. Deliver hands a
// locally-addressed, non-fragment bundle to whatever is registered at
// service, or to the bare node endpoint when hasService is false.
type LocalSink interface {
	Deliver(service string, hasService bool, bndl bpv7.Bundle, data []byte) error
}

// NullEgressSink rejects every bundle; useful as a safe default before a
// real CLA registry is wired in.
type NullEgressSink struct{}

func (NullEgressSink) Enqueue(uint32, int, store.Metadata, []byte) error {
	return errNoEgressSink
}

// NullLocalSink rejects every delivery; useful as a safe default before a
// real service registry is wired in.
type NullLocalSink struct{}

func (NullLocalSink) Deliver(string, bool, bpv7.Bundle, []byte) error {
	return errNoLocalSink
}
