package dispatch

import (
	"bytes"
	"testing"
	"time"

	"github.com/dtnstack/bpcore/pkg/bpv7"
	"github.com/dtnstack/bpcore/pkg/rib"
	"github.com/dtnstack/bpcore/pkg/store"
)

// buildBundle constructs a valid, encodable bundle with the given
// endpoints and lifetime, for use across dispatch tests.
func buildBundle(t *testing.T, src, dst string, flags bpv7.BundleControlFlags, lifetime time.Duration) bpv7.Bundle {
	t.Helper()
	b, err := bpv7.NewBuilder().
		Source(bpv7.MustParseEID(src)).
		Destination(bpv7.MustParseEID(dst)).
		CreationTimestampNow(1).
		Lifetime(lifetime).
		ControlFlags(flags).
		Payload(0, []byte("hello")).
		Build()
	if err != nil {
		t.Fatalf("buildBundle: %v", err)
	}
	return b
}

func encodeBundle(t *testing.T, b bpv7.Bundle) []byte {
	t.Helper()
	buf := new(bytes.Buffer)
	if err := b.WriteBundle(buf); err != nil {
		t.Fatalf("WriteBundle: %v", err)
	}
	return buf.Bytes()
}

// recordingEgress captures every Enqueue call instead of forwarding
// anywhere.
type recordingEgress struct {
	calls []struct {
		peerID     uint32
		queueIndex int
		meta       store.Metadata
		data       []byte
	}
}

func (e *recordingEgress) Enqueue(peerID uint32, queueIndex int, meta store.Metadata, data []byte) error {
	e.calls = append(e.calls, struct {
		peerID     uint32
		queueIndex int
		meta       store.Metadata
		data       []byte
	}{peerID, queueIndex, meta, data})
	return nil
}

// recordingLocal captures every Deliver call instead of handing bundles
// to a service.
type recordingLocal struct {
	calls []struct {
		service    string
		hasService bool
		bndl       bpv7.Bundle
	}
}

func (l *recordingLocal) Deliver(service string, hasService bool, bndl bpv7.Bundle, data []byte) error {
	l.calls = append(l.calls, struct {
		service    string
		hasService bool
		bndl       bpv7.Bundle
	}{service, hasService, bndl})
	return nil
}

// newTestDispatcher builds a Dispatcher over in-memory stores and a fresh
// RIB owned by nodeID, with recording sinks so tests can assert on what
// the dispatcher decided to do.
func newTestDispatcher(t *testing.T, nodeID string) (*Dispatcher, *recordingEgress, *recordingLocal) {
	t.Helper()
	r, err := rib.New(bpv7.MustParseEID(nodeID))
	if err != nil {
		t.Fatalf("rib.New: %v", err)
	}
	meta := store.NewMemoryMetadataStore()
	bundles := store.NewMemoryBundleStore()

	d := New(bpv7.MustParseEID(nodeID), r, meta, bundles)
	egress := &recordingEgress{}
	local := &recordingLocal{}
	d.Egress = egress
	d.Local = local
	return d, egress, local
}
