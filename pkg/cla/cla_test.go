package cla

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dtnstack/bpcore/pkg/bpv7"
	"github.com/dtnstack/bpcore/pkg/dispatch"
	"github.com/dtnstack/bpcore/pkg/rib"
	"github.com/dtnstack/bpcore/pkg/store"
)

// fakeCLA is an in-memory CLA used across this package's tests. Forward
// calls are intercepted through a caller-supplied function so each test
// can script the result sequence it wants.
type fakeCLA struct {
	addr string

	mu       sync.Mutex
	sink     *Sink
	started  int
	startErr error
	closed   bool

	forward func(ctx context.Context, queueIndex int, claAddr, data []byte) (Result, error)
}

func (f *fakeCLA) Address() string { return f.addr }

func (f *fakeCLA) Start(sink *Sink) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	if f.startErr != nil {
		err := f.startErr
		f.startErr = nil
		return err
	}
	f.sink = sink
	return nil
}

func (f *fakeCLA) Forward(ctx context.Context, queueIndex int, claAddr, data []byte) (Result, error) {
	if f.forward != nil {
		return f.forward(ctx, queueIndex, claAddr, data)
	}
	return Result{Kind: Sent}, nil
}

func (f *fakeCLA) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func buildTestBundle(t *testing.T, src, dst string) bpv7.Bundle {
	t.Helper()
	b, err := bpv7.NewBuilder().
		Source(bpv7.MustParseEID(src)).
		Destination(bpv7.MustParseEID(dst)).
		CreationTimestampNow(1).
		Lifetime(time.Hour).
		Payload(0, []byte("hello")).
		Build()
	if err != nil {
		t.Fatalf("buildTestBundle: %v", err)
	}
	return b
}

func newTestManager(t *testing.T, opts ...Option) (*Manager, *dispatch.Dispatcher) {
	t.Helper()
	r, err := rib.New(bpv7.MustParseEID("dtn://local/"))
	if err != nil {
		t.Fatalf("rib.New: %v", err)
	}
	meta := store.NewMemoryMetadataStore()
	bundles := store.NewMemoryBundleStore()
	d := dispatch.New(bpv7.MustParseEID("dtn://local/"), r, meta, bundles)

	m := NewManager(context.Background(), d, opts...)
	t.Cleanup(func() { _ = m.Close() })
	return m, d
}

func TestAddPeerInsertsRouteAndRemoveClearsIt(t *testing.T) {
	m, d := newTestManager(t)
	c := &fakeCLA{addr: "fake://peer"}
	m.Register(c)

	peerID, err := c.sink.AddPeer(bpv7.MustParseEID("dtn://peer/"), []byte("addr"))
	if err != nil {
		t.Fatalf("AddPeer: %v", err)
	}

	dest := bpv7.MustParseEID("dtn://peer/mailbox")
	decision := d.RIB.Resolve(rib.ResolveInput{Destination: dest})
	if decision.Kind != rib.DecisionForward || decision.PeerID != peerID {
		t.Fatalf("expected a Forward(%d) decision after AddPeer, got %+v", peerID, decision)
	}

	if err := c.sink.RemovePeer(peerID); err != nil {
		t.Fatalf("RemovePeer: %v", err)
	}
	decision = d.RIB.Resolve(rib.ResolveInput{Destination: dest})
	if decision.Kind == rib.DecisionForward && decision.PeerID == peerID {
		t.Fatalf("expected no route to %s after RemovePeer, got %+v", dest, decision)
	}
}

func TestRemovePeerResetsForwardPendingToWaiting(t *testing.T) {
	m, d := newTestManager(t)
	c := &fakeCLA{addr: "fake://peer", forward: func(ctx context.Context, q int, addr, data []byte) (Result, error) {
		return Result{Kind: NoNeighbour}, nil
	}}
	m.Register(c)

	peerID, err := c.sink.AddPeer(bpv7.MustParseEID("dtn://peer/"), []byte("addr"))
	if err != nil {
		t.Fatalf("AddPeer: %v", err)
	}

	bndl := buildTestBundle(t, "dtn://local/", "dtn://peer/mailbox")
	buf := new(bytes.Buffer)
	if err := bndl.WriteBundle(buf); err != nil {
		t.Fatalf("WriteBundle: %v", err)
	}
	storageName, err := d.Bundles.Save(buf.Bytes())
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	meta := store.Metadata{
		StorageName: storageName,
		BundleID:    bndl.ID(),
		ReceivedAt:  time.Now(),
		Expiry:      time.Now().Add(time.Hour),
		Status:      store.StatusForwardPending,
		StatusParams: store.StatusParams{
			PeerID:     peerID,
			QueueIndex: 0,
		},
	}
	if err := d.Meta.Store(meta); err != nil {
		t.Fatalf("Store: %v", err)
	}

	if err := c.sink.RemovePeer(peerID); err != nil {
		t.Fatalf("RemovePeer: %v", err)
	}

	got, ok, err := d.Meta.Get(bndl.ID())
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.Status != store.StatusWaiting {
		t.Fatalf("expected Waiting after RemovePeer, got %s", got.Status)
	}
}

func TestManagerRestartsFailingCLA(t *testing.T) {
	m, _ := newTestManager(t, WithRestartPolicy(2, time.Millisecond))
	c := &fakeCLA{addr: "fake://flaky", startErr: context.DeadlineExceeded}
	m.Register(c)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		started := c.started
		sink := c.sink
		c.mu.Unlock()
		if sink != nil {
			return
		}
		if started >= 3 {
			t.Fatalf("exhausted restart budget without ever succeeding")
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("CLA never started within the restart window")
}

func TestManagerGivesUpAfterRestartBudget(t *testing.T) {
	m, _ := newTestManager(t, WithRestartPolicy(1, time.Millisecond))
	m.Register(alwaysFailingCLA{&fakeCLA{addr: "fake://dead"}})

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		_, exists := m.byAddress["fake://dead"]
		m.mu.Unlock()
		if !exists {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected the manager to drop a CLA that never starts successfully")
}

// alwaysFailingCLA wraps fakeCLA so every Start call fails, for exercising
// the give-up path distinctly from the eventually-succeeds path above.
type alwaysFailingCLA struct {
	*fakeCLA
}

func (a alwaysFailingCLA) Start(*Sink) error {
	return context.DeadlineExceeded
}
