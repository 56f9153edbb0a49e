package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/dtnstack/bpcore/pkg/bpv7"
	"github.com/dtnstack/bpcore/pkg/store"
)

func TestReaperRefillSkipsTerminalEntries(t *testing.T) {
	d, _, _ := newTestDispatcher(t, "dtn://node1/")
	live := buildBundle(t, "dtn://a/", "dtn://nowhere/", 0, time.Hour)
	dead := buildBundle(t, "dtn://b/", "dtn://nowhere/", 0, time.Hour)

	storeBundle(t, d, live, time.Now().Add(time.Minute))
	deadMeta := storeBundle(t, d, dead, time.Now().Add(2*time.Minute))
	if err := d.Meta.Tombstone(deadMeta.BundleID, store.ReasonDelivered); err != nil {
		t.Fatalf("Tombstone: %v", err)
	}

	r := NewReaper(d, time.Hour)
	if err := r.refill(); err != nil {
		t.Fatalf("refill: %v", err)
	}
	if r.cache.Len() != 1 {
		t.Fatalf("expected exactly one live entry in the cache, got %d", r.cache.Len())
	}
	if r.cache[0].id.String() != live.ID().String() {
		t.Fatalf("expected the live bundle cached, got %v", r.cache[0].id)
	}
}

func TestReaperSweepExpiredTombstonesDueEntries(t *testing.T) {
	d, _, _ := newTestDispatcher(t, "dtn://node1/")
	b := buildBundle(t, "dtn://a/", "dtn://nowhere/", 0, time.Hour)
	meta := storeBundle(t, d, b, time.Now().Add(-time.Second))

	r := NewReaper(d, time.Hour)
	if err := r.refill(); err != nil {
		t.Fatalf("refill: %v", err)
	}
	if err := r.sweepExpired(); err != nil {
		t.Fatalf("sweepExpired: %v", err)
	}

	got, ok, err := d.Meta.Get(meta.BundleID)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.Status != store.StatusTerminal || got.StatusParams.Reason != store.ReasonLifetimeExpired {
		t.Fatalf("expected Terminal/LifetimeExpired, got %v/%v", got.Status, got.StatusParams.Reason)
	}
	if r.cache.Len() != 0 {
		t.Fatalf("expected the expired entry to be popped from the cache, got %d remaining", r.cache.Len())
	}
}

func TestReaperSweepWaitingRedispatches(t *testing.T) {
	d, egress, _ := newTestDispatcher(t, "dtn://node1/")
	if err := d.RIB.AddPeerRoute(bpv7.MustParseEID("dtn://node2/"), 3, 0); err != nil {
		t.Fatalf("AddPeerRoute: %v", err)
	}
	b := buildBundle(t, "dtn://a/", "dtn://node2/svc", 0, time.Hour)
	meta := storeBundle(t, d, b, time.Now().Add(time.Hour))
	if err := d.Meta.UpdateStatus(meta.BundleID, store.StatusWaiting, store.StatusParams{}); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	r := NewReaper(d, time.Hour)
	if err := r.sweepWaiting(context.Background()); err != nil {
		t.Fatalf("sweepWaiting: %v", err)
	}

	if len(egress.calls) != 1 {
		t.Fatalf("expected the waiting bundle to be re-dispatched and forwarded, got %d calls", len(egress.calls))
	}
}

func TestReaperRunStopsOnContextCancel(t *testing.T) {
	d, _, _ := newTestDispatcher(t, "dtn://node1/")
	r := NewReaper(d, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestReaperNotifyNeverBlocks(t *testing.T) {
	d, _, _ := newTestDispatcher(t, "dtn://node1/")
	r := NewReaper(d, time.Hour)

	r.Notify()
	r.Notify() // a second queued wake must coalesce, not block
}
