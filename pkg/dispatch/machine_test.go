package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/dtnstack/bpcore/pkg/bpv7"
	"github.com/dtnstack/bpcore/pkg/rib"
	"github.com/dtnstack/bpcore/pkg/store"
)

func storeBundle(t *testing.T, d *Dispatcher, b bpv7.Bundle, expiry time.Time) store.Metadata {
	t.Helper()
	data := encodeBundle(t, b)
	name, err := d.Bundles.Save(data)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	meta := store.Metadata{
		StorageName: name,
		BundleID:    b.ID(),
		ReceivedAt:  time.Now(),
		Expiry:      expiry,
		Status:      store.StatusNew,
	}
	if err := d.Meta.Store(meta); err != nil {
		t.Fatalf("Store: %v", err)
	}
	return meta
}

func TestDispatchExpiredBundleIsTombstoned(t *testing.T) {
	d, _, _ := newTestDispatcher(t, "dtn://node1/")
	b := buildBundle(t, "dtn://a/", "dtn://node1/svc", 0, time.Minute)
	meta := storeBundle(t, d, b, time.Now().Add(-time.Second))

	if err := d.Dispatch(context.Background(), meta, b); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	got, ok, err := d.Meta.Get(meta.BundleID)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.Status != store.StatusTerminal || got.StatusParams.Reason != store.ReasonLifetimeExpired {
		t.Fatalf("expected Terminal/LifetimeExpired, got %v/%v", got.Status, got.StatusParams.Reason)
	}
}

func TestDispatchNoRouteDropsAsNoKnownRoute(t *testing.T) {
	d, _, _ := newTestDispatcher(t, "dtn://node1/")
	b := buildBundle(t, "dtn://a/", "dtn://nowhere/", 0, time.Minute)
	meta := storeBundle(t, d, b, time.Now().Add(time.Hour))

	if err := d.Dispatch(context.Background(), meta, b); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	got, _, _ := d.Meta.Get(meta.BundleID)
	if got.Status != store.StatusTerminal || got.StatusParams.Reason != store.ReasonNoKnownRoute {
		t.Fatalf("expected Terminal/NoKnownRoute, got %v/%v", got.Status, got.StatusParams.Reason)
	}
}

func TestDispatchForwardsToPeerQueue(t *testing.T) {
	d, egress, _ := newTestDispatcher(t, "dtn://node1/")
	if err := d.RIB.AddPeerRoute(bpv7.MustParseEID("dtn://node2/"), 7, 1); err != nil {
		t.Fatalf("AddPeerRoute: %v", err)
	}
	b := buildBundle(t, "dtn://a/", "dtn://node2/svc", 0, time.Minute)
	meta := storeBundle(t, d, b, time.Now().Add(time.Hour))

	if err := d.Dispatch(context.Background(), meta, b); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if len(egress.calls) != 1 {
		t.Fatalf("expected exactly one Enqueue call, got %d", len(egress.calls))
	}
	if egress.calls[0].peerID != 7 || egress.calls[0].queueIndex != 1 {
		t.Fatalf("unexpected peer/queue: %+v", egress.calls[0])
	}
	got, _, _ := d.Meta.Get(meta.BundleID)
	if got.Status != store.StatusForwardPending {
		t.Fatalf("expected ForwardPending, got %v", got.Status)
	}
}

func TestDispatchDeliversLocalAdminEndpoint(t *testing.T) {
	d, _, local := newTestDispatcher(t, "dtn://node1/")
	b := buildBundle(t, "dtn://a/", "dtn://node1/", 0, time.Minute)
	meta := storeBundle(t, d, b, time.Now().Add(time.Hour))

	if err := d.Dispatch(context.Background(), meta, b); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if len(local.calls) != 1 {
		t.Fatalf("expected exactly one Deliver call, got %d", len(local.calls))
	}
	if local.calls[0].hasService {
		t.Fatal("bare admin endpoint delivery should not carry a service handle")
	}
	got, _, _ := d.Meta.Get(meta.BundleID)
	if got.Status != store.StatusTerminal || got.StatusParams.Reason != store.ReasonDelivered {
		t.Fatalf("expected Terminal/Delivered, got %v/%v", got.Status, got.StatusParams.Reason)
	}
}

func TestDispatchDeliversToRegisteredService(t *testing.T) {
	d, _, local := newTestDispatcher(t, "dtn://node1/")
	d.RIB.SetLocalEntry(bpv7.MustParseEID("dtn://node1/ping"), rib.LocalEntry{
		Kind: rib.LocalService, ServiceHandle: "ping",
	})
	b := buildBundle(t, "dtn://a/", "dtn://node1/ping", 0, time.Minute)
	meta := storeBundle(t, d, b, time.Now().Add(time.Hour))

	if err := d.Dispatch(context.Background(), meta, b); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if len(local.calls) != 1 || !local.calls[0].hasService || local.calls[0].service != "ping" {
		t.Fatalf("unexpected Deliver calls: %+v", local.calls)
	}
}

func TestHopCountIncrementAndExceeded(t *testing.T) {
	b, err := bpv7.NewBuilder().
		Source(bpv7.MustParseEID("dtn://a/")).
		Destination(bpv7.MustParseEID("dtn://node2/svc")).
		CreationTimestampNow(1).
		Lifetime(time.Minute).
		HopCountBlock(2).
		Payload(0, []byte("x")).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	hc, ok := hopCount(b)
	if !ok || hc.Count != 0 {
		t.Fatalf("expected a fresh Hop Count block at 0, got %+v ok=%v", hc, ok)
	}

	incrementHopCount(&b)
	hc, ok = hopCount(b)
	if !ok || hc.Count != 1 {
		t.Fatalf("expected Count 1 after one increment, got %+v", hc)
	}
	if hc.Exceeded() {
		t.Fatal("Count 1 should not exceed Limit 2")
	}

	incrementHopCount(&b)
	hc, _ = hopCount(b)
	if !hc.Exceeded() {
		t.Fatal("Count 2 should exceed Limit 2")
	}
}

func TestDispatchDropsOnHopLimitExceeded(t *testing.T) {
	d, _, _ := newTestDispatcher(t, "dtn://node1/")
	b, err := bpv7.NewBuilder().
		Source(bpv7.MustParseEID("dtn://a/")).
		Destination(bpv7.MustParseEID("dtn://node2/svc")).
		CreationTimestampNow(1).
		Lifetime(time.Minute).
		HopCountBlock(0).
		Payload(0, []byte("x")).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	meta := storeBundle(t, d, b, time.Now().Add(time.Hour))

	if err := d.Dispatch(context.Background(), meta, b); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	got, _, _ := d.Meta.Get(meta.BundleID)
	if got.Status != store.StatusTerminal || got.StatusParams.Reason != store.ReasonDrop {
		t.Fatalf("expected Terminal/Drop for exceeded hop count, got %v/%v", got.Status, got.StatusParams.Reason)
	}
}
