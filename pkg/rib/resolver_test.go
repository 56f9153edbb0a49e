package rib

import (
	"fmt"
	"testing"

	"github.com/dtnstack/bpcore/pkg/bpv7"
	"github.com/dtnstack/bpcore/pkg/eidpattern"
)

func patternOrFatal(t *testing.T, s string) *eidpattern.Pattern {
	t.Helper()
	p, err := eidpattern.Parse(s)
	if err != nil {
		t.Fatalf("parsing pattern %q: %v", s, err)
	}
	return p
}

func ipnExactPattern(alloc, node uint64) string {
	return fmt.Sprintf("ipn:%d.%d.*", alloc, node)
}

func TestResolveAdminEndpoint(t *testing.T) {
	node := bpv7.MustParseEID("dtn://local/")
	r, err := New(node)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	d := r.Resolve(ResolveInput{Destination: node, PreviousNode: bpv7.DtnNone()})
	if d.Kind != DecisionDeliverLocal || d.HasService {
		t.Fatalf("expected bare DeliverLocal for the admin endpoint, got %+v", d)
	}
}

func TestResolveLocalService(t *testing.T) {
	node := bpv7.MustParseEID("dtn://local/")
	r, err := New(node)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	dst := bpv7.MustParseEID("dtn://local/ping")
	r.SetLocalEntry(dst, LocalEntry{Kind: LocalService, ServiceHandle: "ping-handler"})

	d := r.Resolve(ResolveInput{Destination: dst, PreviousNode: bpv7.DtnNone()})
	if d.Kind != DecisionDeliverLocal || !d.HasService || d.Service != "ping-handler" {
		t.Fatalf("expected DeliverLocal(ping-handler), got %+v", d)
	}
}

func TestResolveLocalUnregisteredDrops(t *testing.T) {
	node := bpv7.MustParseEID("dtn://local/")
	r, err := New(node)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	dst := bpv7.MustParseEID("dtn://local/unused")
	r.SetLocalEntry(dst, LocalEntry{Kind: LocalUnregistered})

	d := r.Resolve(ResolveInput{Destination: dst, PreviousNode: bpv7.DtnNone()})
	if d.Kind != DecisionDrop || d.Reason != bpv7.DestEndpointUnintelligible {
		t.Fatalf("expected Drop(DestEndpointUnintelligible), got %+v", d)
	}
}

func TestResolveNoMatchingRouteDrops(t *testing.T) {
	node := bpv7.MustParseEID("dtn://local/")
	r, err := New(node)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	dst := bpv7.MustParseEID("dtn://nowhere/")

	d := r.Resolve(ResolveInput{Destination: dst, PreviousNode: bpv7.DtnNone()})
	if d.Kind != DecisionDrop || d.Reason != bpv7.NoRouteToDestination {
		t.Fatalf("expected Drop(NoRouteToDestination), got %+v", d)
	}
}

func TestResolvePicksMostSpecificRoute(t *testing.T) {
	node := bpv7.MustParseEID("dtn://local/")
	r, err := New(node)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	via1 := bpv7.MustParseEID("ipn:1.1.0")
	via2 := bpv7.MustParseEID("ipn:2.2.0")
	r.AddRoute(RouteEntry{Pattern: patternOrFatal(t, "ipn:*.*.*"), Action: ViaAction(via1), Priority: 100, ProtocolID: "test"})
	r.AddRoute(RouteEntry{Pattern: patternOrFatal(t, "ipn:5.6.*"), Action: ViaAction(via2), Priority: 100, ProtocolID: "test"})
	r.AddPeerRoute(via2, 7, 0)

	dst := bpv7.MustParseEID("ipn:5.6.9")
	d := r.Resolve(ResolveInput{Destination: dst, PreviousNode: bpv7.DtnNone()})
	if d.Kind != DecisionForward || d.PeerID != 7 {
		t.Fatalf("expected the narrower pattern's Via to resolve through the peer route, got %+v", d)
	}
}

func TestResolvePriorityBreaksSpecificityTie(t *testing.T) {
	node := bpv7.MustParseEID("dtn://local/")
	r, err := New(node)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	r.AddRoute(RouteEntry{Pattern: patternOrFatal(t, "ipn:5.6.*"), Action: DropAction(bpv7.NoRouteToDestination), Priority: 50, ProtocolID: "test"})
	via := bpv7.MustParseEID("ipn:9.9.0")
	r.AddRoute(RouteEntry{Pattern: patternOrFatal(t, "ipn:5.6.*"), Action: ViaAction(via), Priority: 10, ProtocolID: "test"})
	r.AddPeerRoute(via, 3, 0)

	d := r.Resolve(ResolveInput{Destination: bpv7.MustParseEID("ipn:5.6.1"), PreviousNode: bpv7.DtnNone()})
	if d.Kind != DecisionForward || d.PeerID != 3 {
		t.Fatalf("expected the lower-priority entry to win, got %+v", d)
	}
}

func TestResolveViaRecursion(t *testing.T) {
	node := bpv7.MustParseEID("ipn:1.1.0")
	r, err := New(node)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	hop1 := bpv7.MustParseEID("ipn:2.2.0")
	hop2 := bpv7.MustParseEID("ipn:3.3.0")
	r.AddRoute(RouteEntry{Pattern: patternOrFatal(t, "ipn:9.9.*"), Action: ViaAction(hop1), Priority: 100, ProtocolID: "test"})
	r.AddRoute(RouteEntry{Pattern: patternOrFatal(t, "ipn:2.2.*"), Action: ViaAction(hop2), Priority: 100, ProtocolID: "test"})
	r.AddPeerRoute(hop2, 11, 0)

	d := r.Resolve(ResolveInput{Destination: bpv7.MustParseEID("ipn:9.9.5"), PreviousNode: bpv7.DtnNone()})
	if d.Kind != DecisionForward || d.PeerID != 11 {
		t.Fatalf("expected recursion through hop1 -> hop2 -> peer, got %+v", d)
	}
}

func TestResolveViaLoopDrops(t *testing.T) {
	node := bpv7.MustParseEID("ipn:1.1.0")
	r, err := New(node)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	a := bpv7.MustParseEID("ipn:2.2.0")
	b := bpv7.MustParseEID("ipn:3.3.0")
	r.AddRoute(RouteEntry{Pattern: patternOrFatal(t, "ipn:2.2.*"), Action: ViaAction(b), Priority: 100, ProtocolID: "test"})
	r.AddRoute(RouteEntry{Pattern: patternOrFatal(t, "ipn:3.3.*"), Action: ViaAction(a), Priority: 100, ProtocolID: "test"})

	d := r.Resolve(ResolveInput{Destination: a, PreviousNode: bpv7.DtnNone()})
	if d.Kind != DecisionDrop || d.Reason != bpv7.NoRouteToDestination {
		t.Fatalf("expected a Via loop to Drop(NoRouteToDestination), got %+v", d)
	}
}

func TestResolveRecursionDepthExceeded(t *testing.T) {
	node := bpv7.MustParseEID("ipn:99.99.0")
	r, err := New(node, WithMaxRecursion(2))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := 1; i <= 5; i++ {
		to := bpv7.NewIpn(uint64(i+1), uint64(i+1), 0, false)
		pat := patternOrFatal(t, ipnExactPattern(uint64(i), uint64(i)))
		r.AddRoute(RouteEntry{Pattern: pat, Action: ViaAction(to), Priority: 100, ProtocolID: "test"})
	}

	d := r.Resolve(ResolveInput{Destination: bpv7.NewIpn(1, 1, 0, false), PreviousNode: bpv7.DtnNone()})
	if d.Kind != DecisionDrop || d.Reason != bpv7.NoRouteToDestination {
		t.Fatalf("expected the recursion bound to Drop(NoRouteToDestination), got %+v", d)
	}
}

func TestResolveReflect(t *testing.T) {
	node := bpv7.MustParseEID("ipn:1.1.0")
	r, err := New(node)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	prev := bpv7.MustParseEID("ipn:2.2.0")
	r.AddPeerRoute(prev, 4, 0)
	r.AddRoute(RouteEntry{Pattern: patternOrFatal(t, "ipn:9.9.*"), Action: ReflectAction(), Priority: 100, ProtocolID: "test"})

	d := r.Resolve(ResolveInput{Destination: bpv7.MustParseEID("ipn:9.9.1"), PreviousNode: prev})
	if d.Kind != DecisionForward || d.PeerID != 4 {
		t.Fatalf("expected Reflect to resolve the previous node through its peer route, got %+v", d)
	}
}

func TestResolveCacheReturnsConsistentResult(t *testing.T) {
	node := bpv7.MustParseEID("ipn:1.1.0")
	r, err := New(node)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	via := bpv7.MustParseEID("ipn:2.2.0")
	r.AddRoute(RouteEntry{Pattern: patternOrFatal(t, "ipn:9.9.*"), Action: ViaAction(via), Priority: 100, ProtocolID: "test"})
	r.AddPeerRoute(via, 1, 0)

	in := ResolveInput{Destination: bpv7.MustParseEID("ipn:9.9.1"), PreviousNode: bpv7.DtnNone()}
	first := r.Resolve(in)
	second := r.Resolve(in)
	if first != second {
		t.Fatalf("expected cached resolution to be stable: %+v vs %+v", first, second)
	}
}

func TestResolveCacheInvalidatedOnRouteChange(t *testing.T) {
	node := bpv7.MustParseEID("ipn:1.1.0")
	r, err := New(node)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	dst := bpv7.MustParseEID("ipn:9.9.1")
	in := ResolveInput{Destination: dst, PreviousNode: bpv7.DtnNone()}

	before := r.Resolve(in)
	if before.Kind != DecisionDrop {
		t.Fatalf("expected an initial Drop, got %+v", before)
	}

	via := bpv7.MustParseEID("ipn:2.2.0")
	r.AddRoute(RouteEntry{Pattern: patternOrFatal(t, "ipn:9.9.*"), Action: ViaAction(via), Priority: 100, ProtocolID: "test"})
	r.AddPeerRoute(via, 1, 0)

	after := r.Resolve(in)
	if after.Kind != DecisionForward {
		t.Fatalf("expected the cache to be invalidated after adding a route, got %+v", after)
	}
}

func TestResolveECMPIsDeterministic(t *testing.T) {
	node := bpv7.MustParseEID("ipn:1.1.0")
	r, err := New(node)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	viaA := bpv7.MustParseEID("ipn:2.2.0")
	viaB := bpv7.MustParseEID("ipn:3.3.0")
	r.AddRoute(RouteEntry{Pattern: patternOrFatal(t, "ipn:9.9.*"), Action: ViaAction(viaA), Priority: 100, ProtocolID: "test"})
	r.AddRoute(RouteEntry{Pattern: patternOrFatal(t, "ipn:9.9.*"), Action: ViaAction(viaB), Priority: 100, ProtocolID: "test"})
	r.AddPeerRoute(viaA, 1, 0)
	r.AddPeerRoute(viaB, 2, 0)

	in := ResolveInput{
		Destination:  bpv7.MustParseEID("ipn:9.9.1"),
		PreviousNode: bpv7.DtnNone(),
		Source:       bpv7.MustParseEID("ipn:4.4.0"),
		CreationTS:   bpv7.CreationTimestamp{Time: 123, Sequence: 0},
	}
	first := r.Resolve(in)

	r2, err := New(node, WithCacheSize(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r2.AddRoute(RouteEntry{Pattern: patternOrFatal(t, "ipn:9.9.*"), Action: ViaAction(viaA), Priority: 100, ProtocolID: "test"})
	r2.AddRoute(RouteEntry{Pattern: patternOrFatal(t, "ipn:9.9.*"), Action: ViaAction(viaB), Priority: 100, ProtocolID: "test"})
	r2.AddPeerRoute(viaA, 1, 0)
	r2.AddPeerRoute(viaB, 2, 0)
	second := r2.Resolve(in)

	if first != second {
		t.Fatalf("expected ECMP selection to be deterministic across independently built tables, got %+v vs %+v", first, second)
	}
}

func TestAddPeerRouteThenRemove(t *testing.T) {
	node := bpv7.MustParseEID("dtn://local/")
	r, err := New(node)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	peer := bpv7.MustParseEID("dtn://peer/")
	if err := r.AddPeerRoute(peer, 5, 0); err != nil {
		t.Fatalf("AddPeerRoute: %v", err)
	}

	d := r.Resolve(ResolveInput{Destination: bpv7.MustParseEID("dtn://peer/ping"), PreviousNode: bpv7.DtnNone()})
	if d.Kind != DecisionForward || d.PeerID != 5 {
		t.Fatalf("expected the peer wildcard route to forward, got %+v", d)
	}

	if n := r.RemovePeerRoute(5); n != 1 {
		t.Fatalf("expected 1 route removed, got %d", n)
	}
	d = r.Resolve(ResolveInput{Destination: bpv7.MustParseEID("dtn://peer/ping"), PreviousNode: bpv7.DtnNone()})
	if d.Kind != DecisionDrop {
		t.Fatalf("expected the route to be gone after RemovePeerRoute, got %+v", d)
	}
}
