package rib

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dtnstack/bpcore/pkg/bpv7"
)

// defaultMaxRecursion bounds how many Via/Reflect hops a single resolution
// may take before giving up with Drop(NoRouteToDestination), per spec
// §4.6.1's "Recursion depth > N".
const defaultMaxRecursion = 8

// defaultCacheSize is the number of resolutions kept in the resolution
// cache, each keyed by destination, previous node, source and creation
// timestamp.
const defaultCacheSize = 4096

// RIB is the routing information base: the route table, the local table,
// and a cache of recent resolutions. It is safe for concurrent use.
type RIB struct {
	mu    sync.RWMutex
	nodeID bpv7.EndpointID

	routes []RouteEntry
	local  map[string]LocalEntry

	maxRecursion int
	cacheSize    int
	cache        *lru.Cache[string, Decision]
}

// Option configures a RIB at construction time.
type Option func(*RIB)

// WithMaxRecursion overrides the default Via/Reflect recursion bound.
func WithMaxRecursion(n int) Option {
	return func(r *RIB) { r.maxRecursion = n }
}

// WithCacheSize overrides the default resolution cache capacity. A size of
// 0 disables caching.
func WithCacheSize(n int) Option {
	return func(r *RIB) { r.cacheSize = n }
}

func New(nodeID bpv7.EndpointID, opts ...Option) (*RIB, error) {
	r := &RIB{
		nodeID:       nodeID,
		local:        make(map[string]LocalEntry),
		maxRecursion: defaultMaxRecursion,
		cacheSize:    defaultCacheSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.cacheSize > 0 {
		c, err := lru.New[string, Decision](r.cacheSize)
		if err != nil {
			return nil, fmt.Errorf("rib: building resolution cache: %w", err)
		}
		r.cache = c
	}
	return r, nil
}

// invalidate purges the resolution cache. Called whenever the route or
// local table changes; simpler and safer than trying to identify which
// cached keys a given mutation could affect.
func (r *RIB) invalidate() {
	if r.cache != nil {
		r.cache.Purge()
	}
}

// SetLocalEntry installs or overwrites the local table's action for a
// concrete EID, used by admin endpoint registration and by service/
// application sink registration (spec §4.9).
func (r *RIB) SetLocalEntry(eid bpv7.EndpointID, entry LocalEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.local[eid.String()] = entry
	r.invalidate()
}

// RemoveLocalEntry drops a local table entry, e.g. on service
// unregistration.
func (r *RIB) RemoveLocalEntry(eid bpv7.EndpointID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.local, eid.String())
	r.invalidate()
}

// AddRoute inserts one route table entry.
func (r *RIB) AddRoute(entry RouteEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, entry)
	r.invalidate()
}

// RemoveRoutesByProtocol removes every route table entry owned by the given
// protocol, e.g. when a peer disconnects (spec §4.8.2's "remove_peer").
func (r *RIB) RemoveRoutesByProtocol(protocolID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeRoutesByProtocolLocked(protocolID)
}

func (r *RIB) removeRoutesByProtocolLocked(protocolID string) int {
	kept := r.routes[:0]
	removed := 0
	for _, e := range r.routes {
		if e.ProtocolID == protocolID {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	r.routes = kept
	if removed > 0 {
		r.invalidate()
	}
	return removed
}

// ReplaceProtocolRoutes atomically swaps out every route table entry owned
// by protocolID for a new set, used by AddPeerRoute/RemovePeerRoute and by
// the static routes loader's hot reload (spec §4.6.2).
func (r *RIB) ReplaceProtocolRoutes(protocolID string, entries []RouteEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeRoutesByProtocolLocked(protocolID)
	for _, e := range entries {
		e.ProtocolID = protocolID
		r.routes = append(r.routes, e)
	}
	r.invalidate()
}

// AddPeerRoute inserts the implicit wildcard route a CLA peer registration
// creates (spec §4.8.2): every destination under the peer's node resolves
// to forwarding into that peer's queue.
func (r *RIB) AddPeerRoute(nodeID bpv7.EndpointID, peerID uint32, queueIndex int) error {
	pat, err := nodeWildcardPattern(nodeID)
	if err != nil {
		return err
	}
	r.AddRoute(RouteEntry{
		Pattern:    pat,
		Action:     ForwardAction(peerID, queueIndex),
		Priority:   0,
		ProtocolID: peerProtocolID(peerID),
	})
	return nil
}

// RemovePeerRoute removes a previously added peer wildcard route.
func (r *RIB) RemovePeerRoute(peerID uint32) int {
	return r.RemoveRoutesByProtocol(peerProtocolID(peerID))
}

func peerProtocolID(peerID uint32) string {
	return fmt.Sprintf("peer:%d", peerID)
}
