// Package rib implements the routing information base: a route table of
// pattern-matched forwarding rules plus a local table of concrete,
// directly-resolvable endpoints, together with the resolution algorithm
// that turns a destination EID into a forwarding decision.
package rib

import (
	"github.com/dtnstack/bpcore/pkg/bpv7"
	"github.com/dtnstack/bpcore/pkg/eidpattern"
)

// ActionKind identifies a route table entry's effect.
type ActionKind int

const (
	// ActionDrop discards a bundle bound for the matched pattern.
	ActionDrop ActionKind = iota
	// ActionReflect bounces a bundle back towards its previous node.
	ActionReflect
	// ActionVia forwards resolution onward to another EID, recursively.
	ActionVia
	// ActionForward hands the bundle straight to a peer's egress queue.
	// Static route files never produce this kind; it exists so CLA peer
	// registration can insert its implicit "node_id/**" wildcard (spec
	// §4.8.2) as a route table entry instead of requiring the local table
	// to hold pattern-shaped keys.
	ActionForward
)

// Action is a route table entry's effect.
type Action struct {
	Kind ActionKind

	Via    bpv7.EndpointID          // valid when Kind == ActionVia
	Reason bpv7.StatusReportReason  // optional hint when Kind == ActionDrop

	PeerID     uint32 // valid when Kind == ActionForward
	QueueIndex int    // valid when Kind == ActionForward
}

func DropAction(reason bpv7.StatusReportReason) Action {
	return Action{Kind: ActionDrop, Reason: reason}
}

func ReflectAction() Action { return Action{Kind: ActionReflect} }

func ViaAction(eid bpv7.EndpointID) Action { return Action{Kind: ActionVia, Via: eid} }

func ForwardAction(peerID uint32, queueIndex int) Action {
	return Action{Kind: ActionForward, PeerID: peerID, QueueIndex: queueIndex}
}

// actionRank orders same-priority, same-specificity entries per spec
// §3.4's "Drop < Reflect < Via" tie-break. ActionForward entries are
// concrete peer routes and are given the lowest rank: when a peer route and
// a general Via/Drop/Reflect rule have identical specificity and priority,
// the peer route, being the more operationally specific of the two, wins.
func (a Action) actionRank() int {
	switch a.Kind {
	case ActionDrop:
		return 1
	case ActionReflect:
		return 2
	case ActionVia:
		return 3
	default:
		return 0
	}
}

// RouteEntry is one row of the global route table: a pattern, the action to
// take for destinations it matches, a priority (lower wins), and the
// protocol that owns the entry. ProtocolID scopes static-route hot reload
// diffs (spec §4.6.2) so unrelated entries (e.g. CLA peer routes) are never
// touched by a reload.
type RouteEntry struct {
	Pattern    *eidpattern.Pattern
	Action     Action
	Priority   int
	ProtocolID string
}

// LocalActionKind identifies a local table entry's effect.
type LocalActionKind int

const (
	// LocalAdminEndpoint marks one of this node's own administrative
	// endpoints (the node ID itself, with no demux path / service number).
	LocalAdminEndpoint LocalActionKind = iota
	// LocalService marks an EID with a registered application or service
	// sink; ServiceHandle names which one.
	LocalService
	// LocalUnregistered marks an EID known to belong to this node but with
	// nothing currently registered to receive it.
	LocalUnregistered
)

// LocalEntry is one row of the local table: the resolved action for a
// concrete EID.
type LocalEntry struct {
	Kind          LocalActionKind
	ServiceHandle string
}
