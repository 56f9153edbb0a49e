package rib

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/dtnstack/bpcore/pkg/bpv7"
)

// ResolveInput bundles the facts the resolver needs: the destination to
// route, the bundle's previous-node (for Reflect), and the flow-identifying
// fields (source, creation timestamp) used for ECMP selection.
type ResolveInput struct {
	Destination  bpv7.EndpointID
	PreviousNode bpv7.EndpointID
	Source       bpv7.EndpointID
	CreationTS   bpv7.CreationTimestamp
}

func (in ResolveInput) cacheKey() string {
	return fmt.Sprintf("%s|%s|%s|%d.%d",
		in.Destination.String(), in.PreviousNode.String(), in.Source.String(),
		in.CreationTS.Time, in.CreationTS.Sequence)
}

// Resolve runs the resolution algorithm of spec §4.6.1 and returns the
// single effective decision for in.Destination.
func (r *RIB) Resolve(in ResolveInput) Decision {
	if r.cache != nil {
		if d, ok := r.cache.Get(in.cacheKey()); ok {
			return d
		}
	}

	r.mu.RLock()
	visited := make(map[string]bool, r.maxRecursion+1)
	d := r.resolveLocked(in, in.Destination, in.PreviousNode, visited, 0)
	r.mu.RUnlock()

	if r.cache != nil {
		r.cache.Add(in.cacheKey(), d)
	}
	return d
}

// resolveLocked implements spec §4.6.1's resolution procedure. Callers must
// hold r.mu for reading; it never takes or releases the lock itself, so
// recursion across Via/Reflect hops costs no extra lock acquisitions.
func (r *RIB) resolveLocked(in ResolveInput, dest, prevNode bpv7.EndpointID, visited map[string]bool, depth int) Decision {
	if depth > r.maxRecursion {
		return dropDecision(bpv7.NoRouteToDestination)
	}
	key := dest.String()
	if visited[key] {
		return dropDecision(bpv7.NoRouteToDestination)
	}
	visited[key] = true

	if dest.SameNode(r.nodeID) && r.isAdminEndpointLocked(dest) {
		return deliverLocalDecision("", false)
	}

	if entry, ok := r.local[key]; ok {
		switch entry.Kind {
		case LocalAdminEndpoint:
			return deliverLocalDecision("", false)
		case LocalService:
			return deliverLocalDecision(entry.ServiceHandle, true)
		default: // LocalUnregistered
			return dropDecision(bpv7.DestEndpointUnintelligible)
		}
	}

	entry, ok := r.bestRoute(dest, in)
	if !ok {
		return dropDecision(bpv7.NoRouteToDestination)
	}

	switch entry.Action.Kind {
	case ActionDrop:
		reason := entry.Action.Reason
		if reason == bpv7.NoInformation {
			reason = bpv7.NoRouteToDestination
		}
		return dropDecision(reason)

	case ActionReflect:
		return r.resolveLocked(in, prevNode, dest, visited, depth+1)

	case ActionVia:
		return r.resolveLocked(in, entry.Action.Via, dest, visited, depth+1)

	case ActionForward:
		return forwardDecision(entry.Action.PeerID, entry.Action.QueueIndex)

	default:
		log.WithField("kind", entry.Action.Kind).Warn("rib: route table entry has an unknown action kind")
		return dropDecision(bpv7.NoRouteToDestination)
	}
}

// isAdminEndpointLocked reports whether dest is this node's bare admin
// endpoint: the node EID with no service number / demux path.
func (r *RIB) isAdminEndpointLocked(dest bpv7.EndpointID) bool {
	if nodeName, path, ok := dest.DtnComponents(); ok {
		if rn, _, rok := r.nodeID.DtnComponents(); rok {
			return nodeName == rn && (path == "" || path == "/")
		}
	}
	if alloc, node, service, _, ok := dest.IpnComponents(); ok {
		if ralloc, rnode, _, _, rok := r.nodeID.IpnComponents(); rok {
			return alloc == ralloc && node == rnode && service == 0
		}
	}
	return false
}
