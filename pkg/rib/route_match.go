package rib

import (
	"hash/fnv"
	"sort"

	"github.com/dtnstack/bpcore/pkg/bpv7"
)

// bestRoute scans the route table for every entry matching dest and picks
// the effective one per spec §3.4: narrowest pattern wins, ties broken by
// lowest priority, then by Drop < Reflect < Via ordering. If entries remain
// tied after that (equal-cost multipath), an ECMP flow hash of
// (source, destination, creation_ts) selects deterministically among them
// so every fragment of a bundle takes the same path.
func (r *RIB) bestRoute(dest bpv7.EndpointID, in ResolveInput) (RouteEntry, bool) {
	type scored struct {
		entry        RouteEntry
		specificity  uint64
	}

	var matches []scored
	for _, e := range r.routes {
		if e.Pattern.Matches(dest) {
			matches = append(matches, scored{entry: e, specificity: e.Pattern.Specificity()})
		}
	}
	if len(matches) == 0 {
		return RouteEntry{}, false
	}

	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.specificity != b.specificity {
			return a.specificity < b.specificity
		}
		if a.entry.Priority != b.entry.Priority {
			return a.entry.Priority < b.entry.Priority
		}
		return a.entry.Action.actionRank() < b.entry.Action.actionRank()
	})

	best := matches[0]
	tied := []RouteEntry{best.entry}
	for _, m := range matches[1:] {
		if m.specificity == best.specificity &&
			m.entry.Priority == best.entry.Priority &&
			m.entry.Action.actionRank() == best.entry.Action.actionRank() {
			tied = append(tied, m.entry)
		} else {
			break
		}
	}
	if len(tied) == 1 {
		return tied[0], true
	}

	sort.Slice(tied, func(i, j int) bool { return routeIdentity(tied[i]) < routeIdentity(tied[j]) })
	return tied[flowHash(in)%uint64(len(tied))], true
}

// routeIdentity gives tied route entries a stable, deterministic order
// before ECMP indexes into them, independent of insertion order.
func routeIdentity(e RouteEntry) string {
	switch e.Action.Kind {
	case ActionVia:
		return "via:" + e.Action.Via.String()
	case ActionForward:
		return "forward:" + e.Pattern.String()
	default:
		return e.ProtocolID + ":" + e.Pattern.String()
	}
}

// flowHash hashes the fields that identify a bundle's flow so all of its
// fragments, and any retransmissions with the same creation timestamp, are
// routed identically.
func flowHash(in ResolveInput) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(in.Source.String()))
	_, _ = h.Write([]byte(in.Destination.String()))
	var tsBuf [16]byte
	putUint64(tsBuf[0:8], uint64(in.CreationTS.Time))
	putUint64(tsBuf[8:16], in.CreationTS.Sequence)
	_, _ = h.Write(tsBuf[:])
	return h.Sum64()
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * (7 - i)))
	}
}
