package eidpattern

import (
	"math/bits"

	"github.com/dtnstack/bpcore/pkg/bpv7"
)

// IpnPattern matches ipn EIDs by independent interval sets over the
// allocator, node, and service components, or, when localOnly is set, over
// the service of a LocalNode("this node") EID (the "ipn:!.<s>" form).
type IpnPattern struct {
	Allocator []Interval
	Node      []Interval
	Service   []Interval
	LocalOnly bool
}

// Matches reports whether eid falls within this pattern.
func (p *IpnPattern) Matches(eid bpv7.EndpointID) bool {
	if p.LocalOnly {
		svc, ok := eid.LocalNodeService()
		return ok && intervalsContain(p.Service, svc)
	}
	if eid.IsLocalNode() {
		return false
	}

	var alloc, node, service uint64
	switch {
	case eid.IsNull():
		alloc, node, service = 0, 0, 0
	default:
		var ok bool
		alloc, node, service, _, ok = eid.IpnComponents()
		if !ok {
			return false
		}
	}

	return intervalsContain(p.Allocator, alloc) &&
		intervalsContain(p.Node, node) &&
		intervalsContain(p.Service, service)
}

// specificity approximates how narrowly this pattern pins down an EID on a
// log2 scale: the sum, over the allocator, node and service components, of
// the bit length of each component's interval span. An exact match (all
// components single values) yields 3; each "*" component contributes 64, so
// "ipn:5.6.*" (66) scores below "ipn:*.*.*" (192). Narrowing a component
// never raises the score; spans of equal bit length score the same. A
// LocalOnly pattern scores the span of its service intervals.
func (p *IpnPattern) specificity() uint64 {
	if p.LocalOnly {
		return intervalsSpan(p.Service)
	}
	return uint64(bits.Len64(intervalsSpan(p.Allocator)) +
		bits.Len64(intervalsSpan(p.Node)) +
		bits.Len64(intervalsSpan(p.Service)))
}

func (p *IpnPattern) isSubsetOf(other *IpnPattern) bool {
	if p.LocalOnly != other.LocalOnly {
		return false
	}
	if p.LocalOnly {
		return intervalsSubsetOf(p.Service, other.Service)
	}
	return intervalsSubsetOf(p.Allocator, other.Allocator) &&
		intervalsSubsetOf(p.Node, other.Node) &&
		intervalsSubsetOf(p.Service, other.Service)
}
