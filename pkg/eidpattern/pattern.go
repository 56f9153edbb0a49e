package eidpattern

import "github.com/dtnstack/bpcore/pkg/bpv7"

// singlePattern is one member of a Pattern's union (spec §4.4's "A|B").
type singlePattern interface {
	Matches(eid bpv7.EndpointID) bool
}

// Pattern is a parsed EID pattern: a union of ipn, dtn, and special
// single-scheme patterns, any one of which matching makes the whole
// pattern match.
type Pattern struct {
	raw     string
	members []singlePattern
}

// String returns the pattern's original textual form.
func (p *Pattern) String() string { return p.raw }

// Matches reports whether eid satisfies any member of this pattern.
func (p *Pattern) Matches(eid bpv7.EndpointID) bool {
	for _, m := range p.members {
		if m.Matches(eid) {
			return true
		}
	}
	return false
}

// IsSubsetOf reports whether every EID matched by p is also matched by
// other: every member of p must be subsumed by some member of other.
func (p *Pattern) IsSubsetOf(other *Pattern) bool {
	for _, a := range p.members {
		covered := false
		for _, b := range other.members {
			if singleSubsetOf(a, b) {
				covered = true
				break
			}
		}
		if !covered {
			return false
		}
	}
	return true
}

// Specificity approximates how narrowly this pattern pins down a single
// EID: smaller is more specific. A union pattern is as specific as its
// most specific member, since that is the member a matching EID will be
// judged against.
func (p *Pattern) Specificity() uint64 {
	best := maxU64
	for _, m := range p.members {
		if s := singleSpecificity(m); s < best {
			best = s
		}
	}
	return best
}

func singleSpecificity(m singlePattern) uint64 {
	switch v := m.(type) {
	case matchAllPattern:
		return maxU64
	case dtnNonePattern:
		return 0
	case *IpnPattern:
		return v.specificity()
	case *DtnPattern:
		return v.specificity()
	default:
		return maxU64
	}
}

func singleSubsetOf(a, b singlePattern) bool {
	if _, ok := b.(matchAllPattern); ok {
		return true
	}
	switch av := a.(type) {
	case matchAllPattern:
		_, ok := b.(matchAllPattern)
		return ok
	case *IpnPattern:
		bv, ok := b.(*IpnPattern)
		return ok && av.isSubsetOf(bv)
	case *DtnPattern:
		bv, ok := b.(*DtnPattern)
		return ok && av.isSubsetOf(bv)
	case dtnNonePattern:
		_, ok := b.(dtnNonePattern)
		return ok
	default:
		return false
	}
}
