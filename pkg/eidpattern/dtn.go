package eidpattern

import (
	"strings"

	"github.com/dtnstack/bpcore/pkg/bpv7"
)

// DtnPattern matches dtn:// EIDs by a slash-separated segment glob: the
// authority occupies segment 0, the demux path contributes the rest. "*"
// matches exactly one segment; "**" matches zero or more.
type DtnPattern struct {
	Segments []string
}

func dtnSegments(nodeName, demuxPath string) []string {
	segs := []string{nodeName}
	for _, s := range strings.Split(strings.TrimPrefix(demuxPath, "/"), "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}

// Matches reports whether eid falls within this pattern.
func (p *DtnPattern) Matches(eid bpv7.EndpointID) bool {
	nodeName, demuxPath, ok := eid.DtnComponents()
	if !ok {
		return false
	}
	return matchSegments(p.Segments, dtnSegments(nodeName, demuxPath))
}

func matchSegments(pat, seg []string) bool {
	if len(pat) == 0 {
		return len(seg) == 0
	}
	if pat[0] == "**" {
		for i := 0; i <= len(seg); i++ {
			if matchSegments(pat[1:], seg[i:]) {
				return true
			}
		}
		return false
	}
	if len(seg) == 0 {
		return false
	}
	if pat[0] == "*" || pat[0] == seg[0] {
		return matchSegments(pat[1:], seg[1:])
	}
	return false
}

// isSubsetOf is a conservative structural check: position-for-position,
// every segment of p must be no less specific than the matching segment of
// other, with "**" absorbing a run of segments on either side. It is exact
// for literal and single-star glyphs; patterns that rely on "**" appearing
// in different positions on each side fall back to a safe "not a subset"
// answer rather than risk a false positive.
func (p *DtnPattern) isSubsetOf(other *DtnPattern) bool {
	return dtnSubsetSegs(p.Segments, other.Segments)
}

func dtnSubsetSegs(a, b []string) bool {
	if len(b) > 0 && b[0] == "**" {
		for i := 0; i <= len(a); i++ {
			if dtnSubsetSegs(a[i:], b[1:]) {
				return true
			}
		}
		return false
	}
	if len(a) == 0 || len(b) == 0 {
		return len(a) == 0 && len(b) == 0
	}
	if a[0] == "**" {
		return false
	}
	if !dtnSegSubset(a[0], b[0]) {
		return false
	}
	return dtnSubsetSegs(a[1:], b[1:])
}

func dtnSegSubset(a, b string) bool {
	if b == "*" {
		return true
	}
	return a == b
}

// wildcardSpan is the specificity weight of a single "**" segment: far
// larger than any plausible path depth, so a pattern using "**" is always
// judged less specific than one that does not, regardless of how many
// literal segments surround it.
const wildcardSpan = uint64(1) << 40

// specificity counts how loosely this pattern binds: 0 for an all-literal
// path, +1 per "*" segment, +wildcardSpan per "**".
func (p *DtnPattern) specificity() uint64 {
	var total uint64
	for _, s := range p.Segments {
		switch s {
		case "**":
			total = satAdd(total, wildcardSpan)
		case "*":
			total = satAdd(total, 1)
		}
	}
	return total
}

// matchAllPattern is the "*:**" wildcard: it matches every EID regardless
// of scheme.
type matchAllPattern struct{}

func (matchAllPattern) Matches(bpv7.EndpointID) bool { return true }

// dtnNonePattern matches only the literal dtn:none / ipn:0.0 null endpoint.
type dtnNonePattern struct{}

func (dtnNonePattern) Matches(eid bpv7.EndpointID) bool { return eid.IsNull() }
