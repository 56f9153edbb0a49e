package eidpattern

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseError reports a malformed pattern with the byte offset of the
// offending token, so a config loader can point at the exact column.
type ParseError struct {
	Pos int
	Msg string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("eidpattern: byte %d: %s", e.Pos, e.Msg)
}

func perr(pos int, format string, args ...interface{}) *ParseError {
	return &ParseError{Pos: pos, Msg: fmt.Sprintf(format, args...)}
}

// Parse parses a pattern string per spec §4.4: ipn interval patterns,
// dtn path globs, "*:**" match-anything, and "A|B" unions of either.
func Parse(s string) (*Pattern, error) {
	if strings.TrimSpace(s) == "" {
		return nil, perr(0, "empty pattern")
	}

	parts := splitTopLevel(s, '|')
	pat := &Pattern{raw: s}
	for _, part := range parts {
		text := strings.TrimSpace(part.text)
		base := part.offset
		if text == "" {
			return nil, perr(base, "empty union member")
		}

		member, err := parseSingle(text, base)
		if err != nil {
			return nil, err
		}
		pat.members = append(pat.members, member)
	}
	return pat, nil
}

func parseSingle(s string, base int) (singlePattern, error) {
	switch {
	case s == "*:**":
		return matchAllPattern{}, nil
	case s == "dtn:none":
		return dtnNonePattern{}, nil
	case strings.HasPrefix(s, "ipn:"):
		return parseIpnPattern(s, base)
	case strings.HasPrefix(s, "dtn://"):
		return parseDtnPattern(s, base)
	default:
		return nil, perr(base, "unrecognised pattern scheme %q", s)
	}
}

func parseIpnPattern(s string, base int) (*IpnPattern, error) {
	body := s[len("ipn:"):]
	bodyBase := base + len("ipn:")

	if strings.HasPrefix(body, "!.") {
		ivs, err := parseIntervalField(body[2:], bodyBase+2)
		if err != nil {
			return nil, err
		}
		return &IpnPattern{LocalOnly: true, Service: normalizeIntervals(ivs)}, nil
	}

	fields := splitTopLevel(body, '.')
	for i := range fields {
		fields[i].offset += bodyBase
	}

	var allocField, nodeField, serviceField fieldTok
	switch len(fields) {
	case 2:
		allocField = fieldTok{text: "0", offset: bodyBase}
		nodeField, serviceField = fields[0], fields[1]
	case 3:
		allocField, nodeField, serviceField = fields[0], fields[1], fields[2]
	default:
		return nil, perr(bodyBase, "ipn pattern must have 2 or 3 dot-separated components, got %d", len(fields))
	}

	alloc, err := parseIntervalField(allocField.text, allocField.offset)
	if err != nil {
		return nil, err
	}
	node, err := parseIntervalField(nodeField.text, nodeField.offset)
	if err != nil {
		return nil, err
	}
	service, err := parseIntervalField(serviceField.text, serviceField.offset)
	if err != nil {
		return nil, err
	}

	return &IpnPattern{
		Allocator: normalizeIntervals(alloc),
		Node:      normalizeIntervals(node),
		Service:   normalizeIntervals(service),
	}, nil
}

func parseDtnPattern(s string, base int) (*DtnPattern, error) {
	rest := s[len("dtn://"):]
	restBase := base + len("dtn://")

	idx := strings.IndexByte(rest, '/')
	var authTok, pathRest string
	if idx < 0 {
		authTok = rest
	} else {
		authTok = rest[:idx]
		pathRest = rest[idx:]
	}
	if authTok == "" {
		return nil, perr(restBase, "dtn pattern has empty authority")
	}

	segs := []string{authTok}
	if pathRest != "" {
		for _, seg := range strings.Split(strings.TrimPrefix(pathRest, "/"), "/") {
			if seg != "" {
				segs = append(segs, seg)
			}
		}
	}
	return &DtnPattern{Segments: segs}, nil
}

// parseIntervalField parses one ipn component: "*", "N", "N-M", "N+", or a
// bracketed union "[a,b-c,...]" of those.
func parseIntervalField(s string, base int) ([]Interval, error) {
	if s == "" {
		return nil, perr(base, "empty ipn component")
	}
	if s == "*" {
		return []Interval{{0, maxU64}}, nil
	}
	if strings.HasPrefix(s, "[") {
		if !strings.HasSuffix(s, "]") {
			return nil, perr(base, "unterminated %q bracket set", s)
		}
		inner := s[1 : len(s)-1]
		innerBase := base + 1
		items := splitTopLevel(inner, ',')
		if len(items) == 0 || (len(items) == 1 && items[0].text == "") {
			return nil, perr(innerBase, "empty bracket set")
		}
		var out []Interval
		for _, item := range items {
			ivs, err := parseSingleRange(item.text, innerBase+item.offset)
			if err != nil {
				return nil, err
			}
			out = append(out, ivs...)
		}
		return out, nil
	}
	return parseSingleRange(s, base)
}

func parseSingleRange(s string, pos int) ([]Interval, error) {
	if s == "" {
		return nil, perr(pos, "empty range")
	}
	if strings.HasSuffix(s, "+") {
		numStr := s[:len(s)-1]
		n, err := strconv.ParseUint(numStr, 10, 64)
		if err != nil {
			return nil, perr(pos, "invalid open-ended range %q", s)
		}
		return []Interval{{n, maxU64}}, nil
	}
	if idx := strings.IndexByte(s, '-'); idx > 0 {
		loStr, hiStr := s[:idx], s[idx+1:]
		lo, err := strconv.ParseUint(loStr, 10, 64)
		if err != nil {
			return nil, perr(pos, "invalid range start %q", loStr)
		}
		if hiStr == "" {
			return nil, perr(pos+idx+1, "range %q missing upper bound", s)
		}
		hi, err := strconv.ParseUint(hiStr, 10, 64)
		if err != nil {
			return nil, perr(pos+idx+1, "invalid range end %q", hiStr)
		}
		if hi < lo {
			return nil, perr(pos, "invalid range %d-%d: end before start", lo, hi)
		}
		return []Interval{{lo, hi}}, nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return nil, perr(pos, "invalid number %q", s)
	}
	return []Interval{{n, n}}, nil
}

type fieldTok struct {
	text   string
	offset int
}

// splitTopLevel splits s on sep, ignoring occurrences inside [...] brackets,
// and records each part's byte offset in the original string.
func splitTopLevel(s string, sep byte) []fieldTok {
	var parts []fieldTok
	depth := 0
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '[':
			depth++
		case ']':
			if depth > 0 {
				depth--
			}
		default:
			if s[i] == sep && depth == 0 {
				parts = append(parts, fieldTok{text: s[start:i], offset: start})
				start = i + 1
			}
		}
	}
	parts = append(parts, fieldTok{text: s[start:], offset: start})
	return parts
}
