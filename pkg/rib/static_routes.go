package rib

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/dtnstack/bpcore/pkg/bpv7"
	"github.com/dtnstack/bpcore/pkg/eidpattern"
)

// staticDropReasons maps the lowercase reason tokens accepted after "drop"
// in a static routes file to their status report reason code.
var staticDropReasons = map[string]bpv7.StatusReportReason{
	"no_route":                bpv7.NoRouteToDestination,
	"destination_unavailable": bpv7.DestEndpointUnintelligible,
	"lifetime_expired":        bpv7.LifetimeExpired,
	"hop_limit_exceeded":      bpv7.HopLimitExceeded,
	"depleted_storage":        bpv7.DepletedStorage,
	"block_unintelligible":    bpv7.BlockUnintelligible,
	"failed_security":         bpv7.FailedSecurity,
	"no_next_node":            bpv7.NoNextNodeContact,
}

// defaultStaticPriority is the priority assigned to a static route entry
// with no explicit "priority <n>" clause.
const defaultStaticPriority = 100

// StaticProtocolID is the ProtocolID under which LoadStaticRoutes and the
// hot-reload watcher register their entries, scoping reload diffs away
// from CLA peer routes and any other programmatically inserted entries.
const StaticProtocolID = "static"

// ParseStaticRoutes reads a static routes file (spec §4.6.2): one entry per
// line, `<pattern> <action> [priority <n>]`, actions `via <eid>`,
// `drop [<reason>]`, `reflect`; '#' starts a comment, blank lines are
// ignored.
func ParseStaticRoutes(r io.Reader) ([]RouteEntry, error) {
	var entries []RouteEntry
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		entry, err := parseStaticRouteLine(line)
		if err != nil {
			return nil, fmt.Errorf("rib: static routes line %d: %w", lineNo, err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("rib: reading static routes: %w", err)
	}
	return entries, nil
}

func parseStaticRouteLine(line string) (RouteEntry, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return RouteEntry{}, fmt.Errorf("expected `<pattern> <action> ...`, got %q", line)
	}

	pat, err := eidpattern.Parse(fields[0])
	if err != nil {
		return RouteEntry{}, fmt.Errorf("pattern %q: %w", fields[0], err)
	}

	entry := RouteEntry{Pattern: pat, Priority: defaultStaticPriority, ProtocolID: StaticProtocolID}
	rest := fields[1:]

	switch rest[0] {
	case "via":
		if len(rest) < 2 {
			return RouteEntry{}, fmt.Errorf("`via` requires an EID")
		}
		eid, err := bpv7.ParseEID(rest[1])
		if err != nil {
			return RouteEntry{}, fmt.Errorf("via target %q: %w", rest[1], err)
		}
		entry.Action = ViaAction(eid)
		rest = rest[2:]

	case "reflect":
		entry.Action = ReflectAction()
		rest = rest[1:]

	case "drop":
		rest = rest[1:]
		reason := bpv7.NoRouteToDestination
		if len(rest) > 0 && rest[0] != "priority" {
			r, ok := staticDropReasons[rest[0]]
			if !ok {
				return RouteEntry{}, fmt.Errorf("unknown drop reason %q", rest[0])
			}
			reason = r
			rest = rest[1:]
		}
		entry.Action = DropAction(reason)

	default:
		return RouteEntry{}, fmt.Errorf("unknown action %q", rest[0])
	}

	if len(rest) == 0 {
		return entry, nil
	}
	if len(rest) != 2 || rest[0] != "priority" {
		return RouteEntry{}, fmt.Errorf("unexpected trailing tokens %q", strings.Join(rest, " "))
	}
	p, err := strconv.Atoi(rest[1])
	if err != nil {
		return RouteEntry{}, fmt.Errorf("priority %q: %w", rest[1], err)
	}
	entry.Priority = p
	return entry, nil
}

// LoadStaticRoutesFile parses the static routes file at path. A missing
// file returns the unwrapped os.Open error, so a caller can detect it with
// os.IsNotExist and carry on with an empty route set, as
// NewStaticRoutesWatcher does.
func LoadStaticRoutesFile(path string) ([]RouteEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("rib: opening static routes file: %w", err)
	}
	defer f.Close()
	return ParseStaticRoutes(f)
}
