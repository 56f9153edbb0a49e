package rib

import (
	"strings"
	"testing"

	"github.com/dtnstack/bpcore/pkg/bpv7"
)

func TestParseStaticRoutesBasicForms(t *testing.T) {
	input := `
# a comment
ipn:1.*.* via ipn:2.3.0 priority 5
dtn://unreachable/** drop no_route
ipn:9.*.* reflect
`
	entries, err := ParseStaticRoutes(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ParseStaticRoutes: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}

	if entries[0].Action.Kind != ActionVia || entries[0].Priority != 5 {
		t.Fatalf("entry 0: %+v", entries[0])
	}
	if !entries[0].Action.Via.Equal(bpv7.MustParseEID("ipn:2.3.0")) {
		t.Fatalf("entry 0 via target: %v", entries[0].Action.Via)
	}

	if entries[1].Action.Kind != ActionDrop || entries[1].Action.Reason != bpv7.NoRouteToDestination {
		t.Fatalf("entry 1: %+v", entries[1])
	}
	if entries[1].Priority != defaultStaticPriority {
		t.Fatalf("entry 1 priority: expected default %d, got %d", defaultStaticPriority, entries[1].Priority)
	}

	if entries[2].Action.Kind != ActionReflect {
		t.Fatalf("entry 2: %+v", entries[2])
	}
}

func TestParseStaticRoutesBlankAndCommentOnlyIsEmpty(t *testing.T) {
	entries, err := ParseStaticRoutes(strings.NewReader("\n  \n# nothing here\n"))
	if err != nil {
		t.Fatalf("ParseStaticRoutes: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no entries, got %d", len(entries))
	}
}

func TestParseStaticRoutesRejectsUnknownAction(t *testing.T) {
	_, err := ParseStaticRoutes(strings.NewReader("ipn:1.*.* teleport"))
	if err == nil {
		t.Fatal("expected an error for an unknown action")
	}
}

func TestParseStaticRoutesRejectsBadPattern(t *testing.T) {
	_, err := ParseStaticRoutes(strings.NewReader("ipn:10-5.*.* drop"))
	if err == nil {
		t.Fatal("expected an error for an invalid pattern")
	}
}

func TestParseStaticRoutesRejectsUnknownDropReason(t *testing.T) {
	_, err := ParseStaticRoutes(strings.NewReader("ipn:1.*.* drop made_up_reason"))
	if err == nil {
		t.Fatal("expected an error for an unrecognized drop reason")
	}
}

func TestParseStaticRoutesRejectsViaWithoutTarget(t *testing.T) {
	_, err := ParseStaticRoutes(strings.NewReader("ipn:1.*.* via"))
	if err == nil {
		t.Fatal("expected an error when `via` has no EID")
	}
}

func TestLoadStaticRoutesFileMissingIsNotExist(t *testing.T) {
	_, err := LoadStaticRoutesFile("/nonexistent/path/to/routes.conf")
	if err == nil {
		t.Fatal("expected an error for a missing file")
	}
}
