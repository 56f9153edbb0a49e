package dispatch

import (
	"testing"
	"time"

	"github.com/dtnstack/bpcore/pkg/bpv7"
)

func TestRunFiltersPass(t *testing.T) {
	b := buildBundle(t, "dtn://a/", "dtn://b/", 0, time.Minute)
	data := encodeBundle(t, b)

	out, outData, reason, err := runFilters([]WriteFilter{
		WriteFilterFunc(func(*bpv7.Bundle, []byte) FilterAction { return Pass() }),
	}, b, data)
	if err != nil {
		t.Fatalf("runFilters: %v", err)
	}
	if reason != nil {
		t.Fatalf("expected no drop reason, got %v", *reason)
	}
	if out.ID().String() != b.ID().String() {
		t.Fatalf("bundle identity changed across a Pass filter")
	}
	if string(outData) != string(data) {
		t.Fatalf("bytes changed across a Pass filter")
	}
}

func TestRunFiltersDropStopsLaterFilters(t *testing.T) {
	b := buildBundle(t, "dtn://a/", "dtn://b/", 0, time.Minute)
	data := encodeBundle(t, b)

	var secondCalled bool
	_, _, reason, err := runFilters([]WriteFilter{
		WriteFilterFunc(func(*bpv7.Bundle, []byte) FilterAction {
			return Drop(bpv7.TrafficPared)
		}),
		WriteFilterFunc(func(*bpv7.Bundle, []byte) FilterAction {
			secondCalled = true
			return Pass()
		}),
	}, b, data)
	if err != nil {
		t.Fatalf("runFilters: %v", err)
	}
	if reason == nil || *reason != bpv7.TrafficPared {
		t.Fatalf("expected drop reason TrafficPared, got %v", reason)
	}
	if secondCalled {
		t.Fatal("a filter that runs after a Drop should never be invoked")
	}
}

func TestRunFiltersRewriteReparsesForLaterFilters(t *testing.T) {
	original := buildBundle(t, "dtn://a/", "dtn://b/", 0, time.Minute)
	rewritten := buildBundle(t, "dtn://a/", "dtn://c/", 0, time.Minute)
	rewrittenData := encodeBundle(t, rewritten)

	var seenDest string
	out, outData, reason, err := runFilters([]WriteFilter{
		WriteFilterFunc(func(*bpv7.Bundle, []byte) FilterAction { return Rewrite(rewrittenData) }),
		WriteFilterFunc(func(bndl *bpv7.Bundle, data []byte) FilterAction {
			seenDest = bndl.Primary.Destination.String()
			return Pass()
		}),
	}, original, encodeBundle(t, original))
	if err != nil {
		t.Fatalf("runFilters: %v", err)
	}
	if reason != nil {
		t.Fatalf("expected no drop reason, got %v", *reason)
	}
	if seenDest != "dtn://c/" {
		t.Fatalf("later filter did not see the rewritten bundle, saw destination %q", seenDest)
	}
	if out.Primary.Destination.String() != "dtn://c/" {
		t.Fatalf("runFilters did not return the rewritten bundle")
	}
	if string(outData) != string(rewrittenData) {
		t.Fatal("runFilters did not return the rewritten bytes")
	}
}
