package bpv7

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func buildTestBundle(t *testing.T) []byte {
	t.Helper()
	b, err := NewBuilder().
		Source(MustParseEID("dtn://src/")).
		Destination(MustParseEID("dtn://dst/")).
		CreationTimestampNow(0).
		Lifetime(time.Hour).
		HopCountBlock(32).
		Payload(0, []byte("original payload")).
		Build()
	if err != nil {
		t.Fatalf("building test bundle: %v", err)
	}
	buf := new(bytes.Buffer)
	if err := b.MarshalCbor(buf); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestEditorUntouchedBlocksAreCopiedVerbatim(t *testing.T) {
	data := buildTestBundle(t)

	e, err := NewEditor(data)
	if err != nil {
		t.Fatalf("NewEditor: %v", err)
	}
	out, _, err := e.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !bytes.Equal(data, out) {
		t.Fatalf("Build with no edits changed the bytes")
	}
}

func TestEditorReplacePayloadChangesOnlyThatBlock(t *testing.T) {
	data := buildTestBundle(t)

	e, err := NewEditor(data)
	if err != nil {
		t.Fatal(err)
	}
	out, b, err := e.ReplacePayload([]byte("new payload"), false).Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	payload, err := b.PayloadBlock()
	if err != nil {
		t.Fatal(err)
	}
	if string(payload.Data) != "new payload" {
		t.Fatalf("payload not updated, got %q", payload.Data)
	}

	var reparsed Bundle
	if err := reparsed.UnmarshalCbor(bytes.NewReader(out)); err != nil {
		t.Fatalf("re-parsing edited bundle: %v", err)
	}
	hc, err := reparsed.ExtensionBlock(ExtBlockTypeHopCount)
	if err != nil {
		t.Fatalf("hop count block lost across edit: %v", err)
	}
	if hc.Typed.(*HopCount).Limit != 32 {
		t.Fatalf("untouched hop count block corrupted: %+v", hc.Typed)
	}
}

func TestEditorRefusesToRemovePayload(t *testing.T) {
	data := buildTestBundle(t)
	e, err := NewEditor(data)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := e.RemoveBlock(1, true).Build(); err == nil {
		t.Fatal("expected an error removing the payload block")
	}
}

func TestEditorAddExtensionBlockKeepsPayloadLast(t *testing.T) {
	data := buildTestBundle(t)
	e, err := NewEditor(data)
	if err != nil {
		t.Fatal(err)
	}
	_, b, err := e.AddExtensionBlock(NewPreviousNodeBlock(MustParseEID("dtn://relay/"))).Build()
	if err != nil {
		t.Fatal(err)
	}
	last := b.CanonicalBlocks[len(b.CanonicalBlocks)-1]
	if !last.IsPayload() {
		t.Fatalf("payload block no longer last after AddExtensionBlock")
	}
}

func TestEditorRefusesTouchingBibProtectedBlock(t *testing.T) {
	data := buildTestBundle(t)
	e, err := NewEditor(data)
	if err != nil {
		t.Fatal(err)
	}
	hc, err := findBlockNumber(e, ExtBlockTypeHopCount)
	if err != nil {
		t.Fatal(err)
	}
	cb := e.blocks[hc]
	cb.Coverage = BibCoverageKnown
	cb.BibBlockNumber = 9
	e.blocks[hc] = cb

	if _, _, err := e.ReplaceBlock(hc, []byte{0x00}, false).Build(); err == nil {
		t.Fatal("expected ErrSecurityInvalidated when touching a BIB-protected block")
	}

	e2, _ := NewEditor(data)
	cb2 := e2.blocks[hc]
	cb2.Coverage = BibCoverageKnown
	cb2.BibBlockNumber = 9
	e2.blocks[hc] = cb2
	if _, _, err := e2.ReplaceBlock(hc, []byte{0x82, 0x18, 0x20, 0x00}, true).Build(); err != nil {
		t.Fatalf("expected AllowInvalidation=true to permit the edit, got %v", err)
	}
}

func findBlockNumber(e *Editor, blockType uint64) (uint64, error) {
	for n, cb := range e.blocks {
		if cb.BlockType == blockType {
			return n, nil
		}
	}
	return 0, errors.New("bpv7: no such block in editor under test")
}
