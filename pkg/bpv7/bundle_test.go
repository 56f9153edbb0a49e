package bpv7

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func TestBundleCheckValidRequiresSinglePayload(t *testing.T) {
	primary := NewPrimaryBlock(0, MustParseEID("dtn://dst/"), MustParseEID("dtn://src/"), NewCreationTimestamp(0), uint64(time.Minute.Microseconds()))
	b := MustNewBundle(primary, nil)
	if err := b.CheckValid(); err == nil {
		t.Fatal("expected an error for a bundle with no payload block")
	}
}

func TestBundleCheckValidRejectsFragmentedSecurity(t *testing.T) {
	primary := NewPrimaryBlock(BundleIsFragment, MustParseEID("dtn://dst/"), MustParseEID("dtn://src/"), NewCreationTimestamp(0), uint64(time.Minute.Microseconds()))
	primary.FragmentOffset = 0
	primary.TotalDataLength = 4
	payload := NewPayloadBlock(0, []byte("data"))
	bib := NewExtensionBlock(ExtBlockTypeBlockIntegrity, 0, []byte{0x80})
	b := MustNewBundle(primary, []CanonicalBlock{payload, bib})

	err := b.CheckValid()
	if err == nil || !errors.Is(err, ErrInvalidFragmentedSecurity) {
		t.Fatalf("expected ErrInvalidFragmentedSecurity, got %v", err)
	}
}

func TestBundleAddExtensionBlockSkipsReservedNumbers(t *testing.T) {
	primary := NewPrimaryBlock(0, MustParseEID("dtn://dst/"), MustParseEID("dtn://src/"), NewCreationTimestamp(0), uint64(time.Minute.Microseconds()))
	b := MustNewBundle(primary, []CanonicalBlock{NewPayloadBlock(0, []byte("x"))})

	b.AddExtensionBlock(NewHopCountBlock(10))
	b.AddExtensionBlock(NewBundleAgeBlock(0))

	numbers := map[uint64]bool{}
	for _, cb := range b.CanonicalBlocks {
		if numbers[cb.BlockNumber] {
			t.Fatalf("duplicate block number %d", cb.BlockNumber)
		}
		numbers[cb.BlockNumber] = true
	}
	if !numbers[1] || !numbers[2] || !numbers[3] {
		t.Fatalf("expected block numbers 1,2,3, got %v", numbers)
	}
}

func TestBundleRoundTripPreservesBlockOrder(t *testing.T) {
	primary := NewPrimaryBlock(0, MustParseEID("dtn://dst/"), MustParseEID("dtn://src/"), NewCreationTimestamp(0), uint64(time.Minute.Microseconds()))
	b := MustNewBundle(primary, []CanonicalBlock{NewPayloadBlock(0, []byte("x"))})
	b.AddExtensionBlock(NewHopCountBlock(10))
	b.AddExtensionBlock(NewPreviousNodeBlock(MustParseEID("dtn://relay/")))

	buf := new(bytes.Buffer)
	if err := b.MarshalCbor(buf); err != nil {
		t.Fatal(err)
	}
	var b2 Bundle
	if err := b2.UnmarshalCbor(buf); err != nil {
		t.Fatal(err)
	}
	if len(b2.CanonicalBlocks) != 3 {
		t.Fatalf("expected 3 canonical blocks, got %d", len(b2.CanonicalBlocks))
	}
	if !b2.CanonicalBlocks[len(b2.CanonicalBlocks)-1].IsPayload() {
		t.Fatal("payload block must stay last")
	}
}
