package bpv7

import (
	"fmt"
	"io"
	"sort"

	multierror "github.com/hashicorp/go-multierror"

	"github.com/dtn7/cboring"
)

// Bundle is a primary block plus its ordered canonical blocks, with the
// payload block always present and always last (spec §3.2).
type Bundle struct {
	Primary         PrimaryBlock
	CanonicalBlocks []CanonicalBlock
}

// NewBundle validates primary/canonicals before returning the Bundle.
func NewBundle(primary PrimaryBlock, canonicals []CanonicalBlock) (Bundle, error) {
	b := MustNewBundle(primary, canonicals)
	return b, b.CheckValid()
}

// MustNewBundle builds a Bundle without validation.
func MustNewBundle(primary PrimaryBlock, canonicals []CanonicalBlock) Bundle {
	b := Bundle{Primary: primary, CanonicalBlocks: canonicals}
	b.sortBlocks()
	return b
}

// sortBlocks orders canonical blocks with the payload block last,
// otherwise preserving relative order — matching the "primary, extension
// blocks in original order, payload last" canonical re-emission rule.
func (b *Bundle) sortBlocks() {
	sort.SliceStable(b.CanonicalBlocks, func(i, j int) bool {
		return !b.CanonicalBlocks[i].IsPayload() && b.CanonicalBlocks[j].IsPayload()
	})
}

// PayloadBlock returns the payload block, or an error if absent.
func (b *Bundle) PayloadBlock() (*CanonicalBlock, error) {
	for i := range b.CanonicalBlocks {
		if b.CanonicalBlocks[i].IsPayload() {
			return &b.CanonicalBlocks[i], nil
		}
	}
	return nil, fmt.Errorf("bpv7: bundle has no payload block")
}

// ExtensionBlocks returns every canonical block of the given type code.
func (b *Bundle) ExtensionBlocks(typeCode uint64) []*CanonicalBlock {
	var out []*CanonicalBlock
	for i := range b.CanonicalBlocks {
		if b.CanonicalBlocks[i].BlockType == typeCode {
			out = append(out, &b.CanonicalBlocks[i])
		}
	}
	return out
}

// ExtensionBlock returns the single canonical block of the given type, or
// an error if there is none or more than one.
func (b *Bundle) ExtensionBlock(typeCode uint64) (*CanonicalBlock, error) {
	blocks := b.ExtensionBlocks(typeCode)
	if len(blocks) != 1 {
		return nil, fmt.Errorf("bpv7: expected exactly one block of type %d, found %d", typeCode, len(blocks))
	}
	return blocks[0], nil
}

// HasExtensionBlock reports whether a block of the given type is present.
func (b *Bundle) HasExtensionBlock(typeCode uint64) bool {
	return len(b.ExtensionBlocks(typeCode)) > 0
}

// BlockByNumber finds a canonical block by block number.
func (b *Bundle) BlockByNumber(number uint64) (*CanonicalBlock, bool) {
	for i := range b.CanonicalBlocks {
		if b.CanonicalBlocks[i].BlockNumber == number {
			return &b.CanonicalBlocks[i], true
		}
	}
	return nil, false
}

// AddExtensionBlock assigns the next free block number (never 1, which is
// reserved for the payload) and appends block, maintaining canonical
// order.
func (b *Bundle) AddExtensionBlock(block CanonicalBlock) {
	used := map[uint64]bool{}
	for _, cb := range b.CanonicalBlocks {
		used[cb.BlockNumber] = true
	}
	n := uint64(2)
	for used[n] {
		n++
	}
	block.BlockNumber = n
	b.CanonicalBlocks = append(b.CanonicalBlocks, block)
	b.sortBlocks()
}

// RemoveBlockByNumber removes a canonical block by number, a no-op if
// absent.
func (b *Bundle) RemoveBlockByNumber(number uint64) {
	for i := range b.CanonicalBlocks {
		if b.CanonicalBlocks[i].BlockNumber == number {
			b.CanonicalBlocks = append(b.CanonicalBlocks[:i], b.CanonicalBlocks[i+1:]...)
			return
		}
	}
}

// CheckValid aggregates every bundle-level invariant from spec §3.2: a
// unique payload block numbered 1, unique block numbers throughout, no
// BIB/BCB alongside fragmentation, and a Bundle Age block whenever the
// creation time is zero.
func (b Bundle) CheckValid() (errs error) {
	if err := b.Primary.CheckValid(); err != nil {
		errs = multierror.Append(errs, err)
	}

	seen := map[uint64]bool{}
	payloadCount := 0
	for _, cb := range b.CanonicalBlocks {
		if err := cb.CheckValid(); err != nil {
			errs = multierror.Append(errs, err)
		}
		if seen[cb.BlockNumber] {
			errs = multierror.Append(errs, fmt.Errorf("bundle: duplicate block number %d", cb.BlockNumber))
		}
		seen[cb.BlockNumber] = true
		if cb.IsPayload() {
			payloadCount++
		}
	}
	if payloadCount != 1 {
		errs = multierror.Append(errs, fmt.Errorf("bundle: expected exactly one payload block, found %d", payloadCount))
	}

	if b.Primary.HasFragmentation() {
		if b.HasExtensionBlock(ExtBlockTypeBlockIntegrity) || b.HasExtensionBlock(ExtBlockTypeBlockConfidentiality) {
			errs = multierror.Append(errs, ErrInvalidFragmentedSecurity)
		}
	}

	if b.Primary.CreationTimestamp.Time == 0 && !b.HasExtensionBlock(ExtBlockTypeBundleAge) {
		errs = multierror.Append(errs, fmt.Errorf("bundle: creation time is zero but no Bundle Age block is present"))
	}

	return errs
}

// MarshalCbor writes the bundle as an indefinite-length CBOR array of the
// primary block followed by canonical blocks, per RFC 9171 §4.1.
func (b *Bundle) MarshalCbor(w io.Writer) error {
	if _, err := w.Write([]byte{cboring.IndefiniteArray}); err != nil {
		return err
	}
	if err := b.Primary.MarshalCbor(w); err != nil {
		return fmt.Errorf("bpv7: primary block: %w", err)
	}
	for i := range b.CanonicalBlocks {
		if err := b.CanonicalBlocks[i].MarshalCbor(w); err != nil {
			return fmt.Errorf("bpv7: canonical block: %w", err)
		}
	}
	_, err := w.Write([]byte{cboring.BreakCode})
	return err
}

// UnmarshalCbor reads a bundle's CBOR representation without validating
// it; callers that need validation call CheckValid or use ParseChecked.
func (b *Bundle) UnmarshalCbor(r io.Reader) error {
	if err := cboring.ReadExpect(cboring.IndefiniteArray, r); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCBOR, err)
	}
	if err := b.Primary.UnmarshalCbor(r); err != nil {
		return fmt.Errorf("%w: primary block: %v", ErrInvalidBundle, err)
	}

	for {
		var cb CanonicalBlock
		err := cb.UnmarshalCbor(r)
		if err == cboring.FlagBreakCode {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBlockUnintelligible, err)
		}
		b.CanonicalBlocks = append(b.CanonicalBlocks, cb)
	}
	return nil
}

// ParseBundle decodes a bundle from r without rewriting rules (callers
// wanting spec §4.2.1's three parse modes use InspectBundle, ParseChecked
// or ParseRewritten instead).
func ParseBundle(r io.Reader) (Bundle, error) {
	var b Bundle
	err := cboring.Unmarshal(&b, r)
	return b, err
}

// WriteBundle writes b's raw CBOR encoding to w.
func (b *Bundle) WriteBundle(w io.Writer) error {
	return cboring.Marshal(b, w)
}
