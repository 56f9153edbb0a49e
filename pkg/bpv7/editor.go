package bpv7

import (
	"bytes"
	"fmt"

	"github.com/dtn7/cboring"
)

// Editor mutates a previously-parsed bundle and re-encodes only the
// blocks it actually touched, copying every untouched block's original
// bytes through verbatim. Obtain one with NewEditor; there is no
// teacher-side equivalent to ground this on directly (dtn7-gold always
// re-serializes the whole bundle), so its shape follows pkg/cbor's
// byte-range tracking discipline instead.
type Editor struct {
	primary      PrimaryBlock
	primaryRaw   []byte
	primaryTouch bool

	order   []uint64 // block numbers in original order
	blocks  map[uint64]CanonicalBlock
	raw     map[uint64][]byte
	touched map[uint64]bool

	err error
}

// NewEditor parses data and records each block's original byte range so
// Build can copy untouched blocks through without re-encoding them.
func NewEditor(data []byte) (*Editor, error) {
	r := bytes.NewReader(data)

	if err := cboring.ReadExpect(cboring.IndefiniteArray, r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCBOR, err)
	}

	primaryStart := len(data) - r.Len()
	var primary PrimaryBlock
	if err := primary.UnmarshalCbor(r); err != nil {
		return nil, fmt.Errorf("%w: primary block: %v", ErrInvalidBundle, err)
	}
	primaryEnd := len(data) - r.Len()

	e := &Editor{
		primary:    primary,
		primaryRaw: append([]byte(nil), data[primaryStart:primaryEnd]...),
		blocks:     map[uint64]CanonicalBlock{},
		raw:        map[uint64][]byte{},
		touched:    map[uint64]bool{},
	}

	for {
		peek, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
		}
		if peek == cboring.BreakCode {
			break
		}
		if err := r.UnreadByte(); err != nil {
			return nil, err
		}

		start := len(data) - r.Len()
		var cb CanonicalBlock
		if err := cb.UnmarshalCbor(r); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBlockUnintelligible, err)
		}
		end := len(data) - r.Len()

		e.order = append(e.order, cb.BlockNumber)
		e.blocks[cb.BlockNumber] = cb
		e.raw[cb.BlockNumber] = append([]byte(nil), data[start:end]...)
	}

	return e, nil
}

func (e *Editor) fail(err error) *Editor {
	if e.err == nil {
		e.err = err
	}
	return e
}

// checkTouchAllowed refuses to touch a block under known BIB coverage
// unless the caller already acknowledged the resulting invalidation by
// passing allowInvalidation.
func (e *Editor) checkTouchAllowed(number uint64, allowInvalidation bool) bool {
	cb, ok := e.blocks[number]
	if !ok || cb.Coverage != BibCoverageKnown {
		return true
	}
	if allowInvalidation {
		return true
	}
	e.fail(fmt.Errorf("%w: block %d is protected by BIB %d", ErrSecurityInvalidated, number, cb.BibBlockNumber))
	return false
}

// TouchPrimary marks the primary block as modified by fn, forcing it to
// be re-encoded (and its CRC recomputed) on Build.
func (e *Editor) TouchPrimary(fn func(*PrimaryBlock)) *Editor {
	if e.err != nil {
		return e
	}
	fn(&e.primary)
	e.primaryTouch = true
	return e
}

// SetDestination rewrites the primary block's destination.
func (e *Editor) SetDestination(eid EndpointID) *Editor {
	return e.TouchPrimary(func(pb *PrimaryBlock) { pb.Destination = eid })
}

// SetLifetime rewrites the primary block's lifetime in microseconds.
func (e *Editor) SetLifetime(microseconds uint64) *Editor {
	return e.TouchPrimary(func(pb *PrimaryBlock) { pb.Lifetime = microseconds })
}

// OrBundleControlFlags ORs extra control flags into the primary block.
func (e *Editor) OrBundleControlFlags(flags BundleControlFlags) *Editor {
	return e.TouchPrimary(func(pb *PrimaryBlock) { pb.BundleControlFlags |= flags })
}

// ReplacePayload replaces the payload block's data, failing if the
// payload is under known BIB coverage and allowInvalidation is false.
func (e *Editor) ReplacePayload(data []byte, allowInvalidation bool) *Editor {
	if e.err != nil {
		return e
	}
	if !e.checkTouchAllowed(1, allowInvalidation) {
		return e
	}
	cb, ok := e.blocks[1]
	if !ok {
		return e.fail(fmt.Errorf("bpv7: bundle has no payload block"))
	}
	cb.Data = data
	e.blocks[1] = cb
	e.touched[1] = true
	return e
}

// ReplaceBlock replaces an existing extension block's content, failing
// if it is under known BIB coverage and allowInvalidation is false.
func (e *Editor) ReplaceBlock(number uint64, data []byte, allowInvalidation bool) *Editor {
	if e.err != nil {
		return e
	}
	if !e.checkTouchAllowed(number, allowInvalidation) {
		return e
	}
	cb, ok := e.blocks[number]
	if !ok {
		return e.fail(fmt.Errorf("bpv7: no block numbered %d", number))
	}
	cb.Data = data
	if factory, ok := extensionBlockFactories[cb.BlockType]; ok {
		if typed, terr := factory(data); terr == nil {
			cb.Typed = typed
		}
	}
	e.blocks[number] = cb
	e.touched[number] = true
	return e
}

// AddExtensionBlock appends a new canonical block, assigning it the next
// free block number.
func (e *Editor) AddExtensionBlock(cb CanonicalBlock) *Editor {
	if e.err != nil {
		return e
	}
	used := map[uint64]bool{}
	for _, n := range e.order {
		used[n] = true
	}
	n := uint64(2)
	for used[n] {
		n++
	}
	cb.BlockNumber = n
	e.blocks[n] = cb
	e.touched[n] = true

	payloadIdx := len(e.order)
	for i, existing := range e.order {
		if existing == 1 {
			payloadIdx = i
			break
		}
	}
	e.order = append(e.order, 0)
	copy(e.order[payloadIdx+1:], e.order[payloadIdx:])
	e.order[payloadIdx] = n
	return e
}

// RemoveBlock drops a block by number, failing if it is under known BIB
// coverage and allowInvalidation is false. Removing a block does not by
// itself adjust any BIB/BCB target list; callers working with BPSec-
// protected bundles should drop the security block first.
func (e *Editor) RemoveBlock(number uint64, allowInvalidation bool) *Editor {
	if e.err != nil {
		return e
	}
	if number == 1 {
		return e.fail(fmt.Errorf("bpv7: cannot remove the payload block"))
	}
	if !e.checkTouchAllowed(number, allowInvalidation) {
		return e
	}
	delete(e.blocks, number)
	delete(e.raw, number)
	delete(e.touched, number)
	for i, n := range e.order {
		if n == number {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	return e
}

// Error returns the first error this Editor encountered, or nil.
func (e *Editor) Error() error { return e.err }

// Build re-encodes the bundle: untouched blocks are copied from their
// original bytes verbatim; touched blocks (and the primary block, if
// touched) are freshly marshalled with a recomputed CRC.
func (e *Editor) Build() ([]byte, Bundle, error) {
	if e.err != nil {
		return nil, Bundle{}, e.err
	}

	blocks := make([]CanonicalBlock, 0, len(e.order))
	for _, n := range e.order {
		blocks = append(blocks, e.blocks[n])
	}
	b := MustNewBundle(e.primary, blocks)
	if errs := b.CheckValid(); errs != nil {
		return nil, Bundle{}, errs
	}

	buf := new(bytes.Buffer)
	if _, err := buf.Write([]byte{cboring.IndefiniteArray}); err != nil {
		return nil, Bundle{}, err
	}

	if e.primaryTouch {
		if err := e.primary.MarshalCbor(buf); err != nil {
			return nil, Bundle{}, fmt.Errorf("bpv7: primary block: %w", err)
		}
	} else {
		buf.Write(e.primaryRaw)
	}

	for _, n := range e.order {
		if e.touched[n] {
			cb := e.blocks[n]
			if err := cb.MarshalCbor(buf); err != nil {
				return nil, Bundle{}, fmt.Errorf("bpv7: block %d: %w", n, err)
			}
			e.blocks[n] = cb
		} else {
			buf.Write(e.raw[n])
		}
	}

	if _, err := buf.Write([]byte{cboring.BreakCode}); err != nil {
		return nil, Bundle{}, err
	}

	return buf.Bytes(), b, nil
}
