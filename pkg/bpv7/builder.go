package bpv7

import (
	"fmt"
	"time"
)

// Builder assembles a Bundle by method chaining, accumulating the first
// error encountered and returning it from Build.
//
//	b, err := bpv7.NewBuilder().
//		Source(src).
//		Destination(dst).
//		CreationTimestampNow(0).
//		Lifetime(30 * time.Minute).
//		HopCountBlock(64).
//		Payload(0, []byte("hello world")).
//		Build()
type Builder struct {
	err error

	primary          PrimaryBlock
	canonicals       []CanonicalBlock
	canonicalCounter uint64
	reportToSet      bool
}

// NewBuilder starts a new Builder with sane defaults: CRC32C on the
// primary block and no canonical blocks.
func NewBuilder() *Builder {
	return &Builder{
		primary:          PrimaryBlock{Version: dtnVersion, CRCType: CRC32C},
		canonicalCounter: 2,
	}
}

// Error returns the first error this Builder encountered, or nil.
func (b *Builder) Error() error { return b.err }

func (b *Builder) fail(err error) *Builder {
	if b.err == nil {
		b.err = err
	}
	return b
}

// Source sets the bundle's source endpoint.
func (b *Builder) Source(eid EndpointID) *Builder {
	b.primary.SourceNode = eid
	return b
}

// Destination sets the bundle's destination endpoint.
func (b *Builder) Destination(eid EndpointID) *Builder {
	b.primary.Destination = eid
	return b
}

// ReportTo sets the bundle's report-to endpoint, overriding the
// Build-time default of ReportTo == Source.
func (b *Builder) ReportTo(eid EndpointID) *Builder {
	b.primary.ReportTo = eid
	b.reportToSet = true
	return b
}

// CreationTimestampNow sets the creation timestamp to the current time
// with the given sequence number.
func (b *Builder) CreationTimestampNow(sequence uint64) *Builder {
	b.primary.CreationTimestamp = NewCreationTimestamp(sequence)
	return b
}

// CreationTimestampZero sets a zero creation time, per spec §3.2 this
// requires a companion Bundle Age block (added automatically by
// BundleAgeBlock, or required explicitly before Build).
func (b *Builder) CreationTimestampZero(sequence uint64) *Builder {
	b.primary.CreationTimestamp = CreationTimestamp{Sequence: sequence}
	return b
}

// Lifetime sets the bundle's lifetime.
func (b *Builder) Lifetime(d time.Duration) *Builder {
	if d <= 0 {
		return b.fail(fmt.Errorf("bpv7: lifetime %s must be positive", d))
	}
	b.primary.Lifetime = uint64(d.Microseconds())
	return b
}

// ControlFlags ORs extra flags into the primary block's control flags.
func (b *Builder) ControlFlags(flags BundleControlFlags) *Builder {
	b.primary.BundleControlFlags |= flags
	return b
}

// CRC sets the primary block's CRC type, overriding the default of
// CRC32C. Canonical blocks keep the CRC type they were built with.
func (b *Builder) CRC(t CRCType) *Builder {
	b.primary.CRCType = t
	return b
}

func (b *Builder) nextCanonicalNumber() uint64 {
	n := b.canonicalCounter
	b.canonicalCounter++
	return n
}

// Canonical appends a pre-built extension block, assigning it the next
// free block number.
func (b *Builder) Canonical(cb CanonicalBlock) *Builder {
	if cb.IsPayload() {
		return b.fail(fmt.Errorf("bpv7: use Payload to add the payload block"))
	}
	cb.BlockNumber = b.nextCanonicalNumber()
	b.canonicals = append(b.canonicals, cb)
	return b
}

// Payload sets the bundle's payload block (block number 1) to data,
// under the given block control flags.
func (b *Builder) Payload(flags BlockControlFlags, data []byte) *Builder {
	b.canonicals = append(b.canonicals, NewPayloadBlock(flags, data))
	return b
}

// HopCountBlock adds a Hop Count extension block with the given limit.
func (b *Builder) HopCountBlock(limit uint8) *Builder {
	return b.Canonical(NewHopCountBlock(limit))
}

// BundleAgeBlock adds a Bundle Age extension block seeded at zero.
func (b *Builder) BundleAgeBlock() *Builder {
	return b.Canonical(NewBundleAgeBlock(0))
}

// PreviousNodeBlock adds a Previous Node extension block.
func (b *Builder) PreviousNodeBlock(node EndpointID) *Builder {
	return b.Canonical(NewPreviousNodeBlock(node))
}

// Build finalizes the bundle, defaulting ReportTo to Source when unset
// and validating the result with CheckValid.
func (b *Builder) Build() (Bundle, error) {
	if b.err != nil {
		return Bundle{}, b.err
	}
	if !b.reportToSet {
		b.primary.ReportTo = b.primary.SourceNode
	}
	if b.primary.SourceNode.IsNull() && b.primary.Destination.IsNull() {
		return Bundle{}, fmt.Errorf("bpv7: source and destination must not both be null")
	}
	return NewBundle(b.primary, b.canonicals)
}
