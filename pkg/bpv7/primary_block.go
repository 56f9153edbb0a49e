package bpv7

import (
	"bytes"
	"fmt"
	"io"

	multierror "github.com/hashicorp/go-multierror"

	"github.com/dtn7/cboring"
)

// dtnVersion is the only BPv7 version this codec accepts.
const dtnVersion uint64 = 7

// PrimaryBlock is the bundle's mandatory first block (spec §3.2).
type PrimaryBlock struct {
	Version            uint64
	BundleControlFlags BundleControlFlags
	CRCType            CRCType
	Destination        EndpointID
	SourceNode         EndpointID
	ReportTo           EndpointID
	CreationTimestamp  CreationTimestamp
	Lifetime           uint64 // microseconds

	FragmentOffset  uint64
	TotalDataLength uint64

	CRC []byte
}

// NewPrimaryBlock builds a primary block for local origination, defaulting
// to CRC32C, ReportTo == SourceNode and no fragmentation.
func NewPrimaryBlock(flags BundleControlFlags, destination, sourceNode EndpointID, ts CreationTimestamp, lifetime uint64) PrimaryBlock {
	return PrimaryBlock{
		Version:            dtnVersion,
		BundleControlFlags: flags,
		CRCType:            CRC32C,
		Destination:        destination,
		SourceNode:         sourceNode,
		ReportTo:           sourceNode,
		CreationTimestamp:  ts,
		Lifetime:           lifetime,
	}
}

// HasFragmentation reports whether the IsFragment flag is set.
func (pb PrimaryBlock) HasFragmentation() bool {
	return pb.BundleControlFlags.Has(BundleIsFragment)
}

// HasCRC reports whether a CRC value is present.
func (pb PrimaryBlock) HasCRC() bool { return pb.CRCType != CRCNo }

// CheckValid aggregates every violated primary-block invariant.
func (pb PrimaryBlock) CheckValid() (errs error) {
	if pb.Version != dtnVersion {
		errs = multierror.Append(errs, fmt.Errorf("primary block: version must be %d, got %d", dtnVersion, pb.Version))
	}
	if err := pb.BundleControlFlags.CheckValid(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if pb.CreationTimestamp.Time == 0 {
		// Caller must verify a Bundle Age extension block exists; that
		// cross-block invariant is checked at the Bundle level.
	}
	if pb.HasFragmentation() && pb.FragmentOffset+0 > pb.TotalDataLength {
		// offset itself may legally equal total length for a zero-length
		// tail fragment; only a corrupt offset beyond total is invalid.
		errs = multierror.Append(errs, fmt.Errorf("primary block: fragment offset %d exceeds total data length %d", pb.FragmentOffset, pb.TotalDataLength))
	}
	return errs
}

// arrayLength returns the primary block's CBOR array length: 8 without
// fragmentation or CRC, up to 11 with both.
func (pb PrimaryBlock) arrayLength() uint64 {
	n := uint64(8)
	if pb.HasFragmentation() {
		n += 2
	}
	if pb.HasCRC() {
		n++
	}
	return n
}

// MarshalCbor writes the primary block's CBOR representation, computing
// its CRC over the fully-encoded block with the CRC field zeroed.
func (pb *PrimaryBlock) MarshalCbor(w io.Writer) error {
	crcBuf := new(bytes.Buffer)
	mw := io.MultiWriter(w, crcBuf)

	if err := cboring.WriteArrayLength(pb.arrayLength(), mw); err != nil {
		return err
	}
	for _, f := range []uint64{dtnVersion, uint64(pb.BundleControlFlags), uint64(pb.CRCType)} {
		if err := cboring.WriteUInt(f, mw); err != nil {
			return err
		}
	}
	for _, eid := range []*EndpointID{&pb.Destination, &pb.SourceNode, &pb.ReportTo} {
		if err := eid.MarshalCbor(mw); err != nil {
			return fmt.Errorf("primary block: endpoint id: %w", err)
		}
	}
	if err := pb.CreationTimestamp.MarshalCbor(mw); err != nil {
		return fmt.Errorf("primary block: creation timestamp: %w", err)
	}
	if err := cboring.WriteUInt(pb.Lifetime, mw); err != nil {
		return err
	}
	if pb.HasFragmentation() {
		if err := cboring.WriteUInt(pb.FragmentOffset, mw); err != nil {
			return err
		}
		if err := cboring.WriteUInt(pb.TotalDataLength, mw); err != nil {
			return err
		}
	}

	if pb.HasCRC() {
		crc := calculateCRC(pb.CRCType, crcBuf.Bytes())
		if err := cboring.WriteByteString(crc, w); err != nil {
			return err
		}
		pb.CRC = crc
	}
	return nil
}

// UnmarshalCbor reads a primary block's CBOR representation, validating
// its CRC against the block's own encoded bytes with the field zeroed.
func (pb *PrimaryBlock) UnmarshalCbor(r io.Reader) error {
	crcBuf := new(bytes.Buffer)
	tr := io.TeeReader(r, crcBuf)

	length, err := cboring.ReadArrayLength(tr)
	if err != nil {
		return err
	}
	if length < 8 || length > 11 {
		return fmt.Errorf("primary block: expected array of 8 to 11 elements, got %d", length)
	}

	version, err := cboring.ReadUInt(tr)
	if err != nil {
		return err
	}
	if version != dtnVersion {
		return fmt.Errorf("primary block: expected version %d, got %d", dtnVersion, version)
	}
	pb.Version = version

	bcf, err := cboring.ReadUInt(tr)
	if err != nil {
		return err
	}
	pb.BundleControlFlags = BundleControlFlags(bcf)

	crcType, err := cboring.ReadUInt(tr)
	if err != nil {
		return err
	}
	pb.CRCType = CRCType(crcType)

	for _, eid := range []*EndpointID{&pb.Destination, &pb.SourceNode, &pb.ReportTo} {
		if err := eid.UnmarshalCbor(tr); err != nil {
			return fmt.Errorf("primary block: endpoint id: %w", err)
		}
	}
	if err := pb.CreationTimestamp.UnmarshalCbor(tr); err != nil {
		return fmt.Errorf("primary block: creation timestamp: %w", err)
	}
	if pb.Lifetime, err = cboring.ReadUInt(tr); err != nil {
		return err
	}

	hasFrag := length == 10 || length == 11
	if hasFrag {
		if pb.FragmentOffset, err = cboring.ReadUInt(tr); err != nil {
			return err
		}
		if pb.TotalDataLength, err = cboring.ReadUInt(tr); err != nil {
			return err
		}
	}

	hasCRC := length == 9 || length == 11
	if hasCRC {
		want := calculateCRC(pb.CRCType, crcBuf.Bytes())
		got, err := cboring.ReadByteString(r)
		if err != nil {
			return err
		}
		if !bytes.Equal(want, got) {
			return fmt.Errorf("%w: primary block CRC mismatch: got %x, want %x", ErrInvalidBundle, got, want)
		}
		pb.CRC = got
	}

	return nil
}
