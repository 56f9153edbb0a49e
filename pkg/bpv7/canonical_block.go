package bpv7

import (
	"bytes"
	"fmt"
	"io"

	multierror "github.com/hashicorp/go-multierror"

	"github.com/dtn7/cboring"
)

// BibCoverage records whether, and how, a block is protected by a Block
// Integrity Block (spec §4.2.2).
type BibCoverage uint8

const (
	// BibCoverageNone means no BIB targets this block.
	BibCoverageNone BibCoverage = iota
	// BibCoverageKnown means a specific, currently-decrypted BIB targets
	// this block; BibBlockNumber names it.
	BibCoverageKnown
	// BibCoverageMaybe means an encrypted BCB might hide a BIB that targets
	// this block; coverage cannot be determined until decryption.
	BibCoverageMaybe
)

// CanonicalBlock is any non-primary block in a bundle (spec §3.2): the
// payload block (always block number 1) or an extension block.
type CanonicalBlock struct {
	BlockType   uint64
	BlockNumber uint64
	Flags       BlockControlFlags
	CRCType     CRCType
	CRC         []byte

	// Data is this block's raw byte-string content, exactly as it appears
	// on the wire (or will be emitted). It is always populated, even for
	// block types with a typed view below, so unmodified blocks can be
	// re-emitted byte-for-byte.
	Data []byte

	// Typed is the decoded view of Data for block types this codec
	// recognises (HopCount, PreviousNode, BundleAge, ...). It is nil for
	// unrecognised types and for the payload block.
	Typed ExtensionBlockData

	// Coverage reflects BPSec's progressive-disclosure state for this
	// block; populated by the security engine, not by the wire codec.
	Coverage BibCoverage
	BibBlockNumber uint64
}

// NewPayloadBlock wraps payload bytes as block number 1.
func NewPayloadBlock(flags BlockControlFlags, payload []byte) CanonicalBlock {
	return CanonicalBlock{BlockType: ExtBlockTypePayload, BlockNumber: 1, Flags: flags, CRCType: CRC32C, Data: payload}
}

// NewExtensionBlock wraps data under typeCode with block number 0 (the
// caller, or Bundle.AddExtensionBlock, must assign a real number).
func NewExtensionBlock(typeCode uint64, flags BlockControlFlags, data []byte) CanonicalBlock {
	cb := CanonicalBlock{BlockType: typeCode, Flags: flags, CRCType: CRC32C, Data: data}
	if factory, ok := extensionBlockFactories[typeCode]; ok {
		if typed, err := factory(data); err == nil {
			cb.Typed = typed
		}
	}
	return cb
}

// HasCRC reports whether a CRC value is present.
func (cb CanonicalBlock) HasCRC() bool { return cb.CRCType != CRCNo }

// IsPayload reports whether this is the payload block.
func (cb CanonicalBlock) IsPayload() bool { return cb.BlockType == ExtBlockTypePayload }

// CheckValid aggregates every violated canonical-block invariant.
func (cb CanonicalBlock) CheckValid() (errs error) {
	if cb.IsPayload() && cb.BlockNumber != 1 {
		errs = multierror.Append(errs, fmt.Errorf("canonical block: payload block must be block number 1, got %d", cb.BlockNumber))
	}
	if err := cb.Flags.CheckValid(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs
}

func (cb CanonicalBlock) arrayLength() uint64 {
	if cb.HasCRC() {
		return 6
	}
	return 5
}

// MarshalCbor writes this block's CBOR representation, computing its CRC
// over the fully-encoded block with the field zeroed.
func (cb *CanonicalBlock) MarshalCbor(w io.Writer) error {
	crcBuf := new(bytes.Buffer)
	mw := io.MultiWriter(w, crcBuf)

	if err := cboring.WriteArrayLength(cb.arrayLength(), mw); err != nil {
		return err
	}
	for _, f := range []uint64{cb.BlockType, cb.BlockNumber, uint64(cb.Flags), uint64(cb.CRCType)} {
		if err := cboring.WriteUInt(f, mw); err != nil {
			return err
		}
	}
	if err := cboring.WriteByteString(cb.Data, mw); err != nil {
		return err
	}

	if cb.HasCRC() {
		crc := calculateCRC(cb.CRCType, crcBuf.Bytes())
		if err := cboring.WriteByteString(crc, w); err != nil {
			return err
		}
		cb.CRC = crc
	}
	return nil
}

// UnmarshalCbor reads a block's CBOR representation, validating its CRC.
func (cb *CanonicalBlock) UnmarshalCbor(r io.Reader) error {
	crcBuf := new(bytes.Buffer)
	tr := io.TeeReader(r, crcBuf)

	length, err := cboring.ReadArrayLength(tr)
	if err != nil {
		return err
	}
	if length != 5 && length != 6 {
		return fmt.Errorf("%w: canonical block expects array of 5 or 6 elements, got %d", ErrBlockUnintelligible, length)
	}

	if cb.BlockType, err = cboring.ReadUInt(tr); err != nil {
		return err
	}
	if cb.BlockNumber, err = cboring.ReadUInt(tr); err != nil {
		return err
	}
	flags, err := cboring.ReadUInt(tr)
	if err != nil {
		return err
	}
	cb.Flags = BlockControlFlags(flags)
	crcType, err := cboring.ReadUInt(tr)
	if err != nil {
		return err
	}
	cb.CRCType = CRCType(crcType)

	data, err := cboring.ReadByteString(tr)
	if err != nil {
		return fmt.Errorf("%w: block type %d: %v", ErrBlockUnintelligible, cb.BlockType, err)
	}
	cb.Data = data
	if factory, ok := extensionBlockFactories[cb.BlockType]; ok {
		if typed, terr := factory(data); terr == nil {
			cb.Typed = typed
		}
	}

	if length == 6 {
		want := calculateCRC(cb.CRCType, crcBuf.Bytes())
		got, err := cboring.ReadByteString(r)
		if err != nil {
			return err
		}
		if !bytes.Equal(want, got) {
			return fmt.Errorf("%w: block %d CRC mismatch", ErrBlockUnintelligible, cb.BlockNumber)
		}
		cb.CRC = got
	}

	return nil
}
