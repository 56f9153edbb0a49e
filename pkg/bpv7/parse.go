package bpv7

import (
	"bytes"
	"fmt"
	"io"

	"github.com/dtn7/cboring"
)

// securityTargetAdjuster rewrites a BIB/BCB block's raw content after one
// of its targets was dropped, returning the new content and whether the
// target list is now empty (in which case the security block itself must
// be dropped too). pkg/bpsec registers an adjuster per security block
// type at init time; pkg/bpv7 stays unaware of BPSec's wire format.
type securityTargetAdjuster func(data []byte, droppedBlockNumber uint64) (newData []byte, empty bool, err error)

var securityTargetAdjusters = map[uint64]securityTargetAdjuster{}

// RegisterSecurityTargetAdjuster lets pkg/bpsec teach the Rewritten parse
// mode how to drop a target from its own block types.
func RegisterSecurityTargetAdjuster(blockType uint64, adjuster securityTargetAdjuster) {
	securityTargetAdjusters[blockType] = adjuster
}

// InspectBundle parses data far enough to report whether it is already
// structurally canonical, without rewriting anything. Used for quick
// routing decisions that do not need a fully decoded Bundle.
func InspectBundle(data []byte) (canonical bool, err error) {
	b, err := ParseBundle(bytes.NewReader(data))
	if err != nil {
		return false, err
	}
	reencoded, err := encodeBundle(&b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(reencoded, data), nil
}

// ParseChecked decodes data and re-encodes it canonically (shortest-form
// CBOR, blocks in canonical order), without removing unknown blocks. Used
// for locally-originated bundles, which are trusted but may have been
// assembled out of canonical order.
func ParseChecked(data []byte) (Bundle, []byte, error) {
	b, err := ParseBundle(bytes.NewReader(data))
	if err != nil {
		return Bundle{}, nil, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}
	if errs := b.CheckValid(); errs != nil {
		return Bundle{}, nil, errs
	}
	rewritten, err := encodeBundle(&b)
	if err != nil {
		return Bundle{}, nil, err
	}
	return b, rewritten, nil
}

// RewriteOutcomeKind discriminates ParseRewritten's three possible
// results, per spec §4.2.1.
type RewriteOutcomeKind int

const (
	OutcomeValid RewriteOutcomeKind = iota
	OutcomeRewritten
	OutcomeInvalid
)

// RecoveredMetadata is whatever ParseRewritten could salvage from an
// otherwise-invalid bundle, enough to address a status report to the
// source.
type RecoveredMetadata struct {
	SourceNode        EndpointID
	CreationTimestamp CreationTimestamp
	ReportTo          EndpointID
}

// RewriteOutcome is the result of ParseRewritten.
type RewriteOutcome struct {
	Kind   RewriteOutcomeKind
	Bundle Bundle
	Bytes  []byte // populated when Kind == OutcomeRewritten

	Reason            string
	RecoveredMetadata *RecoveredMetadata // populated when Kind == OutcomeInvalid

	// PendingReports lists block numbers whose ReportOnFailure flag was
	// set, for the dispatcher to turn into status reports once RefBundle
	// is known.
	PendingReports []uint64
}

// ParseRewritten decodes data with full RFC 9171 rewriting rules: a
// block that fails its CRC is dropped, fails the whole bundle, or is
// dropped and flagged for a status report, per its block control flags. A
// block whose byte-string framing is itself corrupt desynchronises the
// stream and cannot be recovered from regardless of its flags, since no
// further block boundary can be located; such bundles are always
// Invalid.
func ParseRewritten(data []byte) (*RewriteOutcome, error) {
	r := bytes.NewReader(data)

	if err := cboring.ReadExpect(cboring.IndefiniteArray, r); err != nil {
		return &RewriteOutcome{Kind: OutcomeInvalid, Reason: "malformed bundle array: " + err.Error()}, nil
	}

	var primary PrimaryBlock
	if err := primary.UnmarshalCbor(r); err != nil {
		return &RewriteOutcome{Kind: OutcomeInvalid, Reason: "primary block: " + err.Error()}, nil
	}

	recovered := &RecoveredMetadata{
		SourceNode:        primary.SourceNode,
		CreationTimestamp: primary.CreationTimestamp,
		ReportTo:          primary.ReportTo,
	}

	var (
		blocks         []CanonicalBlock
		rewritten      bool
		pendingReports []uint64
		dropped        []uint64
	)

	for {
		cb, failedFlags, failedNumber, failed, desynced, err := readOneCanonicalBlock(r)
		if err == errBundleDone {
			break
		}
		if desynced {
			return &RewriteOutcome{Kind: OutcomeInvalid, Reason: "block stream desynchronised: " + err.Error(), RecoveredMetadata: recovered}, nil
		}
		if failed {
			switch {
			case failedFlags.Has(BlockDeleteBlockOnFailure):
				dropped = append(dropped, failedNumber)
				rewritten = true
				continue
			case failedFlags.Has(BlockDeleteBundleOnFailure):
				return &RewriteOutcome{Kind: OutcomeInvalid, Reason: "block unintelligible: " + err.Error(), RecoveredMetadata: recovered}, nil
			case failedFlags.Has(BlockReportOnFailure):
				pendingReports = append(pendingReports, failedNumber)
				dropped = append(dropped, failedNumber)
				rewritten = true
				continue
			default:
				return &RewriteOutcome{Kind: OutcomeInvalid, Reason: "block unintelligible: " + err.Error(), RecoveredMetadata: recovered}, nil
			}
		}
		blocks = append(blocks, cb)
	}

	for _, d := range dropped {
		blocks, rewritten = adjustSecurityTargets(blocks, d, rewritten)
	}

	b := MustNewBundle(primary, blocks)
	if errs := b.CheckValid(); errs != nil {
		return &RewriteOutcome{Kind: OutcomeInvalid, Reason: errs.Error(), RecoveredMetadata: recovered}, nil
	}

	if !rewritten {
		canonical, err := InspectBundle(data)
		if err != nil {
			return nil, err
		}
		if canonical {
			return &RewriteOutcome{Kind: OutcomeValid, Bundle: b}, nil
		}
	}

	out, err := encodeBundle(&b)
	if err != nil {
		return nil, err
	}
	return &RewriteOutcome{Kind: OutcomeRewritten, Bundle: b, Bytes: out, PendingReports: pendingReports}, nil
}

var errBundleDone = fmt.Errorf("bpv7: end of block stream")

// readOneCanonicalBlock reads one canonical block, distinguishing a
// clean decode from a CRC failure (recoverable, per the block's own
// flags) from stream desynchronisation (unrecoverable). It returns
// errBundleDone once the closing break code is reached.
func readOneCanonicalBlock(r *bytes.Reader) (cb CanonicalBlock, failedFlags BlockControlFlags, failedNumber uint64, failed, desynced bool, err error) {
	peek, perr := r.ReadByte()
	if perr != nil {
		return CanonicalBlock{}, 0, 0, false, true, perr
	}
	if peek == cboring.BreakCode {
		return CanonicalBlock{}, 0, 0, false, false, errBundleDone
	}
	if uerr := r.UnreadByte(); uerr != nil {
		return CanonicalBlock{}, 0, 0, false, true, uerr
	}

	crcBuf := new(bytes.Buffer)
	tr := io.TeeReader(r, crcBuf)

	length, err := cboring.ReadArrayLength(tr)
	if err != nil {
		return CanonicalBlock{}, 0, 0, false, true, err
	}
	if length != 5 && length != 6 {
		return CanonicalBlock{}, 0, 0, false, true, fmt.Errorf("canonical block expects array of 5 or 6, got %d", length)
	}

	blockType, err := cboring.ReadUInt(tr)
	if err != nil {
		return CanonicalBlock{}, 0, 0, false, true, err
	}
	blockNumber, err := cboring.ReadUInt(tr)
	if err != nil {
		return CanonicalBlock{}, 0, 0, false, true, err
	}
	flagsRaw, err := cboring.ReadUInt(tr)
	if err != nil {
		return CanonicalBlock{}, 0, 0, false, true, err
	}
	flags := BlockControlFlags(flagsRaw)
	crcTypeRaw, err := cboring.ReadUInt(tr)
	if err != nil {
		return CanonicalBlock{}, 0, 0, false, true, err
	}
	crcType := CRCType(crcTypeRaw)

	data, err := cboring.ReadByteString(tr)
	if err != nil {
		return CanonicalBlock{}, flags, blockNumber, false, true, err
	}

	cb = CanonicalBlock{BlockType: blockType, BlockNumber: blockNumber, Flags: flags, CRCType: crcType, Data: data}
	if factory, ok := extensionBlockFactories[blockType]; ok {
		if typed, terr := factory(data); terr == nil {
			cb.Typed = typed
		}
	}

	if length == 6 {
		want := calculateCRC(crcType, crcBuf.Bytes())
		got, err := cboring.ReadByteString(r)
		if err != nil {
			return CanonicalBlock{}, flags, blockNumber, false, true, err
		}
		if !bytes.Equal(want, got) {
			return CanonicalBlock{}, flags, blockNumber, true, false, fmt.Errorf("block %d CRC mismatch", blockNumber)
		}
		cb.CRC = got
	}

	return cb, 0, 0, false, false, nil
}

// adjustSecurityTargets removes dropped from every BIB/BCB's target
// list, dropping the security block itself if its list becomes empty.
func adjustSecurityTargets(blocks []CanonicalBlock, dropped uint64, rewritten bool) ([]CanonicalBlock, bool) {
	out := blocks[:0]
	for _, cb := range blocks {
		adjuster, ok := securityTargetAdjusters[cb.BlockType]
		if !ok {
			out = append(out, cb)
			continue
		}
		newData, empty, err := adjuster(cb.Data, dropped)
		if err != nil || empty {
			rewritten = true
			continue
		}
		if !bytes.Equal(newData, cb.Data) {
			cb.Data = newData
			rewritten = true
		}
		out = append(out, cb)
	}
	return out, rewritten
}

// encodeBundle renders a bundle's canonical shortest-form CBOR bytes.
func encodeBundle(b *Bundle) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := b.MarshalCbor(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
