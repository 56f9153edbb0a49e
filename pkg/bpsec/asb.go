// Package bpsec implements the BPSec security engine (spec §4.3): the
// Abstract Security Block shared by both ciphersuites, the BIB-HMAC-SHA2
// and BCB-AES-GCM contexts themselves, and the progressive-disclosure
// engine that verifies and decrypts an inbound bundle.
package bpsec

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/dtn7/cboring"
	multierror "github.com/hashicorp/go-multierror"

	"github.com/dtnstack/bpcore/pkg/bpv7"
)

// Security context identifiers, per RFC 9173/draft-ietf-dtn-bpsec-interop-sc.
const (
	ContextBIBHMACSHA2  uint64 = 0
	ContextBCBAESGCM    uint64 = 1
)

func init() {
	bpv7.RegisterExtensionBlockFactory(bpv7.ExtBlockTypeBlockIntegrity, decodeASB)
	bpv7.RegisterExtensionBlockFactory(bpv7.ExtBlockTypeBlockConfidentiality, decodeASB)
	bpv7.RegisterSecurityTargetAdjuster(bpv7.ExtBlockTypeBlockIntegrity, adjustSecurityTargets)
	bpv7.RegisterSecurityTargetAdjuster(bpv7.ExtBlockTypeBlockConfidentiality, adjustSecurityTargets)
}

// IDValueTuple is a security-context parameter or result: an identifier
// paired with either a byte-string or an unsigned-integer value (BPSEC
// §3.6). The concrete type is determined on decode by peeking the CBOR
// major type of the value, since the wire format gives no other hint.
type IDValueTuple interface {
	ID() uint64
	Value() interface{}
	cboring.CborMarshaler
}

// ByteStringParameter is an IDValueTuple whose value is a byte string.
type ByteStringParameter struct {
	TupleID uint64
	Bytes   []byte
}

func (p *ByteStringParameter) ID() uint64         { return p.TupleID }
func (p *ByteStringParameter) Value() interface{} { return p.Bytes }

func (p *ByteStringParameter) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(p.TupleID, w); err != nil {
		return err
	}
	return cboring.WriteByteString(p.Bytes, w)
}

func (p *ByteStringParameter) UnmarshalCbor(r io.Reader) error {
	if n, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if n != 2 {
		return fmt.Errorf("bpsec: id-value tuple expects array of 2, got %d", n)
	}
	var err error
	if p.TupleID, err = cboring.ReadUInt(r); err != nil {
		return err
	}
	p.Bytes, err = cboring.ReadByteString(r)
	return err
}

// UintParameter is an IDValueTuple whose value is an unsigned integer.
type UintParameter struct {
	TupleID uint64
	Uint    uint64
}

func (p *UintParameter) ID() uint64         { return p.TupleID }
func (p *UintParameter) Value() interface{} { return p.Uint }

func (p *UintParameter) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(p.TupleID, w); err != nil {
		return err
	}
	return cboring.WriteUInt(p.Uint, w)
}

func (p *UintParameter) UnmarshalCbor(r io.Reader) error {
	if n, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if n != 2 {
		return fmt.Errorf("bpsec: id-value tuple expects array of 2, got %d", n)
	}
	var err error
	if p.TupleID, err = cboring.ReadUInt(r); err != nil {
		return err
	}
	p.Uint, err = cboring.ReadUInt(r)
	return err
}

// TargetResults holds the results produced for one security target:
// its block number and the ordered list of result tuples.
type TargetResults struct {
	Target  uint64
	Results []IDValueTuple
}

func (tr *TargetResults) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(tr.Target, w); err != nil {
		return err
	}
	if err := cboring.WriteArrayLength(uint64(len(tr.Results)), w); err != nil {
		return err
	}
	for _, r := range tr.Results {
		if err := cboring.Marshal(r, w); err != nil {
			return err
		}
	}
	return nil
}

func (tr *TargetResults) UnmarshalCbor(r io.Reader) error {
	if n, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if n != 2 {
		return fmt.Errorf("bpsec: target results expects array of 2, got %d", n)
	}
	var err error
	if tr.Target, err = cboring.ReadUInt(r); err != nil {
		return err
	}
	count, err := cboring.ReadArrayLength(r)
	if err != nil {
		return err
	}
	for i := uint64(0); i < count; i++ {
		result := &ByteStringParameter{}
		if err := cboring.Unmarshal(result, r); err != nil {
			return err
		}
		tr.Results = append(tr.Results, result)
	}
	return nil
}

// securityContextParametersPresent is the sole bit of the Security Context
// Flags field (BPSEC §3.6).
const securityContextParametersPresent uint64 = 0b01

// ASB is the Abstract Security Block shared by BIB and BCB (BPSEC §3.6):
// one or more security targets, a context identifying how to process them,
// and one result set per target.
type ASB struct {
	SecurityTargets []uint64
	ContextID       uint64
	ContextFlags    uint64
	Source          bpv7.EndpointID
	Parameters      []IDValueTuple
	Results         []TargetResults
}

// HasParameters reports whether the optional parameters field is present.
func (asb *ASB) HasParameters() bool {
	return asb.ContextFlags&securityContextParametersPresent != 0
}

// Parameter returns the first parameter tuple with the given id, if any.
func (asb *ASB) Parameter(id uint64) (IDValueTuple, bool) {
	for _, p := range asb.Parameters {
		if p.ID() == id {
			return p, true
		}
	}
	return nil, false
}

// ResultFor returns the result tuples recorded for the given target block
// number, if any.
func (asb *ASB) ResultFor(target uint64) ([]IDValueTuple, bool) {
	for _, tr := range asb.Results {
		if tr.Target == target {
			return tr.Results, true
		}
	}
	return nil, false
}

// MarshalBinary renders the ASB's CBOR-encoded byte-string content, the
// form CanonicalBlock.Data stores (bpv7.ExtensionBlockData).
func (asb *ASB) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := asb.MarshalCbor(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (asb *ASB) MarshalCbor(w io.Writer) error {
	arrayLen := uint64(5)
	hasParams := asb.HasParameters()
	if hasParams {
		arrayLen++
	}
	if err := cboring.WriteArrayLength(arrayLen, w); err != nil {
		return err
	}

	if err := cboring.WriteArrayLength(uint64(len(asb.SecurityTargets)), w); err != nil {
		return err
	}
	for _, t := range asb.SecurityTargets {
		if err := cboring.WriteUInt(t, w); err != nil {
			return err
		}
	}

	if err := cboring.WriteUInt(asb.ContextID, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(asb.ContextFlags, w); err != nil {
		return err
	}
	if err := asb.Source.MarshalCbor(w); err != nil {
		return err
	}

	if hasParams {
		if err := cboring.WriteArrayLength(uint64(len(asb.Parameters)), w); err != nil {
			return err
		}
		for _, p := range asb.Parameters {
			if err := p.MarshalCbor(w); err != nil {
				return err
			}
		}
	}

	if err := cboring.WriteArrayLength(uint64(len(asb.Results)), w); err != nil {
		return err
	}
	for i := range asb.Results {
		if err := asb.Results[i].MarshalCbor(w); err != nil {
			return err
		}
	}
	return nil
}

func (asb *ASB) UnmarshalCbor(r io.Reader) error {
	length, err := cboring.ReadArrayLength(r)
	if err != nil {
		return err
	}
	if length != 5 && length != 6 {
		return fmt.Errorf("bpsec: abstract security block expects array of 5 or 6, got %d", length)
	}

	targetCount, err := cboring.ReadArrayLength(r)
	if err != nil {
		return err
	}
	for i := uint64(0); i < targetCount; i++ {
		t, err := cboring.ReadUInt(r)
		if err != nil {
			return err
		}
		asb.SecurityTargets = append(asb.SecurityTargets, t)
	}

	if asb.ContextID, err = cboring.ReadUInt(r); err != nil {
		return err
	}
	if asb.ContextFlags, err = cboring.ReadUInt(r); err != nil {
		return err
	}
	if err := cboring.Unmarshal(&asb.Source, r); err != nil {
		return err
	}

	if asb.HasParameters() {
		if length != 6 {
			return fmt.Errorf("bpsec: security context parameters present flag set but array has %d elements", length)
		}
		r, err = asb.unmarshalParameters(r)
		if err != nil {
			return fmt.Errorf("bpsec: security context parameters: %w", err)
		}
	}

	resultCount, err := cboring.ReadArrayLength(r)
	if err != nil {
		return err
	}
	for i := uint64(0); i < resultCount; i++ {
		var tr TargetResults
		if err := cboring.Unmarshal(&tr, r); err != nil {
			return err
		}
		asb.Results = append(asb.Results, tr)
	}

	return asb.CheckValid()
}

// unmarshalParameters reads the optional parameters array. Each tuple's
// value may be a byte string or an unsigned integer; the major type must
// be peeked before the concrete IDValueTuple type can be chosen, so the
// remaining stream is buffered and the leftover handed back as a fresh
// reader.
func (asb *ASB) unmarshalParameters(r io.Reader) (io.Reader, error) {
	count, err := cboring.ReadArrayLength(r)
	if err != nil {
		return nil, err
	}

	buffered := bufio.NewReader(r)

	for i := uint64(0); i < count; i++ {
		peeked, _ := buffered.Peek(buffered.Size())
		peekReader := bytes.NewReader(peeked)

		if _, err := cboring.ReadArrayLength(peekReader); err != nil {
			return nil, fmt.Errorf("peeking tuple array length: %w", err)
		}
		if _, err := cboring.ReadUInt(peekReader); err != nil {
			return nil, fmt.Errorf("peeking tuple id: %w", err)
		}
		major, _, err := cboring.ReadMajors(peekReader)
		if err != nil {
			return nil, fmt.Errorf("peeking tuple value major type: %w", err)
		}

		var tuple IDValueTuple
		switch major {
		case cboring.ByteString:
			tuple = &ByteStringParameter{}
		case cboring.UInt:
			tuple = &UintParameter{}
		default:
			return nil, fmt.Errorf("unsupported security parameter major type %d", major)
		}

		if err := cboring.Unmarshal(tuple, buffered); err != nil {
			return nil, err
		}
		asb.Parameters = append(asb.Parameters, tuple)
	}

	rest, _ := io.ReadAll(buffered)
	return bytes.NewReader(rest), nil
}

// CheckValid enforces BPSEC §3.6's MUST/MUST NOT constraints.
func (asb *ASB) CheckValid() (errs error) {
	if len(asb.SecurityTargets) == 0 {
		errs = multierror.Append(errs, errors.New("bpsec: security targets must not be empty"))
	}

	seen := map[uint64]bool{}
	for _, t := range asb.SecurityTargets {
		if seen[t] {
			errs = multierror.Append(errs, fmt.Errorf("bpsec: duplicate security target %d", t))
		}
		seen[t] = true
	}

	if len(asb.Results) != len(asb.SecurityTargets) {
		errs = multierror.Append(errs, fmt.Errorf("bpsec: %d security targets but %d result sets", len(asb.SecurityTargets), len(asb.Results)))
	} else {
		for i, tr := range asb.Results {
			if tr.Target != asb.SecurityTargets[i] {
				errs = multierror.Append(errs, errors.New("bpsec: security target and result ordering does not match"))
				break
			}
		}
	}

	if asb.HasParameters() && len(asb.Parameters) == 0 {
		errs = multierror.Append(errs, errors.New("bpsec: parameters-present flag set but no parameters given"))
	}
	if !asb.HasParameters() && len(asb.Parameters) != 0 {
		errs = multierror.Append(errs, errors.New("bpsec: parameters given but parameters-present flag unset"))
	}

	if err := asb.Source.CheckValid(); err != nil {
		errs = multierror.Append(errs, err)
	}

	return errs
}

// NewBIBBlock wraps asb as a Block Integrity canonical block, rendering
// Data from it immediately the way bpv7's own extension block
// constructors do. Call SyncASB again after SignTargets appends results,
// since the wire codec always emits CanonicalBlock.Data, never Typed.
func NewBIBBlock(flags bpv7.BlockControlFlags, asb *ASB) bpv7.CanonicalBlock {
	return newSecurityBlock(bpv7.ExtBlockTypeBlockIntegrity, flags, asb)
}

// NewBCBBlock wraps asb as a Block Confidentiality canonical block; see
// NewBIBBlock.
func NewBCBBlock(flags bpv7.BlockControlFlags, asb *ASB) bpv7.CanonicalBlock {
	return newSecurityBlock(bpv7.ExtBlockTypeBlockConfidentiality, flags, asb)
}

func newSecurityBlock(typeCode uint64, flags bpv7.BlockControlFlags, asb *ASB) bpv7.CanonicalBlock {
	data, _ := asb.MarshalBinary()
	return bpv7.CanonicalBlock{BlockType: typeCode, Flags: flags, CRCType: bpv7.CRC32C, Data: data, Typed: asb}
}

// SyncASB re-renders cb.Data from asb after mutating it in place (e.g.
// after SignTargets/EncryptTarget append a security result or the IV
// parameter), since CanonicalBlock.Data, not Typed, is what the wire
// codec emits.
func SyncASB(cb *bpv7.CanonicalBlock, asb *ASB) error {
	data, err := asb.MarshalBinary()
	if err != nil {
		return err
	}
	cb.Data = data
	cb.Typed = asb
	return nil
}

// decodeASB is the bpv7.extensionBlockFactory for both BIB and BCB block
// types; the concrete ciphersuite is selected later by ContextID.
func decodeASB(data []byte) (bpv7.ExtensionBlockData, error) {
	asb := new(ASB)
	if err := cboring.Unmarshal(asb, bytes.NewReader(data)); err != nil {
		return nil, err
	}
	return asb, nil
}

// adjustSecurityTargets implements bpv7's securityTargetAdjuster hook: it
// drops droppedBlockNumber from a BIB/BCB's target list (and the matching
// result set), reporting emptiness if no targets remain so the caller can
// drop the whole security block.
func adjustSecurityTargets(data []byte, dropped uint64) ([]byte, bool, error) {
	asb := new(ASB)
	if err := cboring.Unmarshal(asb, bytes.NewReader(data)); err != nil {
		return nil, false, err
	}

	targets := asb.SecurityTargets[:0]
	for _, t := range asb.SecurityTargets {
		if t != dropped {
			targets = append(targets, t)
		}
	}
	asb.SecurityTargets = targets

	results := asb.Results[:0]
	for _, tr := range asb.Results {
		if tr.Target != dropped {
			results = append(results, tr)
		}
	}
	asb.Results = results

	if len(asb.SecurityTargets) == 0 {
		return nil, true, nil
	}

	out, err := asb.MarshalBinary()
	return out, false, err
}
