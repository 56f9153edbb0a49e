package bpsec

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"fmt"
	"hash"

	"github.com/dtn7/cboring"

	"github.com/dtnstack/bpcore/pkg/bpv7"
)

// BIB-HMAC-SHA2 security parameter identifiers (RFC 9173 §3.3).
const (
	ParamShaVariant          uint64 = 1
	ParamWrappedKey          uint64 = 2
	ParamIntegrityScopeFlags uint64 = 3
)

// ResultHMAC is the sole BIB-HMAC-SHA2 result identifier.
const ResultHMAC uint64 = 1

// SHA variant parameter values (spec §4.3.2's cipher IDs).
const (
	HMACSHA256 uint64 = 5
	HMACSHA384 uint64 = 6
	HMACSHA512 uint64 = 7
)

// Integrity scope flag bits (spec §4.3.3).
const (
	DefaultIntegrityScopeFlags uint16 = 0b111
	ScopePrimaryBlock          uint16 = 0b001
	ScopeTargetHeader          uint16 = 0b010
	ScopeSecurityHeader        uint16 = 0b100
)

func hashForVariant(variant uint64) (func() hash.Hash, error) {
	switch variant {
	case HMACSHA256:
		return sha256.New, nil
	case HMACSHA384:
		return sha512.New384, nil
	case HMACSHA512:
		return sha512.New, nil
	default:
		return nil, fmt.Errorf("bpsec: unsupported HMAC SHA variant %d", variant)
	}
}

// NewBIB builds a fresh, unsigned BIB-HMAC-SHA2 ASB over the given
// targets. Call SignTargets afterward to populate SecurityResults.
func NewBIB(targets []uint64, source bpv7.EndpointID, shaVariant uint64, scopeFlags uint16) *ASB {
	params := []IDValueTuple{
		&UintParameter{TupleID: ParamShaVariant, Uint: shaVariant},
		&UintParameter{TupleID: ParamIntegrityScopeFlags, Uint: uint64(scopeFlags)},
	}
	results := make([]TargetResults, len(targets))
	for i, t := range targets {
		results[i] = TargetResults{Target: t}
	}
	return &ASB{
		SecurityTargets: targets,
		ContextID:       ContextBIBHMACSHA2,
		ContextFlags:    securityContextParametersPresent,
		Source:          source,
		Parameters:      params,
		Results:         results,
	}
}

// integrityScopeFlags reads the ASB's scope flag parameter, falling back
// to the default per RFC 9173 when absent.
func integrityScopeFlags(asb *ASB) uint16 {
	if p, ok := asb.Parameter(ParamIntegrityScopeFlags); ok {
		return uint16(p.Value().(uint64))
	}
	return DefaultIntegrityScopeFlags
}

func shaVariant(asb *ASB) uint64 {
	if p, ok := asb.Parameter(ParamShaVariant); ok {
		return p.Value().(uint64)
	}
	return HMACSHA256
}

// prepareIPPT builds the "Integrity Protected Plain Text" for one security
// target, per bpsec-default-sc §3.7: the scope flags themselves, then
// optionally the primary block, the target's block header, the BIB's own
// block header, and finally the target's block-type-specific data, in
// that order.
func prepareIPPT(b *bpv7.Bundle, asb *ASB, target *bpv7.CanonicalBlock, bibNumber uint64) ([]byte, error) {
	scope := integrityScopeFlags(asb)

	ippt := new(bytes.Buffer)
	if err := cboring.WriteUInt(uint64(scope), ippt); err != nil {
		return nil, err
	}

	if scope&ScopePrimaryBlock != 0 {
		if err := b.Primary.MarshalCbor(ippt); err != nil {
			return nil, err
		}
	}

	if scope&ScopeTargetHeader != 0 {
		if err := writeBlockHeader(ippt, target.BlockType, target.BlockNumber, target.Flags); err != nil {
			return nil, err
		}
	}

	if scope&ScopeSecurityHeader != 0 {
		bib, ok := b.BlockByNumber(bibNumber)
		if !ok {
			return nil, fmt.Errorf("bpsec: BIB block %d not found while preparing IPPT", bibNumber)
		}
		if err := writeBlockHeader(ippt, bib.BlockType, bib.BlockNumber, bib.Flags); err != nil {
			return nil, err
		}
	}

	if _, err := ippt.Write(target.Data); err != nil {
		return nil, err
	}

	return ippt.Bytes(), nil
}

func writeBlockHeader(w *bytes.Buffer, typeCode, number uint64, flags bpv7.BlockControlFlags) error {
	if err := cboring.WriteUInt(typeCode, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(number, w); err != nil {
		return err
	}
	return cboring.WriteUInt(uint64(flags), w)
}

// SignTargets computes and appends an HMAC result for every security
// target in asb, using key.
func SignTargets(b *bpv7.Bundle, asb *ASB, bibNumber uint64, key []byte) error {
	newHash, err := hashForVariant(shaVariant(asb))
	if err != nil {
		return err
	}
	mac := hmac.New(newHash, key)

	for i, targetNumber := range asb.SecurityTargets {
		target, ok := b.BlockByNumber(targetNumber)
		if !ok {
			return fmt.Errorf("bpsec: security target block %d not found", targetNumber)
		}
		ippt, err := prepareIPPT(b, asb, target, bibNumber)
		if err != nil {
			return err
		}
		mac.Reset()
		mac.Write(ippt)
		asb.Results[i].Results = append(asb.Results[i].Results, &ByteStringParameter{
			TupleID: ResultHMAC,
			Bytes:   mac.Sum(nil),
		})
	}
	return nil
}

// VerifyTargets recomputes every target's HMAC and compares it in
// constant time against the recorded result, returning a non-nil error
// (wrapping bpv7.ErrIntegrityCheckFailed) on the first mismatch.
func VerifyTargets(b *bpv7.Bundle, asb *ASB, bibNumber uint64, key []byte) error {
	newHash, err := hashForVariant(shaVariant(asb))
	if err != nil {
		return err
	}
	mac := hmac.New(newHash, key)

	for i, targetNumber := range asb.SecurityTargets {
		target, ok := b.BlockByNumber(targetNumber)
		if !ok {
			return fmt.Errorf("bpsec: security target block %d not found", targetNumber)
		}
		ippt, err := prepareIPPT(b, asb, target, bibNumber)
		if err != nil {
			return err
		}
		mac.Reset()
		mac.Write(ippt)
		computed := mac.Sum(nil)

		results, _ := asb.ResultFor(targetNumber)
		var recorded []byte
		for _, r := range results {
			if r.ID() == ResultHMAC {
				recorded = r.Value().([]byte)
			}
		}
		if recorded == nil {
			return fmt.Errorf("%w: block %d carries no HMAC result", bpv7.ErrIntegrityCheckFailed, targetNumber)
		}
		if subtle.ConstantTimeCompare(computed, recorded) != 1 {
			return fmt.Errorf("%w: block %d HMAC mismatch", bpv7.ErrIntegrityCheckFailed, targetNumber)
		}
	}
	return nil
}
