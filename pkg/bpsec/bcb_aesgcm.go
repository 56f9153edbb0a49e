package bpsec

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/dtn7/cboring"

	"github.com/dtnstack/bpcore/pkg/bpv7"
)

// BCB-AES-GCM security parameter identifiers (RFC 9173 §4.3).
const (
	ParamIV            uint64 = 1
	ParamAESVariant    uint64 = 2
	ParamBCBWrappedKey uint64 = 3
	ParamAADScopeFlags uint64 = 4
)

// ResultAuthTag is the sole BCB-AES-GCM result identifier.
const ResultAuthTag uint64 = 1

// AES variant parameter values (spec §4.3.2's cipher IDs).
const (
	AES128GCM uint64 = 1
	AES256GCM uint64 = 3
)

const ivSize = 12

func aadScopeFlags(asb *ASB) uint16 {
	if p, ok := asb.Parameter(ParamAADScopeFlags); ok {
		return uint16(p.Value().(uint64))
	}
	return DefaultIntegrityScopeFlags
}

func aesVariant(asb *ASB) uint64 {
	if p, ok := asb.Parameter(ParamAESVariant); ok {
		return p.Value().(uint64)
	}
	return AES256GCM
}

func checkKeyLength(asb *ASB, key []byte) error {
	v := aesVariant(asb)
	switch len(key) {
	case 16:
		if v != AES128GCM {
			return fmt.Errorf("bpsec: 16-byte key does not match AES variant %d", v)
		}
	case 32:
		if v != AES256GCM {
			return fmt.Errorf("bpsec: 32-byte key does not match AES variant %d", v)
		}
	default:
		return fmt.Errorf("bpsec: unsupported AES-GCM key length %d", len(key))
	}
	return nil
}

// NewBCB builds a fresh, unencrypted BCB-AES-GCM ASB over a single target,
// the only cardinality RFC 9173 permits per confidentiality block.
func NewBCB(target uint64, source bpv7.EndpointID, variant uint64, scopeFlags uint16) *ASB {
	params := []IDValueTuple{
		&UintParameter{TupleID: ParamAESVariant, Uint: variant},
		&UintParameter{TupleID: ParamAADScopeFlags, Uint: uint64(scopeFlags)},
	}
	return &ASB{
		SecurityTargets: []uint64{target},
		ContextID:       ContextBCBAESGCM,
		ContextFlags:    securityContextParametersPresent,
		Source:          source,
		Parameters:      params,
		Results:         []TargetResults{{Target: target}},
	}
}

// prepareAAD builds the Additional Authenticated Data for a BCB's sole
// target, per RFC 9173 §4.7.2: the scope flags, then optionally the
// primary block, the target's block header, and the BCB's own header.
func prepareAAD(b *bpv7.Bundle, asb *ASB, target *bpv7.CanonicalBlock, bcbNumber uint64) ([]byte, error) {
	scope := aadScopeFlags(asb)

	aad := new(bytes.Buffer)
	if err := cboring.WriteUInt(uint64(scope), aad); err != nil {
		return nil, err
	}

	if scope&ScopePrimaryBlock != 0 {
		if err := b.Primary.MarshalCbor(aad); err != nil {
			return nil, err
		}
	}
	if scope&ScopeTargetHeader != 0 {
		if err := writeBlockHeader(aad, target.BlockType, target.BlockNumber, target.Flags); err != nil {
			return nil, err
		}
	}
	if scope&ScopeSecurityHeader != 0 {
		bcb, ok := b.BlockByNumber(bcbNumber)
		if !ok {
			return nil, fmt.Errorf("bpsec: BCB block %d not found while preparing AAD", bcbNumber)
		}
		if err := writeBlockHeader(aad, bcb.BlockType, bcb.BlockNumber, bcb.Flags); err != nil {
			return nil, err
		}
	}

	return aad.Bytes(), nil
}

// EncryptTarget replaces the sole security target's payload data with its
// AES-GCM ciphertext, recording a fresh random IV as a security parameter
// and the authentication tag as the block's security result (RFC 9173
// §4.6). The target must be the bundle's payload block, the only block
// type this ciphersuite may encrypt in place.
func EncryptTarget(b *bpv7.Bundle, asb *ASB, bcbNumber uint64, key []byte) error {
	if err := checkKeyLength(asb, key); err != nil {
		return err
	}
	target, ok := b.BlockByNumber(asb.SecurityTargets[0])
	if !ok {
		return fmt.Errorf("bpsec: security target block %d not found", asb.SecurityTargets[0])
	}
	if !target.IsPayload() {
		return fmt.Errorf("bpsec: BCB-AES-GCM only targets the payload block, got type %d", target.BlockType)
	}

	aad, err := prepareAAD(b, asb, target, bcbNumber)
	if err != nil {
		return err
	}

	gcm, err := newGCM(key)
	if err != nil {
		return err
	}

	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return err
	}
	asb.Parameters = append(asb.Parameters, &ByteStringParameter{TupleID: ParamIV, Bytes: iv})

	sealed := gcm.Seal(nil, iv, target.Data, aad)
	cipherText, tag := sealed[:len(sealed)-gcm.Overhead()], sealed[len(sealed)-gcm.Overhead():]

	target.Data = cipherText
	target.CRCType = bpv7.CRCNo
	target.CRC = nil

	asb.Results[0].Results = append(asb.Results[0].Results, &ByteStringParameter{TupleID: ResultAuthTag, Bytes: tag})
	return nil
}

// DecryptTarget reverses EncryptTarget: it authenticates and decrypts the
// target block's ciphertext in place, restoring CRC32C protection on
// success (spec §4.3.4: failure leaves the bundle encrypted and is the
// caller's responsibility to classify).
func DecryptTarget(b *bpv7.Bundle, asb *ASB, bcbNumber uint64, key []byte) error {
	if err := checkKeyLength(asb, key); err != nil {
		return err
	}
	target, ok := b.BlockByNumber(asb.SecurityTargets[0])
	if !ok {
		return fmt.Errorf("bpsec: security target block %d not found", asb.SecurityTargets[0])
	}

	ivParam, ok := asb.Parameter(ParamIV)
	if !ok {
		return fmt.Errorf("bpsec: BCB carries no IV security parameter")
	}
	iv := ivParam.Value().([]byte)

	results, _ := asb.ResultFor(asb.SecurityTargets[0])
	var tag []byte
	for _, r := range results {
		if r.ID() == ResultAuthTag {
			tag = r.Value().([]byte)
		}
	}
	if tag == nil {
		return fmt.Errorf("bpsec: BCB carries no authentication tag result")
	}

	aad, err := prepareAAD(b, asb, target, bcbNumber)
	if err != nil {
		return err
	}

	gcm, err := newGCM(key)
	if err != nil {
		return err
	}

	plainText, err := gcm.Open(nil, iv, append(append([]byte{}, target.Data...), tag...), aad)
	if err != nil {
		return fmt.Errorf("%w: %v", bpv7.ErrIntegrityCheckFailed, err)
	}

	target.Data = plainText
	target.CRCType = bpv7.CRC32C
	return nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
