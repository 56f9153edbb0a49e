package bpsec

import (
	"errors"
	"fmt"

	"github.com/dtnstack/bpcore/pkg/bpv7"
)

// ErrBibMismatch is returned when an integrity check fails; per spec
// §4.3.4 the bundle carrying it must be discarded.
var ErrBibMismatch = errors.New("bpsec: integrity check failed, bundle discarded")

// ErrKeyNotFound marks a target the engine could not find key material
// for; per spec §4.3.4 the bundle stays encrypted and may still be
// forwarded opaquely, but cannot be locally delivered.
var ErrKeyNotFound = errors.New("bpsec: no key available")

// Outcome reports what ProcessInbound did to a bundle.
type Outcome struct {
	// VerifiedBibs lists the block numbers of every BIB whose integrity
	// check passed.
	VerifiedBibs []uint64
	// Decrypted lists the block numbers the engine successfully
	// decrypted.
	Decrypted []uint64
	// StillEncrypted lists BCB targets that could not be decrypted for
	// lack of key material; the bundle remains forwardable but not
	// locally deliverable.
	StillEncrypted []uint64
}

// Engine orchestrates BPSec's progressive-disclosure verification and
// decryption pass (spec §4.3.1).
type Engine struct {
	provider ContextProvider
}

// NewEngine builds an Engine backed by provider (typically a
// *CachingProvider).
func NewEngine(provider ContextProvider) *Engine {
	return &Engine{provider: provider}
}

// ProcessInbound runs the three-pass algorithm: enumerate BCB targets,
// verify every BIB, then decrypt everything the resolved keys allow.
// CanonicalBlock.Coverage is updated in place to reflect the BIB coverage
// uncovered along the way (spec §4.2.2).
func (e *Engine) ProcessInbound(b *bpv7.Bundle) (*Outcome, error) {
	out := &Outcome{}

	bcbTargets := map[uint64]uint64{} // target block number -> BCB block number
	for _, bcbBlock := range b.ExtensionBlocks(bpv7.ExtBlockTypeBlockConfidentiality) {
		asb, ok := bcbBlock.Typed.(*ASB)
		if !ok {
			continue
		}
		for _, t := range asb.SecurityTargets {
			bcbTargets[t] = bcbBlock.BlockNumber
		}
	}

	for _, bibBlock := range b.ExtensionBlocks(bpv7.ExtBlockTypeBlockIntegrity) {
		asb, ok := bibBlock.Typed.(*ASB)
		if !ok {
			continue
		}

		verified := true
		for _, target := range asb.SecurityTargets {
			if _, encrypted := bcbTargets[target]; encrypted {
				if cb, ok := b.BlockByNumber(target); ok {
					cb.Coverage = bpv7.BibCoverageMaybe
					cb.BibBlockNumber = bibBlock.BlockNumber
				}
				verified = false
				continue
			}

			key, ok, err := e.provider.LookupKey(asb.Source.String(), asb.ContextID, OperationVerify)
			if err != nil {
				return out, err
			}
			if !ok {
				verified = false
				continue
			}

			if err := VerifyTargets(b, asb, bibBlock.BlockNumber, key.Bytes); err != nil {
				key.Zero()
				return out, fmt.Errorf("%w: %v", ErrBibMismatch, err)
			}
			key.Zero()

			if cb, ok := b.BlockByNumber(target); ok {
				cb.Coverage = bpv7.BibCoverageKnown
				cb.BibBlockNumber = bibBlock.BlockNumber
			}
		}
		if verified {
			out.VerifiedBibs = append(out.VerifiedBibs, bibBlock.BlockNumber)
		}
	}

	for _, bcbBlock := range b.ExtensionBlocks(bpv7.ExtBlockTypeBlockConfidentiality) {
		asb, ok := bcbBlock.Typed.(*ASB)
		if !ok || len(asb.SecurityTargets) == 0 {
			continue
		}
		target := asb.SecurityTargets[0]

		key, ok, err := e.provider.LookupKey(asb.Source.String(), asb.ContextID, OperationDecrypt)
		if err != nil {
			return out, err
		}
		if !ok {
			out.StillEncrypted = append(out.StillEncrypted, target)
			continue
		}

		if err := DecryptTarget(b, asb, bcbBlock.BlockNumber, key.Bytes); err != nil {
			key.Zero()
			return out, err
		}
		key.Zero()
		out.Decrypted = append(out.Decrypted, target)
	}

	return out, nil
}

// CheckCoEncryption enforces spec §4.3.5's rule: a block that is both
// signed by a BIB and the target of a BCB must have its BIB co-targeted
// by that same BCB, so the signature travels encrypted alongside it.
func CheckCoEncryption(b *bpv7.Bundle) error {
	bcbTargets := map[uint64]bool{}
	for _, bcbBlock := range b.ExtensionBlocks(bpv7.ExtBlockTypeBlockConfidentiality) {
		asb, ok := bcbBlock.Typed.(*ASB)
		if !ok {
			continue
		}
		for _, t := range asb.SecurityTargets {
			bcbTargets[t] = true
		}
	}

	for _, bibBlock := range b.ExtensionBlocks(bpv7.ExtBlockTypeBlockIntegrity) {
		asb, ok := bibBlock.Typed.(*ASB)
		if !ok {
			continue
		}
		for _, target := range asb.SecurityTargets {
			if bcbTargets[target] && !bcbTargets[bibBlock.BlockNumber] {
				return fmt.Errorf("bpsec: block %d is signed and BCB-encrypted, but its BIB (block %d) is not itself encrypted", target, bibBlock.BlockNumber)
			}
		}
	}
	return nil
}

// ZeroPayload overwrites a decrypted block's data in place, for callers
// that drop a bundle after local delivery and want decrypted plaintext
// wiped from memory per spec §4.3.1.
func ZeroPayload(cb *bpv7.CanonicalBlock) {
	for i := range cb.Data {
		cb.Data[i] = 0
	}
}
