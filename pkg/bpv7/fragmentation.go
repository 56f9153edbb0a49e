package bpv7

import "fmt"

// Fragment splits b into pieces whose encoded size does not exceed mtu
// bytes each, replicating blocks flagged BlockReplicateInEveryFragment
// into every fragment and carrying the rest only in the first. Per spec
// §3.2, fragmentation is forbidden for bundles carrying a BIB or BCB.
func (b Bundle) Fragment(mtu int) ([]Bundle, error) {
	if b.Primary.BundleControlFlags.Has(BundleMustNotFragment) {
		return nil, fmt.Errorf("bpv7: bundle control flags forbid fragmentation")
	}
	if b.HasExtensionBlock(ExtBlockTypeBlockIntegrity) || b.HasExtensionBlock(ExtBlockTypeBlockConfidentiality) {
		return nil, ErrInvalidFragmentedSecurity
	}

	payload, err := b.PayloadBlock()
	if err != nil {
		return nil, err
	}
	total := uint64(len(payload.Data))
	if total == 0 {
		return nil, fmt.Errorf("bpv7: cannot fragment an empty payload")
	}

	const overheadBudget = 128 // conservative per-fragment header/block overhead
	chunk := mtu - overheadBudget
	if chunk <= 0 {
		return nil, fmt.Errorf("bpv7: mtu %d too small to fit fragment overhead", mtu)
	}

	var fragments []Bundle
	for offset := uint64(0); offset < total; offset += uint64(chunk) {
		end := offset + uint64(chunk)
		if end > total {
			end = total
		}

		fp := b.Primary
		fp.BundleControlFlags |= BundleIsFragment
		fp.FragmentOffset = offset
		fp.TotalDataLength = total

		frag := MustNewBundle(fp, nil)
		for _, cb := range b.CanonicalBlocks {
			if cb.IsPayload() {
				continue
			}
			if offset > 0 && !cb.Flags.Has(BlockReplicateInEveryFragment) {
				continue
			}
			frag.AddExtensionBlock(cb)
		}

		payloadCopy := append([]byte(nil), payload.Data[offset:end]...)
		pb := NewPayloadBlock(payload.Flags, payloadCopy)
		pb.BlockNumber = 1
		frag.CanonicalBlocks = append(frag.CanonicalBlocks, pb)
		frag.sortBlocks()

		fragments = append(fragments, frag)
	}
	return fragments, nil
}

// IsReassemblable reports whether parts' fragment ranges cover
// [0, total) completely and consistently, per spec §4.7.3.
func IsReassemblable(parts []Bundle) bool {
	if len(parts) == 0 {
		return false
	}
	total := parts[0].Primary.TotalDataLength
	type interval struct{ start, end uint64 }
	var intervals []interval
	for _, p := range parts {
		if !p.Primary.HasFragmentation() || p.Primary.TotalDataLength != total {
			return false
		}
		payload, err := p.PayloadBlock()
		if err != nil {
			return false
		}
		intervals = append(intervals, interval{p.Primary.FragmentOffset, p.Primary.FragmentOffset + uint64(len(payload.Data))})
	}

	// Merge sorted intervals and check for full [0,total) coverage.
	for i := 0; i < len(intervals); i++ {
		for j := i + 1; j < len(intervals); j++ {
			if intervals[j].start < intervals[i].start {
				intervals[i], intervals[j] = intervals[j], intervals[i]
			}
		}
	}
	covered := uint64(0)
	for _, iv := range intervals {
		if iv.start > covered {
			return false
		}
		if iv.end > covered {
			covered = iv.end
		}
	}
	return covered >= total
}

// Reassemble merges fragment parts of the same ADU into a single whole
// bundle, preserving the non-payload blocks of the first (offset-0)
// fragment. Callers must have already verified IsReassemblable.
func Reassemble(parts []Bundle) (Bundle, error) {
	if !IsReassemblable(parts) {
		return Bundle{}, fmt.Errorf("bpv7: fragments do not cover the whole ADU")
	}

	var first *Bundle
	for i := range parts {
		if parts[i].Primary.FragmentOffset == 0 {
			first = &parts[i]
			break
		}
	}
	if first == nil {
		return Bundle{}, fmt.Errorf("bpv7: missing fragment with offset 0")
	}

	total := first.Primary.TotalDataLength
	buf := make([]byte, total)
	for _, p := range parts {
		payload, err := p.PayloadBlock()
		if err != nil {
			return Bundle{}, err
		}
		copy(buf[p.Primary.FragmentOffset:], payload.Data)
	}

	wholePrimary := first.Primary
	wholePrimary.BundleControlFlags &^= BundleIsFragment
	wholePrimary.FragmentOffset = 0
	wholePrimary.TotalDataLength = 0

	whole := MustNewBundle(wholePrimary, nil)
	for _, cb := range first.CanonicalBlocks {
		if !cb.IsPayload() {
			whole.AddExtensionBlock(cb)
		}
	}
	payloadBlock, err := first.PayloadBlock()
	if err != nil {
		return Bundle{}, err
	}
	pb := NewPayloadBlock(payloadBlock.Flags, buf)
	pb.BlockNumber = 1
	whole.CanonicalBlocks = append(whole.CanonicalBlocks, pb)
	whole.sortBlocks()

	return whole, nil
}
