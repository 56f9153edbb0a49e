package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dtnstack/bpcore/pkg/bpv7"
	"github.com/dtnstack/bpcore/pkg/store"
)

// handleFragment implements spec §4.7.3: a fragment is recorded as
// AduFragment metadata, then the store is polled for every fragment
// sharing its ADU key. Once their coverage spans [0, total), they are
// merged into a whole bundle and re-enter the dispatcher as a fresh New
// bundle; fragments disagreeing on total_adu_length are all discarded.
func (d *Dispatcher) handleFragment(ctx context.Context, meta store.Metadata, bndl bpv7.Bundle) error {
	if bndl.HasExtensionBlock(bpv7.ExtBlockTypeBlockIntegrity) || bndl.HasExtensionBlock(bpv7.ExtBlockTypeBlockConfidentiality) {
		return d.tombstone(ctx, meta, bndl, bpv7.BlockUnintelligible)
	}

	if err := d.Meta.UpdateStatus(meta.BundleID, store.StatusAduFragment, store.StatusParams{
		CreationTS: meta.BundleID.Timestamp,
		SourceEID:  meta.BundleID.SourceNode,
	}); err != nil {
		return fmt.Errorf("dispatch: marking fragment %s: %w", meta.BundleID, err)
	}
	meta.Status = store.StatusAduFragment

	siblings, err := d.Meta.PollFragments(meta.BundleID.AduKey())
	if err != nil {
		return fmt.Errorf("dispatch: polling fragments for %s: %w", meta.BundleID, err)
	}

	if inconsistentTotals(siblings) {
		d.log().WithField("adu", meta.BundleID.AduKey()).Info("fragments disagree on total length, discarding all")
		return d.discardFragments(siblings)
	}

	parts := make([]bpv7.Bundle, 0, len(siblings))
	for _, s := range siblings {
		part, err := d.loadBundle(s)
		if err != nil {
			return fmt.Errorf("dispatch: loading fragment %s: %w", s.BundleID, err)
		}
		parts = append(parts, part)
	}

	if !bpv7.IsReassemblable(parts) {
		return nil
	}

	whole, err := bpv7.Reassemble(parts)
	if err != nil {
		return fmt.Errorf("dispatch: reassembling %s: %w", meta.BundleID.AduKey(), err)
	}

	if err := d.consumeFragments(siblings); err != nil {
		return err
	}

	buf := new(bytes.Buffer)
	if err := whole.WriteBundle(buf); err != nil {
		return fmt.Errorf("dispatch: encoding reassembled bundle: %w", err)
	}
	storageName, err := d.Bundles.Save(buf.Bytes())
	if err != nil {
		return fmt.Errorf("dispatch: saving reassembled bundle: %w", err)
	}

	wholeMeta := store.Metadata{
		StorageName: storageName,
		BundleID:    whole.ID(),
		ReceivedAt:  earliestArrival(siblings),
		Expiry:      bundleExpiry(whole, earliestArrival(siblings)),
		Status:      store.StatusNew,
	}
	if err := d.Meta.Store(wholeMeta); err != nil {
		return fmt.Errorf("dispatch: storing reassembled bundle metadata: %w", err)
	}

	return d.Dispatch(ctx, wholeMeta, whole)
}

// inconsistentTotals reports whether siblings disagree on the ADU's total
// length; this can only happen if a malicious or buggy sender reused a
// (source, creation_ts) pair across distinct fragmentations.
func inconsistentTotals(siblings []store.Metadata) bool {
	if len(siblings) == 0 {
		return false
	}
	total := siblings[0].BundleID.TotalDataLength
	for _, s := range siblings[1:] {
		if s.BundleID.TotalDataLength != total {
			return true
		}
	}
	return false
}

// discardFragments tombstones every fragment of a disagreeing ADU with
// BlockUnintelligible.
func (d *Dispatcher) discardFragments(siblings []store.Metadata) error {
	for _, s := range siblings {
		d.Metrics.Dropped.WithLabelValues(bpv7.BlockUnintelligible.String()).Inc()
		if err := d.Meta.Tombstone(s.BundleID, store.ReasonDrop); err != nil {
			return fmt.Errorf("dispatch: tombstoning inconsistent fragment %s: %w", s.BundleID, err)
		}
	}
	return nil
}

// consumeFragments retires fragment metadata once merged into a whole
// bundle; the whole bundle continues its own lifecycle independently, so
// these entries are dropped rather than marked Delivered.
func (d *Dispatcher) consumeFragments(siblings []store.Metadata) error {
	for _, s := range siblings {
		if err := d.Meta.Tombstone(s.BundleID, store.ReasonDrop); err != nil {
			return fmt.Errorf("dispatch: retiring merged fragment %s: %w", s.BundleID, err)
		}
	}
	return nil
}

// loadBundle reads and parses a fragment's stored bytes back into a
// bpv7.Bundle.
func (d *Dispatcher) loadBundle(meta store.Metadata) (bpv7.Bundle, error) {
	rc, err := d.Bundles.Load(meta.StorageName)
	if err != nil {
		return bpv7.Bundle{}, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return bpv7.Bundle{}, err
	}
	return bpv7.ParseBundle(bytes.NewReader(data))
}

// earliestArrival returns the earliest ReceivedAt across siblings, used as
// the reassembled bundle's own arrival time.
func earliestArrival(siblings []store.Metadata) (earliest time.Time) {
	for i, s := range siblings {
		if i == 0 || s.ReceivedAt.Before(earliest) {
			earliest = s.ReceivedAt
		}
	}
	return earliest
}
