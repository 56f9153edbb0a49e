package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dtnstack/bpcore/pkg/bpv7"
	"github.com/dtnstack/bpcore/pkg/store"
)

// ForwardSent finalizes a bundle a CLA has successfully transmitted: emits
// a Forwarded status report, if requested, and tombstones it (spec
// §4.8.4).
func (d *Dispatcher) ForwardSent(ctx context.Context, bndl bpv7.Bundle) error {
	d.sendReportForBundle(ctx, bndl, bpv7.ForwardedBundle, bpv7.NoInformation)
	return d.Meta.Tombstone(bndl.ID(), store.ReasonForwarded)
}

// ForwardRetry reverts a bundle to Waiting so the reaper re-dispatches it
// on its next sweep. Used for a CLA's NoNeighbour result; TransientError
// retries are requeued by the CLA manager itself.
func (d *Dispatcher) ForwardRetry(id bpv7.BundleID) error {
	return d.Meta.UpdateStatus(id, store.StatusWaiting, store.StatusParams{})
}

// ForwardExceeded drops a bundle whose forward attempts were exhausted,
// e.g. a TransientError backoff that reached max_forwarding_delay.
func (d *Dispatcher) ForwardExceeded(ctx context.Context, bndl bpv7.Bundle) error {
	d.sendReportForBundle(ctx, bndl, bpv7.DeletedBundle, bpv7.TransmissionCanceled)
	return d.Meta.Tombstone(bndl.ID(), store.ReasonRetransmitExceeded)
}

// ForwardTooBig handles a CLA's TooBig(max) result: fragments bndl for
// re-dispatch through the full state machine, or drops it with
// BlockUnintelligible when it carries a BIB/BCB that forbids
// fragmentation after the fact (spec §4.8.4). The original metadata is
// tombstoned either way; its content lives on as the newly dispatched
// fragments, or not at all.
func (d *Dispatcher) ForwardTooBig(ctx context.Context, meta store.Metadata, bndl bpv7.Bundle, maxSize int) error {
	parts, err := bndl.Fragment(maxSize)
	if err != nil {
		if errors.Is(err, bpv7.ErrInvalidFragmentedSecurity) {
			return d.tombstone(ctx, meta, bndl, bpv7.BlockUnintelligible)
		}
		return fmt.Errorf("dispatch: fragmenting oversized bundle %s: %w", meta.BundleID, err)
	}

	for _, part := range parts {
		buf := new(bytes.Buffer)
		if err := part.WriteBundle(buf); err != nil {
			return fmt.Errorf("dispatch: encoding fragment of %s: %w", meta.BundleID, err)
		}
		storageName, err := d.Bundles.Save(buf.Bytes())
		if err != nil {
			return fmt.Errorf("dispatch: saving fragment of %s: %w", meta.BundleID, err)
		}

		partMeta := store.Metadata{
			StorageName: storageName,
			BundleID:    part.ID(),
			ReceivedAt:  time.Now(),
			Expiry:      meta.Expiry,
			Status:      store.StatusNew,
			IngressCLA:  meta.IngressCLA,
		}
		if err := d.Meta.Store(partMeta); err != nil {
			return fmt.Errorf("dispatch: storing fragment metadata for %s: %w", meta.BundleID, err)
		}
		if err := d.Dispatch(ctx, partMeta, part); err != nil {
			d.log().WithError(err).WithField("bundle", partMeta.BundleID).
				Warn("dispatch: re-dispatching oversized-forward fragment failed")
		}
	}

	return d.Meta.Tombstone(meta.BundleID, store.ReasonForwarded)
}
