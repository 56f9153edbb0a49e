package dispatch

import (
	"bytes"
	"context"
	"time"

	"github.com/dtnstack/bpcore/pkg/bpv7"
	"github.com/dtnstack/bpcore/pkg/store"
)

// statusFlag returns the bundle control flag that must be set for this
// status position's report to be generated at all (spec §4.7.5).
func statusFlag(pos bpv7.StatusInformationPos) bpv7.BundleControlFlags {
	switch pos {
	case bpv7.ReceivedBundle:
		return bpv7.BundleStatusRequestReception
	case bpv7.ForwardedBundle:
		return bpv7.BundleStatusRequestForward
	case bpv7.DeliveredBundle:
		return bpv7.BundleStatusRequestDelivery
	case bpv7.DeletedBundle:
		return bpv7.BundleStatusRequestDeletion
	default:
		return 0
	}
}

// sendReportForBundle emits a status report for orig at the given
// position, if orig requested it, reports are enabled node-wide, orig is
// not itself an administrative record, and orig names a non-null
// report-to endpoint.
func (d *Dispatcher) sendReportForBundle(ctx context.Context, orig bpv7.Bundle, pos bpv7.StatusInformationPos, reason bpv7.StatusReportReason) {
	if !d.ReportsEnabled {
		return
	}
	if orig.Primary.BundleControlFlags.Has(bpv7.BundleAdministrativeRecord) {
		return
	}
	if !orig.Primary.BundleControlFlags.Has(statusFlag(pos)) {
		return
	}
	if orig.Primary.ReportTo.IsNull() {
		return
	}

	d.log().WithFields(map[string]interface{}{
		"bundle": orig.ID(), "status": pos, "reason": reason,
	}).Info("emitting status report")

	report := bpv7.NewStatusReport(orig, pos, reason, bpv7.DtnTimeNow())
	d.emitAdminRecord(ctx, orig.Primary.ReportTo, report)
}

// emitAdminRecord wraps ar in a bundle addressed to dest and feeds it
// straight into the dispatcher state machine, bypassing ingress filters
// since the record is locally originated and already trusted.
func (d *Dispatcher) emitAdminRecord(ctx context.Context, dest bpv7.EndpointID, ar bpv7.AdministrativeRecord) {
	lifetimeMicros := uint64(d.ReportLifetime / time.Microsecond)
	bndl, err := bpv7.NewAdministrativeRecordBundle(d.Node, dest, d.Node, ar, lifetimeMicros, d.nextSequence())
	if err != nil {
		d.log().WithError(err).Warn("building administrative record bundle failed")
		return
	}

	buf := new(bytes.Buffer)
	if err := bndl.WriteBundle(buf); err != nil {
		d.log().WithError(err).Warn("encoding administrative record bundle failed")
		return
	}

	storageName, err := d.Bundles.Save(buf.Bytes())
	if err != nil {
		d.log().WithError(err).Warn("saving administrative record bundle failed")
		return
	}

	now := time.Now()
	meta := store.Metadata{
		StorageName: storageName,
		BundleID:    bndl.ID(),
		ReceivedAt:  now,
		Expiry:      bundleExpiry(bndl, now),
		Status:      store.StatusNew,
	}
	if err := d.Meta.Store(meta); err != nil {
		d.log().WithError(err).Warn("storing administrative record metadata failed")
		return
	}
	d.notifyReaper()

	if err := d.Dispatch(ctx, meta, bndl); err != nil {
		d.log().WithError(err).Warn("dispatching administrative record bundle failed")
	}
}
