package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/dtnstack/bpcore/pkg/bpv7"
	"github.com/dtnstack/bpcore/pkg/store"
)

// Ingress runs spec §4.7.1's ingress path: parse with full rewriting
// rules, run the write filters, and either drop the bundle with a
// best-effort deletion report or admit it to the dispatcher with status
// New. It returns nil whether the bundle was admitted or cleanly dropped;
// only a storage failure is returned as an error.
func (d *Dispatcher) Ingress(ctx context.Context, data []byte, ingressCLA string) error {
	receivedAt := time.Now()

	outcome, err := bpv7.ParseRewritten(data)
	if err != nil {
		return fmt.Errorf("dispatch: parsing inbound bundle: %w", err)
	}

	if outcome.Kind == bpv7.OutcomeInvalid {
		d.log().WithField("reason", outcome.Reason).Info("dropping unparseable inbound bundle")
		d.Metrics.Ingested.WithLabelValues("invalid").Inc()
		d.reportInvalid(ctx, outcome)
		return nil
	}

	bndl, wire := outcome.Bundle, data
	if outcome.Kind == bpv7.OutcomeRewritten {
		wire = outcome.Bytes
	}

	filtered, wire, dropReason, err := runFilters(d.Filters, bndl, wire)
	if err != nil {
		return fmt.Errorf("dispatch: re-parsing filter rewrite: %w", err)
	}
	if dropReason != nil {
		d.log().WithFields(map[string]interface{}{"bundle": filtered.ID(), "reason": *dropReason}).
			Info("ingress filter dropped bundle")
		d.Metrics.Ingested.WithLabelValues("filtered").Inc()
		d.sendReportForBundle(ctx, filtered, bpv7.DeletedBundle, *dropReason)
		return nil
	}
	bndl = filtered

	if len(outcome.PendingReports) > 0 {
		// Per parse.go, these are blocks dropped under ReportOnFailure; the
		// bundle survived but lost content it cannot recover.
		d.sendReportForBundle(ctx, bndl, bpv7.DeletedBundle, bpv7.BlockUnintelligible)
	}

	storageName, err := d.Bundles.Save(wire)
	if err != nil {
		return fmt.Errorf("dispatch: saving bundle bytes: %w", err)
	}

	id := bndl.ID()
	expiry := bundleExpiry(bndl, receivedAt)
	meta := store.Metadata{
		StorageName: storageName,
		BundleID:    id,
		ReceivedAt:  receivedAt,
		Expiry:      expiry,
		Status:      store.StatusNew,
		IngressCLA:  ingressCLA,
	}
	if err := d.Meta.Store(meta); err != nil {
		return fmt.Errorf("dispatch: storing bundle metadata: %w", err)
	}
	d.notifyReaper()
	d.Metrics.Ingested.WithLabelValues("admitted").Inc()

	if bndl.Primary.BundleControlFlags.Has(bpv7.BundleStatusRequestReception) {
		d.sendReportForBundle(ctx, bndl, bpv7.ReceivedBundle, bpv7.NoInformation)
	}

	return d.Dispatch(ctx, meta, bndl)
}

// bundleExpiry computes spec §4.7.2 step 2's expiry: creation time (or
// arrival time, when the bundle carries no wall-clock creation time and
// relies on a Bundle Age block instead) plus lifetime.
func bundleExpiry(bndl bpv7.Bundle, receivedAt time.Time) time.Time {
	base := receivedAt
	if bndl.Primary.CreationTimestamp.Time != 0 {
		base = bndl.Primary.CreationTimestamp.Time.Time()
	}
	return base.Add(time.Duration(bndl.Primary.Lifetime) * time.Microsecond)
}

// reportInvalid emits a best-effort deletion report using whatever
// ParseRewritten could recover from an otherwise-unparseable bundle.
func (d *Dispatcher) reportInvalid(ctx context.Context, outcome *bpv7.RewriteOutcome) {
	if outcome.RecoveredMetadata == nil || !d.ReportsEnabled {
		return
	}
	rm := outcome.RecoveredMetadata
	if rm.ReportTo.IsNull() {
		return
	}
	report := &bpv7.StatusReport{
		StatusInformation: []bpv7.BundleStatusItem{
			bpv7.NewBundleStatusItem(false),
			bpv7.NewBundleStatusItem(false),
			bpv7.NewBundleStatusItem(false),
			bpv7.NewBundleStatusItem(true),
		},
		ReportReason: bpv7.BlockUnintelligible,
		RefBundle:    bpv7.BundleID{SourceNode: rm.SourceNode, Timestamp: rm.CreationTimestamp},
	}
	d.emitAdminRecord(ctx, rm.ReportTo, report)
}
