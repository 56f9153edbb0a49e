package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dtnstack/bpcore/pkg/bpv7"
	"github.com/dtnstack/bpcore/pkg/rib"
	"github.com/dtnstack/bpcore/pkg/store"
)

// Dispatch runs spec §4.7.2's state machine for one bundle already
// persisted as meta: hop-count check, TTL check, route, then
// Drop/Reflect/Forward/Deliver. Callers load bndl once and pass it in, so
// a reassembled or just-parsed bundle never needs a round trip through
// the bundle store before its first dispatch step. One span covers the
// whole call, including any recursive re-entry for reassembly or a
// generated status report.
func (d *Dispatcher) Dispatch(ctx context.Context, meta store.Metadata, bndl bpv7.Bundle) error {
	ctx, span := d.Tracer.Start(ctx, "dispatch.bundle", trace.WithAttributes(
		attribute.String("bundle.id", meta.BundleID.String()),
		attribute.String("bundle.destination", bndl.Primary.Destination.String()),
	))
	defer span.End()

	return d.finish(span, d.dispatchStep(ctx, meta, bndl))
}

// finish records err on span, if non-nil, and returns it unchanged.
func (d *Dispatcher) finish(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (d *Dispatcher) dispatchStep(ctx context.Context, meta store.Metadata, bndl bpv7.Bundle) error {
	if hc, ok := hopCount(bndl); ok && hc.Exceeded() {
		d.log().WithField("bundle", meta.BundleID).Info("bundle hop count exceeded")
		return d.tombstone(ctx, meta, bndl, bpv7.HopLimitExceeded)
	}

	if time.Now().After(meta.Expiry) {
		d.log().WithField("bundle", meta.BundleID).Info("bundle lifetime expired")
		return d.tombstone(ctx, meta, bndl, bpv7.LifetimeExpired)
	}

	decision := d.RIB.Resolve(rib.ResolveInput{
		Destination:  bndl.Primary.Destination,
		PreviousNode: previousNode(bndl),
		Source:       bndl.Primary.SourceNode,
		CreationTS:   bndl.Primary.CreationTimestamp,
	})

	switch decision.Kind {
	case rib.DecisionDrop:
		return d.tombstone(ctx, meta, bndl, decision.Reason)

	case rib.DecisionReflect:
		// The RIB resolves ActionReflect hops internally (it re-runs
		// resolution with source and destination swapped) and never returns
		// DecisionReflect to a caller; this case exists only so an
		// unanticipated future RIB behaviour fails loudly instead of being
		// silently mis-handled as a drop.
		return fmt.Errorf("dispatch: RIB returned an unhandled Reflect decision for %s", meta.BundleID)

	case rib.DecisionForward:
		return d.forward(ctx, meta, bndl, decision.PeerID, decision.QueueIndex)

	case rib.DecisionDeliverLocal:
		return d.deliverLocal(ctx, meta, bndl, decision.Service, decision.HasService)

	default:
		return fmt.Errorf("dispatch: RIB returned an unknown decision kind %d for %s", decision.Kind, meta.BundleID)
	}
}

// tombstone marks meta terminal, translating reason into a status report
// (if requested) and a store.TerminalReason.
func (d *Dispatcher) tombstone(ctx context.Context, meta store.Metadata, bndl bpv7.Bundle, reason bpv7.StatusReportReason) error {
	d.sendReportForBundle(ctx, bndl, bpv7.DeletedBundle, reason)
	d.Metrics.Dropped.WithLabelValues(reason.String()).Inc()
	return d.Meta.Tombstone(meta.BundleID, terminalReason(reason))
}

// terminalReason maps the fine-grained RFC 9171 status report reason
// space onto the store's coarser terminal-reason taxonomy.
func terminalReason(reason bpv7.StatusReportReason) store.TerminalReason {
	switch reason {
	case bpv7.LifetimeExpired:
		return store.ReasonLifetimeExpired
	case bpv7.NoRouteToDestination:
		return store.ReasonNoKnownRoute
	default:
		return store.ReasonDrop
	}
}

// forward prepares bndl for transmission (hop count increment,
// previous-node update), persists its updated wire form, and hands it to
// the egress sink.
func (d *Dispatcher) forward(ctx context.Context, meta store.Metadata, bndl bpv7.Bundle, peerID uint32, queueIndex int) error {
	incrementHopCount(&bndl)
	setPreviousNode(&bndl, d.Node)

	buf := new(bytes.Buffer)
	if err := bndl.WriteBundle(buf); err != nil {
		return fmt.Errorf("dispatch: re-encoding forwarded bundle: %w", err)
	}
	storageName, err := d.Bundles.Save(buf.Bytes())
	if err != nil {
		return fmt.Errorf("dispatch: saving forwarded bundle bytes: %w", err)
	}
	meta.StorageName = storageName

	if err := d.Meta.UpdateStatus(meta.BundleID, store.StatusForwardPending, store.StatusParams{
		PeerID: peerID, QueueIndex: queueIndex,
	}); err != nil {
		return fmt.Errorf("dispatch: updating status to ForwardPending: %w", err)
	}
	meta.Status = store.StatusForwardPending
	meta.StatusParams = store.StatusParams{PeerID: peerID, QueueIndex: queueIndex}

	if err := d.Egress.Enqueue(peerID, queueIndex, meta, buf.Bytes()); err != nil {
		return fmt.Errorf("dispatch: enqueuing bundle %s for peer %d: %w", meta.BundleID, peerID, err)
	}
	d.Metrics.Forwarded.Inc()
	return nil
}

// deliverLocal routes a fragment to reassembly, or hands a whole bundle to
// the local sink and tombstones it as delivered.
func (d *Dispatcher) deliverLocal(ctx context.Context, meta store.Metadata, bndl bpv7.Bundle, service string, hasService bool) error {
	if bndl.Primary.HasFragmentation() {
		return d.handleFragment(ctx, meta, bndl)
	}

	buf := new(bytes.Buffer)
	if err := bndl.WriteBundle(buf); err != nil {
		return fmt.Errorf("dispatch: re-encoding delivered bundle: %w", err)
	}
	if err := d.Local.Deliver(service, hasService, bndl, buf.Bytes()); err != nil {
		return fmt.Errorf("dispatch: local delivery of %s: %w", meta.BundleID, err)
	}

	d.sendReportForBundle(ctx, bndl, bpv7.DeliveredBundle, bpv7.NoInformation)
	d.Metrics.Delivered.Inc()
	return d.Meta.Tombstone(meta.BundleID, store.ReasonDelivered)
}

// hopCount finds bndl's Hop Count extension block, if any.
func hopCount(bndl bpv7.Bundle) (*bpv7.HopCount, bool) {
	cb, err := bndl.ExtensionBlock(bpv7.ExtBlockTypeHopCount)
	if err != nil {
		return nil, false
	}
	hc, ok := cb.Typed.(*bpv7.HopCount)
	return hc, ok
}

// incrementHopCount bumps the Hop Count block's counter and re-syncs its
// raw bytes to match, a no-op if the bundle carries none.
func incrementHopCount(bndl *bpv7.Bundle) {
	cb, err := bndl.ExtensionBlock(bpv7.ExtBlockTypeHopCount)
	if err != nil {
		return
	}
	hc, ok := cb.Typed.(*bpv7.HopCount)
	if !ok {
		return
	}
	hc.Count++
	if data, err := hc.MarshalBinary(); err == nil {
		cb.Data = data
	}
}

// previousNode returns bndl's Previous Node block value, or the null
// endpoint if it carries none.
func previousNode(bndl bpv7.Bundle) bpv7.EndpointID {
	cb, err := bndl.ExtensionBlock(bpv7.ExtBlockTypePreviousNode)
	if err != nil {
		return bpv7.DtnNone()
	}
	pn, ok := cb.Typed.(*bpv7.PreviousNode)
	if !ok {
		return bpv7.DtnNone()
	}
	return pn.Node
}

// setPreviousNode replaces bndl's Previous Node block with self, adding
// one if it carries none yet.
func setPreviousNode(bndl *bpv7.Bundle, self bpv7.EndpointID) {
	if cb, err := bndl.ExtensionBlock(bpv7.ExtBlockTypePreviousNode); err == nil {
		pn := &bpv7.PreviousNode{Node: self}
		cb.Typed = pn
		if data, err := pn.MarshalBinary(); err == nil {
			cb.Data = data
		}
		return
	}
	bndl.AddExtensionBlock(bpv7.NewPreviousNodeBlock(self))
}
