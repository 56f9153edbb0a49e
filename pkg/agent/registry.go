// Package agent implements the service registry (spec §4.9): local
// endpoints that applications and full-bundle services register to send
// and receive bundles through the dispatcher.
package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/dtnstack/bpcore/pkg/bpv7"
	"github.com/dtnstack/bpcore/pkg/dispatch"
	"github.com/dtnstack/bpcore/pkg/rib"
	"github.com/dtnstack/bpcore/pkg/store"
)

// SendOptions tunes one outgoing bundle beyond its destination, payload,
// and lifetime.
type SendOptions struct {
	// ReportTo overrides the default of ReportTo == the sink's endpoint.
	ReportTo bpv7.EndpointID
	// Flags ORs extra bundle control flags, e.g. BundleStatusRequestDelivery.
	Flags bpv7.BundleControlFlags
	// HopLimit adds a Hop Count block when non-zero.
	HopLimit uint8
}

// Registry is the service registry of spec §4.9: a directory of endpoints
// this node answers for, each owned by exactly one Sink. It implements
// dispatch.LocalSink, so the dispatcher hands every locally-addressed
// bundle straight to it.
//
// Grounded on the teacher's MuxAgent (pkg/agent/mux_agent.go): a single
// switchboard routing by recipient, here keyed by exact EID rather than a
// channel fan-out, since this registry answers a direct Deliver call
// instead of broadcasting a Message.
type Registry struct {
	dispatcher *dispatch.Dispatcher

	mu    sync.Mutex
	sinks map[string]*Sink
}

// New builds a Registry bound to d, wiring itself in as its local sink.
func New(d *dispatch.Dispatcher) *Registry {
	r := &Registry{dispatcher: d, sinks: make(map[string]*Sink)}
	d.Local = r
	return r
}

func (r *Registry) log() *log.Entry {
	return log.WithField("component", "agent")
}

// errEndpointOwned is returned by Register when eid is already claimed by
// another Sink.
var errEndpointOwned = errors.New("agent: endpoint already registered")

// ErrInvalidDestination is returned by Sink.Send when the RIB cannot
// resolve dest at all (spec §4.9's Err(InvalidDestination)).
var ErrInvalidDestination = errors.New("agent: destination unreachable")

// ErrTooLarge is returned by Sink.Send when the payload exceeds what the
// bundle can carry. bpcore has no fixed MTU at this layer (fragmentation
// happens in the egress queue), so this is currently unused but kept as
// part of the contract spec §4.9 names explicitly.
var ErrTooLarge = errors.New("agent: payload too large")

// ErrDisconnected is returned by Sink.Send and by any bundle still
// in-flight when its owning Sink unregisters.
var ErrDisconnected = errors.New("agent: sink disconnected")

// Kind distinguishes the two registration types of spec §4.9.
type Kind int

const (
	// Application registers a payload-level sink: Deliver hands it
	// source, payload bytes, and delivery metadata, never a raw bundle.
	Application Kind = iota
	// Service registers a full-bundle sink: Deliver hands it the complete
	// decoded bundle, and Send lets it shape bundles beyond a flat
	// payload (extra extension blocks, custom control flags).
	Service
)

// ApplicationHandler receives payload-level deliveries for an Application
// registration.
type ApplicationHandler interface {
	DeliverPayload(source bpv7.EndpointID, expiry time.Time, ackRequested bool, payload []byte)
}

// ServiceHandler receives whole-bundle deliveries for a Service
// registration.
type ServiceHandler interface {
	DeliverBundle(bndl bpv7.Bundle, data []byte)
}

// register claims eid for this registration, returning a Sink that can
// send under that identity and deliveries will be routed to handler.
// Exactly one of app/svc is consulted, selected by kind. Registration
// fails if eid is already owned (spec §4.9).
func (r *Registry) register(eid bpv7.EndpointID, kind Kind, app ApplicationHandler, svc ServiceHandler) (*Sink, error) {
	key := eid.String()

	r.mu.Lock()
	if _, exists := r.sinks[key]; exists {
		r.mu.Unlock()
		return nil, errEndpointOwned
	}
	s := &Sink{
		registry: r,
		eid:      eid,
		kind:     kind,
		app:      app,
		svc:      svc,
	}
	r.sinks[key] = s
	r.mu.Unlock()

	r.dispatcher.RIB.SetLocalEntry(eid, rib.LocalEntry{Kind: rib.LocalService, ServiceHandle: key})
	r.log().WithField("endpoint", key).Info("agent: endpoint registered")
	return s, nil
}

// RegisterApplication registers a payload-level sink at eid.
func (r *Registry) RegisterApplication(eid bpv7.EndpointID, handler ApplicationHandler) (*Sink, error) {
	return r.register(eid, Application, handler, nil)
}

// RegisterService registers a full-bundle sink at eid.
func (r *Registry) RegisterService(eid bpv7.EndpointID, handler ServiceHandler) (*Sink, error) {
	return r.register(eid, Service, nil, handler)
}

// unregister frees eid, rejecting anything s still has outstanding.
func (r *Registry) unregister(s *Sink) {
	key := s.eid.String()

	r.mu.Lock()
	if r.sinks[key] != s {
		r.mu.Unlock()
		return
	}
	delete(r.sinks, key)
	r.mu.Unlock()

	r.dispatcher.RIB.RemoveLocalEntry(s.eid)
	s.disconnect()
	r.log().WithField("endpoint", key).Info("agent: endpoint unregistered")
}

// Deliver implements dispatch.LocalSink. hasService selects a specific
// registered sink by its service handle; otherwise the bundle addressed
// bare node endpoint has nothing registered to receive it and is
// dropped. Per spec §4.9's delivery policy, the dispatcher never calls
// this for a fragment: fragments are reassembled into a whole ADU first.
func (r *Registry) Deliver(service string, hasService bool, bndl bpv7.Bundle, data []byte) error {
	if !hasService {
		// Addressed to this node's bare admin endpoint: an administrative
		// record (status report, custody signal) with no consumer
		// registered here. Accepted and discarded rather than treated as
		// a delivery failure.
		r.log().WithField("bundle", bndl.ID()).Debug("agent: discarding bundle addressed to the bare admin endpoint")
		return nil
	}

	r.mu.Lock()
	s, ok := r.sinks[service]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("agent: delivery to unregistered endpoint %s", service)
	}

	return s.deliver(bndl, data)
}

// Sink is one registered endpoint's handle: the contract spec §4.9 calls
// sink.send/sink.cancel. A Sink is valid until its owner calls Close.
type Sink struct {
	registry *Registry
	eid      bpv7.EndpointID
	kind     Kind
	app      ApplicationHandler
	svc      ServiceHandler

	mu       sync.Mutex
	closed   bool
	inFlight map[bpv7.BundleID]struct{}
}

// Endpoint returns the EID this sink is registered under.
func (s *Sink) Endpoint() bpv7.EndpointID { return s.eid }

// deliver hands an inbound bundle to this sink's handler according to its
// kind, enforcing the Application delivery policy (no admin records).
func (s *Sink) deliver(bndl bpv7.Bundle, data []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrDisconnected
	}

	switch s.kind {
	case Application:
		if bndl.Primary.BundleControlFlags.Has(bpv7.BundleAdministrativeRecord) {
			return fmt.Errorf("agent: administrative records are not deliverable to an Application sink")
		}
		payload, err := bndl.ExtensionBlock(bpv7.ExtBlockTypePayload)
		if err != nil {
			return fmt.Errorf("agent: bundle %s has no payload block: %w", bndl.ID(), err)
		}
		ack := bndl.Primary.BundleControlFlags.Has(bpv7.BundleRequestUserAck)
		s.app.DeliverPayload(bndl.Primary.SourceNode, expiryOf(bndl), ack, payload.Data)
		return nil

	case Service:
		s.svc.DeliverBundle(bndl, data)
		return nil

	default:
		return fmt.Errorf("agent: sink has an unknown registration kind")
	}
}

// expiryOf recomputes a delivered bundle's expiry from its creation
// timestamp and lifetime, for handing to an Application handler alongside
// its payload.
func expiryOf(bndl bpv7.Bundle) time.Time {
	base := bndl.Primary.CreationTimestamp.Time.Time()
	return base.Add(time.Duration(bndl.Primary.Lifetime) * time.Microsecond)
}

// Send originates a bundle from this sink's endpoint to dest, carrying
// payload, with the given lifetime. It returns the minted bundle ID on
// success.
func (s *Sink) Send(ctx context.Context, dest bpv7.EndpointID, payload []byte, lifetime time.Duration, opts SendOptions) (bpv7.BundleID, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return bpv7.BundleID{}, ErrDisconnected
	}

	d := s.registry.dispatcher
	decision := d.RIB.Resolve(rib.ResolveInput{Destination: dest})
	if decision.Kind == rib.DecisionDrop {
		return bpv7.BundleID{}, ErrInvalidDestination
	}

	b := bpv7.NewBuilder().
		Source(s.eid).
		Destination(dest).
		CreationTimestampNow(0).
		Lifetime(lifetime).
		ControlFlags(opts.Flags).
		Payload(0, payload)
	if !opts.ReportTo.IsNull() {
		b = b.ReportTo(opts.ReportTo)
	}
	if opts.HopLimit > 0 {
		b = b.HopCountBlock(opts.HopLimit)
	}

	bndl, err := b.Build()
	if err != nil {
		return bpv7.BundleID{}, fmt.Errorf("agent: building outgoing bundle: %w", err)
	}

	// A correlation id ties this send to whatever trace span eventually
	// carries the bundle through dispatch, independent of whether a real
	// exporter is attached.
	correlationID := uuid.New()

	buf := new(bytes.Buffer)
	if err := bndl.WriteBundle(buf); err != nil {
		return bpv7.BundleID{}, fmt.Errorf("agent: encoding outgoing bundle: %w", err)
	}
	storageName, err := d.Bundles.Save(buf.Bytes())
	if err != nil {
		return bpv7.BundleID{}, fmt.Errorf("agent: saving outgoing bundle: %w", err)
	}

	id := bndl.ID()
	meta := store.Metadata{
		StorageName: storageName,
		BundleID:    id,
		ReceivedAt:  time.Now(),
		Expiry:      expiryOf(bndl),
		Status:      store.StatusNew,
		IngressCLA:  "local",
	}
	if err := d.Meta.Store(meta); err != nil {
		return bpv7.BundleID{}, fmt.Errorf("agent: storing outgoing bundle metadata: %w", err)
	}

	s.mu.Lock()
	if s.inFlight == nil {
		s.inFlight = make(map[bpv7.BundleID]struct{})
	}
	s.inFlight[id] = struct{}{}
	s.mu.Unlock()

	s.registry.log().WithField("bundle", id).WithField("correlation_id", correlationID).
		Debug("agent: originating bundle")

	if err := d.Dispatch(ctx, meta, bndl); err != nil {
		s.mu.Lock()
		delete(s.inFlight, id)
		s.mu.Unlock()
		return bpv7.BundleID{}, fmt.Errorf("agent: dispatching outgoing bundle: %w", err)
	}

	s.mu.Lock()
	delete(s.inFlight, id)
	s.mu.Unlock()

	return id, nil
}

// Cancel attempts to stop a previously sent bundle from being forwarded
// further, per spec §4.9's sink.cancel contract. It reports true only if
// the bundle was still in a cancellable state (not yet terminal).
func (s *Sink) Cancel(id bpv7.BundleID) (bool, error) {
	meta, ok, err := s.registry.dispatcher.Meta.Get(id)
	if err != nil {
		return false, fmt.Errorf("agent: looking up %s: %w", id, err)
	}
	if !ok || meta.Status == store.StatusTerminal {
		return false, nil
	}
	if err := s.registry.dispatcher.Meta.Tombstone(id, store.ReasonCanceled); err != nil {
		return false, fmt.Errorf("agent: cancelling %s: %w", id, err)
	}
	return true, nil
}

// disconnect marks s unusable and rejects everything it still has
// outstanding with Disconnected, per spec §4.9's unregistration policy.
func (s *Sink) disconnect() {
	s.mu.Lock()
	s.closed = true
	inFlight := s.inFlight
	s.inFlight = nil
	s.mu.Unlock()

	for id := range inFlight {
		if err := s.registry.dispatcher.Meta.Tombstone(id, store.ReasonDrop); err != nil {
			s.registry.log().WithError(err).WithField("bundle", id).
				Warn("agent: tombstoning in-flight bundle on disconnect failed")
		}
	}
}

// Close unregisters s, freeing its endpoint.
func (s *Sink) Close() error {
	s.registry.unregister(s)
	return nil
}
