package cla

import (
	"bytes"
	"context"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dtnstack/bpcore/pkg/bpv7"
	"github.com/dtnstack/bpcore/pkg/store"
)

// loadBundleBytes reads the full contents saved under storageName,
// closing the reader regardless of outcome.
func loadBundleBytes(bundles store.BundleStore, storageName string) ([]byte, error) {
	rc, err := bundles.Load(storageName)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// queueState is one of Open/Draining/Congested (spec §4.8.3).
type queueState int

const (
	stateOpen queueState = iota
	stateDraining
	stateCongested
)

func (s queueState) String() string {
	switch s {
	case stateOpen:
		return "Open"
	case stateDraining:
		return "Draining"
	case stateCongested:
		return "Congested"
	default:
		return "Unknown"
	}
}

type queueItem struct {
	meta    store.Metadata
	data    []byte
	attempt int
}

// egressQueue is one peer's hybrid memory/store egress channel. A bundle
// handed to send is already persisted as ForwardPending; the queue's only
// job is getting it into the in-memory channel, eventually, without ever
// holding a second copy in store once it has (spec §4.8.3's "never both"
// invariant follows directly from send never writing to store itself).
type egressQueue struct {
	mgr        *Manager
	peerID     uint32
	queueIndex int
	cla        CLA
	claAddr    []byte
	capacity   int

	ch   chan queueItem
	wake chan struct{}

	mu       sync.Mutex
	state    queueState
	draining bool
	closed   bool
	// inFlight holds the bundle IDs currently sitting in ch (or being
	// handled), so drain never re-polls an entry that is already in
	// memory: the spec's "either in memory or store, never both"
	// invariant would otherwise break the instant state flips to
	// Draining while earlier items are still queued.
	inFlight map[bpv7.BundleID]struct{}
}

func newEgressQueue(mgr *Manager, peerID uint32, queueIndex int, cla CLA, claAddr []byte) *egressQueue {
	return &egressQueue{
		mgr:        mgr,
		peerID:     peerID,
		queueIndex: queueIndex,
		cla:        cla,
		claAddr:    claAddr,
		capacity:   mgr.queueCapacity,
		ch:         make(chan queueItem, mgr.queueCapacity),
		wake:       make(chan struct{}, 1),
		state:      stateOpen,
		inFlight:   make(map[bpv7.BundleID]struct{}),
	}
}

func (q *egressQueue) markInFlight(id bpv7.BundleID) {
	q.mu.Lock()
	q.inFlight[id] = struct{}{}
	q.mu.Unlock()
}

func (q *egressQueue) isInFlight(id bpv7.BundleID) bool {
	q.mu.Lock()
	_, ok := q.inFlight[id]
	q.mu.Unlock()
	return ok
}

func (q *egressQueue) clearInFlight(id bpv7.BundleID) {
	q.mu.Lock()
	delete(q.inFlight, id)
	q.mu.Unlock()
}

func (q *egressQueue) peerLabel() string {
	return strconv.FormatUint(uint64(q.peerID), 10)
}

func (q *egressQueue) setDepthMetric() {
	q.mgr.dispatcher.Metrics.EgressQueueDepth.WithLabelValues(q.peerLabel()).Set(float64(len(q.ch)))
}

// send admits meta/data into the queue: straight into memory when Open,
// otherwise left exactly where the caller already persisted it (spec
// §4.8.3's ForwardPending record), with the state machine tracking
// whether a drain is still in progress.
func (q *egressQueue) send(meta store.Metadata, data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}

	switch q.state {
	case stateOpen:
		select {
		case q.ch <- queueItem{meta: meta, data: data}:
			q.inFlight[meta.BundleID] = struct{}{}
			q.setDepthMetric()
			return nil
		default:
			q.state = stateDraining
			q.notifyPollerLocked()
		}
	case stateDraining:
		if q.draining {
			// Store is still growing while a drain round is in flight;
			// the next round needs to re-probe rather than assume it has
			// caught up.
			q.state = stateCongested
		}
	}
	return nil
}

func (q *egressQueue) notifyPollerLocked() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *egressQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
}

// pollLoop wakes on a timer or an explicit notify and, whenever the queue
// isn't Open, drains whatever store has for this peer into memory.
func (q *egressQueue) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(q.mgr.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.wake:
		case <-ticker.C:
		}

		q.mu.Lock()
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil
		}

		q.drain(ctx)
	}
}

func (q *egressQueue) drain(ctx context.Context) {
	q.mu.Lock()
	if q.state == stateOpen {
		q.mu.Unlock()
		return
	}
	q.draining = true
	q.mu.Unlock()

	for {
		entries, err := q.mgr.dispatcher.Meta.PollPending(q.peerID, q.queueIndex, q.mgr.pollBatch)
		if err != nil {
			q.mgr.log().WithError(err).WithField("peer", q.peerID).Warn("cla: polling pending bundles failed")
			break
		}
		if len(entries) == 0 {
			break
		}

		added := 0
		for _, meta := range entries {
			if q.isInFlight(meta.BundleID) {
				continue
			}
			data, err := loadBundleBytes(q.mgr.dispatcher.Bundles, meta.StorageName)
			if err != nil {
				q.mgr.log().WithError(err).WithField("bundle", meta.BundleID).
					Warn("cla: loading pending bundle bytes failed")
				continue
			}
			q.markInFlight(meta.BundleID)
			select {
			case q.ch <- queueItem{meta: meta, data: data}:
				added++
			case <-ctx.Done():
				q.clearInFlight(meta.BundleID)
				q.mu.Lock()
				q.draining = false
				q.mu.Unlock()
				return
			}
		}
		q.setDepthMetric()

		if added == 0 || len(q.ch) >= q.capacity {
			break
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.draining = false

	if q.state == stateCongested {
		// Re-probe again on the very next tick instead of waiting for the
		// full poll interval.
		q.state = stateDraining
		q.notifyPollerLocked()
		return
	}

	// Round the half-capacity threshold up so a queue with capacity as
	// small as 1 can still recover to Open once it drains empty.
	halfCapacity := (q.capacity + 1) / 2
	if len(q.ch) < halfCapacity {
		remaining, err := q.mgr.dispatcher.Meta.PollPending(q.peerID, q.queueIndex, 1)
		if err == nil && len(remaining) == 0 {
			q.state = stateOpen
		}
	}
}

// consumeLoop pulls items off the in-memory channel and hands each to the
// owning CLA's Forward, acting on the result per spec §4.8.4.
func (q *egressQueue) consumeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item, ok := <-q.ch:
			if !ok {
				return nil
			}
			q.setDepthMetric()
			q.handle(ctx, item)
		}
	}
}

func (q *egressQueue) handle(ctx context.Context, item queueItem) {
	ctx, span := q.mgr.dispatcher.Tracer.Start(ctx, "cla.forward", trace.WithAttributes(
		attribute.String("bundle.id", item.meta.BundleID.String()),
		attribute.Int("peer.id", int(q.peerID)),
	))
	defer span.End()

	timer := prometheus.NewTimer(q.mgr.dispatcher.Metrics.ForwardLatency)
	result, err := q.cla.Forward(ctx, q.queueIndex, q.claAddr, item.data)
	timer.ObserveDuration()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		q.retryTransient(ctx, item)
		return
	}

	bndl, parseErr := bpv7.ParseBundle(bytes.NewReader(item.data))
	if parseErr != nil {
		q.mgr.log().WithError(parseErr).WithField("bundle", item.meta.BundleID).
			Warn("cla: re-parsing a bundle just handed to a CLA failed")
		q.clearInFlight(item.meta.BundleID)
		return
	}

	switch result.Kind {
	case Sent:
		if err := q.mgr.dispatcher.ForwardSent(ctx, bndl); err != nil {
			q.mgr.log().WithError(err).WithField("bundle", item.meta.BundleID).Warn("cla: finalizing a sent bundle failed")
		}
		q.clearInFlight(item.meta.BundleID)

	case NoNeighbour:
		if err := q.mgr.dispatcher.ForwardRetry(item.meta.BundleID); err != nil {
			q.mgr.log().WithError(err).WithField("bundle", item.meta.BundleID).Warn("cla: reverting to Waiting failed")
		}
		q.clearInFlight(item.meta.BundleID)

	case TooBig:
		if err := q.mgr.dispatcher.ForwardTooBig(ctx, item.meta, bndl, result.MaxSize); err != nil {
			q.mgr.log().WithError(err).WithField("bundle", item.meta.BundleID).Warn("cla: handling an oversized bundle failed")
		}
		q.clearInFlight(item.meta.BundleID)

	case TransientError:
		q.retryTransient(ctx, item)

	default:
		span.SetStatus(codes.Error, "unknown forward result kind")
		q.clearInFlight(item.meta.BundleID)
	}
}

// retryTransient schedules item for another attempt with exponential
// backoff, or gives up once that backoff would exceed the configured
// forwarding delay ceiling.
func (q *egressQueue) retryTransient(ctx context.Context, item queueItem) {
	item.attempt++
	delay := backoffDelay(item.attempt)
	if delay >= q.mgr.maxForwardingDelay {
		defer q.clearInFlight(item.meta.BundleID)
		bndl, err := bpv7.ParseBundle(bytes.NewReader(item.data))
		if err != nil {
			q.mgr.log().WithError(err).WithField("bundle", item.meta.BundleID).
				Warn("cla: re-parsing an exhausted bundle failed")
			return
		}
		if err := q.mgr.dispatcher.ForwardExceeded(ctx, bndl); err != nil {
			q.mgr.log().WithError(err).WithField("bundle", item.meta.BundleID).Warn("cla: dropping an exhausted bundle failed")
		}
		return
	}

	q.mgr.pool.Go(func(poolCtx context.Context) error {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-poolCtx.Done():
			return poolCtx.Err()
		case <-timer.C:
		}
		select {
		case q.ch <- item:
		case <-poolCtx.Done():
		}
		return nil
	})
}

// backoffDelay doubles starting from one second, per attempt.
func backoffDelay(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	if attempt > 20 {
		// Guard against overflow; the caller's maxForwardingDelay ceiling
		// is reached long before this matters.
		return time.Hour
	}
	return time.Second << uint(attempt-1)
}
