package dispatch

import (
	"container/heap"
	"context"
	"time"

	"github.com/dtnstack/bpcore/pkg/bpv7"
	"github.com/dtnstack/bpcore/pkg/store"
)

// reaperItem is one entry in the reaper's bounded priority cache of
// soonest-expiring bundles.
type reaperItem struct {
	id     bpv7.BundleID
	expiry time.Time
}

// expiryHeap is a container/heap min-heap over reaperItem.expiry.
type expiryHeap []reaperItem

func (h expiryHeap) Len() int           { return len(h) }
func (h expiryHeap) Less(i, j int) bool { return h[i].expiry.Before(h[j].expiry) }
func (h expiryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *expiryHeap) Push(x any) { *h = append(*h, x.(reaperItem)) }

func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Reaper implements the bounded priority cache of soonest bundle
// expiries: sleep until the head comes due, tombstone it, refill from
// the metadata store. It also periodically re-dispatches bundles sitting
// in Waiting, giving a bundle a CLA reverted with NoNeighbour another
// shot at route resolution.
type Reaper struct {
	Dispatcher   *Dispatcher
	CacheSize    int
	WaitInterval time.Duration
	PollBatch    int

	cache expiryHeap
	wake  chan struct{}
}

// NewReaper builds a Reaper with the default 4096-entry expiry cache. A
// nil or non-positive waitInterval falls back to one minute.
func NewReaper(d *Dispatcher, waitInterval time.Duration) *Reaper {
	if waitInterval <= 0 {
		waitInterval = time.Minute
	}
	return &Reaper{
		Dispatcher:   d,
		CacheSize:    4096,
		WaitInterval: waitInterval,
		PollBatch:    256,
		wake:         make(chan struct{}, 1),
	}
}

// Notify wakes the reaper early. Never blocks; a pending wake coalesces
// with one already queued.
func (r *Reaper) Notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run sweeps expired and waiting bundles until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	waitTicker := time.NewTicker(r.WaitInterval)
	defer waitTicker.Stop()

	for {
		if err := r.refill(); err != nil {
			r.Dispatcher.log().WithError(err).Warn("reaper: refilling expiry cache failed")
		}

		timer := time.NewTimer(r.headDelay())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()

		case <-timer.C:
			if err := r.sweepExpired(); err != nil {
				r.Dispatcher.log().WithError(err).Warn("reaper: sweeping expired bundles failed")
			}

		case <-r.wake:
			timer.Stop()
			// The cache may now be stale; the next loop iteration refills it
			// before computing a fresh sleep duration.

		case <-waitTicker.C:
			timer.Stop()
			if err := r.sweepWaiting(ctx); err != nil {
				r.Dispatcher.log().WithError(err).Warn("reaper: retrying waiting bundles failed")
			}
		}
	}
}

// refill repopulates the cache with the CacheSize soonest-expiring
// bundles known to the metadata store, skipping any already terminal.
func (r *Reaper) refill() error {
	horizon := time.Now().AddDate(100, 0, 0)
	entries, err := r.Dispatcher.Meta.PollExpiring(horizon, r.CacheSize)
	if err != nil {
		return err
	}

	r.cache = r.cache[:0]
	for _, e := range entries {
		if e.Status == store.StatusTerminal {
			continue
		}
		r.cache = append(r.cache, reaperItem{id: e.BundleID, expiry: e.Expiry})
	}
	heap.Init(&r.cache)
	return nil
}

// headDelay returns how long to sleep until the cache's soonest expiry.
// An empty cache still wakes after WaitInterval so an idle reaper keeps
// noticing newly stored bundles even without an explicit Notify.
func (r *Reaper) headDelay() time.Duration {
	if r.cache.Len() == 0 {
		return r.WaitInterval
	}
	if d := time.Until(r.cache[0].expiry); d > 0 {
		return d
	}
	return 0
}

// sweepExpired tombstones the cache head and any other entries that have
// since come due, with LifetimeExpired.
func (r *Reaper) sweepExpired() error {
	now := time.Now()
	for r.cache.Len() > 0 && !r.cache[0].expiry.After(now) {
		item := heap.Pop(&r.cache).(reaperItem)

		meta, ok, err := r.Dispatcher.Meta.Get(item.id)
		if err != nil {
			return err
		}
		if !ok || meta.Status == store.StatusTerminal {
			continue
		}

		r.Dispatcher.log().WithField("bundle", item.id).Info("reaper: bundle lifetime expired")
		r.Dispatcher.Metrics.Dropped.WithLabelValues(bpv7.LifetimeExpired.String()).Inc()
		if err := r.Dispatcher.Meta.Tombstone(item.id, store.ReasonLifetimeExpired); err != nil {
			return err
		}
	}
	return nil
}

// sweepWaiting re-dispatches up to PollBatch bundles sitting in Waiting.
func (r *Reaper) sweepWaiting(ctx context.Context) error {
	waiting, err := r.Dispatcher.Meta.PollWaiting(r.PollBatch)
	if err != nil {
		return err
	}

	for _, meta := range waiting {
		bndl, err := r.Dispatcher.loadBundle(meta)
		if err != nil {
			r.Dispatcher.log().WithError(err).WithField("bundle", meta.BundleID).
				Warn("reaper: loading waiting bundle failed")
			continue
		}
		if err := r.Dispatcher.Dispatch(ctx, meta, bndl); err != nil {
			r.Dispatcher.log().WithError(err).WithField("bundle", meta.BundleID).
				Warn("reaper: re-dispatching waiting bundle failed")
		}
	}
	return nil
}
