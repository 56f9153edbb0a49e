package cla

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtnstack/bpcore/pkg/dispatch"
	"github.com/dtnstack/bpcore/pkg/store"
	"github.com/dtnstack/bpcore/pkg/task"
)

var errManagerClosed = errors.New("cla: manager is closed")

// Manager supervises registered CLAs, restarting failed ones on a timer,
// and owns every peer's egress queue. It implements dispatch.EgressSink,
// so a Dispatcher hands forward-bound bundles straight to it. Grounded on
// the teacher's Manager/convergenceElem restart-supervision shape.
type Manager struct {
	dispatcher *dispatch.Dispatcher
	pool       *task.Pool

	// queueCapacity bounds each peer's in-memory egress channel before it
	// starts persisting to store (spec §4.8.3).
	queueCapacity int
	// pollInterval is how often a Draining/Congested queue re-probes
	// store for pending entries even without an explicit wake.
	pollInterval time.Duration
	// pollBatch bounds how many store-backed entries a poller drains into
	// memory per round.
	pollBatch int
	// retryTTL is the number of restart attempts a failed CLA Start gets
	// before the manager gives up on it.
	retryTTL int
	// retryInterval is the spacing between restart attempts.
	retryInterval time.Duration
	// maxForwardingDelay bounds TransientError backoff: once the next
	// backoff would reach it, the bundle is dropped. NoNeighbour results
	// revert the bundle to Waiting and are not bounded by it.
	maxForwardingDelay time.Duration

	mu         sync.Mutex
	byAddress  map[string]*claElem
	peers      map[uint32]*peerState
	nextPeerID uint32
	closed     bool
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithQueueCapacity sets the in-memory egress channel size per peer.
func WithQueueCapacity(n int) Option {
	return func(m *Manager) { m.queueCapacity = n }
}

// WithMaxForwardingDelay sets the ceiling on forward retry backoff.
func WithMaxForwardingDelay(d time.Duration) Option {
	return func(m *Manager) { m.maxForwardingDelay = d }
}

// WithRestartPolicy sets the restart attempt count and spacing for a CLA
// whose Start fails.
func WithRestartPolicy(ttl int, interval time.Duration) Option {
	return func(m *Manager) {
		m.retryTTL = ttl
		m.retryInterval = interval
	}
}

// NewManager creates a Manager bound to dispatcher and wires itself in as
// its egress sink. Background work (CLA restart ticking, peer queue
// pollers and consumers) runs under a task.Pool derived from parent and
// stops when Close is called.
func NewManager(parent context.Context, dispatcher *dispatch.Dispatcher, opts ...Option) *Manager {
	m := &Manager{
		dispatcher:         dispatcher,
		pool:               task.NewPool(parent),
		queueCapacity:      64,
		pollInterval:       time.Second,
		pollBatch:          32,
		retryTTL:           10,
		retryInterval:      10 * time.Second,
		maxForwardingDelay: 5 * time.Minute,
		byAddress:          make(map[string]*claElem),
		peers:              make(map[uint32]*peerState),
	}
	dispatcher.Egress = m

	m.pool.Go(m.superviseLoop)
	return m
}

// log returns a logger scoped to the CLA manager, matching the
// dispatcher's own per-component logging convention.
func (m *Manager) log() *log.Entry {
	return log.WithField("component", "cla")
}

// superviseLoop periodically retries any registered CLA that is not
// currently active, mirroring the teacher's activation ticker.
func (m *Manager) superviseLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.mu.Lock()
			elems := make([]*claElem, 0, len(m.byAddress))
			for _, e := range m.byAddress {
				elems = append(elems, e)
			}
			m.mu.Unlock()

			for _, e := range elems {
				if ok, retry := e.activate(); !ok && !retry {
					m.log().WithField("cla", e.cla.Address()).
						Warn("cla: giving up on a CLA that exhausted its restart attempts")
					m.mu.Lock()
					delete(m.byAddress, e.cla.Address())
					m.mu.Unlock()
				}
			}
		}
	}
}

// Register activates c and begins supervising it. A second registration
// under the same Address is ignored.
func (m *Manager) Register(c CLA) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if _, exists := m.byAddress[c.Address()]; exists {
		m.mu.Unlock()
		m.log().WithField("cla", c.Address()).Debug("cla: registration ignored, address already known")
		return
	}
	elem := &claElem{cla: c, mgr: m, ttl: m.retryTTL}
	m.byAddress[c.Address()] = elem
	m.mu.Unlock()

	if ok, retry := elem.activate(); !ok && !retry {
		m.mu.Lock()
		delete(m.byAddress, c.Address())
		m.mu.Unlock()
	}
}

// Unregister deactivates c, closes it, and removes every peer it owns.
func (m *Manager) Unregister(c CLA) {
	m.mu.Lock()
	elem, exists := m.byAddress[c.Address()]
	if exists {
		delete(m.byAddress, c.Address())
	}
	var owned []uint32
	for id, ps := range m.peers {
		if ps.owner == c {
			owned = append(owned, id)
		}
	}
	m.mu.Unlock()

	if !exists {
		return
	}
	elem.deactivate()

	for _, id := range owned {
		pid := id
		m.pool.Go(func(context.Context) error {
			if err := m.removePeer(pid); err != nil {
				m.log().WithError(err).WithField("peer", pid).Warn("cla: cleaning up peer after CLA unregistration failed")
			}
			return nil
		})
	}
}

// Enqueue implements dispatch.EgressSink, routing a forward-bound bundle
// to its peer's egress queue.
func (m *Manager) Enqueue(peerID uint32, queueIndex int, meta store.Metadata, data []byte) error {
	m.mu.Lock()
	ps, ok := m.peers[peerID]
	m.mu.Unlock()
	if !ok {
		return errors.New("cla: enqueue for an unknown peer")
	}
	return ps.queue.send(meta, data)
}

// Close shuts every registered CLA down and stops all background work.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	elems := make([]*claElem, 0, len(m.byAddress))
	for _, e := range m.byAddress {
		elems = append(elems, e)
	}
	m.mu.Unlock()

	for _, e := range elems {
		e.deactivate()
	}
	return m.pool.Shutdown()
}

// claElem wraps one registered CLA with restart bookkeeping, grounded on
// the teacher's convergenceElem: ttl counts remaining restart attempts
// and active records whether the CLA is currently running; ttl reaching
// zero means give up.
type claElem struct {
	cla CLA
	mgr *Manager

	mu     sync.Mutex
	active bool
	ttl    int
	sink   *Sink
}

func (e *claElem) activate() (ok, retry bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.active {
		return true, false
	}
	if e.ttl == 0 {
		return false, false
	}

	sink := &Sink{mgr: e.mgr, cla: e.cla, done: make(chan struct{})}
	if err := e.cla.Start(sink); err != nil {
		e.mgr.log().WithError(err).WithField("cla", e.cla.Address()).Warn("cla: start failed")
		e.ttl--
		return false, e.ttl != 0
	}

	e.active = true
	e.sink = sink
	e.mgr.log().WithField("cla", e.cla.Address()).Info("cla: started")
	return true, false
}

func (e *claElem) deactivate() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.active {
		return
	}
	close(e.sink.done)
	if err := e.cla.Close(); err != nil {
		e.mgr.log().WithError(err).WithField("cla", e.cla.Address()).Warn("cla: close failed")
	}
	e.active = false
	e.sink = nil
}
