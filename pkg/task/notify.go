package task

import "sync"

// Notify is a single-shot inter-task notification, grounded on the
// stopSyn/stopAck handshake pattern used by the CLA manager: a closed
// channel that any number of waiters can observe without coordination.
type Notify struct {
	once sync.Once
	ch   chan struct{}
}

// NewNotify creates a ready-to-use Notify.
func NewNotify() *Notify {
	return &Notify{ch: make(chan struct{})}
}

// Signal fires the notification. Safe to call more than once; only the
// first call has an effect.
func (n *Notify) Signal() {
	n.once.Do(func() { close(n.ch) })
}

// C returns a channel that is closed once Signal has been called.
func (n *Notify) C() <-chan struct{} {
	return n.ch
}

// Fired reports whether Signal has already been called.
func (n *Notify) Fired() bool {
	select {
	case <-n.ch:
		return true
	default:
		return false
	}
}
