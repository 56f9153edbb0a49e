package store

import (
	"time"

	"github.com/dtnstack/bpcore/pkg/bpv7"
)

// MetadataStore is the bundle metadata trait of spec §4.5.1. Implementations
// must serialize concurrent writes while letting concurrent reads proceed
// unblocked, and must make Store idempotent on identical input.
type MetadataStore interface {
	// Store inserts or overwrites a bundle's metadata.
	Store(meta Metadata) error

	// Get returns a bundle's metadata, or ok=false if unknown.
	Get(id bpv7.BundleID) (meta Metadata, ok bool, err error)

	// UpdateStatus transitions a bundle's status. A transition away from
	// Waiting atomically removes it from the waiting queue.
	UpdateStatus(id bpv7.BundleID, status Status, params StatusParams) error

	// Tombstone marks a bundle StatusTerminal with the given reason.
	Tombstone(id bpv7.BundleID, reason TerminalReason) error

	// PollWaiting returns up to limit Waiting bundles, oldest received first.
	PollWaiting(limit int) ([]Metadata, error)

	// PollPending returns up to limit ForwardPending bundles queued for a
	// given peer and queue index, FIFO.
	PollPending(peerID uint32, queue int, limit int) ([]Metadata, error)

	// PollExpiring returns up to limit bundles whose expiry is before the
	// given time, ordered by expiry ascending.
	PollExpiring(before time.Time, limit int) ([]Metadata, error)

	// PollFragments returns every fragment metadata sharing an ADU key.
	PollFragments(key bpv7.AduKey) ([]Metadata, error)

	// ResetPeerQueue transitions every ForwardPending(peerID, *) entry back
	// to Waiting, returning the count reset.
	ResetPeerQueue(peerID uint32) (int, error)

	// StartRecovery marks every existing entry unconfirmed. A subsequent
	// ConfirmExists call clears the flag per entry; RemoveUnconfirmed drops
	// whatever is left.
	StartRecovery() error

	// ConfirmExists clears the unconfirmed flag for the bundle whose stored
	// payload lives at storageName.
	ConfirmExists(storageName string) error

	// RemoveUnconfirmed deletes and returns every metadata entry still
	// marked unconfirmed.
	RemoveUnconfirmed() ([]Metadata, error)
}
