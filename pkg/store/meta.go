// Package store defines the bundle metadata and bundle-payload persistence
// contracts, plus in-memory and on-disk reference implementations.
package store

import (
	"time"

	"github.com/dtnstack/bpcore/pkg/bpv7"
)

// Status is a bundle's position in the dispatch lifecycle, per the
// transition DAG New -> Dispatching -> {ForwardPending, AduFragment,
// Delivered, Tombstone}; ForwardPending -> Dispatching on signal;
// Waiting -> Dispatching on reaper wakeup; AduFragment -> Dispatching
// when all fragments are present. Numeric values are stable across
// restarts since the disk backend indexes by them.
type Status uint8

const (
	StatusNew Status = iota
	StatusWaiting
	StatusForwardPending
	StatusAduFragment
	StatusDispatching
	// StatusTerminal covers both Delivered and Tombstone; StatusParams.Reason
	// distinguishes a clean delivery (ReasonDelivered) from the rest.
	StatusTerminal
)

func (s Status) String() string {
	switch s {
	case StatusNew:
		return "New"
	case StatusWaiting:
		return "Waiting"
	case StatusForwardPending:
		return "ForwardPending"
	case StatusAduFragment:
		return "AduFragment"
	case StatusDispatching:
		return "Dispatching"
	case StatusTerminal:
		return "Terminal"
	default:
		return "Unknown"
	}
}

// TerminalReason records why a bundle reached StatusTerminal.
type TerminalReason string

const (
	ReasonDelivered          TerminalReason = "delivered"
	ReasonForwarded          TerminalReason = "forwarded"
	ReasonLifetimeExpired    TerminalReason = "lifetime_expired"
	ReasonNoKnownRoute       TerminalReason = "no_known_route"
	ReasonRetransmitExceeded TerminalReason = "retransmit_exceeded"
	ReasonDuplicate          TerminalReason = "duplicate"
	ReasonDrop               TerminalReason = "drop"
	ReasonCanceled           TerminalReason = "canceled"
)

// StatusParams carries the per-status payload from spec §3.3's status
// table. Only the fields relevant to Status are meaningful.
type StatusParams struct {
	PeerID     uint32 // ForwardPending
	QueueIndex int    // ForwardPending

	CreationTS bpv7.CreationTimestamp // AduFragment
	Sequence   uint64                 // AduFragment
	SourceEID  bpv7.EndpointID        // AduFragment

	Reason TerminalReason // Terminal
}

// Metadata is the persistent record spec §3.3 attaches to every bundle:
// everything the dispatcher needs without loading the bundle's bytes.
type Metadata struct {
	StorageName string
	BundleID    bpv7.BundleID

	ReceivedAt time.Time
	Expiry     time.Time

	Status       Status
	StatusParams StatusParams

	IngressCLA string

	// SourceBuffer holds the bundle's bytes until BundleStore.Save has been
	// confirmed; callers should drop this field once StorageName is durable.
	SourceBuffer []byte
}
