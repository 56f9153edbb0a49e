// Package cla implements the convergence layer adapter registry of spec
// §4.8: a restart-supervised manager of CLA instances, peer lifecycle with
// implicit route insertion, and the hybrid memory/store egress queue each
// peer gets. Concrete wire protocols (TCPCLv4, MTCP, and the rest of the
// teacher's cla/* tree) are external collaborators implementing the CLA
// contract defined here; none ship in this package.
package cla

import (
	"context"

	"github.com/dtnstack/bpcore/pkg/bpv7"
)

// ResultKind is the outcome of one CLA.Forward call (spec §4.8.4).
type ResultKind int

const (
	// Sent confirms the bundle left the wire successfully.
	Sent ResultKind = iota
	// NoNeighbour reports no reachable link to the peer right now.
	NoNeighbour
	// TooBig reports the transport cannot carry a bundle this large;
	// Result.MaxSize names the largest size it can.
	TooBig
	// TransientError reports a recoverable failure worth retrying with
	// backoff.
	TransientError
)

func (k ResultKind) String() string {
	switch k {
	case Sent:
		return "Sent"
	case NoNeighbour:
		return "NoNeighbour"
	case TooBig:
		return "TooBig"
	case TransientError:
		return "TransientError"
	default:
		return "Unknown"
	}
}

// Result is returned by CLA.Forward.
type Result struct {
	Kind ResultKind
	// MaxSize is meaningful only when Kind == TooBig.
	MaxSize int
}

// CLA is implemented by a convergence layer adapter. The manager
// supervises its lifecycle and routes bundles to it; wire-level framing,
// dialing, and listening are entirely the adapter's concern.
type CLA interface {
	// Address uniquely identifies this CLA instance, e.g. "mtcp://:4556".
	// Manager.Register refuses a second registration under the same
	// address.
	Address() string

	// Start begins operating the CLA against sink: opening a listener,
	// dialing a configured peer, or similar. A returned error is retried
	// by the manager per its restart policy.
	Start(sink *Sink) error

	// Forward transmits bundleBytes over the link identified by
	// claAddr, an address previously supplied to Sink.AddPeer and opaque
	// to the manager. queueIndex distinguishes parallel lanes to the same
	// peer, for CLAs that support more than one.
	Forward(ctx context.Context, queueIndex int, claAddr []byte, bundleBytes []byte) (Result, error)

	// Close shuts the CLA down, releasing any held resources.
	Close() error
}

// peerState is the manager's bookkeeping for one registered peer.
type peerState struct {
	nodeID  bpv7.EndpointID
	owner   CLA
	claAddr []byte
	queue   *egressQueue
}
