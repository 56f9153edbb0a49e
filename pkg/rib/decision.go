package rib

import "github.com/dtnstack/bpcore/pkg/bpv7"

// DecisionKind identifies what the dispatcher should do with a bundle after
// resolution.
type DecisionKind int

const (
	DecisionDrop DecisionKind = iota
	DecisionReflect
	DecisionForward
	DecisionDeliverLocal
)

// Decision is the resolver's output for one destination EID: exactly one of
// Drop, Reflect, Forward(peer_id, queue_index), or DeliverLocal(service?).
type Decision struct {
	Kind DecisionKind

	Reason bpv7.StatusReportReason // set when Kind == DecisionDrop

	PeerID     uint32 // set when Kind == DecisionForward
	QueueIndex int    // set when Kind == DecisionForward

	Service    string // set when Kind == DecisionDeliverLocal and HasService
	HasService bool
}

func dropDecision(reason bpv7.StatusReportReason) Decision {
	return Decision{Kind: DecisionDrop, Reason: reason}
}

func forwardDecision(peerID uint32, queueIndex int) Decision {
	return Decision{Kind: DecisionForward, PeerID: peerID, QueueIndex: queueIndex}
}

func deliverLocalDecision(service string, hasService bool) Decision {
	return Decision{Kind: DecisionDeliverLocal, Service: service, HasService: hasService}
}
