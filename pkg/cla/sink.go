package cla

import (
	"context"
	"fmt"

	"github.com/dtnstack/bpcore/pkg/bpv7"
)

// Sink is the manager's half of the CLA contract (spec §4.8.1): the
// handle a CLA uses to register peers, hand inbound bytes to the
// dispatcher, and learn when it is being shut down. Each CLA gets its own
// Sink, scoped to that CLA's registration.
type Sink struct {
	mgr  *Manager
	cla  CLA
	done chan struct{}
}

// AddPeer registers a reachable neighbour, assigning it a peer ID, opening
// its egress queue, and inserting the implicit wildcard route
// "nodeID/**" → Forward(peerID) into the routing table (spec §4.8.2).
func (s *Sink) AddPeer(nodeID bpv7.EndpointID, claAddr []byte) (uint32, error) {
	return s.mgr.addPeer(s.cla, nodeID, claAddr)
}

// RemovePeer undoes AddPeer: removes the route, drains the peer's egress
// queue back to Waiting, and closes it.
func (s *Sink) RemovePeer(peerID uint32) error {
	return s.mgr.removePeer(peerID)
}

// Dispatch hands inbound bytes received over this CLA to the bundle
// processing agent's ingress path.
func (s *Sink) Dispatch(ctx context.Context, data []byte) error {
	return s.mgr.dispatcher.Ingress(ctx, data, s.cla.Address())
}

// Done returns a channel closed once the manager begins unregistering
// this CLA, so a long-running Start implementation knows to return.
func (s *Sink) Done() <-chan struct{} {
	return s.done
}

func (m *Manager) addPeer(owner CLA, nodeID bpv7.EndpointID, claAddr []byte) (uint32, error) {
	m.mu.Lock()
	peerID := m.nextPeerID
	m.nextPeerID++
	m.mu.Unlock()

	if err := m.dispatcher.RIB.AddPeerRoute(nodeID, peerID, 0); err != nil {
		return 0, fmt.Errorf("cla: adding peer route for %s: %w", nodeID, err)
	}

	q := newEgressQueue(m, peerID, 0, owner, claAddr)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.dispatcher.RIB.RemovePeerRoute(peerID)
		return 0, errManagerClosed
	}
	m.peers[peerID] = &peerState{nodeID: nodeID, owner: owner, claAddr: claAddr, queue: q}
	m.mu.Unlock()

	m.pool.Go(func(ctx context.Context) error { return q.pollLoop(ctx) })
	m.pool.Go(func(ctx context.Context) error { return q.consumeLoop(ctx) })

	return peerID, nil
}

func (m *Manager) removePeer(peerID uint32) error {
	m.mu.Lock()
	ps, ok := m.peers[peerID]
	if ok {
		delete(m.peers, peerID)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("cla: unknown peer %d", peerID)
	}

	m.dispatcher.RIB.RemovePeerRoute(peerID)
	ps.queue.close()

	if _, err := m.dispatcher.Meta.ResetPeerQueue(peerID); err != nil {
		return fmt.Errorf("cla: resetting queue for peer %d: %w", peerID, err)
	}
	return nil
}
