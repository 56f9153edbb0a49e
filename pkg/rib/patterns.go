package rib

import (
	"fmt"

	"github.com/dtnstack/bpcore/pkg/bpv7"
	"github.com/dtnstack/bpcore/pkg/eidpattern"
)

// nodeWildcardPattern builds the pattern matching any EID under nodeID's
// node, regardless of service/demux path: the "node_id/**" wildcard spec
// §4.8.2 describes for peer registration.
func nodeWildcardPattern(nodeID bpv7.EndpointID) (*eidpattern.Pattern, error) {
	if nodeName, _, ok := nodeID.DtnComponents(); ok {
		return eidpattern.Parse(fmt.Sprintf("dtn://%s/**", nodeName))
	}
	if alloc, node, _, _, ok := nodeID.IpnComponents(); ok {
		return eidpattern.Parse(fmt.Sprintf("ipn:%d.%d.*", alloc, node))
	}
	return nil, fmt.Errorf("rib: %s has neither a dtn nor an ipn node component", nodeID)
}
