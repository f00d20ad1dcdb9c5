package timesync

import "maps"

// VectorClock maps node id to the number of events that node has
// observed. It gates causal message delivery for CausalOrderer: a
// message's clock is deliverable against a local view once the sender's
// own entry is exactly one ahead of what local has seen and no other
// entry exceeds local's view of that node.
type VectorClock map[string]uint64

// Increment bumps this node's own counter.
func (vc VectorClock) Increment(nodeID string) {
	vc[nodeID]++
}

// ReadyFrom reports whether vc — a message's vector clock, sent by
// sender — is causally deliverable given the local view.
func (vc VectorClock) ReadyFrom(sender string, local VectorClock) bool {
	for node, cnt := range vc {
		if node == sender {
			if cnt != local[node]+1 {
				return false
			}
			continue
		}
		if cnt > local[node] {
			return false
		}
	}
	return true
}

// Merge returns the component-wise maximum of vc and other, used to fold
// a delivered message's clock into the local view.
func (vc VectorClock) Merge(other VectorClock) VectorClock {
	merged := vc.Copy()
	for node, cnt := range other {
		if cnt > merged[node] {
			merged[node] = cnt
		}
	}
	return merged
}

// Copy returns an independent copy of vc.
func (vc VectorClock) Copy() VectorClock {
	c := make(VectorClock, len(vc))
	maps.Copy(c, vc)
	return c
}
