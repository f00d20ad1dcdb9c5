package timesync

import (
	"sort"
	"sync"

	"distributed-msglog/internal/message"
)

// CausalOrderer gates delivery of messages that carry a vector clock: a
// message is deliverable once the sender's entry in its vector clock is
// exactly one more than this node's local view of that sender, and no
// other entry in the message's clock exceeds the local view (meaning
// nothing that causally precedes it, per its sender's knowledge, is
// still missing). Messages without a vector clock bypass this gate
// entirely and are ordered by corrected_ts alone via Buffer.
type CausalOrderer struct {
	mu      sync.Mutex
	nodeID  string
	local   VectorClock
	pending []message.Message
}

// NewCausalOrderer creates a CausalOrderer for nodeID.
func NewCausalOrderer(nodeID string) *CausalOrderer {
	return &CausalOrderer{
		nodeID: nodeID,
		local:  make(VectorClock),
	}
}

// IncrementLocal bumps this node's own clock entry, called once per
// message this node itself delivers (including causally-gated ones).
func (c *CausalOrderer) IncrementLocal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.local.Increment(c.nodeID)
}

// CanDeliver reports whether msg's vector clock makes it immediately
// deliverable given the current local view.
func (c *CausalOrderer) CanDeliver(msg message.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canDeliverLocked(msg)
}

func (c *CausalOrderer) canDeliverLocked(msg message.Message) bool {
	if len(msg.VectorClock) == 0 {
		return true
	}
	return VectorClock(msg.VectorClock).ReadyFrom(msg.Sender, c.local)
}

// AddPending queues msg for later delivery if it isn't yet causally
// deliverable.
func (c *CausalOrderer) AddPending(msg message.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, msg.Clone())
}

// DeliverReady scans pending messages, delivers every one that has
// become deliverable (updating the local clock as each is delivered, so
// a chain of causally-dependent messages can unblock in one call), and
// returns them sorted by corrected_ts.
func (c *CausalOrderer) DeliverReady() []message.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	var delivered []message.Message
	progress := true
	for progress {
		progress = false
		var stillPending []message.Message
		for _, msg := range c.pending {
			if c.canDeliverLocked(msg) {
				c.local = c.local.Merge(msg.VectorClock)
				delivered = append(delivered, msg)
				progress = true
			} else {
				stillPending = append(stillPending, msg)
			}
		}
		c.pending = stillPending
	}

	sort.Slice(delivered, func(i, j int) bool { return delivered[i].CorrectedTS < delivered[j].CorrectedTS })
	return delivered
}

// PendingCount reports how many messages are waiting on causal
// dependencies.
func (c *CausalOrderer) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
