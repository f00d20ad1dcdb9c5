package timesync

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"distributed-msglog/internal/message"
)

func TestMessageWithoutVectorClockAlwaysDeliverable(t *testing.T) {
	c := NewCausalOrderer("n1")
	assert.True(t, c.CanDeliver(message.Message{MsgID: "a"}))
}

func TestCanDeliverRequiresExactlyNextFromSender(t *testing.T) {
	c := NewCausalOrderer("n1")
	msg := message.Message{Sender: "s1", VectorClock: map[string]uint64{"s1": 1}}
	assert.True(t, c.CanDeliver(msg))

	msg2 := message.Message{Sender: "s1", VectorClock: map[string]uint64{"s1": 2}}
	assert.False(t, c.CanDeliver(msg2), "must not deliver out of causal order from the same sender")
}

func TestCanDeliverRejectsUnseenDependency(t *testing.T) {
	c := NewCausalOrderer("n1")
	msg := message.Message{Sender: "s1", VectorClock: map[string]uint64{"s1": 1, "s2": 5}}
	assert.False(t, c.CanDeliver(msg), "must not deliver when it depends on entries from s2 this node hasn't seen")
}

func TestDeliverReadyUnblocksChainInOrder(t *testing.T) {
	c := NewCausalOrderer("n1")
	second := message.Message{MsgID: "2", Sender: "s1", CorrectedTS: 2, VectorClock: map[string]uint64{"s1": 2}}
	first := message.Message{MsgID: "1", Sender: "s1", CorrectedTS: 1, VectorClock: map[string]uint64{"s1": 1}}

	c.AddPending(second)
	assert.Equal(t, 1, c.PendingCount())

	c.AddPending(first)
	delivered := c.DeliverReady()

	assert.Len(t, delivered, 2)
	assert.Equal(t, "1", delivered[0].MsgID)
	assert.Equal(t, "2", delivered[1].MsgID)
	assert.Equal(t, 0, c.PendingCount())
}
