package timesync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"distributed-msglog/internal/message"
)

func TestGetDeliverableOrdersByCorrectedTS(t *testing.T) {
	b := NewBuffer(DefaultBufferCapacity, 5*time.Second)
	base := time.Now()
	baseTS := float64(base.UnixNano()) / 1e9

	// "earlier" has been waiting long enough (age >= half the timeout)
	// and nothing smaller remains pending once "later" is excluded by
	// its own, more recent, receive_ts — so only "earlier" clears the
	// grace-period rule this round.
	require.NoError(t, b.AddMessage(message.Message{MsgID: "earlier", CorrectedTS: baseTS + 1, ReceiveTS: baseTS}))
	require.NoError(t, b.AddMessage(message.Message{MsgID: "later", CorrectedTS: baseTS + 2, ReceiveTS: baseTS + 3}))

	delivered := b.GetDeliverable(base.Add(3600 * time.Millisecond))
	require.Len(t, delivered, 1)
	assert.Equal(t, "earlier", delivered[0].MsgID)
}

func TestGetDeliverableDeliversAllAfterTimeout(t *testing.T) {
	b := NewBuffer(DefaultBufferCapacity, 5*time.Second)
	base := time.Now()
	baseTS := float64(base.UnixNano()) / 1e9

	require.NoError(t, b.AddMessage(message.Message{MsgID: "a", CorrectedTS: baseTS + 2, ReceiveTS: baseTS}))
	require.NoError(t, b.AddMessage(message.Message{MsgID: "b", CorrectedTS: baseTS + 1, ReceiveTS: baseTS}))

	delivered := b.GetDeliverable(base.Add(6 * time.Second))
	require.Len(t, delivered, 2)
	assert.Equal(t, "b", delivered[0].MsgID)
	assert.Equal(t, "a", delivered[1].MsgID)
}

func TestAddMessageRejectsAlreadyDeliveredDuplicate(t *testing.T) {
	b := NewBuffer(DefaultBufferCapacity, 5*time.Second)
	base := time.Now()
	baseTS := float64(base.UnixNano()) / 1e9

	require.NoError(t, b.AddMessage(message.Message{MsgID: "dup", CorrectedTS: baseTS, ReceiveTS: baseTS}))
	b.GetDeliverable(base.Add(6 * time.Second))

	err := b.AddMessage(message.Message{MsgID: "dup", CorrectedTS: baseTS, ReceiveTS: baseTS})
	assert.Error(t, err)
}

func TestOverflowDropsOldestTenPercent(t *testing.T) {
	b := NewBuffer(10, time.Hour)
	base := float64(time.Now().UnixNano()) / 1e9
	for i := 0; i < 11; i++ {
		err := b.AddMessage(message.Message{
			MsgID:       string(rune('a' + i)),
			CorrectedTS: base + float64(i),
			ReceiveTS:   base + float64(i),
		})
		require.NoError(t, err)
	}
	b.mu.Lock()
	size := len(b.heap)
	drops := b.dropCount
	b.mu.Unlock()
	assert.LessOrEqual(t, size, 10)
	assert.GreaterOrEqual(t, drops, int64(1))
}

func TestForceDeliverAllDrainsBuffer(t *testing.T) {
	b := NewBuffer(DefaultBufferCapacity, 5*time.Second)
	base := float64(time.Now().UnixNano()) / 1e9
	require.NoError(t, b.AddMessage(message.Message{MsgID: "a", CorrectedTS: base + 1, ReceiveTS: base}))
	require.NoError(t, b.AddMessage(message.Message{MsgID: "b", CorrectedTS: base, ReceiveTS: base}))

	delivered := b.ForceDeliverAll()
	require.Len(t, delivered, 2)
	assert.Equal(t, "b", delivered[0].MsgID)

	status := b.Status()
	assert.Equal(t, 0, status["buffered_count"])
}
