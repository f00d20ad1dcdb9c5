package failure

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDetectorStartsOptimistic(t *testing.T) {
	d := New([]string{"n1", "n2"})
	assert.True(t, d.IsAlive("n1"))
	assert.True(t, d.IsAlive("n2"))
	assert.ElementsMatch(t, []string{"n1", "n2"}, d.AlivePeers())
}

func TestUnknownPeerIsNotAlive(t *testing.T) {
	d := New([]string{"n1"})
	assert.False(t, d.IsAlive("ghost"))
}

func TestMarkDeadThenAliveAgain(t *testing.T) {
	d := New([]string{"n1"})
	d.MarkDead("n1")
	assert.False(t, d.IsAlive("n1"))
	d.MarkAlive("n1")
	assert.True(t, d.IsAlive("n1"))
}

func TestCheckFailuresMarksTimedOutPeerDead(t *testing.T) {
	d := New([]string{"n1"})
	clock := time.Now()
	d.now = func() time.Time { return clock }
	d.MarkAlive("n1")

	clock = clock.Add(LivenessTimeout + time.Second)
	d.CheckFailures()

	assert.False(t, d.IsAlive("n1"))
}

func TestCheckFailuresLeavesRecentlySeenPeerAlive(t *testing.T) {
	d := New([]string{"n1"})
	clock := time.Now()
	d.now = func() time.Time { return clock }
	d.MarkAlive("n1")

	clock = clock.Add(LivenessTimeout / 2)
	d.CheckFailures()

	assert.True(t, d.IsAlive("n1"))
}

func TestStatusSnapshotsAllPeers(t *testing.T) {
	d := New([]string{"n1", "n2"})
	d.MarkDead("n2")
	status := d.Status()
	require.Len(t, status, 2)
	assert.True(t, status["n1"])
	assert.False(t, status["n2"])
}
