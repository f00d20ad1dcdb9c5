package node

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"distributed-msglog/internal/consensus"
	"distributed-msglog/internal/message"
	"distributed-msglog/internal/replication"
	"distributed-msglog/internal/timesync"
)

func newTestNode(t *testing.T, peers map[string]string) *Node {
	t.Helper()
	n, err := New(Config{
		SelfID:           "n1",
		SelfAddr:         "127.0.0.1:0",
		Peers:            peers,
		DataDir:          t.TempDir(),
		ReplicationMode:  replication.Async,
		Quorum:           1,
		CorrectionMethod: timesync.Offset,
	})
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	return n
}

// waitForLeadership starts the engine's background loops and blocks until
// this single-node cluster has elected itself leader (no peers means the
// very first election timeout wins unopposed) or the deadline passes.
func waitForLeadership(t *testing.T, n *Node) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go n.engine.Run(ctx)

	deadline := time.After(2 * time.Second)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			if n.engine.IsLeader() {
				return cancel
			}
		case <-deadline:
			cancel()
			t.Fatal("node did not become leader before deadline")
		}
	}
}

func TestSendAsLeaderStoresAndCommits(t *testing.T) {
	n := newTestNode(t, nil)
	cancel := waitForLeadership(t, n)
	defer cancel()

	res, err := n.Send(context.Background(), "alice", "bob", []byte("hi"), 0, "")
	require.NoError(t, err)
	assert.False(t, res.Redirect)
	assert.Equal(t, int64(1), res.Msg.Seq)
	assert.NotEmpty(t, res.Msg.MsgID)

	assert.Eventually(t, func() bool {
		return n.store.CommitIndex() >= res.Msg.Seq
	}, time.Second, 10*time.Millisecond)
}

func TestSendRedirectsWhenLeaderKnown(t *testing.T) {
	n := newTestNode(t, map[string]string{"leaderX": "127.0.0.1:1"})

	reply := n.HandleAppendEntries(consensus.AppendEntriesArgs{
		Term:     1,
		LeaderID: "leaderX",
	})
	require.True(t, reply.Success)
	require.Equal(t, "leaderX", n.engine.LeaderID())

	res, err := n.Send(context.Background(), "alice", "bob", []byte("hi"), 0, "")
	require.NoError(t, err)
	assert.True(t, res.Redirect)
	assert.Equal(t, "http://127.0.0.1:1", res.LeaderURL)
}

func TestReplicateIsIdempotentByMsgID(t *testing.T) {
	n := newTestNode(t, nil)

	first, err := n.Replicate(context.Background(), testMessage("dup", 100.0, 100.5))
	require.NoError(t, err)

	second, err := n.Replicate(context.Background(), testMessage("dup", 999.0, 999.5))
	require.NoError(t, err)

	assert.Equal(t, first.Seq, second.Seq)
	assert.Equal(t, first.CorrectedTS, second.CorrectedTS, "corrected_ts must not be rewritten on a replicate retry")
}

func TestCommittedMessagesFiltersBySender(t *testing.T) {
	n := newTestNode(t, nil)
	cancel := waitForLeadership(t, n)
	defer cancel()

	_, err := n.Send(context.Background(), "alice", "room1", []byte("a"), 0, "")
	require.NoError(t, err)
	_, err = n.Send(context.Background(), "bob", "room1", []byte("b"), 0, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return n.store.CommitIndex() >= 2 }, time.Second, 10*time.Millisecond)

	msgs, err := n.CommittedMessages(context.Background(), 0, 0, "alice", "")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "alice", msgs[0].Sender)
}

func TestStatusReportsEverySubsystem(t *testing.T) {
	n := newTestNode(t, nil)
	status := n.Status()
	for _, key := range []string{"node_id", "consensus", "failure", "time_sync", "ordering", "committed_seq"} {
		assert.Contains(t, status, key)
	}
}

func testMessage(msgID string, originalTS, correctedTS float64) message.Message {
	return message.Message{
		MsgID:       msgID,
		Sender:      "sender1",
		Recipient:   "recipient1",
		Payload:     []byte("payload"),
		OriginalTS:  originalTS,
		CorrectedTS: correctedTS,
		ReceiveTS:   originalTS,
	}
}
