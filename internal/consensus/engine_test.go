package consensus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"distributed-msglog/internal/failure"
	"distributed-msglog/internal/message"
	"distributed-msglog/internal/store"
)

// noopTransport never reaches a peer, used for single-node cluster tests
// where no RPC should ever actually fire.
type noopTransport struct{}

func (noopTransport) RequestVote(peer string, args RequestVoteArgs) (RequestVoteReply, error) {
	return RequestVoteReply{}, nil
}

func (noopTransport) AppendEntries(peer string, args AppendEntriesArgs) (AppendEntriesReply, error) {
	return AppendEntriesReply{}, nil
}

func newTestEngine(t *testing.T, peers []string, transport Transport) *Engine {
	t.Helper()
	st, err := store.Open(t.TempDir(), "n1", nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	det := failure.New(peers)
	e, err := New("n1", peers, transport, st, det)
	require.NoError(t, err)
	return e
}

func TestSingleNodeBecomesLeaderImmediately(t *testing.T) {
	e := newTestEngine(t, nil, noopTransport{})
	e.startElection()
	assert.True(t, e.IsLeader())
	assert.Equal(t, int64(1), e.Term())
}

func TestMajorityArithmeticForOddAndEvenClusterSizes(t *testing.T) {
	cases := []struct {
		peers    int
		majority int
	}{
		{0, 1}, // 1-node cluster
		{2, 2}, // 3-node cluster
		{4, 3}, // 5-node cluster
		{3, 3}, // 4-node cluster
	}
	for _, c := range cases {
		peers := make([]string, c.peers)
		for i := range peers {
			peers[i] = "p"
		}
		e := &Engine{peers: peers}
		assert.Equal(t, c.majority, e.majority())
	}
}

func TestRequestVoteRejectsStaleTerm(t *testing.T) {
	e := newTestEngine(t, []string{"p1"}, noopTransport{})
	e.mu.Lock()
	e.currentTerm = 5
	e.mu.Unlock()

	reply := e.HandleRequestVote(RequestVoteArgs{Term: 3, CandidateID: "p1"})
	assert.False(t, reply.VoteGranted)
	assert.Equal(t, int64(5), reply.Term)
}

func TestRequestVoteGrantsOncePerTerm(t *testing.T) {
	e := newTestEngine(t, []string{"p1", "p2"}, noopTransport{})

	first := e.HandleRequestVote(RequestVoteArgs{Term: 1, CandidateID: "p1"})
	assert.True(t, first.VoteGranted)

	second := e.HandleRequestVote(RequestVoteArgs{Term: 1, CandidateID: "p2"})
	assert.False(t, second.VoteGranted, "must not grant a second vote in the same term to a different candidate")
}

func TestAppendEntriesStoresAndAcks(t *testing.T) {
	e := newTestEngine(t, []string{"leader"}, noopTransport{})

	stored := make([]message.Message, 0)
	storeFn := func(m message.Message) (message.Message, error) {
		m.Seq = int64(len(stored)) + 1
		stored = append(stored, m)
		return m, nil
	}

	reply := e.HandleAppendEntries(AppendEntriesArgs{
		Term:     1,
		LeaderID: "leader",
		Entries:  []message.Message{{MsgID: "a"}, {MsgID: "b"}},
	}, storeFn)

	assert.True(t, reply.Success)
	assert.Equal(t, int64(2), reply.MatchIndex)
	assert.Len(t, stored, 2)
	assert.Equal(t, "leader", e.LeaderID())
}

func TestAppendEntriesRejectsStaleTerm(t *testing.T) {
	e := newTestEngine(t, []string{"leader"}, noopTransport{})
	e.mu.Lock()
	e.currentTerm = 10
	e.mu.Unlock()

	reply := e.HandleAppendEntries(AppendEntriesArgs{Term: 3, LeaderID: "leader"}, func(m message.Message) (message.Message, error) {
		t.Fatal("must not store entries from a stale-term leader")
		return message.Message{}, nil
	})
	assert.False(t, reply.Success)
	assert.Equal(t, int64(10), reply.Term)
}

func TestEnqueueDropsOnlyWhenNotLeader(t *testing.T) {
	e := newTestEngine(t, []string{"p1"}, noopTransport{})
	e.Enqueue(message.Message{MsgID: "x"})
	e.mu.Lock()
	n := len(e.pending)
	e.mu.Unlock()
	assert.Equal(t, 0, n, "a non-leader must not queue entries for dispatch")
}

func TestHandleRequestVoteDeniesGrantWhenPersistenceFails(t *testing.T) {
	e := newTestEngine(t, []string{"p1"}, noopTransport{})
	e.store.Close()

	reply := e.HandleRequestVote(RequestVoteArgs{Term: 1, CandidateID: "p1"})
	assert.False(t, reply.VoteGranted, "a vote must not be granted if it can't be durably recorded")
}

func TestHandleAppendEntriesFailsWhenPersistenceFails(t *testing.T) {
	e := newTestEngine(t, []string{"leader"}, noopTransport{})
	e.store.Close()

	reply := e.HandleAppendEntries(AppendEntriesArgs{Term: 1, LeaderID: "leader"}, func(m message.Message) (message.Message, error) {
		return m, nil
	})
	assert.False(t, reply.Success, "a follower must not ack entries if it can't durably record the new term/vote")
}

func TestRunStopsOnContextCancel(t *testing.T) {
	e := newTestEngine(t, nil, noopTransport{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
