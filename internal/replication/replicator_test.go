package replication

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"distributed-msglog/internal/failure"
	"distributed-msglog/internal/message"
)

func newAckingPeer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func addrOf(srv *httptest.Server) string {
	return srv.Listener.Addr().String()
}

func TestReplicateWriteAsyncReturnsImmediately(t *testing.T) {
	peer := newAckingPeer(t)
	det := failure.New([]string{"p1"})
	r := New("self", map[string]string{"p1": addrOf(peer)}, det, Async, 2)

	err := r.ReplicateWrite(context.Background(), message.Message{MsgID: "a"})
	assert.NoError(t, err)
}

func TestReplicateWriteSyncQuorumSucceedsWithEnoughAcks(t *testing.T) {
	p1 := newAckingPeer(t)
	p2 := newAckingPeer(t)
	det := failure.New([]string{"p1", "p2"})
	r := New("self", map[string]string{"p1": addrOf(p1), "p2": addrOf(p2)}, det, SyncQuorum, 2)

	err := r.ReplicateWrite(context.Background(), message.Message{MsgID: "a"})
	assert.NoError(t, err)
}

func TestReplicateWriteSyncQuorumFailsWhenPeersUnreachable(t *testing.T) {
	det := failure.New([]string{"p1", "p2"})
	r := New("self", map[string]string{"p1": "127.0.0.1:1", "p2": "127.0.0.1:1"}, det, SyncQuorum, 3)

	err := r.ReplicateWrite(context.Background(), message.Message{MsgID: "a"})
	require.Error(t, err)
	var qErr *ErrQuorumNotReached
	require.ErrorAs(t, err, &qErr)
	assert.Less(t, qErr.Acks, qErr.Required)
}

func TestSyncWithPeerIngestsReturnedMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sync", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		var body struct {
			Since int64 `json:"since"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.EqualValues(t, 5, body.Since)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"messages": []message.Message{{MsgID: "m1", Seq: 6}, {MsgID: "m2", Seq: 7}},
		})
	}))
	defer srv.Close()

	var ingested int32
	syncer := NewSyncer(map[string]string{"p1": addrOf(srv)}, func() int64 { return 5 }, func(ctx context.Context, msg message.Message) error {
		atomic.AddInt32(&ingested, 1)
		return nil
	})

	err := syncer.SyncWithPeer(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), ingested)
}

func TestSyncWithPeerUnknownPeerErrors(t *testing.T) {
	syncer := NewSyncer(map[string]string{}, func() int64 { return 0 }, func(ctx context.Context, msg message.Message) error { return nil })
	err := syncer.SyncWithPeer(context.Background(), "ghost")
	assert.Error(t, err)
}
