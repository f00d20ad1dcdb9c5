// Package node wires the durable store, failure detector, consensus
// engine, replication pipeline, and time pipeline into the operations the
// HTTP layer calls. It owns every subcomponent; nothing downstream of it
// holds a back-reference to Node itself, so each subcomponent stays
// testable in isolation (see internal/consensus's storeEntry callback and
// internal/timesync's injected Prober for the same pattern one level
// down).
package node

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"distributed-msglog/internal/consensus"
	"distributed-msglog/internal/failure"
	"distributed-msglog/internal/message"
	"distributed-msglog/internal/replication"
	"distributed-msglog/internal/store"
	"distributed-msglog/internal/timesync"
)

// probeTimeout bounds the NTP-style /time exchange and the plain
// liveness probe the failure detector drives.
const probeTimeout = 2 * time.Second

// Config collects everything needed to build a Node. Peers maps a peer's
// node id to its bare host:port address (no scheme, matching the
// consensus transport and replicator's addressing convention); it must
// be the same on every node in the cluster, modulo SelfID/SelfAddr.
type Config struct {
	SelfID           string
	SelfAddr         string
	Peers            map[string]string
	DataDir          string
	ReplicationMode  replication.Mode
	Quorum           int
	CorrectionMethod timesync.Method
	Logger           *zap.SugaredLogger
}

// Node is a single cluster member: every subsystem the spec names, glued
// together and exposed as the handful of operations the HTTP surface
// calls into.
type Node struct {
	cfg Config
	log *zap.SugaredLogger

	store      *store.Store
	detector   *failure.Detector
	transport  *consensus.HTTPTransport
	engine     *consensus.Engine
	replicator *replication.Replicator
	syncer     *replication.Syncer
	httpClient *http.Client

	timeSync  *timesync.Sync
	skew      *timesync.SkewAnalyzer
	corrector *timesync.Corrector
	buffer    *timesync.Buffer
	causal    *timesync.CausalOrderer
}

// New constructs a Node and wires every subcomponent, but starts none of
// the background loops — call Run for that once the HTTP server is also
// ready to accept traffic.
func New(cfg Config) (*Node, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.Quorum <= 0 {
		cfg.Quorum = 2
	}

	peerIDs := make([]string, 0, len(cfg.Peers))
	for id := range cfg.Peers {
		peerIDs = append(peerIDs, id)
	}

	n := &Node{
		cfg:        cfg,
		log:        cfg.Logger,
		httpClient: &http.Client{Timeout: probeTimeout},
	}

	n.skew = timesync.NewSkewAnalyzer()
	n.timeSync = timesync.New(n, n.alivePeerIDs, n.skew.RecordOffset, n.onPeerSyncFailed)
	n.corrector = timesync.NewCorrector(cfg.CorrectionMethod, n.timeSync, n.skew)
	n.buffer = timesync.NewBuffer(timesync.DefaultBufferCapacity, timesync.DefaultBufferTimeout)
	n.causal = timesync.NewCausalOrderer(cfg.SelfID)

	st, err := store.Open(cfg.DataDir, cfg.SelfID, n.corrector)
	if err != nil {
		return nil, fmt.Errorf("node: open store: %w", err)
	}
	n.store = st

	n.detector = failure.New(peerIDs)
	n.transport = consensus.NewHTTPTransport(cfg.Peers)

	engine, err := consensus.New(cfg.SelfID, peerIDs, n.transport, st, n.detector)
	if err != nil {
		return nil, fmt.Errorf("node: new consensus engine: %w", err)
	}
	n.engine = engine
	engine.OnCommit(n.onEntryCommitted)

	n.replicator = replication.New(cfg.SelfID, cfg.Peers, n.detector, cfg.ReplicationMode, cfg.Quorum)
	n.syncer = replication.NewSyncer(cfg.Peers, n.localMaxSeq, n.ingestSynced)

	return n, nil
}

// Run starts every background loop (election timer, leader heartbeat,
// failure probing, catch-up sync, time sync) and blocks until ctx is
// cancelled.
func (n *Node) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(4)

	go func() {
		defer wg.Done()
		n.engine.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		n.detector.Run(ctx, n.probePeer)
	}()
	go func() {
		defer wg.Done()
		n.syncer.Run(ctx, func(peer string, err error) {
			n.log.Debugw("catch-up sync failed", "peer", peer, "error", err)
		})
	}()
	go func() {
		defer wg.Done()
		n.timeSync.Run(ctx)
	}()

	wg.Wait()
}

// Close releases the durable store's underlying file handle.
func (n *Node) Close() error {
	return n.store.Close()
}

// --- ingress -----------------------------------------------------------

// SendResult is the outcome of Send, one of the three cases described in
// spec.md §6's /send response: Redirect (with LeaderURL), QuorumFail, or
// a stored Msg. A QuorumFail result also carries the locally stored Msg.
type SendResult struct {
	Redirect   bool
	LeaderURL  string
	QuorumFail bool
	Msg        message.Message
}

// Send is the producer-ingress path (spec.md §4.4). It assigns a msg_id
// if absent, stores the message with a freshly corrected timestamp, and
// replicates it per the configured mode. A non-leader that knows the
// current leader reports a redirect instead; a non-leader that knows of
// no leader accepts the write itself.
func (n *Node) Send(ctx context.Context, sender, recipient string, payload []byte, originalTS float64, msgID string) (SendResult, error) {
	if !n.engine.IsLeader() {
		if url := n.LeaderURL(); url != "" {
			return SendResult{Redirect: true, LeaderURL: url}, nil
		}
	}

	if msgID == "" {
		msgID = uuid.NewString()
	}
	if originalTS == 0 {
		originalTS = n.nowSeconds()
	}

	msg, inserted, err := n.store.Put(ctx, store.Insert{
		MsgID:      msgID,
		Sender:     sender,
		Recipient:  recipient,
		Payload:    payload,
		OriginalTS: originalTS,
		ReceiveTS:  n.nowSeconds(),
	})
	if err != nil {
		return SendResult{}, fmt.Errorf("node: send: %w", err)
	}

	if inserted {
		n.buffer.AddMessage(msg) //nolint:errcheck // dup add_message errors cannot occur for a freshly inserted msg_id
		if n.engine.IsLeader() {
			n.engine.Enqueue(msg)
		}

		switch n.cfg.ReplicationMode {
		case replication.Async:
			go func() {
				replCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := n.replicator.ReplicateWrite(replCtx, msg); err != nil {
					n.log.Debugw("async replication incomplete", "msg_id", msg.MsgID, "error", err)
				}
			}()
			n.store.Commit(msg.Seq)
		case replication.SyncQuorum:
			if err := n.replicator.ReplicateWrite(ctx, msg); err != nil {
				return SendResult{QuorumFail: true, Msg: msg}, err
			}
			n.store.Commit(msg.Seq)
		}
	}

	return SendResult{Msg: msg}, nil
}

// Replicate is the follower ingest path: idempotent store by msg_id,
// followed by an immediate local commit since the leader has already
// fixed this entry's ordering.
func (n *Node) Replicate(ctx context.Context, msg message.Message) (message.Message, error) {
	correctedTS := msg.CorrectedTS
	stored, _, err := n.store.Put(ctx, store.Insert{
		MsgID:       msg.MsgID,
		Sender:      msg.Sender,
		Recipient:   msg.Recipient,
		Payload:     msg.Payload,
		OriginalTS:  msg.OriginalTS,
		ReceiveTS:   n.nowSeconds(),
		CorrectedTS: &correctedTS,
		Metadata:    msg.CorrectionMetadata,
	})
	if err != nil {
		return message.Message{}, fmt.Errorf("node: replicate: %w", err)
	}
	n.buffer.AddMessage(stored) //nolint:errcheck // a replicate retry may legitimately re-add an already-delivered id; the buffer rejects it harmlessly
	n.store.Commit(stored.Seq)
	return stored, nil
}

// Sync answers a catch-up request: every locally known message with seq
// strictly greater than since, ascending.
func (n *Node) Sync(ctx context.Context, since int64) ([]message.Message, error) {
	return n.store.Since(ctx, since)
}

// CommittedMessages answers a consumer read: committed entries after
// afterSeq, optionally filtered by sender/recipient, capped at limit.
func (n *Node) CommittedMessages(ctx context.Context, afterSeq, limit int64, sender, recipient string) ([]message.Message, error) {
	return n.store.CommittedSince(ctx, afterSeq, limit, sender, recipient)
}

// DeliverReady returns messages the reordering buffer (and, if any
// message carries a vector clock, the causal orderer) now considers
// ready for delivery.
func (n *Node) DeliverReady() []message.Message {
	ready := n.buffer.GetDeliverable(time.Now())
	if len(ready) == 0 {
		return ready
	}
	var out []message.Message
	for _, msg := range ready {
		if len(msg.VectorClock) == 0 {
			out = append(out, msg)
			continue
		}
		if n.causal.CanDeliver(msg) {
			n.causal.IncrementLocal()
			out = append(out, msg)
		} else {
			n.causal.AddPending(msg)
		}
	}
	out = append(out, n.causal.DeliverReady()...)
	return out
}

// --- consensus RPC passthrough -------------------------------------------

func (n *Node) HandleRequestVote(args consensus.RequestVoteArgs) consensus.RequestVoteReply {
	return n.engine.HandleRequestVote(args)
}

func (n *Node) HandleAppendEntries(args consensus.AppendEntriesArgs) consensus.AppendEntriesReply {
	return n.engine.HandleAppendEntries(args, func(msg message.Message) (message.Message, error) {
		correctedTS := msg.CorrectedTS
		stored, _, err := n.store.Put(context.Background(), store.Insert{
			MsgID:       msg.MsgID,
			Sender:      msg.Sender,
			Recipient:   msg.Recipient,
			Payload:     msg.Payload,
			OriginalTS:  msg.OriginalTS,
			ReceiveTS:   n.nowSeconds(),
			CorrectedTS: &correctedTS,
			Metadata:    msg.CorrectionMetadata,
		})
		if err != nil {
			return message.Message{}, err
		}
		n.buffer.AddMessage(stored) //nolint:errcheck // a re-appended already-delivered id is harmless
		return stored, nil
	})
}

func (n *Node) onEntryCommitted(msg message.Message) {
	n.buffer.AddMessage(msg) //nolint:errcheck // best-effort: committed entries that already cleared the buffer are fine to drop
}

// --- status ---------------------------------------------------------------

// Status reports a snapshot of every subsystem for the /status endpoint.
func (n *Node) Status() map[string]any {
	return map[string]any{
		"node_id":       n.cfg.SelfID,
		"consensus":     n.engine.Status(),
		"failure":       n.detector.Status(),
		"time_sync":     n.timeSync.Status(),
		"ordering":      n.buffer.Status(),
		"committed_seq": n.store.CommitIndex(),
	}
}

// ClockStatus reports the drift analyzer's own statistics, for the
// operator-facing /clock endpoint.
func (n *Node) ClockStatus() map[string]any {
	return n.skew.Statistics()
}

// OrderingStatus reports the reordering buffer's statistics, for
// /ordering/status.
func (n *Node) OrderingStatus() map[string]any {
	return n.buffer.Status()
}

// TimeStats reports the timestamp corrector's accumulated statistics,
// for /time/stats.
func (n *Node) TimeStats() map[string]any {
	return n.corrector.Statistics()
}

// TriggerSync forces one round of NTP-style peer synchronization, for
// the operator action POST /time/sync.
func (n *Node) TriggerSync(ctx context.Context) error {
	return n.timeSync.SynchronizeWithPeers(ctx)
}

// CorrectTimestamp exposes the corrector directly, for the operator
// action POST /time/correct (correcting an arbitrary timestamp without
// storing a message).
func (n *Node) CorrectTimestamp(originalTS float64, sender string) (float64, map[string]any) {
	return n.corrector.CorrectTimestamp(originalTS, sender)
}

// ForceDelivery drains the reordering buffer unconditionally, for the
// operator action POST /ordering/force_delivery.
func (n *Node) ForceDelivery() []message.Message {
	return n.buffer.ForceDeliverAll()
}

// ResetTimeStats clears the drift analyzer's and corrector's accumulated
// statistics, for the operator action POST /time/reset.
func (n *Node) ResetTimeStats() {
	n.skew.Reset()
	n.corrector.Reset()
}

// LeaderURL returns the base URL of the current term's leader, or "" if
// unknown (no leader elected yet, or the leader is this node).
func (n *Node) LeaderURL() string {
	id := n.engine.LeaderID()
	if id == "" || id == n.cfg.SelfID {
		return ""
	}
	addr, ok := n.cfg.Peers[id]
	if !ok {
		return ""
	}
	return "http://" + addr
}

// --- internal helpers -----------------------------------------------------

func (n *Node) nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

func (n *Node) localMaxSeq() int64 {
	seq, err := n.store.MaxSeq(context.Background())
	if err != nil {
		n.log.Warnw("max_seq failed during catch-up sync", "error", err)
		return 0
	}
	return seq
}

func (n *Node) ingestSynced(ctx context.Context, msg message.Message) error {
	_, err := n.Replicate(ctx, msg)
	return err
}

func (n *Node) alivePeerIDs() []string {
	return n.detector.AlivePeers()
}

func (n *Node) onPeerSyncFailed(peer string) {
	n.detector.MarkDead(peer)
}

// probePeer drives the failure detector: a plain GET /heartbeat, cheaper
// than a consensus RPC and with no term/vote side effects.
func (n *Node) probePeer(peer string) bool {
	addr, ok := n.cfg.Peers[peer]
	if !ok {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/heartbeat", nil)
	if err != nil {
		return false
	}
	resp, err := n.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 300
}

// Probe implements timesync.Prober: it performs one leg of the NTP-style
// exchange against peer's /time endpoint and reports the peer's own
// receive/send timestamps.
func (n *Node) Probe(ctx context.Context, peer string) (serverReceiveTime, serverSendTime float64, err error) {
	addr, ok := n.cfg.Peers[peer]
	if !ok {
		return 0, 0, fmt.Errorf("node: probe: unknown peer %q", peer)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/time", nil)
	if err != nil {
		return 0, 0, fmt.Errorf("node: probe: build request: %w", err)
	}
	resp, err := n.httpClient.Do(req)
	if err != nil {
		return 0, 0, fmt.Errorf("node: probe %s: %w", peer, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return 0, 0, fmt.Errorf("node: probe %s: peer returned HTTP %d", peer, resp.StatusCode)
	}

	var body struct {
		ServerReceiveTime float64 `json:"server_receive_time"`
		ServerSendTime    float64 `json:"server_send_time"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, 0, fmt.Errorf("node: probe %s: decode: %w", peer, err)
	}
	return body.ServerReceiveTime, body.ServerSendTime, nil
}
