// Package consensus implements the Raft-style leader election and log
// replication engine: a single elected leader per term serializes writes,
// batches them to followers, and advances the commit index once a
// majority of the cluster (including itself) has durably stored an
// entry.
package consensus

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"distributed-msglog/internal/failure"
	"distributed-msglog/internal/message"
	"distributed-msglog/internal/store"
)

const (
	// HeartbeatInterval is how often a leader broadcasts AppendEntries
	// (carrying whatever has been enqueued since the last round, or
	// nothing, which still resets every follower's election timer).
	HeartbeatInterval = 200 * time.Millisecond

	// ElectionTimeoutMin/Max bound the randomized interval a follower
	// waits without hearing from a leader before starting an election.
	// Randomizing within a range, rather than using a fixed timeout,
	// keeps split votes rare: two followers picking the same instant to
	// go to Candidate would otherwise be the common case, not the rare
	// one.
	ElectionTimeoutMin = 300 * time.Millisecond
	ElectionTimeoutMax = 600 * time.Millisecond

	// electionPollInterval is how often the election timer loop checks
	// whether the deadline has passed.
	electionPollInterval = 50 * time.Millisecond

	// maxBatchEntries caps how many pending log entries a single
	// AppendEntries call carries, so one slow follower can't force the
	// leader to build an unbounded request body.
	maxBatchEntries = 32

	// maxPendingQueue caps how many not-yet-dispatched entries the
	// leader holds before dropping the oldest. A queue this deep only
	// fills when replication is falling behind ingestion rate; dropping
	// the oldest is safe because it is still on the leader's durable
	// log and will be picked up by a lagging follower's catch-up sync.
	maxPendingQueue = 256
)

// Engine runs the election timer, leader heartbeat loop, and vote/append
// RPC handlers for one node.
type Engine struct {
	selfID    string
	peers     []string
	transport Transport
	store     *store.Store
	detector  *failure.Detector

	mu               sync.Mutex
	role             Role
	currentTerm      int64
	votedFor         string
	leaderID         string
	electionDeadline time.Time
	pending          []message.Message
	matchIndex       map[string]int64

	rng *rand.Rand

	// onCommit, if set, is invoked for every message.Message newly
	// covered by an advance of the commit index, in seq order. The node
	// orchestrator uses this to hand committed entries to the ordering
	// buffer.
	onCommit func(message.Message)
}

// New creates an Engine for selfID among the given peer IDs, loading any
// previously persisted term/vote from st so a restart doesn't forget a
// vote already cast this term.
func New(selfID string, peers []string, transport Transport, st *store.Store, detector *failure.Detector) (*Engine, error) {
	term, votedFor, err := st.LoadTermState(context.Background())
	if err != nil {
		return nil, fmt.Errorf("consensus: load persisted term state: %w", err)
	}
	e := &Engine{
		selfID:      selfID,
		peers:       peers,
		transport:   transport,
		store:       st,
		detector:    detector,
		role:        Follower,
		currentTerm: term,
		votedFor:    votedFor,
		matchIndex:  make(map[string]int64, len(peers)),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(len(selfID)))),
	}
	e.resetElectionTimerLocked()
	return e, nil
}

// OnCommit registers the callback invoked as the commit index advances.
func (e *Engine) OnCommit(fn func(message.Message)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onCommit = fn
}

func (e *Engine) majority() int {
	return (1+len(e.peers))/2 + 1
}

func (e *Engine) randomElectionTimeout() time.Duration {
	span := ElectionTimeoutMax - ElectionTimeoutMin
	return ElectionTimeoutMin + time.Duration(e.rng.Int63n(int64(span)))
}

func (e *Engine) resetElectionTimerLocked() {
	e.electionDeadline = time.Now().Add(e.randomElectionTimeout())
}

// Run starts the election timer loop and the leader heartbeat loop. It
// blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); e.electionTimerLoop(ctx) }()
	go func() { defer wg.Done(); e.leaderHeartbeatLoop(ctx) }()
	wg.Wait()
}

func (e *Engine) electionTimerLoop(ctx context.Context) {
	ticker := time.NewTicker(electionPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.mu.Lock()
			expired := e.role != Leader && time.Now().After(e.electionDeadline)
			e.mu.Unlock()
			if expired {
				e.startElection()
			}
		}
	}
}

// startElection transitions to Candidate, votes for self, and solicits
// votes from every peer. A single-node cluster (no peers) becomes leader
// immediately, since a majority of one is always itself.
func (e *Engine) startElection() {
	e.mu.Lock()
	e.currentTerm++
	term := e.currentTerm
	e.votedFor = e.selfID
	e.role = Candidate
	e.resetElectionTimerLocked()
	lastLogIndex, _ := e.localMaxSeq()
	peers := append([]string(nil), e.peers...)
	e.mu.Unlock()

	if err := e.store.PersistTermState(context.Background(), term, e.selfID); err != nil {
		// Persisting failed; stay a candidate but don't claim victory
		// this round, since a crash now could mean voting twice in the
		// same term.
		return
	}

	if len(peers) == 0 {
		e.becomeLeader(term)
		return
	}

	votes := 1 // self
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, peer := range peers {
		wg.Add(1)
		go func(p string) {
			defer wg.Done()
			reply, err := e.transport.RequestVote(p, RequestVoteArgs{
				Term:         term,
				CandidateID:  e.selfID,
				LastLogIndex: lastLogIndex,
			})
			if err != nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if reply.Term > term {
				e.becomeFollower(reply.Term)
				return
			}
			if reply.VoteGranted {
				votes++
			}
		}(peer)
	}
	wg.Wait()

	e.mu.Lock()
	stillCandidate := e.role == Candidate && e.currentTerm == term
	e.mu.Unlock()
	if stillCandidate && votes >= e.majority() {
		e.becomeLeader(term)
	}
}

func (e *Engine) becomeFollower(term int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if term > e.currentTerm {
		e.currentTerm = term
		e.votedFor = ""
	}
	e.role = Follower
	e.resetElectionTimerLocked()
}

func (e *Engine) becomeLeader(term int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.currentTerm != term || e.role != Candidate {
		if len(e.peers) > 0 {
			return
		}
	}
	e.role = Leader
	e.leaderID = e.selfID
	e.pending = nil
	for _, p := range e.peers {
		e.matchIndex[p] = 0
	}
}

// Enqueue hands a freshly-stored local entry to the leader's replication
// queue. Entries proposed while this node is not the leader are silently
// dropped: the caller (the node orchestrator) only calls Enqueue after
// checking IsLeader, but a leader can always step down between that
// check and this call, and a dropped entry here just means the client's
// write falls back to whatever quorum/async guarantee it already
// received from the replication layer.
func (e *Engine) Enqueue(msg message.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.role != Leader {
		return
	}
	if len(e.pending) >= maxPendingQueue {
		e.pending = e.pending[1:]
	}
	e.pending = append(e.pending, msg.Clone())
}

func (e *Engine) leaderHeartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.broadcastAppendEntries()
		}
	}
}

func (e *Engine) broadcastAppendEntries() {
	e.mu.Lock()
	if e.role != Leader {
		e.mu.Unlock()
		return
	}
	term := e.currentTerm
	peers := append([]string(nil), e.peers...)
	batch := e.pending
	if len(batch) > maxBatchEntries {
		batch = batch[:maxBatchEntries]
	}
	e.mu.Unlock()

	selfSeq, err := e.localMaxSeq()
	if err != nil {
		return
	}
	commitIndex := e.store.CommitIndex()

	if len(peers) == 0 {
		e.applyCommitAdvance(selfSeq)
		e.trimDispatched(len(batch))
		return
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	dispatched := len(batch)
	for _, peer := range peers {
		wg.Add(1)
		go func(p string) {
			defer wg.Done()
			reply, err := e.transport.AppendEntries(p, AppendEntriesArgs{
				Term:         term,
				LeaderID:     e.selfID,
				Entries:      batch,
				LeaderCommit: commitIndex,
			})
			if err != nil {
				e.detector.MarkDead(p)
				return
			}
			e.detector.MarkAlive(p)
			mu.Lock()
			defer mu.Unlock()
			if reply.Term > term {
				e.becomeFollower(reply.Term)
				return
			}
			if reply.Success {
				e.mu.Lock()
				if reply.MatchIndex > e.matchIndex[p] {
					e.matchIndex[p] = reply.MatchIndex
				}
				e.mu.Unlock()
			}
		}(peer)
	}
	wg.Wait()

	e.applyCommitAdvance(selfSeq)
	e.trimDispatched(dispatched)
}

func (e *Engine) trimDispatched(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n > len(e.pending) {
		n = len(e.pending)
	}
	e.pending = e.pending[n:]
}

// applyCommitAdvance advances the commit index to the highest seq held
// by a majority of the cluster (self included), then fires onCommit for
// every newly-covered entry.
func (e *Engine) applyCommitAdvance(selfSeq int64) {
	e.mu.Lock()
	vals := []int64{selfSeq}
	for _, v := range e.matchIndex {
		vals = append(vals, v)
	}
	onCommit := e.onCommit
	e.mu.Unlock()

	sort.Slice(vals, func(i, j int) bool { return vals[i] > vals[j] })
	idx := e.majority() - 1
	if idx >= len(vals) {
		return
	}
	candidate := vals[idx]

	prev := e.store.CommitIndex()
	if candidate <= prev {
		return
	}
	e.store.Commit(candidate)
	if onCommit == nil {
		return
	}
	entries, err := e.store.Since(context.Background(), prev)
	if err != nil {
		return
	}
	for _, msg := range entries {
		if msg.Seq > candidate {
			break
		}
		onCommit(msg)
	}
}

// localMaxSeq reads the store's highest assigned sequence number. It
// hits the store directly rather than e's own mutex, so it is safe to
// call both while holding e.mu and while not holding it.
func (e *Engine) localMaxSeq() (int64, error) {
	return e.store.MaxSeq(context.Background())
}

// HandleRequestVote implements the RequestVote RPC handler, invoked by
// the HTTP layer for inbound /request_vote calls.
func (e *Engine) HandleRequestVote(args RequestVoteArgs) RequestVoteReply {
	e.mu.Lock()
	defer e.mu.Unlock()

	if args.Term < e.currentTerm {
		return RequestVoteReply{Term: e.currentTerm, VoteGranted: false}
	}
	if args.Term > e.currentTerm {
		e.currentTerm = args.Term
		e.votedFor = ""
		e.role = Follower
	}

	lastLogIndex, _ := e.localMaxSeq()
	upToDate := args.LastLogIndex >= lastLogIndex
	canVote := e.votedFor == "" || e.votedFor == args.CandidateID

	granted := canVote && upToDate
	if granted {
		e.votedFor = args.CandidateID
		e.resetElectionTimerLocked()
	}
	if err := e.store.PersistTermState(context.Background(), e.currentTerm, e.votedFor); err != nil {
		// Vote state didn't make it to disk; withholding the grant
		// stops this node from voting twice for the same term if it
		// crashes and restarts before the next successful persist.
		return RequestVoteReply{Term: e.currentTerm, VoteGranted: false}
	}
	return RequestVoteReply{Term: e.currentTerm, VoteGranted: granted}
}

// HandleAppendEntries implements the AppendEntries RPC handler. Entries
// are stored via storeEntry (supplied by the node orchestrator, which
// knows how to run them through the time-correction pipeline) before
// this returns success, so a follower never acks an entry it hasn't
// durably written.
func (e *Engine) HandleAppendEntries(args AppendEntriesArgs, storeEntry func(message.Message) (message.Message, error)) AppendEntriesReply {
	e.mu.Lock()
	if args.Term < e.currentTerm {
		term := e.currentTerm
		e.mu.Unlock()
		return AppendEntriesReply{Term: term, Success: false}
	}
	e.currentTerm = args.Term
	e.role = Follower
	e.leaderID = args.LeaderID
	e.resetElectionTimerLocked()
	term := e.currentTerm
	votedFor := e.votedFor
	e.mu.Unlock()
	if err := e.store.PersistTermState(context.Background(), term, votedFor); err != nil {
		return AppendEntriesReply{Term: term, Success: false}
	}

	var lastSeq int64
	for _, entry := range args.Entries {
		stored, err := storeEntry(entry)
		if err != nil {
			return AppendEntriesReply{Term: term, Success: false}
		}
		if stored.Seq > lastSeq {
			lastSeq = stored.Seq
		}
	}
	if lastSeq == 0 {
		lastSeq, _ = e.localMaxSeq()
	}

	if args.LeaderCommit > e.store.CommitIndex() {
		commitTo := args.LeaderCommit
		if lastSeq < commitTo {
			commitTo = lastSeq
		}
		e.store.Commit(commitTo)
	}

	return AppendEntriesReply{Term: term, Success: true, MatchIndex: lastSeq}
}

// Status returns a snapshot suitable for the /status endpoint.
func (e *Engine) Status() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return map[string]any{
		"role":         e.role.String(),
		"term":         e.currentTerm,
		"voted_for":    e.votedFor,
		"leader_id":    e.leaderID,
		"commit_index": e.store.CommitIndex(),
	}
}

// IsLeader reports whether this node currently believes itself leader.
func (e *Engine) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.role == Leader
}

// LeaderID returns the last known leader, which may be stale or empty if
// no leader has been observed yet this term.
func (e *Engine) LeaderID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leaderID
}

// Term returns the current term.
func (e *Engine) Term() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentTerm
}
