package consensus

import "distributed-msglog/internal/message"

// Role is this node's current position in the term.
type Role int

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "Follower"
	case Candidate:
		return "Candidate"
	case Leader:
		return "Leader"
	default:
		return "Unknown"
	}
}

// RequestVoteArgs is the wire form of a RequestVote RPC.
type RequestVoteArgs struct {
	Term         int64  `json:"term"`
	CandidateID  string `json:"candidate_id"`
	LastLogIndex int64  `json:"last_log_index"`
}

// RequestVoteReply is the wire form of a RequestVote RPC response.
type RequestVoteReply struct {
	Term        int64 `json:"term"`
	VoteGranted bool  `json:"vote_granted"`
}

// AppendEntriesArgs is the wire form of an AppendEntries RPC. Entries is
// empty for a pure heartbeat.
type AppendEntriesArgs struct {
	Term         int64             `json:"term"`
	LeaderID     string            `json:"leader_id"`
	PrevLogIndex int64             `json:"prev_log_index"`
	Entries      []message.Message `json:"entries"`
	LeaderCommit int64             `json:"leader_commit"`
}

// AppendEntriesReply is the wire form of an AppendEntries RPC response.
type AppendEntriesReply struct {
	Term       int64 `json:"term"`
	Success    bool  `json:"success"`
	MatchIndex int64 `json:"match_index"`
}

// Transport is how the engine reaches other nodes. The HTTP
// implementation lives in transport.go; tests supply an in-memory fake.
type Transport interface {
	RequestVote(peer string, args RequestVoteArgs) (RequestVoteReply, error)
	AppendEntries(peer string, args AppendEntriesArgs) (AppendEntriesReply, error)
}
