// Package store holds the durable, per-node log: a SQLite-backed table of
// messages keyed by a monotonically increasing local sequence number and
// deduplicated by msg_id, plus the consensus engine's persisted term/vote.
//
// This replaces the teacher's hand-rolled NDJSON WAL with a real relational
// store, matching the schema the reference messaging system keeps in
// SQLite: a node's log is not a cache of someone else's state, it is the
// thing being replicated, so it gets the same durability guarantees a
// database gives a ledger.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"distributed-msglog/internal/message"
)

// Corrector stamps an incoming message's corrected timestamp at the moment
// it is first ingested locally. The store calls it at most once per
// msg_id: once a row exists, its corrected_ts is never recomputed, even if
// the same message arrives again via a different path (consensus replay,
// catch-up sync, a retried replicate call).
type Corrector interface {
	CorrectTimestamp(originalTS float64, sender string) (correctedTS float64, metadata map[string]any)
}

// Insert is the not-yet-durable form of a message, as handed to Store by
// whichever component first observes it (the /send handler on a leader,
// the /replicate or /append_entries handler on a follower). CorrectedTS is
// nil when the caller wants the store to compute it via Corrector;
// non-nil when the value is already known (the message is being copied
// from another node's already-corrected row, e.g. during catch-up sync).
type Insert struct {
	MsgID       string
	Sender      string
	Recipient   string
	Payload     []byte
	OriginalTS  float64
	ReceiveTS   float64
	CorrectedTS *float64
	Metadata    map[string]any
}

// Store is a single node's durable log.
type Store struct {
	mu        sync.Mutex
	db        *sql.DB
	corrector Corrector

	// committed is the highest locally-known committed sequence number.
	// It only ever increases; see Commit.
	committed int64
}

// Open creates or opens the SQLite database for a node at
// <dataDir>/node-<nodeID>.db, migrating an older schema in place if
// needed, and returns a Store ready to accept writes. corrector may be
// nil during early bring-up (tests, tools that only read); an Insert
// without its own CorrectedTS then stores OriginalTS as its corrected_ts.
func Open(dataDir, nodeID string, corrector Corrector) (*Store, error) {
	path := filepath.Join(dataDir, fmt.Sprintf("node-%s.db", nodeID))
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers anyway; avoid SQLITE_BUSY churn

	s := &Store{db: db, corrector: corrector}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.loadCommitted(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(createMessagesSQL); err != nil {
		return fmt.Errorf("store: create messages table: %w", err)
	}
	if _, err := s.db.Exec(createRaftStateSQL); err != nil {
		return fmt.Errorf("store: create raft_state table: %w", err)
	}
	if err := s.ensureExtendedSchema(); err != nil {
		return err
	}
	for _, stmt := range createIndexSQL {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: create index: %w", err)
		}
	}
	return nil
}

// ensureExtendedSchema upgrades a database created before timestamp
// correction existed by adding any missing column with PRAGMA table_info,
// the same additive-migration trick the reference implementation uses so
// that deploying the time pipeline never requires a destructive rebuild.
func (s *Store) ensureExtendedSchema() error {
	rows, err := s.db.Query(`PRAGMA table_info(messages)`)
	if err != nil {
		return fmt.Errorf("store: table_info: %w", err)
	}
	present := make(map[string]bool)
	for rows.Next() {
		var cid int
		var name, colType string
		var notNull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			rows.Close()
			return fmt.Errorf("store: table_info scan: %w", err)
		}
		present[name] = true
	}
	rows.Close()

	for _, col := range extendedColumns {
		if present[col.name] {
			continue
		}
		stmt := fmt.Sprintf(`ALTER TABLE messages ADD COLUMN %s %s DEFAULT %s`, col.name, col.sqlType, col.defaultExpr)
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: add column %s: %w", col.name, err)
		}
	}
	return nil
}

func (s *Store) loadCommitted() error {
	// committed_seq is volatile consensus state in the reference system
	// (it resets to 0 on restart and is re-established by the leader's
	// next AppendEntries), so we don't persist it; we just make sure the
	// field starts at zero and let the consensus engine call Commit as
	// entries are reconfirmed.
	s.committed = 0
	return nil
}

// Put deduplicates by msg_id and stamps CorrectedTS via the Corrector on
// first insert only. It returns the stored row and whether this call was
// the one that created it (false means the msg_id already existed and the
// existing row, not a freshly corrected one, is returned).
func (s *Store) Put(ctx context.Context, in Insert) (message.Message, bool, error) {
	correctedTS := in.ReceiveTS
	metadata := in.Metadata
	if in.CorrectedTS != nil {
		correctedTS = *in.CorrectedTS
	} else if s.corrector != nil {
		correctedTS, metadata = s.corrector.CorrectTimestamp(in.OriginalTS, in.Sender)
	} else {
		correctedTS = in.OriginalTS
	}

	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return message.Message{}, false, fmt.Errorf("store: marshal correction metadata: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, insertMessageSQL,
		in.MsgID, in.Sender, in.Recipient, in.Payload, in.OriginalTS, correctedTS, in.ReceiveTS, string(metaJSON))
	if err != nil {
		return message.Message{}, false, fmt.Errorf("store: insert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return message.Message{}, false, fmt.Errorf("store: rows affected: %w", err)
	}

	row := s.db.QueryRowContext(ctx, selectByMsgIDSQL, in.MsgID)
	msg, err := scanMessage(row)
	if err != nil {
		return message.Message{}, false, fmt.Errorf("store: reselect after insert: %w", err)
	}
	return msg, n > 0, nil
}

// MaxSeq returns the highest locally-assigned sequence number, 0 if the
// log is empty.
func (s *Store) MaxSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.db.QueryRowContext(ctx, selectMaxSeqSQL).Scan(&seq); err != nil {
		return 0, fmt.Errorf("store: max seq: %w", err)
	}
	return seq, nil
}

// Since returns every message with seq strictly greater than after, in
// ascending seq order. Used both by catch-up sync (a lagging peer asking
// "what have I missed") and by the consensus engine when it hands newly
// committed entries to its commit callback. /messages reads go through
// CommittedSince instead.
func (s *Store) Since(ctx context.Context, after int64) ([]message.Message, error) {
	rows, err := s.db.QueryContext(ctx, selectSinceSQL, after)
	if err != nil {
		return nil, fmt.Errorf("store: since: %w", err)
	}
	defer rows.Close()

	var out []message.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("store: since scan: %w", err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// CommittedSince returns messages with seq in (after, commitIndex],
// optionally filtered by sender and/or recipient, capped at limit entries
// (0 means unlimited). Entries beyond commitIndex are not yet safe to
// hand to a reader: they might still be rolled back by a leader change.
// The sender/recipient filters are pushed into the query itself so they
// run against idx_messages_sender/idx_messages_recipient rather than
// being applied in Go after fetching every committed row.
func (s *Store) CommittedSince(ctx context.Context, after, limit int64, sender, recipient string) ([]message.Message, error) {
	s.mu.Lock()
	commitIndex := s.committed
	s.mu.Unlock()

	query := selectCommittedSQL
	args := []any{after, commitIndex}
	if sender != "" {
		query += " AND sender = ?"
		args = append(args, sender)
	}
	if recipient != "" {
		query += " AND recipient = ?"
		args = append(args, recipient)
	}
	query += " ORDER BY seq ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: committed since: %w", err)
	}
	defer rows.Close()

	var out []message.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("store: committed since scan: %w", err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// Commit advances the local commit index. It only ever moves forward:
// calling it with a seq at or below the current commit index is a no-op,
// matching the monotonic-commit invariant the consensus engine relies on.
func (s *Store) Commit(seq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > s.committed {
		s.committed = seq
	}
}

// CommitIndex returns the current local commit index.
func (s *Store) CommitIndex() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed
}

// PersistTermState writes the consensus engine's current_term/voted_for so
// a restart doesn't forget a vote already cast this term (the one
// invariant Raft cannot relax: a node must never vote twice in a term
// across a crash).
func (s *Store) PersistTermState(ctx context.Context, term int64, votedFor string) error {
	var votedForArg any
	if votedFor != "" {
		votedForArg = votedFor
	}
	if _, err := s.db.ExecContext(ctx, upsertRaftStateSQL, term, votedForArg); err != nil {
		return fmt.Errorf("store: persist term state: %w", err)
	}
	return nil
}

// LoadTermState reads back the persisted term/vote, returning term 0 and
// an empty voted_for if no row has ever been written (a brand-new node).
func (s *Store) LoadTermState(ctx context.Context) (term int64, votedFor string, err error) {
	var vf sql.NullString
	row := s.db.QueryRowContext(ctx, selectRaftStateSQL)
	if err := row.Scan(&term, &vf); err != nil {
		if err == sql.ErrNoRows {
			return 0, "", nil
		}
		return 0, "", fmt.Errorf("store: load term state: %w", err)
	}
	return term, vf.String, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (message.Message, error) {
	var msg message.Message
	var metaJSON string
	if err := row.Scan(&msg.Seq, &msg.MsgID, &msg.Sender, &msg.Recipient, &msg.Payload,
		&msg.OriginalTS, &msg.CorrectedTS, &msg.ReceiveTS, &metaJSON); err != nil {
		return message.Message{}, err
	}
	if metaJSON != "" && metaJSON != "{}" {
		if err := json.Unmarshal([]byte(metaJSON), &msg.CorrectionMetadata); err != nil {
			return message.Message{}, fmt.Errorf("unmarshal correction metadata: %w", err)
		}
	}
	return msg, nil
}
