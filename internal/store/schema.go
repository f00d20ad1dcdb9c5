package store

// Schema mirrors the relational layout mandated by the spec's durable log
// store: a dense, auto-incrementing sequence per node, deduplicated by
// msg_id, plus a single-row table carrying the consensus engine's
// persisted term/vote state. The original Python implementation used
// aiosqlite against the identical column set; modernc.org/sqlite gives us
// the same engine family without cgo.

const createMessagesSQL = `
CREATE TABLE IF NOT EXISTS messages (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	msg_id TEXT UNIQUE,
	sender TEXT,
	recipient TEXT,
	payload BLOB,
	original_ts REAL,
	corrected_ts REAL,
	receive_ts REAL,
	correction_metadata TEXT
);`

const createRaftStateSQL = `
CREATE TABLE IF NOT EXISTS raft_state (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	current_term INTEGER NOT NULL,
	voted_for TEXT
);`

var createIndexSQL = []string{
	`CREATE INDEX IF NOT EXISTS idx_messages_recipient ON messages(recipient, corrected_ts)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender, corrected_ts)`,
}

// extendedColumns lists the columns a pre-upgrade schema (one created before
// time-correction support existed) might be missing. ensureExtendedSchema
// adds any of these that PRAGMA table_info reports absent, so an older
// on-disk database upgrades in place rather than failing to open.
var extendedColumns = []struct {
	name, sqlType, defaultExpr string
}{
	{"original_ts", "REAL", "0"},
	{"corrected_ts", "REAL", "0"},
	{"receive_ts", "REAL", "0"},
	{"correction_metadata", "TEXT", "'{}'"},
}

const upsertRaftStateSQL = `
INSERT INTO raft_state (id, current_term, voted_for) VALUES (1, ?, ?)
ON CONFLICT(id) DO UPDATE SET current_term = excluded.current_term, voted_for = excluded.voted_for;`

const selectRaftStateSQL = `SELECT current_term, voted_for FROM raft_state WHERE id = 1;`

const insertMessageSQL = `
INSERT INTO messages (msg_id, sender, recipient, payload, original_ts, corrected_ts, receive_ts, correction_metadata)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(msg_id) DO NOTHING;`

const selectByMsgIDSQL = `
SELECT seq, msg_id, sender, recipient, payload, original_ts, corrected_ts, receive_ts, correction_metadata
FROM messages WHERE msg_id = ?;`

const selectSinceSQL = `
SELECT seq, msg_id, sender, recipient, payload, original_ts, corrected_ts, receive_ts, correction_metadata
FROM messages WHERE seq > ? ORDER BY seq ASC;`

// selectCommittedSQL is the base of CommittedSince's query; callers
// append optional "AND sender = ?"/"AND recipient = ?" clauses (so those
// equality filters hit idx_messages_sender/idx_messages_recipient)
// followed by ORDER BY and an optional LIMIT.
const selectCommittedSQL = `
SELECT seq, msg_id, sender, recipient, payload, original_ts, corrected_ts, receive_ts, correction_metadata
FROM messages WHERE seq > ? AND seq <= ?`

const selectMaxSeqSQL = `SELECT IFNULL(MAX(seq), 0) FROM messages;`
