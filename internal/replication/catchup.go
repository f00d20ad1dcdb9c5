package replication

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"distributed-msglog/internal/message"
)

// catchUpInterval is how often Run re-polls every peer for anything
// this node might have missed, independent of whatever the replication
// fan-out already delivered.
const catchUpInterval = 5 * time.Second

// Ingest is how the catch-up loop hands a fetched message back to the
// node: it must dedupe by msg_id, preserve the carried CorrectedTS rather
// than recomputing it, and commit it locally.
type Ingest func(ctx context.Context, msg message.Message) error

// Syncer pulls missed entries from peers via POST /sync.
type Syncer struct {
	addrs      map[string]string
	httpClient *http.Client
	maxSeq     func() int64
	ingest     Ingest
}

// NewSyncer creates a Syncer. maxSeq reports this node's current highest
// local sequence number; ingest is called once per message returned by a
// peer's /sync.
func NewSyncer(addrs map[string]string, maxSeq func() int64, ingest Ingest) *Syncer {
	return &Syncer{
		addrs:      addrs,
		httpClient: &http.Client{Timeout: replicateTimeout},
		maxSeq:     maxSeq,
		ingest:     ingest,
	}
}

// SyncWithPeer fetches everything peer has beyond this node's current
// max seq and ingests it.
func (s *Syncer) SyncWithPeer(ctx context.Context, peer string) error {
	addr, ok := s.addrs[peer]
	if !ok {
		return fmt.Errorf("replication: unknown peer %q", peer)
	}

	since := s.maxSeq()
	payload, err := json.Marshal(struct {
		Since int64 `json:"since"`
	}{Since: since})
	if err != nil {
		return fmt.Errorf("replication: encode sync request: %w", err)
	}

	url := fmt.Sprintf("http://%s/sync", addr)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("replication: build sync request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("replication: sync with %s: %w", peer, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("replication: sync with %s: peer returned HTTP %d", peer, resp.StatusCode)
	}

	var body struct {
		Messages []message.Message `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("replication: decode sync response from %s: %w", peer, err)
	}
	for _, msg := range body.Messages {
		if err := s.ingest(ctx, msg); err != nil {
			return fmt.Errorf("replication: ingest from %s: %w", peer, err)
		}
	}
	return nil
}

// Run loops forever, syncing with every peer every catchUpInterval, until
// ctx is cancelled. A failed sync with one peer is passed to onError (if
// non-nil) and the round moves on to the next peer, so one unreachable
// peer never starves the others in the same round.
func (s *Syncer) Run(ctx context.Context, onError func(peer string, err error)) {
	ticker := time.NewTicker(catchUpInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for peer := range s.addrs {
				if err := s.SyncWithPeer(ctx, peer); err != nil && onError != nil {
					onError(peer, err)
				}
			}
		}
	}
}
