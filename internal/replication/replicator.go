// Package replication fans a leader's writes out to followers and keeps
// lagging followers caught up. It implements the two dispatch modes the
// spec allows per node — fire-and-forget async and quorum-acknowledged
// sync_quorum — plus the background catch-up loop that repairs a
// follower that missed entries outright (a restart, a network partition).
package replication

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"

	"distributed-msglog/internal/failure"
	"distributed-msglog/internal/message"
)

// Mode selects how ReplicateWrite decides when a write is "done".
type Mode string

const (
	// Async fans the write out to every peer and returns immediately
	// once the local write has committed; peers catch up best-effort.
	Async Mode = "async"
	// SyncQuorum waits for acknowledgment from Quorum peers (counting
	// self) before returning, trading latency for a durability
	// guarantee the caller can rely on.
	SyncQuorum Mode = "sync_quorum"
)

const (
	replicateTimeout = 3 * time.Second
	maxRetries       = 3
)

// Replicator fans out /replicate calls to peers and reports whether a
// sync_quorum write reached enough acks.
type Replicator struct {
	selfID     string
	addrs      map[string]string // peer ID -> host:port
	httpClient *http.Client
	detector   *failure.Detector
	mode       Mode
	quorum     int
}

// New creates a Replicator. quorum is the number of acks (including self)
// required for a SyncQuorum write to succeed; it is ignored in Async mode.
func New(selfID string, addrs map[string]string, detector *failure.Detector, mode Mode, quorum int) *Replicator {
	return &Replicator{
		selfID:     selfID,
		addrs:      addrs,
		httpClient: &http.Client{Timeout: replicateTimeout},
		detector:   detector,
		mode:       mode,
		quorum:     quorum,
	}
}

// ErrQuorumNotReached is returned by ReplicateWrite in SyncQuorum mode
// when too few peers acked before giving up.
type ErrQuorumNotReached struct {
	Acks, Required int
}

func (e *ErrQuorumNotReached) Error() string {
	return "replication quorum not achieved"
}

// ReplicateWrite fans msg out to every peer in addrs. In Async mode it
// returns nil as soon as the goroutines are launched. In SyncQuorum mode
// it blocks until Quorum total acks (self included) are in, or every
// peer has responded/timed out, whichever comes first.
func (r *Replicator) ReplicateWrite(ctx context.Context, msg message.Message) error {
	if r.mode == Async {
		for peer := range r.addrs {
			go func(p string) {
				if err := r.sendWithRetry(context.Background(), p, msg); err != nil {
					r.detector.MarkDead(p)
				} else {
					r.detector.MarkAlive(p)
				}
			}(peer)
		}
		return nil
	}

	type result struct {
		peer string
		err  error
	}
	results := make(chan result, len(r.addrs))
	for peer := range r.addrs {
		go func(p string) {
			err := r.sendWithRetry(ctx, p, msg)
			results <- result{p, err}
		}(peer)
	}

	acks := 1 // self
	remaining := len(r.addrs)
	deadline := time.After(replicateTimeout)
	for remaining > 0 {
		select {
		case res := <-results:
			remaining--
			if res.err == nil {
				r.detector.MarkAlive(res.peer)
				acks++
				if acks >= r.quorum {
					return nil
				}
			} else {
				r.detector.MarkDead(res.peer)
			}
		case <-deadline:
			if acks >= r.quorum {
				return nil
			}
			return &ErrQuorumNotReached{Acks: acks, Required: r.quorum}
		}
	}
	if acks >= r.quorum {
		return nil
	}
	return &ErrQuorumNotReached{Acks: acks, Required: r.quorum}
}

// sendWithRetry POSTs msg to peer's /replicate endpoint, making up to
// maxRetries attempts with exponential backoff between them (100ms, then
// 200ms) to absorb a peer that is merely slow rather than down.
func (r *Replicator) sendWithRetry(ctx context.Context, peer string, msg message.Message) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(math.Pow(2, float64(attempt-1))*100) * time.Millisecond
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if lastErr = r.doReplicate(ctx, peer, msg); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("replication: %s after %d attempts: %w", peer, maxRetries, lastErr)
}

func (r *Replicator) doReplicate(ctx context.Context, peer string, msg message.Message) error {
	addr, ok := r.addrs[peer]
	if !ok {
		return fmt.Errorf("replication: unknown peer %q", peer)
	}
	body, err := json.Marshal(struct {
		Msg message.Message `json:"msg"`
	}{Msg: msg})
	if err != nil {
		return fmt.Errorf("replication: marshal: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, replicateTimeout)
	defer cancel()

	url := fmt.Sprintf("http://%s/replicate", addr)
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("replication: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("replication: peer %s returned HTTP %d", peer, resp.StatusCode)
	}
	return nil
}
