package timesync

import (
	"container/heap"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"distributed-msglog/internal/message"
)

const (
	// DefaultBufferCapacity bounds how many not-yet-delivered messages
	// the reordering buffer holds.
	DefaultBufferCapacity = 1000
	// DefaultBufferTimeout is the longest a message may wait in the
	// buffer before it is delivered regardless of ordering constraints.
	DefaultBufferTimeout = 5 * time.Second
	// deliveredRetentionHorizon is how long a delivered msg_id is
	// remembered for duplicate suppression before being garbage
	// collected.
	deliveredRetentionHorizon = time.Hour
)

type bufferedEntry struct {
	msg   message.Message
	index int // heap.Interface bookkeeping
}

// minHeap orders entries by corrected_ts ascending.
type minHeap []*bufferedEntry

func (h minHeap) Len() int            { return len(h) }
func (h minHeap) Less(i, j int) bool  { return h[i].msg.CorrectedTS < h[j].msg.CorrectedTS }
func (h minHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *minHeap) Push(x any) {
	e := x.(*bufferedEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Buffer reorders messages by corrected_ts before handing them to a
// consumer, tolerating arrival order that doesn't match send order
// across peers with differing (and imperfectly synchronized) clocks.
type Buffer struct {
	mu sync.Mutex

	heap     minHeap
	capacity int
	timeout  time.Duration

	delivered       map[string]time.Time
	lastGC          time.Time
	dropCount       int64
	reorderedCount  int64
	nowFn           func() time.Time
}

// NewBuffer creates a Buffer with the given capacity and per-message
// timeout.
func NewBuffer(capacity int, timeout time.Duration) *Buffer {
	b := &Buffer{
		capacity:  capacity,
		timeout:   timeout,
		delivered: make(map[string]time.Time),
		nowFn:     time.Now,
	}
	heap.Init(&b.heap)
	return b
}

// AddMessage inserts msg into the buffer. It rejects a msg_id already
// recorded as delivered (within the retention horizon) so a late
// duplicate — from catch-up sync racing a consensus append, say — is
// never delivered twice.
func (b *Buffer) AddMessage(msg message.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.delivered[msg.MsgID]; ok {
		return fmt.Errorf("timesync: message %q already delivered", msg.MsgID)
	}

	heap.Push(&b.heap, &bufferedEntry{msg: msg.Clone()})

	if len(b.heap) > b.capacity {
		b.evictOldestLocked()
	}
	return nil
}

// evictOldestLocked drops the oldest 10% of buffered entries by
// receive_ts, the same fraction-at-a-time policy used when the buffer
// is persistently over capacity rather than draining it to empty in one
// shot.
func (b *Buffer) evictOldestLocked() {
	n := len(b.heap) / 10
	if n < 1 {
		n = 1
	}
	entries := append([]*bufferedEntry(nil), b.heap...)
	sort.Slice(entries, func(i, j int) bool { return entries[i].msg.ReceiveTS < entries[j].msg.ReceiveTS })
	toDrop := make(map[string]bool, n)
	for i := 0; i < n && i < len(entries); i++ {
		toDrop[entries[i].msg.MsgID] = true
	}

	var kept minHeap
	for _, e := range b.heap {
		if toDrop[e.msg.MsgID] {
			b.dropCount++
			continue
		}
		kept = append(kept, e)
	}
	b.heap = kept
	heap.Init(&b.heap)
}

// GetDeliverable pops every entry eligible for delivery as of now:
// either its age has exceeded the buffer timeout outright, or no
// earlier-timestamped message remains pending and it has waited at
// least half the timeout. Everything else is left in the buffer.
func (b *Buffer) GetDeliverable(now time.Time) []message.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	nowTS := float64(now.UnixNano()) / 1e9

	all := make([]*bufferedEntry, len(b.heap))
	copy(all, b.heap)
	sort.Slice(all, func(i, j int) bool { return all[i].msg.CorrectedTS < all[j].msg.CorrectedTS })

	var deliverable []message.Message
	var remaining minHeap
	for _, e := range all {
		age := time.Duration((nowTS - e.msg.ReceiveTS) * float64(time.Second))
		// all is walked in corrected_ts order, so remaining[0] is the
		// smallest corrected_ts still pending.
		minRemaining := math.Inf(1)
		if len(remaining) > 0 {
			minRemaining = remaining[0].msg.CorrectedTS
		}

		ready := age >= b.timeout || (e.msg.CorrectedTS <= minRemaining && age >= b.timeout/2)
		if ready {
			deliverable = append(deliverable, e.msg)
			b.delivered[e.msg.MsgID] = now
		} else {
			remaining = append(remaining, e)
		}
	}

	b.heap = remaining
	heap.Init(&b.heap)

	sort.Slice(deliverable, func(i, j int) bool { return deliverable[i].CorrectedTS < deliverable[j].CorrectedTS })
	if len(deliverable) > 1 {
		b.reorderedCount += int64(countOutOfArrivalOrder(deliverable))
	}

	b.cleanupDeliveredLocked(now)
	return deliverable
}

// countOutOfArrivalOrder is a best-effort metric: how many adjacent
// pairs in the delivered batch would have been out of order had they
// been delivered by receive_ts instead of corrected_ts.
func countOutOfArrivalOrder(msgs []message.Message) int {
	count := 0
	for i := 1; i < len(msgs); i++ {
		if msgs[i-1].ReceiveTS > msgs[i].ReceiveTS {
			count++
		}
	}
	return count
}

func (b *Buffer) cleanupDeliveredLocked(now time.Time) {
	if !b.lastGC.IsZero() && now.Sub(b.lastGC) < deliveredRetentionHorizon {
		return
	}
	cutoff := now.Add(-deliveredRetentionHorizon)
	for id, at := range b.delivered {
		if at.Before(cutoff) {
			delete(b.delivered, id)
		}
	}
	b.lastGC = now
}

// ForceDeliverAll drains the entire buffer regardless of ordering
// constraints, for the /ordering/force_delivery operator endpoint.
func (b *Buffer) ForceDeliverAll() []message.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	all := make([]*bufferedEntry, len(b.heap))
	copy(all, b.heap)
	sort.Slice(all, func(i, j int) bool { return all[i].msg.CorrectedTS < all[j].msg.CorrectedTS })

	out := make([]message.Message, 0, len(all))
	for _, e := range all {
		out = append(out, e.msg)
		b.delivered[e.msg.MsgID] = b.nowFn()
	}
	b.heap = nil
	heap.Init(&b.heap)
	return out
}

// Status returns a snapshot for the /ordering/status endpoint.
func (b *Buffer) Status() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return map[string]any{
		"buffered_count":   len(b.heap),
		"delivered_count":  len(b.delivered),
		"drop_count":       b.dropCount,
		"reordered_count":  b.reorderedCount,
		"capacity":         b.capacity,
		"timeout_seconds":  b.timeout.Seconds(),
	}
}
