// Package failure tracks per-peer liveness so the consensus and
// replication layers know which peers to expect acks from and which to
// write off as unreachable.
//
// A peer starts out presumed alive (bootstrap optimism: a cluster of
// freshly-started nodes shouldn't treat every peer as down before the
// first probe round completes). It is marked dead as soon as a probe or
// another call to it fails outright (MarkDead), or once it has gone
// silent for longer than the liveness timeout (CheckFailures).
package failure

import (
	"context"
	"sync"
	"time"
)

const (
	// ProbeInterval is how often the background probe loop checks peers.
	ProbeInterval = 2 * time.Second
	// LivenessTimeout is how long a peer may go without a successful
	// probe or inbound heartbeat before it's marked dead.
	LivenessTimeout = 6 * time.Second
)

// peerState is a single peer's liveness record.
type peerState struct {
	alive    bool
	lastSeen time.Time
}

// Detector maintains liveness state for every peer in the cluster.
// Mirrors the teacher's Membership{mu, nodes map[string]*Node} shape,
// generalized from cluster-membership bookkeeping to pure alive/dead
// tracking: the failure detector doesn't own routing or addresses, only
// whether a peer has been heard from recently.
type Detector struct {
	mu    sync.RWMutex
	peers map[string]*peerState
	now   func() time.Time
}

// New creates a Detector seeded with the given peer IDs, all presumed
// alive until the first liveness check proves otherwise.
func New(peerIDs []string) *Detector {
	d := &Detector{
		peers: make(map[string]*peerState, len(peerIDs)),
		now:   time.Now,
	}
	now := d.now()
	for _, id := range peerIDs {
		d.peers[id] = &peerState{alive: true, lastSeen: now}
	}
	return d
}

// MarkAlive records a successful probe or inbound heartbeat from peer.
func (d *Detector) MarkAlive(peer string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.peers[peer]
	if !ok {
		st = &peerState{}
		d.peers[peer] = st
	}
	st.alive = true
	st.lastSeen = d.now()
}

// MarkDead immediately marks a peer dead, used when a probe or replicate
// call fails outright rather than merely going quiet.
func (d *Detector) MarkDead(peer string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st, ok := d.peers[peer]; ok {
		st.alive = false
	}
}

// CheckFailures sweeps every peer and marks any that have gone silent for
// longer than LivenessTimeout as dead. Call this on ProbeInterval.
func (d *Detector) CheckFailures() {
	d.mu.Lock()
	defer d.mu.Unlock()
	cutoff := d.now().Add(-LivenessTimeout)
	for _, st := range d.peers {
		if st.alive && st.lastSeen.Before(cutoff) {
			st.alive = false
		}
	}
}

// IsAlive reports whether peer is currently believed alive. An unknown
// peer ID is reported dead rather than alive: it is not part of the
// cluster we were configured with.
func (d *Detector) IsAlive(peer string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	st, ok := d.peers[peer]
	return ok && st.alive
}

// AlivePeers returns the IDs of all peers currently believed alive.
func (d *Detector) AlivePeers() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.peers))
	for id, st := range d.peers {
		if st.alive {
			out = append(out, id)
		}
	}
	return out
}

// Peers returns the full set of known peer IDs, regardless of liveness.
func (d *Detector) Peers() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.peers))
	for id := range d.peers {
		out = append(out, id)
	}
	return out
}

// Status returns a snapshot of peer → alive suitable for the /status
// endpoint.
func (d *Detector) Status() map[string]bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]bool, len(d.peers))
	for id, st := range d.peers {
		out[id] = st.alive
	}
	return out
}

// Run starts the background probe loop: every ProbeInterval it invokes
// probe for each known peer (recording MarkAlive/MarkDead based on the
// result) and then sweeps for timed-out peers. It blocks until ctx is
// cancelled.
func (d *Detector) Run(ctx context.Context, probe func(peer string) bool) {
	ticker := time.NewTicker(ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range d.Peers() {
				if probe(id) {
					d.MarkAlive(id)
				} else {
					d.MarkDead(id)
				}
			}
			d.CheckFailures()
		}
	}
}
