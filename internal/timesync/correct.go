package timesync

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Method is a closed enumeration of timestamp correction strategies.
// Dispatch on it is a switch, not an interface, since the set of
// variants is fixed and each one is a pure function of the node's
// current offset/drift state — there is no reason to pay for dynamic
// dispatch on a three-way switch that never grows a fourth case at
// runtime.
type Method int

const (
	Offset Method = iota
	DriftCompensated
	Hybrid
)

func (m Method) String() string {
	switch m {
	case Offset:
		return "offset"
	case DriftCompensated:
		return "drift_compensated"
	case Hybrid:
		return "hybrid"
	default:
		return "unknown"
	}
}

const (
	// MaxFutureSkew and MaxPastSkew bound how far a corrected timestamp
	// may land from local time before validation rejects it.
	MaxFutureSkew = 5 * time.Second
	MaxPastSkew   = 60 * time.Second
)

// Corrector applies the configured correction method to inbound
// timestamps and tracks correction statistics. It satisfies
// store.Corrector.
type Corrector struct {
	mu sync.Mutex

	method Method
	sync   *Sync
	skew   *SkewAnalyzer
	nowFn  func() time.Time

	peerOffsets map[string]float64

	correctionsApplied     int64
	totalCorrectionMagnitude float64
	maxCorrection          float64
}

// NewCorrector creates a Corrector using method against the given Sync
// and SkewAnalyzer for its offset/drift inputs. Hybrid is the default
// per the spec.
func NewCorrector(method Method, sync *Sync, skew *SkewAnalyzer) *Corrector {
	return &Corrector{
		method:      method,
		sync:        sync,
		skew:        skew,
		nowFn:       time.Now,
		peerOffsets: make(map[string]float64),
	}
}

// UpdatePeerData records a peer-specific offset observation, used to
// sharpen estimate_accuracy for messages from that sender.
func (c *Corrector) UpdatePeerData(peer string, offset float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peerOffsets[peer] = offset
}

// CorrectTimestamp implements store.Corrector: given a sender-supplied
// original timestamp, it returns the corrected timestamp and metadata
// describing how it was produced.
func (c *Corrector) CorrectTimestamp(originalTS float64, sender string) (float64, map[string]any) {
	clockOffset := c.sync.ClockOffset()
	driftRate := c.skew.DriftRate()

	var applied float64
	switch c.method {
	case Offset:
		applied = clockOffset
	case DriftCompensated:
		applied = clockOffset + 0.5*driftRate
	case Hybrid:
		predicted := c.skew.PredictFutureOffset(originalTS)
		applied = (2*clockOffset+predicted)/3 + 0.25*driftRate
	default:
		applied = clockOffset
	}

	corrected := originalTS + applied

	c.mu.Lock()
	c.correctionsApplied++
	magnitude := math.Abs(applied)
	c.totalCorrectionMagnitude += magnitude
	if magnitude > c.maxCorrection {
		c.maxCorrection = magnitude
	}
	c.mu.Unlock()

	accuracy := c.estimateAccuracy(sender, magnitude)
	metadata := map[string]any{
		"method":    c.method.String(),
		"applied":   applied,
		"accuracy":  accuracy,
	}
	return corrected, metadata
}

// ValidateTimestamp rejects a corrected timestamp too far from local
// time in either direction.
func (c *Corrector) ValidateTimestamp(correctedTS float64) error {
	now := float64(c.nowFn().UnixNano()) / 1e9
	diff := correctedTS - now
	if diff > MaxFutureSkew.Seconds() {
		return fmt.Errorf("timesync: timestamp %.3fs ahead of local time exceeds max future skew", diff)
	}
	if diff < -MaxPastSkew.Seconds() {
		return fmt.Errorf("timesync: timestamp %.3fs behind local time exceeds max past skew", -diff)
	}
	return nil
}

// estimateAccuracy builds a confidence value that narrows as sync
// quality improves and widens with drift uncertainty, per-sender offset
// magnitude, and the correction's own size.
func (c *Corrector) estimateAccuracy(sender string, correctionMagnitude float64) float64 {
	c.mu.Lock()
	totalMagnitude := c.totalCorrectionMagnitude
	n := c.correctionsApplied
	peerOffset := c.peerOffsets[sender]
	c.mu.Unlock()

	base := 0.1
	syncFactor := c.syncStatusAccuracy() * 0.5
	driftUncertainty := math.Abs(c.skew.DriftRate()) * 10
	delayUncertainty := c.sync.NetworkDelay() * 0.5
	senderUncertainty := math.Abs(peerOffset) * 0.25

	// A single correction's magnitude is a noisy estimate of the true
	// uncertainty; blending it with the running average over all
	// corrections applied so far damps that noise as the sample grows.
	avgMagnitude := correctionMagnitude
	if n > 0 {
		avgMagnitude = totalMagnitude / float64(n)
	}
	correctionUncertainty := ((correctionMagnitude + avgMagnitude) / 2) * 0.1

	interval := base + syncFactor + driftUncertainty + delayUncertainty + senderUncertainty + correctionUncertainty

	// The interval narrows as more corrections are observed, reflecting
	// growing confidence in the clock model rather than a single sample.
	if n > 0 {
		interval /= math.Sqrt(float64(n))
	}
	return interval
}

func (c *Corrector) syncStatusAccuracy() float64 {
	if c.sync.IsSynchronized() {
		return c.sync.syncAccuracySnapshot()
	}
	return 1.0
}

// syncAccuracySnapshot exposes sync_accuracy to the corrector without
// making it part of Sync's public surface, since nothing outside the
// time pipeline needs it.
func (s *Sync) syncAccuracySnapshot() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncAccuracy
}

// Statistics returns a snapshot for the /time/stats endpoint.
func (c *Corrector) Statistics() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	avg := 0.0
	if c.correctionsApplied > 0 {
		avg = c.totalCorrectionMagnitude / float64(c.correctionsApplied)
	}
	return map[string]any{
		"method":              c.method.String(),
		"corrections_applied": c.correctionsApplied,
		"average_correction":  avg,
		"max_correction":      c.maxCorrection,
	}
}

// Reset clears correction statistics only. The drift history is cleared
// separately by SkewAnalyzer.Reset; the Sync offset state is not reset.
func (c *Corrector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.correctionsApplied = 0
	c.totalCorrectionMagnitude = 0
	c.maxCorrection = 0
}
