package timesync

import (
	"math"
	"sync"
	"time"
)

// DefaultWindowSize bounds how many (timestamp, offset) samples the
// analyzer retains, for both the aggregate and each peer.
const DefaultWindowSize = 100

// minSamplesForRegression is the fewest samples ordinary least squares
// needs before a drift-rate estimate means anything.
const minSamplesForRegression = 3

type sample struct {
	t, offset float64
}

// SkewAnalyzer estimates clock drift (the rate of change of offset over
// time) from a rolling history of offset samples, via ordinary least
// squares.
type SkewAnalyzer struct {
	mu sync.Mutex

	windowSize int
	history    []sample
	peerHistory map[string][]sample

	currentSkew float64
	driftRate   float64
	lastSampleT float64

	peerDriftRates map[string]float64
}

// NewSkewAnalyzer creates an analyzer with the default window size.
func NewSkewAnalyzer() *SkewAnalyzer {
	return &SkewAnalyzer{
		windowSize:     DefaultWindowSize,
		peerHistory:    make(map[string][]sample),
		peerDriftRates: make(map[string]float64),
	}
}

// RecordOffset appends an aggregate (timestamp, offset) sample and
// recomputes drift_rate.
func (a *SkewAnalyzer) RecordOffset(t, offset float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = appendBounded(a.history, sample{t, offset}, a.windowSize)
	a.currentSkew = offset
	a.lastSampleT = t
	a.driftRate = linearRegressionSlope(a.history)
}

// RecordPeerOffset appends a per-peer sample and recomputes that peer's
// drift rate independently of the aggregate.
func (a *SkewAnalyzer) RecordPeerOffset(peer string, t, offset float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.peerHistory[peer] = appendBounded(a.peerHistory[peer], sample{t, offset}, a.windowSize)
	a.peerDriftRates[peer] = linearRegressionSlope(a.peerHistory[peer])
}

func appendBounded(hist []sample, s sample, max int) []sample {
	hist = append(hist, s)
	if len(hist) > max {
		hist = hist[len(hist)-max:]
	}
	return hist
}

// linearRegressionSlope fits offset = a + b*t by OLS and returns b (the
// drift rate), or 0 if there aren't enough samples yet.
func linearRegressionSlope(hist []sample) float64 {
	n := float64(len(hist))
	if n < minSamplesForRegression {
		return 0
	}
	var sumT, sumO, sumTO, sumTT float64
	for _, s := range hist {
		sumT += s.t
		sumO += s.offset
		sumTO += s.t * s.offset
		sumTT += s.t * s.t
	}
	denom := n*sumTT - sumT*sumT
	if denom == 0 {
		return 0
	}
	return (n*sumTO - sumT*sumO) / denom
}

// DriftRate returns the current aggregate drift-rate estimate.
func (a *SkewAnalyzer) DriftRate() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.driftRate
}

// CurrentSkew returns the most recently recorded offset sample.
func (a *SkewAnalyzer) CurrentSkew() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentSkew
}

// PredictFutureOffset extrapolates the offset at time t from the last
// sample and the current drift rate.
func (a *SkewAnalyzer) PredictFutureOffset(t float64) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentSkew + a.driftRate*(t-a.lastSampleT)
}

// JumpEvent describes a discontinuity between two consecutive samples.
type JumpEvent struct {
	PreviousT, T         float64
	PreviousOffset, Offset float64
	Delta                float64
}

// DefaultJumpThreshold is the default magnitude above which an
// offset change between consecutive samples is reported as a jump.
const DefaultJumpThreshold = 0.5

// DetectClockJumps scans the aggregate history for adjacent-sample
// offset differences exceeding threshold.
func (a *SkewAnalyzer) DetectClockJumps(threshold float64) []JumpEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	var jumps []JumpEvent
	for i := 1; i < len(a.history); i++ {
		prev, cur := a.history[i-1], a.history[i]
		delta := cur.offset - prev.offset
		if math.Abs(delta) > threshold {
			jumps = append(jumps, JumpEvent{
				PreviousT: prev.t, T: cur.t,
				PreviousOffset: prev.offset, Offset: cur.offset,
				Delta: delta,
			})
		}
	}
	return jumps
}

// IsSkewAcceptable reports whether the current drift rate is within
// maxSkew.
func (a *SkewAnalyzer) IsSkewAcceptable(maxSkew float64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return math.Abs(a.driftRate) <= maxSkew
}

// RecommendSyncInterval suggests how often to resynchronize given the
// current drift rate: a very stable clock can sync rarely, a fast-moving
// one needs frequent correction.
func (a *SkewAnalyzer) RecommendSyncInterval() time.Duration {
	a.mu.Lock()
	rate := math.Abs(a.driftRate)
	a.mu.Unlock()

	switch {
	case rate <= 1e-9:
		return 300 * time.Second
	case rate <= 1e-7:
		return 120 * time.Second
	case rate <= 1e-6:
		return 60 * time.Second
	default:
		return 30 * time.Second
	}
}

// Statistics returns a snapshot for the /clock endpoint.
func (a *SkewAnalyzer) Statistics() map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	peerRates := make(map[string]float64, len(a.peerDriftRates))
	for k, v := range a.peerDriftRates {
		peerRates[k] = v
	}
	return map[string]any{
		"current_skew":     a.currentSkew,
		"drift_rate":       a.driftRate,
		"sample_count":     len(a.history),
		"peer_drift_rates": peerRates,
	}
}

// Reset clears all recorded history and estimates.
func (a *SkewAnalyzer) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = nil
	a.peerHistory = make(map[string][]sample)
	a.peerDriftRates = make(map[string]float64)
	a.currentSkew = 0
	a.driftRate = 0
	a.lastSampleT = 0
}
