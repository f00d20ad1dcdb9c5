package timesync

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProber struct {
	responses map[string]struct {
		t2, t3 float64
		err    error
	}
}

func (f *fakeProber) Probe(ctx context.Context, peer string) (float64, float64, error) {
	r, ok := f.responses[peer]
	if !ok {
		return 0, 0, fmt.Errorf("no fake response for %s", peer)
	}
	return r.t2, r.t3, r.err
}

func TestSynchronizeWithPeersComputesMedianOffset(t *testing.T) {
	prober := &fakeProber{responses: map[string]struct {
		t2, t3 float64
		err    error
	}{
		"p1": {t2: 100.1, t3: 100.1},
		"p2": {t2: 100.2, t3: 100.2},
		"p3": {t2: 100.3, t3: 100.3},
	}}

	var sampled []float64
	s := New(prober, func() []string { return []string{"p1", "p2", "p3"} },
		func(t, offset float64) { sampled = append(sampled, offset) }, nil)
	// A fixed local clock at t=100 makes t1 = t4 = 100, so the per-peer
	// offsets are exactly 0.1, 0.2 and 0.3.
	s.nowFn = func() time.Time { return time.Unix(100, 0) }

	err := s.SynchronizeWithPeers(context.Background())
	require.NoError(t, err)
	assert.Len(t, sampled, 1)
	assert.InDelta(t, 0.2, s.ClockOffset(), 1e-9)
	assert.False(t, s.lastSyncTime.IsZero())
}

func TestSynchronizeWithPeersFailsWhenNoPeersAlive(t *testing.T) {
	s := New(&fakeProber{}, func() []string { return nil }, nil, nil)
	err := s.SynchronizeWithPeers(context.Background())
	assert.Error(t, err)
}

func TestSynchronizeWithPeersReportsFailedPeers(t *testing.T) {
	prober := &fakeProber{responses: map[string]struct {
		t2, t3 float64
		err    error
	}{
		"good": {t2: 1, t3: 1},
	}}
	var failed []string
	s := New(prober, func() []string { return []string{"good", "bad"} }, nil, func(peer string) {
		failed = append(failed, peer)
	})

	err := s.SynchronizeWithPeers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"bad"}, failed)
}

func TestIsSynchronizedFalseBeforeFirstSync(t *testing.T) {
	s := New(&fakeProber{}, func() []string { return nil }, nil, nil)
	assert.False(t, s.IsSynchronized())
}

func TestMedianOddAndEven(t *testing.T) {
	assert.Equal(t, 2.0, median([]float64{3, 1, 2}))
	assert.Equal(t, 2.5, median([]float64{1, 2, 3, 4}))
}

func TestPopulationStdDevOfIdenticalValuesIsZero(t *testing.T) {
	assert.Equal(t, 0.0, populationStdDev([]float64{5, 5, 5}))
}

func TestRunStopsOnCancel(t *testing.T) {
	s := New(&fakeProber{}, func() []string { return nil }, nil, nil)
	s.syncInterval = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
