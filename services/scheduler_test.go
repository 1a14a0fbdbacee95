package services

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/cppla/jifen/config"
)

const testUnit = 10 * time.Millisecond

type fakeRefresher struct {
	calls     atomic.Int32
	intervals chan int
	block     chan struct{}
	err       error
}

func newFakeRefresher() *fakeRefresher {
	return &fakeRefresher{intervals: make(chan int, 128)}
}

func (r *fakeRefresher) Refresh(ctx context.Context, intervalMinutes int) (LeaderboardSnapshot, error) {
	r.calls.Add(1)
	select {
	case r.intervals <- intervalMinutes:
	default:
	}
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
		}
	}
	return LeaderboardSnapshot{IntervalMinutes: intervalMinutes}, r.err
}

func TestScheduler_TicksOnInterval(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ref := newFakeRefresher()
	store := testSettings(func(s *config.JifenSettings) { s.LeaderboardUpdateMinutes = 2 })
	s := NewRefreshScheduler(ref, store, WithIntervalUnit(testUnit))
	assert.Equal(t, 2, s.Interval())

	s.Start(context.Background())
	s.Start(context.Background())
	require.Eventually(t, func() bool { return ref.calls.Load() >= 3 }, 2*time.Second, testUnit)
	s.Stop()
	s.Stop()

	assert.Equal(t, 2, <-ref.intervals)
	assert.Equal(t, StateIdle, s.State())
}

func TestScheduler_WarmUpRunsImmediately(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ref := newFakeRefresher()
	store := testSettings(func(s *config.JifenSettings) { s.LeaderboardUpdateMinutes = 60 })
	s := NewRefreshScheduler(ref, store, WithIntervalUnit(time.Second), WithWarmUp(true))

	s.Start(context.Background())
	require.Eventually(t, func() bool { return ref.calls.Load() == 1 }, time.Second, testUnit)
	s.Stop()
}

func TestScheduler_DisabledSkipsTicks(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ref := newFakeRefresher()
	store := testSettings(func(s *config.JifenSettings) {
		s.Enabled = false
		s.LeaderboardUpdateMinutes = 1
	})
	s := NewRefreshScheduler(ref, store, WithIntervalUnit(testUnit), WithWarmUp(true))

	s.Start(context.Background())
	time.Sleep(10 * testUnit)
	assert.Equal(t, int32(0), ref.calls.Load())
	assert.Equal(t, StateIdle, s.State())

	// re-enabling takes effect on the next tick without a restart
	store.Update(func(js *config.JifenSettings) { js.Enabled = true })
	require.Eventually(t, func() bool { return ref.calls.Load() > 0 }, time.Second, testUnit)
	s.Stop()
}

func TestScheduler_SkipsTickWhileRunning(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ref := newFakeRefresher()
	ref.block = make(chan struct{})
	store := testSettings(func(s *config.JifenSettings) { s.LeaderboardUpdateMinutes = 1 })
	s := NewRefreshScheduler(ref, store, WithIntervalUnit(testUnit))

	s.Start(context.Background())
	require.Eventually(t, func() bool { return s.State() == StateRunning }, time.Second, time.Millisecond)

	// several ticks elapse while the first run is stuck
	time.Sleep(10 * testUnit)
	assert.Equal(t, int32(1), ref.calls.Load())

	close(ref.block)
	require.Eventually(t, func() bool { return ref.calls.Load() >= 2 }, time.Second, testUnit)
	s.Stop()
	assert.Equal(t, StateIdle, s.State())
}

func TestScheduler_StopWaitsForInFlightRun(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ref := newFakeRefresher()
	ref.block = make(chan struct{})
	store := testSettings(func(s *config.JifenSettings) { s.LeaderboardUpdateMinutes = 60 })
	s := NewRefreshScheduler(ref, store, WithIntervalUnit(time.Second), WithWarmUp(true))

	s.Start(context.Background())
	require.Eventually(t, func() bool { return s.State() == StateRunning }, time.Second, time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("Stop returned while a run was in flight")
	case <-time.After(5 * testUnit):
	}
	close(ref.block)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after the run finished")
	}
}

func TestScheduler_IntervalChangeReschedules(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	// GIVEN: a 60-unit interval, so no tick would fire during the test
	// WHEN: the interval drops to 1 unit
	// THEN: the overdue tick fires right away and later ticks use the new interval
	ref := newFakeRefresher()
	store := testSettings(func(s *config.JifenSettings) { s.LeaderboardUpdateMinutes = 60 })
	s := NewRefreshScheduler(ref, store, WithIntervalUnit(testUnit*10))

	s.Start(context.Background())
	time.Sleep(5 * testUnit)
	assert.Equal(t, int32(0), ref.calls.Load())

	s.UpdateInterval(1)
	require.Eventually(t, func() bool { return ref.calls.Load() >= 2 }, time.Second, testUnit)
	assert.Equal(t, 1, s.Interval())
	assert.Equal(t, 1, <-ref.intervals)
	s.Stop()
}

func TestScheduler_UpdateIntervalKeepsLatestAndClamps(t *testing.T) {
	ref := newFakeRefresher()
	s := NewRefreshScheduler(ref, testSettings(), WithIntervalUnit(testUnit))

	// not started: pending changes collapse to the newest one
	s.UpdateInterval(7)
	s.UpdateInterval(9)
	assert.Equal(t, 9, <-s.changes)

	s.UpdateInterval(0)
	assert.Equal(t, config.DefaultLeaderboardUpdateMinutes, <-s.changes)
	s.UpdateInterval(61)
	assert.Equal(t, config.DefaultLeaderboardUpdateMinutes, <-s.changes)
}

func TestScheduler_FailuresAreSurvived(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ref := newFakeRefresher()
	ref.err = errors.New("aggregate failed")
	store := testSettings(func(s *config.JifenSettings) { s.LeaderboardUpdateMinutes = 1 })
	s := NewRefreshScheduler(ref, store, WithIntervalUnit(testUnit))

	s.Start(context.Background())
	require.Eventually(t, func() bool { return ref.calls.Load() >= 3 }, time.Second, testUnit)
	s.Stop()
}

func TestScheduler_KeepsPreviousSnapshotOnFailure(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	agg := &stubAggregator{n: 4}
	cache := NewLeaderboardCache(agg, testSettings())
	first, err := cache.ForceRefresh(context.Background())
	require.NoError(t, err)

	agg.err = errors.New("db down")

	store := testSettings(func(s *config.JifenSettings) { s.LeaderboardUpdateMinutes = 1 })
	s := NewRefreshScheduler(cache, store, WithIntervalUnit(testUnit))
	s.Start(context.Background())
	require.Eventually(t, func() bool { return agg.calls.Load() >= 3 }, time.Second, testUnit)
	s.Stop()

	snap, ok := cache.Snapshot(context.Background())
	require.True(t, ok)
	assert.Equal(t, first.RunID, snap.RunID)
}

func TestScheduler_ContextCancelStopsLoop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ref := newFakeRefresher()
	s := NewRefreshScheduler(ref, testSettings(), WithIntervalUnit(testUnit))
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	cancel()
	s.Stop()
}
