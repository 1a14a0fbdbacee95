package services

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cppla/jifen/config"
)

// SchedulerState is the refresh scheduler's run state.
type SchedulerState int32

const (
	StateIdle SchedulerState = iota
	StateRunning
)

func (s SchedulerState) String() string {
	if s == StateRunning {
		return "running"
	}
	return "idle"
}

const defaultRunTimeout = time.Minute

// Refresher produces a new leaderboard snapshot.
type Refresher interface {
	Refresh(ctx context.Context, intervalMinutes int) (LeaderboardSnapshot, error)
}

// RefreshScheduler drives periodic leaderboard refreshes. At most one run is in flight;
// a tick that finds one running is skipped.
type RefreshScheduler struct {
	cache    Refresher
	settings SettingsSource
	log      *zap.Logger
	unit     time.Duration
	timeout  time.Duration
	warmUp   bool

	state    atomic.Int32
	interval atomic.Int32
	changes  chan int
	runs     sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// SchedulerOption configures a RefreshScheduler.
type SchedulerOption func(*RefreshScheduler)

// WithIntervalUnit sets what one interval "minute" lasts.
func WithIntervalUnit(d time.Duration) SchedulerOption {
	return func(s *RefreshScheduler) {
		if d > 0 {
			s.unit = d
		}
	}
}

// WithRunTimeout bounds a single refresh run.
func WithRunTimeout(d time.Duration) SchedulerOption {
	return func(s *RefreshScheduler) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithWarmUp runs one refresh immediately on Start.
func WithWarmUp(on bool) SchedulerOption {
	return func(s *RefreshScheduler) { s.warmUp = on }
}

// WithSchedulerLogger sets the logger.
func WithSchedulerLogger(l *zap.Logger) SchedulerOption {
	return func(s *RefreshScheduler) { s.log = l }
}

// NewRefreshScheduler creates an idle scheduler using the configured interval.
func NewRefreshScheduler(cache Refresher, settings SettingsSource, opts ...SchedulerOption) *RefreshScheduler {
	s := &RefreshScheduler{
		cache:    cache,
		settings: settings,
		log:      zap.NewNop(),
		unit:     time.Minute,
		timeout:  defaultRunTimeout,
		changes:  make(chan int, 1),
	}
	s.interval.Store(int32(validInterval(settings.Jifen().LeaderboardUpdateMinutes)))
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func validInterval(minutes int) int {
	if minutes < 1 || minutes > 60 {
		return config.DefaultLeaderboardUpdateMinutes
	}
	return minutes
}

// State reports whether a run is in flight.
func (s *RefreshScheduler) State() SchedulerState {
	return SchedulerState(s.state.Load())
}

// Interval is the active interval in minutes.
func (s *RefreshScheduler) Interval() int {
	return int(s.interval.Load())
}

// Start launches the timer loop. It returns immediately; calling it twice is a no-op.
func (s *RefreshScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.loop(ctx)
}

// Stop ends the loop and waits for any in-flight run to finish.
func (s *RefreshScheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()

	<-done
	s.runs.Wait()
}

// UpdateInterval reschedules the next tick for lastTick + minutes. Only the latest of
// several pending changes is applied.
func (s *RefreshScheduler) UpdateInterval(minutes int) {
	minutes = validInterval(minutes)
	for {
		select {
		case s.changes <- minutes:
			return
		default:
		}
		select {
		case <-s.changes:
		default:
		}
	}
}

func (s *RefreshScheduler) loop(ctx context.Context) {
	defer close(s.doneCh)

	period := func() time.Duration { return time.Duration(s.interval.Load()) * s.unit }
	lastTick := time.Now()
	if s.warmUp {
		s.tick(ctx)
	}
	timer := time.NewTimer(period())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case minutes := <-s.changes:
			if int32(minutes) == s.interval.Load() {
				continue
			}
			s.interval.Store(int32(minutes))
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			wait := time.Until(lastTick.Add(period()))
			if wait < 0 {
				wait = 0
			}
			timer.Reset(wait)
			s.log.Info("leaderboard refresh interval changed", zap.Int("minutes", minutes), zap.Duration("next_in", wait))
		case <-timer.C:
			lastTick = time.Now()
			s.tick(ctx)
			timer.Reset(period())
		}
	}
}

// tick starts a refresh run unless the feature is off or a run is already in flight.
func (s *RefreshScheduler) tick(ctx context.Context) {
	if !s.settings.Jifen().Enabled {
		return
	}
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		s.log.Debug("leaderboard refresh still running, tick skipped")
		return
	}
	interval := int(s.interval.Load())
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		defer s.state.Store(int32(StateIdle))
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("leaderboard refresh panicked", zap.Any("panic", r))
			}
		}()

		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		if _, err := s.cache.Refresh(runCtx, interval); err != nil {
			s.log.Error("leaderboard refresh failed, keeping previous snapshot", zap.Error(err))
		}
	}()
}
