package services

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cppla/jifen/utils"
)

const (
	// LeaderboardCacheKey is where the Redis mirror keeps the shared snapshot.
	LeaderboardCacheKey = "jifen:leaderboard"
	// DefaultSnapshotTTL bounds staleness when refreshes keep failing.
	DefaultSnapshotTTL = 2 * time.Hour

	minLeaderboardDepth = 100
	maxPageSize         = 100
)

// SnapshotMirror shares snapshots between processes.
type SnapshotMirror interface {
	Load(ctx context.Context) (*LeaderboardSnapshot, time.Time, bool)
	Store(ctx context.Context, snap *LeaderboardSnapshot, expiresAt time.Time, ttl time.Duration) error
}

type mirroredSnapshot struct {
	LeaderboardSnapshot
	ExpiresAt time.Time `json:"expires_at"`
}

// RedisMirror stores snapshots as JSON in Redis.
type RedisMirror struct {
	cache *utils.RedisCache
	key   string
}

// NewRedisMirror mirrors snapshots through cache under LeaderboardCacheKey.
func NewRedisMirror(cache *utils.RedisCache) *RedisMirror {
	return &RedisMirror{cache: cache, key: LeaderboardCacheKey}
}

// Load implements SnapshotMirror.
func (m *RedisMirror) Load(ctx context.Context) (*LeaderboardSnapshot, time.Time, bool) {
	var payload mirroredSnapshot
	if !m.cache.GetJSON(ctx, m.key, &payload) {
		return nil, time.Time{}, false
	}
	snap := payload.LeaderboardSnapshot
	return &snap, payload.ExpiresAt, true
}

// Store implements SnapshotMirror.
func (m *RedisMirror) Store(ctx context.Context, snap *LeaderboardSnapshot, expiresAt time.Time, ttl time.Duration) error {
	return m.cache.SetJSON(ctx, m.key, mirroredSnapshot{LeaderboardSnapshot: *snap, ExpiresAt: expiresAt}, ttl)
}

// LeaderboardPage is one page of the cached ranking.
type LeaderboardPage struct {
	Entries                []LeaderboardEntry `json:"entries"`
	Page                   int                `json:"page"`
	PageSize               int                `json:"page_size"`
	Total                  int                `json:"total"`
	TotalPages             int                `json:"total_pages"`
	UpdatedAt              *time.Time         `json:"updated_at,omitempty"`
	IntervalMinutes        int                `json:"interval_minutes"`
	MinutesUntilNextUpdate int                `json:"minutes_until_next_update"`
	FromCache              bool               `json:"from_cache"`
}

type cachedSnapshot struct {
	snap      *LeaderboardSnapshot
	expiresAt time.Time
}

// LeaderboardCache serves the ranking from the latest snapshot. Reads never compute.
type LeaderboardCache struct {
	cur      atomic.Pointer[cachedSnapshot]
	agg      Aggregator
	settings SettingsSource
	mirror   SnapshotMirror
	ttl      time.Duration
	now      func() time.Time
	log      *zap.Logger
}

// CacheOption configures a LeaderboardCache.
type CacheOption func(*LeaderboardCache)

// WithSnapshotMirror shares snapshots through m.
func WithSnapshotMirror(m SnapshotMirror) CacheOption {
	return func(c *LeaderboardCache) { c.mirror = m }
}

// WithSnapshotTTL overrides the safety expiry.
func WithSnapshotTTL(d time.Duration) CacheOption {
	return func(c *LeaderboardCache) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithCacheClock overrides the time source.
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *LeaderboardCache) { c.now = now }
}

// WithCacheLogger sets the logger.
func WithCacheLogger(l *zap.Logger) CacheOption {
	return func(c *LeaderboardCache) { c.log = l }
}

// NewLeaderboardCache creates an empty cache fed by agg.
func NewLeaderboardCache(agg Aggregator, settings SettingsSource, opts ...CacheOption) *LeaderboardCache {
	c := &LeaderboardCache{
		agg:      agg,
		settings: settings,
		ttl:      DefaultSnapshotTTL,
		now:      time.Now,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Depth is how many entries each refresh caches.
func (c *LeaderboardCache) Depth() int {
	if n := c.settings.Jifen().LeaderboardDisplayCount; n > minLeaderboardDepth {
		return n
	}
	return minLeaderboardDepth
}

// Write replaces the snapshot wholesale.
func (c *LeaderboardCache) Write(ctx context.Context, snap LeaderboardSnapshot) {
	entries := make([]LeaderboardEntry, len(snap.Entries))
	copy(entries, snap.Entries)
	snap.Entries = entries

	expiresAt := c.now().Add(c.ttl)
	c.cur.Store(&cachedSnapshot{snap: &snap, expiresAt: expiresAt})
	if c.mirror != nil {
		if err := c.mirror.Store(ctx, &snap, expiresAt, c.ttl); err != nil {
			c.log.Warn("leaderboard mirror write failed", zap.Error(err))
		}
	}
}

// Snapshot returns the live snapshot, falling back to the mirror when the local copy is
// missing or expired.
func (c *LeaderboardCache) Snapshot(ctx context.Context) (*LeaderboardSnapshot, bool) {
	now := c.now()
	cur := c.cur.Load()
	if cur != nil && now.Before(cur.expiresAt) {
		return cur.snap, true
	}
	if c.mirror == nil {
		return nil, false
	}
	snap, expiresAt, ok := c.mirror.Load(ctx)
	if !ok || !now.Before(expiresAt) {
		return nil, false
	}
	// A Write that landed while the mirror was read wins over the mirror copy.
	if !c.cur.CompareAndSwap(cur, &cachedSnapshot{snap: snap, expiresAt: expiresAt}) {
		if latest := c.cur.Load(); latest != nil && now.Before(latest.expiresAt) {
			return latest.snap, true
		}
	}
	return snap, true
}

// Page returns entries [(page-1)*pageSize, page*pageSize) of the snapshot. Pages past the
// cached depth are empty.
func (c *LeaderboardCache) Page(ctx context.Context, page, pageSize int) LeaderboardPage {
	st := c.settings.Jifen()
	if pageSize <= 0 {
		pageSize = st.LeaderboardDisplayCount
	}
	pageSize = clamp(pageSize, 1, maxPageSize)
	if page < 1 {
		page = 1
	}

	out := LeaderboardPage{
		Entries:         []LeaderboardEntry{},
		Page:            page,
		PageSize:        pageSize,
		IntervalMinutes: st.LeaderboardUpdateMinutes,
	}
	snap, ok := c.Snapshot(ctx)
	if !ok {
		return out
	}

	out.FromCache = true
	out.Total = len(snap.Entries)
	out.TotalPages = (out.Total + pageSize - 1) / pageSize
	computed := snap.ComputedAt
	out.UpdatedAt = &computed
	if snap.IntervalMinutes > 0 {
		out.IntervalMinutes = snap.IntervalMinutes
	}
	next := computed.Add(time.Duration(out.IntervalMinutes) * time.Minute)
	if wait := next.Sub(c.now()); wait > 0 {
		out.MinutesUntilNextUpdate = int((wait + time.Minute - 1) / time.Minute)
	}

	if page > out.TotalPages {
		return out
	}
	start := (page - 1) * pageSize
	end := start + pageSize
	if end > out.Total {
		end = out.Total
	}
	out.Entries = snap.Entries[start:end]
	return out
}

// Refresh aggregates and writes a new snapshot tagged with intervalMinutes.
func (c *LeaderboardCache) Refresh(ctx context.Context, intervalMinutes int) (LeaderboardSnapshot, error) {
	runID := uuid.NewString()
	started := c.now()
	entries, err := c.agg.ComputeTopN(ctx, c.Depth())
	if err != nil {
		return LeaderboardSnapshot{}, err
	}
	snap := LeaderboardSnapshot{
		Entries:         entries,
		ComputedAt:      c.now(),
		IntervalMinutes: intervalMinutes,
		RunID:           runID,
	}
	c.Write(ctx, snap)
	c.log.Info("leaderboard refreshed",
		zap.String("run_id", runID),
		zap.Int("entries", len(entries)),
		zap.Int("interval_minutes", intervalMinutes),
		zap.Duration("took", c.now().Sub(started)),
	)
	return snap, nil
}

// ForceRefresh recomputes synchronously with the configured interval.
func (c *LeaderboardCache) ForceRefresh(ctx context.Context) (LeaderboardSnapshot, error) {
	return c.Refresh(ctx, c.settings.Jifen().LeaderboardUpdateMinutes)
}
