package config

import (
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultLeaderboardUpdateMinutes = 3
	DefaultLeaderboardDisplayCount  = 30
)

// JifenSettings are the site settings of the check-in economy.
type JifenSettings struct {
	Enabled                  bool   `json:"enabled"`
	BasePoints               int    `json:"base_points_per_signin"`
	RewardsJSON              string `json:"consecutive_rewards_json"`
	MakeupCardPrice          int    `json:"makeup_card_price"`
	MakeupRatioPercent       int    `json:"makeup_ratio_percent"`
	LeaderboardUpdateMinutes int    `json:"leaderboard_update_minutes"`
	LeaderboardDisplayCount  int    `json:"leaderboard_display_count"`
	Timezone                 string `json:"timezone"`
}

// DefaultJifenSettings mirrors the plugin defaults.
func DefaultJifenSettings() JifenSettings {
	return JifenSettings{
		Enabled:                  true,
		BasePoints:               10,
		RewardsJSON:              `{"7":20,"30":100}`,
		MakeupCardPrice:          50,
		MakeupRatioPercent:       100,
		LeaderboardUpdateMinutes: DefaultLeaderboardUpdateMinutes,
		LeaderboardDisplayCount:  DefaultLeaderboardDisplayCount,
	}
}

// Normalize clamps out-of-range values instead of rejecting them.
func (s JifenSettings) Normalize() JifenSettings {
	if s.BasePoints < 0 {
		s.BasePoints = 0
	}
	if s.MakeupCardPrice < 0 {
		s.MakeupCardPrice = 0
	}
	if s.MakeupRatioPercent < 0 {
		s.MakeupRatioPercent = 0
	}
	if s.MakeupRatioPercent > 100 {
		s.MakeupRatioPercent = 100
	}
	if s.LeaderboardUpdateMinutes < 1 || s.LeaderboardUpdateMinutes > 60 {
		s.LeaderboardUpdateMinutes = DefaultLeaderboardUpdateMinutes
	}
	if s.LeaderboardDisplayCount <= 0 {
		s.LeaderboardDisplayCount = DefaultLeaderboardDisplayCount
	}
	s.Timezone = strings.TrimSpace(s.Timezone)
	return s
}

// Location resolves the site timezone used to decide calendar days.
// Unknown zones fall back to the process local zone.
func (s JifenSettings) Location() *time.Location {
	if s.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

func parseJifenSection(m map[string]any, base JifenSettings) JifenSettings {
	out := base
	if b, ok := getBool(m, "Enabled"); ok {
		out.Enabled = b
	}
	if v, ok := getInt(m, "BasePointsPerSignin"); ok {
		out.BasePoints = v
	}
	if v, ok := m["ConsecutiveRewards"]; ok {
		// accept either a JSON string or an inline object
		switch t := v.(type) {
		case string:
			out.RewardsJSON = t
		case map[string]any:
			out.RewardsJSON = encodeRewards(t)
		}
	}
	if v, ok := getInt(m, "MakeupCardPrice"); ok {
		out.MakeupCardPrice = v
	}
	if v, ok := getInt(m, "MakeupRatioPercent"); ok {
		out.MakeupRatioPercent = v
	}
	if v, ok := getInt(m, "LeaderboardUpdateMinutes"); ok {
		out.LeaderboardUpdateMinutes = v
	}
	if v, ok := getInt(m, "LeaderboardDisplayCount"); ok {
		out.LeaderboardDisplayCount = v
	}
	if v := getString(m, "Timezone"); v != "" {
		out.Timezone = v
	}
	return out.Normalize()
}

func applyJifenEnv(s JifenSettings) JifenSettings {
	if v := getEnv("SIGNIN_REWARD", ""); v != "" {
		s.BasePoints = mustParseInt(v)
	}
	if v := getEnv("JIFEN_ENABLED", ""); v != "" {
		s.Enabled = v == "true"
	}
	if v := getEnv("JIFEN_BASE_POINTS", ""); v != "" {
		s.BasePoints = mustParseInt(v)
	}
	if v := getEnv("JIFEN_REWARDS_JSON", ""); v != "" {
		s.RewardsJSON = v
	}
	if v := getEnv("JIFEN_MAKEUP_CARD_PRICE", ""); v != "" {
		s.MakeupCardPrice = mustParseInt(v)
	}
	if v := getEnv("JIFEN_MAKEUP_RATIO_PERCENT", ""); v != "" {
		s.MakeupRatioPercent = mustParseInt(v)
	}
	if v := getEnv("JIFEN_LEADERBOARD_UPDATE_MINUTES", ""); v != "" {
		s.LeaderboardUpdateMinutes = mustParseInt(v)
	}
	if v := getEnv("JIFEN_LEADERBOARD_DISPLAY_COUNT", ""); v != "" {
		s.LeaderboardDisplayCount = mustParseInt(v)
	}
	if v := getEnv("JIFEN_TIMEZONE", ""); v != "" {
		s.Timezone = v
	}
	return s.Normalize()
}

// JifenStore holds the live settings and notifies subscribers on change.
type JifenStore struct {
	cur atomic.Pointer[JifenSettings]

	mu   sync.Mutex
	subs []func(prev, next JifenSettings)
}

// NewJifenStore creates a store seeded with s.
func NewJifenStore(s JifenSettings) *JifenStore {
	st := &JifenStore{}
	n := s.Normalize()
	st.cur.Store(&n)
	return st
}

// Jifen returns the current settings.
func (s *JifenStore) Jifen() JifenSettings {
	return *s.cur.Load()
}

// OnChange registers fn to be called after every replacement that changed something.
func (s *JifenStore) OnChange(fn func(prev, next JifenSettings)) {
	s.mu.Lock()
	s.subs = append(s.subs, fn)
	s.mu.Unlock()
}

// Replace swaps in next and notifies subscribers. It reports whether anything changed.
func (s *JifenStore) Replace(next JifenSettings) bool {
	next = next.Normalize()

	s.mu.Lock()
	prev := *s.cur.Load()
	if prev == next {
		s.mu.Unlock()
		return false
	}
	s.cur.Store(&next)
	subs := append([]func(prev, next JifenSettings){}, s.subs...)
	s.mu.Unlock()

	for _, fn := range subs {
		fn(prev, next)
	}
	return true
}

// Update applies fn to a copy of the current settings and replaces them.
func (s *JifenStore) Update(fn func(*JifenSettings)) JifenSettings {
	next := s.Jifen()
	fn(&next)
	s.Replace(next)
	return s.Jifen()
}

func encodeRewards(m map[string]any) string {
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}
