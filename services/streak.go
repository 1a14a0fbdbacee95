package services

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cppla/jifen/models"
)

// RewardTable maps a streak length in days to the bonus awarded on that day.
type RewardTable map[int]int

// ParseRewardTable decodes the admin-configured JSON object, e.g. {"3": 5, "7": 20}.
// Malformed JSON yields an empty table; keys that are not positive integers are skipped.
func ParseRewardTable(raw string) RewardTable {
	table := RewardTable{}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return table
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return table
	}
	for k, v := range m {
		days, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil || days <= 0 {
			continue
		}
		switch t := v.(type) {
		case float64:
			table[days] = int(t)
		case string:
			if pts, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
				table[days] = pts
			}
		}
	}
	return table
}

// Bonus returns the reward for exactly reaching streak days, or 0.
func (t RewardTable) Bonus(streak int) int {
	return t[streak]
}

// RewardInfo describes the next unlockable streak reward.
type RewardInfo struct {
	Days      int `json:"days"`
	Points    int `json:"points"`
	Remaining int `json:"remain"`
}

// NextReward returns the smallest threshold above streak. ok is false when the table is
// empty or every threshold has been passed.
func NextReward(streak int, table RewardTable) (RewardInfo, bool) {
	if len(table) == 0 {
		return RewardInfo{}, false
	}
	days := make([]int, 0, len(table))
	for d := range table {
		days = append(days, d)
	}
	sort.Ints(days)
	for _, d := range days {
		if d > streak {
			return RewardInfo{Days: d, Points: table[d], Remaining: d - streak}, true
		}
	}
	return RewardInfo{}, false
}

// DisplayedStreak is the streak shown to the user: the stored count of the latest record
// while the chain is alive (latest day is today or yesterday), otherwise 0.
func DisplayedStreak(latest *models.SigninRecord, today string) int {
	if latest == nil {
		return 0
	}
	if latest.Date == today || latest.Date == addDays(today, -1) {
		return latest.StreakCount
	}
	return 0
}

// NextStreak is the streak a new same-day record gets given the previous latest record.
func NextStreak(prev *models.SigninRecord, today string) int {
	if prev != nil && prev.Date == addDays(today, -1) {
		return prev.StreakCount + 1
	}
	return 1
}

// dayOf formats t as a calendar day in loc.
func dayOf(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(models.DateLayout)
}

// addDays shifts a calendar day string. Invalid input is returned unchanged.
func addDays(day string, n int) string {
	t, err := time.Parse(models.DateLayout, day)
	if err != nil {
		return day
	}
	return t.AddDate(0, 0, n).Format(models.DateLayout)
}

var makeupDateLayouts = []string{
	models.DateLayout,
	"2006/01/02",
	"2006-1-2",
	"2006/1/2",
	"20060102",
}

// parseDay accepts the common date spellings plus RFC 3339 timestamps, which are
// converted to the calendar day in loc.
func parseDay(raw string, loc *time.Location) (string, bool) {
	raw = strings.TrimSpace(raw)
	for _, layout := range makeupDateLayouts {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t.Format(models.DateLayout), true
		}
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return dayOf(t, loc), true
	}
	return "", false
}
