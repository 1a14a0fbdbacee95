package services

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/cppla/jifen/models"
)

// LeaderboardEntry is one ranked row.
type LeaderboardEntry struct {
	Rank     int    `json:"rank"`
	UserID   uint   `json:"user_id"`
	Username string `json:"username"`
	Points   int    `json:"points"`
}

// LeaderboardSnapshot is an immutable ranking produced by one refresh run.
type LeaderboardSnapshot struct {
	Entries         []LeaderboardEntry `json:"entries"`
	ComputedAt      time.Time          `json:"computed_at"`
	IntervalMinutes int                `json:"interval_minutes"`
	RunID           string             `json:"run_id,omitempty"`
}

// Aggregator computes the top of the ranking.
type Aggregator interface {
	ComputeTopN(ctx context.Context, limit int) ([]LeaderboardEntry, error)
}

// LeaderboardAggregator ranks users by available points straight from the database.
type LeaderboardAggregator struct {
	db *gorm.DB
}

// NewLeaderboardAggregator creates an aggregator over db.
func NewLeaderboardAggregator(db *gorm.DB) *LeaderboardAggregator {
	return &LeaderboardAggregator{db: db}
}

type leaderboardRow struct {
	UserID   uint
	Username string
	Points   int
}

// ComputeTopN returns at most limit users ordered by available points desc, ties broken by
// user id asc. Users without records rank with 0 points.
func (a *LeaderboardAggregator) ComputeTopN(ctx context.Context, limit int) ([]LeaderboardEntry, error) {
	if limit <= 0 {
		return []LeaderboardEntry{}, nil
	}
	users := models.User{}.TableName()
	signins := models.SigninRecord{}.TableName()

	var rows []leaderboardRow
	err := a.db.WithContext(ctx).
		Table(users+" AS u").
		Select("u.id AS user_id, u.username AS username, COALESCE(s.total, 0) - u.jifen_spent AS points").
		Joins("LEFT JOIN (SELECT user_id, SUM(points) AS total FROM " + signins + " GROUP BY user_id) AS s ON s.user_id = u.id").
		Where("u.deleted_at IS NULL").
		Order("points DESC").
		Order("u.id ASC").
		Limit(limit).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("compute leaderboard: %w", err)
	}

	entries := make([]LeaderboardEntry, 0, len(rows))
	for i, r := range rows {
		entries = append(entries, LeaderboardEntry{
			Rank:     i + 1,
			UserID:   r.UserID,
			Username: r.Username,
			Points:   r.Points,
		})
	}
	return entries, nil
}
