package models

import "time"

// DateLayout is the storage format of SigninRecord.Date. It sorts chronologically.
const DateLayout = "2006-01-02"

// SigninRecord stores one check-in per user and calendar day.
// The composite unique index is what rejects a second same-day insert.
type SigninRecord struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	UserID      uint      `gorm:"not null;uniqueIndex:idx_jifen_signin_user_date,priority:1" json:"user_id"`
	Date        string    `gorm:"column:signin_date;size:10;not null;index;uniqueIndex:idx_jifen_signin_user_date,priority:2" json:"date"`
	SignedAt    time.Time `gorm:"not null" json:"signed_at"`
	Makeup      bool      `gorm:"not null;default:false" json:"makeup"`
	Points      int       `gorm:"not null;default:0" json:"points"`
	StreakCount int       `gorm:"not null;default:1" json:"streak_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// TableName keeps the ledger apart from host tables.
func (SigninRecord) TableName() string {
	return "jifen_signins"
}
