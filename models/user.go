package models

import (
	"time"

	"gorm.io/gorm"
)

// User is the host platform's account row. The check-in economy owns only the two
// counters below; everything else is read-only here.
type User struct {
	ID           uint           `gorm:"primaryKey" json:"id"`
	Username     string         `gorm:"size:64;not null" json:"username"`
	Email        string         `gorm:"size:255" json:"email"`
	PasswordHash string         `gorm:"size:255" json:"-"`
	AvatarURL    string         `gorm:"size:512" json:"avatar_url"`
	SpentPoints  int            `gorm:"column:jifen_spent;not null;default:0" json:"spent_points"`
	MakeupCards  int            `gorm:"column:jifen_makeup_cards;not null;default:0" json:"makeup_cards"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"-"`
}

// BeforeCreate hook ensures timestamps are set even when not provided.
func (u *User) BeforeCreate(tx *gorm.DB) error {
	now := time.Now()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	return nil
}

// TableName pins the host table name; raw leaderboard SQL joins against it.
func (User) TableName() string {
	return "users"
}
