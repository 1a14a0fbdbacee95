package models

import "time"

// StaffActionLog records privileged corrections made by admins.
type StaffActionLog struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	ActingUserID uint      `gorm:"index;not null" json:"acting_user_id"`
	Action       string    `gorm:"size:64;not null" json:"action"`
	TargetUserID uint      `gorm:"index" json:"target_user_id"`
	Details      string    `gorm:"type:text" json:"details"` // JSON object
	CreatedAt    time.Time `json:"created_at"`
}

// TableName keeps audit rows next to the ledger.
func (StaffActionLog) TableName() string {
	return "jifen_staff_action_logs"
}
