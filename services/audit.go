package services

import (
	"context"
	"encoding/json"
	"fmt"

	"gorm.io/gorm"

	"github.com/cppla/jifen/models"
)

const (
	ActionAdjustPoints = "jifen_adjust_points"
	ActionResetToday   = "jifen_reset_today"
)

// Actor identifies the staff member performing a privileged operation.
type Actor struct {
	ID       uint
	Username string
}

// AuditSink accepts staff action entries. Callers treat failures as non-fatal.
type AuditSink interface {
	LogCustom(ctx context.Context, actor Actor, action string, targetUserID uint, details map[string]any) error
}

// DBAuditSink stores entries in the staff action log table.
type DBAuditSink struct {
	db *gorm.DB
}

// NewDBAuditSink creates a sink writing through db.
func NewDBAuditSink(db *gorm.DB) *DBAuditSink {
	return &DBAuditSink{db: db}
}

// LogCustom implements AuditSink.
func (s *DBAuditSink) LogCustom(ctx context.Context, actor Actor, action string, targetUserID uint, details map[string]any) error {
	if details == nil {
		details = map[string]any{}
	}
	details["acting_username"] = actor.Username
	b, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("encode audit details: %w", err)
	}
	entry := models.StaffActionLog{
		ActingUserID: actor.ID,
		Action:       action,
		TargetUserID: targetUserID,
		Details:      string(b),
	}
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	return nil
}

type nopAuditSink struct{}

func (nopAuditSink) LogCustom(context.Context, Actor, string, uint, map[string]any) error { return nil }
