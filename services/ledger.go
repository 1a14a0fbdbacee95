package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/cppla/jifen/models"
)

// ErrDuplicateDay is returned by SigninLedger.Insert when (user, date) already exists.
var ErrDuplicateDay = errors.New("duplicate sign-in day")

// SigninLedger is the append-only store of sign-in records. Every method accepts an
// optional transaction; nil means the ledger's own connection.
type SigninLedger struct {
	db *gorm.DB
}

// NewSigninLedger creates a ledger over db.
func NewSigninLedger(db *gorm.DB) *SigninLedger {
	return &SigninLedger{db: db}
}

func (l *SigninLedger) conn(ctx context.Context, tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx.WithContext(ctx)
	}
	return l.db.WithContext(ctx)
}

// Insert appends rec. The unique (user_id, signin_date) index decides races.
func (l *SigninLedger) Insert(ctx context.Context, tx *gorm.DB, rec *models.SigninRecord) error {
	if err := l.conn(ctx, tx).Create(rec).Error; err != nil {
		if isDuplicateKey(err) {
			return ErrDuplicateDay
		}
		return fmt.Errorf("insert sign-in: %w", err)
	}
	return nil
}

// Latest returns the user's most recent record by date, or nil.
func (l *SigninLedger) Latest(ctx context.Context, tx *gorm.DB, userID uint) (*models.SigninRecord, error) {
	var rec models.SigninRecord
	err := l.conn(ctx, tx).Where("user_id = ?", userID).Order("signin_date DESC").Limit(1).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load latest sign-in: %w", err)
	}
	return &rec, nil
}

// On returns the user's record for day, or nil.
func (l *SigninLedger) On(ctx context.Context, tx *gorm.DB, userID uint, day string) (*models.SigninRecord, error) {
	var rec models.SigninRecord
	err := l.conn(ctx, tx).Where("user_id = ? AND signin_date = ?", userID, day).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load sign-in %s: %w", day, err)
	}
	return &rec, nil
}

// TotalPoints sums every record of the user.
func (l *SigninLedger) TotalPoints(ctx context.Context, tx *gorm.DB, userID uint) (int, error) {
	var total int
	err := l.conn(ctx, tx).Model(&models.SigninRecord{}).
		Where("user_id = ?", userID).
		Select("COALESCE(SUM(points), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("sum points: %w", err)
	}
	return total, nil
}

// Recent returns records dated on or after since, newest first.
func (l *SigninLedger) Recent(ctx context.Context, userID uint, since string, limit int) ([]models.SigninRecord, error) {
	recs := []models.SigninRecord{}
	err := l.conn(ctx, nil).
		Where("user_id = ? AND signin_date >= ?", userID, since).
		Order("signin_date DESC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("load recent sign-ins: %w", err)
	}
	return recs, nil
}

// InstallDate is the earliest recorded day across all users, or fallback when empty.
func (l *SigninLedger) InstallDate(ctx context.Context, fallback string) (string, error) {
	var first []string
	err := l.conn(ctx, nil).Model(&models.SigninRecord{}).
		Order("signin_date ASC").
		Limit(1).
		Pluck("signin_date", &first).Error
	if err != nil {
		return "", fmt.Errorf("load install date: %w", err)
	}
	if len(first) == 0 || first[0] == "" {
		return fallback, nil
	}
	return first[0], nil
}

// Delete removes the user's record for day and reports how many rows went away.
func (l *SigninLedger) Delete(ctx context.Context, tx *gorm.DB, userID uint, day string) (int64, error) {
	res := l.conn(ctx, tx).Where("user_id = ? AND signin_date = ?", userID, day).Delete(&models.SigninRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete sign-in %s: %w", day, res.Error)
	}
	return res.RowsAffected, nil
}

// isDuplicateKey recognizes unique violations. gorm translates them when TranslateError
// is on; the message checks cover connections opened without it.
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "Duplicate entry") || strings.Contains(msg, "UNIQUE constraint failed")
}
