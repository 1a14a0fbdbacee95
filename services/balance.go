package services

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/cppla/jifen/models"
)

// Balance is a user's point position: lifetime earned (from the ledger) and the two
// mutable counters kept on the user row.
type Balance struct {
	UserID   uint
	Username string
	Total    int
	Spent    int
	Cards    int
}

// Available is the spendable balance.
func (b Balance) Available() int {
	return b.Total - b.Spent
}

// BalanceTracker reads and writes the per-user counters layered over the ledger.
type BalanceTracker struct {
	db     *gorm.DB
	ledger *SigninLedger
}

// NewBalanceTracker creates a tracker.
func NewBalanceTracker(db *gorm.DB, ledger *SigninLedger) *BalanceTracker {
	return &BalanceTracker{db: db, ledger: ledger}
}

// Load reads the user's balance. With forUpdate the user row is locked until tx ends,
// which serializes writers across processes sharing the database.
func (t *BalanceTracker) Load(ctx context.Context, tx *gorm.DB, userID uint, forUpdate bool) (Balance, error) {
	q := t.db
	if tx != nil {
		q = tx
	}
	q = q.WithContext(ctx)
	if forUpdate {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var user models.User
	if err := q.Select("id", "username", "jifen_spent", "jifen_makeup_cards").First(&user, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Balance{}, ErrUserNotFound
		}
		return Balance{}, fmt.Errorf("load user %d: %w", userID, err)
	}

	total, err := t.ledger.TotalPoints(ctx, tx, userID)
	if err != nil {
		return Balance{}, err
	}
	return Balance{
		UserID:   user.ID,
		Username: user.Username,
		Total:    total,
		Spent:    user.SpentPoints,
		Cards:    user.MakeupCards,
	}, nil
}

// Save persists the two counters of b inside tx. Callers Load with forUpdate first.
func (t *BalanceTracker) Save(ctx context.Context, tx *gorm.DB, b Balance) error {
	res := tx.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", b.UserID).
		Updates(map[string]interface{}{
			"jifen_spent":        b.Spent,
			"jifen_makeup_cards": b.Cards,
		})
	if res.Error != nil {
		return fmt.Errorf("save balance of user %d: %w", b.UserID, res.Error)
	}
	return nil
}
