package services

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cppla/jifen/config"
	"github.com/cppla/jifen/models"
	"github.com/cppla/jifen/utils"
)

const (
	recentDays   = 7
	maxNoteRunes = 200
)

// SettingsSource exposes the live check-in settings.
type SettingsSource interface {
	Jifen() config.JifenSettings
}

// RecordView is a ledger record as shown in the summary.
type RecordView struct {
	Date        string `json:"date"`
	SignedAt    string `json:"signed_at"`
	Makeup      bool   `json:"makeup"`
	Points      int    `json:"points"`
	StreakCount int    `json:"streak_count"`
}

// Summary is the check-in overview of one user.
type Summary struct {
	UserLoggedIn       bool         `json:"user_logged_in"`
	Signed             bool         `json:"signed"`
	ConsecutiveDays    int          `json:"consecutive_days"`
	TotalScore         int          `json:"total_score"`
	TodayScore         int          `json:"today_score"`
	Points             int          `json:"points"`
	MakeupCards        int          `json:"makeup_cards"`
	MakeupCardPrice    int          `json:"makeup_card_price"`
	MakeupRatioPercent int          `json:"makeup_ratio_percent"`
	InstallDate        string       `json:"install_date"`
	Rewards            RewardTable  `json:"rewards"`
	RecentRecords      []RecordView `json:"recent_records"`
	NextReward         *RewardInfo  `json:"next_reward,omitempty"`
}

// SignInResult is the outcome of SignIn. Record is nil when the user had already
// signed in today and the call was a no-op.
type SignInResult struct {
	Summary
	Record *models.SigninRecord `json:"record,omitempty"`
}

// SigninService owns every operation that mutates a user's points position.
// Mutations for one user are serialized by an in-process lock and by a row lock on
// the user inside a single transaction covering the ledger write and the counters.
type SigninService struct {
	db       *gorm.DB
	ledger   *SigninLedger
	balances *BalanceTracker
	settings SettingsSource
	audit    AuditSink
	log      *zap.Logger
	now      func() time.Time
	locks    *userLocks

	// beforeLock runs after the unlocked pre-checks; tests use it to line up races.
	beforeLock func()
}

// Option configures a SigninService.
type Option func(*SigninService)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *SigninService) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *SigninService) { s.log = l }
}

// WithAuditSink sets where staff corrections are recorded.
func WithAuditSink(a AuditSink) Option {
	return func(s *SigninService) { s.audit = a }
}

// NewSigninService wires the ledger and balance tracker over db.
func NewSigninService(db *gorm.DB, settings SettingsSource, opts ...Option) *SigninService {
	ledger := NewSigninLedger(db)
	s := &SigninService{
		db:       db,
		ledger:   ledger,
		balances: NewBalanceTracker(db, ledger),
		settings: settings,
		audit:    nopAuditSink{},
		log:      zap.NewNop(),
		now:      time.Now,
		locks:    newUserLocks(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ledger exposes the underlying ledger.
func (s *SigninService) Ledger() *SigninLedger { return s.ledger }

func (s *SigninService) today(st config.JifenSettings) string {
	return dayOf(s.now(), st.Location())
}

// SignIn records today's check-in. A user who already signed in gets the unchanged
// summary. A concurrent call that loses the race for today's row gets ErrConflict.
func (s *SigninService) SignIn(ctx context.Context, userID uint) (SignInResult, error) {
	st := s.settings.Jifen()
	if !st.Enabled {
		return SignInResult{}, ErrDisabled
	}
	today := s.today(st)

	existing, err := s.ledger.On(ctx, nil, userID, today)
	if err != nil {
		return SignInResult{}, err
	}
	if existing != nil {
		sum, err := s.Summary(ctx, userID)
		return SignInResult{Summary: sum}, err
	}

	if s.beforeLock != nil {
		s.beforeLock()
	}
	unlock := s.locks.Lock(userID)
	rewards := ParseRewardTable(st.RewardsJSON)
	var rec models.SigninRecord
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.balances.Load(ctx, tx, userID, true); err != nil {
			return err
		}
		prev, err := s.ledger.Latest(ctx, tx, userID)
		if err != nil {
			return err
		}
		if prev != nil && prev.Date == today {
			return ErrConflict
		}

		streak := NextStreak(prev, today)
		rec = models.SigninRecord{
			UserID:      userID,
			Date:        today,
			SignedAt:    s.now(),
			Makeup:      false,
			Points:      st.BasePoints + rewards.Bonus(streak),
			StreakCount: streak,
		}
		if err := s.ledger.Insert(ctx, tx, &rec); err != nil {
			if errors.Is(err, ErrDuplicateDay) {
				return ErrConflict
			}
			return err
		}
		return nil
	})
	unlock()
	if err != nil {
		return SignInResult{}, err
	}

	s.log.Info("jifen sign-in",
		zap.Uint("user_id", userID),
		zap.String("date", today),
		zap.Int("streak", rec.StreakCount),
		zap.Int("points", rec.Points),
	)
	sum, err := s.Summary(ctx, userID)
	return SignInResult{Summary: sum, Record: &rec}, err
}

// MakeUp backfills a missed day by spending one makeup card. Backfilled records always
// carry a streak of 1 and never extend the live chain.
func (s *SigninService) MakeUp(ctx context.Context, userID uint, dateStr string) (Summary, error) {
	st := s.settings.Jifen()
	if !st.Enabled {
		return Summary{}, ErrDisabled
	}
	if dateStr == "" {
		return Summary{}, errDateRequired
	}
	day, ok := parseDay(dateStr, st.Location())
	if !ok {
		return Summary{}, errDateFormat
	}

	today := s.today(st)
	install, err := s.ledger.InstallDate(ctx, today)
	if err != nil {
		return Summary{}, err
	}
	if day > today {
		return Summary{}, errFutureDate
	}
	if day < install {
		return Summary{}, errBeforeInstall(install)
	}

	if rec, err := s.ledger.On(ctx, nil, userID, day); err != nil {
		return Summary{}, err
	} else if rec != nil {
		return Summary{}, ErrAlreadyExists
	}
	if bal, err := s.balances.Load(ctx, nil, userID, false); err != nil {
		return Summary{}, err
	} else if bal.Cards <= 0 {
		return Summary{}, ErrInsufficientResource
	}

	if s.beforeLock != nil {
		s.beforeLock()
	}
	unlock := s.locks.Lock(userID)
	points := st.BasePoints * st.MakeupRatioPercent / 100
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		bal, err := s.balances.Load(ctx, tx, userID, true)
		if err != nil {
			return err
		}
		// state may have moved while we waited for the lock
		if bal.Cards <= 0 {
			return ErrInsufficientResource
		}
		bal.Cards--
		if err := s.balances.Save(ctx, tx, bal); err != nil {
			return err
		}

		rec := models.SigninRecord{
			UserID:      userID,
			Date:        day,
			SignedAt:    s.now(),
			Makeup:      true,
			Points:      points,
			StreakCount: 1,
		}
		if err := s.ledger.Insert(ctx, tx, &rec); err != nil {
			if errors.Is(err, ErrDuplicateDay) {
				return ErrAlreadyExists
			}
			return err
		}
		return nil
	})
	unlock()
	if err != nil {
		return Summary{}, err
	}

	s.log.Info("jifen makeup sign-in",
		zap.Uint("user_id", userID),
		zap.String("date", day),
		zap.Int("points", points),
	)
	return s.Summary(ctx, userID)
}

// PurchaseCard converts points into one makeup card at the configured price.
func (s *SigninService) PurchaseCard(ctx context.Context, userID uint) (Summary, error) {
	st := s.settings.Jifen()
	if !st.Enabled {
		return Summary{}, ErrDisabled
	}
	price := st.MakeupCardPrice

	unlock := s.locks.Lock(userID)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		bal, err := s.balances.Load(ctx, tx, userID, true)
		if err != nil {
			return err
		}
		if bal.Available() < price {
			return ErrInsufficientFunds
		}
		bal.Cards++
		bal.Spent += price
		return s.balances.Save(ctx, tx, bal)
	})
	unlock()
	if err != nil {
		return Summary{}, err
	}

	s.log.Info("jifen makeup card purchased", zap.Uint("user_id", userID), zap.Int("price", price))
	return s.Summary(ctx, userID)
}

// AdjustPoints moves the target's available points by delta through the spent counter.
// The result is clamped so that available stays within [0, total].
func (s *SigninService) AdjustPoints(ctx context.Context, actor Actor, targetID uint, delta int, note string) (Summary, error) {
	if delta == 0 {
		return Summary{}, errZeroDelta
	}

	var before, after Balance
	unlock := s.locks.Lock(targetID)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		bal, err := s.balances.Load(ctx, tx, targetID, true)
		if err != nil {
			return err
		}
		before = bal
		bal.Spent = clamp(bal.Spent-delta, 0, bal.Total)
		after = bal
		return s.balances.Save(ctx, tx, bal)
	})
	unlock()
	if err != nil {
		return Summary{}, err
	}

	details := map[string]any{
		"target_username":  before.Username,
		"delta":            delta,
		"before_spent":     before.Spent,
		"after_spent":      after.Spent,
		"before_available": before.Available(),
		"after_available":  after.Available(),
	}
	if note = utils.SanitizeNote(note, maxNoteRunes); note != "" {
		details["note"] = note
	}
	s.recordAudit(ctx, actor, ActionAdjustPoints, targetID, details)

	return s.Summary(ctx, targetID)
}

// ResetToday deletes the target's record for today so they can sign in again.
func (s *SigninService) ResetToday(ctx context.Context, actor Actor, targetID uint) (int64, error) {
	today := s.today(s.settings.Jifen())

	var removed int64
	var before, after Balance
	unlock := s.locks.Lock(targetID)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		bal, err := s.balances.Load(ctx, tx, targetID, true)
		if err != nil {
			return err
		}
		before, after = bal, bal
		rec, err := s.ledger.On(ctx, tx, targetID, today)
		if err != nil || rec == nil {
			return err
		}
		if removed, err = s.ledger.Delete(ctx, tx, targetID, today); err != nil {
			return err
		}
		// Losing the day's points must not push available below zero.
		after.Total -= rec.Points
		if after.Spent > after.Total {
			after.Spent = after.Total
			return s.balances.Save(ctx, tx, after)
		}
		return nil
	})
	unlock()
	if err != nil {
		return 0, err
	}

	s.recordAudit(ctx, actor, ActionResetToday, targetID, map[string]any{
		"target_username": before.Username,
		"date":            today,
		"removed":         removed,
		"before_spent":    before.Spent,
		"after_spent":     after.Spent,
	})
	return removed, nil
}

func (s *SigninService) recordAudit(ctx context.Context, actor Actor, action string, targetID uint, details map[string]any) {
	s.log.Info("jifen staff action",
		zap.String("action", action),
		zap.Uint("acting_user_id", actor.ID),
		zap.Uint("target_user_id", targetID),
		zap.Any("details", details),
	)
	if err := s.audit.LogCustom(ctx, actor, action, targetID, details); err != nil {
		s.log.Warn("audit log failed", zap.String("action", action), zap.Error(err))
	}
}

// Summary builds the overview shown on the check-in page.
func (s *SigninService) Summary(ctx context.Context, userID uint) (Summary, error) {
	st := s.settings.Jifen()
	today := s.today(st)

	bal, err := s.balances.Load(ctx, nil, userID, false)
	if err != nil {
		return Summary{}, err
	}
	latest, err := s.ledger.Latest(ctx, nil, userID)
	if err != nil {
		return Summary{}, err
	}
	install, err := s.ledger.InstallDate(ctx, today)
	if err != nil {
		return Summary{}, err
	}
	recent, err := s.ledger.Recent(ctx, userID, addDays(today, -(recentDays-1)), recentDays)
	if err != nil {
		return Summary{}, err
	}

	sum := Summary{
		UserLoggedIn:       true,
		ConsecutiveDays:    DisplayedStreak(latest, today),
		TotalScore:         bal.Available(),
		Points:             st.BasePoints,
		MakeupCards:        bal.Cards,
		MakeupCardPrice:    st.MakeupCardPrice,
		MakeupRatioPercent: st.MakeupRatioPercent,
		InstallDate:        install,
		Rewards:            ParseRewardTable(st.RewardsJSON),
		RecentRecords:      make([]RecordView, 0, len(recent)),
	}
	for _, r := range recent {
		if r.Date == today {
			sum.Signed = true
			sum.TodayScore += r.Points
		}
		sum.RecentRecords = append(sum.RecentRecords, recordView(r))
	}
	if next, ok := NextReward(sum.ConsecutiveDays, sum.Rewards); ok {
		sum.NextReward = &next
	}
	return sum, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Records lists the caller's check-ins of the last seven calendar days, newest first.
func (s *SigninService) Records(ctx context.Context, userID uint) ([]RecordView, error) {
	today := s.today(s.settings.Jifen())
	recent, err := s.ledger.Recent(ctx, userID, addDays(today, -(recentDays-1)), recentDays)
	if err != nil {
		return nil, err
	}
	out := make([]RecordView, 0, len(recent))
	for _, r := range recent {
		out = append(out, recordView(r))
	}
	return out, nil
}

func recordView(r models.SigninRecord) RecordView {
	return RecordView{
		Date:        r.Date,
		SignedAt:    r.SignedAt.Format(time.RFC3339),
		Makeup:      r.Makeup,
		Points:      r.Points,
		StreakCount: r.StreakCount,
	}
}
