package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/cppla/jifen/config"
	"github.com/cppla/jifen/models"
)

// newTestDB opens a private in-memory database. One connection keeps every query on
// the same memory store and serializes transactions like row locks would.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), config.GormConfig("silent"))
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, config.Migrate(db, &models.User{}, &models.SigninRecord{}, &models.StaffActionLog{}))
	return db
}

func createUser(t *testing.T, db *gorm.DB, name string) *models.User {
	t.Helper()
	u := &models.User{Username: name, Email: name + "@example.com"}
	require.NoError(t, db.Create(u).Error)
	return u
}

func testSettings(mut ...func(*config.JifenSettings)) *config.JifenStore {
	s := config.DefaultJifenSettings()
	s.Timezone = "UTC"
	s.RewardsJSON = `{"3":5,"7":20}`
	for _, m := range mut {
		m(&s)
	}
	return config.NewJifenStore(s)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(day string) *fakeClock {
	t, err := time.Parse(models.DateLayout, day)
	if err != nil {
		panic(err)
	}
	return &fakeClock{now: t.Add(9 * time.Hour)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) NextDay() { c.Advance(24 * time.Hour) }

type recordingSink struct {
	mu      sync.Mutex
	actions []string
	details []map[string]any
	err     error
}

func (s *recordingSink) LogCustom(_ context.Context, _ Actor, action string, _ uint, details map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = append(s.actions, action)
	s.details = append(s.details, details)
	return s.err
}

var errSinkDown = errors.New("audit store unavailable")
