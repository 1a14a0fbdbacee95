package routes_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/cppla/jifen/config"
	"github.com/cppla/jifen/controllers"
	"github.com/cppla/jifen/models"
	"github.com/cppla/jifen/routes"
	"github.com/cppla/jifen/services"
	"github.com/cppla/jifen/utils"
)

type apiResponse struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type testAPI struct {
	t      *testing.T
	router *gin.Engine
	db     *gorm.DB
	store  *config.JifenStore
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)
	config.Set(config.AppConfig{
		JWTSecret:          "test-secret",
		GinMode:            "test",
		GinPath:            filepath.Join(t.TempDir(), "gin.log"),
		RateLimitPerMinute: 6000,
		AdminUsernames:     []string{"root"},
		AllowedOrigins:     []string{"*"},
	})

	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	utils.SetRedis(rc)

	db, err := gorm.Open(sqlite.Open(":memory:"), config.GormConfig("silent"))
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, config.Migrate(db, &models.User{}, &models.SigninRecord{}, &models.StaffActionLog{}))

	settings := config.DefaultJifenSettings()
	settings.Timezone = "UTC"
	settings.MakeupCardPrice = 100
	store := config.NewJifenStore(settings)

	signins := services.NewSigninService(db, store, services.WithAuditSink(services.NewDBAuditSink(db)))
	board := services.NewLeaderboardCache(services.NewLeaderboardAggregator(db), store,
		services.WithSnapshotMirror(services.NewRedisMirror(utils.NewRedisCache(rc))))
	r := routes.SetupRouter(controllers.NewJifenController(signins, board, store, nil))
	return &testAPI{t: t, router: r, db: db, store: store}
}

func (a *testAPI) user(name string) (*models.User, string) {
	a.t.Helper()
	u := &models.User{Username: name}
	require.NoError(a.t, a.db.Create(u).Error)
	token, err := utils.GenerateToken(u.ID, u.Username, time.Hour)
	require.NoError(a.t, err)
	return u, token
}

func (a *testAPI) do(method, path, token string, body any) (int, apiResponse) {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)

	var resp apiResponse
	require.NoError(a.t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return w.Code, resp
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func TestSignInFlow(t *testing.T) {
	api := newTestAPI(t)
	_, token := api.user("alice")

	status, resp := api.do(http.MethodGet, "/api/v1/jifen/summary", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, 40101, resp.Code)

	status, resp = api.do(http.MethodPost, "/api/v1/jifen/signin", token, nil)
	require.Equal(t, http.StatusOK, status, resp.Message)
	res := decode[services.SignInResult](t, resp.Data)
	require.NotNil(t, res.Record)
	assert.True(t, res.Signed)
	assert.Equal(t, 10, res.TotalScore)

	status, resp = api.do(http.MethodPost, "/api/v1/jifen/signin", token, nil)
	require.Equal(t, http.StatusOK, status)
	again := decode[services.SignInResult](t, resp.Data)
	assert.Nil(t, again.Record)

	status, resp = api.do(http.MethodGet, "/api/v1/jifen/summary", token, nil)
	require.Equal(t, http.StatusOK, status)
	sum := decode[services.Summary](t, resp.Data)
	assert.Equal(t, 1, sum.ConsecutiveDays)
	assert.Len(t, sum.RecentRecords, 1)
}

func TestErrorMapping(t *testing.T) {
	api := newTestAPI(t)
	_, token := api.user("bob")

	status, resp := api.do(http.MethodPost, "/api/v1/jifen/makeup", token, map[string]string{"date": "soon"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, 40031, resp.Code)
	assert.Equal(t, "invalid date format", resp.Message)

	status, resp = api.do(http.MethodPost, "/api/v1/jifen/makeup", token, map[string]string{"date": "2999-01-01"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, 40032, resp.Code)

	status, resp = api.do(http.MethodPost, "/api/v1/jifen/makeup-card", token, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, 40034, resp.Code)
	assert.Equal(t, "not enough points", resp.Message)

	api.store.Update(func(s *config.JifenSettings) { s.Enabled = false })
	status, resp = api.do(http.MethodPost, "/api/v1/jifen/signin", token, nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, 40330, resp.Code)
}

func TestBoard(t *testing.T) {
	api := newTestAPI(t)
	_, alice := api.user("alice")
	_, bob := api.user("bob")
	_, root := api.user("root")

	status, resp := api.do(http.MethodGet, "/api/v1/jifen/board", "", nil)
	require.Equal(t, http.StatusOK, status)
	guest := decode[map[string]any](t, resp.Data)
	assert.Equal(t, true, guest["requires_login"])
	assert.NotEmpty(t, guest["message"])
	assert.Equal(t, []any{}, guest["leaderboard"])
	assert.NotEmpty(t, guest["updated_at"])

	_, _ = api.do(http.MethodPost, "/api/v1/jifen/signin", bob, nil)

	status, resp = api.do(http.MethodGet, "/api/v1/jifen/board", alice, nil)
	require.Equal(t, http.StatusOK, status)
	empty := decode[services.LeaderboardPage](t, resp.Data)
	assert.False(t, empty.FromCache)
	viewer := decode[map[string]any](t, resp.Data)
	assert.Equal(t, false, viewer["requires_login"])
	assert.Equal(t, false, viewer["is_admin"])

	status, _ = api.do(http.MethodPost, "/api/v1/jifen/admin/board/refresh", alice, nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = api.do(http.MethodPost, "/api/v1/jifen/admin/board/refresh", root, nil)
	require.Equal(t, http.StatusOK, status)

	status, resp = api.do(http.MethodGet, "/api/v1/jifen/board?page=1&page_size=2", alice, nil)
	require.Equal(t, http.StatusOK, status)
	page := decode[services.LeaderboardPage](t, resp.Data)
	assert.True(t, page.FromCache)
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, 2, page.TotalPages)
	require.Len(t, page.Entries, 2)
	assert.Equal(t, "bob", page.Entries[0].Username)
	assert.Equal(t, 10, page.Entries[0].Points)

	status, resp = api.do(http.MethodGet, "/api/v1/jifen/board", root, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, decode[map[string]any](t, resp.Data)["is_admin"])

	status, resp = api.do(http.MethodGet, "/api/v1/jifen/board?page=9223372036854775807&page_size=30", alice, nil)
	require.Equal(t, http.StatusOK, status)
	huge := decode[services.LeaderboardPage](t, resp.Data)
	assert.True(t, huge.FromCache)
	assert.Empty(t, huge.Entries)
}

func TestRecords(t *testing.T) {
	api := newTestAPI(t)
	_, token := api.user("dave")

	status, resp := api.do(http.MethodGet, "/api/v1/jifen/records", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	_, _ = api.do(http.MethodPost, "/api/v1/jifen/signin", token, nil)
	status, resp = api.do(http.MethodGet, "/api/v1/jifen/records", token, nil)
	require.Equal(t, http.StatusOK, status)
	body := decode[struct {
		Records []services.RecordView `json:"records"`
	}](t, resp.Data)
	require.Len(t, body.Records, 1)
	assert.Equal(t, 10, body.Records[0].Points)
	assert.Equal(t, 1, body.Records[0].StreakCount)
}

func TestLogoutRevokesToken(t *testing.T) {
	api := newTestAPI(t)
	_, token := api.user("erin")

	status, _ := api.do(http.MethodGet, "/api/v1/jifen/summary", token, nil)
	require.Equal(t, http.StatusOK, status)

	status, _ = api.do(http.MethodPost, "/api/v1/jifen/logout", token, nil)
	require.Equal(t, http.StatusOK, status)

	status, resp := api.do(http.MethodGet, "/api/v1/jifen/summary", token, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, 40104, resp.Code)
}

func TestAdminEndpoints(t *testing.T) {
	api := newTestAPI(t)
	alice, aliceToken := api.user("alice")
	_, root := api.user("root")

	_, _ = api.do(http.MethodPost, "/api/v1/jifen/signin", aliceToken, nil)

	status, resp := api.do(http.MethodPost, "/api/v1/jifen/admin/users/abc/adjust", root, map[string]any{"delta": 1})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, 40002, resp.Code)

	status, resp = api.do(http.MethodPost, "/api/v1/jifen/admin/users/999/adjust", root, map[string]any{"delta": 1})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, 40410, resp.Code)

	path := "/api/v1/jifen/admin/users/" + itoa(alice.ID)
	status, resp = api.do(http.MethodPost, path+"/adjust", root, map[string]any{"delta": -4, "note": "typo"})
	require.Equal(t, http.StatusOK, status, resp.Message)
	assert.Equal(t, 6, decode[services.Summary](t, resp.Data).TotalScore)

	status, resp = api.do(http.MethodPost, path+"/reset-today", root, nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"removed":1}`, string(resp.Data))

	var logs []models.StaffActionLog
	require.NoError(t, api.db.Order("id").Find(&logs).Error)
	require.Len(t, logs, 2)
	assert.Equal(t, services.ActionAdjustPoints, logs[0].Action)
	assert.Equal(t, services.ActionResetToday, logs[1].Action)
}

func TestSettingsEndpoints(t *testing.T) {
	api := newTestAPI(t)
	_, root := api.user("root")

	var notified []int
	api.store.OnChange(func(_, next config.JifenSettings) { notified = append(notified, next.LeaderboardUpdateMinutes) })

	status, resp := api.do(http.MethodPut, "/api/v1/jifen/admin/settings", root, map[string]any{"leaderboard_update_minutes": 12})
	require.Equal(t, http.StatusOK, status, resp.Message)
	assert.Equal(t, []int{12}, notified)
	assert.Equal(t, 10, api.store.Jifen().BasePoints, "fields absent from the body are kept")

	status, resp = api.do(http.MethodPut, "/api/v1/jifen/admin/settings", root, map[string]any{"consecutive_rewards_json": "{oops"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, 40031, resp.Code)

	status, resp = api.do(http.MethodPut, "/api/v1/jifen/admin/settings", root, map[string]any{"timezone": "Nowhere/City"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, resp = api.do(http.MethodGet, "/api/v1/jifen/admin/settings", root, nil)
	require.Equal(t, http.StatusOK, status)
	got := decode[config.JifenSettings](t, resp.Data)
	assert.Equal(t, 12, got.LeaderboardUpdateMinutes)
}

func TestRevokedTokenRejected(t *testing.T) {
	api := newTestAPI(t)
	_, token := api.user("carol")

	utils.BlacklistToken(token, time.Now().Add(time.Hour))
	status, resp := api.do(http.MethodGet, "/api/v1/jifen/summary", token, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, 40104, resp.Code)

	status, resp = api.do(http.MethodGet, "/api/v1/jifen/summary", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, 40105, resp.Code)
}

func TestUnknownRoute(t *testing.T) {
	api := newTestAPI(t)
	status, resp := api.do(http.MethodGet, "/api/v1/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, 40400, resp.Code)
}

func itoa(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}
