package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cppla/jifen/config"
	"github.com/cppla/jifen/utils"
)

func setupConfig(t *testing.T, perMinute int) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	config.Set(config.AppConfig{JWTSecret: "mw-secret", RateLimitPerMinute: perMinute, AdminUsernames: []string{"root"}})
	utils.SetRedis(nil)
}

func serve(r *gin.Engine, token string) int {
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Code
}

func TestRateLimitPerUser(t *testing.T) {
	setupConfig(t, 4)
	r := gin.New()
	r.GET("/x", AuthRequired(), RateLimitMiddleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	alice, err := utils.GenerateToken(101, "alice-rl", time.Hour)
	require.NoError(t, err)
	bob, err := utils.GenerateToken(102, "bob-rl", time.Hour)
	require.NoError(t, err)

	// burst is half the per-minute budget
	assert.Equal(t, http.StatusOK, serve(r, alice))
	assert.Equal(t, http.StatusOK, serve(r, alice))
	assert.Equal(t, http.StatusTooManyRequests, serve(r, alice))
	assert.Equal(t, http.StatusOK, serve(r, bob), "buckets are per user")
}

func TestAdminRequired(t *testing.T) {
	setupConfig(t, 60)
	r := gin.New()
	r.GET("/x", AuthRequired(), AdminRequired(), func(c *gin.Context) { c.Status(http.StatusOK) })

	root, err := utils.GenerateToken(1, "ROOT", time.Hour)
	require.NoError(t, err)
	guest, err := utils.GenerateToken(2, "guest", time.Hour)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, serve(r, root))
	assert.Equal(t, http.StatusForbidden, serve(r, guest))
	assert.Equal(t, http.StatusUnauthorized, serve(r, ""))
}

func TestAuthOptional(t *testing.T) {
	setupConfig(t, 60)
	var seen []bool
	r := gin.New()
	r.GET("/x", AuthOptional(), func(c *gin.Context) {
		_, ok := c.Get(ContextUserIDKey)
		seen = append(seen, ok)
		c.Status(http.StatusOK)
	})

	tok, err := utils.GenerateToken(5, "eve", time.Hour)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, serve(r, ""))
	assert.Equal(t, http.StatusOK, serve(r, "garbage"))
	assert.Equal(t, http.StatusOK, serve(r, tok))
	assert.Equal(t, []bool{false, false, true}, seen)
}
