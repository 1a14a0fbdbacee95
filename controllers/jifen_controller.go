package controllers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cppla/jifen/config"
	"github.com/cppla/jifen/middleware"
	"github.com/cppla/jifen/services"
	"github.com/cppla/jifen/utils"
)

// JifenController exposes the check-in economy over HTTP.
type JifenController struct {
	signins *services.SigninService
	board   *services.LeaderboardCache
	store   *config.JifenStore
	log     *zap.Logger
}

// NewJifenController creates a controller.
func NewJifenController(signins *services.SigninService, board *services.LeaderboardCache, store *config.JifenStore, log *zap.Logger) *JifenController {
	if log == nil {
		log = zap.NewNop()
	}
	return &JifenController{signins: signins, board: board, store: store, log: log}
}

type makeupRequest struct {
	Date string `json:"date"`
}

type adjustRequest struct {
	Delta int    `json:"delta"`
	Note  string `json:"note"`
}

// Summary returns the caller's check-in overview.
func (c *JifenController) Summary(ctx *gin.Context) {
	userID, ok := getUserID(ctx)
	if !ok {
		utils.Error(ctx, http.StatusUnauthorized, 40110, "unauthorized")
		return
	}
	sum, err := c.signins.Summary(ctx.Request.Context(), userID)
	if err != nil {
		c.fail(ctx, err)
		return
	}
	utils.Success(ctx, sum)
}

// SignIn records today's check-in.
func (c *JifenController) SignIn(ctx *gin.Context) {
	userID, ok := getUserID(ctx)
	if !ok {
		utils.Error(ctx, http.StatusUnauthorized, 40110, "unauthorized")
		return
	}
	res, err := c.signins.SignIn(ctx.Request.Context(), userID)
	if err != nil {
		c.fail(ctx, err)
		return
	}
	utils.Success(ctx, res)
}

// MakeUp backfills a missed day with a makeup card.
func (c *JifenController) MakeUp(ctx *gin.Context) {
	userID, ok := getUserID(ctx)
	if !ok {
		utils.Error(ctx, http.StatusUnauthorized, 40110, "unauthorized")
		return
	}
	var req makeupRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.Error(ctx, http.StatusBadRequest, 40001, "invalid request body")
		return
	}
	sum, err := c.signins.MakeUp(ctx.Request.Context(), userID, strings.TrimSpace(req.Date))
	if err != nil {
		c.fail(ctx, err)
		return
	}
	utils.Success(ctx, sum)
}

// PurchaseCard buys one makeup card.
func (c *JifenController) PurchaseCard(ctx *gin.Context) {
	userID, ok := getUserID(ctx)
	if !ok {
		utils.Error(ctx, http.StatusUnauthorized, 40110, "unauthorized")
		return
	}
	sum, err := c.signins.PurchaseCard(ctx.Request.Context(), userID)
	if err != nil {
		c.fail(ctx, err)
		return
	}
	utils.Success(ctx, sum)
}

type boardResponse struct {
	services.LeaderboardPage
	RequiresLogin bool `json:"requires_login"`
	IsAdmin       bool `json:"is_admin"`
}

// Board returns one page of the cached leaderboard. Guests get an empty board with a
// login prompt.
func (c *JifenController) Board(ctx *gin.Context) {
	if _, ok := getUserID(ctx); !ok {
		utils.Success(ctx, gin.H{
			"requires_login": true,
			"message":        "login required to view the leaderboard",
			"leaderboard":    []services.LeaderboardEntry{},
			"updated_at":     time.Now(),
		})
		return
	}
	page, _ := strconv.Atoi(ctx.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(ctx.Query("page_size"))
	utils.Success(ctx, boardResponse{
		LeaderboardPage: c.board.Page(ctx.Request.Context(), page, pageSize),
		IsAdmin:         config.IsAdminUsername(ctx.GetString(middleware.ContextUsernameKey)),
	})
}

// Records lists the caller's check-ins of the last seven days.
func (c *JifenController) Records(ctx *gin.Context) {
	userID, ok := getUserID(ctx)
	if !ok {
		utils.Error(ctx, http.StatusUnauthorized, 40110, "unauthorized")
		return
	}
	recs, err := c.signins.Records(ctx.Request.Context(), userID)
	if err != nil {
		c.fail(ctx, err)
		return
	}
	utils.Success(ctx, gin.H{"records": recs})
}

// Logout revokes the caller's bearer token until it expires.
func (c *JifenController) Logout(ctx *gin.Context) {
	token := ctx.GetString(middleware.ContextTokenKey)
	if token == "" {
		utils.Error(ctx, http.StatusUnauthorized, 40107, "invalid authorization header")
		return
	}
	expiresAt := time.Now().Add(72 * time.Hour)
	if v, ok := ctx.Get(middleware.ContextTokenExpiryKey); ok {
		if t, ok := v.(time.Time); ok && !t.IsZero() {
			expiresAt = t
		}
	}
	utils.BlacklistToken(token, expiresAt)
	utils.Success(ctx, gin.H{"message": "logged out"})
}

// RefreshBoard recomputes the leaderboard synchronously.
func (c *JifenController) RefreshBoard(ctx *gin.Context) {
	snap, err := c.board.ForceRefresh(ctx.Request.Context())
	if err != nil {
		c.log.Error("forced leaderboard refresh failed", zap.Error(err))
		utils.Error(ctx, http.StatusInternalServerError, 50032, "failed to refresh leaderboard")
		return
	}
	utils.Success(ctx, gin.H{
		"entries":     len(snap.Entries),
		"computed_at": snap.ComputedAt,
		"run_id":      snap.RunID,
	})
}

// AdjustPoints applies a staff correction to a user's available points.
func (c *JifenController) AdjustPoints(ctx *gin.Context) {
	targetID, ok := parseIDParam(ctx)
	if !ok {
		return
	}
	var req adjustRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.Error(ctx, http.StatusBadRequest, 40001, "invalid request body")
		return
	}
	sum, err := c.signins.AdjustPoints(ctx.Request.Context(), actorOf(ctx), targetID, req.Delta, req.Note)
	if err != nil {
		c.fail(ctx, err)
		return
	}
	utils.Success(ctx, sum)
}

// ResetToday removes a user's record for today.
func (c *JifenController) ResetToday(ctx *gin.Context) {
	targetID, ok := parseIDParam(ctx)
	if !ok {
		return
	}
	removed, err := c.signins.ResetToday(ctx.Request.Context(), actorOf(ctx), targetID)
	if err != nil {
		c.fail(ctx, err)
		return
	}
	utils.Success(ctx, gin.H{"removed": removed})
}

// GetSettings returns the live settings.
func (c *JifenController) GetSettings(ctx *gin.Context) {
	utils.Success(ctx, c.store.Jifen())
}

// UpdateSettings merges the body into the live settings and publishes them.
func (c *JifenController) UpdateSettings(ctx *gin.Context) {
	next := c.store.Jifen()
	if err := ctx.ShouldBindJSON(&next); err != nil {
		utils.Error(ctx, http.StatusBadRequest, 40001, "invalid request body")
		return
	}
	if raw := strings.TrimSpace(next.RewardsJSON); raw != "" && !json.Valid([]byte(raw)) {
		utils.Error(ctx, http.StatusBadRequest, 40031, "consecutive_rewards_json must be a JSON object")
		return
	}
	if tz := strings.TrimSpace(next.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			utils.Error(ctx, http.StatusBadRequest, 40031, "unknown timezone")
			return
		}
	}
	changed := c.store.Replace(next)
	utils.Success(ctx, gin.H{"settings": c.store.Jifen(), "changed": changed})
}

// fail maps service errors onto HTTP status and business code.
func (c *JifenController) fail(ctx *gin.Context, err error) {
	kind, ok := services.KindOf(err)
	if !ok {
		c.log.Error("jifen request failed", zap.String("path", ctx.FullPath()), zap.Error(err))
		utils.Error(ctx, http.StatusInternalServerError, 50030, "internal error")
		return
	}
	msg := err.Error()
	var svcErr *services.Error
	if errors.As(err, &svcErr) {
		msg = svcErr.Reason
	}
	switch kind {
	case services.KindConflict:
		utils.Error(ctx, http.StatusConflict, 40930, msg)
	case services.KindAlreadyExists:
		utils.Error(ctx, http.StatusConflict, 40931, msg)
	case services.KindInvalidInput:
		utils.Error(ctx, http.StatusBadRequest, 40031, msg)
	case services.KindOutOfRange:
		utils.Error(ctx, http.StatusBadRequest, 40032, msg)
	case services.KindInsufficientResource:
		utils.Error(ctx, http.StatusBadRequest, 40033, msg)
	case services.KindInsufficientFunds:
		utils.Error(ctx, http.StatusBadRequest, 40034, msg)
	case services.KindDisabled:
		utils.Error(ctx, http.StatusForbidden, 40330, msg)
	case services.KindNotFound:
		utils.Error(ctx, http.StatusNotFound, 40410, msg)
	default:
		utils.Error(ctx, http.StatusInternalServerError, 50030, msg)
	}
}

func parseIDParam(ctx *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(ctx.Param("id"), 10, 64)
	if err != nil || id == 0 {
		utils.Error(ctx, http.StatusBadRequest, 40002, "invalid user id")
		return 0, false
	}
	return uint(id), true
}

func actorOf(ctx *gin.Context) services.Actor {
	id, _ := getUserID(ctx)
	return services.Actor{ID: id, Username: ctx.GetString(middleware.ContextUsernameKey)}
}

func getUserID(ctx *gin.Context) (uint, bool) {
	value, exists := ctx.Get(middleware.ContextUserIDKey)
	if !exists {
		return 0, false
	}

	switch v := value.(type) {
	case uint:
		return v, v > 0
	case int:
		return uint(v), v > 0
	case int64:
		return uint(v), v > 0
	case float64:
		return uint(v), v > 0
	default:
		return 0, false
	}
}
