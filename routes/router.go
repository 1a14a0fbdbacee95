package routes

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/cppla/jifen/config"
	"github.com/cppla/jifen/controllers"
	"github.com/cppla/jifen/middleware"
	"github.com/cppla/jifen/utils"
)

// SetupRouter wires routes, middlewares, and controllers.
func SetupRouter(jifen *controllers.JifenController) *gin.Engine {
	// Load config and set Gin mode from configuration
	cfg := config.Get()
	switch strings.ToLower(cfg.GinMode) {
	case "debug":
		gin.SetMode(gin.DebugMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	// Access log goes to its own rolling file; fall back to the app logger
	gl, err := utils.NewRollingFileLogger(cfg.GinPath, cfg.LogLevel, cfg.LogMaxSizeMB, cfg.LogMaxBackups, cfg.LogMaxAgeDays, cfg.LogCompress)
	if err == nil {
		r.Use(utils.Ginzap(gl, time.RFC3339, true))
		r.Use(utils.RecoveryWithZap(gl, false))
	} else {
		r.Use(gin.Recovery())
	}

	corsCfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(cfg.AllowedOrigins) == 1 && cfg.AllowedOrigins[0] == "*" {
		corsCfg.AllowAllOrigins = true
		corsCfg.AllowCredentials = false
	} else {
		corsCfg.AllowOrigins = cfg.AllowedOrigins
	}
	r.Use(cors.New(corsCfg))

	r.GET("/health", func(ctx *gin.Context) {
		utils.Success(ctx, gin.H{"status": "ok"})
	})

	api := r.Group("/api/v1/jifen")
	api.GET("/board", middleware.AuthOptional(), jifen.Board)

	user := api.Group("")
	user.Use(middleware.AuthRequired())
	user.GET("/summary", jifen.Summary)
	user.GET("/records", jifen.Records)
	user.POST("/logout", jifen.Logout)
	user.POST("/signin", middleware.RateLimitMiddleware(), jifen.SignIn)
	user.POST("/makeup", middleware.RateLimitMiddleware(), jifen.MakeUp)
	user.POST("/makeup-card", middleware.RateLimitMiddleware(), jifen.PurchaseCard)

	admin := api.Group("/admin")
	admin.Use(middleware.AuthRequired(), middleware.AdminRequired())
	admin.POST("/board/refresh", jifen.RefreshBoard)
	admin.POST("/users/:id/adjust", jifen.AdjustPoints)
	admin.POST("/users/:id/reset-today", jifen.ResetToday)
	admin.GET("/settings", jifen.GetSettings)
	admin.PUT("/settings", jifen.UpdateSettings)

	r.NoRoute(func(ctx *gin.Context) {
		utils.Error(ctx, http.StatusNotFound, 40400, "api route not found")
	})

	return r
}
