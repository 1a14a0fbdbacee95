package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/cppla/jifen/config"
	"github.com/cppla/jifen/controllers"
	"github.com/cppla/jifen/models"
	"github.com/cppla/jifen/routes"
	"github.com/cppla/jifen/services"
	"github.com/cppla/jifen/utils"
)

func main() {
	cfg := config.Load()

	// Initialize logger early
	if err := utils.InitLogger(cfg); err != nil {
		panic(err)
	}
	defer func() { _ = utils.Logger.Sync() }()

	db := config.InitDatabase(&models.User{}, &models.SigninRecord{}, &models.StaffActionLog{})
	store := config.NewJifenStore(cfg.Jifen)

	signins := services.NewSigninService(db, store,
		services.WithLogger(utils.Logger.Named("jifen")),
		services.WithAuditSink(services.NewDBAuditSink(db)),
	)
	board := services.NewLeaderboardCache(services.NewLeaderboardAggregator(db), store,
		services.WithSnapshotMirror(services.NewRedisMirror(utils.NewRedisCache(utils.GetRedis()))),
		services.WithCacheLogger(utils.Logger.Named("leaderboard")),
	)
	sched := services.NewRefreshScheduler(board, store,
		services.WithWarmUp(true),
		services.WithSchedulerLogger(utils.Logger.Named("scheduler")),
	)
	store.OnChange(func(prev, next config.JifenSettings) {
		if prev.LeaderboardUpdateMinutes != next.LeaderboardUpdateMinutes {
			sched.UpdateInterval(next.LeaderboardUpdateMinutes)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)

	var watcher *config.Watcher
	if cfg.WatchConfig {
		w, err := config.NewWatcher(config.DefaultPath, store, func(err error) {
			utils.Logger.Warn("config reload failed", zap.Error(err))
		})
		if err != nil {
			utils.Logger.Warn("config watcher unavailable", zap.Error(err))
		} else if err := w.Start(ctx); err != nil {
			utils.Logger.Warn("config watcher not started", zap.Error(err))
		} else {
			watcher = w
		}
	}

	r := routes.SetupRouter(controllers.NewJifenController(signins, board, store, utils.Logger.Named("http")))

	utils.Sugar.Infof("Starting server on port %s (graceful)", cfg.AppPort)
	err := utils.GraceServer(":"+cfg.AppPort, r,
		sched.Stop,
		func() {
			if watcher != nil {
				watcher.Stop()
			}
		},
		cancel,
	)
	if err != nil {
		utils.Sugar.Fatalf("server stopped with error: %v", err)
	}
}
