package app

import (
	"go.uber.org/zap"
	"gorm.io/gorm"

	"chatcore/internal/app/branch"
	"chatcore/internal/app/health"
	"chatcore/internal/app/message"
	"chatcore/internal/app/presence"
	"chatcore/internal/app/thread"
	"chatcore/internal/app/view"
	"chatcore/internal/config"
	"chatcore/internal/db"
	"chatcore/internal/gateways/websocket"
	"chatcore/internal/providers/generation"
	"chatcore/internal/providers/redis"
	"chatcore/internal/router"
	"chatcore/internal/utils"
)

type Application struct {
	Router      *router.Router
	DB          *gorm.DB
	Coordinator *view.Coordinator
}

func Bootstrap(cfg *config.Config, logger *zap.Logger, generators *generation.Registry) (*Application, error) {
	dbConn, err := db.Connect(cfg, logger)
	if err != nil {
		return nil, err
	}

	if err := db.Migrate(dbConn, logger); err != nil {
		return nil, err
	}

	redisProvider := redis.NewRedisProvider(cfg.RedisURL, logger, cfg.RedisTTL)
	eventBus := utils.NewEventBus()

	threadRepo := thread.NewRepository(dbConn)
	messageRepo := message.NewRepository(dbConn)

	threadService := thread.NewService(threadRepo, messageRepo, redisProvider, eventBus, logger, cfg.Generation)
	// Touch goes through the thread service so appends invalidate cached
	// listings, the same as the other thread mutations.
	messageService := message.NewService(messageRepo, threadService, eventBus, logger)
	branchService := branch.NewService(threadService, messageRepo, eventBus, logger)

	coordinator := view.NewCoordinator(messageService, threadService, threadService, generators, eventBus, logger)

	presenceChannel := presence.NewRedisChannel(redisProvider, logger)
	presenceOpts := presence.Options{
		Heartbeat:          cfg.PresenceHeartbeat,
		EvictAfter:         cfg.PresenceEvictAfter,
		CursorEventsPerSec: cfg.CursorEventsPerSec,
	}

	hub := websocket.NewHub(coordinator, presenceChannel, presenceOpts, eventBus, logger)
	go hub.Run()

	healthHandler := health.NewHandler(&utils.HealthChecker{
		DB:    dbConn,
		Redis: redisProvider.Client,
	})
	threadHandler := thread.NewHandler(threadService, cfg.Generation)
	messageHandler := message.NewHandler(messageService)
	branchHandler := branch.NewHandler(branchService)

	r := router.NewRouter(logger, cfg.AllowedOrigins)

	r.RegisterHealthRoutes(healthHandler)
	r.RegisterWebSocketRoutes(hub)
	r.RegisterThreadRoutes(threadHandler)
	r.RegisterMessageRoutes(messageHandler)
	r.RegisterBranchRoutes(branchHandler)

	return &Application{
		Router:      r,
		DB:          dbConn,
		Coordinator: coordinator,
	}, nil
}
