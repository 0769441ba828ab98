package router

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"chatcore/internal/app/branch"
	"chatcore/internal/app/health"
	"chatcore/internal/app/message"
	"chatcore/internal/app/thread"
	"chatcore/internal/gateways/websocket"
	"chatcore/internal/middleware"
)

type Router struct {
	Engine *gin.Engine
}

func NewRouter(logger *zap.Logger, allowedOrigins []string) *Router {
	engine := gin.New()
	engine.Use(middleware.CORSMiddleware(allowedOrigins))
	engine.Use(middleware.LoggerMiddleware(logger))
	engine.Use(gin.Recovery())
	return &Router{Engine: engine}
}

func (r *Router) RegisterHealthRoutes(handler health.Handler) {
	health.RegisterRoutes(r.Engine.Group("/api"), handler)
}

func (r *Router) RegisterWebSocketRoutes(hub *websocket.Hub) {
	websocket.RegisterRoutes(r.Engine, hub)
}

func (r *Router) RegisterThreadRoutes(handler thread.Handler) {
	thread.RegisterRoutes(r.Engine.Group("/api"), handler)
}

func (r *Router) RegisterMessageRoutes(handler message.Handler) {
	message.RegisterRoutes(r.Engine.Group("/api"), handler)
}

func (r *Router) RegisterBranchRoutes(handler branch.Handler) {
	branch.RegisterRoutes(r.Engine.Group("/api"), handler)
}

func (r *Router) Serve(addr string) error {
	return r.Engine.Run(addr)
}
