package api

import (
	"context"
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	a "trustlink-chat/internal/audit"
	"trustlink-chat/internal/auth"
	i "trustlink-chat/internal/incident"
	m "trustlink-chat/internal/message"
	"trustlink-chat/internal/metrics"
	"trustlink-chat/internal/middleware"
	"trustlink-chat/internal/websocket"
	"trustlink-chat/pkg/chat"
)

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

type Deps struct {
	Auth        *auth.AuthService
	Incidents   *i.IncidentService
	Messages    *m.MessageService
	Audit       *a.AuditService
	Distributor *websocket.Distributor
	Sessions    *websocket.Handler
	HTTPLimiter *middleware.Limiter
	Metrics     *metrics.Metrics
	Gatherer    prometheus.Gatherer
	Logger      *slog.Logger
	Checks      map[string]HealthCheck
}

type Router struct {
	mh   *MessageHandlers
	wh   *WebSocketHandler
	auh  *AuditHandlers
	am   *auth.AuthMiddleware
	deps Deps
}

func NewRouter(deps Deps) *Router {
	return &Router{
		mh:   NewMessageHandlers(deps.Messages, deps.Incidents, deps.Audit, deps.Distributor, deps.Logger),
		wh:   NewWebSocketHandler(deps.Sessions, deps.Distributor),
		auh:  NewAuditHandlers(deps.Audit),
		am:   auth.NewAuthMiddleware(deps.Auth),
		deps: deps,
	}
}

// NewEngine builds a gin engine with recovery, request logging and all routes.
func NewEngine(r *Router) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery(), middleware.RequestLogger(r.deps.Logger, r.deps.Metrics))
	r.RegisterRoutes(engine)
	return engine
}

func (r *Router) RegisterRoutes(router *gin.Engine) {
	{
		unprotected := router.Group("/")
		unprotected.GET("/api/health", r.HealthCheckHandler)
		unprotected.GET("/metrics", gin.WrapH(promhttp.HandlerFor(r.deps.Gatherer, promhttp.HandlerOpts{})))
		// Sockets authenticate after the upgrade so that failures carry a
		// close code.
		unprotected.GET("/ws/chat/:incident_id", r.wh.HandleIncidentSocket)
		unprotected.GET("/ws/monitor", r.wh.HandleMonitorSocket)
	}

	{
		protected := router.Group("/api")
		if r.deps.HTTPLimiter != nil {
			protected.Use(middleware.RateLimitMiddleware(r.deps.HTTPLimiter))
		}
		protected.Use(r.am.RequireAuth())

		protected.POST("/chat/messages", r.mh.CreateMessageHandler)
		protected.POST("/chat/emergency", r.mh.CreateEmergencyHandler)
		protected.GET("/chat/incidents/:id/messages", r.mh.GetIncidentMessagesHandler)
		protected.PUT("/chat/messages/:id", r.mh.MarkReadHandler)

		protected.GET("/ws/info", auth.RequireCapability(chat.CapViewAllIncidents), r.wh.GetConnectionInfo)
		protected.GET("/audit", auth.RequireCapability(chat.CapViewStats), r.auh.GetAuditLogsHandler)
	}
}
