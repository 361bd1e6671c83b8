package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"vpa-trader/internal/events"
	"vpa-trader/internal/exchange"
	"vpa-trader/internal/monitor"
	"vpa-trader/internal/order"
	"vpa-trader/internal/position"
	"vpa-trader/internal/risk"
	"vpa-trader/internal/signal"
	"vpa-trader/pkg/db"
)

// Deps are the components exposed over HTTP. DB and Metrics may be nil.
type Deps struct {
	Exchange  *exchange.Exchange
	Orders    *order.Manager
	Positions *position.Manager
	Risk      *risk.Manager
	Signals   *signal.Executor
	DB        *db.Database
	Bus       *events.Bus
	Metrics   *monitor.Metrics
	Logger    *zap.Logger
	JWTSecret string
	AdminKey  string
}

// Server wires HTTP endpoints around the trading components.
type Server struct {
	Router *gin.Engine

	ex        *exchange.Exchange
	orders    *order.Manager
	positions *position.Manager
	risk      *risk.Manager
	signals   *signal.Executor
	db        *db.Database
	bus       *events.Bus
	metrics   *monitor.Metrics
	logger    *zap.Logger
	jwtSecret string
	adminKey  string
}

func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("api")

	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(logger))
	r.Use(RateLimitMiddleware(newIPLimiters(20, 50), logger))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:    r,
		ex:        d.Exchange,
		orders:    d.Orders,
		positions: d.Positions,
		risk:      d.Risk,
		signals:   d.Signals,
		db:        d.DB,
		bus:       d.Bus,
		metrics:   d.Metrics,
		logger:    logger,
		jwtSecret: d.JWTSecret,
		adminKey:  d.AdminKey,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)
	if s.metrics != nil {
		s.Router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	api := s.Router.Group("/api")
	{
		api.GET("/account", s.getAccount)
		api.GET("/positions", s.getPositions)
		api.GET("/positions/:symbol/risk", s.getPositionRisk)
		api.GET("/orders", s.getOrders)
		api.GET("/orders/conditional", s.getConditionalOrders)
		api.GET("/risk/portfolio", s.getPortfolioRisk)
		api.GET("/risk/report", s.getRiskReport)
		api.GET("/stats/execution", s.getExecutionStats)
		api.GET("/signals", s.getSignals)
		api.GET("/journal/trades", s.getJournalTrades)
		api.GET("/journal/risk-events", s.getJournalRiskEvents)

		api.POST("/auth/token", s.issueToken)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.jwtSecret))
		{
			protected.POST("/signals", s.processSignal)
			protected.POST("/signals/confirm", s.confirmSignal)
			protected.PUT("/signals/mode", s.setExecutionMode)

			protected.POST("/risk/emergency-stop", s.triggerEmergencyStop)
			protected.POST("/risk/emergency-reset", s.resetEmergencyStop)
			protected.PUT("/risk/level", s.setRiskLevel)

			protected.POST("/orders/:id/cancel", s.cancelOrder)
			protected.POST("/positions/:symbol/close", s.closePosition)
		}
	}
}

// staleAfter marks a symbol's price stale on /health.
const staleAfter = 30 * time.Second

func (s *Server) health(c *gin.Context) {
	prices := s.ex.PriceFreshness(staleAfter)
	status := "ok"
	if len(prices.Stale) > 0 {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":         status,
		"prices":         prices,
		"emergency_stop": s.risk.EmergencyStopActive(),
		"risk_level":     s.risk.Level(),
		"execution_mode": s.signals.Settings().Mode,
	})
}

// Handler exposes the router for http.Server.
func (s *Server) Handler() http.Handler {
	return s.Router
}
