package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"vpa-trader/internal/exchange"
	"vpa-trader/internal/order"
	"vpa-trader/internal/position"
	"vpa-trader/internal/risk"
	"vpa-trader/internal/signal"
)

type confirmSignalRequest struct {
	SignalID string `json:"signal_id" binding:"required"`
}

type setModeRequest struct {
	Mode string `json:"mode" binding:"required"`
}

type emergencyStopRequest struct {
	Reason string `json:"reason"`
}

type emergencyResetRequest struct {
	Confirmation string `json:"confirmation" binding:"required"`
}

type setRiskLevelRequest struct {
	Level  string `json:"level" binding:"required"`
	Reason string `json:"reason"`
}

type closePositionRequest struct {
	Quantity float64 `json:"quantity" binding:"gte=0"`
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// queryLimit reads ?limit= capped at ceiling, def when absent or invalid.
func queryLimit(c *gin.Context, def, ceiling int) int {
	n, err := strconv.Atoi(c.Query("limit"))
	if err != nil || n <= 0 {
		return def
	}
	if n > ceiling {
		return ceiling
	}
	return n
}

func (s *Server) getAccount(c *gin.Context) {
	c.JSON(http.StatusOK, s.ex.GetAccountInfo())
}

func (s *Server) getPositions(c *gin.Context) {
	positions := s.ex.GetPositions()
	ages := make(map[string]int64, len(positions))
	for _, p := range positions {
		if age, ok := s.ex.PriceAge(p.Symbol); ok {
			ages[p.Symbol] = age.Milliseconds()
		}
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions, "price_age_ms": ages})
}

func (s *Server) getPositionRisk(c *gin.Context) {
	symbol := strings.ToUpper(c.Param("symbol"))
	a, err := s.positions.AssessPositionRisk(symbol)
	if err != nil {
		if errors.Is(err, position.ErrNoPosition) {
			respondError(c, http.StatusNotFound, "POSITION_NOT_FOUND", err.Error())
			return
		}
		respondError(c, http.StatusBadRequest, "ASSESSMENT_FAILED", err.Error())
		return
	}
	c.JSON(http.StatusOK, a)
}

func (s *Server) getOrders(c *gin.Context) {
	status := exchange.OrderStatus(strings.ToLower(c.Query("status")))
	switch status {
	case "", exchange.StatusPending, exchange.StatusFilled, exchange.StatusPartialFilled,
		exchange.StatusCancelled, exchange.StatusExpired, exchange.StatusRejected:
	default:
		respondError(c, http.StatusBadRequest, "INVALID_STATUS", "unknown order status "+string(status))
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": s.ex.GetOrders(status)})
}

func (s *Server) getConditionalOrders(c *gin.Context) {
	c.JSON(http.StatusOK, s.orders.ActiveOrders())
}

func (s *Server) getPortfolioRisk(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"portfolio":   s.positions.GetPortfolioRisk(),
		"adjustments": s.positions.SuggestAdjustments(),
	})
}

// getRiskReport runs a monitoring pass first so the report is current even
// when no background monitor is configured.
func (s *Server) getRiskReport(c *gin.Context) {
	summary := s.risk.MonitorCurrentRisks()
	c.JSON(http.StatusOK, gin.H{
		"summary": summary,
		"report":  s.risk.Report(),
	})
}

func (s *Server) getExecutionStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"orders":      s.orders.Stats(),
		"signals":     s.signals.Stats(),
		"performance": s.positions.PerformanceSummary(),
	})
}

func (s *Server) getSignals(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"history": s.signals.History(queryLimit(c, 50, 1000)),
		"pending": s.signals.Pending(),
	})
}

func (s *Server) getJournalTrades(c *gin.Context) {
	if s.db == nil {
		respondError(c, http.StatusServiceUnavailable, "JOURNAL_DISABLED", "journal database not configured")
		return
	}
	trades, err := s.db.RecentTrades(c.Request.Context(), queryLimit(c, 50, 500))
	if err != nil {
		s.logger.Warn("journal trades query failed", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (s *Server) getJournalRiskEvents(c *gin.Context) {
	if s.db == nil {
		respondError(c, http.StatusServiceUnavailable, "JOURNAL_DISABLED", "journal database not configured")
		return
	}
	evts, err := s.db.RecentRiskEvents(c.Request.Context(), queryLimit(c, 50, 500))
	if err != nil {
		s.logger.Warn("journal risk events query failed", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"risk_events": evts})
}

func (s *Server) processSignal(c *gin.Context) {
	var req signal.ProcessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "analysis_text and symbol are required")
		return
	}
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	c.JSON(http.StatusOK, s.signals.Process(req))
}

func (s *Server) confirmSignal(c *gin.Context) {
	var req confirmSignalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "signal_id is required")
		return
	}
	res, err := s.signals.ConfirmSignal(req.SignalID)
	switch {
	case errors.Is(err, signal.ErrSignalRejected):
		respondError(c, http.StatusConflict, "SIGNAL_REJECTED", err.Error())
		return
	case err != nil:
		respondError(c, http.StatusNotFound, "SIGNAL_NOT_FOUND", err.Error())
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) setExecutionMode(c *gin.Context) {
	var req setModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "mode is required")
		return
	}
	mode, err := signal.ParseMode(req.Mode)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_MODE", err.Error())
		return
	}
	s.signals.SetMode(mode)
	c.JSON(http.StatusOK, s.signals.Settings())
}

func (s *Server) triggerEmergencyStop(c *gin.Context) {
	var req emergencyStopRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "manual_api_request"
	}
	c.JSON(http.StatusOK, s.risk.TriggerEmergencyStop(req.Reason))
}

func (s *Server) resetEmergencyStop(c *gin.Context) {
	var req emergencyResetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "confirmation is required")
		return
	}
	if err := s.risk.ResetEmergencyStop(req.Confirmation); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_CONFIRMATION", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"emergency_stop": false})
}

func (s *Server) setRiskLevel(c *gin.Context) {
	var req setRiskLevelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "level is required")
		return
	}
	level, err := risk.ParseLevel(req.Level)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_LEVEL", err.Error())
		return
	}
	if err := s.risk.SetRiskLevel(level, req.Reason); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_LEVEL", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"level":    level,
		"settings": risk.Settings[level],
	})
}

func (s *Server) cancelOrder(c *gin.Context) {
	id := c.Param("id")
	if err := s.orders.CancelOrder(id); err != nil {
		switch {
		case errors.Is(err, order.ErrOrderNotFound), errors.Is(err, exchange.ErrOrderNotFound):
			respondError(c, http.StatusNotFound, "ORDER_NOT_FOUND", err.Error())
		case errors.Is(err, exchange.ErrOrderNotCancellable):
			respondError(c, http.StatusConflict, "ORDER_NOT_CANCELLABLE", err.Error())
		default:
			respondError(c, http.StatusBadRequest, "CANCEL_FAILED", err.Error())
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"order_id": id, "cancelled": true})
}

func (s *Server) closePosition(c *gin.Context) {
	var req closePositionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "quantity must be a non-negative number")
			return
		}
	}
	symbol := strings.ToUpper(c.Param("symbol"))
	res := s.ex.ClosePosition(symbol, req.Quantity, exchange.OriginManual)
	if !res.Accepted {
		status := http.StatusBadRequest
		if errors.Is(res.Err, exchange.ErrNoPosition) {
			status = http.StatusNotFound
		}
		respondError(c, status, "CLOSE_FAILED", res.Reason)
		return
	}
	c.JSON(http.StatusOK, res)
}
