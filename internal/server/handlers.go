package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/p2psettle/internal/logging"
	"github.com/mbd888/p2psettle/internal/metrics"
	"github.com/mbd888/p2psettle/internal/security"
	"github.com/mbd888/p2psettle/internal/settlement"
	"github.com/mbd888/p2psettle/internal/sweeper"
	"github.com/mbd888/p2psettle/internal/trade"
)

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks"`
	Sweeps    []string          `json:"sweeps"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	admin := s.router.Group("/admin")
	admin.Use(s.adminLimiter.Middleware(), security.RequireAdminSecret(s.cfg.AdminSecret))
	{
		admin.POST("/sweeps/:name/run", s.runSweepHandler)
		admin.GET("/trades/:id", s.getTradeHandler)
		admin.GET("/trades/:id/messages", s.listMessagesHandler)
		admin.POST("/trades/:id/republish", s.republishHandler)
		admin.POST("/trades/:id/resolve", s.resolveHandler)
	}
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, statuses := s.health.CheckAll(c.Request.Context())

	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		if st.Healthy {
			checks[st.Name] = "healthy"
		} else {
			checks[st.Name] = "unhealthy: " + st.Detail
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Sweeps:    s.scheduler.Names(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// runSweepHandler triggers one pass of a sweep outside its schedule. The
// pass still takes the sweep lease.
func (s *Server) runSweepHandler(c *gin.Context) {
	name := c.Param("name")
	res, err := s.scheduler.RunOnce(c.Request.Context(), name)
	switch {
	case errors.Is(err, sweeper.ErrUnknownSweep):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_sweep", "message": err.Error()})
		return
	case errors.Is(err, sweeper.ErrLeaseHeld):
		c.JSON(http.StatusConflict, gin.H{"error": "lease_held", "message": err.Error()})
		return
	case err != nil:
		logging.L(c.Request.Context()).Error("manual sweep failed", "sweep", name, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sweep_failed", "message": err.Error(), "result": res})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sweep": name, "result": res})
}

func (s *Server) getTradeHandler(c *gin.Context) {
	t, err := s.trades.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.tradeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

func (s *Server) listMessagesHandler(c *gin.Context) {
	msgs, err := s.trades.Messages(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.tradeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "count": len(msgs)})
}

func (s *Server) republishHandler(c *gin.Context) {
	ctx := logging.WithTradeID(c.Request.Context(), c.Param("id"))
	t, err := s.trades.Republish(ctx, c.Param("id"))
	if err != nil {
		s.tradeError(c, err)
		return
	}
	logging.L(ctx).Info("settlement event republished", "status", t.Status)
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

type resolveRequest struct {
	Outcome string `json:"outcome" binding:"required"`
}

func (s *Server) resolveHandler(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "outcome is required"})
		return
	}
	outcome, err := trade.ParseOutcome(req.Outcome)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_outcome", "message": err.Error()})
		return
	}

	ctx := logging.WithTradeID(c.Request.Context(), c.Param("id"))
	t, err := s.trades.ResolveDispute(ctx, c.Param("id"), outcome)
	if err != nil {
		s.tradeError(c, err)
		return
	}
	logging.L(ctx).Info("dispute resolved by operator", "outcome", outcome)
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// tradeError maps service errors onto HTTP statuses.
func (s *Server) tradeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, trade.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, trade.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_transition", "message": err.Error()})
	case errors.Is(err, trade.ErrEscrowNotLocked):
		c.JSON(http.StatusConflict, gin.H{"error": "escrow_not_locked", "message": err.Error()})
	case errors.Is(err, settlement.ErrDeliveryFailure):
		c.JSON(http.StatusBadGateway, gin.H{"error": "delivery_failed", "message": err.Error()})
	default:
		logging.L(c.Request.Context()).Error("admin request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "An unexpected error occurred"})
	}
}
