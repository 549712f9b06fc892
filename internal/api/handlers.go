package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"futures-trading-engine/internal/scheduler"
	"futures-trading-engine/internal/strategy"
)

// handleHealth returns server health status.
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	health := s.engine.Health(ctx)
	health["status"] = "healthy"
	health["ws_clients"] = s.hub.ClientCount()
	c.JSON(http.StatusOK, health)
}

// handleCreateInstance registers a new strategy instance.
// POST /api/instances
func (s *Server) handleCreateInstance(c *gin.Context) {
	var cfg strategy.Config
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	snap, err := s.engine.CreateInstance(c.Request.Context(), cfg)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, snap)
}

// handleListInstances returns every registered instance.
// GET /api/instances
func (s *Server) handleListInstances(c *gin.Context) {
	snaps := s.engine.ListInstances()
	c.JSON(http.StatusOK, gin.H{
		"instances": snaps,
		"count":     len(snaps),
	})
}

// handleGetInstance returns one instance snapshot.
// GET /api/instances/:id
func (s *Server) handleGetInstance(c *gin.Context) {
	snap, err := s.engine.InstanceState(c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// handleStartInstance begins ticking an instance.
// POST /api/instances/:id/start
func (s *Server) handleStartInstance(c *gin.Context) {
	id := c.Param("id")
	if err := s.engine.StartInstance(c.Request.Context(), id); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "status": "running"})
}

// handleStopInstance halts evaluation, leaving open positions untouched.
// POST /api/instances/:id/stop
func (s *Server) handleStopInstance(c *gin.Context) {
	id := c.Param("id")
	if err := s.engine.StopInstance(c.Request.Context(), id); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "status": "stopped"})
}

// handleFlattenInstance closes the instance's open positions at market.
// POST /api/instances/:id/flatten
func (s *Server) handleFlattenInstance(c *gin.Context) {
	id := c.Param("id")
	if err := s.engine.FlattenInstance(c.Request.Context(), id); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "status": "flattened"})
}

// handleClearExitPending drops the exit-pending latch after manual cleanup.
// POST /api/instances/:id/clear-exit-pending
func (s *Server) handleClearExitPending(c *gin.Context) {
	id := c.Param("id")
	if err := s.engine.ClearExitPending(c.Request.Context(), id); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "exit_pending": false})
}

// handleDeleteInstance removes a stopped instance.
// DELETE /api/instances/:id
func (s *Server) handleDeleteInstance(c *gin.Context) {
	id := c.Param("id")
	if err := s.engine.DeleteInstance(c.Request.Context(), id); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "deleted": true})
}

// handleRiskSnapshot returns the live risk view for an account.
// GET /api/risk/:account
func (s *Server) handleRiskSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.RiskSnapshot(c.Param("account")))
}

// handleRiskEvents returns recent enforcement events.
// GET /api/risk/:account/events?type=&limit=
func (s *Server) handleRiskEvents(c *gin.Context) {
	limit := parseLimit(c.Query("limit"))
	history, err := s.engine.EnforcementHistory(c.Request.Context(), c.Param("account"), c.Query("type"), limit)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"events": history,
		"count":  len(history),
	})
}

// handleRiskReset releases a drawdown halt for an account.
// POST /api/risk/:account/reset
func (s *Server) handleRiskReset(c *gin.Context) {
	ev, err := s.engine.ResetRisk(c.Request.Context(), c.Param("account"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ev)
}

// handleTradeHistory returns recently closed trades.
// GET /api/trades?instance_id=&limit=
func (s *Server) handleTradeHistory(c *gin.Context) {
	limit := parseLimit(c.Query("limit"))
	trades, err := s.engine.TradeHistory(c.Request.Context(), c.Query("instance_id"), limit)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"trades": trades,
		"count":  len(trades),
	})
}

// handleOrderAudit returns the in-memory order audit trail, newest first.
// GET /api/orders/audit?limit=
func (s *Server) handleOrderAudit(c *gin.Context) {
	if s.audit == nil {
		c.JSON(http.StatusOK, gin.H{"entries": []struct{}{}, "count": 0})
		return
	}
	entries := s.audit.Recent(parseLimit(c.Query("limit")))
	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

// respondError maps engine errors onto HTTP status codes.
func (s *Server) respondError(c *gin.Context, err error) {
	var cfgErr *strategy.ConfigError
	switch {
	case errors.Is(err, scheduler.ErrInstanceNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, scheduler.ErrInstanceRunning):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &cfgErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		s.logger.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func parseLimit(raw string) int {
	if raw == "" {
		return 0
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0
	}
	return limit
}
