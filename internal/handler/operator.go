package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/warmpool/sandboxd/internal/auth"
	"github.com/warmpool/sandboxd/internal/pool"
	"github.com/warmpool/sandboxd/internal/service"
)

// OperatorHandler serves the operational surface: pool visibility and manual
// reclaim control. All routes sit behind the operator key.
type OperatorHandler struct {
	pool      *pool.Manager
	reclaimer *service.Reclaimer
	guard     *auth.OperatorGuard
}

func NewOperatorHandler(p *pool.Manager, reclaimer *service.Reclaimer, guard *auth.OperatorGuard) *OperatorHandler {
	return &OperatorHandler{pool: p, reclaimer: reclaimer, guard: guard}
}

func (h *OperatorHandler) RegisterRoutes(r *gin.RouterGroup) {
	op := r.Group("/operator", h.guard.Middleware())
	{
		op.GET("/pool", h.PoolStatus)
		op.POST("/reclaim", h.TriggerReclaim)
		op.GET("/reclaim/runs", h.ListReclaimRuns)
		op.GET("/reclaim/runs/:id", h.GetReclaimRun)
	}
}

func (h *OperatorHandler) PoolStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.pool.Status())
}

func (h *OperatorHandler) TriggerReclaim(c *gin.Context) {
	resp, err := h.reclaimer.Sweep(c.Request.Context(), "manual")
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, resp)
}

func (h *OperatorHandler) ListReclaimRuns(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	resp, err := h.reclaimer.ListSweeps(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *OperatorHandler) GetReclaimRun(c *gin.Context) {
	resp, err := h.reclaimer.GetSweep(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
