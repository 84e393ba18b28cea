package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/warmpool/sandboxd/internal/model"
	"github.com/warmpool/sandboxd/internal/service"
)

type LeaseHandler struct {
	svc *service.LeaseService
}

func NewLeaseHandler(svc *service.LeaseService) *LeaseHandler {
	return &LeaseHandler{svc: svc}
}

func (h *LeaseHandler) RegisterRoutes(r *gin.RouterGroup) {
	leases := r.Group("/sandboxes/leases")
	{
		leases.POST("", h.Acquire)
		leases.GET("/:id", h.Get)
		leases.POST("/:id/heartbeat", h.Heartbeat)
		leases.DELETE("/:id", h.Release)
	}
}

func (h *LeaseHandler) Acquire(c *gin.Context) {
	var req model.AcquireLeaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "invalid_request"})
		return
	}

	resp, replayed, err := h.svc.Acquire(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}

	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	}
	c.JSON(status, resp)
}

func (h *LeaseHandler) Get(c *gin.Context) {
	lease, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, lease)
}

func (h *LeaseHandler) Heartbeat(c *gin.Context) {
	resp, err := h.svc.Heartbeat(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *LeaseHandler) Release(c *gin.Context) {
	if err := h.svc.Release(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
