package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/warmpool/sandboxd/internal/logx"
	"github.com/warmpool/sandboxd/internal/service"
)

// writeError maps service sentinels to the API error envelope.
func writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, service.ErrPoolExhausted):
		status, code = http.StatusServiceUnavailable, "pool_exhausted"
	case errors.Is(err, service.ErrAlreadyLeased):
		status, code = http.StatusConflict, "already_leased"
	case errors.Is(err, service.ErrLeaseNotFound):
		status, code = http.StatusNotFound, "lease_not_found"
	case errors.Is(err, service.ErrLeaseNotActive):
		status, code = http.StatusNotFound, "lease_not_active"
	case errors.Is(err, service.ErrRunInProgress):
		status, code = http.StatusConflict, "run_in_progress"
	case errors.Is(err, service.ErrRunNotFound):
		status, code = http.StatusNotFound, "run_not_found"
	case errors.Is(err, service.ErrDraining):
		status, code = http.StatusServiceUnavailable, "draining"
	}
	if status == http.StatusInternalServerError {
		logx.FromContext(c.Request.Context()).Error("request failed", "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": code})
}
