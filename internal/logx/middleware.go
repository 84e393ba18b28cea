package logx

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
)

// RequestIDMiddleware assigns every call a request id, echoes it in the
// response header, and threads it through the request context so service
// logs can carry it.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := NewRequestID(c.GetHeader(RequestIDHeader))
		c.Writer.Header().Set(RequestIDHeader, id)
		c.Request = c.Request.WithContext(WithRequestID(c.Request.Context(), id))
		c.Next()
	}
}

// AccessLogMiddleware logs one line per API call. The :id path parameter,
// when present, is the lease, run, or sweep the call addressed.
func AccessLogMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		level := slog.LevelInfo
		if status >= 500 {
			level = slog.LevelError
		} else if status >= 400 {
			level = slog.LevelWarn
		}

		attrs := []any{
			"request_id", RequestID(c.Request.Context()),
			"method", c.Request.Method,
			"route", c.FullPath(),
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
		}
		if id := c.Param("id"); id != "" {
			attrs = append(attrs, "resource_id", id)
		}
		slog.Log(c.Request.Context(), level, "api request", attrs...)
	}
}
