package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/warmpool/sandboxd/internal/lifecycle"
	"github.com/warmpool/sandboxd/internal/model"
	"github.com/warmpool/sandboxd/internal/service"
)

type RunHandler struct {
	svc   *service.RunCoordinator
	drain *lifecycle.DrainManager
}

func NewRunHandler(svc *service.RunCoordinator, drain *lifecycle.DrainManager) *RunHandler {
	return &RunHandler{svc: svc, drain: drain}
}

func (h *RunHandler) RegisterRoutes(r *gin.RouterGroup) {
	runs := r.Group("/sandboxes/runs")
	{
		runs.POST("", h.Start)
		runs.GET("/:id", h.Get)
		runs.GET("/:id/output/stream", h.StreamOutput)
	}
}

func (h *RunHandler) Start(c *gin.Context) {
	var req model.StartRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "invalid_request"})
		return
	}

	resp, _, err := h.svc.Start(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	// Replays get the same shape; the status field carries the recorded
	// progress, terminal results included.
	c.JSON(http.StatusAccepted, resp)
}

func (h *RunHandler) Get(c *gin.Context) {
	run, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS is handled by middleware
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// StreamOutput upgrades to a websocket and relays the run's live output.
func (h *RunHandler) StreamOutput(c *gin.Context) {
	if h.drain != nil && h.drain.IsDraining() {
		writeError(c, service.ErrDraining)
		return
	}

	stream, err := h.svc.StreamOutput(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	defer stream.Close()

	ws, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to upgrade to websocket: " + err.Error(), "code": "internal_error"})
		return
	}
	defer ws.Close()

	release := func() {}
	if h.drain != nil {
		release = h.drain.TrackStream()
	}
	defer release()

	// Discard client frames so pings/close are processed.
	go func() {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	buf := make([]byte, 4096)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			if werr := ws.WriteMessage(websocket.TextMessage, buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended"),
				time.Now().Add(time.Second))
			return
		}
	}
}
