package notify

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hearthly/hearth/internal/auth"
	"github.com/hearthly/hearth/internal/logging"
	"github.com/hearthly/hearth/internal/pagination"
)

// Streamer upgrades a request to a per-user event stream.
type Streamer interface {
	ServeUser(w http.ResponseWriter, r *http.Request, userID string)
}

// Handler provides HTTP endpoints for notifications.
type Handler struct {
	service  *Service
	streamer Streamer
}

// NewHandler creates a notification handler. streamer may be nil, in which
// case the stream endpoint is not registered.
func NewHandler(service *Service, streamer Streamer) *Handler {
	return &Handler{service: service, streamer: streamer}
}

// RegisterProtectedRoutes sets up notification routes that require auth.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/notifications", h.List)
	r.POST("/notifications/:id/read", h.MarkRead)
	if h.streamer != nil {
		r.GET("/notifications/stream", h.Stream)
	}
}

// List handles GET /v1/notifications?limit=&cursor=
func (h *Handler) List(c *gin.Context) {
	limit, err := pagination.ParseLimit(c.Query("limit"), 50, 200)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "code": "invalid_request", "error": err.Error()})
		return
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "code": "invalid_request", "error": err.Error()})
		return
	}

	page, err := h.service.List(c.Request.Context(), auth.GetUserID(c), cursor, limit)
	if err != nil {
		logging.L(c.Request.Context()).Error("list notifications failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "code": "internal_error", "error": "failed to list notifications"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "notifications": page.Items, "nextCursor": page.NextCursor, "hasMore": page.HasMore})
}

// MarkRead handles POST /v1/notifications/:id/read
func (h *Handler) MarkRead(c *gin.Context) {
	err := h.service.MarkRead(c.Request.Context(), auth.GetUserID(c), c.Param("id"))
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"success": false, "code": "not_found", "error": err.Error()})
	case err != nil:
		logging.L(c.Request.Context()).Error("mark notification read failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "code": "internal_error", "error": "failed to update notification"})
	default:
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

// Stream handles GET /v1/notifications/stream (WebSocket upgrade).
func (h *Handler) Stream(c *gin.Context) {
	h.streamer.ServeUser(c.Writer, c.Request, auth.GetUserID(c))
}
