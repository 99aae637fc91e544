package capacity

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hearthly/hearth/internal/auth"
	"github.com/hearthly/hearth/internal/circles"
	"github.com/hearthly/hearth/internal/logging"
)

// Handler provides HTTP endpoints for circle capacity.
type Handler struct {
	eval    *Evaluator
	circles circles.Store
}

// NewHandler creates a capacity handler.
func NewHandler(eval *Evaluator, store circles.Store) *Handler {
	return &Handler{eval: eval, circles: store}
}

// RegisterProtectedRoutes sets up capacity routes that require auth.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/circles/:id/capacity", h.GetCapacity)
	r.POST("/circles/:id/join", h.Join)
}

// GetCapacity handles GET /v1/circles/:id/capacity. Owner and members only.
func (h *Handler) GetCapacity(c *gin.Context) {
	ctx := c.Request.Context()
	circleID := c.Param("id")
	userID := auth.GetUserID(c)

	circle, err := h.circles.Get(ctx, circleID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if circle.OwnerID != userID {
		member, err := h.circles.IsMember(ctx, circleID, userID)
		if err != nil {
			h.writeError(c, err)
			return
		}
		if !member {
			c.JSON(http.StatusForbidden, gin.H{"success": false, "code": "forbidden", "error": "not a member of this circle"})
			return
		}
	}

	res, err := h.eval.CheckCapacity(ctx, circleID, circle.OwnerID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "capacity": res})
}

// Join handles POST /v1/circles/:id/join.
func (h *Handler) Join(c *gin.Context) {
	var req struct {
		JoinCode string `json:"joinCode"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "code": "invalid_request", "error": "malformed body"})
			return
		}
	}

	res, err := h.eval.Join(c.Request.Context(), c.Param("id"), auth.GetUserID(c), req.JoinCode)
	if err != nil {
		if errors.Is(err, circles.ErrCircleFull) {
			c.JSON(http.StatusConflict, gin.H{
				"success":  false,
				"code":     "circle_full",
				"error":    "this circle has reached its member limit",
				"capacity": res,
			})
			return
		}
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "capacity": res})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, circles.ErrCircleNotFound):
		c.JSON(http.StatusNotFound, gin.H{"success": false, "code": "not_found", "error": "circle not found"})
	case errors.Is(err, circles.ErrAlreadyMember):
		c.JSON(http.StatusConflict, gin.H{"success": false, "code": "already_member", "error": "already a member of this circle"})
	case errors.Is(err, ErrInvalidJoinCode):
		c.JSON(http.StatusForbidden, gin.H{"success": false, "code": "invalid_join_code", "error": "join code does not match"})
	default:
		logging.L(c.Request.Context()).Error("capacity request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "code": "internal_error", "error": "capacity check failed"})
	}
}
