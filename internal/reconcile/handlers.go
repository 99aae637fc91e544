package reconcile

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hearthly/hearth/internal/auth"
	"github.com/hearthly/hearth/internal/logging"
	"github.com/hearthly/hearth/internal/processor"
)

// maxWebhookBody bounds webhook payloads; processor events are a few KB.
const maxWebhookBody = 1 << 16

// Handler provides the webhook endpoint and sync triggers.
type Handler struct {
	engine    *Engine
	processor processor.Processor
	events    EventLog
}

// NewHandler creates a reconcile handler.
func NewHandler(engine *Engine, proc processor.Processor, events EventLog) *Handler {
	return &Handler{engine: engine, processor: proc, events: events}
}

// RegisterWebhookRoutes sets up the unauthenticated processor webhook.
// Authenticity comes from the payload signature.
func (h *Handler) RegisterWebhookRoutes(r gin.IRoutes) {
	r.POST("/webhooks/stripe", h.Webhook)
}

// RegisterProtectedRoutes sets up sync routes that require auth.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/billing/sync", h.SyncSelf)
}

// RegisterAdminRoutes sets up operator routes. The group must already
// require the admin role.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/billing/sync", h.SyncAdmin)
}

// Webhook handles POST /webhooks/stripe
func (h *Handler) Webhook(c *gin.Context) {
	ctx := c.Request.Context()
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
	if err != nil || len(payload) > maxWebhookBody {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "code": "invalid_payload", "error": "unreadable or oversized payload"})
		return
	}
	ev, err := h.processor.ParseWebhook(payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		logging.L(ctx).Warn("webhook rejected", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "code": "invalid_signature", "error": "webhook verification failed"})
		return
	}

	fresh, err := h.events.MarkProcessed(ctx, ev.ID)
	if err != nil {
		// The merge is idempotent, so an unavailable log only costs a re-run.
		logging.L(ctx).Warn("webhook event log unavailable", "event_id", ev.ID, "error", err)
		fresh = true
	}
	if !fresh {
		webhookEvents.WithLabelValues(ev.Type, "duplicate").Inc()
		c.JSON(http.StatusOK, gin.H{"received": true, "duplicate": true})
		return
	}

	if err := h.engine.HandleEvent(ctx, ev); err != nil {
		if ferr := h.events.Forget(ctx, ev.ID); ferr != nil {
			logging.L(ctx).Warn("webhook event log forget failed", "event_id", ev.ID, "error", ferr)
		}
		status := http.StatusInternalServerError
		if errors.Is(err, processor.ErrUnavailable) {
			status = http.StatusServiceUnavailable
		}
		logging.L(ctx).Error("webhook processing failed", "event_id", ev.ID, "type", ev.Type, "error", err)
		c.JSON(status, gin.H{"success": false, "error": "event processing failed, retry later"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

// SyncSelf handles POST /v1/billing/sync
func (h *Handler) SyncSelf(c *gin.Context) {
	userID := auth.GetUserID(c)
	var email string
	if p, ok := auth.GetPrincipal(c); ok {
		email = p.Email
	}
	report, err := h.engine.SyncUser(c.Request.Context(), userID, email)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "plan": report.Tier, "report": report})
}

type syncRequest struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
}

// SyncAdmin handles POST /v1/admin/billing/sync. With a userId it syncs that
// user; with an empty body it sweeps everyone.
func (h *Handler) SyncAdmin(c *gin.Context) {
	var req syncRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "code": "invalid_request", "error": "invalid request body"})
			return
		}
	}
	if req.UserID != "" {
		report, err := h.engine.SyncUser(c.Request.Context(), req.UserID, req.Email)
		if err != nil {
			h.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "report": report})
		return
	}
	report, err := h.engine.SyncAll(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "report": report})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	if errors.Is(err, processor.ErrUnavailable) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "code": "processor_unavailable", "error": err.Error()})
		return
	}
	logging.L(c.Request.Context()).Error("sync failed", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"success": false, "code": "internal_error", "error": "sync failed"})
}
