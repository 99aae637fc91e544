package billing

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hearthly/hearth/internal/auth"
	"github.com/hearthly/hearth/internal/circles"
	"github.com/hearthly/hearth/internal/entitlement"
	"github.com/hearthly/hearth/internal/logging"
	"github.com/hearthly/hearth/internal/plans"
	"github.com/hearthly/hearth/internal/processor"
)

// Handler provides HTTP endpoints for billing.
type Handler struct {
	service *Service
}

// NewHandler creates a billing handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up billing routes that require auth.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/billing/status", h.GetStatus)
	r.POST("/billing/checkout", h.StartCheckout)
	r.POST("/billing/checkout/addon", h.StartAddonCheckout)
	r.POST("/billing/upgrade/preview", h.PreviewUpgrade)
	r.POST("/billing/upgrade", h.ConfirmUpgrade)
	r.POST("/billing/cancel", h.Cancel)
	r.POST("/billing/reactivate", h.Reactivate)
	r.POST("/billing/downgrade", h.ScheduleDowngrade)
	r.DELETE("/billing/downgrade", h.CancelPendingDowngrade)
}

// RegisterAdminRoutes sets up operator routes. The group must already
// require the admin role.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/billing/rollover", h.RunRollover)
}

type planRequest struct {
	Plan          string    `json:"plan" binding:"required"`
	ProrationDate time.Time `json:"prorationDate"`
}

type addonRequest struct {
	CircleID string `json:"circleId" binding:"required"`
}

// GetStatus handles GET /v1/billing/status
func (h *Handler) GetStatus(c *gin.Context) {
	r, err := h.service.Status(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, envelope(r, true))
}

// StartCheckout handles POST /v1/billing/checkout
func (h *Handler) StartCheckout(c *gin.Context) {
	tier, ok := h.bindPlan(c, nil)
	if !ok {
		return
	}
	userID, email := caller(c)
	session, err := h.service.StartCheckout(c.Request.Context(), CheckoutInput{
		UserID: userID,
		Email:  email,
		Tier:   tier,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "url": session.URL, "sessionId": session.ID})
}

// StartAddonCheckout handles POST /v1/billing/checkout/addon
func (h *Handler) StartAddonCheckout(c *gin.Context) {
	var req addonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "circleId is required")
		return
	}
	userID, email := caller(c)
	session, err := h.service.StartAddonCheckout(c.Request.Context(), userID, email, req.CircleID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "url": session.URL, "sessionId": session.ID})
}

// PreviewUpgrade handles POST /v1/billing/upgrade/preview
func (h *Handler) PreviewUpgrade(c *gin.Context) {
	tier, ok := h.bindPlan(c, nil)
	if !ok {
		return
	}
	preview, err := h.service.PreviewUpgrade(c.Request.Context(), auth.GetUserID(c), tier)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "preview": preview})
}

// ConfirmUpgrade handles POST /v1/billing/upgrade
func (h *Handler) ConfirmUpgrade(c *gin.Context) {
	var req planRequest
	tier, ok := h.bindPlan(c, &req)
	if !ok {
		return
	}
	res, err := h.service.ConfirmUpgrade(c.Request.Context(), auth.GetUserID(c), tier, req.ProrationDate)
	h.writeResult(c, res, err)
}

// Cancel handles POST /v1/billing/cancel
func (h *Handler) Cancel(c *gin.Context) {
	res, err := h.service.Cancel(c.Request.Context(), auth.GetUserID(c))
	h.writeResult(c, res, err)
}

// Reactivate handles POST /v1/billing/reactivate
func (h *Handler) Reactivate(c *gin.Context) {
	res, err := h.service.Reactivate(c.Request.Context(), auth.GetUserID(c))
	h.writeResult(c, res, err)
}

// ScheduleDowngrade handles POST /v1/billing/downgrade
func (h *Handler) ScheduleDowngrade(c *gin.Context) {
	tier, ok := h.bindPlan(c, nil)
	if !ok {
		return
	}
	res, err := h.service.ScheduleDowngrade(c.Request.Context(), auth.GetUserID(c), tier)
	h.writeResult(c, res, err)
}

// CancelPendingDowngrade handles DELETE /v1/billing/downgrade
func (h *Handler) CancelPendingDowngrade(c *gin.Context) {
	res, err := h.service.CancelPendingDowngrade(c.Request.Context(), auth.GetUserID(c))
	h.writeResult(c, res, err)
}

// RunRollover handles POST /v1/admin/billing/rollover
func (h *Handler) RunRollover(c *gin.Context) {
	report, err := h.service.RunRollover(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "report": report})
}

func (h *Handler) bindPlan(c *gin.Context, req *planRequest) (plans.Tier, bool) {
	if req == nil {
		req = &planRequest{}
	}
	if err := c.ShouldBindJSON(req); err != nil {
		badRequest(c, "plan is required")
		return "", false
	}
	tier, err := plans.ParseTier(req.Plan)
	if err != nil {
		badRequest(c, "unknown plan "+req.Plan)
		return "", false
	}
	return tier, true
}

func caller(c *gin.Context) (userID, email string) {
	if p, ok := auth.GetPrincipal(c); ok {
		return p.UserID, p.Email
	}
	return auth.GetUserID(c), ""
}

func envelope(r *entitlement.Record, synced bool) gin.H {
	body := gin.H{
		"success":     true,
		"plan":        r.Tier,
		"entitlement": r,
	}
	if r.CurrentPeriodEnd != nil {
		body["current_period_end"] = r.CurrentPeriodEnd.UTC().Format(time.RFC3339)
	}
	if !synced {
		body["warning"] = "change accepted by the payment processor, local plan will update shortly"
	}
	return body
}

func (h *Handler) writeResult(c *gin.Context, res *Result, err error) {
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, envelope(res.Record, res.Synced))
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "code": "invalid_request", "error": msg})
}

type errorMapping struct {
	target error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{ErrSameTier, http.StatusBadRequest, "same_plan"},
	{ErrNotUpgrade, http.StatusBadRequest, "not_an_upgrade"},
	{ErrNotDowngrade, http.StatusBadRequest, "not_a_downgrade"},
	{ErrPaidTierRequired, http.StatusBadRequest, "paid_plan_required"},
	{plans.ErrUnknownTier, http.StatusBadRequest, "invalid_plan"},
	{ErrNotCircleOwner, http.StatusForbidden, "not_circle_owner"},
	{circles.ErrCircleNotFound, http.StatusNotFound, "circle_not_found"},
	{ErrNoSubscription, http.StatusConflict, "no_subscription"},
	{ErrAlreadySubscribed, http.StatusConflict, "already_subscribed"},
	{ErrAlreadyCancelling, http.StatusConflict, "already_cancelling"},
	{ErrNotCancelling, http.StatusConflict, "not_cancelling"},
	{ErrNoPendingDowngrade, http.StatusConflict, "no_pending_downgrade"},
	{ErrCancelPending, http.StatusConflict, "cancel_pending"},
	{ErrAdminManaged, http.StatusConflict, "admin_plan"},
	{entitlement.ErrConflict, http.StatusConflict, "retry"},
	{processor.ErrPaymentFailed, http.StatusPaymentRequired, "payment_failed"},
	{processor.ErrNotFound, http.StatusNotFound, "subscription_not_found"},
	{processor.ErrInvalidRequest, http.StatusBadRequest, "processor_rejected"},
	{processor.ErrUnavailable, http.StatusServiceUnavailable, "processor_unavailable"},
}

func (h *Handler) writeError(c *gin.Context, err error) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			c.JSON(m.status, gin.H{"success": false, "code": m.code, "error": m.target.Error()})
			return
		}
	}
	logging.L(c.Request.Context()).Error("billing request failed", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"success": false, "code": "internal_error", "error": "billing request failed"})
}
