package rescue

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hearthly/hearth/internal/auth"
	"github.com/hearthly/hearth/internal/circles"
	"github.com/hearthly/hearth/internal/logging"
	"github.com/hearthly/hearth/internal/processor"
)

// Handler provides HTTP endpoints for rescue offers.
type Handler struct {
	service *Service
}

// NewHandler creates a rescue handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up rescue routes that require auth.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/rescue/offers", h.ListOffers)
	r.POST("/rescue/offers/:id/claim", h.Claim)
}

// ListOffers handles GET /v1/rescue/offers
func (h *Handler) ListOffers(c *gin.Context) {
	offers, err := h.service.ListForMember(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if offers == nil {
		offers = []*Offer{}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "offers": offers})
}

// Claim handles POST /v1/rescue/offers/:id/claim
func (h *Handler) Claim(c *gin.Context) {
	var email string
	userID := auth.GetUserID(c)
	if p, ok := auth.GetPrincipal(c); ok {
		email = p.Email
	}
	res, err := h.service.Claim(c.Request.Context(), c.Param("id"), userID, email)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "offer": res.Offer, "checkoutUrl": res.CheckoutURL})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	var (
		status int
		code   string
	)
	switch {
	case errors.Is(err, ErrOfferNotFound):
		status, code = http.StatusNotFound, "offer_not_found"
	case errors.Is(err, ErrOfferUnavailable):
		status, code = http.StatusConflict, "offer_unavailable"
	case errors.Is(err, ErrNotEligible):
		status, code = http.StatusForbidden, "not_eligible"
	case errors.Is(err, ErrCircleLimit):
		status, code = http.StatusConflict, "circle_limit"
	case errors.Is(err, circles.ErrOwnerChanged), errors.Is(err, circles.ErrNotMember):
		status, code = http.StatusConflict, "offer_unavailable"
	case errors.Is(err, processor.ErrUnavailable):
		status, code = http.StatusServiceUnavailable, "processor_unavailable"
	default:
		logging.L(c.Request.Context()).Error("rescue request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "code": "internal_error", "error": "rescue request failed"})
		return
	}
	c.JSON(status, gin.H{"success": false, "code": code, "error": err.Error()})
}
