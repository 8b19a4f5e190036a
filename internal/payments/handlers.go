package payments

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/settlegate/internal/addresses"
	"github.com/mbd888/settlegate/internal/escrow"
	"github.com/mbd888/settlegate/internal/syncutil"
)

// Handler provides HTTP endpoints for merchant payments.
type Handler struct {
	service *Service
}

// NewHandler creates a new payments handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up payment routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payments", h.CreatePayment)
	r.GET("/payments/:id", h.GetPayment)
}

// CreatePayment handles POST /v1/payments
func (h *Handler) CreatePayment(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "Invalid request body",
		})
		return
	}
	p, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"payment": p})
}

// GetPayment handles GET /v1/payments/:id
func (h *Handler) GetPayment(c *gin.Context) {
	p, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p})
}

// ErrorStatus maps a payment error to its HTTP status and stable code.
func ErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, ErrPaymentNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrStateConflict), errors.Is(err, ErrAlreadyPaid):
		return http.StatusConflict, "state_conflict"
	case errors.Is(err, syncutil.ErrLockTimeout):
		return http.StatusServiceUnavailable, "lock_timeout"
	case errors.Is(err, addresses.ErrDerivation):
		return http.StatusServiceUnavailable, "address_unavailable"
	}
	return escrow.ErrorStatus(err)
}

func writeError(c *gin.Context, err error) {
	status, code := ErrorStatus(err)
	msg := err.Error()
	switch status {
	case http.StatusNotFound:
		msg = "Payment not found"
	case http.StatusInternalServerError:
		msg = "Internal error"
	}
	c.JSON(status, gin.H{"error": code, "message": msg})
}
