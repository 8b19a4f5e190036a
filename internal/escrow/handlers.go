package escrow

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/settlegate/internal/addresses"
	"github.com/mbd888/settlegate/internal/chain"
	"github.com/mbd888/settlegate/internal/forwarder"
	"github.com/mbd888/settlegate/internal/pagination"
	"github.com/mbd888/settlegate/internal/syncutil"
	"github.com/mbd888/settlegate/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up escrow routes. Arbiter identity is read from the
// authAddr context key set by the authentication layer.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.GET("/escrows", h.ListEscrows)
	r.GET("/escrows/:id", h.GetEscrow)
	r.GET("/escrows/:id/events", h.ListEvents)
	r.POST("/escrows/:id/release", h.ReleaseEscrow)
	r.POST("/escrows/:id/refund", h.RefundEscrow)
	r.POST("/escrows/:id/dispute", h.DisputeEscrow)
	r.POST("/escrows/:id/resolve", h.ResolveDispute)
	r.PUT("/escrows/:id/metadata", h.UpdateMetadata)
}

type tokenRequest struct {
	Token string `json:"token"`
}

type disputeRequest struct {
	Token  string `json:"token"`
	Reason string `json:"reason"`
}

type resolveRequest struct {
	Resolution Resolution `json:"resolution" binding:"required"`
	Note       string     `json:"note"`
}

type metadataRequest struct {
	Token    string          `json:"token"`
	Metadata json.RawMessage `json:"metadata"`
}

// CreateEscrow handles POST /v1/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "Invalid request body",
		})
		return
	}

	result, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	escrow, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// ListEscrows handles GET /v1/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	f := Filter{
		Status:      Status(c.Query("status")),
		Depositor:   c.Query("depositor"),
		Beneficiary: c.Query("beneficiary"),
		BusinessID:  c.Query("business"),
		Chain:       chain.ID(c.Query("chain")),
	}
	limit, err := pagination.ParseLimit(c.Query("limit"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
		return
	}
	f.Limit = limit
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
		return
	}
	f.Cursor = cursor

	page, err := h.service.List(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// ListEvents handles GET /v1/escrows/:id/events
func (h *Handler) ListEvents(c *gin.Context) {
	events, err := h.service.Events(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// ReleaseEscrow handles POST /v1/escrows/:id/release
func (h *Handler) ReleaseEscrow(c *gin.Context) {
	var req tokenRequest
	if !bindOptional(c, &req) {
		return
	}
	escrow, err := h.service.Release(c.Request.Context(), c.Param("id"), caller(c, req.Token))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// RefundEscrow handles POST /v1/escrows/:id/refund
func (h *Handler) RefundEscrow(c *gin.Context) {
	var req tokenRequest
	if !bindOptional(c, &req) {
		return
	}
	escrow, err := h.service.Refund(c.Request.Context(), c.Param("id"), caller(c, req.Token))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// DisputeEscrow handles POST /v1/escrows/:id/dispute
func (h *Handler) DisputeEscrow(c *gin.Context) {
	var req disputeRequest
	if !bindOptional(c, &req) {
		return
	}
	reason := validation.SanitizeString(req.Reason, validation.MaxStringLength)
	escrow, err := h.service.Dispute(c.Request.Context(), c.Param("id"), caller(c, req.Token), reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// ResolveDispute handles POST /v1/escrows/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "resolution is required",
		})
		return
	}
	note := validation.SanitizeString(req.Note, validation.MaxStringLength)
	escrow, err := h.service.Resolve(c.Request.Context(), c.Param("id"), caller(c, ""), req.Resolution, note)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// UpdateMetadata handles PUT /v1/escrows/:id/metadata
func (h *Handler) UpdateMetadata(c *gin.Context) {
	var req metadataRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "Invalid request body",
		})
		return
	}
	escrow, err := h.service.UpdateMetadata(c.Request.Context(), c.Param("id"), caller(c, req.Token), req.Metadata)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

func caller(c *gin.Context, token string) Caller {
	return Caller{Token: token, AuthAddr: c.GetString("authAddr"), Operator: c.GetBool("operator")}
}

// bindOptional decodes a JSON body if one was sent.
func bindOptional(c *gin.Context, dst any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "Invalid request body",
		})
		return false
	}
	return true
}

// ErrorStatus maps an engine error to its HTTP status and stable code.
func ErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, ErrUnauthorized):
		return http.StatusForbidden, "unauthorized"
	case errors.Is(err, ErrEscrowNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrAlreadyFunded):
		return http.StatusConflict, "already_funded"
	case errors.Is(err, ErrStateConflict), errors.Is(err, ErrInsufficientConfirmations):
		return http.StatusConflict, "state_conflict"
	case errors.Is(err, ErrInsufficientFunds):
		return http.StatusUnprocessableEntity, "insufficient_funds"
	case errors.Is(err, syncutil.ErrLockTimeout):
		return http.StatusServiceUnavailable, "lock_timeout"
	case errors.Is(err, addresses.ErrDerivation):
		return http.StatusServiceUnavailable, "address_unavailable"
	case errors.Is(err, forwarder.ErrBroadcastFailure), errors.Is(err, chain.ErrRejected):
		return http.StatusBadGateway, "broadcast_failed"
	case errors.Is(err, chain.ErrUnavailable):
		return http.StatusBadGateway, "chain_unavailable"
	}
	return http.StatusInternalServerError, "internal_error"
}

func writeError(c *gin.Context, err error) {
	status, code := ErrorStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "Internal error"
	}
	c.JSON(status, gin.H{
		"error":   code,
		"message": msg,
	})
}
