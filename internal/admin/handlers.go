package admin

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/settlegate/internal/chain"
	"github.com/mbd888/settlegate/internal/escrow"
	"github.com/mbd888/settlegate/internal/eventlog"
	"github.com/mbd888/settlegate/internal/logging"
	"github.com/mbd888/settlegate/internal/pagination"
	"github.com/mbd888/settlegate/internal/payments"
	"github.com/mbd888/settlegate/internal/validation"
)

// Handler provides admin HTTP endpoints.
type Handler struct {
	escrows    EscrowService
	payments   PaymentService
	reconciler ReconciliationRunner
	history    ReconciliationHistory
	monitors   MonitorStatus
	now        func() time.Time
}

// NewHandler creates a new admin handler.
func NewHandler(escrows EscrowService, pays PaymentService) *Handler {
	return &Handler{
		escrows:  escrows,
		payments: pays,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithReconciler enables POST /admin/reconcile.
func (h *Handler) WithReconciler(r ReconciliationRunner) *Handler {
	h.reconciler = r
	return h
}

// WithReconcileHistory enables GET /admin/reconcile.
func (h *Handler) WithReconcileHistory(r ReconciliationHistory) *Handler {
	h.history = r
	return h
}

// WithMonitors enables GET /admin/monitors.
func (h *Handler) WithMonitors(m MonitorStatus) *Handler {
	h.monitors = m
	return h
}

// RegisterRoutes sets up admin routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	esc := r.Group("/admin/escrows", validation.IDParamMiddleware("esc_"))
	esc.POST("/expire", h.expireEscrows)
	esc.GET("/:id/events", h.escrowEvents)
	esc.POST("/:id/retry-fee", h.retryEscrowFee)
	esc.POST("/:id/retry-settlement", h.retrySettlement)

	pay := r.Group("/admin/payments", validation.IDParamMiddleware("pay_"))
	pay.POST("/expire", h.expirePayments)
	pay.GET("/failed", h.listFailedForwards)
	pay.POST("/:id/retry-forward", h.retryForward)
	pay.POST("/:id/retry-fee", h.retryPaymentFee)

	r.GET("/admin/events", h.eventFeed)
	r.POST("/admin/reconcile", h.triggerReconciliation)
	r.GET("/admin/reconcile", h.lastReconciliation)
	r.GET("/admin/monitors", h.listMonitors)
}

func (h *Handler) expireEscrows(c *gin.Context) {
	n, err := h.escrows.ExpireStale(c.Request.Context(), h.now())
	if err != nil {
		escrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"expiredCount": n})
}

func (h *Handler) escrowEvents(c *gin.Context) {
	events, err := h.escrows.Events(c.Request.Context(), c.Param("id"))
	if err != nil {
		escrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// eventFeed serves GET /admin/events?after=<id>&limit=<n>. next is the
// cursor for the following page.
func (h *Handler) eventFeed(c *gin.Context) {
	var after int64
	if v := c.Query("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_after", "message": "after must be a non-negative event id"})
			return
		}
		after = n
	}
	limit, err := pagination.ParseLimit(c.Query("limit"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit", "message": err.Error()})
		return
	}

	events, err := h.escrows.EventFeed(c.Request.Context(), after, limit)
	if err != nil {
		escrowError(c, err)
		return
	}
	next := after
	if len(events) > 0 {
		next = events[len(events)-1].ID
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events), "next": next})
}

func (h *Handler) retryEscrowFee(c *gin.Context) {
	id := c.Param("id")
	e, err := h.escrows.RetryFeeForward(c.Request.Context(), id, eventlog.ActorOperator)
	if err != nil {
		escrowError(c, err)
		return
	}
	logging.L(c.Request.Context()).Info("operator retried fee leg", "escrowId", id, "feeTxHash", e.FeeTxHash)
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

func (h *Handler) retrySettlement(c *gin.Context) {
	id := c.Param("id")
	e, err := h.escrows.RetrySettlement(c.Request.Context(), id)
	if err != nil {
		escrowError(c, err)
		return
	}
	logging.L(c.Request.Context()).Info("operator retried settlement", "escrowId", id, "txHash", e.SettlementTxHash)
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

func (h *Handler) expirePayments(c *gin.Context) {
	n, err := h.payments.ExpireStale(c.Request.Context(), h.now())
	if err != nil {
		paymentError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"expiredCount": n})
}

// listFailedForwards returns paid payments whose merchant forward failed.
func (h *Handler) listFailedForwards(c *gin.Context) {
	id, err := chain.ParseID(c.Query("chain"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "chain query parameter is required"})
		return
	}

	limit, err := pagination.ParseLimit(c.Query("limit"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		return
	}
	limit = pagination.ClampLimit(limit, 100, 1000)

	list, err := h.payments.ForwardFailed(c.Request.Context(), id, limit)
	if err != nil {
		paymentError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payments": list, "count": len(list)})
}

func (h *Handler) retryForward(c *gin.Context) {
	id := c.Param("id")
	p, err := h.payments.RetryForward(c.Request.Context(), id)
	if err != nil {
		paymentError(c, err)
		return
	}
	logging.L(c.Request.Context()).Info("operator retried payment forward", "paymentId", id, "txHash", p.ForwardTxHash)
	c.JSON(http.StatusOK, gin.H{"payment": p})
}

func (h *Handler) retryPaymentFee(c *gin.Context) {
	p, err := h.payments.RetryFeeForward(c.Request.Context(), c.Param("id"))
	if err != nil {
		paymentError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p})
}

// triggerReconciliation runs an on-demand reconciliation.
func (h *Handler) triggerReconciliation(c *gin.Context) {
	if h.reconciler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "not_configured", "message": "reconciliation not configured"})
		return
	}

	report, err := h.reconciler.Run(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconciliation_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report, "healthy": report.Match()})
}

func (h *Handler) lastReconciliation(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "not_configured", "message": "reconciliation not configured"})
		return
	}
	report, err := h.history.Last()
	if report == nil && err == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no scheduled pass has completed yet"})
		return
	}
	resp := gin.H{"report": report}
	if report != nil {
		resp["healthy"] = report.Match()
	}
	if err != nil {
		resp["lastError"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) listMonitors(c *gin.Context) {
	if h.monitors == nil {
		c.JSON(http.StatusOK, gin.H{"monitors": []any{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"monitors": h.monitors.Statuses()})
}

func escrowError(c *gin.Context, err error) {
	status, code := escrow.ErrorStatus(err)
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

func paymentError(c *gin.Context, err error) {
	status, code := payments.ErrorStatus(err)
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
