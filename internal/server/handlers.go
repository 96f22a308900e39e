package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/avolkov/kassaflow/internal/invoiceid"
	"github.com/avolkov/kassaflow/internal/ledger"
	"github.com/avolkov/kassaflow/internal/orders"
)

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.health.Run(c.Request.Context())
	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"healthy": healthy, "checks": statuses})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true})
}

func (s *Server) createOrderHandler(c *gin.Context) {
	var req orders.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	order, err := s.orders.Create(c.Request.Context(), req)
	switch {
	case errors.Is(err, orders.ErrMissingTask),
		errors.Is(err, orders.ErrMissingAmount),
		errors.Is(err, orders.ErrBadDate):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case errors.Is(err, ledger.ErrAlreadyExists):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case err != nil:
		s.logger.Error("order creation failed", "task_id", req.TaskID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "order creation failed"})
		return
	}
	c.JSON(http.StatusCreated, order)
}

// listOrdersHandler returns the per-organization summaries kept in the
// organization index, not the full records.
func (s *Server) listOrdersHandler(c *gin.Context) {
	org := c.Query("organizationId")
	if org == "" {
		orgs, err := s.ledger.ListOrganizations(c.Request.Context())
		if err != nil {
			s.logger.Error("organization listing failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "listing failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"organizations": orgs})
		return
	}

	summaries, err := s.ledger.ListByOrganization(c.Request.Context(), org)
	if err != nil {
		s.logger.Error("order listing failed", "organization", org, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "listing failed"})
		return
	}
	if summaries == nil {
		summaries = []ledger.OrderSummary{}
	}
	c.JSON(http.StatusOK, gin.H{"organizationId": org, "orders": summaries})
}

func (s *Server) getOrderHandler(c *gin.Context) {
	order, err := s.ledger.GetByTaskID(c.Request.Context(), c.Param("taskId"))
	if errors.Is(err, ledger.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
		return
	}
	if err != nil {
		s.logger.Error("order lookup failed", "task_id", c.Param("taskId"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	c.JSON(http.StatusOK, order)
}

// fiscalCallback is the receipt-signed notification pushed by the
// fiscal gateway. It is an alternative path to the same attach-URL
// ledger operation the repair worker performs by polling.
type fiscalCallback struct {
	InvoiceID string `json:"invoiceId"`
	ReceiptID string `json:"receiptId"`
	URL       string `json:"url"`
}

func (s *Server) fiscalCallbackHandler(c *gin.Context) {
	var cb fiscalCallback
	if err := c.ShouldBindJSON(&cb); err != nil || cb.InvoiceID == "" || cb.URL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invoiceId and url are required"})
		return
	}

	orderID, kind, err := invoiceid.Parse(cb.InvoiceID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unrecognized invoice id"})
		return
	}

	var patch ledger.ReceiptPatch
	switch kind {
	case invoiceid.KindPrepay:
		patch = ledger.ReceiptPatch{PrepayReceiptID: cb.ReceiptID, PrepayReceiptURL: cb.URL}
	default: // offset and full settle the same receipt slot
		patch = ledger.ReceiptPatch{FullReceiptID: cb.ReceiptID, FullReceiptURL: cb.URL}
	}

	order, err := s.ledger.AttachReceipts(c.Request.Context(), orderID, patch)
	if errors.Is(err, ledger.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
		return
	}
	if err != nil {
		s.logger.Error("callback attach failed",
			"invoice_id", cb.InvoiceID, "order_id", orderID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "attach failed"})
		return
	}

	s.logger.Info("receipt url attached via callback",
		"invoice_id", cb.InvoiceID, "order_id", orderID)
	c.JSON(http.StatusOK, gin.H{"orderId": order.OrderID})
}
