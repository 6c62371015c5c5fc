package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/finflow/finflow/pkg/issuance"
	"github.com/finflow/finflow/pkg/workflow"
)

type InvoiceService interface {
	Substitute(ctx context.Context, in issuance.SubstituteInput) (*issuance.Result, error)
	SyncStatus(ctx context.Context, tenantID, transactionID uuid.UUID) (*issuance.Result, error)
}

type InvoiceHandler struct {
	workflow WorkflowService
	invoices InvoiceService
	logger   *zap.Logger
}

func NewInvoiceHandler(service WorkflowService, invoices InvoiceService, logger *zap.Logger) *InvoiceHandler {
	return &InvoiceHandler{workflow: service, invoices: invoices, logger: logger}
}

type substituteRequest struct {
	Reason      string           `json:"reason" binding:"required"`
	Amount      *decimal.Decimal `json:"amount"`
	Description *string          `json:"description"`
}

// Issue issues the invoice of an existing transaction through the workflow,
// so the call is logged and gated like any other execution.
func (h *InvoiceHandler) Issue(c *gin.Context) {
	who, ok := caller(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	resp, err := h.workflow.Handle(c.Request.Context(), who, &workflow.ExecuteRequest{TransactionID: id.String()})
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *InvoiceHandler) Substitute(c *gin.Context) {
	who, ok := caller(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req substituteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}

	result, err := h.invoices.Substitute(c.Request.Context(), issuance.SubstituteInput{
		TenantID:      who.TenantID,
		TransactionID: id,
		Reason:        req.Reason,
		Amount:        req.Amount,
		Description:   req.Description,
	})
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *InvoiceHandler) Sync(c *gin.Context) {
	who, ok := caller(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	result, err := h.invoices.SyncStatus(c.Request.Context(), who.TenantID, id)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
