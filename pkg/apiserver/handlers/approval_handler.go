package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/finflow/finflow/pkg/approval"
	"github.com/finflow/finflow/pkg/model"
)

type ApprovalService interface {
	ListPending(ctx context.Context, tenantID uuid.UUID) ([]model.ApprovalItem, error)
	Get(ctx context.Context, tenantID, id uuid.UUID) (*model.ApprovalItem, error)
	Decide(ctx context.Context, in approval.DecideInput) (*model.ApprovalItem, error)
}

type ApprovalHandler struct {
	approvals ApprovalService
	logger    *zap.Logger
}

func NewApprovalHandler(approvals ApprovalService, logger *zap.Logger) *ApprovalHandler {
	return &ApprovalHandler{approvals: approvals, logger: logger}
}

type decisionRequest struct {
	Outcome string `json:"outcome" binding:"required"`
	Notes   string `json:"notes"`
}

type approvalResponse struct {
	ID          string      `json:"id"`
	AgentID     string      `json:"agent_id"`
	ActionType  string      `json:"action_type"`
	Priority    int         `json:"priority"`
	Payload     model.JSONB `json:"payload"`
	RequestedBy string      `json:"requested_by"`
	Status      string      `json:"status"`
	ReviewedBy  *string     `json:"reviewed_by,omitempty"`
	ReviewedAt  *string     `json:"reviewed_at,omitempty"`
	ReviewNotes *string     `json:"review_notes,omitempty"`
	CreatedAt   string      `json:"created_at"`
}

func (h *ApprovalHandler) List(c *gin.Context) {
	who, ok := caller(c)
	if !ok {
		return
	}
	items, err := h.approvals.ListPending(c.Request.Context(), who.TenantID)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	response := make([]approvalResponse, 0, len(items))
	for i := range items {
		response = append(response, mapApproval(&items[i]))
	}
	c.JSON(http.StatusOK, gin.H{"items": response, "total": len(response)})
}

func (h *ApprovalHandler) Get(c *gin.Context) {
	who, ok := caller(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	item, err := h.approvals.Get(c.Request.Context(), who.TenantID, id)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, mapApproval(item))
}

func (h *ApprovalHandler) Decide(c *gin.Context) {
	who, ok := caller(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req decisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}

	item, err := h.approvals.Decide(c.Request.Context(), approval.DecideInput{
		ID:       id,
		TenantID: who.TenantID,
		Outcome:  approval.Outcome(req.Outcome),
		Reviewer: who.UserID,
		Notes:    req.Notes,
	})
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, mapApproval(item))
}

func mapApproval(item *model.ApprovalItem) approvalResponse {
	return approvalResponse{
		ID:          item.ID.String(),
		AgentID:     item.AgentID,
		ActionType:  item.ActionType,
		Priority:    item.Priority,
		Payload:     item.Payload,
		RequestedBy: item.RequestedBy,
		Status:      string(item.Status),
		ReviewedBy:  item.ReviewedBy,
		ReviewedAt:  formatTime(item.ReviewedAt),
		ReviewNotes: item.ReviewNotes,
		CreatedAt:   item.CreatedAt.UTC().Format(timeRFC3339Nano),
	}
}
