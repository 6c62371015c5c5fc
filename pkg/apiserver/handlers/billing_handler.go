package handlers

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/finflow/finflow/pkg/workflow"
)

const maxBodyBytes = 1 << 20

type WorkflowService interface {
	Handle(ctx context.Context, caller workflow.Caller, req workflow.Request) (*workflow.Response, error)
}

type BillingHandler struct {
	workflow WorkflowService
	logger   *zap.Logger
}

func NewBillingHandler(service WorkflowService, logger *zap.Logger) *BillingHandler {
	return &BillingHandler{workflow: service, logger: logger}
}

// Invoke runs one billing action. The body's action field selects the stage.
func (h *BillingHandler) Invoke(c *gin.Context) {
	who, ok := caller(c)
	if !ok {
		return
	}

	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	req, err := workflow.DecodeRequest(raw)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	resp, err := h.workflow.Handle(c.Request.Context(), who, req)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
