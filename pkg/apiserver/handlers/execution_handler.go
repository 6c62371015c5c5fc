package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/finflow/finflow/pkg/model"
	"github.com/finflow/finflow/pkg/store"
)

type ExecutionLogReader interface {
	List(ctx context.Context, query store.ExecutionLogQuery) ([]model.ExecutionLog, error)
}

type ExecutionHandler struct {
	logs   ExecutionLogReader
	logger *zap.Logger
}

func NewExecutionHandler(logs ExecutionLogReader, logger *zap.Logger) *ExecutionHandler {
	return &ExecutionHandler{logs: logs, logger: logger}
}

type executionResponse struct {
	ID        string      `json:"id"`
	AgentID   string      `json:"agent_id"`
	Action    string      `json:"action"`
	Input     model.JSONB `json:"input,omitempty"`
	Output    model.JSONB `json:"output,omitempty"`
	Status    string      `json:"status"`
	ElapsedMS int64       `json:"elapsed_ms"`
	CreatedAt string      `json:"created_at"`
}

func (h *ExecutionHandler) List(c *gin.Context) {
	who, ok := caller(c)
	if !ok {
		return
	}

	query := store.ExecutionLogQuery{
		TenantID: who.TenantID,
		AgentID:  strings.TrimSpace(c.Query("agent_id")),
		Action:   strings.TrimSpace(c.Query("action")),
		Status:   model.ExecutionStatus(strings.TrimSpace(c.Query("status"))),
		Limit:    parseLimit(c.Query("limit"), 100),
	}

	var err error
	if query.StartTime, err = parseTimeParam(c.Query("start_time")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid start_time"})
		return
	}
	if query.EndTime, err = parseTimeParam(c.Query("end_time")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid end_time"})
		return
	}

	logs, err := h.logs.List(c.Request.Context(), query)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	response := make([]executionResponse, 0, len(logs))
	for _, entry := range logs {
		response = append(response, executionResponse{
			ID:        entry.ID.String(),
			AgentID:   entry.AgentID,
			Action:    entry.Action,
			Input:     entry.Input,
			Output:    entry.Output,
			Status:    string(entry.Status),
			ElapsedMS: entry.ElapsedMS,
			CreatedAt: entry.CreatedAt.UTC().Format(timeRFC3339Nano),
		})
	}
	c.JSON(http.StatusOK, gin.H{"items": response, "limit": query.Limit})
}

func parseTimeParam(value string) (*time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}
