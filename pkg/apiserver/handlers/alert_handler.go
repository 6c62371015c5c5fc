package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/finflow/finflow/pkg/model"
	"github.com/finflow/finflow/pkg/monitor"
)

type AlertStore interface {
	ListAlerts(ctx context.Context, partnerID uuid.UUID, resolved *bool, limit, offset int) ([]model.Alert, int64, error)
	ResolveAlert(ctx context.Context, partnerID, id uuid.UUID) (*model.Alert, error)
	ListRules(ctx context.Context, partnerID uuid.UUID) ([]model.AlertRule, error)
	ReplaceRules(ctx context.Context, partnerID uuid.UUID, rules []model.AlertRule) ([]model.AlertRule, error)
}

type MonitorRunner interface {
	RunAll(ctx context.Context) ([]*monitor.RunReport, error)
}

type AlertHandler struct {
	alerts  AlertStore
	monitor MonitorRunner
	logger  *zap.Logger
}

func NewAlertHandler(alerts AlertStore, runner MonitorRunner, logger *zap.Logger) *AlertHandler {
	return &AlertHandler{alerts: alerts, monitor: runner, logger: logger}
}

type alertResponse struct {
	ID         string      `json:"id"`
	ClientID   string      `json:"client_id"`
	RuleType   string      `json:"rule_type"`
	Severity   string      `json:"severity"`
	Message    string      `json:"message"`
	Metadata   model.JSONB `json:"metadata,omitempty"`
	Resolved   bool        `json:"resolved"`
	ResolvedAt *string     `json:"resolved_at,omitempty"`
	CreatedAt  string      `json:"created_at"`
}

type ruleRequest struct {
	RuleType              string  `json:"rule_type" binding:"required"`
	ThresholdValue        float64 `json:"threshold_value"`
	AlertSeverity         string  `json:"alert_severity"`
	CustomMessageTemplate *string `json:"custom_message_template"`
	Active                *bool   `json:"active"`
}

type ruleResponse struct {
	ID                    string  `json:"id"`
	RuleType              string  `json:"rule_type"`
	ThresholdValue        float64 `json:"threshold_value"`
	AlertSeverity         string  `json:"alert_severity"`
	CustomMessageTemplate *string `json:"custom_message_template,omitempty"`
	Active                bool    `json:"active"`
}

func (h *AlertHandler) ListAlerts(c *gin.Context) {
	partnerID, ok := partner(c)
	if !ok {
		return
	}

	var resolved *bool
	if raw := c.Query("resolved"); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid resolved filter"})
			return
		}
		resolved = &value
	}
	limit := parseLimit(c.Query("limit"), 50)
	offset := parseOffset(c.Query("offset"))

	alerts, total, err := h.alerts.ListAlerts(c.Request.Context(), partnerID, resolved, limit, offset)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	response := make([]alertResponse, 0, len(alerts))
	for i := range alerts {
		response = append(response, mapAlert(&alerts[i]))
	}
	c.JSON(http.StatusOK, gin.H{
		"items":  response,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (h *AlertHandler) ResolveAlert(c *gin.Context) {
	partnerID, ok := partner(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	alert, err := h.alerts.ResolveAlert(c.Request.Context(), partnerID, id)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, mapAlert(alert))
}

func (h *AlertHandler) ListRules(c *gin.Context) {
	partnerID, ok := partner(c)
	if !ok {
		return
	}
	rules, err := h.alerts.ListRules(c.Request.Context(), partnerID)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": mapRules(rules)})
}

// ReplaceRules swaps the partner's whole ruleset for the request body.
func (h *AlertHandler) ReplaceRules(c *gin.Context) {
	partnerID, ok := partner(c)
	if !ok {
		return
	}
	var req []ruleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}

	rules := make([]model.AlertRule, 0, len(req))
	for i, r := range req {
		ruleType := model.RuleType(r.RuleType)
		if !ruleType.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown rule_type", "index": i})
			return
		}
		severity := model.Severity(r.AlertSeverity)
		if severity == "" {
			severity = model.SeverityWarning
		}
		if !severity.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown alert_severity", "index": i})
			return
		}
		active := true
		if r.Active != nil {
			active = *r.Active
		}
		rules = append(rules, model.AlertRule{
			PartnerID:             partnerID,
			RuleType:              ruleType,
			ThresholdValue:        r.ThresholdValue,
			AlertSeverity:         severity,
			CustomMessageTemplate: r.CustomMessageTemplate,
			Active:                active,
		})
	}

	saved, err := h.alerts.ReplaceRules(c.Request.Context(), partnerID, rules)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": mapRules(saved)})
}

func (h *AlertHandler) RunMonitor(c *gin.Context) {
	if _, ok := partner(c); !ok {
		return
	}
	reports, err := h.monitor.RunAll(c.Request.Context())
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": reports})
}

func mapAlert(alert *model.Alert) alertResponse {
	return alertResponse{
		ID:         alert.ID.String(),
		ClientID:   alert.ClientID.String(),
		RuleType:   string(alert.RuleType),
		Severity:   string(alert.Severity),
		Message:    alert.Message,
		Metadata:   alert.Metadata,
		Resolved:   alert.Resolved,
		ResolvedAt: formatTime(alert.ResolvedAt),
		CreatedAt:  alert.CreatedAt.UTC().Format(timeRFC3339Nano),
	}
}

func mapRules(rules []model.AlertRule) []ruleResponse {
	out := make([]ruleResponse, 0, len(rules))
	for _, r := range rules {
		out = append(out, ruleResponse{
			ID:                    r.ID.String(),
			RuleType:              string(r.RuleType),
			ThresholdValue:        r.ThresholdValue,
			AlertSeverity:         string(r.AlertSeverity),
			CustomMessageTemplate: r.CustomMessageTemplate,
			Active:                r.Active,
		})
	}
	return out
}
