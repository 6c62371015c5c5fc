package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/finflow/finflow/pkg/apiserver/middleware"
	"github.com/finflow/finflow/pkg/approval"
	"github.com/finflow/finflow/pkg/auth"
	"github.com/finflow/finflow/pkg/issuance"
	"github.com/finflow/finflow/pkg/workflow"
)

const timeRFC3339Nano = time.RFC3339Nano

func parseLimit(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	if parsed > 200 {
		return 200
	}
	return parsed
}

func parseOffset(value string) int {
	if value == "" {
		return 0
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return 0
	}
	return parsed
}

func formatTime(value *time.Time) *string {
	if value == nil {
		return nil
	}
	formatted := value.UTC().Format(timeRFC3339Nano)
	return &formatted
}

// caller resolves the authenticated tenant caller. It writes the error
// response itself and returns false when the request cannot proceed.
func caller(c *gin.Context) (workflow.Caller, bool) {
	claims, ok := middleware.Claims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
		return workflow.Caller{}, false
	}
	tenantID, err := claims.Tenant()
	if err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": workflow.ErrNoTenant.Error()})
		return workflow.Caller{}, false
	}
	out := workflow.Caller{TenantID: tenantID, UserID: claims.UserID}
	if partnerID, ok := claims.Partner(); ok {
		out.PartnerID = &partnerID
	}
	return out, true
}

// partner resolves the advisory partner scope of the caller.
func partner(c *gin.Context) (uuid.UUID, bool) {
	claims, ok := middleware.Claims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
		return uuid.Nil, false
	}
	partnerID, ok := claims.Partner()
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "caller is not an advisory partner"})
		return uuid.Nil, false
	}
	return partnerID, true
}

func pathID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return uuid.Nil, false
	}
	return id, true
}

// writeError maps domain errors to HTTP responses. Unknown errors are logged
// and answered with a generic message.
func writeError(c *gin.Context, logger *zap.Logger, err error) {
	status, message := http.StatusInternalServerError, "internal error"
	switch {
	case errors.Is(err, workflow.ErrValidation),
		errors.Is(err, issuance.ErrInvalidReason),
		errors.Is(err, approval.ErrInvalidDecision),
		errors.Is(err, approval.ErrInvalidItem):
		status, message = http.StatusBadRequest, err.Error()
	case errors.Is(err, workflow.ErrNoTenant), errors.Is(err, auth.ErrNoTenant):
		status, message = http.StatusForbidden, workflow.ErrNoTenant.Error()
	case errors.Is(err, gorm.ErrRecordNotFound):
		status, message = http.StatusNotFound, "not found"
	case errors.Is(err, approval.ErrAlreadyDecided),
		errors.Is(err, issuance.ErrAlreadyIssued),
		errors.Is(err, issuance.ErrNotSubstitutable),
		errors.Is(err, issuance.ErrNotIssuable),
		errors.Is(err, issuance.ErrIssuanceInProgress),
		errors.Is(err, workflow.ErrNotApproved):
		status, message = http.StatusConflict, err.Error()
	case errors.Is(err, issuance.ErrSubstitutionUnsupported):
		status, message = http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, issuance.ErrProviderFailure):
		status, message = http.StatusBadGateway, issuance.ErrProviderFailure.Error()
	}

	if status >= http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
	c.JSON(status, gin.H{"error": message})
}
