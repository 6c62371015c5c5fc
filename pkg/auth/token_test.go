package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	manager := NewTokenManager([]byte("secret"), time.Hour, "finflow")
	tenantID := uuid.New()
	partnerID := uuid.New()

	token, err := manager.Generate(Claims{
		TenantID:  tenantID.String(),
		UserID:    "user-1",
		PartnerID: partnerID.String(),
		Role:      RoleReviewer,
	})
	require.NoError(t, err)

	claims, err := manager.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "user-1", claims.Subject)

	got, err := claims.Tenant()
	require.NoError(t, err)
	assert.Equal(t, tenantID, got)

	partner, ok := claims.Partner()
	assert.True(t, ok)
	assert.Equal(t, partnerID, partner)
}

func TestValidateRejects(t *testing.T) {
	manager := NewTokenManager([]byte("secret"), time.Hour, "finflow")

	other, err := NewTokenManager([]byte("other"), time.Hour, "finflow").Generate(Claims{UserID: "u"})
	require.NoError(t, err)
	_, err = manager.Validate(other)
	assert.Error(t, err)

	expired, err := NewTokenManager([]byte("secret"), time.Hour, "finflow").Generate(Claims{UserID: "u"})
	require.NoError(t, err)
	parsed, _, err := jwt.NewParser().ParseUnverified(expired, &Claims{})
	require.NoError(t, err)
	claims := parsed.Claims.(*Claims)
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	stale, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = manager.Validate(stale)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)

	foreign, err := NewTokenManager([]byte("secret"), time.Hour, "someone-else").Generate(Claims{UserID: "u"})
	require.NoError(t, err)
	_, err = manager.Validate(foreign)
	assert.Error(t, err)

	_, err = manager.Validate("not-a-token")
	assert.Error(t, err)
}

func TestClaimsWithoutTenant(t *testing.T) {
	claims := &Claims{UserID: "u"}
	_, err := claims.Tenant()
	assert.ErrorIs(t, err, ErrNoTenant)

	claims.TenantID = "garbage"
	_, err = claims.Tenant()
	assert.ErrorIs(t, err, ErrNoTenant)

	_, ok := claims.Partner()
	assert.False(t, ok)
}
