package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrNoTenant     = errors.New("token carries no tenant")
)

const (
	RoleMember   = "member"
	RoleReviewer = "reviewer"
	RolePartner  = "partner"
)

// Claims identify the caller of the API: the tenant it acts for, the user,
// and the advisory partner when the caller belongs to one.
type Claims struct {
	jwt.RegisteredClaims
	TenantID  string `json:"tenant_id,omitempty"`
	UserID    string `json:"user_id"`
	PartnerID string `json:"partner_id,omitempty"`
	Role      string `json:"role,omitempty"`
}

// Tenant returns the tenant id, or ErrNoTenant when the token has none.
func (c *Claims) Tenant() (uuid.UUID, error) {
	if c.TenantID == "" {
		return uuid.Nil, ErrNoTenant
	}
	id, err := uuid.Parse(c.TenantID)
	if err != nil {
		return uuid.Nil, ErrNoTenant
	}
	return id, nil
}

func (c *Claims) Partner() (uuid.UUID, bool) {
	if c.PartnerID == "" {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(c.PartnerID)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

type TokenManager struct {
	signingKey []byte
	ttl        time.Duration
	issuer     string
}

func NewTokenManager(signingKey []byte, ttl time.Duration, issuer string) *TokenManager {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if issuer == "" {
		issuer = "finflow"
	}
	return &TokenManager{signingKey: signingKey, ttl: ttl, issuer: issuer}
}

// Generate signs a token for the caller. Token issuance belongs to the
// identity service; this is used by tooling and tests.
func (m *TokenManager) Generate(claims Claims) (string, error) {
	now := time.Now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
		Subject:   claims.UserID,
		Issuer:    m.issuer,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.signingKey)
}

func (m *TokenManager) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return m.signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(m.issuer))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
