// Package auth validates caller credentials. The substrate does not own
// identity: tokens are minted by the surrounding platform and verified
// here. The JWT implementation covers deployments without an external
// verifier; anything else can plug in through the Authenticator interface.
package auth

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"mycel/internal/types"
)

// Principal is the authenticated caller.
type Principal struct {
	TenantID  string
	Subject   string
	Scopes    []string
	Clearance types.Sensitivity
}

// HasScope reports whether the principal carries a scope.
func (p *Principal) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Scopes understood by the API surface.
const (
	ScopeBroadcast = "broadcast"
	ScopeCollect   = "collect"
	ScopeMemory    = "memory"
	ScopeAdmin     = "admin"
)

// Authenticator verifies a bearer token.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Principal, error)
}

// Claims is the JWT payload the verifier expects.
type Claims struct {
	TenantID  string   `json:"tenant_id"`
	Scopes    []string `json:"scopes,omitempty"`
	Clearance string   `json:"clearance,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuthenticator verifies HMAC-signed tokens.
type JWTAuthenticator struct {
	secret []byte
	now    func() time.Time
}

// NewJWTAuthenticator builds a verifier over a shared HMAC secret. now
// may be nil.
func NewJWTAuthenticator(secret []byte, now func() time.Time) *JWTAuthenticator {
	if now == nil {
		now = time.Now
	}
	return &JWTAuthenticator{secret: secret, now: now}
}

// Authenticate implements Authenticator. Every failure maps to
// unauthenticated; the API must not leak which check failed.
func (a *JWTAuthenticator) Authenticate(_ context.Context, token string) (*Principal, error) {
	if token == "" {
		return nil, types.E(types.CodeUnauthenticated, "missing bearer token")
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, types.E(types.CodeUnauthenticated, "unexpected signing method %s", t.Method.Alg())
			}
			return a.secret, nil
		},
		jwt.WithTimeFunc(a.now),
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
	)
	if err != nil || !parsed.Valid {
		return nil, types.Wrap(types.CodeUnauthenticated, err, "invalid token")
	}
	if claims.TenantID == "" {
		return nil, types.E(types.CodeUnauthenticated, "token carries no tenant")
	}

	clearance := types.Sensitivity(claims.Clearance)
	if claims.Clearance == "" {
		clearance = types.SensitivityInternal
	}
	if !clearance.Valid() {
		return nil, types.E(types.CodeUnauthenticated, "token carries unknown clearance %q", claims.Clearance)
	}

	return &Principal{
		TenantID:  claims.TenantID,
		Subject:   claims.Subject,
		Scopes:    claims.Scopes,
		Clearance: clearance,
	}, nil
}

// Mint issues a token for a principal. Used by provisioning tooling and
// tests; the serving path only verifies.
func (a *JWTAuthenticator) Mint(p *Principal, ttl time.Duration) (string, error) {
	now := a.now()
	claims := &Claims{
		TenantID:  p.TenantID,
		Scopes:    p.Scopes,
		Clearance: string(p.Clearance),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}
