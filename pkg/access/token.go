package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for malformed, unsigned or foreign tokens
var ErrInvalidToken = errors.New("invalid token")

// Claims are the bearer token claims. The token only references a session;
// authorization always comes from the live session and current grants.
type Claims struct {
	SessionID string `json:"sid"`
	TenantID  string `json:"tid,omitempty"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies HS256 bearer tokens bound to sessions
type TokenIssuer struct {
	secret   []byte
	issuer   string
	sessions SessionStore
	now      func() time.Time
}

// NewTokenIssuer creates a token issuer. The secret must be non-empty.
func NewTokenIssuer(secret, issuer string, sessions SessionStore) (*TokenIssuer, error) {
	if secret == "" {
		return nil, fmt.Errorf("token secret is required")
	}
	return &TokenIssuer{secret: []byte(secret), issuer: issuer, sessions: sessions, now: time.Now}, nil
}

// Issue signs a token for session. The token expires with the session.
func (t *TokenIssuer) Issue(session *Session) (string, error) {
	if session == nil || session.ID == "" {
		return "", ErrUnauthenticated
	}
	claims := Claims{
		SessionID: session.ID,
		TenantID:  session.ActiveTenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   session.UserID,
			IssuedAt:  jwt.NewNumericDate(t.now()),
			ExpiresAt: jwt.NewNumericDate(session.ExpiresAt),
			ID:        session.ID,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Parse verifies the signature, algorithm, issuer and expiry of token
func (t *TokenIssuer) Parse(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(tok *jwt.Token) (any, error) {
		if tok.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return t.secret, nil
	}, jwt.WithIssuer(t.issuer), jwt.WithTimeFunc(t.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.SessionID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Authenticate resolves a bearer token to its live session. Revoked sessions
// fail even while the token itself is unexpired.
func (t *TokenIssuer) Authenticate(ctx context.Context, token string) (*Session, error) {
	claims, err := t.Parse(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	session, err := t.sessions.Get(ctx, claims.SessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if session.UserID != claims.Subject {
		return nil, ErrUnauthenticated
	}
	return session, nil
}
