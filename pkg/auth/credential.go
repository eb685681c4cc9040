package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const credentialIssuer = "sessionbridge"

// Claims is the payload of a signed credential
type Claims struct {
	UserID        int64             `json:"uid"`
	Email         string            `json:"email"`
	Role          Role              `json:"role"`
	SessionTokens map[System]string `json:"sessions,omitempty"`
	jwt.RegisteredClaims
}

// CredentialIssuer signs and verifies HS256 credentials
type CredentialIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewCredentialIssuer creates a new credential issuer
func NewCredentialIssuer(secret []byte, ttl time.Duration) *CredentialIssuer {
	return &CredentialIssuer{secret: secret, ttl: ttl, now: time.Now}
}

// WithClock overrides the time source, for tests
func (ci *CredentialIssuer) WithClock(now func() time.Time) *CredentialIssuer {
	ci.now = now
	return ci
}

// Issue signs a credential for user that embeds the given session tokens
func (ci *CredentialIssuer) Issue(user *User, sessionTokens map[System]string) (string, time.Time, error) {
	now := ci.now()
	expiresAt := now.Add(ci.ttl)
	claims := Claims{
		UserID:        user.ID,
		Email:         user.Email,
		Role:          user.Role,
		SessionTokens: sessionTokens,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    credentialIssuer,
			Subject:   strconv.FormatInt(user.ID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ci.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign credential: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify parses a credential and returns its claims. Every failure maps to
// ErrNotAuthenticated.
func (ci *CredentialIssuer) Verify(signed string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(signed, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return ci.secret, nil
	},
		jwt.WithIssuer(credentialIssuer),
		jwt.WithTimeFunc(ci.now),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrNotAuthenticated.WithMessage("credential expired")
		}
		return nil, ErrNotAuthenticated.WithMessage("invalid credential")
	}
	if !token.Valid || claims.UserID == 0 {
		return nil, ErrNotAuthenticated.WithMessage("invalid credential")
	}
	return claims, nil
}

// AuthContext converts verified claims into a request auth context
func (c *Claims) AuthContext() *AuthContext {
	ac := &AuthContext{
		UserID:        c.UserID,
		Email:         c.Email,
		Role:          c.Role,
		SessionTokens: c.SessionTokens,
	}
	if c.ExpiresAt != nil {
		ac.ExpiresAt = c.ExpiresAt.Time
	}
	return ac
}
