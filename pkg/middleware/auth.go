package middleware

import (
	"net/http"
	"strings"

	"github.com/platinummonkey/sessionbridge/pkg/auth"
	"github.com/platinummonkey/sessionbridge/pkg/contextkeys"
	"github.com/platinummonkey/sessionbridge/pkg/httputil"
)

// CredentialVerifier checks a signed credential
type CredentialVerifier interface {
	Verify(signed string) (*auth.Claims, error)
}

// Authenticator verifies the bearer credential and puts the caller's
// AuthContext on the request
type Authenticator struct {
	verifier CredentialVerifier
}

// NewAuthenticator creates a new authentication middleware
func NewAuthenticator(verifier CredentialVerifier) *Authenticator {
	return &Authenticator{verifier: verifier}
}

// Handler rejects requests without a valid credential with 401
func (a *Authenticator) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Format: "Bearer <token>"
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			httputil.WriteDomainError(w, auth.ErrNotAuthenticated.WithMessage("missing authorization header"))
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
			httputil.WriteDomainError(w, auth.ErrNotAuthenticated.WithMessage("invalid authorization header format"))
			return
		}

		claims, err := a.verifier.Verify(strings.TrimSpace(parts[1]))
		if err != nil {
			httputil.WriteDomainError(w, err)
			return
		}

		authCtx := claims.AuthContext()
		ctx := contextkeys.WithAuth(r.Context(), authCtx)
		ctx = contextkeys.WithUserID(ctx, authCtx.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetAuthContext extracts auth context from request
func GetAuthContext(r *http.Request) *auth.AuthContext {
	authCtx, _ := contextkeys.GetAuth(r.Context()).(*auth.AuthContext)
	return authCtx
}

// RequireAdmin rejects callers without the admin role. It must run after
// Authenticator.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authCtx := GetAuthContext(r)
		if authCtx == nil {
			httputil.WriteDomainError(w, auth.ErrNotAuthenticated)
			return
		}
		if !authCtx.IsAdmin() {
			httputil.WriteDomainError(w, auth.ErrForbidden.WithMessage("admin role required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
