// Package contextkeys provides centralized context key definitions
//
// All context keys used across the bridge are defined here so that the
// middleware that sets a value and the handlers that read it agree on one
// name and one type.
//
// USAGE PATTERN:
//
//	import "github.com/platinummonkey/sessionbridge/pkg/contextkeys"
//	ctx = contextkeys.WithAuth(ctx, authCtx)
//	authCtx, _ := contextkeys.GetAuth(ctx).(*auth.AuthContext)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// AuthKey contains *auth.AuthContext
	// Set by: middleware.Authenticator (pkg/middleware/auth.go)
	// Required by: every credential-protected /sso and /auth route
	AuthKey Key = "auth_context"

	// SessionKey contains *sessions.Session
	// Set by: middleware.SessionValidator (pkg/middleware/session.go)
	// Required by: handlers that act on the caller's live session
	SessionKey Key = "session"

	// RequestIDKey contains request ID string (UUID)
	// Set by: httputil.RequestIDMiddleware
	// Used by: Logger, audit trail
	RequestIDKey Key = "request_id"

	// UserIDKey contains the authenticated user ID (int64)
	// Set by: middleware.Authenticator
	// Used by: Logger, rate limiting keys
	UserIDKey Key = "user_id"

	// ClientIPKey contains the resolved client address (string)
	// Set by: httputil.TrustedProxies
	// Used by: httputil.ClientIP, rate limiting keys, audit trail
	ClientIPKey Key = "client_ip"

	// LoggerKey contains *observability.Logger
	// Set by: httputil.LoggingMiddleware
	// Used by: Handlers that need structured logging with request context
	LoggerKey Key = "logger"
)

// WithAuth adds authentication context to the context
func WithAuth(ctx context.Context, authCtx interface{}) context.Context {
	return context.WithValue(ctx, AuthKey, authCtx)
}

// GetAuth retrieves the authentication context, or nil
func GetAuth(ctx context.Context) interface{} {
	return ctx.Value(AuthKey)
}

// WithSession adds the caller's validated session to the context
func WithSession(ctx context.Context, session interface{}) context.Context {
	return context.WithValue(ctx, SessionKey, session)
}

// GetSession retrieves the validated session, or nil
func GetSession(ctx context.Context) interface{} {
	return ctx.Value(SessionKey)
}

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// WithUserID adds user ID to the context
func WithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// GetUserID retrieves user ID from context, or 0
func GetUserID(ctx context.Context) int64 {
	if userID, ok := ctx.Value(UserIDKey).(int64); ok {
		return userID
	}
	return 0
}

// WithLogger adds logger to the context
func WithLogger(ctx context.Context, logger interface{}) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// GetLogger retrieves the request logger, or nil
func GetLogger(ctx context.Context) interface{} {
	return ctx.Value(LoggerKey)
}

// WithClientIP adds the resolved client address to the context
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ClientIPKey, ip)
}

// GetClientIP retrieves the resolved client address, or ""
func GetClientIP(ctx context.Context) string {
	if ip, ok := ctx.Value(ClientIPKey).(string); ok {
		return ip
	}
	return ""
}
