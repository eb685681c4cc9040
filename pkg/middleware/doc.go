// Package middleware provides HTTP middleware for authentication, session
// validation, and rate limiting.
//
// # Middleware Components
//
// Authenticator: bearer credential verification
//
//	authn := middleware.NewAuthenticator(issuer)
//	router.Handle("/sso/session", authn.Handler(h))
//	// Adds the caller's *auth.AuthContext to the request
//
// SessionValidator: a live local session is required on top of a valid
// credential, so terminating sessions revokes access immediately
//
//	v := middleware.NewSessionValidator(sessionStore, auth.SystemA, time.Minute, logger, metrics)
//	router.Handle("/auth/me", authn.Handler(v.Require(h)))
//
// RateLimit: per client IP, per route
//
//	limiter := middleware.NewLocalRateLimiter(nil)
//	// or, shared between deployments:
//	limiter := middleware.NewDistributedRateLimiter(redisClient, nil, "")
//	router.Handle("/sso/consume", middleware.RateLimit(limiter, "consume", nil, logger, metrics)(h))
//
// # Ordering
//
// Authenticator must run before SessionValidator and RequireAdmin; both
// read the AuthContext it stores.
//
// # Related Packages
//
//   - pkg/auth: credentials and domain errors
//   - pkg/sessions: session storage
package middleware
