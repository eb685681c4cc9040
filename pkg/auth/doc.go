// Package auth defines the identity primitives shared by both systems of the
// session bridge.
//
// # Overview
//
// Two independently deployed applications, System A and System B, share one
// relational store. A user who signs in to either system receives a signed
// credential plus one durable session per system. This package holds the
// pieces every other package agrees on:
//
//   - System identifiers and parsing
//   - The User aggregate, including its protected cross-system fields
//   - The public profile returned to clients
//   - The domain error taxonomy and its HTTP mapping
//   - Random secret generation for session and SSO tokens
//   - The HS256 credential (JWT) carrying session tokens and minimal claims
//   - The password verifier collaborator
//
// # Credentials
//
//	issuer := auth.NewCredentialIssuer(secret, 24*time.Hour)
//	signed, expiresAt, err := issuer.Issue(user, map[auth.System]string{
//		auth.SystemA: sessionA.SessionToken,
//	})
//	claims, err := issuer.Verify(signed)
//
// Credentials are never the revocation mechanism. A credential that still
// verifies is rejected by the session validation middleware once its session
// has been terminated or swept.
//
// # Errors
//
// Domain failures are *Error values with a stable Code. Use errors.Is against
// the package sentinels:
//
//	if errors.Is(err, auth.ErrTokenInvalidOrExpired) { ... }
package auth
