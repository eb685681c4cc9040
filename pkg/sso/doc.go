// Package sso implements the single-use handoff token that carries a logged
// in user from one system to the other.
//
// # Flow
//
// System A issues a token for a user who holds a live session there:
//
//	res, err := exchange.Issue(ctx, userID, auth.SystemB)
//	// redirect the browser to res.RedirectURL
//
// System B redeems it, which opens (or reuses) a session on B and mints a
// credential:
//
//	res, err := exchange.Consume(ctx, rawToken, auth.SystemB, client)
//
// A token lives for five minutes and can be consumed once. Unknown,
// consumed, expired and wrongly targeted tokens are indistinguishable to the
// caller: all fail with auth.ErrTokenInvalidOrExpired. Peek reports a token's
// owner without consuming it or extending its life.
//
// # Storage
//
// Only the SHA-256 hash of a token is stored. Consumption is a single
// conditional UPDATE, so concurrent redemptions of the same token succeed at
// most once. Reap deletes expired tokens and consumed tokens older than the
// retention window.
//
// # HTTP Routes
//
//	POST /sso/token           issue (credential required)
//	POST /sso/consume         redeem (rate limited)
//	POST /sso/validate-token  peek (rate limited)
//	GET  /sso/session         which systems hold a live session
//	POST /sso/terminate       end one system's sessions
//	GET  /sso/sessions        list live sessions
//	POST /sso/cleanup         run a sweep (admin)
package sso
