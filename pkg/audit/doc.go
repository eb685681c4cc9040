// Package audit records security-relevant bridge events: logins, logouts,
// SSO token issue and consumption, session termination, sweeps, and
// protected-field repairs made by the field guard.
//
// # Usage Example
//
//	logger, err := audit.NewDBLogger(db)
//	event := audit.NewEvent(ctx, audit.EventTypeSSOTokenConsume, audit.EventStatusSuccess)
//	event.UserID = &userID
//	event.System = "B"
//	logger.Log(ctx, event)
//
// A Logger must be safe for concurrent use. NoOpLogger discards everything
// and is the default when no audit database is configured.
package audit
