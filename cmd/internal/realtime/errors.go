package realtime

import (
	"errors"

	"relay/cmd/security/token"
	v1 "relay/shared/contracts/relay/v1"
)

// Public, stable errors for callers.
var (
	// ErrProtocolViolation: an envelope kind that is not valid for the session's state. Closes the session.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrValidation: empty/oversized username or payload. Closes the session only during registration.
	ErrValidation = errors.New("validation failed")
	// ErrRateLimited: the session's window is exhausted. The message is dropped, the session stays open.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrBackpressure: the session's own send queue cannot take a handshake reply.
	ErrBackpressure = errors.New("send queue full")
	// ErrSessionClosed: the session already reached its terminal state.
	ErrSessionClosed = errors.New("session closed")
	// ErrShuttingDown: the hub no longer accepts sessions.
	ErrShuttingDown = errors.New("hub shutting down")
)

// errorCode maps an error to the code carried by error envelopes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrProtocolViolation):
		return v1.CodeProtocolViolation
	case errors.Is(err, ErrValidation):
		return v1.CodeValidation
	case errors.Is(err, token.ErrAuthentication):
		return v1.CodeAuthentication
	case errors.Is(err, ErrRateLimited):
		return v1.CodeRateLimited
	default:
		return v1.CodeInternal
	}
}
