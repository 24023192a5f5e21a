package token

import "errors"

// Public, stable errors for callers.
var (
	// ErrAuthentication is returned for every token that cannot be proven authentic:
	// malformed encoding, unknown version, truncation, MAC failure or a different key.
	ErrAuthentication = errors.New("token authentication failed")

	// ErrExpired is returned by DecodeWithTTL for tokens older than the allowed age.
	// It also matches ErrAuthentication via errors.Is.
	ErrExpired = &expiredError{}
)

type expiredError struct{}

func (*expiredError) Error() string { return "token expired" }

func (*expiredError) Is(target error) bool { return target == ErrAuthentication }
