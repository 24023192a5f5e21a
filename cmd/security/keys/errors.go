package keys

import "errors"

// Public, stable errors for callers.
var (
	ErrKeyGeneration = errors.New("server key generation failed")
	ErrInvalidKey    = errors.New("invalid server key")
)
