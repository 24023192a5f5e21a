package keys

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// Size is the server key length in bytes.
const Size = chacha20poly1305.KeySize

// ServerKey is the opaque symmetric key. It is an array so it copies by value.
type ServerKey [Size]byte

// Generate returns a new random ServerKey. Failure is fatal to process start.
func Generate() (ServerKey, error) {
	return generateFrom(rand.Reader)
}

func generateFrom(r io.Reader) (ServerKey, error) {
	var k ServerKey
	if _, err := io.ReadFull(r, k[:]); err != nil {
		return ServerKey{}, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	return k, nil
}

// Encode returns the transportable form carried in encryption_key envelopes (URL-safe base64).
func (k ServerKey) Encode() string {
	return base64.URLEncoding.EncodeToString(k[:])
}

// IsZero reports whether k was never initialized.
func (k ServerKey) IsZero() bool {
	return k == ServerKey{}
}

// String redacts the key.
func (k ServerKey) String() string { return "ServerKey(redacted)" }

// GoString redacts the key for %#v.
func (k ServerKey) GoString() string { return k.String() }

// Parse decodes a key produced by Encode. Both padded and unpadded URL-safe base64 are accepted.
func Parse(s string) (ServerKey, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ServerKey{}, fmt.Errorf("%w: empty", ErrInvalidKey)
	}

	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		raw, err = base64.RawURLEncoding.DecodeString(s)
		if err != nil {
			return ServerKey{}, fmt.Errorf("%w: bad base64", ErrInvalidKey)
		}
	}
	if len(raw) != Size {
		return ServerKey{}, fmt.Errorf("%w: got %d bytes want %d", ErrInvalidKey, len(raw), Size)
	}

	var k ServerKey
	copy(k[:], raw)
	return k, nil
}
