package token

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"time"

	"relay/cmd/security/keys"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	formatVersion byte = 0x01

	headerSize = 1 + 8
	nonceSize  = chacha20poly1305.NonceSizeX
	overhead   = headerSize + nonceSize + chacha20poly1305.Overhead

	// Tolerated clock skew for tokens stamped in the future.
	maxClockSkew = 60 * time.Second
)

var enc = base64.URLEncoding.Strict()

// Encode seals plaintext under key and returns the token as URL-safe base64 text.
func Encode(key keys.ServerKey, plaintext []byte) ([]byte, error) {
	return encodeAt(key, plaintext, time.Now())
}

func encodeAt(key keys.ServerKey, plaintext []byte, now time.Time) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	raw := make([]byte, headerSize+nonceSize, overhead+len(plaintext))
	raw[0] = formatVersion
	binary.BigEndian.PutUint64(raw[1:headerSize], uint64(now.Unix()))

	nonce := raw[headerSize : headerSize+nonceSize]
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("token: nonce: %w", err)
	}

	raw = aead.Seal(raw, nonce, plaintext, raw[:headerSize])

	out := make([]byte, enc.EncodedLen(len(raw)))
	enc.Encode(out, raw)
	return out, nil
}

// Decode verifies and opens a token produced by Encode under the same key.
// Expiry is not enforced; see DecodeWithTTL.
func Decode(key keys.ServerKey, tok []byte) ([]byte, error) {
	pt, _, err := open(key, tok)
	return pt, err
}

// DecodeWithTTL is Decode plus an age bound. ttl <= 0 disables the bound.
func DecodeWithTTL(key keys.ServerKey, tok []byte, ttl time.Duration, now time.Time) ([]byte, error) {
	pt, issued, err := open(key, tok)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		return pt, nil
	}
	if now.Sub(issued) > ttl || issued.Sub(now) > maxClockSkew {
		return nil, ErrExpired
	}
	return pt, nil
}

// IssuedAt returns the authenticated issue time of a token.
func IssuedAt(key keys.ServerKey, tok []byte) (time.Time, error) {
	_, issued, err := open(key, tok)
	return issued, err
}

func open(key keys.ServerKey, tok []byte) ([]byte, time.Time, error) {
	// The decoder skips CR/LF; refuse them so every byte of the token is significant.
	if len(tok) == 0 || bytes.ContainsAny(tok, "\r\n") {
		return nil, time.Time{}, fmt.Errorf("%w: malformed", ErrAuthentication)
	}

	raw := make([]byte, enc.DecodedLen(len(tok)))
	n, err := enc.Decode(raw, tok)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: malformed", ErrAuthentication)
	}
	raw = raw[:n]

	if len(raw) < overhead {
		return nil, time.Time{}, fmt.Errorf("%w: truncated", ErrAuthentication)
	}
	if raw[0] != formatVersion {
		return nil, time.Time{}, fmt.Errorf("%w: unsupported version 0x%02x", ErrAuthentication, raw[0])
	}

	aead, err := newAEAD(key)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: %w", ErrAuthentication, err)
	}

	header := raw[:headerSize]
	nonce := raw[headerSize : headerSize+nonceSize]
	pt, err := aead.Open(nil, nonce, raw[headerSize+nonceSize:], header)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: mac mismatch", ErrAuthentication)
	}

	issued := time.Unix(int64(binary.BigEndian.Uint64(raw[1:headerSize])), 0).UTC()
	if pt == nil {
		pt = []byte{}
	}
	return pt, issued, nil
}

func newAEAD(key keys.ServerKey) (cipher.AEAD, error) {
	if key.IsZero() {
		return nil, fmt.Errorf("token: %w: zero key", keys.ErrInvalidKey)
	}
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("token: aead: %w", err)
	}
	return aead, nil
}
