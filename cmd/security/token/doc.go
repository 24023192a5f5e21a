// Package token provides the relay's authenticated-encryption message codec.
//
// A token is self-describing: it carries its own version, issue time, nonce and MAC, so
// callers never do nonce bookkeeping. The codec is pure and stateless and is used
// identically by clients and the server.
//
// Format (before URL-safe base64):
//
//	version (1 byte, 0x01) | issued_at (8 bytes, big-endian unix seconds) | nonce (24 bytes) | ciphertext||tag
//
// The AEAD is XChaCha20-Poly1305. Version and issue time are bound as associated data, so
// any modification of any byte makes Decode fail with ErrAuthentication.
package token
