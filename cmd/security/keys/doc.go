// Package keys owns the relay's symmetric server key.
//
// Exactly one key is generated per process lifetime (at startup) and shared by value with
// every registered session. There is no rotation and no persistence across restarts.
//
// Security notes:
// - The key is 32 bytes from crypto/rand, sized for XChaCha20-Poly1305.
// - ServerKey redacts itself when formatted so it cannot leak through structured logs.
package keys
