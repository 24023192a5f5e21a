package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit, closes the connection).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max decoded chat text length (runes).
	maxMessageChars = 4096

	// Max encoded token length (bytes). Generous bound over the ciphertext expansion.
	maxTokenBytes = 8 * maxMessageChars

	// Max display name length (runes).
	maxUsernameChars = 32
)

const (
	// Heartbeat defaults (keep-alive pings).
	heartbeatInterval = 20 * time.Second
	heartbeatTimeout  = 10 * time.Second

	// Per-session rate limits (chat messages per fixed window).
	rateLimitEvents = 10
	rateLimitWindow = 2 * time.Second
)
