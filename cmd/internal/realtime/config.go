package realtime

import (
	"time"

	"relay/cmd/internal/envcfg"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 8

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute

	// Clients such as CLI tools send no Origin header, so it is optional by default.
	// A browser Origin that is present must still match the allowlist.
	wsDefaultOriginRequired = false
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// Config holds the relay's realtime knobs.
type Config struct {
	// Transport.
	DevInsecure        bool
	OriginRequired     bool
	AllowedOrigins     []string
	RequireSubprotocol bool
	WriteTimeout       time.Duration
	ReadIdleTimeout    time.Duration
	SendQueueSize      int
	HeartbeatInterval  time.Duration
	HeartbeatTimeout   time.Duration
	MaxFrameBytes      int64

	// Session gate.
	RateEvents       int
	RateWindow       time.Duration
	MaxUsernameChars int
	MaxMessageChars  int
	MaxTokenBytes    int
	TokenTTL         time.Duration

	// Router policy: deliver a sender's own message back to it.
	EchoToSender bool
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		OriginRequired:    wsDefaultOriginRequired,
		AllowedOrigins:    envcfg.SplitCSV(wsDefaultAllowedOrigins),
		WriteTimeout:      wsDefaultWriteTimeout,
		ReadIdleTimeout:   wsDefaultReadIdle,
		SendQueueSize:     wsDefaultSendQueueSize,
		HeartbeatInterval: heartbeatInterval,
		HeartbeatTimeout:  heartbeatTimeout,
		MaxFrameBytes:     maxFrameBytes,

		RateEvents:       rateLimitEvents,
		RateWindow:       rateLimitWindow,
		MaxUsernameChars: maxUsernameChars,
		MaxMessageChars:  maxMessageChars,
		MaxTokenBytes:    maxTokenBytes,

		EchoToSender: true,
	}
}

// LoadConfigFromEnv overlays RELAY_* environment variables on DefaultConfig.
// Ignored values are dropped silently; use LoadConfig to collect them.
func LoadConfigFromEnv() Config {
	return LoadConfig(envcfg.New(envcfg.Prefix))
}

// LoadConfig overlays the variables resolved by env on DefaultConfig.
func LoadConfig(env *envcfg.Reader) Config {
	d := DefaultConfig()

	cfg := Config{
		// NOTE: DevInsecure disables websocket.Accept origin verification. Dev only.
		DevInsecure:        env.Bool("WS_DEV_INSECURE", false),
		OriginRequired:     env.Bool("WS_ORIGIN_REQUIRED", d.OriginRequired),
		AllowedOrigins:     env.List("WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins),
		RequireSubprotocol: env.Bool("WS_REQUIRE_SUBPROTOCOL", false),
		WriteTimeout:       env.Duration("WS_WRITE_TIMEOUT", d.WriteTimeout),
		ReadIdleTimeout:    env.Duration("WS_READ_IDLE_TIMEOUT", d.ReadIdleTimeout),
		SendQueueSize:      env.Int("WS_SEND_QUEUE", d.SendQueueSize),
		HeartbeatInterval:  env.Duration("WS_HEARTBEAT_INTERVAL", d.HeartbeatInterval),
		HeartbeatTimeout:   env.Duration("WS_HEARTBEAT_TIMEOUT", d.HeartbeatTimeout),
		MaxFrameBytes:      int64(env.Int("WS_MAX_FRAME_BYTES", int(d.MaxFrameBytes))),

		RateEvents:       env.Int("RATE_EVENTS", d.RateEvents),
		RateWindow:       env.Duration("RATE_WINDOW", d.RateWindow),
		MaxUsernameChars: env.Int("MAX_USERNAME_CHARS", d.MaxUsernameChars),
		MaxMessageChars:  env.Int("MAX_MESSAGE_CHARS", d.MaxMessageChars),
		MaxTokenBytes:    env.Int("MAX_TOKEN_BYTES", d.MaxTokenBytes),
		TokenTTL:         env.OptionalDuration("TOKEN_TTL", 0),

		EchoToSender: env.Bool("ECHO_TO_SENDER", d.EchoToSender),
	}
	return cfg.normalized()
}

// normalized replaces invalid values with defaults.
func (c Config) normalized() Config {
	d := DefaultConfig()

	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = d.ReadIdleTimeout
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = d.MaxFrameBytes
	}
	if c.RateEvents <= 0 {
		c.RateEvents = d.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	if c.MaxUsernameChars <= 0 {
		c.MaxUsernameChars = d.MaxUsernameChars
	}
	if c.MaxMessageChars <= 0 {
		c.MaxMessageChars = d.MaxMessageChars
	}
	if c.MaxTokenBytes <= 0 {
		c.MaxTokenBytes = d.MaxTokenBytes
	}
	return c
}
