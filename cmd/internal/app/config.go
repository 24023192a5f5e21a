package app

import (
	"time"

	"relay/cmd/internal/envcfg"
	"relay/cmd/internal/realtime"
)

// Config contains all runtime configuration loaded from environment variables.
// Realtime holds the origin policy, limits and rate window.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	// No Read/WriteTimeout: their deadlines persist on hijacked WebSocket connections.
	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	ShutdownTimeout   time.Duration

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	AuditSchema    string
	AuditQueueSize int

	MetricsEnabled bool

	Realtime realtime.Config
}

// LoadConfig resolves Config through env. Realtime knobs are read from the same Reader so
// every ignored value ends up in one place.
func LoadConfig(env *envcfg.Reader) Config {
	return Config{
		HTTPAddr:  env.String("HTTP_ADDR", "127.0.0.1:8765"),
		LogLevel:  env.String("LOG_LEVEL", "info"),
		LogFormat: env.String("LOG_FORMAT", "json"),

		ReadHeaderTimeout: env.Duration("HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		IdleTimeout:       env.Duration("HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    env.Int("HTTP_MAX_HEADER_BYTES", 1<<20),
		ShutdownTimeout:   env.Duration("SHUTDOWN_TIMEOUT", 10*time.Second),

		DatabaseURL: env.String("DATABASE_URL", ""),
		DBMaxConns:  env.Int32("DB_MAX_CONNS", 4),
		DBMinConns:  env.Int32("DB_MIN_CONNS", 0),

		ReadinessRequireDB: env.Bool("READINESS_REQUIRE_DB", false),

		AuditSchema:    env.String("AUDIT_SCHEMA", "relay"),
		AuditQueueSize: env.Int("AUDIT_QUEUE", 1024),

		MetricsEnabled: env.Bool("METRICS_ENABLED", true),

		Realtime: realtime.LoadConfig(env),
	}
}
