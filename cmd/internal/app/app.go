// Package app wires the relay runtime: config, logging, HTTP routes, the realtime hub and
// its optional collaborators (metrics registry, Postgres audit trail).
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"relay/cmd/internal/audit"
	"relay/cmd/internal/realtime"
	"relay/cmd/security/keys"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

// App is the relay server runtime: it owns the server key, the hub and the HTTP server wiring.
type App struct {
	cfg Config
	log Logger

	hub *realtime.Hub
	ws  *realtime.WSGateway

	metrics *prometheus.Registry
	audit   *audit.Queue
	dbPool  *pgxpool.Pool
}

// New constructs a fully wired App. The server key is generated here; failure is fatal.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	key, err := keys.Generate()
	if err != nil {
		return nil, fmt.Errorf("server key: %w", err)
	}

	a := &App{cfg: cfg, log: log}
	var opts []realtime.HubOption

	if cfg.MetricsEnabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		a.metrics = reg
		opts = append(opts, realtime.WithMetrics(realtime.NewMetrics(reg)))
	}

	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.audit_off")
	} else {
		pool, rec, err := newAuditStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
		log.Info("db.enabled.audit_postgres", "schema", cfg.AuditSchema)

		a.dbPool = pool
		a.audit = audit.NewQueue(log, rec, cfg.AuditQueueSize)
		opts = append(opts, realtime.WithAudit(a.audit))
	}

	a.hub = realtime.NewHub(log, cfg.Realtime, key, opts...)
	a.ws = realtime.NewWSGateway(log, a.hub, cfg.Realtime)

	log.Info("relay.configured",
		"echo_to_sender", a.hub.Router().EchoToSender(),
		"rate_events", cfg.Realtime.RateEvents,
		"rate_window", cfg.Realtime.RateWindow.String(),
		"send_queue", cfg.Realtime.SendQueueSize,
		"metrics", cfg.MetricsEnabled,
	)
	return a, nil
}

func newAuditStore(ctx context.Context, cfg Config) (*pgxpool.Pool, *audit.PostgresRecorder, error) {
	pool, err := newDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	rec, err := audit.NewPostgresRecorder(pool, audit.WithSchema(cfg.AuditSchema))
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	if err := rec.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("audit schema: %w", err)
	}
	return pool, rec, nil
}

// Handler returns the root HTTP handler (routes wrapped in request logging).
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.hub, a.ws, a.metrics)
	return WithRequestLogging(WithSecurityHeaders(mux), a.log)
}

// Hub exposes the realtime hub.
func (a *App) Hub() *realtime.Hub { return a.hub }

// Run starts the HTTP server and blocks until ctx is canceled or the server fails.
//
// Shutdown order: refuse and close every session (so peers see a close frame), drain the
// HTTP server, then let the audit queue flush the resulting close events.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	ln, err := net.Listen("tcp", a.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.HTTPAddr, err)
	}

	base := runtimeBaseURL(ln.Addr().String())
	a.log.Info("server.start",
		"addr", ln.Addr().String(),
		"ws_url", wsBaseURL(base)+"/ws",
		"db_enabled", a.dbPool != nil,
	)

	auditCtx, stopAudit := context.WithCancel(context.Background())
	defer stopAudit()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})

	if a.audit != nil {
		g.Go(func() error { return a.audit.Run(auditCtx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		a.hub.Shutdown("server shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
		defer cancel()

		err := srv.Shutdown(shutdownCtx)
		if err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
		}
		stopAudit()
		return err
	})

	err = g.Wait()

	if a.audit != nil {
		if n := a.audit.Dropped(); n > 0 {
			a.log.Warn("audit.dropped", "events", n)
		}
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}

	a.log.Info("server.stopped")
	return err
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + strings.TrimSpace(addr)
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
