package app

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// WithRequestLogging logs one line per request once the handler returns.
//
// Plain requests log "http.request" with the response size. A request whose connection was
// hijacked by the WebSocket gateway returns only when the session ends, so it logs
// "http.upgrade" with the session lifetime instead; bytes after the hijack are not seen here.
func WithRequestLogging(next http.Handler, log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		elapsed := time.Since(start).Milliseconds()
		level, result := requestLogMeta(rec.status)
		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"result", result,
			"remote", r.RemoteAddr,
		}

		if rec.hijacked {
			log.Log(context.Background(), level, "http.upgrade", append(attrs, "lifetime_ms", elapsed)...)
			return
		}
		attrs = append(attrs, "duration_ms", elapsed, "bytes", rec.bytes, "user_agent", r.UserAgent())
		log.Log(context.Background(), level, "http.request", attrs...)
	})
}

// requestLogMeta picks the log level and a coarse result label for a response status.
func requestLogMeta(status int) (slog.Level, string) {
	switch {
	case status >= 500:
		return slog.LevelError, "server_error"
	case status >= 400:
		return slog.LevelWarn, "client_error"
	case status >= 300:
		return slog.LevelInfo, "redirect"
	case status == http.StatusSwitchingProtocols:
		return slog.LevelInfo, "upgrade"
	default:
		return slog.LevelInfo, "success"
	}
}

// statusRecorder captures status and size. It keeps Hijacker and Flusher reachable, which
// websocket.Accept needs; Unwrap serves http.ResponseController.
type statusRecorder struct {
	http.ResponseWriter
	status   int
	bytes    int64
	hijacked bool
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(p []byte) (int, error) {
	n, err := w.ResponseWriter.Write(p)
	w.bytes += int64(n)
	return n, err
}

func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer cannot be hijacked")
	}
	conn, rw, err := hj.Hijack()
	if err == nil {
		w.hijacked = true
	}
	return conn, rw, err
}

func (w *statusRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusRecorder) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// WithSecurityHeaders sets conservative response headers on every route.
func WithSecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
