package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	v1 "relay/shared/contracts/relay/v1"

	"github.com/coder/websocket"
)

const (
	wsSubprotocolV1 = "relay.v1"

	wsCloseGrace      = 1 * time.Second
	wsMaxPingFailures = 3
)

// WSGateway is the connection acceptor: the WebSocket entrypoint of the relay.
//
// It enforces origin policy and frame limits, runs one read loop, one writer and one
// heartbeat goroutine per connection, and feeds decoded envelopes to the Hub.
type WSGateway struct {
	log *slog.Logger
	hub *Hub
	cfg Config

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string
}

// NewWSGateway constructs a gateway in front of hub.
func NewWSGateway(log *slog.Logger, hub *Hub, cfg Config) *WSGateway {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.normalized()

	return &WSGateway{
		log:            log,
		hub:            hub,
		cfg:            cfg,
		originPatterns: deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins),
	}
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket connection and drives its session until Closed.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{wsSubprotocolV1},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	if g.cfg.RequireSubprotocol && conn.Subprotocol() != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", conn.Subprotocol(), "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(g.cfg.MaxFrameBytes)

	sess, err := g.hub.Open(r.RemoteAddr)
	if err != nil {
		g.log.Info("ws.reject.open", "err", err, "remote", r.RemoteAddr)
		_ = conn.Close(websocket.StatusTryAgainLater, "server unavailable")
		return
	}

	// The request context is not canceled for hijacked connections on server shutdown;
	// session closure (Hub.Shutdown) is what tears the connection down.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	term := &closeCause{code: websocket.StatusNormalClosure, reason: "bye"}
	var closeOnce sync.Once

	// shutdown is idempotent. The first recorded cause wins, so a terminal error decided by
	// the read loop is what the peer sees even when the writer performs the close.
	shutdown := func(code websocket.StatusCode, reason string) {
		term.set(code, reason)
		closeOnce.Do(func() {
			code, reason := term.get()
			g.hub.Close(ctx, sess, reason)
			// Close before cancel: a canceled read context makes the library drop the
			// connection without our status code.
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		g.writeLoop(ctx, conn, sess, shutdown)
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		g.heartbeatLoop(ctx, conn, sess, shutdown)
	}()

	code, reason := g.readLoop(ctx, conn, sess)

	// Close the session first so the writer flushes any queued error reply, then the socket.
	term.set(code, reason)
	g.hub.Close(ctx, sess, reason)

	select {
	case <-writerDone:
	case <-time.After(wsCloseGrace):
	}
	shutdown(code, reason)

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// closeCause records the first close code/reason decided for a connection.
type closeCause struct {
	mu      sync.Mutex
	decided bool
	code    websocket.StatusCode
	reason  string
}

func (c *closeCause) set(code websocket.StatusCode, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.decided {
		return
	}
	c.decided = true
	c.code = code
	c.reason = reason
}

func (c *closeCause) get() (websocket.StatusCode, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code, c.reason
}

// readLoop runs the session state machine until the session must close.
func (g *WSGateway) readLoop(ctx context.Context, conn *websocket.Conn, sess *Session) (websocket.StatusCode, string) {
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		idle := errors.Is(readCtx.Err(), context.DeadlineExceeded)
		readCancel()

		if err != nil {
			if idle {
				return websocket.StatusPolicyViolation, "idle timeout"
			}
			switch classifyReadErr(err) {
			case readErrClose:
				if websocket.CloseStatus(err) == websocket.StatusMessageTooBig {
					return websocket.StatusMessageTooBig, "frame too large"
				}
				return websocket.StatusNormalClosure, "peer closed"
			case readErrCtxDone:
				return websocket.StatusGoingAway, "session closed"
			case readErrConnClosed:
				return websocket.StatusAbnormalClosure, "conn closed"
			case readErrBadJSON:
				if herr := g.hub.HandleMalformed(ctx, sess, err); herr != nil {
					return websocket.StatusPolicyViolation, "protocol violation"
				}
				continue
			default:
				g.log.Info("ws.read.fail", "session_id", sess.ID, "err", err)
				return websocket.StatusAbnormalClosure, "read failed"
			}
		}

		if err := g.hub.Handle(ctx, sess, env); err != nil {
			g.log.Info("ws.session.terminate", "session_id", sess.ID, "err", err)
			return websocket.StatusPolicyViolation, closeReason(err)
		}
	}
}

// writeLoop drains the session queue. When the session closes, envelopes already queued
// (typically the error reply that caused the close) are flushed before the socket closes.
func (g *WSGateway) writeLoop(ctx context.Context, conn *websocket.Conn, sess *Session, shutdown func(websocket.StatusCode, string)) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-sess.Send:
			if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
				g.log.Info("ws.write.fail", "session_id", sess.ID, "close_status", websocket.CloseStatus(err), "err", err)
				shutdown(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		case <-sess.Done():
			g.flush(ctx, conn, sess)
			shutdown(websocket.StatusGoingAway, "session closed")
			return
		}
	}
}

// flush writes what is left in the queue within wsCloseGrace.
func (g *WSGateway) flush(parent context.Context, conn *websocket.Conn, sess *Session) {
	ctx, cancel := context.WithTimeout(parent, wsCloseGrace)
	defer cancel()

	for {
		select {
		case env := <-sess.Send:
			if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (g *WSGateway) heartbeatLoop(ctx context.Context, conn *websocket.Conn, sess *Session, shutdown func(websocket.StatusCode, string)) {
	t := time.NewTicker(g.cfg.HeartbeatInterval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.Done():
			return
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
			err := conn.Ping(hbCtx)
			hbCancel()

			if err != nil {
				failures++
				g.log.Info("ws.ping.fail", "session_id", sess.ID, "failures", failures, "err", err)
				if failures >= wsMaxPingFailures {
					shutdown(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0
		}
	}
}

func closeReason(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "registration rejected"
	case errors.Is(err, ErrProtocolViolation):
		return "protocol violation"
	case errors.Is(err, ErrBackpressure):
		return "backpressure"
	default:
		return "session closed"
	}
}

// ---- envelope IO ----

// errBadJSON marks frames that arrived intact but do not decode into an envelope.
var errBadJSON = errors.New("bad json")

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadJSON, err)
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if errors.Is(err, errBadJSON) {
		return readErrBadJSON
	}
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			return nil
		}
		if origin == a {
			return nil
		}
		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins keeps websocket.Accept's own origin check in
// agreement with enforceOrigin. A "*" entry maps to a match-all pattern.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		if strings.TrimSpace(a) == "*" {
			seen["*"] = struct{}{}
			continue
		}
		h := originHostOnly(a)
		if h == "" {
			continue
		}
		seen[h] = struct{}{}
		// Patterns match against host:port when the origin carries a port.
		seen[h+":*"] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
