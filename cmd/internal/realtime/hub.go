package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"relay/cmd/internal/audit"
	"relay/cmd/internal/ids"
	"relay/cmd/security/keys"
	"relay/cmd/security/token"
	v1 "relay/shared/contracts/relay/v1"
)

// Hub drives session state machines. It owns the registry, the router and the server key
// for the lifetime of the process and is transport-agnostic: the gateway feeds it decoded
// envelopes and drains Session.Send.
type Hub struct {
	log *slog.Logger
	cfg Config
	key keys.ServerKey

	registry *Registry
	router   *Router
	metrics  *Metrics
	audit    audit.Recorder
	now      func() time.Time

	// open tracks every live session, registered or not, so Shutdown can release them all.
	mu       sync.Mutex
	open     map[string]*Session
	shutdown bool
}

// HubOption configures optional Hub collaborators.
type HubOption func(*Hub)

// WithMetrics attaches Prometheus instruments.
func WithMetrics(m *Metrics) HubOption {
	return func(h *Hub) { h.metrics = m }
}

// WithAudit attaches an audit recorder. It should not block (see audit.Queue).
func WithAudit(r audit.Recorder) HubOption {
	return func(h *Hub) {
		if r != nil {
			h.audit = r
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) HubOption {
	return func(h *Hub) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHub constructs a Hub around the process-wide server key.
func NewHub(log *slog.Logger, cfg Config, key keys.ServerKey, opts ...HubOption) *Hub {
	if log == nil {
		log = slog.Default()
	}

	h := &Hub{
		log:      log,
		cfg:      cfg.normalized(),
		key:      key,
		registry: NewRegistry(),
		audit:    audit.Nop{},
		now:      func() time.Time { return time.Now().UTC() },
		open:     make(map[string]*Session),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}

	h.router = NewRouter(log, h.registry, key, h.cfg.EchoToSender)
	h.router.metrics = h.metrics
	h.router.now = h.now
	h.router.evict = func(s *Session, reason string) {
		h.Close(context.Background(), s, reason)
	}
	return h
}

// Registry exposes the live session registry.
func (h *Hub) Registry() *Registry { return h.registry }

// Router exposes the broadcast router.
func (h *Hub) Router() *Router { return h.router }

// Open creates an Unregistered session for a new transport connection.
func (h *Hub) Open(remoteAddr string) (*Session, error) {
	id, err := ids.NewULID(h.now())
	if err != nil {
		return nil, fmt.Errorf("session id: %w", err)
	}

	s := NewSession(id, remoteAddr, h.cfg.SendQueueSize, NewRateLimiter(h.cfg.RateEvents, h.cfg.RateWindow))

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.shutdown {
		return nil, ErrShuttingDown
	}
	h.open[s.ID] = s

	h.metrics.connectionOpened()
	return s, nil
}

// Handle advances s with one inbound envelope.
//
// A non-nil error means the session must be closed by the caller (protocol violation,
// failed registration). Soft rejections (rate limit, oversized or unauthentic messages)
// are answered with an error envelope and return nil.
func (h *Hub) Handle(ctx context.Context, s *Session, env v1.Envelope) error {
	if err := env.Validate(); err != nil {
		return h.violation(ctx, s, err.Error())
	}

	switch s.State() {
	case StateUnregistered:
		if env.Type != v1.TypeRegister {
			return h.violation(ctx, s, fmt.Sprintf("register first (got %s)", env.Type))
		}
		return h.onRegister(ctx, s, env)

	case StateRegistered:
		if env.Type != v1.TypeChatMessage {
			return h.violation(ctx, s, fmt.Sprintf("unexpected %s after register", env.Type))
		}
		h.onChatMessage(ctx, s, env)
		return nil

	default:
		return ErrSessionClosed
	}
}

// HandleMalformed answers a frame that could not be decoded into an envelope.
// Before registration this is a protocol violation; afterwards the frame is dropped and
// charged to the session's rate window like any other frame.
func (h *Hub) HandleMalformed(ctx context.Context, s *Session, cause error) error {
	if s.State() != StateRegistered {
		return h.violation(ctx, s, "invalid JSON before register")
	}
	if h.rateLimited(s, h.now()) {
		return nil
	}
	h.log.Info("session.frame.bad_json", "session_id", s.ID, "err", cause)
	h.reject(s, v1.CodeBadJSON, "invalid JSON")
	return nil
}

// Close moves s to Closed, removes it from the registry and announces the departure.
// Safe to call repeatedly and from any goroutine.
func (h *Hub) Close(ctx context.Context, s *Session, reason string) {
	if s == nil {
		return
	}

	h.registry.Remove(s.ID)
	prev, first := s.close()

	h.mu.Lock()
	delete(h.open, s.ID)
	h.mu.Unlock()

	if !first {
		return
	}

	h.log.Info("session.closed", "session_id", s.ID, "prev_state", prev.String(), "reason", reason)

	// A session closed mid-registration is announced by onRegister once user_joined is out.
	if s.announced() {
		h.depart(ctx, s, reason)
	}
}

// depart reports a joined session's departure: gauge, audit trail and user_left.
func (h *Hub) depart(ctx context.Context, s *Session, reason string) {
	h.metrics.sessionLeft()
	h.record(ctx, audit.Event{
		Action:     audit.ActionClosed,
		SessionID:  s.ID,
		Username:   s.Username(),
		RemoteAddr: s.RemoteAddr,
		Reason:     reason,
	})

	name := s.Username()
	h.router.Notify(s.ID, v1.Envelope{
		Type:     v1.TypeUserLeft,
		Username: name,
		Message:  fmt.Sprintf("%s left the chat", name),
	})
}

// Draining reports whether Shutdown has started.
func (h *Hub) Draining() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.shutdown
}

// Shutdown closes every live session and refuses new ones.
func (h *Hub) Shutdown(reason string) {
	h.mu.Lock()
	h.shutdown = true
	all := make([]*Session, 0, len(h.open))
	for _, s := range h.open {
		all = append(all, s)
	}
	h.mu.Unlock()

	for _, s := range all {
		h.Close(context.Background(), s, reason)
	}
	h.log.Info("hub.shutdown", "sessions", len(all), "reason", reason)
}

// ---- handlers ----

func (h *Hub) onRegister(ctx context.Context, s *Session, env v1.Envelope) error {
	name, err := normalizeUsername(env.Username, h.cfg.MaxUsernameChars)
	if err != nil {
		h.reject(s, errorCode(err), err.Error())
		h.record(ctx, audit.Event{
			Action:     audit.ActionRejected,
			SessionID:  s.ID,
			RemoteAddr: s.RemoteAddr,
			Reason:     err.Error(),
		})
		return err
	}

	if !s.register(name) {
		return ErrSessionClosed
	}

	// The key and the roster go into the queue before the session becomes visible to the
	// router, so the client always holds the key before the first chat_message arrives.
	now := h.now()
	keyEnv := v1.EncryptionKey(h.key.Encode()).Stamp(ids.MustULID(now), now)
	if !s.offer(keyEnv) {
		return fmt.Errorf("encryption_key: %w", ErrBackpressure)
	}

	users := append(h.registry.Usernames(), name)
	listEnv := v1.Envelope{Type: v1.TypeUserList, Users: users}.Stamp(ids.MustULID(now), now)
	if !s.offer(listEnv) {
		return fmt.Errorf("user_list: %w", ErrBackpressure)
	}

	if !h.registry.Insert(s) {
		return fmt.Errorf("%w: duplicate session id", ErrProtocolViolation)
	}
	h.metrics.sessionRegistered()

	h.log.Info("session.registered", "session_id", s.ID, "username", name, "remote", s.RemoteAddr, "sessions", h.registry.Len())
	h.record(ctx, audit.Event{
		Action:     audit.ActionRegistered,
		SessionID:  s.ID,
		Username:   name,
		RemoteAddr: s.RemoteAddr,
	})

	h.router.Notify(s.ID, v1.Envelope{
		Type:     v1.TypeUserJoined,
		Username: name,
		Message:  fmt.Sprintf("%s joined the chat", name),
	})

	if !s.join() {
		// Closed after register (shutdown): Close skipped the departure, so report it here,
		// after user_joined, and drop the entry Close may have missed.
		h.registry.Remove(s.ID)
		h.depart(ctx, s, "closed during register")
		return ErrSessionClosed
	}
	return nil
}

func (h *Hub) onChatMessage(_ context.Context, s *Session, env v1.Envelope) {
	now := h.now()

	if h.rateLimited(s, now) {
		return
	}

	content := env.Content
	if content == "" {
		h.reject(s, v1.CodeValidation, "empty content")
		return
	}
	if len(content) > h.cfg.MaxTokenBytes {
		h.reject(s, v1.CodeValidation, fmt.Sprintf("content too large: max=%d bytes", h.cfg.MaxTokenBytes))
		return
	}

	plaintext, err := token.DecodeWithTTL(h.key, []byte(content), h.cfg.TokenTTL, now)
	if err != nil {
		h.log.Warn("session.message.unauthentic", "session_id", s.ID, "err", err, "bytes", len(content))
		h.reject(s, v1.CodeAuthentication, "message could not be authenticated")
		return
	}

	if !utf8.Valid(plaintext) {
		h.reject(s, v1.CodeValidation, "message is not valid UTF-8")
		return
	}
	if n := utf8.RuneCount(plaintext); n == 0 || n > h.cfg.MaxMessageChars {
		h.reject(s, v1.CodeValidation, fmt.Sprintf("message length must be 1..%d chars", h.cfg.MaxMessageChars))
		return
	}

	delivered, err := h.router.Broadcast(s.ID, s.Username(), plaintext)
	if err != nil {
		h.log.Error("session.message.broadcast_fail", "session_id", s.ID, "err", err)
		h.reject(s, v1.CodeInternal, "broadcast failed")
		return
	}

	h.log.Debug("session.message.broadcast", "session_id", s.ID, "bytes", len(content), "recipients", delivered)
}

// ---- helpers ----

// violation answers a protocol violation and returns the error that closes the session.
func (h *Hub) violation(ctx context.Context, s *Session, detail string) error {
	err := fmt.Errorf("%w: %s", ErrProtocolViolation, detail)
	h.reject(s, v1.CodeProtocolViolation, detail)
	if s.State() == StateUnregistered {
		h.record(ctx, audit.Event{
			Action:     audit.ActionRejected,
			SessionID:  s.ID,
			RemoteAddr: s.RemoteAddr,
			Reason:     err.Error(),
		})
	}
	return err
}

// rateLimited charges one frame to s and answers rate_limited when the window is spent.
func (h *Hub) rateLimited(s *Session, now time.Time) bool {
	if s.rate.Allow(now) {
		return false
	}
	retry := s.rate.RetryAfter(now)
	h.reject(s, v1.CodeRateLimited, fmt.Sprintf("%v: retry in %s", ErrRateLimited, retry.Round(time.Millisecond)))
	return true
}

// reject sends an error envelope to s only. A full queue drops it.
func (h *Hub) reject(s *Session, code, msg string) {
	h.metrics.reject(code)
	now := h.now()
	if !s.offer(v1.Error(code, msg).Stamp(ids.MustULID(now), now)) {
		h.log.Info("session.reject.dropped", "session_id", s.ID, "code", code)
	}
}

func (h *Hub) record(ctx context.Context, e audit.Event) {
	if e.At.IsZero() {
		e.At = h.now()
	}
	if err := h.audit.Record(ctx, e); err != nil {
		h.log.Warn("audit.enqueue.fail", "err", err, "action", e.Action, "session_id", e.SessionID)
	}
}
