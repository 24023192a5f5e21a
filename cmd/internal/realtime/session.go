package realtime

import (
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	v1 "relay/shared/contracts/relay/v1"
)

// State is a session lifecycle state.
type State uint8

const (
	StateUnregistered State = iota
	StateRegistered
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateRegistered:
		return "registered"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Session is the server-side state of one connected client.
//
// Design notes:
// - Send is never closed by the server, so concurrent broadcasters cannot panic on it.
// - done is closed exactly once, when the session reaches StateClosed.
// - The rate limiter is touched only by the session's own read loop.
type Session struct {
	ID         string
	RemoteAddr string
	OpenedAt   time.Time
	Send       chan v1.Envelope

	rate *RateLimiter

	mu       sync.RWMutex
	state    State
	username string
	// joined is set once user_joined went out; only joined sessions announce a departure.
	joined bool

	done      chan struct{}
	closeOnce sync.Once
}

// NewSession constructs an unregistered Session with a bounded send queue.
func NewSession(id, remoteAddr string, sendQueueSize int, rate *RateLimiter) *Session {
	if sendQueueSize <= 0 {
		sendQueueSize = wsDefaultSendQueueSize
	}
	if rate == nil {
		rate = NewRateLimiter(rateLimitEvents, rateLimitWindow)
	}
	return &Session{
		ID:         id,
		RemoteAddr: remoteAddr,
		OpenedAt:   time.Now().UTC(),
		Send:       make(chan v1.Envelope, sendQueueSize),
		rate:       rate,
		state:      StateUnregistered,
		done:       make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Username returns the registered display name ("" before registration).
func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

// Done returns a channel that is closed when the session is closed.
func (s *Session) Done() <-chan struct{} {
	if s == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.done
}

// register moves Unregistered -> Registered.
func (s *Session) register(username string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateUnregistered {
		return false
	}
	s.state = StateRegistered
	s.username = username
	return true
}

// join marks a registered session as announced to its peers.
// It fails once the session is closed, so a departure is never announced before the arrival.
func (s *Session) join() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateRegistered {
		return false
	}
	s.joined = true
	return true
}

func (s *Session) announced() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.joined
}

// close moves the session to Closed (idempotent).
// prev is the state before the call; first is true only for the call that performed the transition.
func (s *Session) close() (prev State, first bool) {
	s.mu.Lock()
	prev = s.state
	s.state = StateClosed
	s.mu.Unlock()

	s.closeOnce.Do(func() {
		first = true
		close(s.done)
	})
	return prev, first
}

// offer enqueues env without blocking. It fails when the queue is full or the session is closing.
func (s *Session) offer(env v1.Envelope) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.Send <- env:
		return true
	default:
		return false
	}
}

// normalizeUsername trims and validates a self-asserted display name.
// Uniqueness is not checked: duplicate names are allowed.
func normalizeUsername(raw string, maxChars int) (string, error) {
	name := strings.TrimSpace(raw)
	if name == "" {
		return "", fmt.Errorf("%w: empty username", ErrValidation)
	}
	if !utf8.ValidString(name) {
		return "", fmt.Errorf("%w: username is not valid UTF-8", ErrValidation)
	}
	if n := utf8.RuneCountInString(name); n > maxChars {
		return "", fmt.Errorf("%w: username too long: max=%d chars", ErrValidation, maxChars)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return "", fmt.Errorf("%w: username contains control characters", ErrValidation)
		}
	}
	return name, nil
}
