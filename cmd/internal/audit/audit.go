package audit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Actions (stable identifiers, stored as-is).
const (
	ActionRegistered = "session.registered"
	ActionRejected   = "session.rejected"
	ActionClosed     = "session.closed"
)

// ErrQueueFull is returned by Queue.Record when the buffer is exhausted.
var ErrQueueFull = errors.New("audit queue full")

// Event is one audit record.
type Event struct {
	Action     string
	SessionID  string
	Username   string
	RemoteAddr string
	Reason     string
	At         time.Time
}

// Recorder persists audit events.
type Recorder interface {
	Record(ctx context.Context, e Event) error
}

// Nop discards every event.
type Nop struct{}

// Record implements Recorder.
func (Nop) Record(context.Context, Event) error { return nil }

// Memory keeps events in memory. Used by tests and as a dev fallback.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

// NewMemory constructs an empty Memory recorder.
func NewMemory() *Memory { return &Memory{} }

// Record implements Recorder.
func (m *Memory) Record(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.events = append(m.events, e)
	m.mu.Unlock()
	return nil
}

// Events returns a copy of the recorded events.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}
