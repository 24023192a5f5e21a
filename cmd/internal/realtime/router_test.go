package realtime

import (
	"io"
	"log/slog"
	"testing"

	"relay/cmd/security/keys"
	"relay/cmd/security/token"
	v1 "relay/shared/contracts/relay/v1"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustServerKey(t *testing.T) keys.ServerKey {
	t.Helper()
	k, err := keys.Generate()
	if err != nil {
		t.Fatalf("keys.Generate: %v", err)
	}
	return k
}

func registeredSession(t *testing.T, r *Registry, id, name string, queue int) *Session {
	t.Helper()
	s := NewSession(id, "", queue, nil)
	if !s.register(name) {
		t.Fatalf("register %s failed", name)
	}
	if !r.Insert(s) {
		t.Fatalf("insert %s failed", id)
	}
	return s
}

func TestRouter_Broadcast_FanOutCompleteness(t *testing.T) {
	t.Parallel()

	for _, echo := range []bool{true, false} {
		key := mustServerKey(t)
		reg := NewRegistry()
		router := NewRouter(discardLogger(), reg, key, echo)

		sessions := []*Session{
			registeredSession(t, reg, "01A", "alice", 8),
			registeredSession(t, reg, "01B", "bob", 8),
			registeredSession(t, reg, "01C", "carol", 8),
			registeredSession(t, reg, "01D", "dave", 8),
		}
		sender := sessions[0]

		n, err := router.Broadcast(sender.ID, "alice", []byte("hello all"))
		if err != nil {
			t.Fatalf("Broadcast error: %v", err)
		}

		want := len(sessions) - 1
		if echo {
			want = len(sessions)
		}
		if n != want {
			t.Fatalf("echo=%v delivered=%d want=%d", echo, n, want)
		}

		var content string
		for _, s := range sessions {
			if s == sender && !echo {
				if len(s.Send) != 0 {
					t.Fatalf("sender must not receive its own message without echo")
				}
				continue
			}

			env := <-s.Send
			if env.Type != v1.TypeChatMessage || env.Username != "alice" {
				t.Fatalf("unexpected envelope: %+v", env)
			}
			if env.ID == "" || env.Timestamp == nil {
				t.Fatalf("expected server-stamped envelope: %+v", env)
			}
			pt, err := token.Decode(key, []byte(env.Content))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if string(pt) != "hello all" {
				t.Fatalf("plaintext=%q", pt)
			}

			// One encoding is shared by every recipient.
			if content == "" {
				content = env.Content
			} else if env.Content != content {
				t.Fatalf("expected a single shared encoding")
			}
		}
	}
}

func TestRouter_Broadcast_IsolatesFailedRecipient(t *testing.T) {
	t.Parallel()

	key := mustServerKey(t)
	reg := NewRegistry()
	router := NewRouter(discardLogger(), reg, key, false)

	sender := registeredSession(t, reg, "01A", "alice", 8)
	ok1 := registeredSession(t, reg, "01B", "bob", 8)
	slow := registeredSession(t, reg, "01C", "slow", 1)
	ok2 := registeredSession(t, reg, "01D", "dave", 8)

	// Fill the slow recipient's queue.
	if !slow.offer(v1.Error(v1.CodeInternal, "filler")) {
		t.Fatalf("filler offer failed")
	}

	var evicted []string
	router.evict = func(s *Session, reason string) {
		evicted = append(evicted, s.ID)
		reg.Remove(s.ID)
		s.close()
	}

	n, err := router.Broadcast(sender.ID, "alice", []byte("m1"))
	if err != nil {
		t.Fatalf("Broadcast error: %v", err)
	}
	if n != 2 {
		t.Fatalf("delivered=%d want=2", n)
	}
	if len(evicted) != 1 || evicted[0] != slow.ID {
		t.Fatalf("evicted=%v want=[%s]", evicted, slow.ID)
	}
	if _, ok := reg.Get(slow.ID); ok {
		t.Fatalf("failed recipient must leave the registry")
	}
	if slow.State() != StateClosed {
		t.Fatalf("failed recipient state=%v", slow.State())
	}

	for _, s := range []*Session{ok1, ok2} {
		if len(s.Send) != 1 {
			t.Fatalf("session %s queue=%d want=1", s.ID, len(s.Send))
		}
	}

	// The next broadcast skips the evicted session entirely.
	n, err = router.Broadcast(sender.ID, "alice", []byte("m2"))
	if err != nil || n != 2 {
		t.Fatalf("second broadcast delivered=%d err=%v", n, err)
	}
}

func TestRouter_Broadcast_PreservesPerSenderOrder(t *testing.T) {
	t.Parallel()

	key := mustServerKey(t)
	reg := NewRegistry()
	router := NewRouter(discardLogger(), reg, key, false)

	sender := registeredSession(t, reg, "01A", "alice", 8)
	rcpt := registeredSession(t, reg, "01B", "bob", 64)

	msgs := []string{"one", "two", "three", "four", "five"}
	for _, m := range msgs {
		if _, err := router.Broadcast(sender.ID, "alice", []byte(m)); err != nil {
			t.Fatalf("Broadcast error: %v", err)
		}
	}

	for _, want := range msgs {
		env := <-rcpt.Send
		pt, err := token.Decode(key, []byte(env.Content))
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if string(pt) != want {
			t.Fatalf("got %q want %q", pt, want)
		}
	}
}

func TestRouter_Notify_ExcludesAndStamps(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	router := NewRouter(discardLogger(), reg, mustServerKey(t), true)

	a := registeredSession(t, reg, "01A", "alice", 8)
	b := registeredSession(t, reg, "01B", "bob", 8)

	n := router.Notify(a.ID, v1.Envelope{Type: v1.TypeUserJoined, Username: "alice"})
	if n != 1 {
		t.Fatalf("delivered=%d want=1", n)
	}
	if len(a.Send) != 0 {
		t.Fatalf("excluded session received a notification")
	}
	env := <-b.Send
	if env.Type != v1.TypeUserJoined || env.ID == "" || env.Timestamp == nil {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}
