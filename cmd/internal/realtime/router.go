package realtime

import (
	"fmt"
	"log/slog"
	"time"

	"relay/cmd/internal/ids"
	"relay/cmd/security/keys"
	"relay/cmd/security/token"
	v1 "relay/shared/contracts/relay/v1"
)

// Router fans validated messages out to the registry.
//
// Concurrency guarantees:
// - Fan-out iterates a registry snapshot, never the live map.
// - Delivery never blocks: a recipient whose queue is full or closing is evicted.
// - Eviction of one recipient never aborts delivery to the others.
// - Per-sender order: a sender's loop calls Broadcast serially and each queue is FIFO.
type Router struct {
	log      *slog.Logger
	registry *Registry
	key      keys.ServerKey
	metrics  *Metrics

	// echoToSender includes the sender in its own fan-out.
	echoToSender bool

	// evict is called for every recipient that could not take an envelope.
	evict func(s *Session, reason string)

	now func() time.Time
}

// NewRouter constructs a Router over registry.
func NewRouter(log *slog.Logger, registry *Registry, key keys.ServerKey, echoToSender bool) *Router {
	return &Router{
		log:          log,
		registry:     registry,
		key:          key,
		echoToSender: echoToSender,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// EchoToSender reports the sender-inclusion policy.
func (r *Router) EchoToSender() bool { return r.echoToSender }

// Broadcast encodes plaintext once and delivers chat_message{username, content} to every
// registered session (the sender included only under the echo policy).
// It returns the number of recipients that accepted the envelope.
func (r *Router) Broadcast(senderID, username string, plaintext []byte) (int, error) {
	tok, err := token.Encode(r.key, plaintext)
	if err != nil {
		return 0, fmt.Errorf("router: encode: %w", err)
	}

	now := r.now()
	env := v1.Envelope{
		Type:     v1.TypeChatMessage,
		Username: username,
		Content:  string(tok),
	}.Stamp(ids.MustULID(now), now)

	except := senderID
	if r.echoToSender {
		except = ""
	}

	n := r.fanout(env, except)
	r.metrics.broadcast(len(tok), n)
	return n, nil
}

// Notify delivers a server-originated envelope to every registered session except exceptID.
func (r *Router) Notify(exceptID string, env v1.Envelope) int {
	if env.ID == "" {
		now := r.now()
		env = env.Stamp(ids.MustULID(now), now)
	}
	n := r.fanout(env, exceptID)
	r.metrics.delivered(n)
	return n
}

func (r *Router) fanout(env v1.Envelope, exceptID string) int {
	var (
		delivered int
		failed    []*Session
	)

	for _, s := range r.registry.Snapshot() {
		if exceptID != "" && s.ID == exceptID {
			continue
		}
		if !s.offer(env) {
			failed = append(failed, s)
			continue
		}
		delivered++
	}

	// Evict after the loop so a slow recipient never delays the rest of the snapshot.
	for _, s := range failed {
		r.log.Info("router.recipient.dropped", "session_id", s.ID, "type", env.Type)
		r.metrics.evicted()
		if r.evict != nil {
			r.evict(s, "send failed")
		} else {
			r.registry.Remove(s.ID)
			s.close()
		}
	}

	return delivered
}
