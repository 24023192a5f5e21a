package audit

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var pgIdentRE = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// PostgresRecorder is a Recorder backed by PostgreSQL.
//
// Ownership model:
// - PostgresRecorder does NOT own the pgx pool. The caller must close the pool.
type PostgresRecorder struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresRecorder behavior.
type PostgresOption func(*PostgresRecorder) error

// WithSchema sets the DB schema (default: "relay"). The name is validated and quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(r *PostgresRecorder) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("audit: empty schema")
		}
		if !pgIdentRE.MatchString(schema) {
			return errors.New("audit: invalid schema identifier")
		}
		r.schema = schema
		return nil
	}
}

// NewPostgresRecorder constructs a Postgres-backed Recorder.
func NewPostgresRecorder(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresRecorder, error) {
	r := &PostgresRecorder{
		pool:   pool,
		schema: "relay",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	if r.pool == nil {
		return nil, errors.New("audit: nil pool")
	}
	return r, nil
}

// EnsureSchema creates the schema and session_audit table when missing.
func (r *PostgresRecorder) EnsureSchema(ctx context.Context) error {
	schema := pgx.Identifier{r.schema}.Sanitize()
	table := r.table()

	_, err := r.pool.Exec(ctx, fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;
CREATE TABLE IF NOT EXISTS %s (
  id          BIGSERIAL PRIMARY KEY,
  action      TEXT NOT NULL,
  session_id  TEXT NOT NULL,
  username    TEXT,
  remote_addr TEXT,
  reason      TEXT,
  created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS session_audit_session_idx ON %s (session_id, created_at);
`, schema, table, table))
	if err != nil {
		return fmt.Errorf("audit: ensure schema: %w", err)
	}
	return nil
}

// Record implements Recorder.
func (r *PostgresRecorder) Record(ctx context.Context, e Event) error {
	if r == nil || r.pool == nil {
		return errors.New("audit: nil recorder")
	}

	action := strings.TrimSpace(e.Action)
	if action == "" || strings.TrimSpace(e.SessionID) == "" {
		return errors.New("audit: invalid event")
	}

	at := e.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO `+r.table()+` (
			action, session_id, username, remote_addr, reason, created_at
		) VALUES ($1, $2, $3, $4, $5, $6)
	`, action, e.SessionID, trimOrNil(e.Username), trimOrNil(e.RemoteAddr), trimOrNil(e.Reason), at)
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

// ListBySession returns the events of one session ordered by time.
func (r *PostgresRecorder) ListBySession(ctx context.Context, sessionID string) ([]Event, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT action, session_id, COALESCE(username, ''), COALESCE(remote_addr, ''), COALESCE(reason, ''), created_at
		FROM `+r.table()+`
		WHERE session_id = $1
		ORDER BY created_at ASC, id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Event, error) {
		var e Event
		err := row.Scan(&e.Action, &e.SessionID, &e.Username, &e.RemoteAddr, &e.Reason, &e.At)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	return out, nil
}

func (r *PostgresRecorder) table() string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{r.schema, "session_audit"}.Sanitize()
}

func trimOrNil(s string) any {
	v := strings.TrimSpace(s)
	if v == "" {
		return nil
	}
	return v
}
