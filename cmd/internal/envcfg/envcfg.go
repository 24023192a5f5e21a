// Package envcfg reads RELAY_* environment variables.
//
// Unset or blank variables fall back to the caller's default silently. Set but unusable
// values also fall back, and are remembered so the process can report them once a logger
// exists (configuration is read before the logger is built).
package envcfg

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Prefix namespaces every variable the relay reads.
const Prefix = "RELAY_"

// Issue is a set variable whose value was ignored.
type Issue struct {
	Key    string
	Value  string
	Reason string
}

// Reader resolves names under a prefix. It is not safe for concurrent use.
type Reader struct {
	prefix string
	issues []Issue
}

// New returns a Reader for prefix (usually Prefix).
func New(prefix string) *Reader {
	return &Reader{prefix: prefix}
}

// Key returns the full variable name for name.
func (r *Reader) Key(name string) string { return r.prefix + name }

func (r *Reader) lookup(name string) (key, val string) {
	key = r.Key(name)
	return key, strings.TrimSpace(os.Getenv(key))
}

func (r *Reader) ignore(key, val, reason string) {
	r.issues = append(r.issues, Issue{Key: key, Value: val, Reason: reason})
}

// String reads a string with a default.
func (r *Reader) String(name, def string) string {
	_, v := r.lookup(name)
	if v == "" {
		return def
	}
	return v
}

// Bool reads a bool accepted by strconv.ParseBool.
func (r *Reader) Bool(name string, def bool) bool {
	key, v := r.lookup(name)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.ignore(key, v, "not a bool")
		return def
	}
	return b
}

// Int reads a positive int.
func (r *Reader) Int(name string, def int) int {
	key, v := r.lookup(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	switch {
	case err != nil:
		r.ignore(key, v, "not an integer")
		return def
	case n <= 0:
		r.ignore(key, v, "must be positive")
		return def
	}
	return n
}

// Int32 reads a non-negative int32 (pool sizes, where 0 means "library default").
func (r *Reader) Int32(name string, def int32) int32 {
	key, v := r.lookup(name)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 32)
	switch {
	case err != nil:
		r.ignore(key, v, "not a 32-bit integer")
		return def
	case n < 0:
		r.ignore(key, v, "must not be negative")
		return def
	}
	return int32(n)
}

// Duration reads a positive time.ParseDuration value.
func (r *Reader) Duration(name string, def time.Duration) time.Duration {
	d, ok := r.duration(name, def)
	if ok && d == 0 {
		r.ignore(r.Key(name), "0", "must be positive")
		return def
	}
	return d
}

// OptionalDuration is Duration where 0 is a valid value meaning "disabled".
func (r *Reader) OptionalDuration(name string, def time.Duration) time.Duration {
	d, _ := r.duration(name, def)
	return d
}

// duration reports ok=true only when a set value parsed and was not negative.
func (r *Reader) duration(name string, def time.Duration) (time.Duration, bool) {
	key, v := r.lookup(name)
	if v == "" {
		return def, false
	}
	d, err := time.ParseDuration(v)
	switch {
	case err != nil:
		r.ignore(key, v, "not a duration")
		return def, false
	case d < 0:
		r.ignore(key, v, "must not be negative")
		return def, false
	}
	return d, true
}

// List reads a comma-separated list. Blank entries are dropped.
func (r *Reader) List(name, def string) []string {
	raw := r.String(name, def)
	return SplitCSV(raw)
}

// SplitCSV splits raw on commas and trims each entry.
func SplitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Issues returns the ignored values seen so far.
func (r *Reader) Issues() []Issue {
	out := make([]Issue, len(r.issues))
	copy(out, r.issues)
	return out
}

// LogIssues writes one warning per ignored value.
func (r *Reader) LogIssues(log *slog.Logger) {
	for _, is := range r.issues {
		log.Warn("config.env.ignored", "key", is.Key, "value", is.Value, "reason", is.Reason)
	}
}
