package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	v1 "relay/shared/contracts/relay/v1"
)

const (
	ansiReset   = "\x1b[0m"
	ansiBold    = "\x1b[1m"
	ansiDim     = "\x1b[2m"
	ansiRed     = "\x1b[31m"
	ansiGreen   = "\x1b[32m"
	ansiYellow  = "\x1b[33m"
	ansiMagenta = "\x1b[35m"
	ansiCyan    = "\x1b[36m"
)

// prettyHandler writes one line per record for local runs:
//
//	12:00:01.250 INFO  session.registered session_id=01J... username=alice sessions=2
//
// The event name is tinted by outcome (failures red, rejections yellow) and a few relay keys
// (code, status, result, session_id) are tinted by value.
type prettyHandler struct {
	w     io.Writer
	opts  slog.HandlerOptions
	color bool

	// prefix is the open group path ("ws.") applied to attrs added after WithGroup.
	prefix string
	// pre holds attrs from WithAttrs, already rendered.
	pre string

	mu *sync.Mutex
}

func newPrettyHandler(w io.Writer, opts *slog.HandlerOptions, color bool) slog.Handler {
	h := &prettyHandler{w: w, color: color, mu: &sync.Mutex{}}
	if opts != nil {
		h.opts = *opts
	}
	return h
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	var threshold slog.Leveler = slog.LevelInfo
	if h.opts.Level != nil {
		threshold = h.opts.Level
	}
	return level >= threshold.Level()
}

func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	var b strings.Builder
	b.WriteString(paint(ts.Format("15:04:05.000"), ansiDim, h.color))
	b.WriteByte(' ')
	b.WriteString(levelTag(r.Level, h.color))
	b.WriteByte(' ')
	b.WriteString(paint(r.Message, eventTone(r.Message), h.color))
	b.WriteString(h.pre)

	r.Attrs(func(a slog.Attr) bool {
		h.writeAttr(&b, h.prefix, a)
		return true
	})

	if h.opts.AddSource && r.PC != 0 {
		if f, _ := runtime.CallersFrames([]uintptr{r.PC}).Next(); f.File != "" {
			b.WriteByte(' ')
			b.WriteString(paint(fmt.Sprintf("src=%s:%d", filepath.Base(f.File), f.Line), ansiDim, h.color))
		}
	}
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	var b strings.Builder
	b.WriteString(h.pre)
	for _, a := range attrs {
		h.writeAttr(&b, h.prefix, a)
	}
	cp := *h
	cp.pre = b.String()
	return &cp
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	name = strings.TrimSpace(name)
	if name == "" {
		return h
	}
	cp := *h
	cp.prefix = h.prefix + name + "."
	return &cp
}

func (h *prettyHandler) writeAttr(b *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}

	if a.Value.Kind() == slog.KindGroup {
		if a.Key != "" {
			prefix += a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			h.writeAttr(b, prefix, ga)
		}
		return
	}

	key := strings.TrimSpace(a.Key)
	if key == "" {
		return
	}
	b.WriteByte(' ')
	b.WriteString(prefix)
	b.WriteString(key)
	b.WriteByte('=')
	b.WriteString(paint(quoteIfNeeded(valueString(key, a.Value)), valueTone(key, a.Value), h.color))
}

func valueString(key string, v slog.Value) string {
	switch {
	case key == "duration_ms" && v.Kind() == slog.KindInt64:
		return (time.Duration(v.Int64()) * time.Millisecond).String()
	case v.Kind() == slog.KindTime:
		return v.Time().Format(time.RFC3339)
	default:
		return v.String()
	}
}

func quoteIfNeeded(s string) string {
	if s == "" {
		return `""`
	}
	if strings.ContainsAny(s, " \t\r\n\"=") {
		return strconv.Quote(s)
	}
	return s
}

func levelTag(level slog.Level, color bool) string {
	switch {
	case level >= slog.LevelError:
		return paint("ERROR", ansiRed, color)
	case level >= slog.LevelWarn:
		return paint("WARN ", ansiYellow, color)
	case level >= slog.LevelInfo:
		return paint("INFO ", ansiGreen, color)
	default:
		return paint("DEBUG", ansiMagenta, color)
	}
}

// eventTone tints dotted event names by their last segment.
func eventTone(msg string) string {
	switch {
	case strings.HasSuffix(msg, ".fail"), strings.HasSuffix(msg, "_fail"):
		return ansiRed
	case strings.Contains(msg, ".reject"),
		strings.HasSuffix(msg, ".dropped"),
		strings.HasSuffix(msg, ".ignored"),
		strings.HasSuffix(msg, ".unauthentic"),
		strings.HasSuffix(msg, ".bad_json"),
		strings.HasSuffix(msg, ".not_ready"):
		return ansiYellow
	default:
		return ansiBold
	}
}

func valueTone(key string, v slog.Value) string {
	switch key {
	case "err":
		return ansiRed
	case "code":
		return codeTone(v.String())
	case "status":
		if v.Kind() == slog.KindInt64 {
			_, result := requestLogMeta(int(v.Int64()))
			return resultTone(result)
		}
	case "result":
		return resultTone(v.String())
	case "session_id", "remote", "user_agent":
		return ansiDim
	case "username", "path":
		return ansiCyan
	}
	return ""
}

// codeTone: server faults red, throttling and bad frames yellow, client faults magenta.
func codeTone(code string) string {
	switch code {
	case v1.CodeInternal:
		return ansiRed
	case v1.CodeRateLimited, v1.CodeBadJSON:
		return ansiYellow
	default:
		return ansiMagenta
	}
}

func resultTone(result string) string {
	switch result {
	case "server_error":
		return ansiRed
	case "client_error":
		return ansiYellow
	case "upgrade":
		return ansiCyan
	default:
		return ansiGreen
	}
}

func paint(s, code string, color bool) string {
	if !color || code == "" || s == "" {
		return s
	}
	return code + s + ansiReset
}
