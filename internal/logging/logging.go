// Package logging provides the JSONL debug-log slog handler used across
// perlica. Records carry a fixed envelope (ts_ms, level, component, kind,
// context_id, event_type, run_id, trace_id, message) with remaining
// attributes nested under data. Files rotate by size and secrets are
// redacted before they hit disk.
package logging

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
)

// Top-level record fields hoisted out of the attribute set.
var topLevelFields = map[string]bool{
	"component":  true,
	"kind":       true,
	"context_id": true,
	"event_type": true,
	"run_id":     true,
	"trace_id":   true,
}

type kv struct {
	key string
	val any
}

// FileHandler is a slog.Handler that writes one JSON object per record to a
// rotated file sink.
type FileHandler struct {
	sink     *FileSink
	level    slog.Leveler
	redactor *Redactor
	fields   []kv
	groups   []string
}

// FileHandlerOptions configures NewFileHandler.
type FileHandlerOptions struct {
	// Level is the minimum record level; defaults to Debug (this is the
	// debug log).
	Level slog.Leveler
	// MaxFileBytes and MaxFiles bound rotation.
	MaxFileBytes int64
	MaxFiles     int
	// Redact enables the default secret redaction.
	Redact bool
}

// NewFileHandler opens the JSONL sink at path.
func NewFileHandler(path string, opts FileHandlerOptions) (*FileHandler, error) {
	sink, err := NewFileSink(path, opts.MaxFileBytes, opts.MaxFiles)
	if err != nil {
		return nil, err
	}
	h := &FileHandler{sink: sink, level: opts.Level}
	if h.level == nil {
		h.level = slog.LevelDebug
	}
	if opts.Redact {
		h.redactor = NewDefaultRedactor()
	}
	return h, nil
}

func (h *FileHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *FileHandler) Handle(_ context.Context, rec slog.Record) error {
	top := map[string]any{
		"ts_ms":   rec.Time.UnixMilli(),
		"level":   strings.ToLower(rec.Level.String()),
		"message": h.redactString("message", rec.Message),
	}
	data := map[string]any{}

	place := func(key string, val any) {
		if topLevelFields[key] {
			top[key] = val
			return
		}
		data[key] = val
	}
	for _, f := range h.fields {
		place(f.key, f.val)
	}
	rec.Attrs(func(a slog.Attr) bool {
		for _, f := range h.flatten(h.groups, a) {
			place(f.key, f.val)
		}
		return true
	})
	if len(data) > 0 {
		top["data"] = data
	}

	line, err := json.Marshal(top)
	if err != nil {
		return err
	}
	_, err = h.sink.Write(append(line, '\n'))
	return err
}

func (h *FileHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.fields = append(append([]kv{}, h.fields...), h.flattenAll(h.groups, attrs)...)
	return &next
}

func (h *FileHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.groups = append(append([]string{}, h.groups...), name)
	return &next
}

// Close flushes and closes the underlying sink.
func (h *FileHandler) Close() error { return h.sink.Close() }

func (h *FileHandler) flattenAll(groups []string, attrs []slog.Attr) []kv {
	var out []kv
	for _, a := range attrs {
		out = append(out, h.flatten(groups, a)...)
	}
	return out
}

// flatten resolves an attr into qualified key/value pairs. Group attrs nest
// as maps; handler groups qualify the key with dots.
func (h *FileHandler) flatten(groups []string, a slog.Attr) []kv {
	v := a.Value.Resolve()
	key := a.Key
	if len(groups) > 0 {
		key = strings.Join(groups, ".") + "." + key
	}
	if v.Kind() == slog.KindGroup {
		m := map[string]any{}
		for _, ga := range v.Group() {
			m[ga.Key] = h.attrValue(ga.Key, ga.Value.Resolve())
		}
		return []kv{{key: key, val: m}}
	}
	return []kv{{key: key, val: h.attrValue(key, v)}}
}

func (h *FileHandler) attrValue(key string, v slog.Value) any {
	switch v.Kind() {
	case slog.KindString:
		return h.redactString(key, v.String())
	case slog.KindInt64:
		return v.Int64()
	case slog.KindUint64:
		return v.Uint64()
	case slog.KindFloat64:
		return v.Float64()
	case slog.KindBool:
		return v.Bool()
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().UnixMilli()
	default:
		if s, ok := v.Any().(string); ok {
			return h.redactString(key, s)
		}
		if err, ok := v.Any().(error); ok {
			return h.redactString(key, err.Error())
		}
		return v.Any()
	}
}

func (h *FileHandler) redactString(key, s string) string {
	return h.redactor.Value(key, s)
}

// fanout dispatches records to every enabled handler. One handler failing
// does not stop the others.
type fanout struct {
	handlers []slog.Handler
}

// NewFanout combines handlers into one, e.g. a human stderr handler plus
// the JSONL file handler.
func NewFanout(handlers ...slog.Handler) slog.Handler {
	return &fanout{handlers: handlers}
}

func (f *fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f *fanout) Handle(ctx context.Context, rec slog.Record) error {
	var firstErr error
	for _, h := range f.handlers {
		if !h.Enabled(ctx, rec.Level) {
			continue
		}
		if err := h.Handle(ctx, rec.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f *fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		next[i] = h.WithAttrs(attrs)
	}
	return &fanout{handlers: next}
}

func (f *fanout) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		next[i] = h.WithGroup(name)
	}
	return &fanout{handlers: next}
}
