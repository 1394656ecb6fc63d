package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// EventLog appends one JSON object per log record to a run's events file.
// The file is opened in append mode and never rewritten, so readers may
// tail it while a run is in progress.
type EventLog struct {
	mu   sync.Mutex
	file *os.File
	path string
	now  func() time.Time
}

// OpenEventLog opens (creating if needed) the append-only event file.
func OpenEventLog(path string) (*EventLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure events directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open events file: %w", err)
	}
	return &EventLog{file: file, path: path, now: time.Now}, nil
}

// Path returns the events file location.
func (l *EventLog) Path() string { return l.path }

// Close releases the file handle.
func (l *EventLog) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Handler returns a slog handler writing into the event log at debug level and above.
func (l *EventLog) Handler() slog.Handler {
	return &eventHandler{log: l}
}

func (l *EventLog) write(line []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	_, err := l.file.Write(line)
	return err
}

type eventHandler struct {
	log    *EventLog
	attrs  []slog.Attr
	groups []string
}

func (h *eventHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *eventHandler) Handle(_ context.Context, record slog.Record) error {
	ts := record.Time
	if ts.IsZero() {
		ts = h.log.now()
	}
	kvs := make([]kv, 0, record.NumAttrs()+len(h.attrs))
	for _, attr := range h.attrs {
		flattenAttr(&kvs, h.groups, attr)
	}
	record.Attrs(func(attr slog.Attr) bool {
		flattenAttr(&kvs, h.groups, attr)
		return true
	})
	kvs = dedupeKVsByKey(kvs)

	event := make(map[string]any, len(kvs)+4)
	for _, kv := range kvs {
		event[kv.key] = eventValue(kv.value)
	}
	event["timestamp"] = ts.UTC().Format(time.RFC3339Nano)
	event["level"] = strings.ToLower(levelLabel(record.Level))
	event["message"] = record.Message
	if _, ok := event[FieldStage]; !ok {
		event[FieldStage] = "run"
	}

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return h.log.write(append(line, '\n'))
}

func (h *eventHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &eventHandler{
		log:    h.log,
		attrs:  append(append([]slog.Attr(nil), h.attrs...), attrs...),
		groups: h.groups,
	}
}

func (h *eventHandler) WithGroup(name string) slog.Handler {
	return &eventHandler{
		log:    h.log,
		attrs:  h.attrs,
		groups: append(append([]string(nil), h.groups...), name),
	}
}

func eventValue(v slog.Value) any {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindBool:
		return v.Bool()
	case slog.KindInt64:
		return v.Int64()
	case slog.KindUint64:
		return v.Uint64()
	case slog.KindFloat64:
		return v.Float64()
	case slog.KindDuration:
		return v.Duration().Seconds()
	case slog.KindTime:
		return v.Time().UTC().Format(time.RFC3339Nano)
	default:
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
		if raw, err := json.Marshal(v.Any()); err == nil && json.Valid(raw) {
			return json.RawMessage(raw)
		}
		return fmt.Sprint(v.Any())
	}
}
