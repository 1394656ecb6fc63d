package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// consoleHandler renders one header line per record followed by an indented
// field list. Handlers derived through WithAttrs/WithGroup share the writer
// lock.
type consoleHandler struct {
	out       *lockedWriter
	level     *slog.LevelVar
	bound     []kv
	groups    []string
	addSource bool
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) write(p string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := io.WriteString(l.w, p)
	return err
}

func newPrettyHandler(w io.Writer, lvl *slog.LevelVar, addSource bool) slog.Handler {
	return &consoleHandler{out: &lockedWriter{w: w}, level: lvl, addSource: addSource}
}

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// consoleLine is the parsed view of one record.
type consoleLine struct {
	when      time.Time
	level     slog.Level
	component string
	subject   string
	message   string
	source    string
	fields    []kv
}

func (h *consoleHandler) Handle(_ context.Context, record slog.Record) error {
	if !h.Enabled(context.Background(), record.Level) {
		return nil
	}
	fields := append([]kv(nil), h.bound...)
	record.Attrs(func(attr slog.Attr) bool {
		flattenAttr(&fields, h.groups, attr)
		return true
	})
	line := consoleLine{
		when:    record.Time,
		level:   record.Level,
		message: strings.TrimSpace(record.Message),
		fields:  dedupeKVsByKey(fields),
	}
	if line.when.IsZero() {
		line.when = time.Now()
	}
	if line.message == "" {
		line.message = "(no message)"
	}
	var runID, stage string
	for _, f := range line.fields {
		switch f.key {
		case FieldComponent:
			line.component = plainString(f.value)
		case FieldRunID:
			runID = plainString(f.value)
		case FieldStage:
			stage = plainString(f.value)
		}
	}
	line.subject = FormatSubject(runID, stage)
	if h.addSource {
		if src := record.Source(); src != nil {
			line.source = fmt.Sprintf("%s:%d", filepath.Base(src.File), src.Line)
		}
	}
	return h.out.write(line.render(record.Level < slog.LevelInfo))
}

func (l consoleLine) render(verbose bool) string {
	var b strings.Builder
	b.WriteString(consoleTime(l.when))
	b.WriteString(" " + levelLabel(l.level))
	if l.component != "" {
		b.WriteString(" [" + l.component + "]")
	}
	if l.subject != "" {
		b.WriteString(" " + l.subject)
	}
	b.WriteString(" – " + l.message)
	if l.source != "" {
		b.WriteString(" [" + l.source + "]")
	}
	b.WriteByte('\n')

	shown, hidden := selectInfoFields(l.fields, verbose)
	for _, f := range shown {
		fmt.Fprintf(&b, "    - %s: %s\n", f.label, f.value)
	}
	switch {
	case hidden == 1:
		b.WriteString("    + 1 more field hidden\n")
	case hidden > 1:
		fmt.Fprintf(&b, "    + %d more fields hidden\n", hidden)
	}
	return b.String()
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.bound = append([]kv(nil), h.bound...)
	for _, attr := range attrs {
		flattenAttr(&next.bound, h.groups, attr)
	}
	return &next
}

func (h *consoleHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.groups = append(append([]string(nil), h.groups...), name)
	return &next
}

// FormatSubject builds the run/phase subject shown after the level label.
// Run ids are shortened to eight characters.
func FormatSubject(runID, stage string) string {
	runID = strings.TrimSpace(runID)
	stage = strings.TrimSpace(stage)
	runID = runID[:min(len(runID), 8)]
	switch {
	case runID == "":
		return stage
	case stage == "":
		return "Run " + runID
	default:
		return fmt.Sprintf("Run %s (%s)", runID, stage)
	}
}

type kv struct {
	key   string
	value slog.Value
}

// dedupeKVsByKey keeps the first position of each key with its last value.
func dedupeKVsByKey(attrs []kv) []kv {
	index := make(map[string]int, len(attrs))
	out := attrs[:0:0]
	for _, attr := range attrs {
		if attr.key == "" {
			continue
		}
		if pos, seen := index[attr.key]; seen {
			out[pos].value = attr.value
			continue
		}
		index[attr.key] = len(out)
		out = append(out, attr)
	}
	return out
}

// flattenAttr resolves attr and appends it under a dotted key, expanding
// groups recursively.
func flattenAttr(dst *[]kv, prefix []string, attr slog.Attr) {
	if attr.Equal(slog.Attr{}) {
		return
	}
	value := attr.Value.Resolve()
	path := prefix
	if attr.Key != "" {
		path = append(append([]string(nil), prefix...), attr.Key)
	}
	if value.Kind() == slog.KindGroup {
		for _, member := range value.Group() {
			flattenAttr(dst, path, member)
		}
		return
	}
	*dst = append(*dst, kv{key: strings.Join(path, "."), value: value})
}

var levelLabels = []struct {
	min   slog.Level
	label string
}{
	{slog.LevelError, "ERROR"},
	{slog.LevelWarn, "WARN"},
	{slog.LevelInfo, "INFO"},
}

func levelLabel(level slog.Level) string {
	for _, l := range levelLabels {
		if level >= l.min {
			return l.label
		}
	}
	return "DEBUG"
}
