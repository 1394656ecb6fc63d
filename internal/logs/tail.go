package logs

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

const followPollInterval = 250 * time.Millisecond

// Event is one decoded event line.
type Event map[string]any

func (e Event) str(key string) string {
	s, _ := e[key].(string)
	return s
}

// Level returns the lower-case level name.
func (e Event) Level() string { return e.str("level") }

// Stage returns the phase (or "init"/"run") that emitted the event.
func (e Event) Stage() string { return e.str("stage") }

// Message returns the event message.
func (e Event) Message() string { return e.str("message") }

// Timestamp parses the event timestamp; the zero time is returned when it
// is missing or malformed.
func (e Event) Timestamp() time.Time {
	ts, err := time.Parse(time.RFC3339Nano, e.str("timestamp"))
	if err != nil {
		return time.Time{}
	}
	return ts
}

// ParseEvent decodes one JSON line.
func ParseEvent(line string) (Event, error) {
	var ev Event
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return ev, nil
}

// TailOptions selects the window Tail reads. A negative Offset returns the
// last Limit events (all when Limit <= 0); otherwise reading starts at Offset
// bytes. Follow waits up to Wait for new lines when none are available.
// Stage and Level filter the decoded events.
type TailOptions struct {
	Offset int64
	Limit  int
	Follow bool
	Wait   time.Duration
	Stage  string
	Level  string
}

// TailResult carries the decoded events and the offset to resume from.
// Skipped counts lines that were not valid JSON.
type TailResult struct {
	Events  []Event `json:"events"`
	Offset  int64   `json:"offset"`
	Skipped int     `json:"skipped,omitempty"`
}

// Tail reads events from path. A missing file yields an empty result.
func Tail(ctx context.Context, path string, opts TailOptions) (TailResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return TailResult{}, nil
		}
		return TailResult{}, fmt.Errorf("stat event log: %w", err)
	}
	if info.IsDir() {
		return TailResult{}, fmt.Errorf("event log %q is a directory", path)
	}
	opts.Wait = max(opts.Wait, 0)

	var (
		lines  []string
		offset int64
	)
	if opts.Offset < 0 {
		lines, offset, err = readLast(path, opts.Limit)
	} else {
		lines, offset, err = readFrom(path, min(opts.Offset, info.Size()))
	}
	if err != nil {
		return TailResult{}, err
	}
	if len(lines) == 0 && opts.Follow && opts.Wait > 0 {
		lines, offset, err = waitForLines(ctx, path, offset, opts.Wait)
		if err != nil {
			return TailResult{Offset: offset}, err
		}
	}
	return decode(lines, offset, opts), nil
}

func decode(lines []string, offset int64, opts TailOptions) TailResult {
	res := TailResult{Offset: offset}
	stage := strings.TrimSpace(opts.Stage)
	level := strings.ToLower(strings.TrimSpace(opts.Level))
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		ev, err := ParseEvent(line)
		if err != nil {
			res.Skipped++
			continue
		}
		if stage != "" && ev.Stage() != stage {
			continue
		}
		if level != "" && ev.Level() != level {
			continue
		}
		res.Events = append(res.Events, ev)
	}
	return res
}

func openScanner(path string) (*os.File, *bufio.Scanner, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open event log: %w", err)
	}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return file, scanner, nil
}

// readLast keeps the last limit lines in a ring buffer.
func readLast(path string, limit int) ([]string, int64, error) {
	file, scanner, err := openScanner(path)
	if err != nil {
		return nil, 0, err
	}
	defer file.Close()

	var lines []string
	if limit > 0 {
		ring := make([]string, limit)
		count, idx := 0, 0
		for scanner.Scan() {
			ring[idx] = scanner.Text()
			idx = (idx + 1) % limit
			count = min(count+1, limit)
		}
		lines = make([]string, count)
		for i := range count {
			lines[i] = ring[(idx-count+i+limit)%limit]
		}
	} else {
		for scanner.Scan() {
			lines = append(lines, scanner.Text())
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("read event log: %w", err)
	}
	offset, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, 0, fmt.Errorf("seek event log: %w", err)
	}
	return lines, offset, nil
}

// readFrom returns the complete lines after offset. A trailing partial
// line is left for the next read.
func readFrom(path string, offset int64) ([]string, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, offset, fmt.Errorf("open event log: %w", err)
	}
	defer file.Close()
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, fmt.Errorf("seek event log: %w", err)
	}
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, offset, fmt.Errorf("read event log: %w", err)
	}
	end := strings.LastIndexByte(string(data), '\n')
	if end < 0 {
		return nil, offset, nil
	}
	chunk := string(data[:end])
	return strings.Split(chunk, "\n"), offset + int64(end) + 1, nil
}

func waitForLines(ctx context.Context, path string, offset int64, wait time.Duration) ([]string, int64, error) {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	ticker := time.NewTicker(followPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, offset, ctx.Err()
		case <-deadline.C:
			return nil, offset, nil
		case <-ticker.C:
		}
		lines, next, err := readFrom(path, offset)
		if err != nil {
			return nil, offset, err
		}
		if len(lines) > 0 {
			return lines, next, nil
		}
	}
}
