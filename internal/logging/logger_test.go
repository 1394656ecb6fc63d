package logging_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"vidax/internal/config"
	"vidax/internal/logging"
	"vidax/internal/services"
)

func TestNewFromConfigConsole(t *testing.T) {
	cfg := config.Default()
	logger, err := logging.NewFromConfig(&cfg)
	if err != nil {
		t.Fatalf("NewFromConfig returned error: %v", err)
	}
	if logger == nil {
		t.Fatal("expected logger instance")
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := logging.New(logging.Options{Format: "xml"}); err == nil {
		t.Fatal("expected unsupported format error")
	}
}

func TestConsoleLoggerOmitsCallerForInfo(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "console-info.log")
	logger, err := logging.New(logging.Options{Format: "console", Level: "info", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	logger.Info("phase started", logging.String(logging.FieldRunID, "0123456789abcdef"), logging.String(logging.FieldStage, "prepare"), logging.Int("target_frames", 96))

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	text := string(content)
	if strings.Contains(text, ".go:") {
		t.Fatalf("expected no caller information in info logs, got %q", text)
	}
	if !strings.Contains(text, "Run 01234567 (prepare)") {
		t.Fatalf("expected run subject, got %q", text)
	}
	if !strings.Contains(text, "Target Frames: 96") {
		t.Fatalf("expected highlighted field, got %q", text)
	}
}

func TestConsoleLoggerIncludesCallerForDebug(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "console-debug.log")
	logger, err := logging.New(logging.Options{Format: "console", Level: "debug", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Info("message with caller")

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(content), ".go:") {
		t.Fatalf("expected caller information in debug logs, got %q", content)
	}
}

func TestWithContextAddsFields(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithRunID(ctx, "run-1")
	ctx = services.WithStage(ctx, "encode")
	ctx = services.WithRequestID(ctx, "req-xyz")

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	logging.WithContext(ctx, logger).Info("contextual log")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	for key, want := range map[string]string{
		logging.FieldRunID:         "run-1",
		logging.FieldStage:         "encode",
		logging.FieldCorrelationID: "req-xyz",
	} {
		if record[key] != want {
			t.Fatalf("field %s = %v, want %s", key, record[key], want)
		}
	}
}

func TestEventLogAppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "events.jsonl")
	events, err := logging.OpenEventLog(path)
	if err != nil {
		t.Fatalf("OpenEventLog: %v", err)
	}
	var console bytes.Buffer
	base := slog.New(slog.NewTextHandler(&console, nil))
	logger := logging.TeeLogger(base, events.Handler()).With(logging.String(logging.FieldRunID, "run-9"))

	logger.Info("preparing inputs", logging.String(logging.FieldStage, "prepare"), logging.Float64("audio_duration_seconds", 4))
	logger.Warn("lipsync failed", logging.String(logging.FieldStage, "lipsync"), logging.Error(errors.New("exit 3")))
	logger.Info("no stage")
	if err := events.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := logging.OpenEventLog(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	slog.New(reopened.Handler()).Info("resumed", logging.String(logging.FieldStage, "init"))
	_ = reopened.Close()

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open events: %v", err)
	}
	defer file.Close()
	var lines []map[string]any
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var evt map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &evt); err != nil {
			t.Fatalf("line is not JSON: %q", scanner.Text())
		}
		lines = append(lines, evt)
	}
	if len(lines) != 4 {
		t.Fatalf("expected 4 events across reopen, got %d", len(lines))
	}
	first := lines[0]
	if first["level"] != "info" || first["stage"] != "prepare" || first["message"] != "preparing inputs" || first["run_id"] != "run-9" {
		t.Fatalf("unexpected first event: %#v", first)
	}
	if first["timestamp"] == nil {
		t.Fatal("expected timestamp field")
	}
	if lines[1]["level"] != "warn" || lines[1]["error"] != "exit 3" {
		t.Fatalf("unexpected warn event: %#v", lines[1])
	}
	if lines[2]["stage"] != "run" {
		t.Fatalf("expected default stage, got %#v", lines[2]["stage"])
	}
	if console.Len() == 0 {
		t.Fatal("expected base logger to receive output too")
	}
}

func TestTeeLoggerNilBase(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.TeeLogger(nil, slog.NewJSONHandler(&buf, nil))
	logger.Info("no base")
	if buf.Len() == 0 {
		t.Fatal("expected output in tee buffer")
	}
}

func TestWarnWithContextInjectsDefaults(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	logging.WarnWithContext(logger, "generation degraded", "generation_fallback")
	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, key := range []string{logging.FieldEventType, logging.FieldErrorHint, logging.FieldImpact} {
		if _, ok := record[key]; !ok {
			t.Fatalf("expected %s field in %v", key, record)
		}
	}
}

func TestJSONLoggerUsesEventKeys(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "vidax.jsonl")
	logger, err := logging.New(logging.Options{Format: "json", Level: "info", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Warn("mux retry", logging.String(logging.FieldStage, "encode"))

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var record map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(content), &record); err != nil {
		t.Fatalf("decode %q: %v", content, err)
	}
	if record["message"] != "mux retry" || record["level"] != "warn" || record["stage"] != "encode" {
		t.Fatalf("unexpected record %#v", record)
	}
	if _, ok := record["timestamp"].(string); !ok {
		t.Fatalf("expected string timestamp in %#v", record)
	}
	if _, ok := record["msg"]; ok {
		t.Fatalf("msg key should be renamed: %#v", record)
	}
}

func TestTeeLoggerFansOut(t *testing.T) {
	var a, b bytes.Buffer
	logger := logging.TeeLogger(slog.New(slog.NewTextHandler(&a, nil)), slog.NewTextHandler(&b, &slog.HandlerOptions{Level: slog.LevelWarn}))
	logger.With(logging.String("k", "v")).Info("info only")
	logger.Warn("both")
	if !strings.Contains(a.String(), "info only") || !strings.Contains(a.String(), "k=v") || !strings.Contains(a.String(), "both") {
		t.Fatalf("base handler output %q", a.String())
	}
	if strings.Contains(b.String(), "info only") || !strings.Contains(b.String(), "both") {
		t.Fatalf("warn handler output %q", b.String())
	}
}
