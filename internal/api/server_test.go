package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"vidax/internal/job"
	"vidax/internal/logs"
	"vidax/internal/manifest"
	"vidax/internal/pipeline"
	"vidax/internal/services"
	"vidax/internal/workdir"
)

type runsStub struct {
	mu       sync.Mutex
	base     string
	created  []*job.Job
	started  chan string
	release  chan struct{}
	status   manifest.Manifest
	tailOpts logs.TailOptions
	startRID string
}

func newRunsStub(t *testing.T) *runsStub {
	t.Helper()
	base := t.TempDir()
	layout := workdir.ForBase(base, "", "run-1")
	if err := os.MkdirAll(layout.LogsDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(layout.Manifest, []byte(`{"run_id":"run-1","status":"queued"}`), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	if err := os.WriteFile(layout.Events, []byte(`{"level":"info","stage":"init","message":"job accepted"}`+"\n"), 0o644); err != nil {
		t.Fatalf("write events: %v", err)
	}
	return &runsStub{
		base:    base,
		started: make(chan string, 1),
		release: make(chan struct{}),
		status: manifest.Manifest{
			RunID:  "run-1",
			Status: manifest.RunQueued,
			Phases: map[string]manifest.PhaseRecord{},
		},
	}
}

func (s *runsStub) layout(runID string) workdir.Layout { return workdir.ForBase(s.base, "", runID) }

func (s *runsStub) Create(_ context.Context, j *job.Job) (pipeline.Result, error) {
	if res := job.Validate(j); !res.Valid {
		return pipeline.Result{}, res.Err()
	}
	s.mu.Lock()
	s.created = append(s.created, j)
	s.mu.Unlock()
	return pipeline.Result{RunID: "run-1", Status: manifest.RunQueued, Layout: s.layout("run-1")}, nil
}

func (s *runsStub) Start(ctx context.Context, runID string) (pipeline.Result, error) {
	rid, _ := services.RequestIDFromContext(ctx)
	s.mu.Lock()
	s.startRID = rid
	s.mu.Unlock()
	s.started <- runID
	<-s.release
	return pipeline.Result{RunID: runID, Status: manifest.RunCompleted}, nil
}

func (s *runsStub) Lookup(runID string) (workdir.Layout, error) {
	if runID != "run-1" {
		return workdir.Layout{}, services.New(services.CodeInputNotFound, "unknown run id", map[string]any{"run_id": runID})
	}
	return s.layout(runID), nil
}

func (s *runsStub) Status(string) (manifest.Manifest, error) { return s.status, nil }

func (s *runsStub) Logs(_ context.Context, _ string, opts logs.TailOptions) (logs.TailResult, error) {
	s.mu.Lock()
	s.tailOpts = opts
	s.mu.Unlock()
	return logs.TailResult{Events: []logs.Event{{"message": "job accepted"}}, Offset: 9}, nil
}

func do(t *testing.T, srv *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func validJobJSON(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	start := filepath.Join(dir, "start.png")
	audio := filepath.Join(dir, "voice.wav")
	for _, p := range []string{start, audio} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", p, err)
		}
	}
	doc := map[string]any{
		"input":   map[string]any{"start_image": start, "audio": audio},
		"comfyui": map[string]any{"enable": false},
		"output":  map[string]any{"workdir": filepath.Join(dir, "run")},
	}
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(data)
}

func TestCreateAcceptsValidJob(t *testing.T) {
	runs := newRunsStub(t)
	srv := NewServer("127.0.0.1:0", runs, nil)

	w := do(t, srv, http.MethodPost, "/jobs", validJobJSON(t))
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var resp CreateResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.RunID != "run-1" || resp.Status != manifest.RunQueued || resp.Workdir != runs.base {
		t.Fatalf("unexpected response %+v", resp)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected a request id header")
	}
}

func TestCreateRejectsInvalidJob(t *testing.T) {
	srv := NewServer("", newRunsStub(t), nil)

	w := do(t, srv, http.MethodPost, "/jobs", `{"input":{}}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	var resp services.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Code != services.CodeValidation {
		t.Fatalf("unexpected code %s", resp.Code)
	}
}

func TestStartRunsInBackground(t *testing.T) {
	runs := newRunsStub(t)
	srv := NewServer("", runs, nil)

	req := httptest.NewRequest(http.MethodPost, "/jobs/run-1/start", nil)
	req.Header.Set("X-Request-ID", "req-42")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	select {
	case id := <-runs.started:
		if id != "run-1" {
			t.Fatalf("started %q", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run was not started")
	}
	runs.mu.Lock()
	rid := runs.startRID
	runs.mu.Unlock()
	if rid != "req-42" {
		t.Fatalf("run context carries request id %q, want req-42", rid)
	}

	if w := do(t, srv, http.MethodPost, "/jobs/run-1/start", ""); w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a busy run, got %d", w.Code)
	}
	status := do(t, srv, http.MethodGet, "/jobs/run-1", "")
	var resp StatusResponse
	if err := json.Unmarshal(status.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Active || resp.Status != manifest.RunQueued {
		t.Fatalf("unexpected status %+v", resp)
	}

	close(runs.release)
	srv.Wait()
	if srv.isActive("run-1") {
		t.Fatal("run should no longer be active")
	}
}

func TestUnknownRunIsNotFound(t *testing.T) {
	srv := NewServer("", newRunsStub(t), nil)
	for _, target := range []string{"/jobs/nope", "/jobs/nope/manifest", "/jobs/nope/logs"} {
		if w := do(t, srv, http.MethodGet, target, ""); w.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", target, w.Code)
		}
	}
	if w := do(t, srv, http.MethodPost, "/jobs/nope/start", ""); w.Code != http.StatusNotFound {
		t.Fatalf("start: expected 404, got %d", w.Code)
	}
}

func TestManifestAndRawLogs(t *testing.T) {
	srv := NewServer("", newRunsStub(t), nil)

	w := do(t, srv, http.MethodGet, "/jobs/run-1/manifest", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"run_id":"run-1"`) {
		t.Fatalf("unexpected manifest response %d %s", w.Code, w.Body.String())
	}
	w = do(t, srv, http.MethodGet, "/jobs/run-1/logs", "")
	if w.Code != http.StatusOK || !strings.HasPrefix(w.Header().Get("Content-Type"), "text/plain") {
		t.Fatalf("unexpected logs response %d %s", w.Code, w.Header().Get("Content-Type"))
	}
	if !strings.Contains(w.Body.String(), "job accepted") {
		t.Fatalf("unexpected log body %s", w.Body.String())
	}
}

func TestJSONLogsParsesQuery(t *testing.T) {
	runs := newRunsStub(t)
	srv := NewServer("", runs, nil)

	w := do(t, srv, http.MethodGet, "/jobs/run-1/logs?format=json&offset=5&limit=10&follow=1&wait=2m&stage=encode&level=warn", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var res logs.TailResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Offset != 9 || len(res.Events) != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	got := runs.tailOpts
	if got.Offset != 5 || got.Limit != 10 || !got.Follow || got.Wait != maxLogWait || got.Stage != "encode" || got.Level != "warn" {
		t.Fatalf("unexpected tail options %+v", got)
	}

	if w := do(t, srv, http.MethodGet, "/jobs/run-1/logs?format=json&offset=abc", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a bad offset, got %d", w.Code)
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	srv := NewServer("127.0.0.1:0", newRunsStub(t), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return")
	}
}
