package comfyui

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"vidax/internal/services"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

func newTestClient(t *testing.T, handler http.Handler, opts ...Option) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(Settings{BaseURL: server.URL + "/", InputDir: t.TempDir()}, opts...)
}

func TestHealthFallsBackAcrossEndpoints(t *testing.T) {
	var hits []string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits = append(hits, r.URL.Path)
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.NotFound(w, r)
	}))
	if err := client.Health(context.Background()); err != nil {
		t.Fatalf("Health: %v", err)
	}
	if strings.Join(hits, ",") != "/system_stats,/health" {
		t.Fatalf("unexpected probe order %v", hits)
	}
}

func TestHealthUnavailable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()
	err := NewClient(Settings{BaseURL: url}).Health(context.Background())
	if services.CodeOf(err) != services.CodeGenerationUnavailable {
		t.Fatalf("expected GENERATION_UNAVAILABLE, got %v", err)
	}
	if !services.As(err).Retryable {
		t.Fatal("expected unavailable to be retryable")
	}
}

func TestRequireNodes(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"LoadImage":{},"SaveImage":{}}`)
	}))
	if err := client.RequireNodes(context.Background(), []string{"LoadImage", "SaveImage"}); err != nil {
		t.Fatalf("RequireNodes: %v", err)
	}
	err := client.RequireNodes(context.Background(), []string{"Wav2Lip", "LoadImage", "LoadAudio"})
	if services.CodeOf(err) != services.CodeGenerationMissingCapability {
		t.Fatalf("expected missing capability, got %v", err)
	}
	missing := services.As(err).Details["missing"].([]string)
	if strings.Join(missing, ",") != "LoadAudio,Wav2Lip" {
		t.Fatalf("unexpected missing list %v", missing)
	}
	if services.As(err).Retryable {
		t.Fatal("missing capability must not be retryable")
	}
}

func TestSubmitPrompt(t *testing.T) {
	var body map[string]any
	responses := []string{
		`{"prompt_id":"abc","number":1,"node_errors":{}}`,
		`{"error":{"type":"invalid_prompt"},"node_errors":{"5":{"errors":["bad"]}}}`,
		`not json`,
	}
	call := 0
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/prompt" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, _ = io.WriteString(w, responses[call])
		call++
	}))
	prompt := BuildMotionPrompt(PromptInputs{StartImageName: "start.png", FrameCount: 4})

	id, err := client.SubmitPrompt(context.Background(), prompt)
	if err != nil || id != "abc" {
		t.Fatalf("SubmitPrompt = %q, %v", id, err)
	}
	if body["client_id"] == "" || body["prompt"] == nil {
		t.Fatalf("unexpected payload %v", body)
	}
	if _, err := client.SubmitPrompt(context.Background(), prompt); services.CodeOf(err) != services.CodeGenerationPromptFailed {
		t.Fatalf("expected prompt failed, got %v", err)
	}
	if _, err := client.SubmitPrompt(context.Background(), prompt); services.CodeOf(err) != services.CodeGenerationBadResponse {
		t.Fatalf("expected bad response, got %v", err)
	}
}

func TestStageInputCopiesByContentHash(t *testing.T) {
	inputDir := t.TempDir()
	client := NewClient(Settings{BaseURL: "http://127.0.0.1:1", InputDir: inputDir})
	src := filepath.Join(t.TempDir(), "Face.PNG")
	if err := os.WriteFile(src, []byte("pixels"), 0o644); err != nil {
		t.Fatal(err)
	}
	name, err := client.StageInput(context.Background(), src)
	if err != nil {
		t.Fatalf("StageInput: %v", err)
	}
	if len(name) != 16+len(".png") || !strings.HasSuffix(name, ".png") {
		t.Fatalf("unexpected staged name %q", name)
	}
	if _, err := os.Stat(filepath.Join(inputDir, name)); err != nil {
		t.Fatalf("staged file missing: %v", err)
	}
	again, err := client.StageInput(context.Background(), src)
	if err != nil || again != name {
		t.Fatalf("restage = %q, %v", again, err)
	}
}

func TestStageInputUploads(t *testing.T) {
	var uploaded string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/upload/image" {
			http.NotFound(w, r)
			return
		}
		file, header, err := r.FormFile("image")
		if err != nil {
			t.Errorf("form file: %v", err)
			return
		}
		defer file.Close()
		uploaded = header.Filename
		if r.FormValue("overwrite") != "true" {
			t.Errorf("expected overwrite=true")
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"name": header.Filename})
	}))
	client.settings.UploadInputs = true
	src := filepath.Join(t.TempDir(), "voice.wav")
	if err := os.WriteFile(src, []byte("audio"), 0o644); err != nil {
		t.Fatal(err)
	}
	name, err := client.StageInput(context.Background(), src)
	if err != nil {
		t.Fatalf("StageInput: %v", err)
	}
	if name != uploaded || !strings.HasSuffix(name, ".wav") {
		t.Fatalf("name %q uploaded %q", name, uploaded)
	}
}
