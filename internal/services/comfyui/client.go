package comfyui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"vidax/internal/config"
	"vidax/internal/contenthash"
	"vidax/internal/logging"
	"vidax/internal/services"
)

const (
	defaultRequestTimeout = 15 * time.Second
	maxErrorBody          = 2000
)

var healthEndpoints = []string{"/system_stats", "/health", "/"}

// HTTPDoer describes the HTTP client used by the backend client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Settings configures a Client.
type Settings struct {
	BaseURL             string
	InputDir            string
	UploadInputs        bool
	RequestTimeout      time.Duration
	DownloadConcurrency int
}

// SettingsFromConfig derives client settings for server from the config.
func SettingsFromConfig(cfg *config.Config, server string) Settings {
	s := Settings{BaseURL: server}
	if cfg == nil {
		return s
	}
	if strings.TrimSpace(s.BaseURL) == "" {
		s.BaseURL = cfg.ComfyUI.DefaultServer
	}
	s.InputDir = cfg.ComfyUI.InputDir
	s.UploadInputs = cfg.ComfyUI.UploadInputs
	s.RequestTimeout = time.Duration(cfg.ComfyUI.RequestTimeoutSeconds) * time.Second
	s.DownloadConcurrency = cfg.ComfyUI.DownloadConcurrency
	return s
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(doer HTTPDoer) Option {
	return func(c *Client) {
		if doer != nil {
			c.http = doer
		}
	}
}

// WithClock overrides the clock used by the poller (useful for tests).
func WithClock(clock Clock) Option {
	return func(c *Client) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Client wraps the generation backend HTTP API.
type Client struct {
	settings Settings
	baseURL  string
	clientID string
	http     HTTPDoer
	clock    Clock
	logger   *slog.Logger
}

// NewClient constructs a client for the configured backend.
func NewClient(settings Settings, opts ...Option) *Client {
	timeout := settings.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	if settings.DownloadConcurrency <= 0 {
		settings.DownloadConcurrency = 4
	}
	c := &Client{
		settings: settings,
		baseURL:  strings.TrimRight(strings.TrimSpace(settings.BaseURL), "/"),
		clientID: uuid.NewString(),
		http:     &http.Client{Timeout: timeout},
		clock:    realClock{},
		logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the normalized server URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Health probes the known health endpoints in order; the first 2xx wins.
func (c *Client) Health(ctx context.Context) error {
	if c.baseURL == "" {
		return services.New(services.CodeGenerationUnavailable, "generation server url missing", nil)
	}
	var lastErr error
	for _, endpoint := range healthEndpoints {
		resp, err := c.do(ctx, http.MethodGet, endpoint, nil, "")
		if err != nil {
			lastErr = err
			continue
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("%s returned %d", endpoint, resp.StatusCode)
	}
	return services.Wrap(services.CodeGenerationUnavailable, "generation backend unreachable", lastErr, map[string]any{"server": c.baseURL})
}

// ObjectInfo returns the node catalogue keyed by node class.
func (c *Client) ObjectInfo(ctx context.Context) (map[string]json.RawMessage, error) {
	var info map[string]json.RawMessage
	if err := c.getJSON(ctx, "/object_info", false, &info); err != nil {
		return nil, err
	}
	return info, nil
}

// RequireNodes fails with GENERATION_MISSING_CAPABILITY when any named node
// class is not installed on the backend.
func (c *Client) RequireNodes(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}
	info, err := c.ObjectInfo(ctx)
	if err != nil {
		return err
	}
	var missing []string
	for _, name := range names {
		if _, ok := info[name]; !ok && !slices.Contains(missing, name) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return services.New(services.CodeGenerationMissingCapability, "generation backend missing required nodes", map[string]any{"missing": missing})
	}
	return nil
}

// UploadImage uploads a local file through /upload/image and returns the
// name the backend stored it under.
func (c *Client) UploadImage(ctx context.Context, path, name string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", services.Wrap(services.CodeInputNotFound, "upload source missing", err, map[string]any{"path": path})
	}
	defer f.Close()
	if name == "" {
		name = filepath.Base(path)
	}
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("image", name)
	if err != nil {
		return "", fmt.Errorf("build upload form: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", fmt.Errorf("read upload source: %w", err)
	}
	_ = writer.WriteField("overwrite", "true")
	_ = writer.WriteField("type", "input")
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("finish upload form: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPost, "/upload/image", &body, writer.FormDataContentType())
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, "upload"); err != nil {
		return "", err
	}
	var payload struct {
		Name      string `json:"name"`
		Subfolder string `json:"subfolder"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil || payload.Name == "" {
		return name, nil
	}
	if payload.Subfolder != "" {
		return payload.Subfolder + "/" + payload.Name, nil
	}
	return payload.Name, nil
}

// StageInput makes a local file visible to the backend, either by uploading
// it or by copying it under a content-addressed name into the input dir.
func (c *Client) StageInput(ctx context.Context, path string) (string, error) {
	if c.settings.UploadInputs {
		hash, err := contenthash.HashFile(path)
		if err != nil {
			return "", services.Wrap(services.CodeInputNotFound, "unable to hash staged input", err, map[string]any{"path": path})
		}
		return c.UploadImage(ctx, path, contenthash.StagedName(hash, filepath.Ext(path)))
	}
	if strings.TrimSpace(c.settings.InputDir) == "" {
		return "", services.New(services.CodeGenerationUnavailable, "no staging route to generation backend", map[string]any{
			"hint": "set comfyui.input_dir or comfyui.upload_inputs",
		})
	}
	res, err := contenthash.Stage(path, c.settings.InputDir)
	if err != nil {
		return "", err
	}
	c.logger.Debug("staged generation input",
		logging.String("source", path),
		logging.String("name", res.Name),
		logging.Bool("copied", res.Copied),
	)
	return res.Name, nil
}

// SubmitPrompt queues a prompt and returns its id.
func (c *Client) SubmitPrompt(ctx context.Context, prompt Prompt) (string, error) {
	payload, err := json.Marshal(map[string]any{"prompt": prompt.Nodes, "client_id": c.clientID})
	if err != nil {
		return "", services.Wrap(services.CodeValidation, "unable to encode prompt", err, nil)
	}
	resp, err := c.do(ctx, http.MethodPost, "/prompt", bytes.NewReader(payload), "application/json")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", services.Wrap(services.CodeGenerationUnavailable, "failed reading prompt response", err, nil)
	}
	var decoded struct {
		PromptID   string          `json:"prompt_id"`
		Error      json.RawMessage `json:"error"`
		NodeErrors json.RawMessage `json:"node_errors"`
	}
	jsonErr := json.Unmarshal(body, &decoded)
	if jsonErr == nil && (hasContent(decoded.Error) || hasContent(decoded.NodeErrors)) {
		return "", services.New(services.CodeGenerationPromptFailed, "generation backend rejected prompt", map[string]any{
			"status":      resp.StatusCode,
			"error":       rawDetail(decoded.Error),
			"node_errors": rawDetail(decoded.NodeErrors),
		})
	}
	if resp.StatusCode >= 500 {
		return "", services.New(services.CodeGenerationUnavailable, fmt.Sprintf("prompt submission returned %d", resp.StatusCode), map[string]any{"body": truncate(string(body))})
	}
	if resp.StatusCode >= 300 {
		return "", services.New(services.CodeGenerationPromptFailed, fmt.Sprintf("prompt submission returned %d", resp.StatusCode), map[string]any{"body": truncate(string(body))})
	}
	if jsonErr != nil || strings.TrimSpace(decoded.PromptID) == "" {
		return "", services.New(services.CodeGenerationBadResponse, "prompt response missing prompt_id", map[string]any{"body": truncate(string(body))})
	}
	return decoded.PromptID, nil
}

// History fetches and parses the history entry for promptID. found is false
// when the backend has no record yet.
func (c *Client) History(ctx context.Context, promptID string) (HistoryEntry, bool, error) {
	return c.history(ctx, promptID, false)
}

func (c *Client) history(ctx context.Context, promptID string, fresh bool) (HistoryEntry, bool, error) {
	var raw json.RawMessage
	if err := c.getJSON(ctx, "/history/"+url.PathEscape(promptID), fresh, &raw); err != nil {
		return HistoryEntry{}, false, err
	}
	return ParseHistory(promptID, raw)
}

// QueueState reports where a prompt sits in the backend queue.
type QueueState struct {
	Running bool
	Pending bool
}

// Active reports whether the prompt is running or waiting.
func (q QueueState) Active() bool { return q.Running || q.Pending }

// Queue returns the queue state of promptID.
func (c *Client) Queue(ctx context.Context, promptID string) (QueueState, error) {
	var payload struct {
		Running []json.RawMessage `json:"queue_running"`
		Pending []json.RawMessage `json:"queue_pending"`
	}
	if err := c.getJSON(ctx, "/queue", true, &payload); err != nil {
		return QueueState{}, err
	}
	return QueueState{
		Running: queueContains(payload.Running, promptID),
		Pending: queueContains(payload.Pending, promptID),
	}, nil
}

func queueContains(items []json.RawMessage, promptID string) bool {
	for _, item := range items {
		var fields []json.RawMessage
		if err := json.Unmarshal(item, &fields); err != nil || len(fields) < 2 {
			continue
		}
		var id string
		if err := json.Unmarshal(fields[1], &id); err == nil && id == promptID {
			return true
		}
	}
	return false
}

func (c *Client) getJSON(ctx context.Context, endpoint string, fresh bool, dest any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil, "")
	if err != nil {
		return err
	}
	if fresh {
		req.Header.Set("Cache-Control", "no-cache")
	}
	resp, err := c.send(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, endpoint); err != nil {
		return err
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return services.Wrap(services.CodeGenerationUnavailable, "failed reading backend response", err, map[string]any{"endpoint": endpoint})
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return services.Wrap(services.CodeGenerationBadResponse, "backend returned invalid json", err, map[string]any{
			"endpoint": endpoint,
			"body":     truncate(string(body)),
		})
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := c.newRequest(ctx, method, endpoint, body, contentType)
	if err != nil {
		return nil, err
	}
	return c.send(req)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader, contentType string) (*http.Request, error) {
	if c.baseURL == "" {
		return nil, services.New(services.CodeGenerationUnavailable, "generation server url missing", nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return nil, services.Wrap(services.CodeValidation, "invalid generation request", err, map[string]any{"endpoint": endpoint})
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) send(req *http.Request) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return nil, ctxErr
		}
		return nil, services.Wrap(services.CodeGenerationUnavailable, "generation backend request failed", err, map[string]any{
			"url": req.URL.String(),
		})
	}
	return resp, nil
}

func checkStatus(resp *http.Response, op string) error {
	if resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	code := services.CodeGenerationBadResponse
	if resp.StatusCode >= 500 {
		code = services.CodeGenerationUnavailable
	}
	return services.New(code, fmt.Sprintf("%s returned %d", op, resp.StatusCode), map[string]any{
		"status": resp.StatusCode,
		"body":   strings.TrimSpace(string(body)),
	})
}

func hasContent(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	switch trimmed {
	case "", "null", "{}", "[]", `""`:
		return false
	}
	return true
}

func rawDetail(raw json.RawMessage) any {
	if !hasContent(raw) {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return truncate(string(raw))
	}
	return v
}

func truncate(s string) string {
	if len(s) > maxErrorBody {
		return s[:maxErrorBody]
	}
	return s
}
