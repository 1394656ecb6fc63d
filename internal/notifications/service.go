package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"vidax/internal/config"
)

const userAgent = "vidax/0.1.0"

// RunSummary describes a finished run.
type RunSummary struct {
	RunID          string
	ExitStatus     string
	Degraded       bool
	DegradedReason string
	ErrorCode      string
	ErrorMessage   string
	Final          string
	Duration       time.Duration
}

// Service is the notification surface used by the pipeline.
type Service interface {
	NotifyRunFinished(ctx context.Context, summary RunSummary) error
	TestNotification(ctx context.Context) error
}

// NewService builds an ntfy-backed service, or a no-op when no topic is set.
func NewService(cfg *config.Config) Service {
	if cfg == nil {
		return noopService{}
	}
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}
	timeout := time.Duration(cfg.Notifications.RequestTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ntfyService{endpoint: topic, client: &http.Client{Timeout: timeout}}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
}

func (n *ntfyService) NotifyRunFinished(ctx context.Context, summary RunSummary) error {
	return n.send(ctx, runPayload(summary))
}

func runPayload(s RunSummary) payload {
	duration := s.Duration.Round(time.Second)
	if duration < 0 {
		duration = 0
	}
	switch {
	case s.ExitStatus == "failed":
		var b strings.Builder
		fmt.Fprintf(&b, "Run %s failed", s.RunID)
		if s.ErrorCode != "" {
			fmt.Fprintf(&b, ": %s", s.ErrorCode)
		}
		if msg := strings.TrimSpace(s.ErrorMessage); msg != "" {
			fmt.Fprintf(&b, "\n%s", msg)
		}
		return payload{
			title:    "vidax - Run Failed",
			message:  b.String(),
			tags:     []string{"vidax", "run", "failed"},
			priority: "high",
		}
	case s.Degraded || s.ExitStatus == "partial":
		message := fmt.Sprintf("Run %s finished degraded in %s", s.RunID, duration)
		if s.DegradedReason != "" {
			message += "\nReason: " + s.DegradedReason
		}
		if s.Final != "" {
			message += "\nFile: " + s.Final
		}
		return payload{
			title:   "vidax - Run Partial",
			message: message,
			tags:    []string{"vidax", "run", "partial"},
		}
	default:
		message := fmt.Sprintf("Run %s complete in %s", s.RunID, duration)
		if s.Final != "" {
			message += "\nFile: " + s.Final
		}
		return payload{
			title:   "vidax - Run Complete",
			message: message,
			tags:    []string{"vidax", "run", "completed"},
		}
	}
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	return n.send(ctx, payload{
		title:    "vidax - Test",
		message:  "Notification system test",
		tags:     []string{"vidax", "test"},
		priority: "low",
	})
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) NotifyRunFinished(context.Context, RunSummary) error { return nil }
func (noopService) TestNotification(context.Context) error              { return nil }
