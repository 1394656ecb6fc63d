package comfyui

import (
	"context"
	"time"

	"vidax/internal/logging"
	"vidax/internal/services"
)

// Clock abstracts time for the poller.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// WaitOptions bounds a completion wait.
type WaitOptions struct {
	TimeoutTotal     time.Duration
	PollInterval     time.Duration
	StallNoNewOutput time.Duration
	StallNoOutput    time.Duration
}

func (o WaitOptions) withDefaults() WaitOptions {
	if o.TimeoutTotal <= 0 {
		o.TimeoutTotal = 30 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.StallNoNewOutput <= 0 {
		o.StallNoNewOutput = 2 * time.Minute
	}
	if o.StallNoOutput <= 0 {
		o.StallNoOutput = 5 * time.Minute
	}
	return o
}

// WaitForCompletion polls the history of promptID until it completes,
// fails, stalls without a queue entry, or exceeds the total timeout.
func (c *Client) WaitForCompletion(ctx context.Context, promptID string, opts WaitOptions) (HistoryEntry, error) {
	opts = opts.withDefaults()
	start := c.clock.Now()
	lastProgress := start
	noOutputSince := start
	polls := 0

	for {
		if err := ctx.Err(); err != nil {
			return HistoryEntry{}, err
		}
		polls++
		entry, found, err := c.History(ctx, promptID)
		switch {
		case err != nil && services.CodeOf(err) == services.CodeGenerationBadResponse:
			return HistoryEntry{}, err
		case err != nil:
			if ctx.Err() != nil {
				return HistoryEntry{}, ctx.Err()
			}
			c.logger.Debug("history poll failed", logging.String("prompt_id", promptID), logging.Error(err))
		case found:
			if entry.Failed {
				return HistoryEntry{}, services.New(services.CodeGenerationPromptFailed, "generation prompt failed", map[string]any{
					"prompt_id": promptID,
					"message":   entry.StatusMessage,
				})
			}
			if entry.Completed || len(entry.Artifacts) > 0 {
				c.logger.Info("generation prompt finished",
					logging.String("prompt_id", promptID),
					logging.Int("artifacts", len(entry.Artifacts)),
					logging.Int("polls", polls),
				)
				return entry, nil
			}
		}

		now := c.clock.Now()
		if now.Sub(start) >= opts.TimeoutTotal {
			return HistoryEntry{}, services.New(services.CodeGenerationTimeout, "generation timed out", map[string]any{
				"prompt_id":       promptID,
				"timeout_seconds": opts.TimeoutTotal.Seconds(),
			})
		}

		// Any artifact ends the wait, so both stall windows only run while
		// the prompt has produced nothing.
		stalled := now.Sub(lastProgress) >= opts.StallNoNewOutput ||
			now.Sub(noOutputSince) >= opts.StallNoOutput
		if stalled {
			done, entry, err := c.recheck(ctx, promptID)
			if err != nil {
				return HistoryEntry{}, err
			}
			if done {
				return entry, nil
			}
			lastProgress = now
			noOutputSince = now
		}

		if err := c.clock.Sleep(ctx, opts.PollInterval); err != nil {
			return HistoryEntry{}, err
		}
	}
}

// recheck queries the queue and a fresh history when polling has stalled.
// A prompt that is neither queued nor recorded has silently failed.
func (c *Client) recheck(ctx context.Context, promptID string) (bool, HistoryEntry, error) {
	state, qErr := c.Queue(ctx, promptID)
	entry, found, hErr := c.history(ctx, promptID, true)
	if hErr != nil && services.CodeOf(hErr) == services.CodeGenerationBadResponse {
		return false, HistoryEntry{}, hErr
	}
	if hErr == nil && found {
		if entry.Failed {
			return false, HistoryEntry{}, services.New(services.CodeGenerationPromptFailed, "generation prompt failed", map[string]any{
				"prompt_id": promptID,
				"message":   entry.StatusMessage,
			})
		}
		if entry.Completed || len(entry.Artifacts) > 0 {
			return true, entry, nil
		}
	}
	if qErr == nil && hErr == nil && !state.Active() && !found {
		return false, HistoryEntry{}, services.New(services.CodeGenerationPromptFailed, "generation prompt silently failed", map[string]any{
			"prompt_id": promptID,
		})
	}
	c.logger.Info("generation stall check passed",
		logging.String("prompt_id", promptID),
		logging.Bool("running", state.Running),
		logging.Bool("pending", state.Pending),
	)
	return false, HistoryEntry{}, nil
}
