// Package lipsync runs external lip-sync providers configured in the
// [lipsync.providers] table.
package lipsync

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"vidax/internal/config"
	"vidax/internal/fileutil"
	"vidax/internal/logging"
	"vidax/internal/services"
)

// MaxLogChars caps a single streamed output line.
const MaxLogChars = 5000

// Request describes one lip-sync invocation.
type Request struct {
	Provider string
	Params   map[string]any
	Audio    string
	Video    string
	Out      string
}

// Syncer is the behaviour the pipeline depends on.
type Syncer interface {
	Run(ctx context.Context, req Request) error
}

// Executor abstracts command execution for testability. onLine receives each
// output line tagged with its stream name.
type Executor interface {
	Run(ctx context.Context, binary string, args []string, dir string, onLine func(stream, line string)) error
}

// Option configures a Runner.
type Option func(*Runner)

// WithExecutor injects a custom executor (primarily for tests).
func WithExecutor(exec Executor) Option {
	return func(r *Runner) {
		if exec != nil {
			r.exec = exec
		}
	}
}

// WithLogger sets the logger subprocess output is streamed to.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Runner executes configured providers.
type Runner struct {
	providers map[string]config.LipsyncProvider
	exec      Executor
	logger    *slog.Logger
}

// NewRunner constructs a Runner over the provider registry.
func NewRunner(providers map[string]config.LipsyncProvider, opts ...Option) *Runner {
	r := &Runner{
		providers: providers,
		exec:      commandExecutor{},
		logger:    logging.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// WithRunLogger returns a copy of r that streams output to logger.
func (r *Runner) WithRunLogger(logger *slog.Logger) *Runner {
	clone := *r
	if logger != nil {
		clone.logger = logger
	}
	return &clone
}

// Run executes the provider and verifies the output exists.
func (r *Runner) Run(ctx context.Context, req Request) error {
	provider := strings.TrimSpace(req.Provider)
	if provider == "" {
		return services.New(services.CodeValidation, "lipsync provider missing", nil)
	}
	if req.Audio == "" || req.Video == "" || req.Out == "" {
		return services.New(services.CodeLipsyncFailed, "lipsync missing required paths", map[string]any{
			"audio": req.Audio, "video": req.Video, "out": req.Out,
		})
	}
	cfg, ok := r.providers[provider]
	if !ok {
		return services.New(services.CodeValidation, "unknown lipsync provider", map[string]any{"provider": provider})
	}
	if err := os.MkdirAll(filepath.Dir(req.Out), 0o755); err != nil {
		return services.Wrap(services.CodeOutputWriteFailed, "failed to create lipsync output dir", err, map[string]any{"out": req.Out})
	}

	args := BuildArgs(cfg.ArgsTemplate, req, req.Params)
	logger := r.logger
	logger.Info("lipsync provider starting",
		logging.String("provider", provider),
		logging.String("command", cfg.Command),
		logging.Int("arg_count", len(args)),
	)
	err := r.exec.Run(ctx, cfg.Command, args, cfg.Workdir, func(stream, line string) {
		truncated := len(line) > MaxLogChars
		if truncated {
			line = line[:MaxLogChars]
		}
		logger.Info(line,
			logging.String("stream", stream),
			logging.Bool("truncated", truncated),
		)
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		details := map[string]any{"provider": provider}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			details["exit_code"] = exitErr.ExitCode()
			return services.Wrap(services.CodeLipsyncFailed, fmt.Sprintf("lipsync exited with code %d", exitErr.ExitCode()), err, details)
		}
		return services.Wrap(services.CodeLipsyncFailed, "lipsync provider failed", err, details)
	}
	if !fileutil.NonEmptyFile(req.Out) {
		return services.New(services.CodeLipsyncFailed, "lipsync produced no output", map[string]any{"out": req.Out})
	}
	return nil
}

// BuildArgs substitutes {audio}, {video} and {out} in the template and
// appends --key=value for every scalar param in key order.
func BuildArgs(template []string, req Request, params map[string]any) []string {
	replacer := strings.NewReplacer("{audio}", req.Audio, "{video}", req.Video, "{out}", req.Out)
	args := make([]string, 0, len(template)+len(params))
	for _, entry := range template {
		args = append(args, replacer.Replace(entry))
	}
	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	for _, key := range keys {
		value, ok := scalarString(params[key])
		if !ok {
			continue
		}
		args = append(args, fmt.Sprintf("--%s=%s", key, value))
	}
	return args
}

func scalarString(v any) (string, bool) {
	switch value := v.(type) {
	case nil:
		return "", false
	case string:
		return value, true
	case bool:
		return strconv.FormatBool(value), true
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(value), 'f', -1, 32), true
	case int:
		return strconv.Itoa(value), true
	case int64:
		return strconv.FormatInt(value, 10), true
	case fmt.Stringer:
		return value.String(), true
	default:
		return "", false
	}
}

type commandExecutor struct{}

func (commandExecutor) Run(ctx context.Context, binary string, args []string, dir string, onLine func(stream, line string)) error {
	cmd := exec.CommandContext(ctx, binary, args...) //nolint:gosec
	cmd.Dir = dir
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start command: %w", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	scan := func(r io.Reader, stream string) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			if onLine == nil {
				continue
			}
			mu.Lock()
			onLine(stream, scanner.Text())
			mu.Unlock()
		}
		_, _ = io.Copy(io.Discard, r)
	}
	wg.Add(2)
	go scan(stdout, "stdout")
	go scan(stderr, "stderr")
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("wait command: %w", err)
	}
	return nil
}
