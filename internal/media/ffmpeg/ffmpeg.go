package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"vidax/internal/fileutil"
	"vidax/internal/services"
)

const stderrTailBytes = 2000

// Engine is the codec surface used by the pipeline.
type Engine interface {
	Version(ctx context.Context) (string, error)
	PadAudio(ctx context.Context, req PadAudioRequest) error
	FramesToVideo(ctx context.Context, req FramesRequest) error
	StillVideo(ctx context.Context, req StillRequest) error
	ExtractFirstFrame(ctx context.Context, input, output string) error
	Concat(ctx context.Context, req ConcatRequest) error
	Mux(ctx context.Context, req MuxRequest) error
}

// PadAudioRequest adds leading and trailing silence.
type PadAudioRequest struct {
	Input          string
	Output         string
	PreSeconds     float64
	PostSeconds    float64
	TargetDuration float64
}

// FramesRequest encodes a numbered (or glob) image sequence.
type FramesRequest struct {
	Pattern string
	FPS     float64
	Width   int
	Height  int
	Output  string
}

// StillRequest renders a single image held for Duration seconds.
type StillRequest struct {
	Image    string
	FPS      float64
	Duration float64
	Width    int
	Height   int
	Output   string
}

// ConcatRequest joins video clips, normalising each to the same geometry.
// Trim optionally caps the length of the input at the same index; zero or a
// missing entry keeps the whole clip.
type ConcatRequest struct {
	Inputs []string
	Trim   []float64
	FPS    float64
	Width  int
	Height int
	Output string
}

// MuxRequest combines the visual track with the audio master.
type MuxRequest struct {
	Video         string
	Audio         string
	ImageSequence bool
	FPS           float64
	Width         int
	Height        int
	Duration      float64
	HoldSeconds   float64
	Output        string
}

// Executor runs a binary and returns its combined output.
type Executor interface {
	Run(ctx context.Context, binary string, args []string) ([]byte, error)
}

type commandExecutor struct{}

func (commandExecutor) Run(ctx context.Context, binary string, args []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, binary, args...) //nolint:gosec
	return cmd.CombinedOutput()
}

// Option configures the CLI engine.
type Option func(*CLI)

// WithExecutor injects a custom executor (primarily for tests).
func WithExecutor(exec Executor) Option {
	return func(c *CLI) {
		if exec != nil {
			c.exec = exec
		}
	}
}

// CLI implements Engine with the ffmpeg binary.
type CLI struct {
	binary string
	exec   Executor
}

// New constructs a CLI engine. An empty binary defaults to "ffmpeg".
func New(binary string, opts ...Option) *CLI {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = "ffmpeg"
	}
	c := &CLI{binary: binary, exec: commandExecutor{}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var versionPattern = regexp.MustCompile(`(?i)ffmpeg version\s+(\S+)`)

// Version returns the ffmpeg version string from `ffmpeg -version`.
func (c *CLI) Version(ctx context.Context) (string, error) {
	out, err := c.exec.Run(ctx, c.binary, []string{"-version"})
	if err != nil {
		return "unknown", c.classify("version", err, out)
	}
	first, _, _ := strings.Cut(string(out), "\n")
	if m := versionPattern.FindStringSubmatch(first); len(m) == 2 {
		return m[1], nil
	}
	if first = strings.TrimSpace(first); first != "" {
		return first, nil
	}
	return "unknown", nil
}

// PadAudio delays the audio by PreSeconds and pads silence after it. When
// TargetDuration is set the output is cut to exactly that length.
func (c *CLI) PadAudio(ctx context.Context, req PadAudioRequest) error {
	if req.Input == "" || req.Output == "" {
		return missingParams("pad_audio", map[string]any{"input": req.Input, "output": req.Output})
	}
	return c.run(ctx, "pad_audio", req.Output, PadAudioArgs(req))
}

// PadAudioArgs builds the ffmpeg arguments for PadAudio.
func PadAudioArgs(req PadAudioRequest) []string {
	delayMs := int(max(0, req.PreSeconds*1000) + 0.5)
	filter := fmt.Sprintf("[0:a]adelay=%d|%d,apad[a]", delayMs, delayMs)
	args := []string{"-y", "-i", req.Input, "-filter_complex", filter, "-map", "[a]", "-c:a", "aac"}
	if req.TargetDuration > 0 {
		args = append(args, "-t", formatFloat(req.TargetDuration))
	}
	return append(args, req.Output)
}

// FramesToVideo encodes an image sequence. Patterns containing '*' are
// passed as globs.
func (c *CLI) FramesToVideo(ctx context.Context, req FramesRequest) error {
	if req.Pattern == "" || req.FPS <= 0 || req.Output == "" {
		return missingParams("frames_to_video", map[string]any{"pattern": req.Pattern, "fps": req.FPS, "output": req.Output})
	}
	return c.run(ctx, "frames_to_video", req.Output, FramesToVideoArgs(req))
}

// FramesToVideoArgs builds the ffmpeg arguments for FramesToVideo.
func FramesToVideoArgs(req FramesRequest) []string {
	fps := formatFloat(req.FPS)
	args := []string{"-y", "-framerate", fps}
	if strings.Contains(req.Pattern, "*") {
		args = append(args, "-pattern_type", "glob")
	}
	args = append(args, "-i", req.Pattern)
	if scale := scaleFilter(req.Width, req.Height); scale != "" {
		args = append(args, "-vf", scale)
	}
	return append(args, "-c:v", "libx264", "-pix_fmt", "yuv420p", "-r", fps, "-movflags", "+faststart", req.Output)
}

// StillVideo loops a single image for the requested duration.
func (c *CLI) StillVideo(ctx context.Context, req StillRequest) error {
	if req.Image == "" || req.FPS <= 0 || req.Duration <= 0 || req.Output == "" {
		return missingParams("still_video", map[string]any{"image": req.Image, "fps": req.FPS, "duration": req.Duration, "output": req.Output})
	}
	return c.run(ctx, "still_video", req.Output, StillVideoArgs(req))
}

// StillVideoArgs builds the ffmpeg arguments for StillVideo.
func StillVideoArgs(req StillRequest) []string {
	filters := []string{}
	if scale := scaleFilter(req.Width, req.Height); scale != "" {
		filters = append(filters, scale)
	}
	filters = append(filters, "format=yuv420p", "fps="+formatFloat(req.FPS))
	return []string{
		"-y", "-loop", "1", "-i", req.Image,
		"-t", formatFloat(req.Duration),
		"-vf", strings.Join(filters, ","),
		"-c:v", "libx264", "-pix_fmt", "yuv420p", "-movflags", "+faststart",
		req.Output,
	}
}

// ExtractFirstFrame writes the first video frame of input as an image.
func (c *CLI) ExtractFirstFrame(ctx context.Context, input, output string) error {
	if input == "" || output == "" {
		return missingParams("extract_frame", map[string]any{"input": input, "output": output})
	}
	args := []string{"-y", "-ss", "0", "-i", input, "-frames:v", "1", output}
	return c.run(ctx, "extract_frame", output, args)
}

// Concat joins clips in order.
func (c *CLI) Concat(ctx context.Context, req ConcatRequest) error {
	if len(req.Inputs) == 0 || req.FPS <= 0 || req.Output == "" {
		return missingParams("concat", map[string]any{"inputs": req.Inputs, "fps": req.FPS, "output": req.Output})
	}
	return c.run(ctx, "concat", req.Output, ConcatArgs(req))
}

// ConcatArgs builds the ffmpeg arguments for Concat.
func ConcatArgs(req ConcatRequest) []string {
	fps := formatFloat(req.FPS)
	args := []string{"-y"}
	parts := make([]string, 0, len(req.Inputs))
	labels := strings.Builder{}
	for idx, input := range req.Inputs {
		args = append(args, "-i", input)
		scale := scaleFilter(req.Width, req.Height)
		if scale != "" {
			scale += ","
		}
		trim := ""
		if idx < len(req.Trim) && req.Trim[idx] > 0 {
			trim = "trim=duration=" + formatFloat(req.Trim[idx]) + ","
		}
		parts = append(parts, fmt.Sprintf("[%d:v]%s%sfps=%s,format=yuv420p,setpts=PTS-STARTPTS[v%d]", idx, trim, scale, fps, idx))
		fmt.Fprintf(&labels, "[v%d]", idx)
	}
	filter := strings.Join(parts, ";") + fmt.Sprintf(";%sconcat=n=%d:v=1:a=0[v]", labels.String(), len(req.Inputs))
	return append(args,
		"-filter_complex", filter,
		"-map", "[v]",
		"-r", fps,
		"-c:v", "libx264", "-pix_fmt", "yuv420p", "-movflags", "+faststart",
		req.Output,
	)
}

// Mux encodes the final file: the visual track scaled, resampled to fps,
// optionally held on its last frame, and cut to Duration, against the audio.
func (c *CLI) Mux(ctx context.Context, req MuxRequest) error {
	if req.Video == "" || req.Audio == "" || req.FPS <= 0 || req.Duration <= 0 || req.Output == "" {
		return missingParams("mux", map[string]any{
			"video": req.Video, "audio": req.Audio, "fps": req.FPS, "duration": req.Duration, "output": req.Output,
		})
	}
	return c.run(ctx, "mux", req.Output, MuxArgs(req))
}

// MuxArgs builds the ffmpeg arguments for Mux.
func MuxArgs(req MuxRequest) []string {
	fps := formatFloat(req.FPS)
	filters := []string{}
	if scale := scaleFilter(req.Width, req.Height); scale != "" {
		filters = append(filters, scale)
	}
	filters = append(filters, "fps="+fps)
	if req.HoldSeconds > 0 {
		filters = append(filters, "tpad=stop_mode=clone:stop_duration="+formatFloat(req.HoldSeconds))
	}
	filters = append(filters, "trim=duration="+formatFloat(req.Duration), "setpts=PTS-STARTPTS")

	args := []string{"-y"}
	if req.ImageSequence {
		args = append(args, "-framerate", fps)
		if strings.Contains(req.Video, "*") {
			args = append(args, "-pattern_type", "glob")
		}
	}
	args = append(args,
		"-i", req.Video,
		"-i", req.Audio,
		"-filter_complex", "[0:v]"+strings.Join(filters, ",")+"[v]",
		"-map", "[v]", "-map", "1:a",
		"-r", fps, "-vsync", "cfr",
		"-c:v", "libx264", "-pix_fmt", "yuv420p",
		"-c:a", "aac",
		"-t", formatFloat(req.Duration),
		"-shortest", "-movflags", "+faststart",
		req.Output,
	)
	return args
}

func (c *CLI) run(ctx context.Context, op, output string, args []string) error {
	if dir := filepath.Dir(output); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return services.Wrap(services.CodeOutputWriteFailed, "ensure output directory", err, map[string]any{"operation": op, "output": output})
		}
	}
	out, err := c.exec.Run(ctx, c.binary, args)
	if err != nil {
		return c.classify(op, err, out)
	}
	if !fileutil.NonEmptyFile(output) {
		return services.New(services.CodeCodecFailed, fmt.Sprintf("ffmpeg %s did not produce output", op), map[string]any{"operation": op, "output": output})
	}
	return nil
}

func (c *CLI) classify(op string, err error, out []byte) error {
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		return services.Wrap(services.CodeUnsupportedFormat, "ffmpeg not available", err, map[string]any{"operation": op, "binary": c.binary})
	}
	details := map[string]any{"operation": op}
	if tail := outputTail(out); tail != "" {
		details["stderr"] = tail
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		details["exit_code"] = exitErr.ExitCode()
	}
	return services.Wrap(services.CodeCodecFailed, fmt.Sprintf("ffmpeg %s failed", op), err, details)
}

func missingParams(op string, details map[string]any) error {
	details["operation"] = op
	return services.New(services.CodeCodecFailed, fmt.Sprintf("ffmpeg %s missing required parameters", op), details)
}

func outputTail(out []byte) string {
	text := strings.TrimSpace(string(out))
	if len(text) > stderrTailBytes {
		text = text[len(text)-stderrTailBytes:]
	}
	return text
}

func scaleFilter(width, height int) string {
	if width <= 0 || height <= 0 {
		return ""
	}
	return fmt.Sprintf("scale=%d:%d:flags=lanczos", width, height)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
