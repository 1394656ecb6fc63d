package ffprobe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"vidax/internal/services"
)

// Result represents the parsed output from an ffprobe inspection.
type Result struct {
	Streams []Stream `json:"streams"`
	Format  Format   `json:"format"`
	raw     []byte
}

// Stream describes a single stream in the media container.
type Stream struct {
	Index        int    `json:"index"`
	CodecName    string `json:"codec_name"`
	CodecType    string `json:"codec_type"`
	Duration     string `json:"duration"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	SampleRate   string `json:"sample_rate"`
	Channels     int    `json:"channels"`
	RFrameRate   string `json:"r_frame_rate"`
	NBFrames     string `json:"nb_frames"`
	NBReadFrames string `json:"nb_read_frames"`
}

// Format captures container-level metadata extracted by ffprobe.
type Format struct {
	Filename   string `json:"filename"`
	NBStreams  int    `json:"nb_streams"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
	FormatName string `json:"format_name"`
}

// Executor runs ffprobe and returns stdout.
type Executor interface {
	Run(ctx context.Context, binary string, args []string) ([]byte, error)
}

type commandExecutor struct{}

func (commandExecutor) Run(ctx context.Context, binary string, args []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, binary, args...) //nolint:gosec
	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil && stderr.Len() > 0 {
		return out, fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return out, err
}

// Inspect executes ffprobe against the provided path and decodes the JSON response.
func Inspect(ctx context.Context, binary string, path string) (Result, error) {
	return inspect(ctx, commandExecutor{}, binary, path, false)
}

func inspect(ctx context.Context, runner Executor, binary, path string, countFrames bool) (Result, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = "ffprobe"
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return Result{}, errors.New("ffprobe inspect: empty path")
	}
	args := []string{"-v", "error", "-hide_banner", "-show_format", "-show_streams"}
	if countFrames {
		args = append(args, "-count_frames")
	}
	args = append(args, "-of", "json", "--", path)
	output, err := runner.Run(ctx, binary, args)
	if err != nil {
		return Result{}, fmt.Errorf("ffprobe inspect: %w", err)
	}
	var result Result
	if err := json.Unmarshal(output, &result); err != nil {
		return Result{}, fmt.Errorf("ffprobe parse: %w", err)
	}
	result.raw = append([]byte(nil), output...)
	return result, nil
}

// RawJSON returns the raw ffprobe JSON payload.
func (r Result) RawJSON() []byte {
	return append([]byte(nil), r.raw...)
}

// VideoStream returns the first video stream.
func (r Result) VideoStream() (Stream, bool) {
	for _, stream := range r.Streams {
		if strings.EqualFold(stream.CodecType, "video") {
			return stream, true
		}
	}
	return Stream{}, false
}

// AudioStreamCount returns the number of audio streams discovered.
func (r Result) AudioStreamCount() int {
	count := 0
	for _, stream := range r.Streams {
		if strings.EqualFold(stream.CodecType, "audio") {
			count++
		}
	}
	return count
}

// DurationSeconds returns the container duration in seconds, falling back
// to the longest stream duration. It is 0 when unavailable and NaN when the
// reported value is malformed.
func (r Result) DurationSeconds() float64 {
	if d := parseFloat(r.Format.Duration); d != 0 {
		return d
	}
	longest := 0.0
	for _, stream := range r.Streams {
		if d := parseFloat(stream.Duration); d > longest {
			longest = d
		}
	}
	return longest
}

// FrameCount returns the decoded (or declared) frame count of the first
// video stream.
func (r Result) FrameCount() int {
	stream, ok := r.VideoStream()
	if !ok {
		return 0
	}
	for _, raw := range []string{stream.NBReadFrames, stream.NBFrames} {
		if n, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil && n > 0 {
			return n
		}
	}
	return 0
}

func parseFloat(value string) float64 {
	cleaned := strings.TrimSpace(value)
	if cleaned == "" || cleaned == "N/A" {
		return 0
	}
	if parsed, err := strconv.ParseFloat(cleaned, 64); err == nil {
		return parsed
	}
	return math.NaN()
}

// Prober is the probing surface the pipeline depends on.
type Prober interface {
	Version(ctx context.Context) (string, error)
	Duration(ctx context.Context, path string) (float64, error)
	Dimensions(ctx context.Context, path string) (int, int, error)
	VideoInfo(ctx context.Context, path string) (VideoInfo, error)
}

// VideoInfo summarises an encoded video.
type VideoInfo struct {
	DurationSeconds float64
	Frames          int
	Width           int
	Height          int
}

// Option configures a Client.
type Option func(*Client)

// WithExecutor injects a custom executor (primarily for tests).
func WithExecutor(exec Executor) Option {
	return func(c *Client) {
		if exec != nil {
			c.exec = exec
		}
	}
}

// Client implements Prober with the ffprobe binary.
type Client struct {
	binary string
	exec   Executor
}

// NewClient constructs a Client. An empty binary defaults to "ffprobe".
func NewClient(binary string, opts ...Option) *Client {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = "ffprobe"
	}
	c := &Client{binary: binary, exec: commandExecutor{}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Version returns the ffprobe version string.
func (c *Client) Version(ctx context.Context) (string, error) {
	out, err := c.exec.Run(ctx, c.binary, []string{"-version"})
	if err != nil {
		return "unknown", c.classify(err, "")
	}
	first, _, _ := strings.Cut(string(out), "\n")
	fields := strings.Fields(first)
	if len(fields) >= 3 && strings.EqualFold(fields[1], "version") {
		return fields[2], nil
	}
	return "unknown", nil
}

// Duration probes the media duration. Missing files are INPUT_NOT_FOUND and
// unreadable or non-positive durations are UNSUPPORTED_FORMAT.
func (c *Client) Duration(ctx context.Context, path string) (float64, error) {
	res, err := c.inspect(ctx, path, false)
	if err != nil {
		return 0, err
	}
	d := res.DurationSeconds()
	if math.IsNaN(d) || d <= 0 {
		return 0, services.New(services.CodeUnsupportedFormat, "invalid media duration", map[string]any{"path": path, "value": res.Format.Duration})
	}
	return d, nil
}

// Dimensions probes the width and height of an image or video.
func (c *Client) Dimensions(ctx context.Context, path string) (int, int, error) {
	res, err := c.inspect(ctx, path, false)
	if err != nil {
		return 0, 0, err
	}
	stream, ok := res.VideoStream()
	if !ok || stream.Width <= 0 || stream.Height <= 0 {
		return 0, 0, services.New(services.CodeUnsupportedFormat, "no visual stream", map[string]any{"path": path})
	}
	return stream.Width, stream.Height, nil
}

// VideoInfo probes duration, frame count and dimensions of an encoded video.
// Frames are counted by decoding, so the value reflects what was written.
func (c *Client) VideoInfo(ctx context.Context, path string) (VideoInfo, error) {
	res, err := c.inspect(ctx, path, true)
	if err != nil {
		return VideoInfo{}, err
	}
	info := VideoInfo{DurationSeconds: res.DurationSeconds(), Frames: res.FrameCount()}
	if math.IsNaN(info.DurationSeconds) {
		info.DurationSeconds = 0
	}
	if stream, ok := res.VideoStream(); ok {
		info.Width, info.Height = stream.Width, stream.Height
	}
	return info, nil
}

func (c *Client) inspect(ctx context.Context, path string, countFrames bool) (Result, error) {
	if strings.TrimSpace(path) == "" {
		return Result{}, services.New(services.CodeValidation, "probe path missing", nil)
	}
	if _, err := os.Stat(path); err != nil {
		return Result{}, services.Wrap(services.CodeInputNotFound, "media not found", err, map[string]any{"path": path})
	}
	res, err := inspect(ctx, c.exec, c.binary, path, countFrames)
	if err != nil {
		return Result{}, c.classify(err, path)
	}
	return res, nil
}

func (c *Client) classify(err error, path string) error {
	if errors.Is(err, exec.ErrNotFound) {
		return services.Wrap(services.CodeUnsupportedFormat, "ffprobe not available", err, map[string]any{"binary": c.binary})
	}
	return services.Wrap(services.CodeUnsupportedFormat, "unable to probe media", err, map[string]any{"path": path})
}
