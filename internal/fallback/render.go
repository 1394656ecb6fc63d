package fallback

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/errgroup"

	"vidax/internal/fileutil"
	"vidax/internal/logging"
	"vidax/internal/media/ffmpeg"
	"vidax/internal/services"
	"vidax/internal/workdir"
)

// Encoder turns a numbered frame sequence into a video.
type Encoder interface {
	FramesToVideo(ctx context.Context, req ffmpeg.FramesRequest) error
}

// Request describes one fallback render.
type Request struct {
	Image     string
	Seed      uint32
	Frames    int
	FPS       float64
	Width     int
	Height    int
	FramesDir string
	Output    string
}

// Result reports what was rendered.
type Result struct {
	Plan   Plan
	Frames int
	Output string
}

// Option configures a Synthesizer.
type Option func(*Synthesizer)

// WithConcurrency bounds the number of frames rendered in parallel.
func WithConcurrency(n int) Option {
	return func(s *Synthesizer) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithLogger sets the synthesizer logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Synthesizer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Synthesizer renders fallback clips.
type Synthesizer struct {
	encoder Encoder
	workers int
	logger  *slog.Logger
}

// NewSynthesizer constructs a Synthesizer that encodes through encoder.
func NewSynthesizer(encoder Encoder, opts ...Option) *Synthesizer {
	s := &Synthesizer{
		encoder: encoder,
		workers: max(1, runtime.GOMAXPROCS(0)),
		logger:  logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Render writes the frame sequence to req.FramesDir and encodes it to
// req.Output. Identical requests produce identical frames.
func (s *Synthesizer) Render(ctx context.Context, req Request) (Result, error) {
	if req.Frames < 2 {
		req.Frames = 2
	}
	if req.FPS <= 0 {
		return Result{}, services.New(services.CodeValidation, "fallback fps must be positive", map[string]any{"fps": req.FPS})
	}
	src, err := decodeImage(req.Image)
	if err != nil {
		return Result{}, err
	}
	bounds := src.Bounds()
	plan, err := NewPlan(req.Seed, req.Frames, bounds.Dx(), bounds.Dy(), req.Width, req.Height)
	if err != nil {
		return Result{}, services.Wrap(services.CodeValidation, "invalid fallback geometry", err, nil)
	}
	if err := resetDir(req.FramesDir); err != nil {
		return Result{}, err
	}
	s.logger.Info("rendering fallback frames",
		logging.Int("frames", plan.Frames),
		logging.Int("width", plan.OutWidth),
		logging.Int("height", plan.OutHeight),
		logging.Int("zoom_direction", plan.Direction),
	)

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(s.workers)
	for i := 0; i < plan.Frames; i++ {
		group.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			path := filepath.Join(req.FramesDir, workdir.FrameName(i+1, ".png"))
			return writeFrame(path, RenderFrame(src, plan, i))
		})
	}
	if err := group.Wait(); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Result{}, err
		}
		return Result{}, services.Wrap(services.CodeOutputWriteFailed, "failed to write fallback frames", err, map[string]any{"dir": req.FramesDir})
	}

	if s.encoder == nil {
		return Result{}, services.New(services.CodeCodecFailed, "no encoder configured", nil)
	}
	err = s.encoder.FramesToVideo(ctx, ffmpeg.FramesRequest{
		Pattern: workdir.FramePattern(req.FramesDir, ".png"),
		FPS:     req.FPS,
		Width:   req.Width,
		Height:  req.Height,
		Output:  req.Output,
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Plan: plan, Frames: plan.Frames, Output: req.Output}, nil
}

// RenderFrame renders frame i of plan from src.
func RenderFrame(src *image.RGBA, plan Plan, i int) *image.RGBA {
	crop := plan.Crop(i)
	dst := image.NewRGBA(image.Rect(0, 0, plan.OutWidth, plan.OutHeight))
	sx := float64(plan.OutWidth) / crop.W
	sy := float64(plan.OutHeight) / crop.H
	s2d := f64.Aff3{
		sx, 0, -crop.X * sx,
		0, sy, -crop.Y * sy,
	}
	draw.CatmullRom.Transform(dst, s2d, src, src.Bounds(), draw.Src, nil)
	return dst
}

func decodeImage(path string) (*image.RGBA, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, services.Wrap(services.CodeInputNotFound, "fallback image not found", err, map[string]any{"path": path})
		}
		return nil, services.Wrap(services.CodeInputNotFound, "fallback image unreadable", err, map[string]any{"path": path})
	}
	defer f.Close()
	img, format, err := image.Decode(f)
	if err != nil {
		return nil, services.Wrap(services.CodeUnsupportedFormat, "unable to decode fallback image", err, map[string]any{"path": path})
	}
	b := img.Bounds()
	if b.Dx() < 1 || b.Dy() < 1 {
		return nil, services.New(services.CodeUnsupportedFormat, "empty fallback image", map[string]any{"path": path, "format": format})
	}
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return rgba, nil
}

func writeFrame(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(f, img); err != nil {
		_ = f.Close()
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}

func resetDir(dir string) error {
	if dir == "" {
		return services.New(services.CodeOutputWriteFailed, "fallback frames dir missing", nil)
	}
	if fileutil.Exists(dir) {
		if err := os.RemoveAll(dir); err != nil {
			return services.Wrap(services.CodeOutputWriteFailed, "failed to clear fallback frames", err, map[string]any{"dir": dir})
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return services.Wrap(services.CodeOutputWriteFailed, "failed to create fallback frames dir", err, map[string]any{"dir": dir})
	}
	return nil
}
