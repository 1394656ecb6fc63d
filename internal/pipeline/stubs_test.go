package pipeline_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"vidax/internal/config"
	"vidax/internal/lipsync"
	"vidax/internal/media/ffmpeg"
	"vidax/internal/media/ffprobe"
	"vidax/internal/notifications"
	"vidax/internal/pipeline"
	"vidax/internal/registry"
	"vidax/internal/services/comfyui"
	"vidax/internal/workdir"
)

func touch(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte("media"), 0o644)
}

// stubEngine writes placeholder outputs and records every request.
type stubEngine struct {
	mu         sync.Mutex
	pads       []ffmpeg.PadAudioRequest
	frames     []ffmpeg.FramesRequest
	frameFiles []int
	stills     []ffmpeg.StillRequest
	concats    []ffmpeg.ConcatRequest
	muxes      []ffmpeg.MuxRequest
	muxErr     error
	// muxPartial writes the output before returning muxErr, the way an
	// interrupted ffmpeg leaves a truncated file behind.
	muxPartial bool
}

func (e *stubEngine) Version(context.Context) (string, error) { return "6.1-test", nil }

func (e *stubEngine) PadAudio(_ context.Context, req ffmpeg.PadAudioRequest) error {
	e.mu.Lock()
	e.pads = append(e.pads, req)
	e.mu.Unlock()
	return touch(req.Output)
}

func (e *stubEngine) FramesToVideo(_ context.Context, req ffmpeg.FramesRequest) error {
	entries, _ := os.ReadDir(filepath.Dir(req.Pattern))
	e.mu.Lock()
	e.frames = append(e.frames, req)
	e.frameFiles = append(e.frameFiles, len(entries))
	e.mu.Unlock()
	return touch(req.Output)
}

func (e *stubEngine) StillVideo(_ context.Context, req ffmpeg.StillRequest) error {
	e.mu.Lock()
	e.stills = append(e.stills, req)
	e.mu.Unlock()
	return touch(req.Output)
}

func (e *stubEngine) ExtractFirstFrame(_ context.Context, _, output string) error {
	return touch(output)
}

func (e *stubEngine) Concat(_ context.Context, req ffmpeg.ConcatRequest) error {
	e.mu.Lock()
	e.concats = append(e.concats, req)
	e.mu.Unlock()
	return touch(req.Output)
}

func (e *stubEngine) Mux(_ context.Context, req ffmpeg.MuxRequest) error {
	e.mu.Lock()
	e.muxes = append(e.muxes, req)
	err, partial := e.muxErr, e.muxPartial
	e.mu.Unlock()
	if err != nil {
		if partial {
			if werr := touch(req.Output); werr != nil {
				return werr
			}
		}
		return err
	}
	return touch(req.Output)
}

func (e *stubEngine) lastMux(t *testing.T) ffmpeg.MuxRequest {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.muxes) == 0 {
		t.Fatal("expected a mux call")
	}
	return e.muxes[len(e.muxes)-1]
}

// stubProber answers durations per path and reports the final encode as
// finalDuration seconds long.
type stubProber struct {
	mu            sync.Mutex
	durations     map[string]float64
	durationCalls map[string]int
	finalDuration float64
	fps           float64
}

func newStubProber(audio string, seconds float64) *stubProber {
	return &stubProber{
		durations:     map[string]float64{audio: seconds},
		durationCalls: map[string]int{},
		finalDuration: seconds,
		fps:           24,
	}
}

func (p *stubProber) Version(context.Context) (string, error) { return "6.1-test", nil }

func (p *stubProber) Duration(_ context.Context, path string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.durationCalls[path]++
	if d, ok := p.durations[path]; ok {
		return d, nil
	}
	return 1, nil
}

func (p *stubProber) Dimensions(context.Context, string) (int, int, error) { return 64, 48, nil }

func (p *stubProber) VideoInfo(context.Context, string) (ffprobe.VideoInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ffprobe.VideoInfo{
		DurationSeconds: p.finalDuration,
		Frames:          int(p.finalDuration * p.fps),
		Width:           64,
		Height:          48,
	}, nil
}

func (p *stubProber) calls(path string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.durationCalls[path]
}

// stubSyncer fails with err when set, otherwise writes the requested output.
type stubSyncer struct {
	mu    sync.Mutex
	err   error
	calls []lipsync.Request
}

func (s *stubSyncer) Run(_ context.Context, req lipsync.Request) error {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return touch(req.Out)
}

// stubGenerator is an in-memory generation backend.
type stubGenerator struct {
	mu          sync.Mutex
	healthErr   error
	requireErr  error
	submitted   []comfyui.Prompt
	staged      []string
	video       bool
	frames      int
	requirement []string
}

func (g *stubGenerator) Health(context.Context) error { return g.healthErr }

func (g *stubGenerator) RequireNodes(_ context.Context, names []string) error {
	g.mu.Lock()
	g.requirement = append([]string(nil), names...)
	g.mu.Unlock()
	return g.requireErr
}

func (g *stubGenerator) StageInput(_ context.Context, path string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.staged = append(g.staged, path)
	return filepath.Base(path), nil
}

func (g *stubGenerator) SubmitPrompt(_ context.Context, prompt comfyui.Prompt) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.submitted = append(g.submitted, prompt)
	return fmt.Sprintf("prompt-%d", len(g.submitted)), nil
}

func (g *stubGenerator) WaitForCompletion(_ context.Context, promptID string, _ comfyui.WaitOptions) (comfyui.HistoryEntry, error) {
	entry := comfyui.HistoryEntry{Completed: true}
	if g.video {
		entry.Artifacts = append(entry.Artifacts, comfyui.Artifact{Node: "9", Kind: "videos", Filename: promptID + ".mp4"})
	}
	for i := range g.frames {
		entry.Artifacts = append(entry.Artifacts, comfyui.Artifact{Node: "9", Kind: "images", Filename: promptID + ".png", Index: i})
	}
	return entry, nil
}

func (g *stubGenerator) CollectOutputs(_ context.Context, artifacts []comfyui.Artifact, dest comfyui.Destinations) (comfyui.Collected, error) {
	for _, a := range artifacts {
		if a.IsVideo() {
			return comfyui.Collected{Video: dest.VideoPath}, touch(dest.VideoPath)
		}
	}
	var out comfyui.Collected
	for i := range artifacts {
		path := filepath.Join(dest.FramesDir, workdir.FrameName(i+1, ".png"))
		if err := touch(path); err != nil {
			return comfyui.Collected{}, err
		}
		out.Frames = append(out.Frames, path)
	}
	return out, nil
}

type fixture struct {
	engine *stubEngine
	prober *stubProber
	syncer *stubSyncer
	runner *pipeline.Runner
	cfg    *config.Config
}

func newFixture(t *testing.T, cfg *config.Config, audio string, seconds float64, opts ...pipeline.Option) *fixture {
	t.Helper()
	f := &fixture{
		engine: &stubEngine{},
		prober: newStubProber(audio, seconds),
		syncer: &stubSyncer{},
		cfg:    cfg,
	}
	base := []pipeline.Option{
		pipeline.WithEngine(f.engine),
		pipeline.WithProber(f.prober),
		pipeline.WithSyncer(f.syncer),
		pipeline.WithRegistry(registry.New(filepath.Join(t.TempDir(), "runs.json"))),
		pipeline.WithCodecCheck(func(*config.Config) error { return nil }),
	}
	f.runner = pipeline.New(cfg, append(base, opts...)...)
	return f
}

type stubNotifier struct {
	mu        sync.Mutex
	summaries []notifications.RunSummary
}

func (n *stubNotifier) NotifyRunFinished(_ context.Context, s notifications.RunSummary) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.summaries = append(n.summaries, s)
	return nil
}

func (n *stubNotifier) TestNotification(context.Context) error { return nil }
