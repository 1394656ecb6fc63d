package pipeline_test

import (
	"context"
	"log/slog"
	"slices"
	"testing"

	"vidax/internal/job"
	"vidax/internal/manifest"
	"vidax/internal/pipeline"
	"vidax/internal/services"
	"vidax/internal/services/comfyui"
	"vidax/internal/testsupport"
)

func withGenerator(gen *stubGenerator) pipeline.Option {
	return pipeline.WithGeneratorFactory(func(string, *slog.Logger) pipeline.Generator { return gen })
}

func TestGenerationVideoIsEncoded(t *testing.T) {
	j := testsupport.NewJob(t, testsupport.WithGeneration("http://comfy.test", comfyui.WorkflowMotion))
	gen := &stubGenerator{video: true}
	f := newFixture(t, testsupport.NewConfig(t), j.Input.Audio, 4.0, withGenerator(gen))

	res, err := f.runner.Run(context.Background(), j, pipeline.Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Degraded {
		t.Fatal("generation success must not degrade the run")
	}
	if mux := f.engine.lastMux(t); mux.Video != res.Layout.GenerationVideo {
		t.Fatalf("expected generation video muxed, got %s", mux.Video)
	}
	m := loadManifest(t, res.Layout.Manifest)
	gen.mu.Lock()
	defer gen.mu.Unlock()
	if len(gen.submitted) != 1 {
		t.Fatalf("expected one prompt, got %d", len(gen.submitted))
	}
	if rec := m.Phases[manifest.PhaseGeneration]; rec.Status != manifest.PhaseCompleted || rec.Field("output_kind") != "video" {
		t.Fatalf("unexpected generation record %+v", rec)
	}
	if m.Versions.ComfyUIAPI != "available" {
		t.Fatalf("comfyui_api = %q", m.Versions.ComfyUIAPI)
	}
	if !slices.Contains(gen.staged, j.Input.StartImage) || !slices.Contains(gen.staged, j.Input.Audio) {
		t.Fatalf("expected start image and audio staged, got %v", gen.staged)
	}
	for _, node := range []string{"LoadImage", "SaveImage"} {
		if !slices.Contains(gen.requirement, node) {
			t.Fatalf("required nodes %v missing %s", gen.requirement, node)
		}
	}
}

func TestGenerationFramesAreEncodedInOrder(t *testing.T) {
	j := testsupport.NewJob(t, testsupport.WithGeneration("http://comfy.test", comfyui.WorkflowTextToFrames))
	gen := &stubGenerator{frames: 3}
	f := newFixture(t, testsupport.NewConfig(t), j.Input.Audio, 4.0, withGenerator(gen))

	res, err := f.runner.Run(context.Background(), j, pipeline.Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(f.engine.frames) != 1 || f.engine.frames[0].Output != res.Layout.PreLipsyncVideo {
		t.Fatalf("expected generated frames encoded once, got %+v", f.engine.frames)
	}
	if f.engine.frameFiles[0] != 3 {
		t.Fatalf("expected 3 generated frames, got %d", f.engine.frameFiles[0])
	}
	m := loadManifest(t, res.Layout.Manifest)
	if src := m.Phases[manifest.PhaseEncode].Field("video_source"); src != pipeline.SourceGenerationFrames {
		t.Fatalf("video_source = %q", src)
	}
}

func TestGenerationChunksPrompts(t *testing.T) {
	j := testsupport.NewJob(t, testsupport.WithGeneration("http://comfy.test", comfyui.WorkflowTextToFrames))
	j.ComfyUI.Chunking = &job.Chunking{FramesPerChunk: 40}
	gen := &stubGenerator{frames: 1}
	f := newFixture(t, testsupport.NewConfig(t), j.Input.Audio, 4.0, withGenerator(gen))

	if _, err := f.runner.Run(context.Background(), j, pipeline.Options{}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	gen.mu.Lock()
	defer gen.mu.Unlock()
	// 96 frames in chunks of 40.
	if len(gen.submitted) != 3 {
		t.Fatalf("expected 3 chunk prompts, got %d", len(gen.submitted))
	}
}

func TestGenerationUnavailableDegradesToFallback(t *testing.T) {
	j := testsupport.NewJob(t, testsupport.WithGeneration("http://comfy.test", comfyui.WorkflowMotion))
	gen := &stubGenerator{healthErr: services.New(services.CodeGenerationUnavailable, "backend down", nil)}
	f := newFixture(t, testsupport.NewConfig(t), j.Input.Audio, 4.0, withGenerator(gen))

	res, err := f.runner.Run(context.Background(), j, pipeline.Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitStatus != manifest.ExitPartial || !res.Degraded {
		t.Fatalf("unexpected result %+v", res)
	}
	m := loadManifest(t, res.Layout.Manifest)
	if m.PartialReason != "generation_failed:GENERATION_UNAVAILABLE" {
		t.Fatalf("partial reason = %q", m.PartialReason)
	}
	if rec := m.Phases[manifest.PhaseGeneration]; rec.Status != manifest.PhaseFailed || rec.Code != string(services.CodeGenerationUnavailable) {
		t.Fatalf("unexpected generation record %+v", rec)
	}
	if mux := f.engine.lastMux(t); mux.Video != res.Layout.FallbackVideo {
		t.Fatalf("expected fallback video, got %s", mux.Video)
	}
}

func TestGenerationMissingCapabilityIsFatal(t *testing.T) {
	j := testsupport.NewJob(t, testsupport.WithGeneration("http://comfy.test", comfyui.WorkflowMotion))
	gen := &stubGenerator{requireErr: services.New(services.CodeGenerationMissingCapability, "missing nodes", nil)}
	f := newFixture(t, testsupport.NewConfig(t), j.Input.Audio, 4.0, withGenerator(gen))

	res, err := f.runner.Run(context.Background(), j, pipeline.Options{})
	if services.CodeOf(err) != services.CodeGenerationMissingCapability {
		t.Fatalf("expected GENERATION_MISSING_CAPABILITY, got %v", err)
	}
	if res.Status != manifest.RunFailed {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(f.engine.muxes) != 0 {
		t.Fatal("encode must not run")
	}
}
