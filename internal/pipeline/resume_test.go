package pipeline_test

import (
	"context"
	"os"
	"testing"

	"vidax/internal/fileutil"
	"vidax/internal/manifest"
	"vidax/internal/pipeline"
	"vidax/internal/services"
	"vidax/internal/services/comfyui"
	"vidax/internal/testsupport"
	"vidax/internal/workdir"
)

// failAtEncode runs j until the mux fails and re-arms the engine so the
// next resume can finish.
func failAtEncode(t *testing.T, f *fixture, runID string, run func() error) {
	t.Helper()
	f.engine.muxErr = services.New(services.CodeCodecFailed, "mux failed", nil)
	if err := run(); services.CodeOf(err) != services.CodeCodecFailed {
		t.Fatalf("expected CODEC_FAILED, got %v", err)
	}
	f.engine.muxErr = nil
	f.engine.muxPartial = false
	m, err := f.runner.Status(runID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if m.Status != manifest.RunFailed {
		t.Fatalf("expected failed run, got %s", m.Status)
	}
}

func TestRunResumeAfterPartialMux(t *testing.T) {
	j := testsupport.NewJob(t)
	f := newFixture(t, testsupport.NewConfig(t), j.Input.Audio, 4.0)
	f.engine.muxPartial = true

	failAtEncode(t, f, "run-partial", func() error {
		_, err := f.runner.Run(context.Background(), j, pipeline.Options{RunID: "run-partial"})
		return err
	})
	layout, err := f.runner.Lookup("run-partial")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if fileutil.Exists(layout.Final) {
		t.Fatal("an interrupted mux must not leave a final output")
	}
	if fileutil.Exists(layout.PartialFinal) {
		t.Fatal("an interrupted mux must not leave a partial encode")
	}

	res, err := f.runner.Run(context.Background(), j, pipeline.Options{Resume: true, RunID: "run-partial"})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if res.Status != manifest.RunCompleted || !fileutil.NonEmptyFile(res.Layout.Final) {
		t.Fatalf("unexpected resume result %+v", res)
	}
}

func TestResumeReusesPrepareOnlyWithPaddedAudio(t *testing.T) {
	for _, tc := range []struct {
		name     string
		remove   bool
		wantPads int
	}{
		{name: "artifact present", wantPads: 1},
		{name: "artifact removed", remove: true, wantPads: 2},
	} {
		t.Run(tc.name, func(t *testing.T) {
			j := testsupport.NewJob(t, testsupport.WithBuffer(0.5, 1.0))
			layout, err := workdir.Build(j, "run-prep")
			if err != nil {
				t.Fatalf("Build: %v", err)
			}
			f := newFixture(t, testsupport.NewConfig(t), j.Input.Audio, 4.0)
			f.prober.durations[layout.PaddedAudio] = 5.5
			f.prober.finalDuration = 5.5

			failAtEncode(t, f, "run-prep", func() error {
				_, err := f.runner.Run(context.Background(), j, pipeline.Options{RunID: "run-prep"})
				return err
			})
			if tc.remove {
				if err := os.Remove(layout.PaddedAudio); err != nil {
					t.Fatalf("remove padded audio: %v", err)
				}
			}
			res, err := f.runner.Run(context.Background(), j, pipeline.Options{Resume: true, RunID: "run-prep"})
			if err != nil {
				t.Fatalf("resume: %v", err)
			}
			if len(f.engine.pads) != tc.wantPads {
				t.Fatalf("pad calls = %d, want %d", len(f.engine.pads), tc.wantPads)
			}
			if got := f.prober.calls(j.Input.Audio); got != tc.wantPads {
				t.Fatalf("audio probed %d times, want %d", got, tc.wantPads)
			}
			if phaseStatus(t, loadManifest(t, res.Layout.Manifest), manifest.PhasePrepare) != manifest.PhaseCompleted {
				t.Fatal("expected prepare completed")
			}
		})
	}
}

func TestResumeReusesGenerationOnlyWithArtifact(t *testing.T) {
	for _, tc := range []struct {
		name        string
		remove      bool
		wantPrompts int
	}{
		{name: "artifact present", wantPrompts: 1},
		{name: "artifact removed", remove: true, wantPrompts: 2},
	} {
		t.Run(tc.name, func(t *testing.T) {
			j := testsupport.NewJob(t, testsupport.WithGeneration("http://comfy.test", comfyui.WorkflowMotion))
			gen := &stubGenerator{video: true}
			f := newFixture(t, testsupport.NewConfig(t), j.Input.Audio, 4.0, withGenerator(gen))

			failAtEncode(t, f, "run-gen", func() error {
				_, err := f.runner.Run(context.Background(), j, pipeline.Options{RunID: "run-gen"})
				return err
			})
			layout, err := f.runner.Lookup("run-gen")
			if err != nil {
				t.Fatalf("Lookup: %v", err)
			}
			if tc.remove {
				if err := os.Remove(layout.GenerationVideo); err != nil {
					t.Fatalf("remove generation video: %v", err)
				}
			}
			res, err := f.runner.Run(context.Background(), j, pipeline.Options{Resume: true, RunID: "run-gen"})
			if err != nil {
				t.Fatalf("resume: %v", err)
			}
			gen.mu.Lock()
			submitted := len(gen.submitted)
			gen.mu.Unlock()
			if submitted != tc.wantPrompts {
				t.Fatalf("prompts submitted = %d, want %d", submitted, tc.wantPrompts)
			}
			if mux := f.engine.lastMux(t); mux.Video != res.Layout.GenerationVideo {
				t.Fatalf("expected generation video muxed, got %s", mux.Video)
			}
		})
	}
}

func TestResumeReusesLipsyncOnlyWithArtifact(t *testing.T) {
	for _, tc := range []struct {
		name      string
		remove    bool
		wantCalls int
	}{
		{name: "artifact present", wantCalls: 1},
		{name: "artifact removed", remove: true, wantCalls: 2},
	} {
		t.Run(tc.name, func(t *testing.T) {
			j := testsupport.NewJob(t, testsupport.WithLipsync("wav2lip", false))
			f := newFixture(t, testsupport.NewConfig(t), j.Input.Audio, 4.0)

			failAtEncode(t, f, "run-lip", func() error {
				_, err := f.runner.Run(context.Background(), j, pipeline.Options{RunID: "run-lip"})
				return err
			})
			layout, err := f.runner.Lookup("run-lip")
			if err != nil {
				t.Fatalf("Lookup: %v", err)
			}
			if tc.remove {
				if err := os.Remove(layout.LipsyncVideo); err != nil {
					t.Fatalf("remove lip-sync video: %v", err)
				}
			}
			res, err := f.runner.Run(context.Background(), j, pipeline.Options{Resume: true, RunID: "run-lip"})
			if err != nil {
				t.Fatalf("resume: %v", err)
			}
			if len(f.syncer.calls) != tc.wantCalls {
				t.Fatalf("lip-sync calls = %d, want %d", len(f.syncer.calls), tc.wantCalls)
			}
			if mux := f.engine.lastMux(t); mux.Video != res.Layout.LipsyncVideo {
				t.Fatalf("expected lip-synced video muxed, got %s", mux.Video)
			}
		})
	}
}
