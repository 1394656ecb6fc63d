package testsupport

import (
	"path/filepath"
	"testing"

	"vidax/internal/job"
)

// JobOption customizes the job built by NewJob.
type JobOption func(t testing.TB, j *job.Job, dir string)

// NewJob builds a valid job: a 64×48 start image, a placeholder audio file,
// 24 fps, generation disabled and a workdir under a fresh temp directory.
func NewJob(t testing.TB, opts ...JobOption) *job.Job {
	t.Helper()

	dir := t.TempDir()
	start := filepath.Join(dir, "start.png")
	WritePNG(t, start, 64, 48)
	audio := filepath.Join(dir, "voice.wav")
	WriteFile(t, audio, 256)

	fps := 24.0
	disabled := false
	j := &job.Job{
		Input:       &job.Input{StartImage: start, Audio: audio},
		Render:      &job.Render{Width: 64, Height: 48},
		Determinism: &job.Determinism{FPS: &fps},
		ComfyUI:     &job.ComfyUI{Enable: &disabled, Seed: "1234"},
		Output:      &job.Output{Workdir: filepath.Join(dir, "run")},
	}
	for _, opt := range opts {
		opt(t, j, dir)
	}
	return j
}

// WithBuffer requests leading and trailing silence.
func WithBuffer(pre, post float64) JobOption {
	return func(_ testing.TB, j *job.Job, _ string) {
		j.Buffer = &job.Buffer{PreSeconds: pre, PostSeconds: post}
	}
}

// WithLipsync enables the given provider.
func WithLipsync(provider string, allowPassthrough bool) JobOption {
	return func(_ testing.TB, j *job.Job, _ string) {
		j.Lipsync = &job.Lipsync{Provider: provider, AllowPassthrough: allowPassthrough}
	}
}

// WithGeneration enables the generation backend with the given workflows.
func WithGeneration(server string, workflowIDs ...string) JobOption {
	return func(_ testing.TB, j *job.Job, _ string) {
		j.ComfyUI.Enable = nil
		j.ComfyUI.Server = server
		j.ComfyUI.WorkflowIDs = workflowIDs
	}
}

// WithEndImage adds an end image held for holdSeconds.
func WithEndImage(holdSeconds float64) JobOption {
	return func(t testing.TB, j *job.Job, dir string) {
		end := filepath.Join(dir, "end.png")
		WritePNG(t, end, 64, 48)
		j.Input.EndImage = end
		j.ComfyUI.EndHoldSeconds = holdSeconds
	}
}
