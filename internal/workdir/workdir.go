// Package workdir derives the fixed on-disk layout of a run directory.
package workdir

import (
	"fmt"
	"os"
	"path/filepath"

	"vidax/internal/job"
)

// Layout lists every path a run reads or writes under its base workdir.
type Layout struct {
	RunID             string `json:"run_id"`
	Base              string `json:"base"`
	JobFile           string `json:"job_file"`
	Manifest          string `json:"manifest"`
	LogsDir           string `json:"logs_dir"`
	Events            string `json:"events"`
	FramesDir         string `json:"frames_dir"`
	GenerationDir     string `json:"generation_dir"`
	GenerationVideo   string `json:"generation_video"`
	LipsyncDir        string `json:"lipsync_dir"`
	LipsyncVideo      string `json:"lipsync_video"`
	TempDir           string `json:"temp_dir"`
	PreLipsyncVideo   string `json:"pre_lipsync_video"`
	PaddedAudio       string `json:"padded_audio"`
	FallbackFramesDir string `json:"fallback_frames_dir"`
	FallbackVideo     string `json:"fallback_video"`
	PartialFinal      string `json:"partial_final"`
	Final             string `json:"final"`
}

// Build derives the layout for a job and run id. It is a pure function of
// its inputs apart from resolving a relative workdir against the process
// working directory.
func Build(j *job.Job, runID string) (Layout, error) {
	dir := j.Workdir()
	if dir == "" {
		return Layout{}, fmt.Errorf("workdir is empty")
	}
	base, err := filepath.Abs(dir)
	if err != nil {
		return Layout{}, fmt.Errorf("resolve workdir: %w", err)
	}
	return ForBase(base, j.FinalName(), runID), nil
}

// ForBase derives the layout for an already absolute base directory.
func ForBase(base, finalName, runID string) Layout {
	if finalName == "" {
		finalName = job.DefaultFinalName
	}
	logs := filepath.Join(base, "logs")
	generation := filepath.Join(base, "comfyui")
	lipsync := filepath.Join(base, "lipsync")
	temp := filepath.Join(base, "temp")
	return Layout{
		RunID:             runID,
		Base:              base,
		JobFile:           filepath.Join(base, "job.json"),
		Manifest:          filepath.Join(base, "manifest.json"),
		LogsDir:           logs,
		Events:            filepath.Join(logs, "events.jsonl"),
		FramesDir:         filepath.Join(base, "frames"),
		GenerationDir:     generation,
		GenerationVideo:   filepath.Join(generation, "output.mp4"),
		LipsyncDir:        lipsync,
		LipsyncVideo:      filepath.Join(lipsync, "output.mp4"),
		TempDir:           temp,
		PreLipsyncVideo:   filepath.Join(temp, "pre_lipsync.mp4"),
		PaddedAudio:       filepath.Join(temp, "padded_audio.m4a"),
		FallbackFramesDir: filepath.Join(temp, "fallback_frames"),
		FallbackVideo:     filepath.Join(temp, "fallback.mp4"),
		PartialFinal:      filepath.Join(temp, "final.partial"+filepath.Ext(finalName)),
		Final:             filepath.Join(base, finalName),
	}
}

// WithRunID returns a copy of the layout bound to another run id.
func (l Layout) WithRunID(runID string) Layout {
	l.RunID = runID
	return l
}

// Ensure creates the base and logs directories.
func (l Layout) Ensure() error {
	for _, dir := range []string{l.Base, l.LogsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// FramePattern is the printf-style pattern for numbered frames in dir.
func FramePattern(dir, ext string) string {
	if ext == "" {
		ext = ".png"
	}
	return filepath.Join(dir, "%06d"+ext)
}

// FrameName returns the zero-padded file name of frame index (1-based).
func FrameName(index int, ext string) string {
	if ext == "" {
		ext = ".png"
	}
	return fmt.Sprintf("%06d%s", index, ext)
}
