package pipeline

import (
	"log/slog"
	"strings"
	"time"

	"vidax/internal/fallback"
	"vidax/internal/job"
	"vidax/internal/lipsync"
	"vidax/internal/logging"
	"vidax/internal/manifest"
	"vidax/internal/services/comfyui"
	"vidax/internal/workdir"
)

// run holds the state of one Run invocation. Phase bodies fill it in order;
// resumed phases fill it from the recorded manifest instead.
type run struct {
	r      *Runner
	job    *job.Job
	layout workdir.Layout
	store  *manifest.Store
	prior  manifest.Manifest
	resume bool
	logger *slog.Logger

	audioDuration float64
	visualTarget  float64
	fps           float64
	targetFrames  int
	render        manifest.Render
	seed          uint32
	audioTrack    string

	gen                 Generator
	generationLipsynced bool
	lipsynced           bool
	base                *visual
	degraded            bool
}

func (st *run) generator(logger *slog.Logger) Generator {
	if st.gen == nil {
		st.gen = st.r.newGenerator(st.server(), logging.NewComponentLogger(logger, "comfyui"))
	}
	return st.gen
}

func (st *run) server() string {
	if st.job.ComfyUI != nil {
		if server := strings.TrimSpace(st.job.ComfyUI.Server); server != "" {
			return server
		}
	}
	return st.r.cfg.ComfyUI.DefaultServer
}

func (st *run) syncer(logger *slog.Logger) lipsync.Syncer {
	if runner, ok := st.r.syncer.(*lipsync.Runner); ok {
		return runner.WithRunLogger(logging.NewComponentLogger(logger, "lipsync"))
	}
	return st.r.syncer
}

func (st *run) synthesizer(logger *slog.Logger) Synthesizer {
	if st.r.synth != nil {
		return st.r.synth
	}
	return fallback.NewSynthesizer(st.r.engine, fallback.WithLogger(logging.NewComponentLogger(logger, "fallback")))
}

// waitOptions converts the configured polling knobs. A positive total
// overrides the configured generation timeout.
func (st *run) waitOptions(total time.Duration) comfyui.WaitOptions {
	poll := st.r.cfg.GenerationPolling()
	opts := comfyui.WaitOptions{
		TimeoutTotal:     poll.TimeoutTotal,
		PollInterval:     poll.PollInterval,
		StallNoNewOutput: poll.StallNoNewOutput,
		StallNoOutput:    poll.StallNoOutput,
	}
	if total > 0 {
		opts.TimeoutTotal = total
	}
	return opts
}
