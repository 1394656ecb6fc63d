package pipeline

import (
	"context"
	"log/slog"
	"strings"

	"vidax/internal/contenthash"
	"vidax/internal/fileutil"
	"vidax/internal/job"
	"vidax/internal/logging"
	"vidax/internal/manifest"
	"vidax/internal/media/ffmpeg"
	"vidax/internal/services"
)

// Render dimension sources recorded in the manifest.
const (
	RenderSourceJob    = "job"
	RenderSourceParams = "params"
	RenderSourceProbe  = "probe"
	RenderSourceConfig = "config"
)

// prepareRecorded reports whether a previous prepare can be reused and, if
// so, loads its recorded values.
func (st *run) prepareRecorded() bool {
	m := st.prior
	if !m.PhaseCompleted(manifest.PhasePrepare) {
		return false
	}
	if m.AudioDurationSeconds == nil || m.VisualTargetDurationSeconds == nil || m.FPS == nil ||
		m.Seeds.ComfyUISeed == nil || m.Render == nil || m.TargetFrames == nil {
		return false
	}
	st.audioTrack = st.job.AudioPath()
	if m.BufferApplied != nil {
		if !fileutil.NonEmptyFile(m.BufferApplied.PaddedAudio) {
			return false
		}
		st.audioTrack = m.BufferApplied.PaddedAudio
	}
	st.audioDuration = *m.AudioDurationSeconds
	st.visualTarget = *m.VisualTargetDurationSeconds
	st.fps = *m.FPS
	st.targetFrames = *m.TargetFrames
	st.render = *m.Render
	st.seed = *m.Seeds.ComfyUISeed
	return true
}

func (st *run) prepare(ctx context.Context, logger *slog.Logger) (outcome, error) {
	j := st.job
	hashes, err := contenthash.HashInputs(j)
	if err != nil {
		return outcome{}, services.Wrap(services.CodeInputNotFound, "hash inputs", err, nil)
	}
	audioDuration, err := st.r.prober.Duration(ctx, j.AudioPath())
	if err != nil {
		return outcome{}, err
	}

	pre, post := j.PreSeconds(), j.PostSeconds()
	visualTarget := audioDuration + pre + post
	audioTrack := j.AudioPath()
	var buffer *manifest.BufferApplied
	var padded float64
	if pre > 0 || post > 0 {
		req := ffmpeg.PadAudioRequest{
			Input:          j.AudioPath(),
			Output:         st.layout.PaddedAudio,
			PreSeconds:     pre,
			PostSeconds:    post,
			TargetDuration: visualTarget,
		}
		if err := st.r.engine.PadAudio(ctx, req); err != nil {
			return outcome{}, err
		}
		// The encoder rounds the padded length; its probed duration is what
		// the visual track has to match.
		if padded, err = st.r.prober.Duration(ctx, st.layout.PaddedAudio); err != nil {
			return outcome{}, err
		}
		visualTarget = padded
		audioTrack = st.layout.PaddedAudio
		buffer = &manifest.BufferApplied{PreSeconds: pre, PostSeconds: post, PaddedAudio: st.layout.PaddedAudio}
		logger.Info("padded audio master",
			logging.Float64("pre_seconds", pre),
			logging.Float64("post_seconds", post),
			logging.Float64("padded_duration_seconds", padded),
		)
	}

	render, err := st.resolveRender(ctx, logger)
	if err != nil {
		return outcome{}, err
	}
	resolved, err := st.r.seeds.Resolve(st.prior.Seeds.ComfyUISeed, j.SeedPolicy(), j.Seed())
	if err != nil {
		return outcome{}, err
	}

	m, err := st.store.RecordPrepare(manifest.PrepareDetails{
		AudioDurationSeconds:        audioDuration,
		PaddedAudioDurationSeconds:  padded,
		VisualTargetDurationSeconds: visualTarget,
		FPS:                         j.FPS(),
		FrameRounding:               j.FrameRounding(),
		Hashes:                      manifest.InputHashes{Start: hashes.Start, Audio: hashes.Audio, End: hashes.End},
		BufferApplied:               buffer,
		Render:                      render,
		Seed:                        resolved.Value,
		SeedPolicy:                  resolved.Policy,
	})
	if err != nil {
		return outcome{}, err
	}
	st.audioDuration = audioDuration
	st.visualTarget = visualTarget
	st.fps = j.FPS()
	st.targetFrames = *m.TargetFrames
	st.render = render
	st.seed = resolved.Value
	st.audioTrack = audioTrack

	st.recordVersions(ctx, logger)
	return outcome{fields: map[string]any{
		"audio_duration_seconds":         audioDuration,
		"visual_target_duration_seconds": visualTarget,
		"target_frames":                  st.targetFrames,
		"width":                          render.Width,
		"height":                         render.Height,
		"render_source":                  render.Source,
		"seed_source":                    resolved.Source,
	}}, nil
}

func (st *run) recordVersions(ctx context.Context, logger *slog.Logger) {
	versions := manifest.Versions{
		FFmpeg:          toolVersion(ctx, logger, "ffmpeg", st.r.engine.Version),
		FFprobe:         toolVersion(ctx, logger, "ffprobe", st.r.prober.Version),
		LipsyncProvider: "disabled",
	}
	if st.job.LipsyncEnabled() {
		versions.LipsyncProvider = strings.TrimSpace(st.job.Lipsync.Provider)
	}
	if !st.job.GenerationEnabled() {
		versions.ComfyUIAPI = "disabled"
	}
	if _, err := st.store.RecordVersions(versions); err != nil {
		logger.Warn("failed to record tool versions", logging.Error(err))
	}
}

func toolVersion(ctx context.Context, logger *slog.Logger, tool string, version func(context.Context) (string, error)) string {
	v, err := version(ctx)
	if err != nil || strings.TrimSpace(v) == "" {
		logger.Debug("tool version unavailable", logging.String("tool", tool), logging.Error(err))
		return "unknown"
	}
	return v
}

// resolveRender picks the output dimensions: explicit job render size, then
// generation params, then the probed start asset, then configured defaults.
func (st *run) resolveRender(ctx context.Context, logger *slog.Logger) (manifest.Render, error) {
	j := st.job
	cfg := st.r.cfg.Render
	maxW, maxH := cfg.MaxWidth, cfg.MaxHeight
	if j.Render != nil {
		if j.Render.MaxWidth > 0 {
			maxW = j.Render.MaxWidth
		}
		if j.Render.MaxHeight > 0 {
			maxH = j.Render.MaxHeight
		}
	}

	switch {
	case j.Render != nil && j.Render.Width > 0 && j.Render.Height > 0:
		return ClampRender(j.Render.Width, j.Render.Height, maxW, maxH, RenderSourceJob)
	case j.ComfyUI != nil && j.ComfyUI.Params != nil &&
		job.ParamInt(j.ComfyUI.Params.Width, 0) > 0 && job.ParamInt(j.ComfyUI.Params.Height, 0) > 0:
		return ClampRender(job.ParamInt(j.ComfyUI.Params.Width, 0), job.ParamInt(j.ComfyUI.Params.Height, 0), maxW, maxH, RenderSourceParams)
	}
	if start := j.StartPath(); start != "" {
		w, h, err := st.r.prober.Dimensions(ctx, start)
		if err == nil && w > 0 && h > 0 {
			return ClampRender(w, h, maxW, maxH, RenderSourceProbe)
		}
		logger.Debug("start asset dimensions unavailable", logging.String("path", start), logging.Error(err))
	}
	w, h := cfg.DefaultWidth, cfg.DefaultHeight
	if w <= 0 || h <= 0 {
		w, h = maxW, maxH
	}
	return ClampRender(w, h, maxW, maxH, RenderSourceConfig)
}

// ClampRender scales w×h proportionally to fit within maxW×maxH (a
// non-positive maximum is unbounded), then rounds both sides down to even
// values of at least 2.
func ClampRender(w, h, maxW, maxH int, source string) (manifest.Render, error) {
	if w <= 0 || h <= 0 {
		return manifest.Render{}, services.New(services.CodeValidation, "render dimensions unresolved", map[string]any{"width": w, "height": h})
	}
	num, den := 1, 1
	if maxW > 0 && w > maxW {
		num, den = maxW, w
	}
	if maxH > 0 && h > maxH && maxH*den < num*h {
		num, den = maxH, h
	}
	return manifest.Render{
		Width:  evenAtLeastTwo(w * num / den),
		Height: evenAtLeastTwo(h * num / den),
		Source: source,
	}, nil
}

func evenAtLeastTwo(v int) int {
	return max(2, v-v%2)
}
