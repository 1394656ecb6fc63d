package pipeline

import (
	"context"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"vidax/internal/fileutil"
	"vidax/internal/logging"
	"vidax/internal/media/ffmpeg"
	"vidax/internal/services"
)

func (st *run) encode(ctx context.Context, logger *slog.Logger) (outcome, error) {
	source := visual{kind: SourceLipsync, path: st.layout.LipsyncVideo}
	if !st.lipsynced || !fileutil.NonEmptyFile(st.layout.LipsyncVideo) {
		base, err := st.baseVisual(ctx, logger)
		if err != nil {
			return outcome{}, err
		}
		source = base
	}

	track := source.path
	hold := math.Min(st.job.EndHoldSeconds(), st.visualTarget)
	end := st.job.EndImagePath()
	if hold > 0 && end != "" {
		joined, err := st.appendEndHold(ctx, track, end, hold)
		if err != nil {
			return outcome{}, err
		}
		track = joined
		logger.Info("appended end-image hold", logging.Float64("hold_seconds", hold))
	} else {
		hold = 0
	}

	// The mux writes into temp and only a verified encode is renamed onto
	// the final path, which marks the run terminal.
	partial := st.layout.PartialFinal
	st.discardPartial(logger)
	// Cloning the last frame for the full target keeps a short visual track
	// from ending before the audio; the trim cuts the excess.
	err := st.r.engine.Mux(ctx, ffmpeg.MuxRequest{
		Video:       track,
		Audio:       st.audioTrack,
		FPS:         st.fps,
		Width:       st.render.Width,
		Height:      st.render.Height,
		HoldSeconds: st.visualTarget,
		Duration:    st.visualTarget,
		Output:      partial,
	})
	if err != nil {
		st.discardPartial(logger)
		return outcome{}, err
	}

	info, err := st.r.prober.VideoInfo(ctx, partial)
	if err != nil {
		st.discardPartial(logger)
		return outcome{}, err
	}
	drift := math.Abs(info.DurationSeconds - st.visualTarget)
	if drift > 1/st.fps || info.Frames <= 1 {
		st.discardPartial(logger)
		return outcome{}, services.New(services.CodeCodecFailed, "encoded duration drifted from target", map[string]any{
			"duration_seconds": info.DurationSeconds,
			"target_seconds":   st.visualTarget,
			"drift_seconds":    drift,
			"frames":           info.Frames,
		})
	}
	if err := os.Rename(partial, st.layout.Final); err != nil {
		st.discardPartial(logger)
		return outcome{}, services.Wrap(services.CodeOutputWriteFailed, "publish final output", err, map[string]any{"final": st.layout.Final})
	}
	return outcome{fields: map[string]any{
		"video_source":     source.kind,
		"fps":              st.fps,
		"duration_seconds": info.DurationSeconds,
		"drift_seconds":    drift,
		"frames":           info.Frames,
		"end_hold_seconds": hold,
	}}, nil
}

// appendEndHold renders the end image as a still clip and concatenates it
// after the main track, which is cut so the pair fills the visual target.
func (st *run) appendEndHold(ctx context.Context, track, end string, hold float64) (string, error) {
	clip := filepath.Join(st.layout.TempDir, "end_hold.mp4")
	err := st.r.engine.StillVideo(ctx, ffmpeg.StillRequest{
		Image:    end,
		FPS:      st.fps,
		Duration: hold,
		Width:    st.render.Width,
		Height:   st.render.Height,
		Output:   clip,
	})
	if err != nil {
		return "", err
	}
	joined := filepath.Join(st.layout.TempDir, "with_end_hold.mp4")
	err = st.r.engine.Concat(ctx, ffmpeg.ConcatRequest{
		Inputs: []string{track, clip},
		Trim:   []float64{math.Max(st.visualTarget-hold, 1/st.fps)},
		FPS:    st.fps,
		Width:  st.render.Width,
		Height: st.render.Height,
		Output: joined,
	})
	if err != nil {
		return "", err
	}
	return joined, nil
}

// discardPartial removes an unverified encode so a resume can re-run it.
func (st *run) discardPartial(logger *slog.Logger) {
	if err := removeIfExists(st.layout.PartialFinal); err != nil {
		logger.Warn("failed to remove partial encode", logging.String("path", st.layout.PartialFinal), logging.Error(err))
	}
}

func (st *run) done(_ context.Context, logger *slog.Logger) (outcome, error) {
	if err := removeIfExists(st.layout.TempDir); err != nil {
		logger.Warn("failed to remove temp dir", logging.String("path", st.layout.TempDir), logging.Error(err))
	}
	return outcome{fields: map[string]any{"final": st.layout.Final}}, nil
}
