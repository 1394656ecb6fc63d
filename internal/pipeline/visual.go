package pipeline

import (
	"context"
	"log/slog"
	"path/filepath"

	"vidax/internal/fallback"
	"vidax/internal/fileutil"
	"vidax/internal/logging"
	"vidax/internal/media/ffmpeg"
	"vidax/internal/services"
	"vidax/internal/workdir"
)

// Visual source kinds, in selection order.
const (
	SourceStartVideo       = "start_video"
	SourceGenerationVideo  = "generation_video"
	SourceGenerationFrames = "generation_frames"
	SourceLipsync          = "lipsync"
	SourceFallback         = "fallback"
)

// visual is a materialised video file and where it came from.
type visual struct {
	kind string
	path string
}

// baseVisual returns the pre-lipsync visual track as a video file: the start
// video when generation is off, the generated video, the generated frames
// encoded to video, the start video, and finally the procedural fallback.
// The result is cached for the rest of the run.
func (st *run) baseVisual(ctx context.Context, logger *slog.Logger) (visual, error) {
	if st.base != nil {
		return *st.base, nil
	}
	v, err := st.selectBaseVisual(ctx, logger)
	if err != nil {
		return visual{}, err
	}
	logger.Info("visual source selected", logging.String("video_source", v.kind), logging.String("path", v.path))
	st.base = &v
	return v, nil
}

func (st *run) selectBaseVisual(ctx context.Context, logger *slog.Logger) (visual, error) {
	j := st.job
	if j.HasStartVideo() && !j.GenerationEnabled() {
		return visual{kind: SourceStartVideo, path: j.Input.StartVideo}, nil
	}
	if fileutil.NonEmptyFile(st.layout.GenerationVideo) {
		return visual{kind: SourceGenerationVideo, path: st.layout.GenerationVideo}, nil
	}
	if ext, ok := frameSequence(st.layout.FramesDir); ok {
		req := ffmpeg.FramesRequest{
			Pattern: workdir.FramePattern(st.layout.FramesDir, ext),
			FPS:     st.fps,
			Width:   st.render.Width,
			Height:  st.render.Height,
			Output:  st.layout.PreLipsyncVideo,
		}
		if err := st.r.engine.FramesToVideo(ctx, req); err != nil {
			return visual{}, err
		}
		return visual{kind: SourceGenerationFrames, path: st.layout.PreLipsyncVideo}, nil
	}
	if j.HasStartVideo() {
		return visual{kind: SourceStartVideo, path: j.Input.StartVideo}, nil
	}
	return st.fallbackVisual(ctx, logger)
}

func (st *run) fallbackVisual(ctx context.Context, logger *slog.Logger) (visual, error) {
	image := ""
	switch {
	case st.job.HasStartImage():
		image = st.job.Input.StartImage
	case st.job.HasStartVideo():
		image = filepath.Join(st.layout.TempDir, "start_frame.png")
		if err := st.r.engine.ExtractFirstFrame(ctx, st.job.Input.StartVideo, image); err != nil {
			return visual{}, err
		}
	default:
		return visual{}, services.New(services.CodeInputNotFound, "no visual source available for fallback", nil)
	}
	res, err := st.synthesizer(logger).Render(ctx, fallback.Request{
		Image:     image,
		Seed:      st.seed,
		Frames:    st.targetFrames,
		FPS:       st.fps,
		Width:     st.render.Width,
		Height:    st.render.Height,
		FramesDir: st.layout.FallbackFramesDir,
		Output:    st.layout.FallbackVideo,
	})
	if err != nil {
		return visual{}, err
	}
	logger.Info("rendered procedural fallback", logging.Int("frames", res.Frames), logging.String("output", res.Output))
	return visual{kind: SourceFallback, path: st.layout.FallbackVideo}, nil
}
