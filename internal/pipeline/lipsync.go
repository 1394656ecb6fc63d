package pipeline

import (
	"context"
	"log/slog"
	"strings"

	"vidax/internal/fileutil"
	"vidax/internal/lipsync"
	"vidax/internal/logging"
	"vidax/internal/manifest"
	"vidax/internal/services"
)

func (st *run) lipsyncRecorded() bool {
	if !st.prior.PhaseCompleted(manifest.PhaseLipsync) || !fileutil.NonEmptyFile(st.layout.LipsyncVideo) {
		return false
	}
	st.lipsynced = true
	return true
}

func (st *run) lipsync(ctx context.Context, logger *slog.Logger) (outcome, error) {
	if !st.job.LipsyncEnabled() {
		return skipped("disabled"), nil
	}
	if st.generationLipsynced {
		return skipped("generation_lipsynced"), nil
	}
	source, err := st.baseVisual(ctx, logger)
	if err != nil {
		return outcome{}, err
	}
	if err := removeIfExists(st.layout.LipsyncVideo); err != nil {
		return outcome{}, services.Wrap(services.CodeOutputWriteFailed, "clear lip-sync output", err, map[string]any{"path": st.layout.LipsyncVideo})
	}

	provider := strings.TrimSpace(st.job.Lipsync.Provider)
	fields := map[string]any{"provider": provider, "video_source": source.kind}
	err = st.syncer(logger).Run(ctx, lipsync.Request{
		Provider: provider,
		Params:   st.job.LipsyncParams(),
		Audio:    st.audioTrack,
		Video:    source.path,
		Out:      st.layout.LipsyncVideo,
	})
	if err == nil {
		st.lipsynced = true
		fields["output"] = st.layout.LipsyncVideo
		return outcome{fields: fields}, nil
	}
	if !st.job.AllowPassthrough() {
		return outcome{}, err
	}

	code := services.CodeOf(err)
	message := err.Error()
	if svcErr := services.As(err); svcErr != nil {
		message = svcErr.Message
	}
	st.markDegraded(logger, "lipsync_failed:"+string(code), "lipsync_failed:"+message)
	logging.WarnWithContext(
		logger,
		"lip-sync failed; passing through the pre-lipsync video",
		"lipsync_passthrough",
		logging.String(logging.FieldErrorCode, string(code)),
		logging.Error(err),
		logging.String(logging.FieldImpact, "final video is not lip-synced"),
	)
	fields["passthrough"] = true
	return outcome{fields: fields, failure: err}, nil
}
