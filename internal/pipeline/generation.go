package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"vidax/internal/fileutil"
	"vidax/internal/job"
	"vidax/internal/logging"
	"vidax/internal/manifest"
	"vidax/internal/services"
	"vidax/internal/services/comfyui"
)

// promptBatch is the prompt list of one workflow. Chunked workflows carry
// several prompts whose artifacts are collected together.
type promptBatch struct {
	workflowID string
	prompts    []comfyui.Prompt
}

func (st *run) generationRecorded() bool {
	if !st.prior.PhaseCompleted(manifest.PhaseGeneration) {
		return false
	}
	if !fileutil.NonEmptyFile(st.layout.GenerationVideo) {
		if _, ok := frameSequence(st.layout.FramesDir); !ok {
			return false
		}
	}
	st.generationLipsynced = producesLipsync(st.job.WorkflowIDs())
	return true
}

func (st *run) generation(ctx context.Context, logger *slog.Logger) (outcome, error) {
	if !st.job.GenerationEnabled() {
		return skipped("disabled"), nil
	}
	ids := st.job.WorkflowIDs()
	if len(ids) == 0 {
		return skipped("workflow_id missing"), nil
	}
	if err := st.clearGenerationOutputs(); err != nil {
		return outcome{}, err
	}

	fields := map[string]any{"workflow_ids": ids, "server": st.server()}
	collected, promptIDs, err := st.generate(ctx, logger, ids)
	if len(promptIDs) > 0 {
		fields["prompt_ids"] = promptIDs
	}
	if err == nil {
		st.generationLipsynced = producesLipsync(ids)
		fields["output_kind"] = collected.Kind()
		if collected.Video == "" {
			fields["frames"] = len(collected.Frames)
		}
		return outcome{fields: fields}, nil
	}

	code := services.CodeOf(err)
	if code == services.CodeGenerationMissingCapability || !st.job.HasStartImage() {
		return outcome{}, err
	}
	// Partial downloads must not be mistaken for usable output later.
	if clearErr := st.clearGenerationOutputs(); clearErr != nil {
		logger.Warn("failed to clear partial generation output", logging.Error(clearErr))
	}
	reason := "generation_failed:" + string(code)
	st.markDegraded(logger, reason, reason)
	logging.WarnWithContext(
		logger,
		"generation failed; continuing with procedural fallback",
		"generation_degraded",
		logging.String(logging.FieldErrorCode, string(code)),
		logging.Error(err),
		logging.String(logging.FieldImpact, "final video uses the procedural fallback"),
	)
	return outcome{fields: fields, failure: err}, nil
}

func (st *run) generate(ctx context.Context, logger *slog.Logger, ids []string) (comfyui.Collected, []string, error) {
	gen := st.generator(logger)
	if err := gen.Health(ctx); err != nil {
		return comfyui.Collected{}, nil, err
	}
	if _, err := st.store.RecordVersions(manifest.Versions{ComfyUIAPI: "available"}); err != nil {
		logger.Warn("failed to record backend version", logging.Error(err))
	}

	inputs, err := st.stageInputs(ctx, gen)
	if err != nil {
		return comfyui.Collected{}, nil, err
	}
	batches := make([]promptBatch, 0, len(ids))
	required := slices.Clone(st.r.cfg.ComfyUI.RequiredNodes)
	for _, id := range ids {
		prompts, err := st.buildPrompts(id, inputs)
		if err != nil {
			return comfyui.Collected{}, nil, err
		}
		for _, p := range prompts {
			required = append(required, p.ClassTypes()...)
		}
		batches = append(batches, promptBatch{workflowID: id, prompts: prompts})
	}
	slices.Sort(required)
	if err := gen.RequireNodes(ctx, slices.Compact(required)); err != nil {
		return comfyui.Collected{}, nil, err
	}

	var (
		collected comfyui.Collected
		promptIDs []string
	)
	for _, batch := range batches {
		var artifacts []comfyui.Artifact
		for idx, prompt := range batch.prompts {
			promptID, err := gen.SubmitPrompt(ctx, prompt)
			if err != nil {
				return comfyui.Collected{}, promptIDs, err
			}
			promptIDs = append(promptIDs, promptID)
			logger.Info("prompt submitted",
				logging.String("workflow_id", batch.workflowID),
				logging.String("prompt_id", promptID),
				logging.Int("chunk", idx+1),
				logging.Int("chunks", len(batch.prompts)),
			)
			entry, err := gen.WaitForCompletion(ctx, promptID, st.waitOptions(0))
			if err != nil {
				return comfyui.Collected{}, promptIDs, err
			}
			artifacts = append(artifacts, entry.Artifacts...)
		}

		if batch.workflowID == comfyui.WorkflowFaceProbe {
			dir := filepath.Join(st.layout.GenerationDir, "faceprobe")
			if _, err := gen.CollectOutputs(ctx, artifacts, comfyui.Destinations{FramesDir: dir, VideoPath: filepath.Join(dir, "probe.mp4")}); err != nil {
				return comfyui.Collected{}, promptIDs, err
			}
			continue
		}
		// Each visual workflow supersedes the output of the previous one.
		if err := st.clearGenerationOutputs(); err != nil {
			return comfyui.Collected{}, promptIDs, err
		}
		collected, err = gen.CollectOutputs(ctx, artifacts, comfyui.Destinations{
			FramesDir: st.layout.FramesDir,
			VideoPath: st.layout.GenerationVideo,
		})
		if err != nil {
			return comfyui.Collected{}, promptIDs, err
		}
	}
	if collected.Video == "" && len(collected.Frames) == 0 {
		return comfyui.Collected{}, promptIDs, services.New(services.CodeGenerationBadResponse, "generation produced no usable visual output", map[string]any{"workflow_ids": ids})
	}
	return collected, promptIDs, nil
}

func (st *run) stageInputs(ctx context.Context, gen Generator) (comfyui.PromptInputs, error) {
	j := st.job
	var in comfyui.PromptInputs
	var err error
	if j.HasStartImage() {
		if in.StartImageName, err = gen.StageInput(ctx, j.Input.StartImage); err != nil {
			return in, err
		}
	}
	if j.HasStartVideo() {
		if in.StartVideoName, err = gen.StageInput(ctx, j.Input.StartVideo); err != nil {
			return in, err
		}
	}
	if in.AudioName, err = gen.StageInput(ctx, st.audioTrack); err != nil {
		return in, err
	}

	in.FrameCount = st.targetFrames
	in.FPS = st.fps
	in.Width = st.render.Width
	in.Height = st.render.Height
	in.Seed = st.seed
	in.Prompt = j.MotionPrompt()
	if p := j.ComfyUI.Params; p != nil {
		in.Negative = p.Negative
		if in.Negative == "" {
			in.Negative = p.NegativePrompt
		}
		in.Steps = job.ParamInt(p.Steps, 0)
		in.CFG = job.ParamFloat(p.CFG, 0)
		in.Sampler = p.Sampler
		in.Scheduler = p.Scheduler
	}
	return in, nil
}

// buildPrompts builds the prompts of one workflow. Frame-batch workflows
// are split into chunks of at most frames_per_chunk frames; chunk i renders
// with seed+i under its own filename prefix so collected frames keep order.
func (st *run) buildPrompts(workflowID string, in comfyui.PromptInputs) ([]comfyui.Prompt, error) {
	chunk := 0
	if c := st.job.ComfyUI.Chunking; c != nil {
		chunk = c.FramesPerChunk
	}
	total := in.FrameCount
	if !chunkable(workflowID) || chunk <= 0 || chunk >= total {
		p, err := comfyui.PromptFor(workflowID, in)
		if err != nil {
			return nil, err
		}
		return []comfyui.Prompt{p}, nil
	}
	var prompts []comfyui.Prompt
	for idx, offset := 0, 0; offset < total; idx, offset = idx+1, offset+chunk {
		part := in
		part.FrameCount = min(chunk, total-offset)
		part.Seed = in.Seed + uint32(idx)
		part.OutputPrefix = fmt.Sprintf("vidax_chunk%03d", idx)
		p, err := comfyui.PromptFor(workflowID, part)
		if err != nil {
			return nil, err
		}
		prompts = append(prompts, p)
	}
	return prompts, nil
}

func chunkable(workflowID string) bool {
	id := strings.TrimSpace(workflowID)
	return id == comfyui.WorkflowTextToFrames || id == comfyui.WorkflowMotion
}

func producesLipsync(ids []string) bool {
	return slices.ContainsFunc(ids, comfyui.ProducesLipsync)
}

func (st *run) clearGenerationOutputs() error {
	for _, path := range []string{st.layout.FramesDir, st.layout.GenerationVideo, st.layout.PreLipsyncVideo} {
		if err := removeIfExists(path); err != nil {
			return services.Wrap(services.CodeOutputWriteFailed, "clear generation output", err, map[string]any{"path": path})
		}
	}
	st.base = nil
	return nil
}

// frameSequence reports the extension of the numbered frames in dir, if any.
func frameSequence(dir string) (string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		switch ext {
		case ".png", ".jpg", ".jpeg", ".webp":
			return ext, true
		}
	}
	return "", false
}
