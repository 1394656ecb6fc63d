package pipeline

import (
	"context"
	"log/slog"
	"math"
	"path/filepath"
	"strings"
	"time"

	"vidax/internal/logging"
	"vidax/internal/manifest"
	"vidax/internal/services"
	"vidax/internal/services/comfyui"
)

// Box is a pixel rectangle.
type Box struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"width"`
	H int `json:"height"`
}

func (b Box) fields() map[string]any {
	return map[string]any{"x": b.X, "y": b.Y, "width": b.W, "height": b.H}
}

// FaceEstimate is the local face-region guess for a portrait still.
type FaceEstimate struct {
	Face    Box
	Mouth   Box
	Padding int
}

// EstimateFace places a square face box, 40% of the short side, centred
// horizontally on the upper third of a w×h image. The mouth region spans
// the middle half of the box at 65% of its height.
func EstimateFace(w, h int) FaceEstimate {
	side := int(math.Round(float64(min(w, h)) * 0.4))
	face := Box{X: (w - side) / 2, Y: max(0, h/3-side/2), W: side, H: side}
	if face.Y+side > h {
		face.Y = max(0, h-side)
	}
	mouth := Box{W: side / 2, H: max(1, side/5)}
	mouth.X = face.X + (side-mouth.W)/2
	mouth.Y = face.Y + int(float64(side)*0.65)
	return FaceEstimate{Face: face, Mouth: mouth, Padding: max(1, side/10)}
}

func (st *run) faceprobeRecorded() bool {
	return st.prior.PhaseCompleted(manifest.PhaseFaceprobe)
}

func (st *run) faceprobe(ctx context.Context, logger *slog.Logger) (outcome, error) {
	if !st.job.HasStartImage() {
		return skipped("start_video"), nil
	}
	w, h := st.render.Width, st.render.Height
	if pw, ph, err := st.r.prober.Dimensions(ctx, st.job.Input.StartImage); err == nil && pw > 0 && ph > 0 {
		w, h = pw, ph
	}
	est := EstimateFace(w, h)
	fields := map[string]any{
		"source":       "local",
		"image_width":  w,
		"image_height": h,
		"face_box":     est.Face.fields(),
		"mouth_box":    est.Mouth.fields(),
		"padding":      est.Padding,
	}

	workflowID := strings.TrimSpace(st.r.cfg.ComfyUI.FaceProbeWorkflow)
	if !st.job.GenerationEnabled() || workflowID == "" {
		return outcome{fields: fields}, nil
	}
	artifacts, err := st.backendFaceProbe(ctx, logger, workflowID)
	if err != nil {
		logging.WarnWithContext(
			logger,
			"backend face probe failed; keeping local estimate",
			"faceprobe_backend_failed",
			logging.String(logging.FieldErrorCode, string(services.CodeOf(err))),
			logging.Error(err),
			logging.String(logging.FieldImpact, "lip-sync uses the local face estimate"),
		)
		fields["backend_probe"] = "failed"
		return outcome{fields: fields}, nil
	}
	fields["backend_probe"] = "completed"
	fields["backend_artifacts"] = artifacts
	return outcome{fields: fields}, nil
}

func (st *run) backendFaceProbe(ctx context.Context, logger *slog.Logger, workflowID string) (int, error) {
	gen := st.generator(logger)
	if err := gen.Health(ctx); err != nil {
		return 0, err
	}
	name, err := gen.StageInput(ctx, st.job.Input.StartImage)
	if err != nil {
		return 0, err
	}
	prompt, err := comfyui.PromptFor(workflowID, comfyui.PromptInputs{
		StartImageName: name,
		Width:          st.render.Width,
		Height:         st.render.Height,
		Seed:           st.seed,
	})
	if err != nil {
		return 0, err
	}
	promptID, err := gen.SubmitPrompt(ctx, prompt)
	if err != nil {
		return 0, err
	}
	timeout := time.Duration(st.r.cfg.ComfyUI.FaceProbeTimeoutSeconds) * time.Second
	entry, err := gen.WaitForCompletion(ctx, promptID, st.waitOptions(timeout))
	if err != nil {
		return 0, err
	}
	dir := filepath.Join(st.layout.GenerationDir, "faceprobe")
	collected, err := gen.CollectOutputs(ctx, entry.Artifacts, comfyui.Destinations{
		FramesDir: dir,
		VideoPath: filepath.Join(dir, "probe.mp4"),
	})
	if err != nil {
		return 0, err
	}
	if collected.Video != "" {
		return 1, nil
	}
	return len(collected.Frames), nil
}
