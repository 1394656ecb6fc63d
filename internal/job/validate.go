package job

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"vidax/internal/services"
)

// Seed bounds (unsigned 32-bit).
const (
	MinSeed = 0
	MaxSeed = math.MaxUint32
)

var (
	imageExtensions = []string{".png", ".jpg", ".jpeg", ".webp"}
	videoExtensions = []string{".mp4", ".mov", ".mkv"}
	audioExtensions = []string{".wav", ".mp3", ".flac", ".m4a"}
)

// FieldError describes one rule violation.
type FieldError struct {
	Field   string        `json:"field"`
	Message string        `json:"message"`
	Code    services.Code `json:"code"`
}

// Result is the outcome of Validate.
type Result struct {
	Valid  bool         `json:"valid"`
	Errors []FieldError `json:"errors,omitempty"`
}

// Err converts an invalid result into a VALIDATION_ERROR carrying every
// field error in its details. It returns nil for a valid result.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	return services.New(services.CodeValidation, "job validation failed", map[string]any{"errors": r.Errors})
}

// Validate checks the job against the document rules. It never mutates the
// job; the only side effects are file existence checks on input media.
func Validate(j *Job) Result {
	v := &validator{}
	if j == nil {
		v.add("job", "job document required", services.CodeValidation)
		return v.result()
	}
	v.input(j.Input)
	v.buffer(j.Buffer)
	v.render(j.Render)
	v.output(j.Output)
	v.determinism(j.Determinism)
	v.comfy(j.ComfyUI)
	v.lipsync(j.Lipsync)
	return v.result()
}

type validator struct {
	errors []FieldError
}

func (v *validator) add(field, message string, code services.Code) {
	v.errors = append(v.errors, FieldError{Field: field, Message: message, Code: code})
}

func (v *validator) result() Result {
	return Result{Valid: len(v.errors) == 0, Errors: v.errors}
}

func (v *validator) input(in *Input) {
	if in == nil {
		v.add("input", "input section required", services.CodeValidation)
		return
	}
	hasImage := strings.TrimSpace(in.StartImage) != ""
	hasVideo := strings.TrimSpace(in.StartVideo) != ""
	if hasImage == hasVideo {
		v.add("input.start_image", "exactly one of start_image or start_video required", services.CodeValidation)
	}
	if strings.TrimSpace(in.Audio) == "" {
		v.add("input.audio", "audio is required", services.CodeValidation)
	}
	v.path(in.StartImage, imageExtensions, "input.start_image")
	v.path(in.StartVideo, videoExtensions, "input.start_video")
	v.path(in.Audio, audioExtensions, "input.audio")
	v.path(in.EndImage, imageExtensions, "input.end_image")
}

func (v *validator) path(value string, allowed []string, field string) {
	value = strings.TrimSpace(value)
	if value == "" {
		return
	}
	if !hasExtension(value, allowed) {
		v.add(field, "unsupported format", services.CodeUnsupportedFormat)
	}
	info, err := os.Stat(value)
	if err != nil || info.IsDir() {
		v.add(field, "input not found", services.CodeInputNotFound)
	}
}

func (v *validator) buffer(b *Buffer) {
	if b == nil {
		return
	}
	if b.PreSeconds < 0 || math.IsNaN(b.PreSeconds) {
		v.add("buffer.pre_seconds", "pre_seconds cannot be negative", services.CodeValidation)
	}
	if b.PostSeconds < 0 || math.IsNaN(b.PostSeconds) {
		v.add("buffer.post_seconds", "post_seconds cannot be negative", services.CodeValidation)
	}
}

func (v *validator) render(r *Render) {
	if r == nil {
		return
	}
	checks := []struct {
		field string
		value int
	}{
		{"render.width", r.Width},
		{"render.height", r.Height},
		{"render.max_width", r.MaxWidth},
		{"render.max_height", r.MaxHeight},
	}
	for _, check := range checks {
		if check.value < 0 {
			v.add(check.field, "must not be negative", services.CodeValidation)
		}
	}
}

func (v *validator) output(out *Output) {
	if out == nil {
		v.add("output", "output section required", services.CodeValidation)
		return
	}
	if strings.TrimSpace(out.Workdir) == "" {
		v.add("output.workdir", "workdir is required", services.CodeValidation)
	}
	if name := out.FinalName; name != "" {
		if filepath.Base(name) != name || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
			v.add("output.final_name", "final_name must be a basename under workdir", services.CodeValidation)
		}
	}
	if out.EmitManifest != nil && !*out.EmitManifest {
		v.add("output.emit_manifest", "manifest is mandatory", services.CodeValidation)
	}
	if out.EmitLogs != nil && !*out.EmitLogs {
		v.add("output.emit_logs", "at least one log form must be emitted", services.CodeValidation)
	}
}

func (v *validator) determinism(d *Determinism) {
	if d == nil {
		v.add("determinism", "determinism section required", services.CodeValidation)
		return
	}
	switch {
	case d.FPS == nil:
		v.add("determinism.fps", "fps required", services.CodeValidation)
	case *d.FPS <= 0 || math.IsNaN(*d.FPS) || math.IsInf(*d.FPS, 0):
		v.add("determinism.fps", "fps must be a positive number", services.CodeValidation)
	}
	if d.AudioMaster != nil && !*d.AudioMaster {
		v.add("determinism.audio_master", "audio_master must stay true", services.CodeValidation)
	}
	if d.FrameRounding != "" && d.FrameRounding != RoundingCeil && d.FrameRounding != RoundingRound {
		v.add("determinism.frame_rounding", "frame_rounding must be ceil or round", services.CodeValidation)
	}
}

func (v *validator) comfy(c *ComfyUI) {
	if c == nil {
		v.add("comfyui", "comfyui section required (default enabled)", services.CodeValidation)
		return
	}
	ids := (&Job{ComfyUI: c}).WorkflowIDs()
	enabled := c.Enable == nil || *c.Enable
	if len(ids) > 0 && strings.TrimSpace(c.Server) == "" {
		v.add("comfyui.server", "server url required when workflows are set", services.CodeValidation)
	}
	if enabled && len(ids) == 0 {
		v.add("comfyui.workflow_ids", "workflow_ids required when comfyui is enabled", services.CodeValidation)
	}
	if c.SeedPolicy != "" && c.SeedPolicy != SeedPolicyFixed && c.SeedPolicy != SeedPolicyRandom {
		v.add("comfyui.seed_policy", "seed_policy must be fixed or random", services.CodeValidation)
	}
	if c.SeedPolicy == SeedPolicyRandom && c.Seed != "" {
		v.add("comfyui.seed", "seed not allowed when seed_policy is random", services.CodeValidation)
	}
	if c.Seed != "" {
		if _, err := ParseSeed(c.Seed); err != nil {
			v.add("comfyui.seed", err.Error(), services.CodeValidation)
		}
	}
	if c.EndHoldSeconds < 0 {
		v.add("comfyui.end_hold_seconds", "end_hold_seconds cannot be negative", services.CodeValidation)
	}
	if c.Chunking != nil && c.Chunking.FramesPerChunk < 0 {
		v.add("comfyui.chunking.frames_per_chunk", "frames_per_chunk cannot be negative", services.CodeValidation)
	}
	if p := c.Params; p != nil {
		v.positiveInt(p.Width, "comfyui.params.width")
		v.positiveInt(p.Height, "comfyui.params.height")
		v.positiveInt(p.Steps, "comfyui.params.steps")
		if p.CFG != "" {
			if f, err := p.CFG.Float64(); err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
				v.add("comfyui.params.cfg", "cfg must be a finite number", services.CodeValidation)
			}
		}
	}
}

func (v *validator) positiveInt(value json.Number, field string) {
	if value == "" {
		return
	}
	n, err := strconv.ParseInt(value.String(), 10, 64)
	if err != nil || n <= 0 {
		v.add(field, "must be a positive integer", services.CodeValidation)
	}
}

func (v *validator) lipsync(l *Lipsync) {
	if l == nil {
		return
	}
	enabled := l.Enable == nil || *l.Enable
	provider := strings.TrimSpace(l.Provider)
	if enabled && provider == "" {
		v.add("lipsync.provider", "provider required when lipsync is enabled", services.CodeValidation)
	}
	if !enabled && provider != "" {
		v.add("lipsync.provider", "provider ignored when disabled", services.CodeValidation)
	}
}

// ParseSeed converts a seed literal into the unsigned 32-bit range. Integral
// float literals such as "42.0" are accepted.
func ParseSeed(value json.Number) (uint32, error) {
	raw := strings.TrimSpace(value.String())
	if raw == "" {
		return 0, fmt.Errorf("seed must be a finite integer")
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if n < MinSeed || n > MaxSeed {
			return 0, fmt.Errorf("seed must be between %d and %d", MinSeed, uint64(MaxSeed))
		}
		return uint32(n), nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) || f != math.Trunc(f) {
		return 0, fmt.Errorf("seed must be a finite integer")
	}
	if f < MinSeed || f > MaxSeed {
		return 0, fmt.Errorf("seed must be between %d and %d", MinSeed, uint64(MaxSeed))
	}
	return uint32(f), nil
}

// ParamInt returns a positive integer param or fallback.
func ParamInt(value json.Number, fallback int) int {
	if value == "" {
		return fallback
	}
	n, err := strconv.ParseInt(value.String(), 10, 64)
	if err != nil || n <= 0 {
		return fallback
	}
	return int(n)
}

// ParamFloat returns a finite float param or fallback.
func ParamFloat(value json.Number, fallback float64) float64 {
	if value == "" {
		return fallback
	}
	f, err := value.Float64()
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return fallback
	}
	return f
}

func hasExtension(path string, allowed []string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, candidate := range allowed {
		if ext == candidate {
			return true
		}
	}
	return false
}

// IsImagePath reports whether path has a recognised still-image extension.
func IsImagePath(path string) bool { return hasExtension(path, imageExtensions) }

// IsVideoPath reports whether path has a recognised video extension.
func IsVideoPath(path string) bool { return hasExtension(path, videoExtensions) }
