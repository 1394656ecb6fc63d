package job

import (
	"encoding/json"
	"maps"
	"slices"
	"strings"
)

// Frame rounding policies.
const (
	RoundingCeil  = "ceil"
	RoundingRound = "round"
)

// Seed policies.
const (
	SeedPolicyFixed  = "fixed"
	SeedPolicyRandom = "random"
)

// DefaultFinalName is used when output.final_name is empty.
const DefaultFinalName = "final.mp4"

// Job is the submitted job document. Optional sections are pointers so an
// absent section is distinguishable from a zero one.
type Job struct {
	Input       *Input       `json:"input,omitempty"`
	Buffer      *Buffer      `json:"buffer,omitempty"`
	Render      *Render      `json:"render,omitempty"`
	Motion      *Motion      `json:"motion,omitempty"`
	Determinism *Determinism `json:"determinism,omitempty"`
	ComfyUI     *ComfyUI     `json:"comfyui,omitempty"`
	Lipsync     *Lipsync     `json:"lipsync,omitempty"`
	Output      *Output      `json:"output,omitempty"`
}

// Input lists the media files a run consumes.
type Input struct {
	StartImage string `json:"start_image,omitempty"`
	StartVideo string `json:"start_video,omitempty"`
	Audio      string `json:"audio,omitempty"`
	EndImage   string `json:"end_image,omitempty"`
}

// Buffer adds silence before and after the audio master.
type Buffer struct {
	PreSeconds  float64 `json:"pre_seconds,omitempty"`
	PostSeconds float64 `json:"post_seconds,omitempty"`
}

// Render requests explicit output dimensions and optional per-job maxima.
type Render struct {
	Width     int `json:"width,omitempty"`
	Height    int `json:"height,omitempty"`
	MaxWidth  int `json:"max_width,omitempty"`
	MaxHeight int `json:"max_height,omitempty"`
}

type Motion struct {
	Prompt   string  `json:"prompt,omitempty"`
	Guidance float64 `json:"guidance,omitempty"`
}

// Determinism pins the timing parameters that make a run reproducible.
type Determinism struct {
	FPS           *float64 `json:"fps,omitempty"`
	FrameRounding string   `json:"frame_rounding,omitempty"`
	AudioMaster   *bool    `json:"audio_master,omitempty"`
}

// ComfyUI configures the generation backend for this job.
type ComfyUI struct {
	Enable         *bool       `json:"enable,omitempty"`
	Server         string      `json:"server,omitempty"`
	WorkflowIDs    []string    `json:"workflow_ids,omitempty"`
	Seed           json.Number `json:"seed,omitempty"`
	SeedPolicy     string      `json:"seed_policy,omitempty"`
	Params         *Params     `json:"params,omitempty"`
	Chunking       *Chunking   `json:"chunking,omitempty"`
	EndHoldSeconds float64     `json:"end_hold_seconds,omitempty"`
}

// Params are the sampler parameters forwarded to generation workflows.
// Numeric fields keep their literal form so validation can report
// non-integer values instead of failing the decode.
type Params struct {
	Prompt         string      `json:"prompt,omitempty"`
	Negative       string      `json:"negative,omitempty"`
	NegativePrompt string      `json:"negative_prompt,omitempty"`
	Width          json.Number `json:"width,omitempty"`
	Height         json.Number `json:"height,omitempty"`
	Steps          json.Number `json:"steps,omitempty"`
	CFG            json.Number `json:"cfg,omitempty"`
	Sampler        string      `json:"sampler,omitempty"`
	Scheduler      string      `json:"scheduler,omitempty"`
}

// Chunking splits motion generation into several prompts of at most
// FramesPerChunk frames each.
type Chunking struct {
	FramesPerChunk int `json:"frames_per_chunk,omitempty"`
}

// Lipsync selects the external lip-sync provider.
type Lipsync struct {
	Enable           *bool          `json:"enable,omitempty"`
	Provider         string         `json:"provider,omitempty"`
	AllowPassthrough bool           `json:"allow_passthrough,omitempty"`
	Params           map[string]any `json:"params,omitempty"`
}

// Output controls where run artifacts are written.
type Output struct {
	Workdir      string `json:"workdir,omitempty"`
	FinalName    string `json:"final_name,omitempty"`
	EmitManifest *bool  `json:"emit_manifest,omitempty"`
	EmitLogs     *bool  `json:"emit_logs,omitempty"`
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	out := &Job{
		Input:       clonePtr(j.Input),
		Buffer:      clonePtr(j.Buffer),
		Render:      clonePtr(j.Render),
		Motion:      clonePtr(j.Motion),
		Determinism: clonePtr(j.Determinism),
		Output:      clonePtr(j.Output),
	}
	if out.Determinism != nil {
		out.Determinism.FPS = clonePtr(j.Determinism.FPS)
		out.Determinism.AudioMaster = clonePtr(j.Determinism.AudioMaster)
	}
	if out.Output != nil {
		out.Output.EmitManifest = clonePtr(j.Output.EmitManifest)
		out.Output.EmitLogs = clonePtr(j.Output.EmitLogs)
	}
	if j.ComfyUI != nil {
		c := *j.ComfyUI
		c.Enable = clonePtr(j.ComfyUI.Enable)
		c.WorkflowIDs = slices.Clone(j.ComfyUI.WorkflowIDs)
		c.Params = clonePtr(j.ComfyUI.Params)
		c.Chunking = clonePtr(j.ComfyUI.Chunking)
		out.ComfyUI = &c
	}
	if j.Lipsync != nil {
		l := *j.Lipsync
		l.Enable = clonePtr(j.Lipsync.Enable)
		l.Params = cloneParams(j.Lipsync.Params)
		out.Lipsync = &l
	}
	return out
}

// FPS returns the requested frame rate or zero when unset.
func (j *Job) FPS() float64 {
	if j == nil || j.Determinism == nil || j.Determinism.FPS == nil {
		return 0
	}
	return *j.Determinism.FPS
}

// FrameRounding returns the rounding policy, defaulting to ceil.
func (j *Job) FrameRounding() string {
	if j == nil || j.Determinism == nil || j.Determinism.FrameRounding == "" {
		return RoundingCeil
	}
	return j.Determinism.FrameRounding
}

// PreSeconds returns the leading buffer length.
func (j *Job) PreSeconds() float64 {
	if j == nil || j.Buffer == nil {
		return 0
	}
	return j.Buffer.PreSeconds
}

// PostSeconds returns the trailing buffer length.
func (j *Job) PostSeconds() float64 {
	if j == nil || j.Buffer == nil {
		return 0
	}
	return j.Buffer.PostSeconds
}

// GenerationEnabled reports whether the generation backend should be used.
// A present section defaults to enabled.
func (j *Job) GenerationEnabled() bool {
	if j == nil || j.ComfyUI == nil {
		return false
	}
	return j.ComfyUI.Enable == nil || *j.ComfyUI.Enable
}

// WorkflowIDs returns the non-empty configured workflow identifiers.
func (j *Job) WorkflowIDs() []string {
	if j == nil || j.ComfyUI == nil {
		return nil
	}
	ids := make([]string, 0, len(j.ComfyUI.WorkflowIDs))
	for _, id := range j.ComfyUI.WorkflowIDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// SeedPolicy returns the seed policy, defaulting to fixed.
func (j *Job) SeedPolicy() string {
	if j == nil || j.ComfyUI == nil || j.ComfyUI.SeedPolicy == "" {
		return SeedPolicyFixed
	}
	return j.ComfyUI.SeedPolicy
}

// Seed returns the job-supplied seed literal, if any.
func (j *Job) Seed() json.Number {
	if j == nil || j.ComfyUI == nil {
		return ""
	}
	return j.ComfyUI.Seed
}

// EndHoldSeconds returns the end-image hold length.
func (j *Job) EndHoldSeconds() float64 {
	if j == nil || j.ComfyUI == nil || j.ComfyUI.EndHoldSeconds < 0 {
		return 0
	}
	return j.ComfyUI.EndHoldSeconds
}

// LipsyncEnabled reports whether lip-sync should run. A present section
// defaults to enabled; the provider must also be set.
func (j *Job) LipsyncEnabled() bool {
	if j == nil || j.Lipsync == nil {
		return false
	}
	if j.Lipsync.Enable != nil && !*j.Lipsync.Enable {
		return false
	}
	return strings.TrimSpace(j.Lipsync.Provider) != ""
}

// AllowPassthrough reports whether a lip-sync failure degrades instead of
// failing the run. The flag is honoured at section level or inside params.
func (j *Job) AllowPassthrough() bool {
	if j == nil || j.Lipsync == nil {
		return false
	}
	if j.Lipsync.AllowPassthrough {
		return true
	}
	flag, ok := j.Lipsync.Params["allow_passthrough"].(bool)
	return ok && flag
}

// LipsyncParams returns provider params without runner-level flags.
func (j *Job) LipsyncParams() map[string]any {
	if j == nil || j.Lipsync == nil || len(j.Lipsync.Params) == 0 {
		return nil
	}
	params := cloneParams(j.Lipsync.Params)
	delete(params, "allow_passthrough")
	return params
}

// FinalName returns the final output filename.
func (j *Job) FinalName() string {
	if j == nil || j.Output == nil || strings.TrimSpace(j.Output.FinalName) == "" {
		return DefaultFinalName
	}
	return j.Output.FinalName
}

// Workdir returns the requested output workdir.
func (j *Job) Workdir() string {
	if j == nil || j.Output == nil {
		return ""
	}
	return j.Output.Workdir
}

// StartPath returns whichever start asset is set.
func (j *Job) StartPath() string {
	if j == nil || j.Input == nil {
		return ""
	}
	if j.Input.StartImage != "" {
		return j.Input.StartImage
	}
	return j.Input.StartVideo
}

// HasStartImage reports whether the job starts from a still image.
func (j *Job) HasStartImage() bool {
	return j != nil && j.Input != nil && j.Input.StartImage != ""
}

// HasStartVideo reports whether the job starts from a video.
func (j *Job) HasStartVideo() bool {
	return j != nil && j.Input != nil && j.Input.StartVideo != ""
}

// AudioPath returns the audio master path.
func (j *Job) AudioPath() string {
	if j == nil || j.Input == nil {
		return ""
	}
	return j.Input.Audio
}

// EndImagePath returns the optional end image path.
func (j *Job) EndImagePath() string {
	if j == nil || j.Input == nil {
		return ""
	}
	return j.Input.EndImage
}

// MotionPrompt returns the motion prompt, falling back to params.prompt.
func (j *Job) MotionPrompt() string {
	if j == nil {
		return ""
	}
	if j.Motion != nil && strings.TrimSpace(j.Motion.Prompt) != "" {
		return j.Motion.Prompt
	}
	if j.ComfyUI != nil && j.ComfyUI.Params != nil {
		return j.ComfyUI.Params.Prompt
	}
	return ""
}

func clonePtr[T any](v *T) *T {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneParams(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	return maps.Clone(src)
}
