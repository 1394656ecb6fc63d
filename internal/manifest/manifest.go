package manifest

import (
	"encoding/json"
	"maps"
	"math"
	"time"

	"vidax/internal/job"
)

// RunnerVersion is recorded in every manifest.
const RunnerVersion = "0.1.0"

// RunStatus is the run-level lifecycle state.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// ExitStatus qualifies a terminal run.
type ExitStatus string

const (
	ExitSuccess ExitStatus = "success"
	ExitPartial ExitStatus = "partial"
	ExitFailed  ExitStatus = "failed"
)

// PhaseStatus is the state of one phase record.
type PhaseStatus string

const (
	PhaseQueued    PhaseStatus = "queued"
	PhaseRunning   PhaseStatus = "running"
	PhaseCompleted PhaseStatus = "completed"
	PhaseFailed    PhaseStatus = "failed"
	PhaseSkipped   PhaseStatus = "skipped"
)

// Phase names in execution order.
const (
	PhasePrepare    = "prepare"
	PhaseFaceprobe  = "faceprobe"
	PhaseGeneration = "generation"
	PhaseLipsync    = "lipsync"
	PhaseEncode     = "encode"
	PhaseDone       = "done"
)

// PhaseOrder lists the phases in execution order.
var PhaseOrder = []string{PhasePrepare, PhaseFaceprobe, PhaseGeneration, PhaseLipsync, PhaseEncode, PhaseDone}

// Manifest is the persisted run document.
type Manifest struct {
	RunID                       string                 `json:"run_id"`
	Status                      RunStatus              `json:"status"`
	RunStatus                   RunStatus              `json:"run_status"`
	ExitStatus                  ExitStatus             `json:"exit_status,omitempty"`
	Timestamps                  Timestamps             `json:"timestamps"`
	InputHashes                 InputHashes            `json:"input_hashes"`
	AudioDurationSeconds        *float64               `json:"audio_duration_seconds"`
	PaddedAudioDurationSeconds  *float64               `json:"padded_audio_duration_seconds,omitempty"`
	VisualTargetDurationSeconds *float64               `json:"visual_target_duration_seconds"`
	BufferApplied               *BufferApplied         `json:"buffer_applied"`
	FPS                         *float64               `json:"fps"`
	FrameRounding               string                 `json:"frame_rounding,omitempty"`
	TargetFrames                *int                   `json:"target_frames"`
	Render                      *Render                `json:"render,omitempty"`
	Seeds                       Seeds                  `json:"seeds"`
	Versions                    Versions               `json:"versions"`
	Degraded                    bool                   `json:"degraded"`
	DegradedReason              string                 `json:"degraded_reason,omitempty"`
	PartialReason               string                 `json:"partial_reason,omitempty"`
	Error                       *ErrorInfo             `json:"error,omitempty"`
	EffectiveParams             *job.Job               `json:"effective_params,omitempty"`
	Phases                      map[string]PhaseRecord `json:"phases"`
}

// Timestamps records lifecycle instants.
type Timestamps struct {
	Created  time.Time  `json:"created"`
	Started  *time.Time `json:"started"`
	Finished *time.Time `json:"finished"`
}

// InputHashes holds content digests of the inputs ("not_found" for missing files).
type InputHashes struct {
	Start string `json:"start,omitempty"`
	Audio string `json:"audio,omitempty"`
	End   string `json:"end,omitempty"`
}

// BufferApplied records the silence padding applied to the audio master.
type BufferApplied struct {
	PreSeconds  float64 `json:"pre_seconds"`
	PostSeconds float64 `json:"post_seconds"`
	PaddedAudio string  `json:"padded_audio,omitempty"`
}

// Render records the resolved output dimensions and where they came from.
type Render struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Source string `json:"source"`
}

// Seeds records the frozen seeds of a run.
type Seeds struct {
	ComfyUISeed *uint32 `json:"comfyui_seed"`
	SeedPolicy  string  `json:"seed_policy,omitempty"`
	LipsyncSeed *uint32 `json:"lipsync_seed"`
}

// Versions records tool versions seen by the run.
type Versions struct {
	Runner          string `json:"runner"`
	FFmpeg          string `json:"ffmpeg"`
	FFprobe         string `json:"ffprobe"`
	ComfyUIAPI      string `json:"comfyui_api"`
	LipsyncProvider string `json:"lipsync_provider"`
}

// ErrorInfo captures the terminal error of a failed run.
type ErrorInfo struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// PhaseRecord is the state of one phase. Fields are flattened into the
// phase object when encoded.
type PhaseRecord struct {
	Status    PhaseStatus
	UpdatedAt time.Time
	Code      string
	Error     string
	Fields    map[string]any
}

var reservedPhaseKeys = map[string]struct{}{"status": {}, "updated": {}, "code": {}, "error": {}}

// MarshalJSON flattens Fields beside the fixed keys.
func (p PhaseRecord) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Fields)+4)
	for k, v := range p.Fields {
		if _, reserved := reservedPhaseKeys[k]; reserved {
			continue
		}
		out[k] = v
	}
	out["status"] = p.Status
	out["updated"] = p.UpdatedAt.UTC().Format(time.RFC3339Nano)
	if p.Code != "" {
		out["code"] = p.Code
	}
	if p.Error != "" {
		out["error"] = p.Error
	}
	return json.Marshal(out)
}

// UnmarshalJSON collects non-reserved keys into Fields.
func (p *PhaseRecord) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = PhaseRecord{}
	if s, ok := raw["status"].(string); ok {
		p.Status = PhaseStatus(s)
	}
	if s, ok := raw["updated"].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			p.UpdatedAt = ts
		}
	}
	if s, ok := raw["code"].(string); ok {
		p.Code = s
	}
	if s, ok := raw["error"].(string); ok {
		p.Error = s
	}
	for k, v := range raw {
		if _, reserved := reservedPhaseKeys[k]; reserved {
			continue
		}
		if p.Fields == nil {
			p.Fields = make(map[string]any)
		}
		p.Fields[k] = v
	}
	return nil
}

// Field returns a phase field as a string.
func (p PhaseRecord) Field(key string) string {
	if s, ok := p.Fields[key].(string); ok {
		return s
	}
	return ""
}

// Phase returns the record for name, if present.
func (m Manifest) Phase(name string) (PhaseRecord, bool) {
	rec, ok := m.Phases[name]
	return rec, ok
}

// PhaseCompleted reports whether name is recorded as completed.
func (m Manifest) PhaseCompleted(name string) bool {
	rec, ok := m.Phases[name]
	return ok && rec.Status == PhaseCompleted
}

// Clone returns a copy that shares no mutable state with m.
func (m Manifest) Clone() Manifest {
	out := m
	out.AudioDurationSeconds = clonePtr(m.AudioDurationSeconds)
	out.PaddedAudioDurationSeconds = clonePtr(m.PaddedAudioDurationSeconds)
	out.VisualTargetDurationSeconds = clonePtr(m.VisualTargetDurationSeconds)
	out.FPS = clonePtr(m.FPS)
	out.TargetFrames = clonePtr(m.TargetFrames)
	out.BufferApplied = clonePtr(m.BufferApplied)
	out.Render = clonePtr(m.Render)
	out.Seeds.ComfyUISeed = clonePtr(m.Seeds.ComfyUISeed)
	out.Seeds.LipsyncSeed = clonePtr(m.Seeds.LipsyncSeed)
	out.Timestamps.Started = clonePtr(m.Timestamps.Started)
	out.Timestamps.Finished = clonePtr(m.Timestamps.Finished)
	out.EffectiveParams = m.EffectiveParams.Clone()
	if m.Error != nil {
		e := *m.Error
		e.Details = maps.Clone(m.Error.Details)
		out.Error = &e
	}
	out.Phases = make(map[string]PhaseRecord, len(m.Phases))
	for name, rec := range m.Phases {
		rec.Fields = maps.Clone(rec.Fields)
		out.Phases[name] = rec
	}
	return out
}

// ComputeTargetFrames applies the frame-count law: fps × duration rounded
// up (default) or to nearest when rounding is "round". Non-positive inputs
// yield zero.
func ComputeTargetFrames(durationSeconds, fps float64, rounding string) int {
	if durationSeconds <= 0 || fps <= 0 || math.IsNaN(durationSeconds) || math.IsNaN(fps) {
		return 0
	}
	frames := fps * durationSeconds
	if rounding == job.RoundingRound {
		return int(math.Round(frames))
	}
	return int(math.Ceil(frames))
}

func clonePtr[T any](v *T) *T {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }

// Uint32 returns a pointer to v.
func Uint32(v uint32) *uint32 { return &v }
