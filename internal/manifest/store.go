package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"vidax/internal/fileutil"
	"vidax/internal/job"
	"vidax/internal/services"
)

// Store persists a single manifest.json. Writers in one process are
// serialised; the run's workdir is owned by one orchestrator at a time.
type Store struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// NewStore returns a store for the manifest at path.
func NewStore(path string) *Store {
	return &Store{path: path, now: time.Now}
}

// NewStoreWithClock returns a store using now for timestamps.
func NewStoreWithClock(path string, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{path: path, now: now}
}

// Path returns the manifest location.
func (s *Store) Path() string { return s.path }

// Exists reports whether the manifest file is present.
func (s *Store) Exists() bool { return fileutil.Exists(s.path) }

// Read loads the current manifest.
func (s *Store) Read() (Manifest, error) {
	return readFile(s.path)
}

// Load reads a manifest file without a store.
func Load(path string) (Manifest, error) {
	return readFile(path)
}

func readFile(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if fileutil.IsNotExist(err) {
			return Manifest{}, services.Wrap(services.CodeInputNotFound, "manifest not found", err, map[string]any{"manifest": path})
		}
		return Manifest{}, services.Wrap(services.CodeOutputWriteFailed, "read manifest", err, map[string]any{"manifest": path})
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, services.Wrap(services.CodeOutputWriteFailed, "decode manifest", err, map[string]any{"manifest": path})
	}
	if m.Phases == nil {
		m.Phases = map[string]PhaseRecord{}
	}
	return m, nil
}

func (s *Store) write(m Manifest) error {
	if err := fileutil.WriteJSONAtomic(s.path, m); err != nil {
		return services.Wrap(services.CodeOutputWriteFailed, "write manifest", err, map[string]any{"manifest": s.path})
	}
	return nil
}

// Update reads the manifest, applies transform to a private copy and writes
// the result as a whole document.
func (s *Store) Update(transform func(Manifest) Manifest) (Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.Read()
	if err != nil {
		return Manifest{}, err
	}
	next := transform(current.Clone())
	if err := s.write(next); err != nil {
		return Manifest{}, err
	}
	return next, nil
}

// CreateDraft writes a fresh queued manifest for runID, replacing any existing one.
func (s *Store) CreateDraft(j *job.Job, runID string) (Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := draft(j, runID, s.now().UTC())
	if err := s.write(m); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

func draft(j *job.Job, runID string, now time.Time) Manifest {
	m := Manifest{
		RunID:      runID,
		Status:     RunQueued,
		RunStatus:  RunQueued,
		Timestamps: Timestamps{Created: now},
		Versions: Versions{
			Runner:          RunnerVersion,
			FFmpeg:          "unknown",
			FFprobe:         "unknown",
			ComfyUIAPI:      "pending",
			LipsyncProvider: "pending",
		},
		FrameRounding:   j.FrameRounding(),
		EffectiveParams: j.Clone(),
		Phases:          map[string]PhaseRecord{},
	}
	if fps := j.FPS(); fps > 0 {
		m.FPS = Float(fps)
	}
	m.Seeds.SeedPolicy = j.SeedPolicy()
	return m
}

// MarkStarted moves the run to running and clears previous terminal state.
func (s *Store) MarkStarted() (Manifest, error) {
	now := s.now().UTC()
	return s.Update(func(m Manifest) Manifest {
		m.Status = RunRunning
		m.RunStatus = RunRunning
		m.ExitStatus = ""
		m.PartialReason = ""
		m.Degraded = false
		m.DegradedReason = ""
		m.Error = nil
		m.Timestamps.Started = &now
		m.Timestamps.Finished = nil
		return m
	})
}

// FinishExtras carries terminal details for MarkFinished.
type FinishExtras struct {
	PartialReason  string
	Degraded       bool
	DegradedReason string
	Error          error
}

// MarkFinished records the terminal state. A failed exit status marks the
// run failed; success and partial mark it completed.
func (s *Store) MarkFinished(exit ExitStatus, extras FinishExtras) (Manifest, error) {
	now := s.now().UTC()
	return s.Update(func(m Manifest) Manifest {
		terminal := RunCompleted
		if exit == ExitFailed {
			terminal = RunFailed
		}
		m.Status = terminal
		m.RunStatus = terminal
		m.ExitStatus = exit
		if extras.PartialReason != "" {
			m.PartialReason = extras.PartialReason
		}
		if extras.Degraded {
			m.Degraded = true
		}
		if extras.DegradedReason != "" {
			m.DegradedReason = extras.DegradedReason
		}
		if extras.Error != nil {
			m.Error = errorInfo(extras.Error)
		}
		m.Timestamps.Finished = &now
		return m
	})
}

func errorInfo(err error) *ErrorInfo {
	info := &ErrorInfo{Code: string(services.CodeOf(err)), Message: err.Error()}
	if svcErr := services.As(err); svcErr != nil {
		info.Message = svcErr.Message
		info.Details = svcErr.Details
	}
	return info
}

// RecordPhase replaces the record of phase name.
func (s *Store) RecordPhase(name string, status PhaseStatus, fields map[string]any) (Manifest, error) {
	now := s.now().UTC()
	return s.Update(func(m Manifest) Manifest {
		m.Phases[name] = PhaseRecord{Status: status, UpdatedAt: now, Fields: cloneFields(fields)}
		return m
	})
}

// RecordPhaseError marks phase name failed with the code and message of err.
func (s *Store) RecordPhaseError(name string, err error, fields map[string]any) (Manifest, error) {
	now := s.now().UTC()
	code := services.CodeOf(err)
	msg := ""
	if err != nil {
		msg = err.Error()
		if svcErr := services.As(err); svcErr != nil {
			msg = svcErr.Message
		}
	}
	return s.Update(func(m Manifest) Manifest {
		m.Phases[name] = PhaseRecord{
			Status:    PhaseFailed,
			UpdatedAt: now,
			Code:      string(code),
			Error:     msg,
			Fields:    cloneFields(fields),
		}
		return m
	})
}

// PrepareDetails are the values computed by the prepare phase.
type PrepareDetails struct {
	AudioDurationSeconds        float64
	PaddedAudioDurationSeconds  float64
	VisualTargetDurationSeconds float64
	FPS                         float64
	FrameRounding               string
	Hashes                      InputHashes
	BufferApplied               *BufferApplied
	Render                      Render
	Seed                        uint32
	SeedPolicy                  string
}

// RecordPrepare stores prepare results and derives target_frames from the
// visual target duration.
func (s *Store) RecordPrepare(d PrepareDetails) (Manifest, error) {
	return s.Update(func(m Manifest) Manifest {
		m.AudioDurationSeconds = Float(d.AudioDurationSeconds)
		if d.PaddedAudioDurationSeconds > 0 {
			m.PaddedAudioDurationSeconds = Float(d.PaddedAudioDurationSeconds)
		} else {
			m.PaddedAudioDurationSeconds = nil
		}
		m.VisualTargetDurationSeconds = Float(d.VisualTargetDurationSeconds)
		m.FPS = Float(d.FPS)
		m.FrameRounding = d.FrameRounding
		m.TargetFrames = Int(ComputeTargetFrames(d.VisualTargetDurationSeconds, d.FPS, d.FrameRounding))
		m.InputHashes = d.Hashes
		m.BufferApplied = clonePtr(d.BufferApplied)
		render := d.Render
		m.Render = &render
		m.Seeds.ComfyUISeed = Uint32(d.Seed)
		m.Seeds.SeedPolicy = d.SeedPolicy
		return m
	})
}

// RecordVersions merges non-empty tool versions.
func (s *Store) RecordVersions(v Versions) (Manifest, error) {
	return s.Update(func(m Manifest) Manifest {
		merge := func(dst *string, src string) {
			if src != "" {
				*dst = src
			}
		}
		merge(&m.Versions.Runner, v.Runner)
		merge(&m.Versions.FFmpeg, v.FFmpeg)
		merge(&m.Versions.FFprobe, v.FFprobe)
		merge(&m.Versions.ComfyUIAPI, v.ComfyUIAPI)
		merge(&m.Versions.LipsyncProvider, v.LipsyncProvider)
		return m
	})
}

// MarkDegraded flags the run degraded. The first reason wins; later ones
// are appended to partial_reason when provided.
func (s *Store) MarkDegraded(reason, partialReason string) (Manifest, error) {
	return s.Update(func(m Manifest) Manifest {
		m.Degraded = true
		if m.DegradedReason == "" {
			m.DegradedReason = reason
		}
		if partialReason != "" {
			if m.PartialReason == "" {
				m.PartialReason = partialReason
			} else {
				m.PartialReason = fmt.Sprintf("%s; %s", m.PartialReason, partialReason)
			}
		}
		return m
	})
}

func cloneFields(fields map[string]any) map[string]any {
	if len(fields) == 0 {
		return nil
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
