package api

import (
	"vidax/internal/manifest"
)

// CreateResponse acknowledges an accepted job.
type CreateResponse struct {
	RunID    string             `json:"run_id"`
	Status   manifest.RunStatus `json:"status"`
	Manifest string             `json:"manifest"`
	Workdir  string             `json:"workdir"`
}

// StartResponse acknowledges a started run.
type StartResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// StatusResponse summarises a run.
type StatusResponse struct {
	RunID          string                          `json:"run_id"`
	Status         manifest.RunStatus              `json:"status"`
	ExitStatus     manifest.ExitStatus             `json:"exit_status,omitempty"`
	Degraded       bool                            `json:"degraded"`
	DegradedReason string                          `json:"degraded_reason,omitempty"`
	PartialReason  string                          `json:"partial_reason,omitempty"`
	Error          *manifest.ErrorInfo             `json:"error,omitempty"`
	Phases         map[string]manifest.PhaseRecord `json:"phases"`
	Manifest       string                          `json:"manifest"`
	Active         bool                            `json:"active"`
}

// HealthResponse reports server liveness.
type HealthResponse struct {
	Status string   `json:"status"`
	Active []string `json:"active_runs"`
}
