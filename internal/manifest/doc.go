// Package manifest owns manifest.json, the durable record of a run.
//
// The manifest is handled as a value. Every Store operation reads the current
// document, applies a pure transform to a private copy and persists the
// whole document with an atomic replace, so a reader never observes a
// half-written phase and a killed process leaves the last complete state on
// disk for resume.
//
// # Entry Points
//
// Store.CreateDraft/MarkStarted/MarkFinished: run lifecycle.
// Store.RecordPhase/RecordPhaseError: per-phase status records.
// Store.RecordPrepare/RecordVersions/MarkDegraded: computed run parameters.
// ComputeTargetFrames: the frame-count law shared by prepare and encode.
package manifest
