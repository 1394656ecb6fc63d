// Package pipeline drives one run through its fixed phase sequence:
// prepare, faceprobe, generation, lipsync, encode and done.
//
// Every phase transition is persisted to the run manifest before the next
// phase starts, so a killed process can resume from the last recorded
// transition. On resume a completed phase is skipped only when its output
// artifacts are still on disk; skipped phases contribute the values recorded
// in the manifest instead of recomputing them.
//
// Generation failures degrade to the procedural fallback while a start image
// is available, and lip-sync failures degrade to the pre-lipsync visual when
// the job allows passthrough. Every other failure marks the phase and the run
// failed and is returned as a *services.Error.
package pipeline
