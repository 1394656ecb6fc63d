package pipeline

import (
	"context"
	"strings"

	"vidax/internal/job"
	"vidax/internal/logging"
	"vidax/internal/logs"
	"vidax/internal/manifest"
	"vidax/internal/services"
	"vidax/internal/workdir"
)

// Create validates j and writes a draft run (workdir, job.json, queued
// manifest, registry entry) without executing it. Start picks it up later.
func (r *Runner) Create(ctx context.Context, j *job.Job) (Result, error) {
	if res := job.Validate(j); !res.Valid {
		return Result{}, res.Err()
	}
	runID := r.newRunID()
	layout, err := workdir.Build(j, runID)
	if err != nil {
		return Result{}, services.Wrap(services.CodeValidation, "resolve workdir", err, map[string]any{"workdir": j.Workdir()})
	}
	store := manifest.NewStoreWithClock(layout.Manifest, r.now)
	if err := checkOutputRules(layout, store.Exists(), false); err != nil {
		return Result{RunID: runID, Layout: layout}, err
	}
	if err := r.materialize(ctx, j, layout); err != nil {
		return Result{RunID: runID, Layout: layout}, err
	}
	m, err := store.CreateDraft(j, runID)
	if err != nil {
		return Result{RunID: runID, Layout: layout}, err
	}

	events, err := logging.OpenEventLog(layout.Events)
	if err != nil {
		return Result{RunID: runID, Layout: layout}, services.Wrap(services.CodeOutputWriteFailed, "open event log", err, map[string]any{"path": layout.Events})
	}
	defer events.Close()
	ctx = services.WithStage(services.WithRunID(ctx, runID), "init")
	st := &run{r: r, job: j, layout: layout, store: store, logger: logging.TeeLogger(r.logger, events.Handler())}
	logging.WithContext(ctx, st.logger).Info("job accepted", logging.String(logging.FieldEventType, "run_created"))
	st.indexRun(ctx, m)
	return st.result(m), nil
}

// Start executes a run previously written by Create (or interrupted),
// resuming from whatever the manifest already records.
func (r *Runner) Start(ctx context.Context, runID string) (Result, error) {
	layout, err := r.Lookup(runID)
	if err != nil {
		return Result{}, err
	}
	j, err := job.Load(layout.JobFile)
	if err != nil {
		return Result{RunID: runID, Layout: layout}, err
	}
	if j.Output == nil {
		j.Output = &job.Output{}
	}
	j.Output.Workdir = layout.Base
	return r.Run(ctx, j, Options{Resume: true, RunID: layout.RunID})
}

// Lookup resolves a run id to its layout through the registry.
func (r *Runner) Lookup(runID string) (workdir.Layout, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return workdir.Layout{}, services.New(services.CodeValidation, "run id is empty", nil)
	}
	entry, ok, err := r.registry.Resolve(runID)
	if err != nil {
		return workdir.Layout{}, err
	}
	if !ok {
		return workdir.Layout{}, services.New(services.CodeInputNotFound, "unknown run id", map[string]any{"run_id": runID})
	}
	layout := workdir.ForBase(entry.Workdir, "", runID)
	if j, err := job.Load(layout.JobFile); err == nil {
		layout = workdir.ForBase(entry.Workdir, j.FinalName(), runID)
	}
	return layout, nil
}

// Status reads the manifest of a registered run.
func (r *Runner) Status(runID string) (manifest.Manifest, error) {
	layout, err := r.Lookup(runID)
	if err != nil {
		return manifest.Manifest{}, err
	}
	return manifest.Load(layout.Manifest)
}

// Logs tails the event log of a registered run.
func (r *Runner) Logs(ctx context.Context, runID string, opts logs.TailOptions) (logs.TailResult, error) {
	layout, err := r.Lookup(runID)
	if err != nil {
		return logs.TailResult{}, err
	}
	res, err := logs.Tail(ctx, layout.Events, opts)
	if err != nil {
		return logs.TailResult{}, services.Wrap(services.CodeOutputWriteFailed, "read event log", err, map[string]any{"path": layout.Events})
	}
	return res, nil
}
