package pipeline

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"vidax/internal/config"
	"vidax/internal/fallback"
	"vidax/internal/fileutil"
	"vidax/internal/history"
	"vidax/internal/job"
	"vidax/internal/lipsync"
	"vidax/internal/logging"
	"vidax/internal/manifest"
	"vidax/internal/media/ffmpeg"
	"vidax/internal/media/ffprobe"
	"vidax/internal/notifications"
	"vidax/internal/preflight"
	"vidax/internal/registry"
	"vidax/internal/seed"
	"vidax/internal/services"
	"vidax/internal/services/comfyui"
	"vidax/internal/workdir"
)

// Generator is the generation backend surface used by the pipeline.
type Generator interface {
	Health(ctx context.Context) error
	RequireNodes(ctx context.Context, names []string) error
	StageInput(ctx context.Context, path string) (string, error)
	SubmitPrompt(ctx context.Context, prompt comfyui.Prompt) (string, error)
	WaitForCompletion(ctx context.Context, promptID string, opts comfyui.WaitOptions) (comfyui.HistoryEntry, error)
	CollectOutputs(ctx context.Context, artifacts []comfyui.Artifact, dest comfyui.Destinations) (comfyui.Collected, error)
}

// GeneratorFactory builds a backend client for a server URL.
type GeneratorFactory func(server string, logger *slog.Logger) Generator

// Synthesizer renders the procedural fallback video.
type Synthesizer interface {
	Render(ctx context.Context, req fallback.Request) (fallback.Result, error)
}

// Registry maps run ids to workdirs.
type Registry interface {
	Register(ctx context.Context, runID, workdir string) error
	Resolve(runID string) (registry.Entry, bool, error)
}

// Index receives run summaries for listing. It is optional.
type Index interface {
	Upsert(ctx context.Context, rec history.Record) error
}

// Options controls a single Run invocation.
type Options struct {
	Resume bool
	RunID  string
}

// Result summarises a finished run.
type Result struct {
	RunID      string              `json:"run_id"`
	Status     manifest.RunStatus  `json:"status"`
	ExitStatus manifest.ExitStatus `json:"exit_status,omitempty"`
	Degraded   bool                `json:"degraded"`
	Layout     workdir.Layout      `json:"layout"`
}

// Option configures a Runner.
type Option func(*Runner)

// WithEngine overrides the codec engine.
func WithEngine(engine ffmpeg.Engine) Option {
	return func(r *Runner) {
		if engine != nil {
			r.engine = engine
		}
	}
}

// WithProber overrides the media prober.
func WithProber(prober ffprobe.Prober) Option {
	return func(r *Runner) {
		if prober != nil {
			r.prober = prober
		}
	}
}

// WithSyncer overrides the lip-sync runner.
func WithSyncer(syncer lipsync.Syncer) Option {
	return func(r *Runner) {
		if syncer != nil {
			r.syncer = syncer
		}
	}
}

// WithGeneratorFactory overrides how backend clients are built.
func WithGeneratorFactory(factory GeneratorFactory) Option {
	return func(r *Runner) {
		if factory != nil {
			r.newGenerator = factory
		}
	}
}

// WithSynthesizer overrides the procedural fallback renderer.
func WithSynthesizer(synth Synthesizer) Option {
	return func(r *Runner) {
		if synth != nil {
			r.synth = synth
		}
	}
}

// WithRegistry overrides the run registry.
func WithRegistry(reg Registry) Option {
	return func(r *Runner) {
		if reg != nil {
			r.registry = reg
		}
	}
}

// WithIndex attaches the run history index.
func WithIndex(index Index) Option {
	return func(r *Runner) {
		r.index = index
	}
}

// WithNotifier replaces the run completion notifier.
func WithNotifier(n notifications.Service) Option {
	return func(r *Runner) {
		if n != nil {
			r.notifier = n
		}
	}
}

// WithLogger sets the base logger. Run events are teed into each run's
// event log regardless.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithCodecCheck overrides the codec availability check.
func WithCodecCheck(check func(*config.Config) error) Option {
	return func(r *Runner) {
		if check != nil {
			r.codecCheck = check
		}
	}
}

// WithRunIDs overrides run id generation.
func WithRunIDs(next func() string) Option {
	return func(r *Runner) {
		if next != nil {
			r.newRunID = next
		}
	}
}

// WithClock overrides the manifest timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// Runner executes jobs. A Runner is safe for concurrent use by distinct runs.
type Runner struct {
	cfg          *config.Config
	engine       ffmpeg.Engine
	prober       ffprobe.Prober
	syncer       lipsync.Syncer
	synth        Synthesizer
	newGenerator GeneratorFactory
	registry     Registry
	index        Index
	notifier     notifications.Service
	seeds        seed.Resolver
	logger       *slog.Logger
	codecCheck   func(*config.Config) error
	freeSpace    func(string) (uint64, error)
	newRunID     func() string
	now          func() time.Time
}

// New constructs a Runner wired to the real codec engine, prober, lip-sync
// providers and generation backend described by cfg.
func New(cfg *config.Config, opts ...Option) *Runner {
	r := &Runner{
		cfg:        cfg,
		engine:     ffmpeg.New(cfg.FFmpeg.FFmpegBinary),
		prober:     ffprobe.NewClient(cfg.FFmpeg.FFprobeBinary),
		syncer:     lipsync.NewRunner(cfg.Lipsync.Providers),
		registry:   registry.New(cfg.RegistryPath()),
		notifier:   notifications.NewService(cfg),
		logger:     logging.NewNop(),
		codecCheck: preflight.RequireCodecs,
		freeSpace:  preflight.FreeSpace,
		newRunID:   uuid.NewString,
		now:        time.Now,
	}
	r.newGenerator = func(server string, logger *slog.Logger) Generator {
		return comfyui.NewClient(comfyui.SettingsFromConfig(cfg, server), comfyui.WithLogger(logger))
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes j to completion. Validation failures return before any run
// state is written; every later failure is recorded in the manifest first.
func (r *Runner) Run(ctx context.Context, j *job.Job, opts Options) (Result, error) {
	if res := job.Validate(j); !res.Valid {
		return Result{}, res.Err()
	}
	if err := r.codecCheck(r.cfg); err != nil {
		return Result{}, err
	}

	runID := strings.TrimSpace(opts.RunID)
	if runID == "" {
		runID = r.newRunID()
	}
	layout, err := workdir.Build(j, runID)
	if err != nil {
		return Result{}, services.Wrap(services.CodeValidation, "resolve workdir", err, map[string]any{"workdir": j.Workdir()})
	}
	store := manifest.NewStoreWithClock(layout.Manifest, r.now)
	if err := checkOutputRules(layout, store.Exists(), opts.Resume); err != nil {
		return Result{RunID: runID, Layout: layout}, err
	}

	var prior manifest.Manifest
	if opts.Resume {
		if prior, err = store.Read(); err != nil {
			return Result{RunID: runID, Layout: layout}, services.Wrap(services.CodeOutputWriteFailed, "read manifest for resume", err, map[string]any{"manifest": layout.Manifest})
		}
		if prior.RunID != "" {
			runID = prior.RunID
			layout = layout.WithRunID(runID)
		}
	}

	if err := r.materialize(ctx, j, layout); err != nil {
		return Result{RunID: runID, Layout: layout}, err
	}
	if !opts.Resume {
		if prior, err = store.CreateDraft(j, runID); err != nil {
			return Result{RunID: runID, Layout: layout}, err
		}
	}

	events, err := logging.OpenEventLog(layout.Events)
	if err != nil {
		return Result{RunID: runID, Layout: layout}, services.Wrap(services.CodeOutputWriteFailed, "open event log", err, map[string]any{"path": layout.Events})
	}
	defer events.Close()

	ctx = services.WithRunID(ctx, runID)
	st := &run{
		r:      r,
		job:    j,
		layout: layout,
		store:  store,
		prior:  prior,
		resume: opts.Resume,
		logger: logging.TeeLogger(r.logger, events.Handler()),
	}
	st.indexRun(ctx, prior)
	return st.execute(ctx)
}

// materialize creates the run directory, registers the run id and persists
// the job document next to the manifest.
func (r *Runner) materialize(ctx context.Context, j *job.Job, layout workdir.Layout) error {
	if err := layout.Ensure(); err != nil {
		return services.Wrap(services.CodeOutputWriteFailed, "prepare workdir", err, map[string]any{"workdir": layout.Base})
	}
	if err := r.registry.Register(ctx, layout.RunID, layout.Base); err != nil {
		return err
	}
	data, err := j.Encode()
	if err != nil {
		return services.Wrap(services.CodeValidation, "encode job", err, nil)
	}
	if err := fileutil.WriteFileAtomic(layout.JobFile, data, 0o644); err != nil {
		return services.Wrap(services.CodeOutputWriteFailed, "write job.json", err, map[string]any{"path": layout.JobFile})
	}
	return nil
}

func checkOutputRules(layout workdir.Layout, manifestExists, resume bool) error {
	finalExists := fileutil.Exists(layout.Final)
	if resume {
		if !manifestExists {
			return services.New(services.CodeOutputWriteFailed, "resume requires existing manifest", map[string]any{"manifest": layout.Manifest})
		}
		if finalExists {
			return services.New(services.CodeOutputWriteFailed, "cannot resume when final output already exists", map[string]any{"final": layout.Final})
		}
		return nil
	}
	if finalExists {
		return services.New(services.CodeOutputWriteFailed, "final output already exists; use resume to continue", map[string]any{"final": layout.Final})
	}
	return nil
}

// phaseStep binds a phase name to its resume check and body.
type phaseStep struct {
	name    string
	resumed func() bool
	body    func(ctx context.Context, logger *slog.Logger) (outcome, error)
}

// outcome is what a phase body reports back. A non-nil failure records the
// phase failed without stopping the run.
type outcome struct {
	status  manifest.PhaseStatus
	fields  map[string]any
	failure error
}

func skipped(reason string) outcome {
	return outcome{status: manifest.PhaseSkipped, fields: map[string]any{"reason": reason}}
}

func (st *run) execute(ctx context.Context) (Result, error) {
	initLogger := logging.WithContext(services.WithStage(ctx, "init"), st.logger)
	if st.resume {
		initLogger.Info("job resume requested", logging.String(logging.FieldEventType, "run_resume"))
	} else {
		initLogger.Info("job queued", logging.String(logging.FieldEventType, "run_queued"))
	}
	st.warnLowDisk(initLogger)

	m, err := st.store.MarkStarted()
	if err != nil {
		return st.fail(ctx, manifest.PhasePrepare, err)
	}
	st.indexRun(ctx, m)

	steps := []phaseStep{
		{name: manifest.PhasePrepare, resumed: st.prepareRecorded, body: st.prepare},
		{name: manifest.PhaseFaceprobe, resumed: st.faceprobeRecorded, body: st.faceprobe},
		{name: manifest.PhaseGeneration, resumed: st.generationRecorded, body: st.generation},
		{name: manifest.PhaseLipsync, resumed: st.lipsyncRecorded, body: st.lipsync},
		{name: manifest.PhaseEncode, body: st.encode},
		{name: manifest.PhaseDone, body: st.done},
	}
	for _, step := range steps {
		if err := st.runPhase(ctx, step); err != nil {
			return st.fail(ctx, step.name, err)
		}
	}
	return st.finish(ctx)
}

func (st *run) runPhase(ctx context.Context, step phaseStep) error {
	ctx = services.WithStage(ctx, step.name)
	logger := logging.WithContext(ctx, st.logger)
	if st.resume && step.resumed != nil && step.resumed() {
		logger.Info("phase already completed; reusing recorded outputs", logging.String(logging.FieldEventType, "phase_skip"))
		return nil
	}
	if _, err := st.store.RecordPhase(step.name, manifest.PhaseRunning, nil); err != nil {
		return err
	}
	started := time.Now()
	logger.Info("phase started", logging.String(logging.FieldEventType, "phase_start"))

	out, err := step.body(ctx, logger)
	if err != nil {
		return err
	}
	status := out.status
	if out.failure != nil {
		status = manifest.PhaseFailed
		_, err = st.store.RecordPhaseError(step.name, out.failure, out.fields)
	} else {
		if status == "" {
			status = manifest.PhaseCompleted
		}
		_, err = st.store.RecordPhase(step.name, status, out.fields)
	}
	if err != nil {
		return err
	}
	logger.Info(
		"phase finished",
		logging.String(logging.FieldEventType, "phase_complete"),
		logging.String("status", string(status)),
		logging.Duration("phase_duration", time.Since(started)),
	)
	return nil
}

func (st *run) fail(ctx context.Context, phase string, cause error) (Result, error) {
	err := services.As(cause)
	if err == nil {
		err = services.Wrap(services.CodeUnknown, cause.Error(), cause, nil)
	}
	logger := logging.WithContext(services.WithStage(ctx, phase), st.logger)
	if _, recErr := st.store.RecordPhaseError(phase, err, nil); recErr != nil {
		logger.Error("failed to persist phase failure", logging.Error(recErr))
	}
	m, finErr := st.store.MarkFinished(manifest.ExitFailed, manifest.FinishExtras{Error: err})
	if finErr != nil {
		logger.Error("failed to persist run failure", logging.Error(finErr))
	}
	logging.ErrorWithContext(
		logger,
		"run failed",
		"run_failed",
		logging.String(logging.FieldErrorCode, string(err.Code)),
		logging.Error(err),
	)
	st.indexRun(ctx, m)
	st.notify(ctx, logger, m)
	res := st.result(m)
	res.Status = manifest.RunFailed
	res.ExitStatus = manifest.ExitFailed
	return res, err
}

func (st *run) finish(ctx context.Context) (Result, error) {
	exit := manifest.ExitSuccess
	if st.degraded {
		exit = manifest.ExitPartial
	}
	logger := logging.WithContext(services.WithStage(ctx, manifest.PhaseDone), st.logger)
	m, err := st.store.MarkFinished(exit, manifest.FinishExtras{Degraded: st.degraded})
	if err != nil {
		return st.fail(ctx, manifest.PhaseDone, err)
	}
	logger.Info(
		"job complete with encoded output",
		logging.String(logging.FieldEventType, "run_complete"),
		logging.String("exit_status", string(exit)),
		logging.Bool("degraded", m.Degraded),
		logging.String("partial_reason", m.PartialReason),
		logging.String("final", st.layout.Final),
	)
	st.indexRun(ctx, m)
	st.notify(ctx, logger, m)
	return st.result(m), nil
}

func (st *run) notify(ctx context.Context, logger *slog.Logger, m manifest.Manifest) {
	if st.r.notifier == nil {
		return
	}
	summary := notifications.RunSummary{
		RunID:          st.layout.RunID,
		ExitStatus:     string(m.ExitStatus),
		Degraded:       m.Degraded,
		DegradedReason: m.DegradedReason,
	}
	if m.Error != nil {
		summary.ErrorCode = m.Error.Code
		summary.ErrorMessage = m.Error.Message
	} else {
		summary.Final = st.layout.Final
	}
	if m.Timestamps.Started != nil && m.Timestamps.Finished != nil {
		summary.Duration = m.Timestamps.Finished.Sub(*m.Timestamps.Started)
	}
	if err := st.r.notifier.NotifyRunFinished(context.WithoutCancel(ctx), summary); err != nil {
		logging.WarnWithContext(logger, "run notification failed", "notification_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "no completion alert was delivered"),
		)
	}
}

func (st *run) result(m manifest.Manifest) Result {
	return Result{
		RunID:      st.layout.RunID,
		Status:     m.Status,
		ExitStatus: m.ExitStatus,
		Degraded:   m.Degraded,
		Layout:     st.layout,
	}
}

func (st *run) indexRun(ctx context.Context, m manifest.Manifest) {
	if st.r.index == nil {
		return
	}
	rec := history.Record{
		RunID:      st.layout.RunID,
		Workdir:    st.layout.Base,
		Status:     string(m.Status),
		ExitStatus: string(m.ExitStatus),
		Degraded:   m.Degraded,
	}
	if rec.Status == "" {
		rec.Status = string(manifest.RunQueued)
	}
	if m.Error != nil {
		rec.ErrorCode = m.Error.Code
	}
	if err := st.r.index.Upsert(context.WithoutCancel(ctx), rec); err != nil {
		logging.WarnWithContext(
			logging.WithContext(ctx, st.logger),
			"run history update failed",
			"history_write_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "run listings may be stale; the manifest is unaffected"),
		)
	}
}

func (st *run) warnLowDisk(logger *slog.Logger) {
	if st.r.freeSpace == nil {
		return
	}
	free, err := st.r.freeSpace(st.layout.Base)
	if err != nil {
		logger.Debug("free space check failed", logging.Error(err))
		return
	}
	if free < preflight.MinFreeBytes {
		logging.WarnWithContext(
			logger,
			"workdir is low on free space",
			"low_disk_space",
			logging.Int64("free_bytes", int64(free)),
			logging.String(logging.FieldImpact, "encoding may fail with a write error"),
		)
	}
}

func (st *run) markDegraded(logger *slog.Logger, reason, partialReason string) {
	st.degraded = true
	if _, err := st.store.MarkDegraded(reason, partialReason); err != nil {
		logger.Error("failed to persist degraded state", logging.Error(err))
	}
}

func removeIfExists(path string) error {
	if err := os.RemoveAll(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
