package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"vidax/internal/job"
	"vidax/internal/pipeline"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var (
		workdir string
		resume  bool
		runID   string
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "run <job>",
		Short: "Execute a job document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := job.Load(args[0])
			if err != nil {
				return err
			}
			if workdir != "" {
				if j.Output == nil {
					j.Output = &job.Output{}
				}
				j.Output.Workdir = workdir
			}
			return executeRun(cmd, ctx, j, pipeline.Options{Resume: resume, RunID: runID}, asJSON)
		},
	}
	cmd.Flags().StringVar(&workdir, "workdir", "", "Override output.workdir")
	cmd.Flags().BoolVar(&resume, "resume", false, "Resume a previous run in the same workdir")
	cmd.Flags().StringVar(&runID, "run-id", "", "Run identifier (generated when empty)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the result as JSON")
	return cmd
}

func newProduceCommand(ctx *commandContext) *cobra.Command {
	var (
		opts   job.ProduceOptions
		runID  string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "produce",
		Short: "Build a job from flags and run it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if runID == "" {
				runID = uuid.NewString()
			}
			defaults := job.DefaultProduceDefaults()
			if cfg.ComfyUI.DefaultServer != "" {
				defaults.Server = cfg.ComfyUI.DefaultServer
			}
			if cfg.Render.DefaultWidth > 0 && cfg.Render.DefaultHeight > 0 {
				defaults.Width = cfg.Render.DefaultWidth
				defaults.Height = cfg.Render.DefaultHeight
			}
			j, err := job.FromProduce(opts, defaults, runID)
			if err != nil {
				return err
			}
			return executeRun(cmd, ctx, j, pipeline.Options{RunID: runID}, asJSON)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.Start, "start", "", "Start image or video")
	flags.StringVar(&opts.Audio, "audio", "", "Audio master")
	flags.StringVar(&opts.End, "end", "", "Optional end image")
	flags.StringVar(&opts.Prompt, "prompt", "", "Motion prompt")
	flags.StringVar(&opts.Negative, "negative", "", "Negative prompt")
	flags.Float64Var(&opts.PreSeconds, "pre", 0, "Silence before the audio (seconds)")
	flags.Float64Var(&opts.PostSeconds, "post", 0, "Silence after the audio (seconds)")
	flags.Float64Var(&opts.FPS, "fps", 0, "Frames per second")
	flags.StringVar(&opts.Resolution, "resolution", "", "Resolution as WIDTHxHEIGHT")
	flags.IntVar(&opts.Width, "width", 0, "Render width")
	flags.IntVar(&opts.Height, "height", 0, "Render height")
	flags.StringVar(&opts.Seed, "seed", "", "Generation seed")
	flags.StringVar(&opts.SeedPolicy, "seed-policy", "", "Seed policy (fixed or random)")
	flags.IntVar(&opts.Steps, "steps", 0, "Sampler steps")
	flags.Float64Var(&opts.CFG, "cfg", 0, "Classifier-free guidance scale")
	flags.StringVar(&opts.Sampler, "sampler", "", "Sampler name")
	flags.StringVar(&opts.Scheduler, "scheduler", "", "Scheduler name")
	flags.StringVar(&opts.WorkflowID, "workflow", "", "Workflow id")
	flags.StringVar(&opts.Server, "server", "", "Generation server URL")
	flags.StringVar(&opts.Workdir, "workdir", "", "Output workdir")
	flags.StringVar(&opts.FinalName, "final-name", "", "Final output file name")
	flags.StringVar(&opts.LipsyncProvider, "lipsync-provider", "", "Lip-sync provider id")
	flags.BoolVar(&opts.DisableLipsync, "no-lipsync", false, "Disable lip-sync")
	flags.BoolVar(&opts.AllowPassthrough, "allow-passthrough", false, "Continue when lip-sync fails")
	flags.StringVar(&runID, "run-id", "", "Run identifier (generated when empty)")
	flags.BoolVar(&asJSON, "json", false, "Print the result as JSON")
	return cmd
}

func executeRun(cmd *cobra.Command, ctx *commandContext, j *job.Job, opts pipeline.Options, asJSON bool) error {
	logger := ctx.logger()
	runner, closeFn, err := ctx.newRunner(logger)
	if err != nil {
		return err
	}
	defer closeFn()

	runCtx, stop := signal.NotifyContext(commandCtx(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, runErr := runner.Run(runCtx, j, opts)
	if result.RunID != "" {
		if asJSON {
			if err := writeJSON(cmd, result); err != nil {
				return err
			}
		} else {
			status := string(result.Status)
			if result.ExitStatus != "" {
				status += " " + string(result.ExitStatus)
			}
			if result.Degraded {
				status += " (degraded)"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "RUN %s %s\n", result.RunID, status)
			if result.Layout.Final != "" && runErr == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "final: %s\n", result.Layout.Final)
			}
		}
	}
	return runErr
}

func commandCtx(cmd *cobra.Command) context.Context {
	if c := cmd.Context(); c != nil {
		return c
	}
	return context.Background()
}
