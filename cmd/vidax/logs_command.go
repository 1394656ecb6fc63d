package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"vidax/internal/logs"
)

const logFollowWait = 5 * time.Second

type logFetcher func(ctx context.Context, opts logs.TailOptions) (logs.TailResult, error)

func newLogsCommand(ctx *commandContext) *cobra.Command {
	var (
		follow bool
		tail   int
		server string
		remote bool
		stage  string
		level  string
	)
	cmd := &cobra.Command{
		Use:   "logs <run_id>",
		Short: "Print the structured event log of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := args[0]
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			var fetch logFetcher
			if remote || server != "" {
				bind := server
				if bind == "" {
					bind = cfg.Paths.APIBind
				}
				client, err := logs.NewClient(bind)
				if err != nil {
					return err
				}
				fetch = func(c context.Context, opts logs.TailOptions) (logs.TailResult, error) {
					return client.Fetch(c, runID, opts)
				}
			} else {
				logger := ctx.logger()
				runner, closeFn, err := ctx.newRunner(logger)
				if err != nil {
					return err
				}
				defer closeFn()
				fetch = func(c context.Context, opts logs.TailOptions) (logs.TailResult, error) {
					return runner.Logs(c, runID, opts)
				}
			}

			runCtx, stop := signal.NotifyContext(commandCtx(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			opts := logs.TailOptions{Stage: stage, Level: level}
			if tail > 0 {
				opts.Offset = -1
				opts.Limit = tail
			}
			out := cmd.OutOrStdout()
			return streamLogs(runCtx, out, isTerminal(out), fetch, opts, follow)
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing new events")
	cmd.Flags().IntVarP(&tail, "tail", "n", 0, "Only print the last N events")
	cmd.Flags().BoolVar(&remote, "remote", false, "Read through the API server instead of the local workdir")
	cmd.Flags().StringVar(&server, "server", "", "API server address (implies --remote)")
	cmd.Flags().StringVar(&stage, "stage", "", "Only print events from this stage")
	cmd.Flags().StringVar(&level, "level", "", "Only print events at this level")
	return cmd
}

func streamLogs(ctx context.Context, out io.Writer, pretty bool, fetch logFetcher, opts logs.TailOptions, follow bool) error {
	for {
		result, err := fetch(ctx, opts)
		if err != nil {
			if follow && ctx.Err() != nil {
				return nil
			}
			return err
		}
		for _, event := range result.Events {
			if err := printEvent(out, event, pretty); err != nil {
				return err
			}
		}
		if !follow {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		opts.Offset = result.Offset
		opts.Limit = 0
		opts.Follow = true
		opts.Wait = logFollowWait
	}
}

func printEvent(out io.Writer, event logs.Event, pretty bool) error {
	if !pretty {
		data, err := json.Marshal(event)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, string(data))
		return err
	}
	ts := event.Timestamp()
	stamp := ""
	if !ts.IsZero() {
		stamp = ts.Local().Format("15:04:05")
	}
	stage := event.Stage()
	if stage == "" {
		stage = "-"
	}
	_, err := fmt.Fprintf(out, "%s %-5s [%s] %s\n", stamp, strings.ToUpper(event.Level()), stage, event.Message())
	return err
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
