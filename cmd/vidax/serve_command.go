package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"vidax/internal/api"
	"vidax/internal/logging"
	"vidax/internal/preflight"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var bind string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP job API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger := ctx.logger()
			runCtx, stop := signal.NotifyContext(commandCtx(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			for _, result := range preflight.RunAll(runCtx, cfg) {
				if result.Passed {
					logger.Info("preflight check passed",
						logging.String("check", result.Name),
						logging.String("detail", result.Detail),
					)
					continue
				}
				logging.WarnWithContext(logger, "preflight check failed", "preflight_failed",
					logging.String("check", result.Name),
					logging.String("detail", result.Detail),
					logging.String(logging.FieldImpact, "runs depending on this check may fail"),
				)
			}

			runner, closeFn, err := ctx.newRunner(logger)
			if err != nil {
				return err
			}
			defer closeFn()

			if bind == "" {
				bind = cfg.Paths.APIBind
			}
			logger.Info("api server starting", logging.String("bind", bind))
			return api.NewServer(bind, runner, logger).Serve(runCtx)
		},
	}
	cmd.Flags().StringVar(&bind, "bind", "", "Listen address (defaults to paths.api_bind)")
	return cmd
}

func newCheckCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Run environment preflight checks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			results := preflight.RunAll(commandCtx(cmd), cfg)
			rows := make([][]string, 0, len(results))
			failed := 0
			for _, r := range results {
				state := "ok"
				if !r.Passed {
					state = "FAIL"
					failed++
				}
				rows = append(rows, []string{r.Name, state, r.Detail})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Check", "Result", "Detail"}, rows, nil))
			if failed > 0 {
				return fmt.Errorf("%d preflight check(s) failed", failed)
			}
			return nil
		},
	}
}
