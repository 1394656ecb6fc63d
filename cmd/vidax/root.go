package main

import (
	"github.com/spf13/cobra"

	"vidax/internal/pipeline"
)

// newRootCommand builds the CLI. extra options are appended to every runner
// the commands construct.
func newRootCommand(extra []pipeline.Option) *cobra.Command {
	var configFlag string

	ctx := newCommandContext(&configFlag, extra)

	rootCmd := &cobra.Command{
		Use:           "vidax",
		Short:         "Audio-driven video rendering runner",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if shouldSkipConfig(cmd) {
				return nil
			}
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")

	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newRunCommand(ctx))
	rootCmd.AddCommand(newProduceCommand(ctx))
	rootCmd.AddCommand(newStatusCommand(ctx))
	rootCmd.AddCommand(newLogsCommand(ctx))
	rootCmd.AddCommand(newRunsCommand(ctx))
	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newCheckCommand(ctx))
	rootCmd.AddCommand(newTestNotifyCommand(ctx))
	rootCmd.AddCommand(newStagingCommand(ctx))
	rootCmd.AddCommand(newConfigCommand())

	return rootCmd
}
