package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"vidax/internal/staging"
)

func newStagingCommand(ctx *commandContext) *cobra.Command {
	stagingCmd := &cobra.Command{
		Use:   "staging",
		Short: "Inspect and prune staged generation inputs",
	}
	stagingCmd.AddCommand(newStagingListCommand(ctx))
	stagingCmd.AddCommand(newStagingPruneCommand(ctx))
	return stagingCmd
}

func newStagingListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List staged inputs in the generation input directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			files, err := staging.List(cfg.ComfyUI.InputDir)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(files) == 0 {
				fmt.Fprintln(out, "No staged inputs")
				return nil
			}
			rows := make([][]string, 0, len(files))
			var total int64
			for _, f := range files {
				total += f.Size
				rows = append(rows, []string{f.Name, humanize.Bytes(uint64(f.Size)), humanize.Time(f.ModTime)})
			}
			fmt.Fprintln(out, renderTable([]string{"File", "Size", "Staged"}, rows, []columnAlignment{alignLeft, alignRight, alignLeft}))
			fmt.Fprintf(out, "%d file(s), %s\n", len(files), humanize.Bytes(uint64(total)))
			return nil
		},
	}
}

func newStagingPruneCommand(ctx *commandContext) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove staged inputs older than a threshold",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			result := staging.CleanStale(commandCtx(cmd), cfg.ComfyUI.InputDir, olderThan, ctx.logger())
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d staged input(s), freed %s\n", len(result.Removed), humanize.Bytes(uint64(result.Freed)))
			if len(result.Errors) > 0 {
				return fmt.Errorf("%d staged input(s) could not be removed; first: %s: %w", len(result.Errors), result.Errors[0].Path, result.Errors[0].Error)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 72*time.Hour, "Only remove inputs staged longer ago than this")
	return cmd
}
