package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"vidax/internal/fileutil"
	"vidax/internal/registry"
	"vidax/internal/workdir"
)

func newRunsPruneCommand(ctx *commandContext) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Forget registered runs whose workdir no longer holds a manifest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			reg := registry.New(cfg.RegistryPath())
			entries, err := reg.List()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			pruned := 0
			for _, entry := range entries {
				layout := workdir.ForBase(entry.Workdir, "", entry.RunID)
				if fileutil.Exists(layout.Manifest) {
					continue
				}
				if !dryRun {
					if err := reg.Remove(commandCtx(cmd), entry.RunID); err != nil {
						return err
					}
				}
				pruned++
				fmt.Fprintf(out, "  %s  %s\n", entry.RunID, entry.Workdir)
			}
			verb := "Pruned"
			if dryRun {
				verb = "Would prune"
			}
			fmt.Fprintf(out, "%s %d run(s)\n", verb, pruned)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "List the runs without removing them")
	return cmd
}
