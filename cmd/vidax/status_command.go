package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"vidax/internal/history"
	"vidax/internal/manifest"
)

var titleCaser = cases.Title(language.English)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status <run_id>",
		Short: "Show the manifest summary of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := ctx.logger()
			runner, closeFn, err := ctx.newRunner(logger)
			if err != nil {
				return err
			}
			defer closeFn()

			m, err := runner.Status(args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, m)
			}
			fmt.Fprint(cmd.OutOrStdout(), formatStatus(m))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the manifest as JSON")
	return cmd
}

func formatStatus(m manifest.Manifest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run:      %s\n", m.RunID)
	status := string(m.Status)
	if m.ExitStatus != "" {
		status += " (" + string(m.ExitStatus) + ")"
	}
	fmt.Fprintf(&b, "Status:   %s\n", status)
	fmt.Fprintf(&b, "Degraded: %s\n", yesNo(m.Degraded))
	if m.DegradedReason != "" {
		fmt.Fprintf(&b, "Reason:   %s\n", m.DegradedReason)
	}
	if m.PartialReason != "" {
		fmt.Fprintf(&b, "Partial:  %s\n", m.PartialReason)
	}
	if m.Error != nil {
		fmt.Fprintf(&b, "Error:    %s: %s\n", m.Error.Code, m.Error.Message)
	}

	rows := make([][]string, 0, len(manifest.PhaseOrder))
	for _, name := range manifest.PhaseOrder {
		phase, ok := m.Phase(name)
		if !ok {
			rows = append(rows, []string{titleCaser.String(name), "-", "", ""})
			continue
		}
		updated := ""
		if !phase.UpdatedAt.IsZero() {
			updated = phase.UpdatedAt.Local().Format(time.DateTime)
		}
		detail := phase.Code
		if reason := phase.Field("reason"); reason != "" && detail == "" {
			detail = reason
		}
		rows = append(rows, []string{titleCaser.String(name), string(phase.Status), updated, detail})
	}
	b.WriteString(renderTable([]string{"Phase", "Status", "Updated", "Detail"}, rows, nil))
	b.WriteString("\n")
	return b.String()
}

func newRunsCommand(ctx *commandContext) *cobra.Command {
	var (
		status string
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			store, err := history.Open(cfg.HistoryPath())
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.List(commandCtx(cmd), history.Filter{Status: status, Limit: limit})
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, records)
			}
			if len(records) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), formatRuns(records))
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Only show runs with this status")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum runs to list (0 for all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the runs as JSON")
	cmd.AddCommand(newRunsPruneCommand(ctx))
	return cmd
}

func formatRuns(records []history.Record) string {
	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		status := rec.Status
		if rec.ExitStatus != "" {
			status += "/" + rec.ExitStatus
		}
		rows = append(rows, []string{
			rec.RunID,
			status,
			yesNo(rec.Degraded),
			rec.ErrorCode,
			rec.UpdatedAt.Local().Format(time.DateTime),
			rec.Workdir,
		})
	}
	return renderTable(
		[]string{"Run", "Status", "Degraded", "Error", "Updated", "Workdir"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
	)
}
