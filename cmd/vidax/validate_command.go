package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"vidax/internal/job"
	"vidax/internal/services"
)

func newValidateCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:         "validate <job>",
		Short:       "Validate a job document without running it",
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := job.Load(args[0])
			if err != nil {
				return err
			}
			result := job.Validate(j)
			if asJSON {
				if err := writeJSON(cmd, result); err != nil {
					return err
				}
			} else {
				printValidation(cmd, result)
			}
			if !result.Valid {
				return &exitError{code: services.ExitCode(services.CodeValidation), err: result.Err()}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the result as JSON")
	return cmd
}

func printValidation(cmd *cobra.Command, result job.Result) {
	out := cmd.OutOrStdout()
	if result.Valid {
		fmt.Fprintln(out, "VALID")
		return
	}
	fmt.Fprintln(out, "INVALID")
	for _, fe := range result.Errors {
		fmt.Fprintf(out, "  %s: %s -> %s\n", fe.Code, fe.Field, fe.Message)
	}
}
