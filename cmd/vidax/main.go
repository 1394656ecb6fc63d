package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"vidax/internal/services"
)

func main() {
	cmd := newRootCommand(nil)
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(exitCode(err))
	}
}

// exitCode maps coded failures onto their CLI status; uncoded errors (flag
// parsing, usage) exit 1.
func exitCode(err error) int {
	var exit *exitError
	if errors.As(err, &exit) {
		return exit.code
	}
	var svcErr *services.Error
	if errors.As(err, &svcErr) {
		return services.ExitCode(svcErr.Code)
	}
	return 1
}

// exitError carries an explicit status for commands that already printed
// their own diagnostics.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }
