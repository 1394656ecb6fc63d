// Package logging assembles structured slog loggers and formatting helpers used
// across vidax.
//
// It owns the console and JSON handlers, the per-run event log handler that
// appends one JSON object per record to logs/events.jsonl, and the fan-out
// handler used to tee a run's logger into that file. Context-aware helpers tag
// log lines with run identifiers, phase names, and correlation IDs. A no-op
// logger is provided for tests and wiring code that cannot fail.
package logging
