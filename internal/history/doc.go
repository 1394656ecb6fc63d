// Package history maintains a SQLite index of runs for listing and filtering.
//
// The index is derived data: each run's manifest remains authoritative, and
// the pipeline treats index write failures as warnings. Rows are upserted at
// registration and again when a run reaches a terminal state.
package history
