// Package job defines the job document submitted to the runner.
//
// A Job names the input media (start image or start video, audio master and
// an optional end image), timing and buffering, render dimensions, the
// generation backend configuration, the lip-sync provider, and the output
// workdir. Jobs arrive as JSON or YAML documents and are validated before any
// run starts.
//
// # Entry Points
//
// Load/Parse: decode a job document from disk or bytes (JSON or YAML).
// Validate: pure rule check returning every field error with its code.
// FromProduce: build a full job from the short-form produce options.
package job
