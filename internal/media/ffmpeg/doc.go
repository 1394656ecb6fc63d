// Package ffmpeg drives the ffmpeg CLI for every codec operation of a run.
//
// The Engine interface is what the pipeline depends on; CLI is the
// production implementation. CLI builds argument lists and hands them to an
// Executor so tests can capture arguments without running ffmpeg.
//
// Errors follow the run taxonomy: a missing binary is UNSUPPORTED_FORMAT,
// while a nonzero exit or a missing output file is CODEC_FAILED.
package ffmpeg
