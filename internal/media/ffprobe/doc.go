// Package ffprobe provides a typed wrapper around ffprobe JSON output.
//
// Key types:
//   - Result: parsed ffprobe output containing streams and format metadata
//   - Stream: individual audio/video stream properties
//   - Client: Prober implementation backed by the ffprobe binary
//
// Primary entry points:
//   - Inspect: executes ffprobe and returns parsed Result
//   - Client.Duration / Client.Dimensions / Client.FrameCount: the probes
//     the pipeline relies on, returning run taxonomy errors
package ffprobe
