// Command vidax renders talking-head videos from a start image or video and
// an audio master, and serves the run HTTP API.
package main
