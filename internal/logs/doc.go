// Package logs reads run event logs (logs/events.jsonl).
//
// Tail returns decoded events with a byte offset so callers can poll for
// more, supports a negative offset for "last N events", and can block for a
// bounded time waiting for new lines in follow mode. Client fetches the same
// window from a running API server.
package logs
