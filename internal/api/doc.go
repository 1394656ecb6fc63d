// Package api serves the run HTTP API.
//
// Jobs are accepted as drafts (POST /jobs), executed on request
// (POST /jobs/{id}/start) and inspected through their manifest and event
// log. All state lives in the run directories; the server only tracks which
// runs it is currently executing.
package api
