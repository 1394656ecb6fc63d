// Package preflight provides readiness checks for the binaries, directories
// and generation backend that runs depend on.
//
// The pipeline calls RequireCodecs before starting a run and checks free
// space once the workdir exists. The API server logs RunAll results at
// startup so a misconfigured host is visible before the first job arrives.
package preflight
