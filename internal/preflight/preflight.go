package preflight

import (
	"context"
	"strings"

	"vidax/internal/config"
)

// MinFreeBytes is the free-space threshold below which runs log a warning.
const MinFreeBytes uint64 = 1 << 30

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// RunAll executes every applicable check for the given config.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	var results []Result
	results = append(results, CheckWritable("State directory", cfg.Paths.StateDir))
	if strings.TrimSpace(cfg.ComfyUI.InputDir) != "" && !cfg.ComfyUI.UploadInputs {
		results = append(results, CheckDirectoryAccess("Generation input directory", cfg.ComfyUI.InputDir))
	}
	if strings.TrimSpace(cfg.ComfyUI.DefaultServer) != "" {
		results = append(results, CheckGenerationBackend(ctx, cfg.ComfyUI.DefaultServer))
	}
	for _, status := range CheckSystemDeps(cfg) {
		r := Result{Name: status.Name, Passed: status.Available() || status.Optional, Detail: status.Path}
		if !status.Available() {
			r.Detail = status.Detail
		}
		results = append(results, r)
	}
	return results
}
