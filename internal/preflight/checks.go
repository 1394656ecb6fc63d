package preflight

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"vidax/internal/config"
	"vidax/internal/services"
	"vidax/internal/services/comfyui"
)

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckWritable is CheckDirectoryAccess for a directory that may not exist
// yet: the nearest existing ancestor must be writable.
func CheckWritable(name, path string) Result {
	ancestor, err := existingAncestor(path)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: %v)", path, err)}
	}
	res := CheckDirectoryAccess(name, ancestor)
	if res.Passed && ancestor != filepath.Clean(path) {
		res.Detail = fmt.Sprintf("%s (will be created under %s)", path, ancestor)
	}
	return res
}

// FreeSpace returns the bytes available to unprivileged users on the
// filesystem holding path (or its nearest existing ancestor).
func FreeSpace(path string) (uint64, error) {
	ancestor, err := existingAncestor(path)
	if err != nil {
		return 0, err
	}
	var st unix.Statfs_t
	if err := unix.Statfs(ancestor, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", ancestor, err)
	}
	return st.Bavail * uint64(st.Bsize), nil
}

// CheckFreeSpace fails when fewer than minBytes are available at path.
func CheckFreeSpace(name, path string, minBytes uint64) Result {
	free, err := FreeSpace(path)
	if err != nil {
		return Result{Name: name, Detail: err.Error()}
	}
	detail := fmt.Sprintf("%s (%.1f GiB free)", path, float64(free)/float64(1<<30))
	return Result{Name: name, Passed: free >= minBytes, Detail: detail}
}

// CheckGenerationBackend probes the backend health endpoints.
func CheckGenerationBackend(ctx context.Context, server string) Result {
	const name = "Generation backend"
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	client := comfyui.NewClient(comfyui.Settings{BaseURL: server, RequestTimeout: 5 * time.Second})
	if err := client.Health(checkCtx); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (unreachable)", client.BaseURL())}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (reachable)", client.BaseURL())}
}

// CheckSystemDeps resolves the codec binaries and every configured
// lip-sync provider command.
func CheckSystemDeps(cfg *config.Config) []BinaryStatus {
	bins := []Binary{
		{Name: "FFmpeg", Command: cfg.FFmpeg.FFmpegBinary},
		{Name: "FFprobe", Command: cfg.FFmpeg.FFprobeBinary},
	}
	ids := make([]string, 0, len(cfg.Lipsync.Providers))
	for id := range cfg.Lipsync.Providers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		bins = append(bins, Binary{Name: "Lip-sync " + id, Command: cfg.Lipsync.Providers[id].Command, Optional: true})
	}
	return LookupBinaries(bins)
}

// RequireCodecs fails with UNSUPPORTED_FORMAT when ffmpeg or ffprobe is absent.
func RequireCodecs(cfg *config.Config) error {
	missing := missingRequired(CheckSystemDeps(cfg))
	if len(missing) == 0 {
		return nil
	}
	return services.New(services.CodeUnsupportedFormat, "codec engine not available", map[string]any{
		"missing": strings.Join(missing, ", "),
	})
}

func existingAncestor(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path not configured")
	}
	current, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(current); err == nil {
			return current, nil
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", fmt.Errorf("no existing ancestor for %s", path)
		}
		current = parent
	}
}
