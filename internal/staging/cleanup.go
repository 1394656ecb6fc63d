package staging

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"vidax/internal/logging"
)

// stagedName matches the content-derived names written when inputs are staged.
var stagedName = regexp.MustCompile(`^[0-9a-f]{16}\.[a-z0-9]+$`)

// CleanResult contains the outcome of a prune.
type CleanResult struct {
	Removed []string
	Freed   int64
	Errors  []CleanupError
}

// CleanupError pairs a path with its cleanup error.
type CleanupError struct {
	Path  string
	Error error
}

// FileInfo describes one staged input.
type FileInfo struct {
	Name    string
	Path    string
	ModTime time.Time
	Size    int64
}

// List returns the staged inputs in inputDir, oldest first. Files that were
// not written by staging are ignored.
func List(inputDir string) ([]FileInfo, error) {
	inputDir = strings.TrimSpace(inputDir)
	if inputDir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(inputDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var files []FileInfo
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !stagedName.MatchString(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, FileInfo{
			Name:    entry.Name(),
			Path:    filepath.Join(inputDir, entry.Name()),
			ModTime: info.ModTime(),
			Size:    info.Size(),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].ModTime.Before(files[j].ModTime) })
	return files, nil
}

// CleanStale removes staged inputs last modified more than maxAge ago.
// Staging refreshes nothing on reuse, so an input still referenced by a
// queued prompt can be removed; callers pick maxAge accordingly.
func CleanStale(ctx context.Context, inputDir string, maxAge time.Duration, logger *slog.Logger) CleanResult {
	result := CleanResult{}
	if logger == nil {
		logger = logging.NewNop()
	}

	files, err := List(inputDir)
	if err != nil {
		result.Errors = append(result.Errors, CleanupError{Path: inputDir, Error: err})
		return result
	}

	cutoff := time.Now().Add(-maxAge)
	for _, f := range files {
		if ctx.Err() != nil {
			break
		}
		if !f.ModTime.Before(cutoff) {
			continue
		}
		if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
			result.Errors = append(result.Errors, CleanupError{Path: f.Path, Error: err})
			logger.Warn("failed to remove staged input",
				logging.String("path", f.Path),
				logging.Error(err),
				logging.String(logging.FieldEventType, "staging_cleanup_failed"),
				logging.String(logging.FieldErrorHint, "check comfyui.input_dir permissions"),
				logging.String(logging.FieldImpact, "disk space not reclaimed"),
			)
			continue
		}
		result.Removed = append(result.Removed, f.Path)
		result.Freed += f.Size
		logger.Info("removed staged input",
			logging.String("path", f.Path),
			logging.Duration("age", time.Since(f.ModTime)),
			logging.String(logging.FieldEventType, "staging_cleanup"),
		)
	}
	return result
}
