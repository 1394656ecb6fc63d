// Package contenthash digests run inputs and stages them by content.
package contenthash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"vidax/internal/fileutil"
	"vidax/internal/job"
	"vidax/internal/services"
)

// NotFound marks an expected input that is missing on disk.
const NotFound = "not_found"

const (
	prefix        = "sha256:"
	stagedHexSize = 16
)

// Hashes are the digests of a job's inputs.
type Hashes struct {
	Start string
	Audio string
	End   string
}

// HashFile returns "sha256:<hex>" for path. An empty path yields "" and a
// missing file yields NotFound; neither is an error.
func HashFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", nil
	}
	f, err := os.Open(path)
	if err != nil {
		if fileutil.IsNotExist(err) {
			return NotFound, nil
		}
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return prefix + hex.EncodeToString(h.Sum(nil)), nil
}

// HashInputs digests the start asset, audio and end image of j.
func HashInputs(j *job.Job) (Hashes, error) {
	var out Hashes
	var err error
	if out.Start, err = HashFile(j.StartPath()); err != nil {
		return Hashes{}, err
	}
	if out.Audio, err = HashFile(j.AudioPath()); err != nil {
		return Hashes{}, err
	}
	if out.End, err = HashFile(j.EndImagePath()); err != nil {
		return Hashes{}, err
	}
	return out, nil
}

// StagedName derives the staging file name: the first 16 hex characters of
// the digest followed by the lower-cased extension.
func StagedName(hash, ext string) string {
	hexPart := strings.TrimPrefix(hash, prefix)
	if len(hexPart) > stagedHexSize {
		hexPart = hexPart[:stagedHexSize]
	}
	return hexPart + strings.ToLower(ext)
}

// StageResult describes a staged file.
type StageResult struct {
	Name   string
	Path   string
	Hash   string
	Copied bool
}

// Stage copies src into destDir under its content-derived name. When a file
// with that name and the same size already exists, nothing is copied.
func Stage(src, destDir string) (StageResult, error) {
	info, err := os.Stat(src)
	if err != nil {
		if fileutil.IsNotExist(err) {
			return StageResult{}, services.Wrap(services.CodeInputNotFound, "staging source missing", err, map[string]any{"path": src})
		}
		return StageResult{}, services.Wrap(services.CodeOutputWriteFailed, "stat staging source", err, map[string]any{"path": src})
	}
	hash, err := HashFile(src)
	if err != nil {
		return StageResult{}, services.Wrap(services.CodeOutputWriteFailed, "hash staging source", err, map[string]any{"path": src})
	}
	name := StagedName(hash, filepath.Ext(src))
	dest := filepath.Join(destDir, name)
	result := StageResult{Name: name, Path: dest, Hash: hash}

	if existing, err := os.Stat(dest); err == nil && existing.Mode().IsRegular() && existing.Size() == info.Size() {
		return result, nil
	}
	if _, err := fileutil.CopyFileVerified(src, dest); err != nil {
		return StageResult{}, services.Wrap(services.CodeOutputWriteFailed, "stage input", err, map[string]any{"path": src, "destination": dest})
	}
	result.Copied = true
	return result, nil
}
