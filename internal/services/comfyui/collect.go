package comfyui

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"

	"vidax/internal/logging"
	"vidax/internal/services"
	"vidax/internal/workdir"
)

// Destinations names where collected artifacts are written.
type Destinations struct {
	FramesDir string
	VideoPath string
}

// Collected describes the downloaded outputs.
type Collected struct {
	Video  string
	Frames []string
}

// Kind returns "video" or "frames".
func (c Collected) Kind() string {
	if c.Video != "" {
		return "video"
	}
	return "frames"
}

// CollectOutputs downloads artifacts. A video artifact wins over stills and
// is written to dest.VideoPath; otherwise every still is written in order to
// dest.FramesDir as a numbered sequence.
func (c *Client) CollectOutputs(ctx context.Context, artifacts []Artifact, dest Destinations) (Collected, error) {
	if len(artifacts) == 0 {
		return Collected{}, services.New(services.CodeGenerationBadResponse, "generation produced no artifacts", nil)
	}
	for _, a := range artifacts {
		if a.IsVideo() {
			if err := os.MkdirAll(filepath.Dir(dest.VideoPath), 0o755); err != nil {
				return Collected{}, services.Wrap(services.CodeOutputWriteFailed, "failed to create generation dir", err, nil)
			}
			if err := c.download(ctx, a, dest.VideoPath); err != nil {
				return Collected{}, err
			}
			c.logger.Info("collected generated video", logging.String("filename", a.Filename))
			return Collected{Video: dest.VideoPath}, nil
		}
	}

	ordered := OrderFrames(artifacts)
	if err := os.MkdirAll(dest.FramesDir, 0o755); err != nil {
		return Collected{}, services.Wrap(services.CodeOutputWriteFailed, "failed to create frames dir", err, nil)
	}
	frames := make([]string, len(ordered))
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(c.settings.DownloadConcurrency)
	for i, a := range ordered {
		ext := strings.ToLower(path.Ext(a.Filename))
		if ext == "" {
			ext = ".png"
		}
		target := filepath.Join(dest.FramesDir, workdir.FrameName(i+1, ext))
		frames[i] = target
		group.Go(func() error {
			return c.download(gctx, a, target)
		})
	}
	if err := group.Wait(); err != nil {
		return Collected{}, err
	}
	c.logger.Info("collected generated frames", logging.Int("frames", len(frames)))
	return Collected{Frames: frames}, nil
}

// OrderFrames sorts still artifacts by filename, then URL, then original index.
func OrderFrames(artifacts []Artifact) []Artifact {
	ordered := slices.Clone(artifacts)
	slices.SortStableFunc(ordered, func(a, b Artifact) int {
		return cmp.Or(
			cmp.Compare(a.Filename, b.Filename),
			cmp.Compare(a.Query(), b.Query()),
			cmp.Compare(a.Index, b.Index),
		)
	})
	return ordered
}

func (c *Client) download(ctx context.Context, a Artifact, target string) error {
	resp, err := c.do(ctx, http.MethodGet, "/view?"+a.Query(), nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, "download "+a.Filename); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".*.part")
	if err != nil {
		return services.Wrap(services.CodeOutputWriteFailed, "failed to create download file", err, map[string]any{"target": target})
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	n, copyErr := io.Copy(tmp, resp.Body)
	closeErr := tmp.Close()
	if copyErr != nil {
		return services.Wrap(services.CodeGenerationUnavailable, "artifact download interrupted", copyErr, map[string]any{"filename": a.Filename})
	}
	if closeErr != nil {
		return services.Wrap(services.CodeOutputWriteFailed, "failed to flush artifact", closeErr, map[string]any{"target": target})
	}
	if n == 0 {
		return services.New(services.CodeGenerationBadResponse, fmt.Sprintf("artifact %s is empty", a.Filename), nil)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		return services.Wrap(services.CodeOutputWriteFailed, "failed to store artifact", err, map[string]any{"target": target})
	}
	return nil
}
