package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"vidax/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config whose state and staging directories live in a
// per-test temp directory.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.APIBind = "127.0.0.1:0"
	cfgVal.ComfyUI.InputDir = filepath.Join(base, "comfyui", "input")
	cfgVal.ComfyUI.PollIntervalMillis = 1
	cfgVal.Lipsync.Providers = map[string]config.LipsyncProvider{}

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}
	for _, opt := range opts {
		opt(builder)
	}
	return builder.cfg
}

// WithServer sets the default generation backend URL.
func WithServer(url string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.ComfyUI.DefaultServer = url
	}
}

// WithLipsyncProvider registers a lip-sync provider.
func WithLipsyncProvider(id string, provider config.LipsyncProvider) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Lipsync.Providers[id] = provider
	}
}

// WithStubbedBinaries writes stub executables for the provided names and
// prepends them to PATH. If names is empty, ffmpeg and ffprobe are stubbed.
func WithStubbedBinaries(names ...string) ConfigOption {
	return func(b *configBuilder) {
		if len(names) == 0 {
			names = []string{"ffmpeg", "ffprobe"}
		}
		binDir := filepath.Join(b.baseDir, "bin")
		if err := os.MkdirAll(binDir, 0o755); err != nil {
			b.t.Fatalf("mkdir bin dir: %v", err)
		}
		script := []byte("#!/bin/sh\nexit 0\n")
		for _, name := range names {
			if err := os.WriteFile(filepath.Join(binDir, name), script, 0o755); err != nil {
				b.t.Fatalf("write stub %s: %v", name, err)
			}
		}
		b.t.Setenv("PATH", binDir+string(os.PathListSeparator)+os.Getenv("PATH"))
	}
}
