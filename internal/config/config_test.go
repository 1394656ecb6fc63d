package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"vidax/internal/config"
)

func TestLoadDefaultsExpandStateDir(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Setenv("VA_STATE_DIR", "")
	t.Setenv("COMFYUI_DIR", "")
	t.Setenv("COMFYUI_URL", "")

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}
	if cfg.Paths.StateDir != filepath.Join(tempHome, ".va") {
		t.Fatalf("unexpected state dir: %q", cfg.Paths.StateDir)
	}
	if cfg.RegistryPath() != filepath.Join(tempHome, ".va", "runs.json") {
		t.Fatalf("unexpected registry path: %q", cfg.RegistryPath())
	}
	if cfg.ComfyUI.DefaultServer != "http://127.0.0.1:8188" {
		t.Fatalf("unexpected default server: %q", cfg.ComfyUI.DefaultServer)
	}
	polling := cfg.GenerationPolling()
	if polling.StallNoOutput < polling.StallNoNewOutput {
		t.Fatalf("expected zero-output stall to be the longer threshold: %+v", polling)
	}
	if cfg.Render.MaxWidth != 1280 || cfg.Render.MaxHeight != 720 {
		t.Fatalf("unexpected render maxima: %+v", cfg.Render)
	}
}

func TestLoadHonoursEnvironmentFallbacks(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	stateDir := filepath.Join(tempHome, "state")
	comfyRoot := filepath.Join(tempHome, "ComfyUI")
	t.Setenv("VA_STATE_DIR", stateDir)
	t.Setenv("COMFYUI_DIR", filepath.Join(comfyRoot, "custom_nodes"))
	t.Setenv("COMFYUI_URL", "http://gpu-box:8188/")

	cfg, _, _, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Paths.StateDir != stateDir {
		t.Fatalf("state dir = %q, want %q", cfg.Paths.StateDir, stateDir)
	}
	if cfg.ComfyUI.RootDir != comfyRoot {
		t.Fatalf("root dir = %q, want %q", cfg.ComfyUI.RootDir, comfyRoot)
	}
	if cfg.ComfyUI.InputDir != filepath.Join(comfyRoot, "input") {
		t.Fatalf("input dir = %q", cfg.ComfyUI.InputDir)
	}
	if cfg.ComfyUI.DefaultServer != "http://gpu-box:8188" {
		t.Fatalf("server = %q", cfg.ComfyUI.DefaultServer)
	}
}

func TestLoadParsesProviderRegistry(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Setenv("VA_STATE_DIR", "")
	t.Setenv("COMFYUI_URL", "")
	path := filepath.Join(tempHome, "vidax.toml")
	content := `
[lipsync.providers.wav2lip]
command = "python"
args_template = ["infer.py", "--face", "{video}", "--audio", "{audio}", "--outfile", "{out}"]

[logging]
format = "JSON"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, resolved, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists || resolved != path {
		t.Fatalf("expected explicit path to be used, got %q exists=%v", resolved, exists)
	}
	provider, ok := cfg.Provider("wav2lip")
	if !ok {
		t.Fatal("expected wav2lip provider")
	}
	if provider.Command != "python" || len(provider.ArgsTemplate) != 7 {
		t.Fatalf("unexpected provider: %+v", provider)
	}
	if cfg.Logging.Format != "json" {
		t.Fatalf("expected normalized log format, got %q", cfg.Logging.Format)
	}
}

func TestValidateRejectsProviderWithoutCommand(t *testing.T) {
	cfg := config.Default()
	cfg.Lipsync.Providers = map[string]config.LipsyncProvider{"broken": {}}
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "lipsync.providers.broken.command") {
		t.Fatalf("expected provider command error, got %v", err)
	}
}

func TestValidateRejectsInvertedStallThresholds(t *testing.T) {
	cfg := config.Default()
	cfg.ComfyUI.StallNoNewOutputSeconds = 600
	cfg.ComfyUI.StallNoOutputSeconds = 60
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected stall threshold validation error")
	}
}

func TestCreateSampleWritesLoadableFile(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Setenv("VA_STATE_DIR", "")
	t.Setenv("COMFYUI_URL", "")
	path := filepath.Join(tempHome, "nested", "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample: %v", err)
	}
	if _, _, exists, err := config.Load(path); err != nil || !exists {
		t.Fatalf("expected sample to load, exists=%v err=%v", exists, err)
	}
}
