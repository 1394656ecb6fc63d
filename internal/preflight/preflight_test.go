package preflight

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"vidax/internal/config"
	"vidax/internal/services"
	"vidax/internal/testsupport"
)

func TestCheckDirectoryAccess_OK(t *testing.T) {
	dir := t.TempDir()
	result := CheckDirectoryAccess("test", dir)
	if !result.Passed {
		t.Fatalf("expected pass for temp dir, got: %s", result.Detail)
	}
}

func TestCheckDirectoryAccess_NotExist(t *testing.T) {
	result := CheckDirectoryAccess("test", filepath.Join(t.TempDir(), "nope"))
	if result.Passed {
		t.Fatal("expected failure for missing dir")
	}
	if result.Detail == "" {
		t.Fatal("expected non-empty detail")
	}
}

func TestCheckDirectoryAccess_NotDir(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	result := CheckDirectoryAccess("test", f)
	if result.Passed {
		t.Fatal("expected failure for file path")
	}
}

func TestCheckWritableMissingLeaf(t *testing.T) {
	result := CheckWritable("state", filepath.Join(t.TempDir(), "a", "b"))
	if !result.Passed {
		t.Fatalf("expected writable ancestor to pass, got %s", result.Detail)
	}
}

func TestFreeSpace(t *testing.T) {
	free, err := FreeSpace(filepath.Join(t.TempDir(), "not-yet"))
	if err != nil {
		t.Fatalf("FreeSpace: %v", err)
	}
	if free == 0 {
		t.Fatal("expected some free space on the temp filesystem")
	}
	if res := CheckFreeSpace("workdir", t.TempDir(), ^uint64(0)); res.Passed {
		t.Fatal("expected impossible threshold to fail")
	}
}

func TestCheckGenerationBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/system_stats" {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	if result := CheckGenerationBackend(context.Background(), srv.URL); !result.Passed {
		t.Fatalf("expected pass, got: %s", result.Detail)
	}
	srv.Close()
	if result := CheckGenerationBackend(context.Background(), srv.URL); result.Passed {
		t.Fatal("expected failure once the server is down")
	}
}

func TestRequireCodecs(t *testing.T) {
	cfg := config.Default()
	cfg.FFmpeg.FFmpegBinary = "vidax-missing-ffmpeg"
	cfg.FFmpeg.FFprobeBinary = "vidax-missing-ffprobe"
	cfg.Lipsync.Providers = map[string]config.LipsyncProvider{"wav2lip": {Command: "vidax-missing-python"}}
	err := RequireCodecs(&cfg)
	if services.CodeOf(err) != services.CodeUnsupportedFormat {
		t.Fatalf("expected UNSUPPORTED_FORMAT, got %v", err)
	}
	if got := services.As(err).Details["missing"]; got != "vidax-missing-ffmpeg, vidax-missing-ffprobe" {
		t.Fatalf("unexpected missing detail %v", got)
	}
}

func TestRunAllIncludesDeps(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.StateDir = t.TempDir()
	cfg.ComfyUI.DefaultServer = ""
	cfg.ComfyUI.InputDir = ""
	results := RunAll(context.Background(), &cfg)
	if len(results) < 3 || results[0].Name != "State directory" || !results[0].Passed {
		t.Fatalf("unexpected results %+v", results)
	}
}

func TestRunAllPassesWithReachableBackendAndStubbedCodecs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/system_stats" {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	cfg := testsupport.NewConfig(t,
		testsupport.WithServer(srv.URL),
		testsupport.WithStubbedBinaries(),
		testsupport.WithLipsyncProvider("wav2lip", config.LipsyncProvider{Command: "vidax-missing-python"}),
	)
	if err := os.MkdirAll(cfg.ComfyUI.InputDir, 0o755); err != nil {
		t.Fatalf("mkdir input dir: %v", err)
	}
	if err := RequireCodecs(cfg); err != nil {
		t.Fatalf("RequireCodecs with stubbed binaries: %v", err)
	}

	results := RunAll(context.Background(), cfg)
	var sawProvider bool
	for _, r := range results {
		if !r.Passed {
			t.Fatalf("check %s failed: %s", r.Name, r.Detail)
		}
		if r.Name == "Lip-sync wav2lip" {
			sawProvider = true
			if r.Detail == "" {
				t.Fatal("expected a detail for the missing optional provider")
			}
		}
	}
	if !sawProvider {
		t.Fatalf("expected the lip-sync provider in %+v", results)
	}
}
