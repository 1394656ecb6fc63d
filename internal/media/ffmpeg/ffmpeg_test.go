package ffmpeg

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"vidax/internal/services"
)

type stubExecutor struct {
	calls  [][]string
	output []byte
	err    error
	create bool
}

func (s *stubExecutor) Run(_ context.Context, binary string, args []string) ([]byte, error) {
	s.calls = append(s.calls, append([]string{binary}, args...))
	if s.err != nil {
		return s.output, s.err
	}
	if s.create && len(args) > 0 {
		out := args[len(args)-1]
		if err := os.WriteFile(out, []byte("media"), 0o644); err != nil {
			return nil, err
		}
	}
	return s.output, nil
}

func indexOf(args []string, value string) int {
	return slices.Index(args, value)
}

func TestMuxArgs(t *testing.T) {
	args := MuxArgs(MuxRequest{
		Video:         "/w/frames/%06d.png",
		Audio:         "/w/temp/padded_audio.m4a",
		ImageSequence: true,
		FPS:           24,
		Width:         1024,
		Height:        576,
		Duration:      5.5,
		HoldSeconds:   1,
		Output:        "/w/final.mp4",
	})
	joined := strings.Join(args, " ")
	if !strings.HasPrefix(joined, "-y -framerate 24 -i /w/frames/%06d.png -i /w/temp/padded_audio.m4a") {
		t.Fatalf("unexpected prefix: %s", joined)
	}
	filter := args[indexOf(args, "-filter_complex")+1]
	want := "[0:v]scale=1024:576:flags=lanczos,fps=24,tpad=stop_mode=clone:stop_duration=1,trim=duration=5.5,setpts=PTS-STARTPTS[v]"
	if filter != want {
		t.Fatalf("filter = %s, want %s", filter, want)
	}
	for _, flag := range []string{"-shortest", "+faststart", "libx264", "yuv420p", "aac", "cfr"} {
		if indexOf(args, flag) < 0 {
			t.Fatalf("missing %s in %v", flag, args)
		}
	}
	if args[len(args)-1] != "/w/final.mp4" {
		t.Fatalf("output must be last, got %v", args)
	}
}

func TestFramesToVideoArgsGlob(t *testing.T) {
	args := FramesToVideoArgs(FramesRequest{Pattern: "/f/*.png", FPS: 12.5, Output: "/o.mp4"})
	if indexOf(args, "-pattern_type") < 0 || args[indexOf(args, "-framerate")+1] != "12.5" {
		t.Fatalf("unexpected args %v", args)
	}
	if indexOf(args, "-vf") >= 0 {
		t.Fatalf("no scale expected without dimensions: %v", args)
	}
}

func TestPadAudioArgs(t *testing.T) {
	args := PadAudioArgs(PadAudioRequest{Input: "a.wav", Output: "p.m4a", PreSeconds: 1, PostSeconds: 0.5, TargetDuration: 5.5})
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "[0:a]adelay=1000|1000,apad[a]") || !strings.Contains(joined, "-t 5.5 p.m4a") {
		t.Fatalf("unexpected args %s", joined)
	}
}

func TestConcatArgs(t *testing.T) {
	args := ConcatArgs(ConcatRequest{Inputs: []string{"a.mp4", "b.mp4"}, FPS: 24, Width: 640, Height: 360, Output: "c.mp4"})
	filter := args[indexOf(args, "-filter_complex")+1]
	want := "[0:v]scale=640:360:flags=lanczos,fps=24,format=yuv420p,setpts=PTS-STARTPTS[v0];" +
		"[1:v]scale=640:360:flags=lanczos,fps=24,format=yuv420p,setpts=PTS-STARTPTS[v1];" +
		"[v0][v1]concat=n=2:v=1:a=0[v]"
	if filter != want {
		t.Fatalf("filter = %s", filter)
	}
}

func TestConcatArgsTrimsLeadingClip(t *testing.T) {
	args := ConcatArgs(ConcatRequest{Inputs: []string{"a.mp4", "b.mp4"}, Trim: []float64{3.5}, FPS: 24, Output: "c.mp4"})
	filter := args[indexOf(args, "-filter_complex")+1]
	if !strings.HasPrefix(filter, "[0:v]trim=duration=3.5,fps=24,") {
		t.Fatalf("filter = %s", filter)
	}
	if !strings.Contains(filter, "[1:v]fps=24,") {
		t.Fatalf("second clip should not be trimmed: %s", filter)
	}
}

func TestStillVideoRuns(t *testing.T) {
	out := filepath.Join(t.TempDir(), "sub", "still.mp4")
	stub := &stubExecutor{create: true}
	engine := New("", WithExecutor(stub))
	if err := engine.StillVideo(context.Background(), StillRequest{Image: "end.png", FPS: 24, Duration: 2, Output: out}); err != nil {
		t.Fatalf("StillVideo: %v", err)
	}
	call := stub.calls[0]
	if call[0] != "ffmpeg" || indexOf(call, "-loop") < 0 || call[indexOf(call, "-t")+1] != "2" {
		t.Fatalf("unexpected call %v", call)
	}
}

func TestMissingOutputIsCodecFailure(t *testing.T) {
	engine := New("ffmpeg", WithExecutor(&stubExecutor{}))
	err := engine.ExtractFirstFrame(context.Background(), "in.mp4", filepath.Join(t.TempDir(), "frame.png"))
	if services.CodeOf(err) != services.CodeCodecFailed {
		t.Fatalf("expected codec failure, got %v", err)
	}
}

func TestMissingBinaryIsUnsupportedFormat(t *testing.T) {
	stub := &stubExecutor{err: &exec.Error{Name: "ffmpeg", Err: exec.ErrNotFound}}
	engine := New("ffmpeg", WithExecutor(stub))
	err := engine.Mux(context.Background(), MuxRequest{Video: "v", Audio: "a", FPS: 24, Duration: 1, Output: filepath.Join(t.TempDir(), "o.mp4")})
	if services.CodeOf(err) != services.CodeUnsupportedFormat {
		t.Fatalf("expected unsupported format, got %v", err)
	}
}

func TestNonzeroExitCarriesStderr(t *testing.T) {
	stub := &stubExecutor{err: errors.New("exit status 1"), output: []byte("Invalid data found")}
	engine := New("ffmpeg", WithExecutor(stub))
	err := engine.Concat(context.Background(), ConcatRequest{Inputs: []string{"a"}, FPS: 24, Output: filepath.Join(t.TempDir(), "c.mp4")})
	svcErr := services.As(err)
	if svcErr == nil || svcErr.Code != services.CodeCodecFailed || svcErr.Details["stderr"] != "Invalid data found" {
		t.Fatalf("unexpected error %#v", err)
	}
}

func TestMissingParams(t *testing.T) {
	engine := New("ffmpeg", WithExecutor(&stubExecutor{}))
	if err := engine.Mux(context.Background(), MuxRequest{}); services.CodeOf(err) != services.CodeCodecFailed {
		t.Fatalf("expected codec failure, got %v", err)
	}
}

func TestVersionParsing(t *testing.T) {
	stub := &stubExecutor{output: []byte("ffmpeg version 6.1.1-3ubuntu5 Copyright (c) 2000-2023\nbuilt with gcc")}
	v, err := New("ffmpeg", WithExecutor(stub)).Version(context.Background())
	if err != nil || v != "6.1.1-3ubuntu5" {
		t.Fatalf("Version = %q, %v", v, err)
	}
}
