package job

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"vidax/internal/services"
)

func writeMedia(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("media"), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func validJob(t *testing.T) *Job {
	t.Helper()
	dir := t.TempDir()
	fps := 24.0
	disabled := false
	return &Job{
		Input: &Input{
			StartImage: writeMedia(t, dir, "start.png"),
			Audio:      writeMedia(t, dir, "voice.wav"),
		},
		Determinism: &Determinism{FPS: &fps},
		ComfyUI:     &ComfyUI{Enable: &disabled},
		Output:      &Output{Workdir: filepath.Join(dir, "run")},
	}
}

func hasError(res Result, field string, code services.Code) bool {
	for _, e := range res.Errors {
		if e.Field == field && e.Code == code {
			return true
		}
	}
	return false
}

func TestValidateAcceptsMinimalJob(t *testing.T) {
	res := Validate(validJob(t))
	if !res.Valid {
		t.Fatalf("expected valid job, got %+v", res.Errors)
	}
	if res.Err() != nil {
		t.Fatal("expected nil error for valid result")
	}
}

func TestValidateStartExclusivity(t *testing.T) {
	j := validJob(t)
	j.Input.StartVideo = writeMedia(t, t.TempDir(), "clip.mp4")
	if res := Validate(j); !hasError(res, "input.start_image", services.CodeValidation) {
		t.Fatalf("expected exclusivity error, got %+v", res.Errors)
	}

	j = validJob(t)
	j.Input.StartImage = ""
	if res := Validate(j); !hasError(res, "input.start_image", services.CodeValidation) {
		t.Fatalf("expected missing start error, got %+v", res.Errors)
	}
}

func TestValidateMediaCodes(t *testing.T) {
	j := validJob(t)
	j.Input.Audio = writeMedia(t, t.TempDir(), "voice.ogg")
	j.Input.EndImage = filepath.Join(t.TempDir(), "missing.png")
	res := Validate(j)
	if !hasError(res, "input.audio", services.CodeUnsupportedFormat) {
		t.Fatalf("expected unsupported format for audio, got %+v", res.Errors)
	}
	if !hasError(res, "input.end_image", services.CodeInputNotFound) {
		t.Fatalf("expected input not found for end image, got %+v", res.Errors)
	}
}

func TestValidateOutputRules(t *testing.T) {
	cases := []string{"../escape.mp4", "sub/final.mp4", "..", "."}
	for _, name := range cases {
		j := validJob(t)
		j.Output.FinalName = name
		if res := Validate(j); !hasError(res, "output.final_name", services.CodeValidation) {
			t.Fatalf("expected final_name %q to be rejected, got %+v", name, res.Errors)
		}
	}
	j := validJob(t)
	off := false
	j.Output.EmitManifest = &off
	j.Output.Workdir = ""
	res := Validate(j)
	if !hasError(res, "output.emit_manifest", services.CodeValidation) || !hasError(res, "output.workdir", services.CodeValidation) {
		t.Fatalf("expected manifest and workdir errors, got %+v", res.Errors)
	}
}

func TestValidateDeterminism(t *testing.T) {
	j := validJob(t)
	j.Determinism.FPS = nil
	j.Determinism.FrameRounding = "floor"
	res := Validate(j)
	if !hasError(res, "determinism.fps", services.CodeValidation) {
		t.Fatalf("expected fps error, got %+v", res.Errors)
	}
	if !hasError(res, "determinism.frame_rounding", services.CodeValidation) {
		t.Fatalf("expected rounding error, got %+v", res.Errors)
	}
}

func TestValidateGenerationRules(t *testing.T) {
	j := validJob(t)
	j.ComfyUI = &ComfyUI{}
	res := Validate(j)
	if !hasError(res, "comfyui.workflow_ids", services.CodeValidation) {
		t.Fatalf("expected workflow id error when enabled, got %+v", res.Errors)
	}

	j = validJob(t)
	j.ComfyUI = &ComfyUI{WorkflowIDs: []string{"vidax_wav2lip_image"}}
	if res := Validate(j); !hasError(res, "comfyui.server", services.CodeValidation) {
		t.Fatalf("expected server error, got %+v", res.Errors)
	}
}

func TestValidateSeedRules(t *testing.T) {
	cases := []struct {
		seed   json.Number
		policy string
		valid  bool
	}{
		{"42", "", true},
		{"4294967295", SeedPolicyFixed, true},
		{"4294967296", "", false},
		{"-1", "", false},
		{"1.5", "", false},
		{"7", SeedPolicyRandom, false},
		{"", SeedPolicyRandom, true},
		{"", "sometimes", false},
	}
	for _, tc := range cases {
		j := validJob(t)
		j.ComfyUI.Seed = tc.seed
		j.ComfyUI.SeedPolicy = tc.policy
		res := Validate(j)
		if res.Valid != tc.valid {
			t.Fatalf("seed %q policy %q: valid=%v errors=%+v", tc.seed, tc.policy, res.Valid, res.Errors)
		}
	}
}

func TestValidateParams(t *testing.T) {
	j := validJob(t)
	j.ComfyUI.Params = &Params{Width: "512.5", Steps: "0", CFG: "7"}
	res := Validate(j)
	if !hasError(res, "comfyui.params.width", services.CodeValidation) || !hasError(res, "comfyui.params.steps", services.CodeValidation) {
		t.Fatalf("expected params errors, got %+v", res.Errors)
	}
	if hasError(res, "comfyui.params.cfg", services.CodeValidation) {
		t.Fatalf("cfg 7 should be accepted: %+v", res.Errors)
	}
}

func TestValidateLipsyncProvider(t *testing.T) {
	j := validJob(t)
	j.Lipsync = &Lipsync{}
	if res := Validate(j); !hasError(res, "lipsync.provider", services.CodeValidation) {
		t.Fatalf("expected provider required, got %+v", res.Errors)
	}
	off := false
	j.Lipsync = &Lipsync{Enable: &off, Provider: "wav2lip"}
	if res := Validate(j); !hasError(res, "lipsync.provider", services.CodeValidation) {
		t.Fatalf("expected provider forbidden, got %+v", res.Errors)
	}
}

func TestValidateDoesNotMutate(t *testing.T) {
	j := validJob(t)
	before, _ := json.Marshal(j)
	Validate(j)
	after, _ := json.Marshal(j)
	if string(before) != string(after) {
		t.Fatalf("job mutated by validation:\n%s\n%s", before, after)
	}
}

func TestValidationErrCarriesDetails(t *testing.T) {
	res := Validate(&Job{})
	err := res.Err()
	if services.CodeOf(err) != services.CodeValidation {
		t.Fatalf("expected validation code, got %v", services.CodeOf(err))
	}
	svcErr := services.As(err)
	if svcErr == nil || svcErr.Details["errors"] == nil {
		t.Fatalf("expected field errors in details, got %#v", svcErr)
	}
}

func TestParseYAMLMatchesJSON(t *testing.T) {
	yamlDoc := []byte(`
input:
  start_image: a.png
  audio: b.wav
determinism:
  fps: 24
  frame_rounding: round
comfyui:
  enable: true
  server: http://127.0.0.1:8188
  workflow_ids: [vidax_wav2lip_image]
  seed: 1234
  params:
    width: 640
lipsync:
  provider: wav2lip
  params:
    pads: 4
    allow_passthrough: true
output:
  workdir: /tmp/run
`)
	j, err := Parse(yamlDoc, FormatYAML)
	if err != nil {
		t.Fatalf("parse yaml: %v", err)
	}
	if j.FPS() != 24 || j.FrameRounding() != RoundingRound {
		t.Fatalf("unexpected determinism: %+v", j.Determinism)
	}
	if j.Seed() != "1234" || j.ComfyUI.Params.Width != "640" {
		t.Fatalf("unexpected comfy fields: %+v", j.ComfyUI)
	}
	if !j.AllowPassthrough() {
		t.Fatal("expected passthrough from params")
	}
	if _, ok := j.LipsyncParams()["allow_passthrough"]; ok {
		t.Fatal("runner flag must not be forwarded to provider params")
	}
	if !j.GenerationEnabled() || !j.LipsyncEnabled() {
		t.Fatal("expected generation and lipsync enabled")
	}
}

func TestLoadByExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "job.json")
	if err := os.WriteFile(path, []byte(`{"input":{"audio":"a.wav"},"output":{"workdir":"w"}}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	j, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if j.AudioPath() != "a.wav" || j.FinalName() != DefaultFinalName {
		t.Fatalf("unexpected job: %+v", j)
	}
	if _, err := Load(filepath.Join(dir, "missing.json")); services.CodeOf(err) != services.CodeInputNotFound {
		t.Fatalf("expected input not found, got %v", err)
	}
	if _, err := Parse([]byte("{"), FormatJSON); services.CodeOf(err) != services.CodeValidation {
		t.Fatalf("expected validation error for bad json, got %v", err)
	}
}

func TestCloneIsDeep(t *testing.T) {
	j := validJob(t)
	j.ComfyUI.WorkflowIDs = []string{"a"}
	j.Lipsync = &Lipsync{Provider: "p", Params: map[string]any{"k": 1}}
	c := j.Clone()
	c.ComfyUI.WorkflowIDs[0] = "b"
	c.Lipsync.Params["k"] = 2
	*c.Determinism.FPS = 30
	if j.ComfyUI.WorkflowIDs[0] != "a" || j.Lipsync.Params["k"] != 1 || j.FPS() != 24 {
		t.Fatal("clone shares state with original")
	}
}

func TestFromProduce(t *testing.T) {
	dir := t.TempDir()
	j, err := FromProduce(ProduceOptions{
		Start:      writeMedia(t, dir, "face.jpg"),
		Audio:      writeMedia(t, dir, "voice.mp3"),
		Prompt:     "gentle nod",
		Resolution: "640x360",
		Workdir:    filepath.Join(dir, "out"),
	}, DefaultProduceDefaults(), "abc")
	if err != nil {
		t.Fatalf("FromProduce: %v", err)
	}
	if !j.HasStartImage() || j.ComfyUI.Params.Width != "640" || j.ComfyUI.Params.Height != "360" {
		t.Fatalf("unexpected produced job: %+v", j.ComfyUI.Params)
	}
	if j.FPS() != 25 || j.WorkflowIDs()[0] != "vidax_text2img_frames" {
		t.Fatalf("expected defaults applied: fps=%v ids=%v", j.FPS(), j.WorkflowIDs())
	}
	if res := Validate(j); !res.Valid {
		t.Fatalf("produced job should validate: %+v", res.Errors)
	}

	if _, err := FromProduce(ProduceOptions{Start: "x.gif", Audio: "a.wav", Prompt: "p"}, DefaultProduceDefaults(), "id"); services.CodeOf(err) != services.CodeUnsupportedFormat {
		t.Fatalf("expected unsupported format, got %v", err)
	}
	if _, err := FromProduce(ProduceOptions{Start: "x.png", Audio: "a.wav", Prompt: "p", Resolution: "wide"}, DefaultProduceDefaults(), "id"); services.CodeOf(err) != services.CodeValidation {
		t.Fatalf("expected validation error for bad resolution, got %v", err)
	}
}
