package job

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"vidax/internal/services"
)

// ProduceOptions is the short-form job description accepted by the produce
// command. Start may be a still image or a video; the kind is inferred from
// its extension.
type ProduceOptions struct {
	Start            string
	Audio            string
	End              string
	Prompt           string
	Negative         string
	PreSeconds       float64
	PostSeconds      float64
	FPS              float64
	Resolution       string
	Width            int
	Height           int
	Seed             string
	SeedPolicy       string
	Steps            int
	CFG              float64
	Sampler          string
	Scheduler        string
	WorkflowID       string
	Server           string
	Workdir          string
	FinalName        string
	LipsyncProvider  string
	DisableLipsync   bool
	AllowPassthrough bool
}

// ProduceDefaults fills values the options leave empty.
type ProduceDefaults struct {
	Server     string
	WorkflowID string
	Workdir    string
	FPS        float64
	Width      int
	Height     int
	FinalName  string
}

// DefaultProduceDefaults returns the stock produce defaults.
func DefaultProduceDefaults() ProduceDefaults {
	return ProduceDefaults{
		Server:     "http://127.0.0.1:8188",
		WorkflowID: "vidax_text2img_frames",
		FPS:        25,
		Width:      1024,
		Height:     576,
		FinalName:  DefaultFinalName,
	}
}

// FromProduce expands produce options into a complete job document.
func FromProduce(opts ProduceOptions, defaults ProduceDefaults, runID string) (*Job, error) {
	if strings.TrimSpace(opts.Audio) == "" {
		return nil, services.New(services.CodeValidation, "audio input is required", nil)
	}
	if strings.TrimSpace(opts.Start) == "" {
		return nil, services.New(services.CodeValidation, "start input is required", nil)
	}
	if strings.TrimSpace(opts.Prompt) == "" {
		return nil, services.New(services.CodeValidation, "prompt is required", nil)
	}

	input := &Input{Audio: opts.Audio, EndImage: opts.End}
	switch {
	case IsImagePath(opts.Start):
		input.StartImage = opts.Start
	case IsVideoPath(opts.Start):
		input.StartVideo = opts.Start
	default:
		return nil, services.New(services.CodeUnsupportedFormat, "unsupported start input format", map[string]any{"start": opts.Start})
	}

	width, height, err := resolveResolution(opts, defaults)
	if err != nil {
		return nil, err
	}
	fps := opts.FPS
	if fps == 0 {
		fps = defaults.FPS
	}
	workdir := opts.Workdir
	if workdir == "" {
		workdir = defaults.Workdir
	}
	if workdir == "" {
		workdir = filepath.Join("workdir", "run-"+runID)
	}
	if abs, err := filepath.Abs(workdir); err == nil {
		workdir = abs
	}

	params := &Params{
		Prompt:    opts.Prompt,
		Negative:  opts.Negative,
		Width:     json.Number(strconv.Itoa(width)),
		Height:    json.Number(strconv.Itoa(height)),
		Sampler:   opts.Sampler,
		Scheduler: opts.Scheduler,
	}
	if opts.Steps > 0 {
		params.Steps = json.Number(strconv.Itoa(opts.Steps))
	}
	if opts.CFG != 0 {
		params.CFG = json.Number(strconv.FormatFloat(opts.CFG, 'f', -1, 64))
	}

	audioMaster := true
	emit := true
	lipsyncEnabled := !opts.DisableLipsync
	job := &Job{
		Input:  input,
		Buffer: &Buffer{PreSeconds: opts.PreSeconds, PostSeconds: opts.PostSeconds},
		Motion: &Motion{Prompt: opts.Prompt, Guidance: 7.5},
		Output: &Output{
			Workdir:      workdir,
			FinalName:    firstNonEmpty(opts.FinalName, defaults.FinalName, DefaultFinalName),
			EmitManifest: &emit,
			EmitLogs:     &emit,
		},
		Determinism: &Determinism{FPS: &fps, AudioMaster: &audioMaster, FrameRounding: RoundingCeil},
		ComfyUI: &ComfyUI{
			Server:      firstNonEmpty(opts.Server, defaults.Server),
			WorkflowIDs: []string{firstNonEmpty(opts.WorkflowID, defaults.WorkflowID)},
			SeedPolicy:  firstNonEmpty(opts.SeedPolicy, SeedPolicyFixed),
			Seed:        json.Number(strings.TrimSpace(opts.Seed)),
			Params:      params,
		},
	}
	if lipsyncEnabled && opts.LipsyncProvider != "" {
		job.Lipsync = &Lipsync{Enable: &lipsyncEnabled, Provider: opts.LipsyncProvider, AllowPassthrough: opts.AllowPassthrough}
	} else if !lipsyncEnabled {
		job.Lipsync = &Lipsync{Enable: &lipsyncEnabled}
	}
	return job, nil
}

func resolveResolution(opts ProduceOptions, defaults ProduceDefaults) (int, int, error) {
	if res := strings.ToLower(strings.TrimSpace(opts.Resolution)); res != "" {
		w, h, ok := strings.Cut(res, "x")
		if !ok {
			return 0, 0, services.New(services.CodeValidation, fmt.Sprintf("resolution %q must be WIDTHxHEIGHT", opts.Resolution), map[string]any{"field": "resolution"})
		}
		width, errW := strconv.Atoi(strings.TrimSpace(w))
		height, errH := strconv.Atoi(strings.TrimSpace(h))
		if errW != nil || errH != nil || width <= 0 || height <= 0 {
			return 0, 0, services.New(services.CodeValidation, fmt.Sprintf("resolution %q must be WIDTHxHEIGHT", opts.Resolution), map[string]any{"field": "resolution"})
		}
		return width, height, nil
	}
	width, height := opts.Width, opts.Height
	if width <= 0 {
		width = defaults.Width
	}
	if height <= 0 {
		height = defaults.Height
	}
	return width, height, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
