package comfyui

import (
	"slices"
	"strings"

	"vidax/internal/services"
)

// Workflow identifiers understood by PromptFor.
const (
	WorkflowWav2LipImage = "vidax_wav2lip_image"
	WorkflowWav2LipVideo = "vidax_wav2lip_video"
	WorkflowFaceProbe    = "vidax_faceprobe"
	WorkflowMotion       = "vidax_motion_chunks"
	WorkflowMouthBlend   = "vidax_lipsync_mouthblend"
	WorkflowTextToFrames = "vidax_text2img_frames"
)

const defaultCheckpoint = "v1-5-pruned-emaonly.safetensors"

// Node is one entry of a prompt graph.
type Node struct {
	ClassType string         `json:"class_type"`
	Inputs    map[string]any `json:"inputs"`
}

// Prompt is a node graph keyed by node id, plus builder metadata that is
// not submitted.
type Prompt struct {
	Nodes map[string]Node
	Meta  map[string]any
}

// ClassTypes lists the distinct node classes the prompt uses, sorted.
func (p Prompt) ClassTypes() []string {
	var classes []string
	for _, node := range p.Nodes {
		if !slices.Contains(classes, node.ClassType) {
			classes = append(classes, node.ClassType)
		}
	}
	slices.Sort(classes)
	return classes
}

// PromptInputs carries everything a workflow builder may use. Zero values
// fall back to builder defaults.
type PromptInputs struct {
	StartImageName  string
	StartVideoName  string
	AudioName       string
	FrameCount      int
	FPS             float64
	Width           int
	Height          int
	Seed            uint32
	Prompt          string
	Negative        string
	Steps           int
	CFG             float64
	Sampler         string
	Scheduler       string
	Checkpoint      string
	OutputPrefix    string
	Wav2LipMode     string
	FaceDetectBatch int
	Angles          []int
}

func link(node string, slot int) []any { return []any{node, slot} }

func positive(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func positiveFloat(v, fallback float64) float64 {
	if v > 0 {
		return v
	}
	return fallback
}

func orDefault(v, fallback string) string {
	if strings.TrimSpace(v) != "" {
		return v
	}
	return fallback
}

func wav2lipNode(images, audio []any, in PromptInputs) Node {
	return Node{ClassType: "Wav2Lip", Inputs: map[string]any{
		"images":            images,
		"audio":             audio,
		"mode":              orDefault(in.Wav2LipMode, "sequential"),
		"face_detect_batch": positive(in.FaceDetectBatch, 8),
	}}
}

func saveNode(images []any, prefix string) Node {
	return Node{ClassType: "SaveImage", Inputs: map[string]any{"images": images, "filename_prefix": prefix}}
}

// BuildWav2LipImagePrompt repeats the still image and lip-syncs it to audio.
func BuildWav2LipImagePrompt(in PromptInputs) Prompt {
	return Prompt{Nodes: map[string]Node{
		"1": {ClassType: "LoadImage", Inputs: map[string]any{"image": in.StartImageName}},
		"2": {ClassType: "RepeatImageBatch", Inputs: map[string]any{"image": link("1", 0), "amount": positive(in.FrameCount, 1)}},
		"3": {ClassType: "LoadAudio", Inputs: map[string]any{"audio": in.AudioName}},
		"4": wav2lipNode(link("2", 0), link("3", 0), in),
		"5": saveNode(link("4", 0), orDefault(in.OutputPrefix, "vidax_wav2lip")),
	}}
}

// BuildWav2LipVideoPrompt lip-syncs frames loaded from the start video.
func BuildWav2LipVideoPrompt(in PromptInputs) Prompt {
	return Prompt{Nodes: map[string]Node{
		"1": {ClassType: "VHS_LoadVideo", Inputs: map[string]any{
			"video":          in.StartVideoName,
			"force_rate":     positiveFloat(in.FPS, 25),
			"frame_load_cap": positive(in.FrameCount, 1),
			"force_size":     "Custom",
			"custom_width":   positive(in.Width, 854),
			"custom_height":  positive(in.Height, 480),
		}},
		"2": {ClassType: "LoadAudio", Inputs: map[string]any{"audio": in.AudioName}},
		"3": wav2lipNode(link("1", 0), link("2", 0), in),
		"4": saveNode(link("3", 0), orDefault(in.OutputPrefix, "vidax_wav2lip")),
	}}
}

// BuildFaceProbePrompt saves crop, debug and metadata views of the start
// image. The probe angles default to -30..30 in steps of 5.
func BuildFaceProbePrompt(in PromptInputs) Prompt {
	angles := slices.Clone(in.Angles)
	if len(angles) == 0 {
		for a := -30; a <= 30; a += 5 {
			angles = append(angles, a)
		}
	}
	prefix := orDefault(in.OutputPrefix, "vidax_faceprobe")
	return Prompt{
		Nodes: map[string]Node{
			"1": {ClassType: "LoadImage", Inputs: map[string]any{"image": in.StartImageName}},
			"2": saveNode(link("1", 0), prefix+"_crop"),
			"3": saveNode(link("1", 0), prefix+"_debug"),
			"4": saveNode(link("1", 0), prefix+"_meta"),
		},
		Meta: map[string]any{"angles": angles},
	}
}

// BuildMotionPrompt expands the still image into a frame batch.
func BuildMotionPrompt(in PromptInputs) Prompt {
	frames := positive(in.FrameCount, 16)
	return Prompt{
		Nodes: map[string]Node{
			"1": {ClassType: "LoadImage", Inputs: map[string]any{"image": in.StartImageName}},
			"2": {ClassType: "RepeatImageBatch", Inputs: map[string]any{"image": link("1", 0), "amount": frames}},
			"3": saveNode(link("2", 0), orDefault(in.OutputPrefix, "vidax_motion")),
		},
		Meta: map[string]any{"fps": positiveFloat(in.FPS, 8), "frame_count": frames},
	}
}

// BuildMouthBlendPrompt lip-syncs a repeated still and blends the mouth region.
func BuildMouthBlendPrompt(in PromptInputs) Prompt {
	frames := positive(in.FrameCount, 16)
	return Prompt{
		Nodes: map[string]Node{
			"1": {ClassType: "LoadImage", Inputs: map[string]any{"image": in.StartImageName}},
			"2": {ClassType: "RepeatImageBatch", Inputs: map[string]any{"image": link("1", 0), "amount": frames}},
			"3": {ClassType: "LoadAudio", Inputs: map[string]any{"audio": in.AudioName}},
			"4": wav2lipNode(link("2", 0), link("3", 0), in),
			"5": saveNode(link("4", 0), orDefault(in.OutputPrefix, "vidax_mouthblend")),
		},
		Meta: map[string]any{"fps": positiveFloat(in.FPS, 8), "frame_count": frames},
	}
}

// BuildTextToFramesPrompt builds a seeded text-to-image graph that renders
// FrameCount latents in one batch.
func BuildTextToFramesPrompt(in PromptInputs) Prompt {
	frames := positive(in.FrameCount, 1)
	return Prompt{
		Nodes: map[string]Node{
			"1": {ClassType: "CheckpointLoaderSimple", Inputs: map[string]any{"ckpt_name": orDefault(in.Checkpoint, defaultCheckpoint)}},
			"2": {ClassType: "CLIPTextEncode", Inputs: map[string]any{"text": in.Prompt, "clip": link("1", 1)}},
			"3": {ClassType: "CLIPTextEncode", Inputs: map[string]any{"text": in.Negative, "clip": link("1", 1)}},
			"4": {ClassType: "EmptyLatentImage", Inputs: map[string]any{
				"width":      positive(in.Width, 1024),
				"height":     positive(in.Height, 576),
				"batch_size": frames,
			}},
			"5": {ClassType: "KSampler", Inputs: map[string]any{
				"seed":         in.Seed,
				"steps":        positive(in.Steps, 20),
				"cfg":          positiveFloat(in.CFG, 7),
				"sampler_name": orDefault(in.Sampler, "euler"),
				"scheduler":    orDefault(in.Scheduler, "normal"),
				"denoise":      1.0,
				"model":        link("1", 0),
				"positive":     link("2", 0),
				"negative":     link("3", 0),
				"latent_image": link("4", 0),
			}},
			"6": {ClassType: "VAEDecode", Inputs: map[string]any{"samples": link("5", 0), "vae": link("1", 2)}},
			"7": saveNode(link("6", 0), orDefault(in.OutputPrefix, "vidax_frames")),
		},
		Meta: map[string]any{"frame_count": frames, "seed": in.Seed},
	}
}

var builders = map[string]func(PromptInputs) Prompt{
	WorkflowWav2LipImage: BuildWav2LipImagePrompt,
	WorkflowWav2LipVideo: BuildWav2LipVideoPrompt,
	WorkflowFaceProbe:    BuildFaceProbePrompt,
	WorkflowMotion:       BuildMotionPrompt,
	WorkflowMouthBlend:   BuildMouthBlendPrompt,
	WorkflowTextToFrames: BuildTextToFramesPrompt,
}

// KnownWorkflow reports whether id has a builder.
func KnownWorkflow(id string) bool {
	_, ok := builders[strings.TrimSpace(id)]
	return ok
}

// PromptFor builds the prompt for a workflow id.
func PromptFor(workflowID string, in PromptInputs) (Prompt, error) {
	build, ok := builders[strings.TrimSpace(workflowID)]
	if !ok {
		return Prompt{}, services.New(services.CodeValidation, "unknown workflow id", map[string]any{"workflow_id": workflowID})
	}
	return build(in), nil
}

// ProducesLipsync reports whether the workflow lip-syncs internally, which
// makes a separate lip-sync pass redundant.
func ProducesLipsync(workflowID string) bool {
	id := strings.ToLower(workflowID)
	return strings.Contains(id, "wav2lip") || strings.Contains(id, "lipsync") || strings.Contains(id, "mouthblend")
}
