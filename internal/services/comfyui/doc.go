// Package comfyui talks to a ComfyUI-compatible generation backend.
//
// The Client covers the HTTP surface the pipeline needs: health probing,
// capability discovery, input staging, prompt submission, history polling
// with stall detection, and artifact download. Workflow builders in
// workflows.go produce the node graphs submitted for each workflow id.
// History responses are decoded by an explicit parser so that unexpected
// output shapes surface as GENERATION_BAD_RESPONSE instead of being ignored.
package comfyui
