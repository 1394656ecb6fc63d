package comfyui

import (
	"testing"

	"vidax/internal/services"
)

func TestParseHistoryArtifacts(t *testing.T) {
	data := []byte(`{"p1":{"outputs":{
		"10":{"images":[{"filename":"b.png","subfolder":"","type":"output"}]},
		"9":{"images":[{"filename":"a.png","subfolder":"s","type":"output"}],"extras":[{"filename":"x.webm","type":"output"}],"text":["ignored"]}
	},"status":{"status_str":"success","completed":true,"messages":[]}}}`)
	entry, found, err := ParseHistory("p1", data)
	if err != nil || !found {
		t.Fatalf("ParseHistory: found=%v err=%v", found, err)
	}
	if !entry.Completed || entry.Failed {
		t.Fatalf("unexpected status %+v", entry)
	}
	if len(entry.Artifacts) != 3 {
		t.Fatalf("expected 3 artifacts, got %+v", entry.Artifacts)
	}
	if entry.Artifacts[0].Node != "9" || entry.Artifacts[2].Node != "10" {
		t.Fatalf("expected numeric node order, got %+v", entry.Artifacts)
	}
	if entry.Artifacts[0].Kind != "extras" || !entry.Artifacts[0].IsVideo() {
		t.Fatalf("expected unknown artifact-shaped key accepted, got %+v", entry.Artifacts[0])
	}
	if entry.Artifacts[1].Filename != "a.png" || entry.Artifacts[1].IsVideo() {
		t.Fatalf("unexpected still artifact %+v", entry.Artifacts[1])
	}
}

func TestParseHistoryMissingEntry(t *testing.T) {
	_, found, err := ParseHistory("p1", []byte(`{}`))
	if err != nil || found {
		t.Fatalf("expected not found, got found=%v err=%v", found, err)
	}
}

func TestParseHistoryRejectsUnexpectedShapes(t *testing.T) {
	cases := map[string]string{
		"not object":       `[]`,
		"scalar output":    `{"p1":{"outputs":{"9":{"images":"a.png"}}}}`,
		"unknown object":   `{"p1":{"outputs":{"9":{"meta":{"k":1}}}}}`,
		"image lacks name": `{"p1":{"outputs":{"9":{"images":[{"subfolder":""}]}}}}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := ParseHistory("p1", []byte(payload))
			if services.CodeOf(err) != services.CodeGenerationBadResponse {
				t.Fatalf("expected bad response, got %v", err)
			}
		})
	}
}

func TestParseHistoryExecutionError(t *testing.T) {
	data := []byte(`{"p1":{"outputs":{},"status":{"status_str":"error","completed":false,"messages":[
		["execution_start",{"prompt_id":"p1"}],
		["execution_error",{"node_type":"Wav2Lip","exception_message":"no face detected"}]
	]}}}`)
	entry, found, err := ParseHistory("p1", data)
	if err != nil || !found {
		t.Fatalf("ParseHistory: %v", err)
	}
	if !entry.Failed || entry.StatusMessage != "Wav2Lip: no face detected" {
		t.Fatalf("unexpected entry %+v", entry)
	}
}

func TestOrderFrames(t *testing.T) {
	ordered := OrderFrames([]Artifact{
		{Filename: "f_00002.png", Index: 0},
		{Filename: "f_00001.png", Subfolder: "b", Index: 1},
		{Filename: "f_00001.png", Subfolder: "a", Index: 2},
	})
	if ordered[0].Subfolder != "a" || ordered[1].Subfolder != "b" || ordered[2].Filename != "f_00002.png" {
		t.Fatalf("unexpected order %+v", ordered)
	}
}
