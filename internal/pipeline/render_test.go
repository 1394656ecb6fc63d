package pipeline_test

import (
	"testing"

	"vidax/internal/pipeline"
	"vidax/internal/services"
)

func TestClampRender(t *testing.T) {
	cases := []struct {
		name         string
		w, h         int
		maxW, maxH   int
		wantW, wantH int
	}{
		{"landscape to bounds", 1920, 1080, 1280, 720, 1280, 720},
		{"portrait limited by height", 1000, 3000, 1280, 720, 240, 720},
		{"odd sizes round down to even", 641, 361, 1280, 720, 640, 360},
		{"unbounded", 3000, 2000, 0, 0, 3000, 2000},
		{"tiny stays at least two", 1, 1, 1280, 720, 2, 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := pipeline.ClampRender(tc.w, tc.h, tc.maxW, tc.maxH, pipeline.RenderSourceProbe)
			if err != nil {
				t.Fatalf("ClampRender: %v", err)
			}
			if got.Width != tc.wantW || got.Height != tc.wantH || got.Source != pipeline.RenderSourceProbe {
				t.Fatalf("got %+v, want %dx%d", got, tc.wantW, tc.wantH)
			}
		})
	}
}

func TestClampRenderRejectsUnresolved(t *testing.T) {
	if _, err := pipeline.ClampRender(0, 720, 1280, 720, pipeline.RenderSourceConfig); services.CodeOf(err) != services.CodeValidation {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}
}

func TestEstimateFace(t *testing.T) {
	est := pipeline.EstimateFace(1000, 600)
	if est.Face != (pipeline.Box{X: 380, Y: 80, W: 240, H: 240}) {
		t.Fatalf("face = %+v", est.Face)
	}
	if est.Mouth != (pipeline.Box{X: 440, Y: 236, W: 120, H: 48}) {
		t.Fatalf("mouth = %+v", est.Mouth)
	}
	if est.Padding != 24 {
		t.Fatalf("padding = %d", est.Padding)
	}
}

func TestEstimateFaceStaysInsideImage(t *testing.T) {
	for _, dims := range [][2]int{{64, 48}, {48, 64}, {10, 10}, {1920, 1080}} {
		est := pipeline.EstimateFace(dims[0], dims[1])
		if est.Face.X < 0 || est.Face.Y < 0 || est.Face.X+est.Face.W > dims[0] || est.Face.Y+est.Face.H > dims[1] {
			t.Fatalf("face %+v outside %dx%d", est.Face, dims[0], dims[1])
		}
		if est.Mouth.Y+est.Mouth.H > est.Face.Y+est.Face.H {
			t.Fatalf("mouth %+v below face %+v", est.Mouth, est.Face)
		}
	}
}
