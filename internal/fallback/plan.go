// Package fallback renders a deterministic slow pan-and-zoom clip from a
// single still image when no generated visual is available.
package fallback

import (
	"fmt"
	"math"
)

// Phase returns the fractional part of sin(seed+offset)*10000. It is the
// only source of variation in a plan, so a seed always maps to the same motion.
func Phase(seed uint32, offset int) float64 {
	v := math.Sin(float64(seed)+float64(offset)) * 10000
	return v - math.Floor(v)
}

// Plan is the motion plan for one fallback clip.
type Plan struct {
	Seed       uint32
	Frames     int
	SrcWidth   int
	SrcHeight  int
	OutWidth   int
	OutHeight  int
	Direction  int
	StartZoom  float64
	TargetZoom float64
	PanX       float64
	PanY       float64
	baseWidth  float64
	baseHeight float64
}

// Crop is a source rectangle in pixel coordinates.
type Crop struct {
	X, Y, W, H float64
}

// NewPlan derives the motion plan for a seed and geometry.
func NewPlan(seed uint32, frames, srcW, srcH, outW, outH int) (Plan, error) {
	if frames < 2 {
		return Plan{}, fmt.Errorf("fallback plan: need at least 2 frames, got %d", frames)
	}
	if srcW <= 0 || srcH <= 0 || outW <= 0 || outH <= 0 {
		return Plan{}, fmt.Errorf("fallback plan: invalid geometry %dx%d -> %dx%d", srcW, srcH, outW, outH)
	}
	p := Plan{
		Seed:      seed,
		Frames:    frames,
		SrcWidth:  srcW,
		SrcHeight: srcH,
		OutWidth:  outW,
		OutHeight: outH,
		Direction: -1,
	}
	if Phase(seed, 1) > 0.5 {
		p.Direction = 1
	}
	p.StartZoom = 1.02 + Phase(seed, 2)*0.03
	p.TargetZoom = p.StartZoom + float64(p.Direction)*(0.04+Phase(seed, 3)*0.06)
	p.PanX = (Phase(seed, 4) - 0.5) * 0.12
	p.PanY = (Phase(seed, 5) - 0.5) * 0.12

	outAspect := float64(outW) / float64(outH)
	if float64(srcW)/float64(srcH) > outAspect {
		p.baseHeight = float64(srcH)
		p.baseWidth = float64(srcH) * outAspect
	} else {
		p.baseWidth = float64(srcW)
		p.baseHeight = float64(srcW) / outAspect
	}
	return p, nil
}

func (p Plan) progress(i int) float64 {
	if i <= 0 {
		return 0
	}
	if i >= p.Frames-1 {
		return 1
	}
	return float64(i) / float64(p.Frames-1)
}

// Zoom returns the interpolated zoom factor for frame i.
func (p Plan) Zoom(i int) float64 {
	return p.StartZoom + (p.TargetZoom-p.StartZoom)*p.progress(i)
}

// Crop returns the source rectangle shown in frame i. Zoom below 1 is
// treated as 1 so the crop never exceeds the source.
func (p Plan) Crop(i int) Crop {
	t := p.progress(i)
	zoom := math.Max(1, p.Zoom(i))
	w := p.baseWidth / zoom
	h := p.baseHeight / zoom
	x := float64(p.SrcWidth)/2 - w/2 + p.PanX*w*t
	y := float64(p.SrcHeight)/2 - h/2 + p.PanY*h*t
	return Crop{
		X: clamp(x, 0, float64(p.SrcWidth)-w),
		Y: clamp(y, 0, float64(p.SrcHeight)-h),
		W: w,
		H: h,
	}
}

func clamp(v, lo, hi float64) float64 {
	if hi < lo {
		hi = lo
	}
	return math.Min(math.Max(v, lo), hi)
}
