package facetrack

import (
	"context"
	"image"

	"github.com/pkg/errors"
)

// stubFace is a scripted detection: a region plus the template label the
// stub engine extracts for it.
type stubFace struct {
	region Rectangle
	label  string
}

// stubEngine is a scripted collaborator. Templates are string labels,
// similarity comes from a symmetric lookup table (1.0 for equal labels,
// 0.0 for unknown pairs).
type stubEngine struct {
	frames     [][]stubFace
	current    []stubFace
	frameIdx   int
	sims       map[string]float64
	detectErr  error
	extractErr error
	matchErr   error
}

func newStubEngine(frames ...[]stubFace) *stubEngine {
	return &stubEngine{
		frames: frames,
		sims:   make(map[string]float64),
	}
}

func simKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

func (e *stubEngine) setSim(a, b string, score float64) {
	e.sims[simKey(a, b)] = score
}

func (e *stubEngine) Match(a, b Template) (float64, error) {
	if e.matchErr != nil {
		return 0, e.matchErr
	}
	if string(a) == string(b) {
		return 1.0, nil
	}
	return e.sims[simKey(string(a), string(b))], nil
}

func (e *stubEngine) Detect(_ context.Context, _ image.Image) ([]Rectangle, error) {
	if e.detectErr != nil {
		return nil, e.detectErr
	}
	if e.frameIdx >= len(e.frames) {
		e.current = nil
		return nil, nil
	}
	e.current = e.frames[e.frameIdx]
	e.frameIdx++
	regions := make([]Rectangle, len(e.current))
	for i, face := range e.current {
		regions[i] = face.region
	}
	return regions, nil
}

func (e *stubEngine) ExtractTemplate(_ context.Context, _ image.Image, region Rectangle) (Template, error) {
	if e.extractErr != nil {
		return nil, e.extractErr
	}
	for _, face := range e.current {
		if face.region == region {
			return Template(face.label), nil
		}
	}
	return nil, errors.Errorf("no scripted face for region %+v", region)
}

// plainParams returns defaults with region smoothing off, so tests see the
// raw detection regions.
func plainParams() Params {
	p := DefaultParams()
	p.SmoothRegions = false
	return p
}

func testImage() image.Image {
	return image.NewGray(image.Rect(0, 0, 64, 64))
}
