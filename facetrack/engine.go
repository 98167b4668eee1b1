package facetrack

import (
	"context"
	"image"
)

// Template is a face embedding produced by the external recognition engine.
// It is an opaque fixed-size byte buffer and is immutable once created.
type Template []byte

// Clone returns an independent copy of the template.
func (t Template) Clone() Template {
	if t == nil {
		return nil
	}
	cp := make(Template, len(t))
	copy(cp, t)
	return cp
}

// Matcher compares two templates and returns similarity in range [0.0; 1.0].
// Higher value means more similar faces.
type Matcher interface {
	Match(a, b Template) (float64, error)
}

// Engine is the external face recognition collaborator. Detection, template
// extraction and matching all live in the wrapped engine; the tracker only
// consumes the results.
type Engine interface {
	Matcher
	// Detect returns face regions found on the image. Empty slice is a valid result.
	Detect(ctx context.Context, img image.Image) ([]Rectangle, error)
	// ExtractTemplate computes the embedding for a single face region.
	ExtractTemplate(ctx context.Context, img image.Image, region Rectangle) (Template, error)
}

// Observation is a single detected face on a single frame. It exists only
// during one FeedFrame call and is never stored.
type Observation struct {
	Region   Rectangle
	Template Template
}
