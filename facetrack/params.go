package facetrack

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// MatchingAlgorithm selects how observations are assigned to identities
// within a single frame.
type MatchingAlgorithm string

const (
	// MatchingAlgorithmGreedy assigns observations in descending score order
	// via a priority heap. Fast, may be suboptimal on crowded frames.
	MatchingAlgorithmGreedy MatchingAlgorithm = "greedy"
	// MatchingAlgorithmHungarian solves the optimal assignment over the
	// frame's full score matrix (Kuhn-Munkres).
	MatchingAlgorithmHungarian MatchingAlgorithm = "hungarian"
)

// Params is the typed tracker configuration. The legacy engine configured
// trackers with "name=value;" strings; that encoding survives only at the
// boundary via ParseParams/Encode.
type Params struct {
	// MatchThreshold is the minimum similarity to attach an observation to
	// an existing identity. Below it a new identity is created.
	MatchThreshold float64 `yaml:"match_threshold"`
	// MergeThreshold is the minimum similarity for an unobserved identity to
	// accumulate a merge streak against a matched one.
	MergeThreshold float64 `yaml:"merge_threshold"`
	// SimilarThreshold is the floor for SimilarIDList results.
	SimilarThreshold float64 `yaml:"similar_threshold"`
	// MergeWindow is the number of consecutive frames a pair must stay
	// mutually similar before the identities merge.
	MergeWindow int `yaml:"merge_window"`
	// MemoryLimit bounds the number of purge-eligible identities kept by
	// PurgeStale. Zero means unbounded.
	MemoryLimit int `yaml:"memory_limit"`
	// SmoothRegions enables Kalman smoothing of reported face regions.
	SmoothRegions bool `yaml:"smooth_regions"`
	// FrameInterval is the time step between frames used by the smoother.
	FrameInterval float64 `yaml:"frame_interval"`
	// Algorithm selects the per-frame assignment algorithm.
	Algorithm MatchingAlgorithm `yaml:"algorithm"`
}

// DefaultParams returns the parameter set used when the caller does not
// override anything.
func DefaultParams() Params {
	return Params{
		MatchThreshold:   0.85,
		MergeThreshold:   0.75,
		SimilarThreshold: 0.60,
		MergeWindow:      3,
		MemoryLimit:      0,
		SmoothRegions:    true,
		FrameInterval:    1.0,
		Algorithm:        MatchingAlgorithmGreedy,
	}
}

// Validate checks parameter ranges and threshold ordering.
func (p Params) Validate() error {
	for name, v := range map[string]float64{
		"MatchThreshold":   p.MatchThreshold,
		"MergeThreshold":   p.MergeThreshold,
		"SimilarThreshold": p.SimilarThreshold,
	} {
		if v < 0.0 || v > 1.0 {
			return errors.Errorf("parameter %s must be in [0.0; 1.0], got %f", name, v)
		}
	}
	if p.MergeThreshold > p.MatchThreshold {
		return errors.Errorf("MergeThreshold (%f) must not exceed MatchThreshold (%f)", p.MergeThreshold, p.MatchThreshold)
	}
	if p.MergeWindow < 1 {
		return errors.Errorf("MergeWindow must be positive, got %d", p.MergeWindow)
	}
	if p.MemoryLimit < 0 {
		return errors.Errorf("MemoryLimit must not be negative, got %d", p.MemoryLimit)
	}
	if p.FrameInterval <= 0 {
		return errors.Errorf("FrameInterval must be positive, got %f", p.FrameInterval)
	}
	switch p.Algorithm {
	case MatchingAlgorithmGreedy, MatchingAlgorithmHungarian:
	default:
		return errors.Errorf("unknown matching algorithm %q", p.Algorithm)
	}
	return nil
}

// Set applies a single named parameter given as a string value.
func (p *Params) Set(name, value string) error {
	switch name {
	case "MatchThreshold", "MergeThreshold", "SimilarThreshold", "FrameInterval":
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return errors.Wrapf(err, "can't parse parameter %s", name)
		}
		switch name {
		case "MatchThreshold":
			p.MatchThreshold = v
		case "MergeThreshold":
			p.MergeThreshold = v
		case "SimilarThreshold":
			p.SimilarThreshold = v
		case "FrameInterval":
			p.FrameInterval = v
		}
	case "MergeWindow", "MemoryLimit":
		v, err := strconv.Atoi(value)
		if err != nil {
			return errors.Wrapf(err, "can't parse parameter %s", name)
		}
		if name == "MergeWindow" {
			p.MergeWindow = v
		} else {
			p.MemoryLimit = v
		}
	case "SmoothRegions":
		v, err := strconv.ParseBool(value)
		if err != nil {
			return errors.Wrapf(err, "can't parse parameter %s", name)
		}
		p.SmoothRegions = v
	case "Algorithm":
		p.Algorithm = MatchingAlgorithm(value)
	default:
		return errors.Errorf("unknown tracker parameter %q", name)
	}
	return nil
}

// Get returns a single named parameter as a string value.
func (p Params) Get(name string) (string, error) {
	switch name {
	case "MatchThreshold":
		return formatFloat(p.MatchThreshold), nil
	case "MergeThreshold":
		return formatFloat(p.MergeThreshold), nil
	case "SimilarThreshold":
		return formatFloat(p.SimilarThreshold), nil
	case "FrameInterval":
		return formatFloat(p.FrameInterval), nil
	case "MergeWindow":
		return strconv.Itoa(p.MergeWindow), nil
	case "MemoryLimit":
		return strconv.Itoa(p.MemoryLimit), nil
	case "SmoothRegions":
		return strconv.FormatBool(p.SmoothRegions), nil
	case "Algorithm":
		return string(p.Algorithm), nil
	}
	return "", errors.Errorf("unknown tracker parameter %q", name)
}

// ParseParams parses a legacy "name=value;name=value;" parameter string,
// applying the pairs on top of DefaultParams.
func ParseParams(s string) (Params, error) {
	p := DefaultParams()
	for _, pair := range strings.Split(s, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, value, found := strings.Cut(pair, "=")
		if !found {
			return Params{}, errors.Errorf("malformed parameter pair %q", pair)
		}
		if err := p.Set(strings.TrimSpace(name), strings.TrimSpace(value)); err != nil {
			return Params{}, err
		}
	}
	if err := p.Validate(); err != nil {
		return Params{}, err
	}
	return p, nil
}

// ParamsFromYAML decodes parameters from a YAML document, applying the
// fields on top of DefaultParams.
func ParamsFromYAML(data []byte) (Params, error) {
	p := DefaultParams()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Params{}, errors.Wrap(err, "can't decode tracker parameters")
	}
	if err := p.Validate(); err != nil {
		return Params{}, err
	}
	return p, nil
}

// Encode serializes parameters back into the legacy "name=value;" form.
func (p Params) Encode() string {
	var b strings.Builder
	for _, name := range []string{
		"MatchThreshold", "MergeThreshold", "SimilarThreshold",
		"MergeWindow", "MemoryLimit", "SmoothRegions", "FrameInterval", "Algorithm",
	} {
		value, _ := p.Get(name)
		fmt.Fprintf(&b, "%s=%s;", name, value)
	}
	return b.String()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
