// Package engine defines the contracts between the orchestration core and
// its external collaborators: the registration solver that produces affine
// and diffeomorphic alignments, the learned warp predictor, and the
// preprocessing step applied to template inputs.
package engine

import (
	"context"
	"fmt"

	"bifrost/internal/volume"
	"bifrost/internal/warp"
)

// Kind selects the transform family an alignment solves for.
type Kind int

const (
	Affine Kind = iota
	SyN
)

func (k Kind) String() string {
	switch k {
	case Affine:
		return "Affine"
	case SyN:
		return "SyN"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Artifact is one forward transform produced by an alignment: exactly one of
// Affine or Warp is set. Warp is a displacement field in physical units on
// the fixed image's grid, stored as a three-component volume.
type Artifact struct {
	Affine *volume.Affine
	Warp   *volume.Volume
}

// IsWarp reports whether the artifact is a dense displacement field.
func (a Artifact) IsWarp() bool {
	return a.Warp != nil
}

// Result is the outcome of one alignment. Forward lists transforms in the
// order they are applied by ApplyTransforms: for SyN the warp comes first and
// its affine component second.
type Result struct {
	Warped  volume.Volume
	Forward []Artifact
}

// AffineArtifact returns the first affine among the forward transforms.
func (r Result) AffineArtifact() (volume.Affine, bool) {
	for _, a := range r.Forward {
		if a.Affine != nil {
			return *a.Affine, true
		}
	}
	return volume.Affine{}, false
}

// WarpArtifact returns the first dense warp among the forward transforms.
func (r Result) WarpArtifact() (volume.Volume, bool) {
	for _, a := range r.Forward {
		if a.Warp != nil {
			return *a.Warp, true
		}
	}
	return volume.Volume{}, false
}

// Aligner is the registration engine.
type Aligner interface {
	Align(ctx context.Context, fixed, moving volume.Volume, kind Kind) (Result, error)
	ApplyTransforms(ctx context.Context, fixed, moving volume.Volume, transforms []Artifact, interp volume.Interpolation) (volume.Volume, error)
}

// Predictor produces a dense warp, in voxel units of its inputs, aligning
// moving to fixed. Both inputs share the predictor's fixed input shape.
type Predictor interface {
	Predict(ctx context.Context, fixed, moving volume.Volume) (warp.Field, error)
}

// Preprocessor transforms the raw volume at src into dst.
type Preprocessor interface {
	Preprocess(ctx context.Context, src, dst string) error
}
