package registration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"bifrost/internal/archive"
	"bifrost/internal/engine"
	"bifrost/internal/logging"
	"bifrost/internal/services"
	"bifrost/internal/volume"
	"bifrost/internal/warp"
)

// ApplyOptions configures replaying a registration onto another image.
type ApplyOptions struct {
	// AlignmentPath is a registration results directory or its archive file.
	AlignmentPath string
	Image         string
	// Label selects nearest-neighbour interpolation so label values survive.
	Label bool
	// ResultName overrides the output location. A value starting with "/" or
	// "./" is a path; anything else is a file name inside the results
	// directory.
	ResultName string
}

// OutputPath resolves where the transformed image is written.
func (o ApplyOptions) OutputPath() string {
	dir := o.AlignmentPath
	if strings.HasSuffix(dir, archive.FileName) {
		dir = filepath.Dir(dir)
	}
	switch {
	case o.ResultName == "":
		return filepath.Join(dir, inputName(o.Image)+"_transformed.nii")
	case strings.HasPrefix(o.ResultName, "/"), strings.HasPrefix(o.ResultName, "./"):
		return filepath.Clean(o.ResultName)
	default:
		return filepath.Join(dir, o.ResultName)
	}
}

func (o ApplyOptions) archivePath() string {
	if strings.HasSuffix(o.AlignmentPath, archive.FileName) {
		return o.AlignmentPath
	}
	return filepath.Join(o.AlignmentPath, archive.FileName)
}

func inputName(path string) string {
	base := filepath.Base(path)
	if idx := strings.Index(base, "."); idx > 0 {
		return base[:idx]
	}
	return base
}

// Applier replays archived transforms.
type Applier struct {
	Aligner engine.Aligner
	IO      volume.IO
	Logger  *slog.Logger
}

// Apply transforms opts.Image with every stage recorded in the archive, in
// chain order, and writes the result. It returns the output path.
func (a *Applier) Apply(ctx context.Context, opts ApplyOptions) (string, error) {
	if strings.TrimSpace(opts.AlignmentPath) == "" || strings.TrimSpace(opts.Image) == "" {
		return "", services.Wrap(services.ErrValidation, "transform", "validate", "alignment path and image are required", nil)
	}
	if a.Aligner == nil || a.IO == nil {
		return "", services.Wrap(services.ErrConfiguration, "transform", "init", "aligner and volume io are required", nil)
	}
	ctx = services.WithStep(ctx, "transform")
	logger := logging.WithContext(ctx, logging.NewComponentLogger(a.Logger, "registration"))

	arc, err := archive.Open(ctx, opts.archivePath())
	if err != nil {
		return "", err
	}
	defer func() { _ = arc.Close() }()

	chain, err := arc.Chain(ctx)
	if err != nil {
		return "", err
	}
	if err := chain.Validate(); err != nil {
		return "", err
	}
	if len(chain) == 0 {
		return "", services.Wrap(services.ErrValidation, "transform", "load", "archive holds no transforms", nil)
	}

	img, err := a.IO.Read(opts.Image)
	if err != nil {
		return "", services.Wrap(services.ErrValidation, "transform", "read image", opts.Image, err)
	}
	interp := volume.Linear
	if opts.Label {
		interp = volume.NearestNeighbor
	}
	logger.Info("applying transform",
		logging.String("chain", chain.String()),
		logging.String("interpolation", interp.String()),
	)

	out, err := a.applyLinear(ctx, arc, chain, img, interp)
	if err != nil {
		return "", err
	}
	if chain[len(chain)-1] == archive.StageSynthmorph {
		if out, err = a.applyLearned(ctx, arc, out, interp); err != nil {
			return "", err
		}
	}

	dst := opts.OutputPath()
	if err := a.IO.Write(dst, out); err != nil {
		return "", fmt.Errorf("write transformed image: %w", err)
	}
	logger.Info("transform applied",
		logging.String(logging.FieldEventType, "transform_complete"),
		logging.String("path", dst),
	)
	return dst, nil
}

// linearArtifacts returns the engine transforms of chain in application
// order: the last computed transform first.
func linearArtifacts(ctx context.Context, arc *archive.Archive, chain archive.Chain) ([]engine.Artifact, error) {
	var out []engine.Artifact
	for idx := len(chain) - 1; idx >= 0; idx-- {
		switch stage := chain[idx]; stage {
		case archive.StageAffine, archive.StageSynAffine:
			affine, err := arc.ReadAffine(ctx, string(stage))
			if err != nil {
				return nil, err
			}
			out = append(out, engine.Artifact{Affine: &affine})
		case archive.StageSynWarp:
			field, err := arc.ReadVolume(ctx, string(stage))
			if err != nil {
				return nil, err
			}
			out = append(out, engine.Artifact{Warp: &field})
		}
	}
	return out, nil
}

func (a *Applier) applyLinear(ctx context.Context, arc *archive.Archive, chain archive.Chain, img volume.Volume, interp volume.Interpolation) (volume.Volume, error) {
	transforms, err := linearArtifacts(ctx, arc, chain)
	if err != nil {
		return volume.Volume{}, err
	}
	if len(transforms) == 0 {
		return img, nil
	}
	reference, err := arc.ReadReferenceGeometry(ctx, FixedPrefix)
	if err != nil {
		return volume.Volume{}, fmt.Errorf("read reference geometry: %w", err)
	}
	out, err := a.Aligner.ApplyTransforms(ctx, reference, img, transforms, interp)
	if err != nil {
		return volume.Volume{}, services.Wrap(services.ErrExternalTool, "transform", "apply", "", err)
	}
	return out, nil
}

// applyLearned replays the learned warp in the predictor's axis order. The
// stored field is rescaled when the image grid differs from the grid the
// registration ran on.
func (a *Applier) applyLearned(ctx context.Context, arc *archive.Archive, img volume.Volume, interp volume.Interpolation) (volume.Volume, error) {
	var perm volume.Permutation
	if err := arc.Attr(ctx, "/", AttrTransposition, &perm); err != nil {
		return volume.Volume{}, fmt.Errorf("read transposition: %w", err)
	}
	stored, err := arc.ReadVolume(ctx, string(archive.StageSynthmorph))
	if err != nil {
		return volume.Volume{}, err
	}
	field, err := warp.FromVolume(stored)
	if err != nil {
		return volume.Volume{}, services.Wrap(services.ErrValidation, "transform", "load warp", "", err)
	}

	transposed, err := img.Transpose(perm)
	if err != nil {
		return volume.Volume{}, err
	}
	if field.Shape != transposed.Shape {
		if field, err = field.Upsample(transposed.Shape); err != nil {
			return volume.Volume{}, err
		}
	}
	warped, err := warp.Apply(transposed, field, interp)
	if err != nil {
		return volume.Volume{}, err
	}

	mask, err := a.mask(ctx, arc, perm, transposed.Shape)
	if err != nil {
		return volume.Volume{}, err
	}
	if mask != nil {
		if warped, err = warp.KeepMasked(warped, transposed, *mask); err != nil {
			return volume.Volume{}, err
		}
	}
	return warped.Transpose(perm.Inverse())
}

// mask carries the archived learned-warp mask through the linear stages and
// into the transposed frame at shape.
func (a *Applier) mask(ctx context.Context, arc *archive.Archive, perm volume.Permutation, shape [3]int) (*volume.Volume, error) {
	ok, err := arc.Has(ctx, archive.MaskName)
	if err != nil || !ok {
		return nil, err
	}
	mask, err := arc.ReadVolume(ctx, archive.MaskName)
	if err != nil {
		return nil, err
	}
	chain, err := arc.Chain(ctx)
	if err != nil {
		return nil, err
	}
	if mask, err = a.applyLinear(ctx, arc, chain, mask, volume.NearestNeighbor); err != nil {
		return nil, err
	}
	if mask, err = mask.Transpose(perm); err != nil {
		return nil, err
	}
	if mask.Shape != shape {
		if mask, err = mask.ResampleShape(shape, volume.NearestNeighbor); err != nil {
			return nil, err
		}
	}
	return &mask, nil
}

// Description summarizes an archive for display.
type Description struct {
	Chain         archive.Chain
	Transposition volume.Permutation
	MirrorAxis    int
	HasMask       bool
	Attrs         map[string]string
}

// Describe reads the chain and root attributes of the archive at path.
func Describe(ctx context.Context, path string) (Description, error) {
	opts := ApplyOptions{AlignmentPath: path}
	arc, err := archive.Open(ctx, opts.archivePath())
	if err != nil {
		return Description{}, err
	}
	defer func() { _ = arc.Close() }()

	desc := Description{MirrorAxis: -1, Attrs: map[string]string{}}
	if desc.Chain, err = arc.Chain(ctx); err != nil {
		return Description{}, err
	}
	if err := arc.Attr(ctx, "/", AttrTransposition, &desc.Transposition); err != nil && !errors.Is(err, services.ErrNotFound) {
		return Description{}, err
	}
	if err := arc.Attr(ctx, "/", AttrMirrorAxis, &desc.MirrorAxis); err != nil && !errors.Is(err, services.ErrNotFound) {
		return Description{}, err
	}
	if desc.HasMask, err = arc.Has(ctx, archive.MaskName); err != nil {
		return Description{}, err
	}
	attrs, err := arc.Attrs(ctx, "/")
	if err != nil {
		return Description{}, err
	}
	for key, raw := range attrs {
		desc.Attrs[key] = string(raw)
	}
	return desc, nil
}
