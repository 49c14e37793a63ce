package archive

import (
	"context"
	"fmt"
	"strings"

	"bifrost/internal/services"
	"bifrost/internal/volume"
)

// Stage names one link of a registration's transform chain.
type Stage string

const (
	StageAffine     Stage = "/affine"
	StageSynAffine  Stage = "/syn/affine"
	StageSynWarp    Stage = "/syn/forward_warp"
	StageSynthmorph Stage = "/synthmorph"
)

// MaskName is the optional learned-warp mask dataset.
const MaskName = "/synthmorph_mask"

var stageOrder = []Stage{StageAffine, StageSynAffine, StageSynWarp, StageSynthmorph}

func (s Stage) rank() int {
	for i, candidate := range stageOrder {
		if candidate == s {
			return i
		}
	}
	return -1
}

// Chain is the ordered list of stages present in an archive.
type Chain []Stage

// Validate checks that every stage is known, appears once, and follows the
// fixed order affine, syn/affine, syn/forward_warp, synthmorph. The two SyN
// components must be present together.
func (c Chain) Validate() error {
	last := -1
	var synAffine, synWarp bool
	for _, stage := range c {
		rank := stage.rank()
		if rank < 0 {
			return services.Wrap(services.ErrValidation, "archive", "validate chain",
				fmt.Sprintf("unknown stage %q", stage), nil)
		}
		if rank <= last {
			return services.Wrap(services.ErrValidation, "archive", "validate chain",
				fmt.Sprintf("stage %s out of order in %v", stage, c), nil)
		}
		last = rank
		synAffine = synAffine || stage == StageSynAffine
		synWarp = synWarp || stage == StageSynWarp
	}
	if synAffine != synWarp {
		return services.Wrap(services.ErrValidation, "archive", "validate chain",
			"syn affine and forward warp must be stored together", nil)
	}
	return nil
}

func (c Chain) String() string {
	parts := make([]string, len(c))
	for i, stage := range c {
		parts[i] = strings.TrimPrefix(string(stage), "/")
	}
	return strings.Join(parts, " -> ")
}

// Chain reports which transform stages the archive holds, in chain order.
func (a *Archive) Chain(ctx context.Context) (Chain, error) {
	var chain Chain
	for _, stage := range stageOrder {
		ok, err := a.Has(ctx, string(stage))
		if err != nil {
			return nil, err
		}
		if ok {
			chain = append(chain, stage)
		}
	}
	return chain, nil
}

// WriteAffine stores an affine transform as a group holding the parameters
// and fixed_parameters datasets.
func (a *Archive) WriteAffine(ctx context.Context, name string, affine volume.Affine) error {
	name = cleanName(name)
	if err := a.CreateGroup(ctx, name); err != nil {
		return err
	}
	if err := a.WriteDataset(ctx, name+"/parameters", []int{len(affine.Parameters)}, affine.Parameters); err != nil {
		return err
	}
	return a.WriteDataset(ctx, name+"/fixed_parameters", []int{len(affine.FixedParameters)}, affine.FixedParameters)
}

// ReadAffine loads an affine transform written by WriteAffine.
func (a *Archive) ReadAffine(ctx context.Context, name string) (volume.Affine, error) {
	name = cleanName(name)
	params, err := a.ReadDataset(ctx, name+"/parameters")
	if err != nil {
		return volume.Affine{}, err
	}
	fixed, err := a.ReadDataset(ctx, name+"/fixed_parameters")
	if err != nil {
		return volume.Affine{}, err
	}
	return volume.Affine{Parameters: params.Data, FixedParameters: fixed.Data}, nil
}

// WriteVolume stores v's samples as a dataset with its geometry as
// attributes. Scalar volumes have a three-dimensional shape; vector volumes
// gain a trailing component axis.
func (a *Archive) WriteVolume(ctx context.Context, name string, v volume.Volume) error {
	if err := v.Validate(); err != nil {
		return services.Wrap(services.ErrValidation, "archive", "write volume", name, err)
	}
	name = cleanName(name)
	shape := []int{v.Shape[0], v.Shape[1], v.Shape[2]}
	hasComponents := v.Components > 1
	if hasComponents {
		shape = append(shape, v.Components)
	}
	if err := a.WriteDataset(ctx, name, shape, v.Data); err != nil {
		return err
	}
	return a.writeGeometry(ctx, name, "", v, hasComponents)
}

func (a *Archive) writeGeometry(ctx context.Context, name, prefix string, v volume.Volume, hasComponents bool) error {
	attrs := []struct {
		key   string
		value any
	}{
		{prefix + "origin", v.Origin},
		{prefix + "spacing", v.Spacing},
		{prefix + "direction", v.Direction},
		{prefix + "has_components", hasComponents},
	}
	for _, attr := range attrs {
		if err := a.SetAttr(ctx, name, attr.key, attr.value); err != nil {
			return err
		}
	}
	return nil
}

// WriteReferenceGeometry records the fixed image's grid on the root group so
// that a later replay can reconstruct the physical-to-index mapping.
func (a *Archive) WriteReferenceGeometry(ctx context.Context, prefix string, v volume.Volume) error {
	if err := a.SetAttr(ctx, "/", prefix+".shape", v.Shape); err != nil {
		return err
	}
	return a.writeGeometry(ctx, "/", prefix+".", v, v.Components > 1)
}

// ReadReferenceGeometry returns an all-zero volume on the grid recorded by
// WriteReferenceGeometry.
func (a *Archive) ReadReferenceGeometry(ctx context.Context, prefix string) (volume.Volume, error) {
	var shape [3]int
	if err := a.Attr(ctx, "/", prefix+".shape", &shape); err != nil {
		return volume.Volume{}, err
	}
	v := volume.Zeros(shape, 1)
	if err := a.readGeometry(ctx, "/", prefix+".", &v); err != nil {
		return volume.Volume{}, err
	}
	return v, nil
}

func (a *Archive) readGeometry(ctx context.Context, name, prefix string, v *volume.Volume) error {
	if err := a.Attr(ctx, name, prefix+"origin", &v.Origin); err != nil {
		return err
	}
	if err := a.Attr(ctx, name, prefix+"spacing", &v.Spacing); err != nil {
		return err
	}
	return a.Attr(ctx, name, prefix+"direction", &v.Direction)
}

// ReadVolume reconstructs a volume written by WriteVolume.
func (a *Archive) ReadVolume(ctx context.Context, name string) (volume.Volume, error) {
	name = cleanName(name)
	ds, err := a.ReadDataset(ctx, name)
	if err != nil {
		return volume.Volume{}, err
	}
	if len(ds.Shape) != 3 && len(ds.Shape) != 4 {
		return volume.Volume{}, fmt.Errorf("dataset %s: shape %v is not a volume", name, ds.Shape)
	}
	v := volume.Volume{
		Shape:      [3]int{ds.Shape[0], ds.Shape[1], ds.Shape[2]},
		Components: 1,
		Data:       ds.Data,
	}
	if len(ds.Shape) == 4 {
		v.Components = ds.Shape[3]
	}
	if err := a.readGeometry(ctx, name, "", &v); err != nil {
		return volume.Volume{}, err
	}
	return v, nil
}
