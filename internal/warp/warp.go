// Package warp implements dense displacement fields expressed in voxel units
// and the operations the registration pipeline performs on them.
package warp

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"

	"bifrost/internal/volume"
)

// Field is a dense displacement field. Data holds three displacement
// components per voxel in C order, component a measuring the offset along
// spatial axis a in voxels.
type Field struct {
	Shape [3]int
	Data  []float64
}

// ErrShapeMismatch reports fields that cannot be combined voxel-wise.
var ErrShapeMismatch = errors.New("warp shape mismatch")

// Zeros returns the identity field for shape.
func Zeros(shape [3]int) Field {
	return Field{Shape: shape, Data: make([]float64, shape[0]*shape[1]*shape[2]*3)}
}

// FromVolume interprets a three-component volume as a field.
func FromVolume(v volume.Volume) (Field, error) {
	if v.Components != 3 {
		return Field{}, fmt.Errorf("warp: volume has %d components, want 3", v.Components)
	}
	if err := v.Validate(); err != nil {
		return Field{}, err
	}
	return Field{Shape: v.Shape, Data: append([]float64(nil), v.Data...)}, nil
}

// ToVolume wraps f in the geometry of like so it can be persisted.
func (f Field) ToVolume(like volume.Volume) volume.Volume {
	out := like
	out.Shape = f.Shape
	out.Components = 3
	out.Data = append([]float64(nil), f.Data...)
	return out
}

// Validate checks that the data length matches the shape.
func (f Field) Validate() error {
	if want := f.voxels() * 3; len(f.Data) != want {
		return fmt.Errorf("warp: data length %d does not match shape %v", len(f.Data), f.Shape)
	}
	return nil
}

func (f Field) voxels() int {
	return f.Shape[0] * f.Shape[1] * f.Shape[2]
}

func (f Field) index(i, j, k int) int {
	return ((i*f.Shape[1]+j)*f.Shape[2] + k) * 3
}

// Displacement returns the displacement vector at voxel (i, j, k).
func (f Field) Displacement(i, j, k int) [3]float64 {
	at := f.index(i, j, k)
	return [3]float64{f.Data[at], f.Data[at+1], f.Data[at+2]}
}

// Scale multiplies every displacement by factor.
func (f Field) Scale(factor float64) Field {
	out := append([]float64(nil), f.Data...)
	floats.Scale(factor, out)
	return Field{Shape: f.Shape, Data: out}
}

// Negate reverses every displacement.
func (f Field) Negate() Field {
	return f.Scale(-1)
}

// Mean averages fields voxel-wise.
func Mean(fields ...Field) (Field, error) {
	if len(fields) == 0 {
		return Field{}, errors.New("warp: mean of zero fields")
	}
	sum := make([]float64, len(fields[0].Data))
	for idx, f := range fields {
		if f.Shape != fields[0].Shape || len(f.Data) != len(sum) {
			return Field{}, fmt.Errorf("%w: field %d has shape %v, want %v", ErrShapeMismatch, idx, f.Shape, fields[0].Shape)
		}
		floats.Add(sum, f.Data)
	}
	floats.Scale(1/float64(len(fields)), sum)
	return Field{Shape: fields[0].Shape, Data: sum}, nil
}

// Flip reflects the field's samples across a spatial axis without changing
// the sign of any component.
func (f Field) Flip(axis int) Field {
	return fieldOf(f.asVolume().Flip(axis))
}

// Symmetrize averages f with its reflection across axis. The component that
// measures displacement along axis changes sign under reflection, so for that
// component the reflected field is subtracted instead of added.
func (f Field) Symmetrize(axis int) (Field, error) {
	if axis < 0 || axis > 2 {
		return Field{}, fmt.Errorf("warp: symmetrize axis %d out of range", axis)
	}
	flipped := f.Flip(axis)
	out := make([]float64, len(f.Data))
	for i := range out {
		if i%3 == axis {
			out[i] = (f.Data[i] - flipped.Data[i]) / 2
		} else {
			out[i] = (f.Data[i] + flipped.Data[i]) / 2
		}
	}
	return Field{Shape: f.Shape, Data: out}, nil
}

// Upsample resamples each component onto shape with linear interpolation and
// rescales it by the per-axis ratio of new to old extent, keeping
// displacements in voxel units of the new grid.
func (f Field) Upsample(shape [3]int) (Field, error) {
	resampled, err := f.asVolume().ResampleShape(shape, volume.Linear)
	if err != nil {
		return Field{}, err
	}
	out := fieldOf(resampled)
	var factor [3]float64
	for axis := 0; axis < 3; axis++ {
		factor[axis] = float64(shape[axis]) / float64(f.Shape[axis])
	}
	for i := range out.Data {
		out.Data[i] *= factor[i%3]
	}
	return out, nil
}

// Apply warps v by f: the output at voxel x samples v at x + f(x). Samples
// falling outside the grid are clamped to the edge.
func Apply(v volume.Volume, f Field, interp volume.Interpolation) (volume.Volume, error) {
	if v.Shape != f.Shape {
		return volume.Volume{}, fmt.Errorf("%w: volume %v, field %v", ErrShapeMismatch, v.Shape, f.Shape)
	}
	comps := max(v.Components, 1)
	out := v.WithData(make([]float64, len(v.Data)))
	for i := 0; i < f.Shape[0]; i++ {
		for j := 0; j < f.Shape[1]; j++ {
			for k := 0; k < f.Shape[2]; k++ {
				d := f.Displacement(i, j, k)
				p := [3]float64{float64(i) + d[0], float64(j) + d[1], float64(k) + d[2]}
				dst := v.Index(i, j, k)
				for c := 0; c < comps; c++ {
					out.Data[dst+c] = v.Sample(p, c, interp)
				}
			}
		}
	}
	return out, nil
}

// KeepMasked returns warped with every voxel where mask is positive replaced
// by the corresponding voxel of original.
func KeepMasked(warped, original, mask volume.Volume) (volume.Volume, error) {
	if warped.Shape != original.Shape || warped.Shape != mask.Shape {
		return volume.Volume{}, fmt.Errorf("%w: warped %v, original %v, mask %v",
			ErrShapeMismatch, warped.Shape, original.Shape, mask.Shape)
	}
	comps := max(warped.Components, 1)
	out := warped.Clone()
	for voxel := 0; voxel < warped.Voxels(); voxel++ {
		if mask.Data[voxel*max(mask.Components, 1)] <= 0 {
			continue
		}
		copy(out.Data[voxel*comps:(voxel+1)*comps], original.Data[voxel*comps:(voxel+1)*comps])
	}
	return out, nil
}

func (f Field) asVolume() volume.Volume {
	v := volume.New(f.Shape, f.Data)
	v.Components = 3
	return v
}

func fieldOf(v volume.Volume) Field {
	return Field{Shape: v.Shape, Data: v.Data}
}
