package volume

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// IdentityDirection is the row-major 3x3 identity direction cosine matrix.
var IdentityDirection = [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}

// Volume is a sampled 3D field with physical metadata. Data is stored in C
// order over (i, j, k) with components innermost, so voxel (i, j, k)
// component c lives at ((i*Shape[1]+j)*Shape[2]+k)*Components + c.
//
// Volumes are treated as immutable: every operation in this package returns
// a new Volume and never writes into the receiver's Data.
type Volume struct {
	Shape      [3]int
	Origin     [3]float64
	Spacing    [3]float64
	Direction  [9]float64
	Components int
	Data       []float64
}

// Affine is a parametric linear transform in the engine's parameter layout:
// a row-major 3x3 matrix followed by a translation, with the rotation centre
// as fixed parameters.
type Affine struct {
	Parameters      []float64
	FixedParameters []float64
}

// IO reads and writes volumes from files.
type IO interface {
	Read(path string) (Volume, error)
	Write(path string, v Volume) error
}

// New returns a scalar volume with unit spacing, zero origin and identity
// direction. data is used as-is.
func New(shape [3]int, data []float64) Volume {
	return Volume{
		Shape:      shape,
		Spacing:    [3]float64{1, 1, 1},
		Direction:  IdentityDirection,
		Components: 1,
		Data:       data,
	}
}

// Zeros returns a zero-filled volume with the given shape and component count.
func Zeros(shape [3]int, components int) Volume {
	if components < 1 {
		components = 1
	}
	v := New(shape, make([]float64, shape[0]*shape[1]*shape[2]*components))
	v.Components = components
	return v
}

// Voxels returns the number of spatial samples.
func (v Volume) Voxels() int {
	return v.Shape[0] * v.Shape[1] * v.Shape[2]
}

// Index returns the offset of voxel (i, j, k) component 0.
func (v Volume) Index(i, j, k int) int {
	return ((i*v.Shape[1]+j)*v.Shape[2] + k) * v.components()
}

// At returns component c of voxel (i, j, k).
func (v Volume) At(i, j, k, c int) float64 {
	return v.Data[v.Index(i, j, k)+c]
}

func (v Volume) components() int {
	if v.Components < 1 {
		return 1
	}
	return v.Components
}

// Validate checks that the shape, component count and data length agree.
func (v Volume) Validate() error {
	for axis, n := range v.Shape {
		if n <= 0 {
			return fmt.Errorf("volume: axis %d has non-positive extent %d", axis, n)
		}
	}
	if want := v.Voxels() * v.components(); len(v.Data) != want {
		return fmt.Errorf("volume: data length %d does not match shape %v x %d components", len(v.Data), v.Shape, v.components())
	}
	return nil
}

// WithData returns a copy of v's metadata carrying data. It is the equivalent
// of replacing an image's array while preserving its geometry.
func (v Volume) WithData(data []float64) Volume {
	out := v
	out.Data = data
	return out
}

// Clone returns a deep copy.
func (v Volume) Clone() Volume {
	return v.WithData(append([]float64(nil), v.Data...))
}

// MinMax returns the smallest and largest sample.
func (v Volume) MinMax() (float64, float64) {
	if len(v.Data) == 0 {
		return 0, 0
	}
	return floats.Min(v.Data), floats.Max(v.Data)
}

// Rescale maps intensities linearly onto [0, 1]. A constant volume maps to
// all zeros.
func (v Volume) Rescale() Volume {
	lo, hi := v.MinMax()
	out := make([]float64, len(v.Data))
	copy(out, v.Data)
	floats.AddConst(-lo, out)
	if span := hi - lo; span > 0 {
		floats.Scale(1/span, out)
	}
	return v.WithData(out)
}

// ErrShapeMismatch reports volumes that cannot be combined voxel-wise.
var ErrShapeMismatch = errors.New("volume shape mismatch")

// Mean returns the voxel-wise arithmetic mean of vols. Metadata is copied
// from the first input; all inputs must share shape and component count.
func Mean(vols ...Volume) (Volume, error) {
	if len(vols) == 0 {
		return Volume{}, errors.New("volume: mean of zero volumes")
	}
	first := vols[0]
	sum := make([]float64, len(first.Data))
	for idx, v := range vols {
		if v.Shape != first.Shape || v.components() != first.components() || len(v.Data) != len(sum) {
			return Volume{}, fmt.Errorf("%w: input %d has shape %v x %d, want %v x %d",
				ErrShapeMismatch, idx, v.Shape, v.components(), first.Shape, first.components())
		}
		floats.Add(sum, v.Data)
	}
	floats.Scale(1/float64(len(vols)), sum)
	return first.WithData(sum), nil
}

// GridTolerance bounds the per-element difference SameGrid accepts in
// spacing and direction.
const GridTolerance = 1e-6

// SameGrid reports whether a and b sample the same voxel lattice: equal
// shape, with spacing and direction equal within GridTolerance. Origin is
// not compared.
func SameGrid(a, b Volume) bool {
	if a.Shape != b.Shape {
		return false
	}
	return floats.EqualApprox(a.Spacing[:], b.Spacing[:], GridTolerance) &&
		floats.EqualApprox(a.Direction[:], b.Direction[:], GridTolerance)
}

// Scale multiplies every sample by factor.
func (v Volume) Scale(factor float64) Volume {
	out := append([]float64(nil), v.Data...)
	floats.Scale(factor, out)
	return v.WithData(out)
}
