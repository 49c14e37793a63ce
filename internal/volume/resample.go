package volume

import (
	"fmt"
	"math"
)

// Interpolation selects how samples between grid points are reconstructed.
type Interpolation int

const (
	Linear Interpolation = iota
	NearestNeighbor
)

func (i Interpolation) String() string {
	switch i {
	case NearestNeighbor:
		return "nearest"
	default:
		return "linear"
	}
}

// Sample evaluates component c at the continuous index position p. Positions
// outside the grid are clamped to the nearest edge.
func (v Volume) Sample(p [3]float64, c int, interp Interpolation) float64 {
	if interp == NearestNeighbor {
		i := clampIndex(int(math.Round(p[0])), v.Shape[0])
		j := clampIndex(int(math.Round(p[1])), v.Shape[1])
		k := clampIndex(int(math.Round(p[2])), v.Shape[2])
		return v.At(i, j, k, c)
	}

	var lo, hi [3]int
	var frac [3]float64
	for axis := 0; axis < 3; axis++ {
		n := v.Shape[axis]
		x := math.Min(math.Max(p[axis], 0), float64(n-1))
		base := math.Floor(x)
		lo[axis] = int(base)
		hi[axis] = clampIndex(lo[axis]+1, n)
		frac[axis] = x - base
	}

	var out float64
	for corner := 0; corner < 8; corner++ {
		w := 1.0
		var idx [3]int
		for axis := 0; axis < 3; axis++ {
			if corner&(1<<axis) != 0 {
				idx[axis] = hi[axis]
				w *= frac[axis]
			} else {
				idx[axis] = lo[axis]
				w *= 1 - frac[axis]
			}
		}
		if w == 0 {
			continue
		}
		out += w * v.At(idx[0], idx[1], idx[2], c)
	}
	return out
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

// ResampleShape resamples v onto a grid with the given shape spanning the
// same physical extent. Corner voxels map onto corner voxels; spacing is
// adjusted so the field of view is preserved.
func (v Volume) ResampleShape(shape [3]int, interp Interpolation) (Volume, error) {
	for axis, n := range shape {
		if n <= 0 {
			return Volume{}, fmt.Errorf("volume: resample axis %d to non-positive extent %d", axis, n)
		}
	}
	if shape == v.Shape {
		return v.Clone(), nil
	}

	comps := v.components()
	out := v
	out.Shape = shape
	out.Data = make([]float64, shape[0]*shape[1]*shape[2]*comps)
	var step [3]float64
	for axis := 0; axis < 3; axis++ {
		if shape[axis] > 1 {
			step[axis] = float64(v.Shape[axis]-1) / float64(shape[axis]-1)
		}
		out.Spacing[axis] = v.Spacing[axis] * float64(v.Shape[axis]) / float64(shape[axis])
	}

	for i := 0; i < shape[0]; i++ {
		for j := 0; j < shape[1]; j++ {
			for k := 0; k < shape[2]; k++ {
				p := [3]float64{float64(i) * step[0], float64(j) * step[1], float64(k) * step[2]}
				dst := out.Index(i, j, k)
				for c := 0; c < comps; c++ {
					out.Data[dst+c] = v.Sample(p, c, interp)
				}
			}
		}
	}
	return out, nil
}

// ResampleSpacing resamples v to an isotropic voxel size in millimetres.
func (v Volume) ResampleSpacing(spacing float64, interp Interpolation) (Volume, error) {
	if spacing <= 0 {
		return Volume{}, fmt.Errorf("volume: resample to non-positive spacing %g", spacing)
	}
	var shape [3]int
	for axis := 0; axis < 3; axis++ {
		shape[axis] = max(1, int(math.Round(float64(v.Shape[axis])*v.Spacing[axis]/spacing)))
	}
	out, err := v.ResampleShape(shape, interp)
	if err != nil {
		return Volume{}, err
	}
	out.Spacing = [3]float64{spacing, spacing, spacing}
	return out, nil
}
