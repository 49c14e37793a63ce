package volume

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// Permutation reorders the three spatial axes with transpose
// semantics: output axis a is input axis p[a].
type Permutation [3]int

// Identity is the permutation that leaves axes in place.
var Identity = Permutation{0, 1, 2}

// Valid reports whether p is a permutation of {0, 1, 2}.
func (p Permutation) Valid() bool {
	var seen [3]bool
	for _, axis := range p {
		if axis < 0 || axis > 2 || seen[axis] {
			return false
		}
		seen[axis] = true
	}
	return true
}

// Inverse returns q such that transposing by p then q is the identity.
func (p Permutation) Inverse() Permutation {
	var q Permutation
	for a, axis := range p {
		q[axis] = a
	}
	return q
}

// ApplyInts permutes a per-axis integer triple.
func (p Permutation) ApplyInts(in [3]int) [3]int {
	return [3]int{in[p[0]], in[p[1]], in[p[2]]}
}

// ApplyFloats permutes a per-axis float triple.
func (p Permutation) ApplyFloats(in [3]float64) [3]float64 {
	return [3]float64{in[p[0]], in[p[1]], in[p[2]]}
}

// SortingPermutation returns the stable argsort of shape, the axis order in
// which extents ascend. Ties keep their original relative order.
func SortingPermutation(shape [3]int) Permutation {
	p := Identity
	sort.SliceStable(p[:], func(a, b int) bool {
		return shape[p[a]] < shape[p[b]]
	})
	return p
}

// Transpose reorders the axes of v by p. Origin, spacing and the rows of the
// direction matrix are permuted alongside the samples.
func (v Volume) Transpose(p Permutation) (Volume, error) {
	if !p.Valid() {
		return Volume{}, fmt.Errorf("volume: invalid permutation %v", p)
	}
	if p == Identity {
		return v.Clone(), nil
	}
	out := v
	out.Shape = p.ApplyInts(v.Shape)
	out.Origin = p.ApplyFloats(v.Origin)
	out.Spacing = p.ApplyFloats(v.Spacing)
	for a := 0; a < 3; a++ {
		copy(out.Direction[a*3:a*3+3], v.Direction[p[a]*3:p[a]*3+3])
	}

	comps := v.components()
	out.Data = make([]float64, len(v.Data))
	var src [3]int
	for i := 0; i < out.Shape[0]; i++ {
		src[p[0]] = i
		for j := 0; j < out.Shape[1]; j++ {
			src[p[1]] = j
			for k := 0; k < out.Shape[2]; k++ {
				src[p[2]] = k
				dst := out.Index(i, j, k)
				from := v.Index(src[0], src[1], src[2])
				copy(out.Data[dst:dst+comps], v.Data[from:from+comps])
			}
		}
	}
	return out, nil
}

// Flip reflects the samples of v across axis. Geometry is unchanged, so the
// result occupies the same physical grid with mirrored content.
func (v Volume) Flip(axis int) Volume {
	comps := v.components()
	out := v.WithData(make([]float64, len(v.Data)))
	n := v.Shape
	for i := 0; i < n[0]; i++ {
		for j := 0; j < n[1]; j++ {
			for k := 0; k < n[2]; k++ {
				src := [3]int{i, j, k}
				src[axis] = n[axis] - 1 - src[axis]
				dst := v.Index(i, j, k)
				from := v.Index(src[0], src[1], src[2])
				copy(out.Data[dst:dst+comps], v.Data[from:from+comps])
			}
		}
	}
	return out
}

// MirrorScores returns, per axis, the Euclidean distance between v and its
// reflection across that axis.
func MirrorScores(v Volume) [3]float64 {
	var scores [3]float64
	for axis := 0; axis < 3; axis++ {
		scores[axis] = floats.Distance(v.Data, v.Flip(axis).Data, 2)
	}
	return scores
}

// MirrorAxis returns the axis across which v is most nearly symmetric,
// together with the per-axis scores. Ties resolve to the lowest axis.
func MirrorAxis(v Volume) (int, [3]float64) {
	scores := MirrorScores(v)
	return argmin(scores), scores
}

// MirrorAxisIn returns the most symmetric axis expressed in the axis order
// produced by transposing with p.
func MirrorAxisIn(scores [3]float64, p Permutation) int {
	return argmin(p.ApplyFloats(scores))
}

func argmin(values [3]float64) int {
	best := 0
	for i := 1; i < len(values); i++ {
		if values[i] < values[best] {
			best = i
		}
	}
	return best
}
