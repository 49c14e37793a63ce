package preprocess

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"bifrost/internal/volume"
)

// Defaults for contrast-limited adaptive histogram equalization.
const (
	DefaultKernelSize = 64
	DefaultClipLimit  = 0.03
	DefaultBins       = 256
)

// CLAHE equalizes intensities over cubic tiles of KernelSize voxels, clipping
// each tile histogram at ClipLimit (a fraction of the tile's voxel count) and
// blending neighbouring tile mappings trilinearly. Output lies in [0, 1].
type CLAHE struct {
	KernelSize int
	ClipLimit  float64
	Bins       int
}

func (c CLAHE) withDefaults() CLAHE {
	if c.KernelSize <= 0 {
		c.KernelSize = DefaultKernelSize
	}
	if c.Bins <= 1 {
		c.Bins = DefaultBins
	}
	return c
}

// Enabled reports whether equalization does anything; a non-positive clip
// limit disables it.
func (c CLAHE) Enabled() bool {
	return c.ClipLimit > 0
}

type tiling struct {
	count [3]int
	size  [3]int
}

// Apply returns the equalized copy of v's first component.
func (c CLAHE) Apply(v volume.Volume) volume.Volume {
	c = c.withDefaults()
	scaled := v.Rescale()
	if scaled.Components > 1 {
		scaled = firstComponent(scaled)
	}

	var tiles tiling
	for axis := 0; axis < 3; axis++ {
		n := scaled.Shape[axis]
		tiles.count[axis] = max(1, (n+c.KernelSize-1)/c.KernelSize)
		tiles.size[axis] = (n + tiles.count[axis] - 1) / tiles.count[axis]
	}

	maps := make([][]float64, tiles.count[0]*tiles.count[1]*tiles.count[2])
	for ti := 0; ti < tiles.count[0]; ti++ {
		for tj := 0; tj < tiles.count[1]; tj++ {
			for tk := 0; tk < tiles.count[2]; tk++ {
				maps[tiles.index(ti, tj, tk)] = c.tileMapping(scaled, tiles, [3]int{ti, tj, tk})
			}
		}
	}

	out := scaled.WithData(make([]float64, len(scaled.Data)))
	for i := 0; i < scaled.Shape[0]; i++ {
		for j := 0; j < scaled.Shape[1]; j++ {
			for k := 0; k < scaled.Shape[2]; k++ {
				idx := scaled.Index(i, j, k)
				bin := c.bin(scaled.Data[idx])
				out.Data[idx] = tiles.blend([3]int{i, j, k}, func(tile int) float64 { return maps[tile][bin] })
			}
		}
	}
	return out
}

func (c CLAHE) bin(x float64) int {
	b := int(x * float64(c.Bins))
	return min(max(b, 0), c.Bins-1)
}

// tileMapping returns the clipped, normalized cumulative histogram of one tile.
func (c CLAHE) tileMapping(v volume.Volume, tiles tiling, tile [3]int) []float64 {
	var lo, hi [3]int
	for axis := 0; axis < 3; axis++ {
		lo[axis] = tile[axis] * tiles.size[axis]
		hi[axis] = min(lo[axis]+tiles.size[axis], v.Shape[axis])
	}
	values := make([]float64, 0, (hi[0]-lo[0])*(hi[1]-lo[1])*(hi[2]-lo[2]))
	for i := lo[0]; i < hi[0]; i++ {
		for j := lo[1]; j < hi[1]; j++ {
			for k := lo[2]; k < hi[2]; k++ {
				values = append(values, v.Data[v.Index(i, j, k)])
			}
		}
	}
	mapping := make([]float64, c.Bins)
	if len(values) == 0 {
		return mapping
	}
	sort.Float64s(values)

	dividers := make([]float64, c.Bins+1)
	floats.Span(dividers, 0, 1)
	dividers[c.Bins] = math.Nextafter(1, 2)
	hist := stat.Histogram(nil, dividers, values, nil)

	limit := math.Max(1, c.ClipLimit*float64(len(values)))
	var excess float64
	for b, count := range hist {
		if count > limit {
			excess += count - limit
			hist[b] = limit
		}
	}
	floats.AddConst(excess/float64(c.Bins), hist)

	floats.CumSum(mapping, hist)
	total := mapping[c.Bins-1]
	if total > 0 {
		floats.Scale(1/total, mapping)
	}
	return mapping
}

func (t tiling) index(i, j, k int) int {
	return (i*t.count[1]+j)*t.count[2] + k
}

// blend interpolates per-tile values trilinearly between tile centres.
func (t tiling) blend(voxel [3]int, value func(tile int) float64) float64 {
	var lo, hi [3]int
	var frac [3]float64
	for axis := 0; axis < 3; axis++ {
		u := (float64(voxel[axis])+0.5)/float64(t.size[axis]) - 0.5
		base := math.Floor(u)
		lo[axis] = min(max(int(base), 0), t.count[axis]-1)
		hi[axis] = min(lo[axis]+1, t.count[axis]-1)
		frac[axis] = math.Min(math.Max(u-float64(lo[axis]), 0), 1)
		if lo[axis] == hi[axis] {
			frac[axis] = 0
		}
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
		out += w * value(t.index(idx[0], idx[1], idx[2]))
	}
	return out
}

func firstComponent(v volume.Volume) volume.Volume {
	data := make([]float64, v.Voxels())
	for voxel := range data {
		data[voxel] = v.Data[voxel*v.Components]
	}
	out := v.WithData(data)
	out.Components = 1
	return out
}
