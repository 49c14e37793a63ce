package testsupport

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"bifrost/internal/engine"
	"bifrost/internal/nifti"
	"bifrost/internal/volume"
	"bifrost/internal/warp"
)

// FakeAligner is an in-process engine.Aligner. Alignment resamples the
// moving volume onto the fixed grid and reports identity affines plus, for
// SyN, a constant displacement field.
type FakeAligner struct {
	// Fail is consulted before every alignment with the 1-based call number;
	// a non-nil return fails that call.
	Fail func(call int, kind engine.Kind) error
	// Displacement is the physical displacement reported by SyN alignments.
	Displacement [3]float64

	mu         sync.Mutex
	alignCalls int
	applyCalls int
	kinds      []engine.Kind
}

var _ engine.Aligner = (*FakeAligner)(nil)

// AlignCalls returns how many alignments were attempted.
func (f *FakeAligner) AlignCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alignCalls
}

// ApplyCalls returns how many transform applications were performed.
func (f *FakeAligner) ApplyCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.applyCalls
}

// Kinds returns the kind of every attempted alignment in call order.
func (f *FakeAligner) Kinds() []engine.Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.Kind(nil), f.kinds...)
}

func (f *FakeAligner) Align(ctx context.Context, fixed, moving volume.Volume, kind engine.Kind) (engine.Result, error) {
	f.mu.Lock()
	f.alignCalls++
	call := f.alignCalls
	f.kinds = append(f.kinds, kind)
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return engine.Result{}, err
	}
	if f.Fail != nil {
		if err := f.Fail(call, kind); err != nil {
			return engine.Result{}, err
		}
	}

	warped, err := onGrid(fixed, moving, volume.Linear)
	if err != nil {
		return engine.Result{}, err
	}
	affine := IdentityAffine(fixed)
	result := engine.Result{Warped: warped}
	if kind == engine.SyN {
		field := volume.Zeros(fixed.Shape, 3)
		field.Origin, field.Spacing, field.Direction = fixed.Origin, fixed.Spacing, fixed.Direction
		for voxel := 0; voxel < field.Voxels(); voxel++ {
			copy(field.Data[voxel*3:voxel*3+3], f.Displacement[:])
		}
		result.Forward = append(result.Forward, engine.Artifact{Warp: &field})
	}
	result.Forward = append(result.Forward, engine.Artifact{Affine: &affine})
	return result, nil
}

func (f *FakeAligner) ApplyTransforms(ctx context.Context, fixed, moving volume.Volume, transforms []engine.Artifact, interp volume.Interpolation) (volume.Volume, error) {
	f.mu.Lock()
	f.applyCalls++
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return volume.Volume{}, err
	}
	out, err := onGrid(fixed, moving, interp)
	if err != nil {
		return volume.Volume{}, err
	}
	for _, t := range transforms {
		if !t.IsWarp() {
			continue
		}
		field, err := warp.FromVolume(*t.Warp)
		if err != nil {
			return volume.Volume{}, err
		}
		voxels := field.Scale(1)
		for i := range voxels.Data {
			voxels.Data[i] /= fixed.Spacing[i%3]
		}
		if out, err = warp.Apply(out, voxels, interp); err != nil {
			return volume.Volume{}, err
		}
	}
	return out, nil
}

func onGrid(fixed, moving volume.Volume, interp volume.Interpolation) (volume.Volume, error) {
	out, err := moving.ResampleShape(fixed.Shape, interp)
	if err != nil {
		return volume.Volume{}, err
	}
	out.Origin, out.Spacing, out.Direction = fixed.Origin, fixed.Spacing, fixed.Direction
	return out, nil
}

// IdentityAffine returns an identity transform centred on v.
func IdentityAffine(v volume.Volume) volume.Affine {
	var centre []float64
	for axis := 0; axis < 3; axis++ {
		centre = append(centre, v.Origin[axis]+v.Spacing[axis]*float64(v.Shape[axis]-1)/2)
	}
	return volume.Affine{
		Parameters:      []float64{1, 0, 0, 0, 1, 0, 0, 0, 1, 0, 0, 0},
		FixedParameters: centre,
	}
}

// FakePredictor returns a constant voxel displacement for every prediction.
type FakePredictor struct {
	Displacement [3]float64

	mu    sync.Mutex
	calls int
	seen  [][3]int
}

var _ engine.Predictor = (*FakePredictor)(nil)

func (p *FakePredictor) Predict(ctx context.Context, fixed, moving volume.Volume) (warp.Field, error) {
	p.mu.Lock()
	p.calls++
	p.seen = append(p.seen, moving.Shape)
	p.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return warp.Field{}, err
	}
	field := warp.Zeros(fixed.Shape)
	for i := range field.Data {
		field.Data[i] = p.Displacement[i%3]
	}
	return field, nil
}

// Calls returns how many predictions were made.
func (p *FakePredictor) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Shapes returns the input shape of every prediction in call order.
func (p *FakePredictor) Shapes() [][3]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][3]int(nil), p.seen...)
}

// Blob returns a smooth Gaussian volume whose peak is displaced from the
// centre by offset voxels, giving distinct but similar test subjects.
func Blob(shape [3]int, offset [3]float64) volume.Volume {
	v := volume.Zeros(shape, 1)
	var centre [3]float64
	for axis := range centre {
		centre[axis] = float64(shape[axis]-1)/2 + offset[axis]
	}
	sigma := float64(min(shape[0], shape[1], shape[2])) / 4
	for i := 0; i < shape[0]; i++ {
		for j := 0; j < shape[1]; j++ {
			for k := 0; k < shape[2]; k++ {
				di, dj, dk := float64(i)-centre[0], float64(j)-centre[1], float64(k)-centre[2]
				v.Data[v.Index(i, j, k)] = 100 * math.Exp(-(di*di+dj*dj+dk*dk)/(2*sigma*sigma))
			}
		}
	}
	return v
}

// WriteVolume stores v at path as NIfTI and fails the test on error.
func WriteVolume(t testing.TB, path string, v volume.Volume) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := (nifti.Codec{}).Write(path, v); err != nil {
		t.Fatalf("write volume %s: %v", path, err)
	}
	return path
}

// ReadVolume loads the NIfTI volume at path and fails the test on error.
func ReadVolume(t testing.TB, path string) volume.Volume {
	t.Helper()
	v, err := (nifti.Codec{}).Read(path)
	if err != nil {
		t.Fatalf("read volume %s: %v", path, err)
	}
	return v
}
