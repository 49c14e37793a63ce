package template_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"bifrost/internal/nifti"
	"bifrost/internal/services"
	"bifrost/internal/template"
	"bifrost/internal/testsupport"
	"bifrost/internal/volume"
)

// flakyIO fails the first n writes to paths with the given base name after
// leaving a truncated file behind.
type flakyIO struct {
	nifti.Codec
	base string

	mu       sync.Mutex
	failures int
	leftover []bool
}

func (f *flakyIO) Write(path string, v volume.Volume) error {
	f.mu.Lock()
	fail := filepath.Base(path) == f.base && f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		_ = os.WriteFile(path, []byte("partial"), 0o644)
		return errors.New("disk hiccup")
	}
	f.mu.Lock()
	_, err := os.Stat(path)
	f.leftover = append(f.leftover, err == nil)
	f.mu.Unlock()
	return f.Codec.Write(path, v)
}

func stepDir(t *testing.T, vols map[string]volume.Volume) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "affine_0")
	for name, v := range vols {
		testsupport.WriteVolume(t, filepath.Join(dir, name), v)
	}
	return dir
}

func TestGenerateDirectMean(t *testing.T) {
	shape := [3]int{3, 2, 2}
	a := volume.New(shape, []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12})
	b := a.Scale(3)
	dir := stepDir(t, map[string]volume.Volume{"a.nii": a, "b.nii": b})
	// Persisted warps are not averaged into the image.
	testsupport.WriteVolume(t, filepath.Join(dir, "a_t.nii.gz"), volume.Zeros(shape, 3))

	out := filepath.Join(t.TempDir(), "affine_0.nii")
	avg := &template.Averager{IO: nifti.Codec{}}
	if err := avg.Generate(context.Background(), template.Request{Step: "affine_0", Dir: dir, Output: out}); err != nil {
		t.Fatalf("generate: %v", err)
	}
	got := testsupport.ReadVolume(t, out)
	for i, x := range got.Data {
		if want := 2 * a.Data[i]; x != want {
			t.Fatalf("voxel %d = %g, want %g", i, x, want)
		}
	}
}

func TestGenerateIsOrderIndependent(t *testing.T) {
	shape := [3]int{4, 4, 4}
	vols := map[string]volume.Volume{
		"x.nii": testsupport.Blob(shape, [3]float64{1, 0, 0}),
		"y.nii": testsupport.Blob(shape, [3]float64{0, 1, 0}),
		"z.nii": testsupport.Blob(shape, [3]float64{0, 0, 1}),
	}
	renamed := map[string]volume.Volume{
		"c.nii": vols["x.nii"],
		"a.nii": vols["y.nii"],
		"b.nii": vols["z.nii"],
	}
	var outs []volume.Volume
	for _, set := range []map[string]volume.Volume{vols, renamed} {
		out := filepath.Join(t.TempDir(), "t.nii")
		avg := &template.Averager{IO: nifti.Codec{}}
		if err := avg.Generate(context.Background(), template.Request{Step: "affine_0", Dir: stepDir(t, set), Output: out}); err != nil {
			t.Fatalf("generate: %v", err)
		}
		outs = append(outs, testsupport.ReadVolume(t, out))
	}
	for i := range outs[0].Data {
		if d := outs[0].Data[i] - outs[1].Data[i]; d > 1e-9 || d < -1e-9 {
			t.Fatalf("voxel %d differs: %g vs %g", i, outs[0].Data[i], outs[1].Data[i])
		}
	}
}

func TestGenerateTransformModeCachesInverse(t *testing.T) {
	shape := [3]int{6, 6, 6}
	dir := stepDir(t, map[string]volume.Volume{
		"a.nii": testsupport.Blob(shape, [3]float64{}),
		"b.nii": testsupport.Blob(shape, [3]float64{1, 0, 0}),
	})
	for _, name := range []string{"a_t.nii.gz", "b_t.nii.gz"} {
		field := volume.Zeros(shape, 3)
		for i := 0; i < len(field.Data); i += 3 {
			field.Data[i] = 2
		}
		testsupport.WriteVolume(t, filepath.Join(dir, name), field)
	}

	fake := &testsupport.FakeAligner{}
	cache := filepath.Join(t.TempDir(), "syn_0_transform", "transform.nii.gz")
	avg := &template.Averager{Aligner: fake, IO: nifti.Codec{}, Inverse: template.NegateScale{GradientStep: 0.25}}
	req := template.Request{Step: "syn_0", Dir: dir, Output: filepath.Join(t.TempDir(), "syn_0.nii"), UseTransforms: true, InverseCache: cache}
	if err := avg.Generate(context.Background(), req); err != nil {
		t.Fatalf("generate: %v", err)
	}
	inverse := testsupport.ReadVolume(t, cache)
	if inverse.Components != 3 || inverse.Data[0] != -0.5 || inverse.Data[1] != 0 {
		t.Fatalf("unexpected inverse %v", inverse.Data[:3])
	}
	if fake.ApplyCalls() != 1 {
		t.Fatalf("expected one application, got %d", fake.ApplyCalls())
	}

	// A cached inverse is reused even when the warps are gone.
	for _, name := range []string{"a_t.nii.gz", "b_t.nii.gz"} {
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			t.Fatal(err)
		}
	}
	if err := avg.Generate(context.Background(), req); err != nil {
		t.Fatalf("generate from cache: %v", err)
	}
}

func TestGenerateRetriesAndRemovesPartialTemplate(t *testing.T) {
	shape := [3]int{4, 4, 4}
	dir := stepDir(t, map[string]volume.Volume{"a.nii": testsupport.Blob(shape, [3]float64{})})
	io := &flakyIO{base: "affine_0.nii", failures: 2}
	out := filepath.Join(t.TempDir(), "affine_0.nii")

	avg := &template.Averager{IO: io}
	if err := avg.Generate(context.Background(), template.Request{Step: "affine_0", Dir: dir, Output: out}); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(io.leftover) != 1 || io.leftover[0] {
		t.Fatalf("partial template survived into the successful attempt: %v", io.leftover)
	}
	if got := testsupport.ReadVolume(t, out); got.Shape != shape {
		t.Fatalf("template shape %v", got.Shape)
	}
}

func TestGenerateGivesUpAfterThreeAttempts(t *testing.T) {
	dir := stepDir(t, map[string]volume.Volume{"a.nii": testsupport.Blob([3]int{4, 4, 4}, [3]float64{})})
	io := &flakyIO{base: "affine_0.nii", failures: 3}
	out := filepath.Join(t.TempDir(), "affine_0.nii")

	avg := &template.Averager{IO: io}
	if err := avg.Generate(context.Background(), template.Request{Step: "affine_0", Dir: dir, Output: out}); err == nil {
		t.Fatal("expected failure")
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Fatal("partial template left behind")
	}
}

func TestGenerateRejectsMismatchedShapes(t *testing.T) {
	dir := stepDir(t, map[string]volume.Volume{
		"a.nii": volume.Zeros([3]int{4, 4, 4}, 1),
		"b.nii": volume.Zeros([3]int{4, 4, 5}, 1),
	})
	avg := &template.Averager{IO: nifti.Codec{}}
	err := avg.Generate(context.Background(), template.Request{Step: "affine_0", Dir: dir, Output: filepath.Join(t.TempDir(), "t.nii")})
	if !errors.Is(err, services.ErrValidation) || !errors.Is(err, volume.ErrShapeMismatch) {
		t.Fatalf("expected shape validation error, got %v", err)
	}
}

func TestNegateScaleRequiresVectorField(t *testing.T) {
	if _, err := (template.NegateScale{GradientStep: 0.2}).Invert(volume.Zeros([3]int{2, 2, 2}, 1)); err == nil {
		t.Fatal("expected error for scalar volume")
	}
}

func TestNegateScaleRejectsNonPositiveStep(t *testing.T) {
	field := volume.Zeros([3]int{2, 2, 2}, 3)
	for _, step := range []float64{0, -0.1} {
		if _, err := (template.NegateScale{GradientStep: step}).Invert(field); err == nil {
			t.Fatalf("expected error for gradient step %g", step)
		}
	}
}
