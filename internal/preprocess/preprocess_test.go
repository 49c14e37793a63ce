package preprocess_test

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"bifrost/internal/nifti"
	"bifrost/internal/preprocess"
	"bifrost/internal/services"
	"bifrost/internal/testsupport"
	"bifrost/internal/volume"
)

func TestCLAHEOutputRangeAndMonotonicity(t *testing.T) {
	shape := [3]int{12, 10, 8}
	data := make([]float64, shape[0]*shape[1]*shape[2])
	for i := range data {
		data[i] = float64(i % 97)
	}
	v := volume.New(shape, data)

	out := preprocess.CLAHE{KernelSize: 64, ClipLimit: 0.03}.Apply(v)
	if out.Shape != shape || len(out.Data) != len(data) {
		t.Fatalf("unexpected output geometry %v", out.Shape)
	}
	lo, hi := out.MinMax()
	if lo < 0 || hi > 1+1e-12 {
		t.Fatalf("output outside [0,1]: [%g, %g]", lo, hi)
	}
	// With a single tile the mapping is one monotone curve.
	for a := range data {
		for b := range data {
			if data[a] < data[b] && out.Data[a] > out.Data[b]+1e-12 {
				t.Fatalf("mapping not monotone: %g->%g but %g->%g", data[a], out.Data[a], data[b], out.Data[b])
			}
		}
		if a > 200 {
			break
		}
	}
}

func TestCLAHEMultipleTilesStaysInRange(t *testing.T) {
	v := testsupport.Blob([3]int{16, 16, 16}, [3]float64{2, -1, 0})
	tiled := preprocess.CLAHE{KernelSize: 4, ClipLimit: 0.05}.Apply(v)
	global := preprocess.CLAHE{KernelSize: 64, ClipLimit: 0.05}.Apply(v)
	for _, x := range tiled.Data {
		if math.IsNaN(x) || x < 0 || x > 1+1e-12 {
			t.Fatalf("value %g outside [0,1]", x)
		}
	}
	if cmp.Equal(tiled.Data, global.Data) {
		t.Fatal("tiled equalization should differ from a single global mapping")
	}
}

func TestCLAHEConstantVolume(t *testing.T) {
	v := volume.New([3]int{4, 4, 4}, make([]float64, 64))
	out := preprocess.CLAHE{ClipLimit: 0.03}.Apply(v)
	for _, x := range out.Data {
		if x < 0 || x > 1 {
			t.Fatalf("value %g outside [0,1]", x)
		}
	}
}

func TestCopyPreprocessor(t *testing.T) {
	dir := t.TempDir()
	src := testsupport.WriteVolume(t, filepath.Join(dir, "raw.nii.gz"), testsupport.Blob([3]int{6, 6, 6}, [3]float64{}))
	dst := filepath.Join(dir, "raw.nii")

	pre, err := preprocess.New("", nifti.Codec{}, preprocess.CLAHE{})
	if err != nil {
		t.Fatal(err)
	}
	if err := pre.Preprocess(context.Background(), src, dst); err != nil {
		t.Fatalf("preprocess: %v", err)
	}
	want := testsupport.ReadVolume(t, src)
	got := testsupport.ReadVolume(t, dst)
	if diff := cmp.Diff(want.Data, got.Data); diff != "" {
		t.Fatalf("copy changed voxels:\n%s", diff)
	}
}

func TestEqualizePreprocessor(t *testing.T) {
	dir := t.TempDir()
	src := testsupport.WriteVolume(t, filepath.Join(dir, "raw.nii"), testsupport.Blob([3]int{6, 6, 6}, [3]float64{}))
	dst := filepath.Join(dir, "out.nii")

	pre, err := preprocess.New("equalize", nifti.Codec{}, preprocess.CLAHE{})
	if err != nil {
		t.Fatal(err)
	}
	if err := pre.Preprocess(context.Background(), src, dst); err != nil {
		t.Fatalf("preprocess: %v", err)
	}
	lo, hi := testsupport.ReadVolume(t, dst).MinMax()
	if lo < 0 || hi > 1+1e-12 {
		t.Fatalf("equalized output outside [0,1]: [%g, %g]", lo, hi)
	}
}

func TestNewRejectsUnknownMethod(t *testing.T) {
	if _, err := preprocess.New("legacy", nifti.Codec{}, preprocess.CLAHE{}); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
