package archive_test

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	_ "modernc.org/sqlite"

	"bifrost/internal/archive"
	"bifrost/internal/services"
	"bifrost/internal/volume"
	"bifrost/internal/warp"
)

func newArchive(t *testing.T) (*archive.Archive, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), archive.FileName)
	a, err := archive.Create(context.Background(), path)
	if err != nil {
		t.Fatalf("create archive: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a, path
}

func testField(shape [3]int) warp.Field {
	f := warp.Zeros(shape)
	for i := range f.Data {
		// Mix magnitudes and special values so every bit pattern matters.
		f.Data[i] = math.Sin(float64(i)*0.731) * math.Pow(10, float64(i%7-3))
	}
	f.Data[0] = math.Copysign(0, -1)
	f.Data[1] = math.SmallestNonzeroFloat64
	f.Data[2] = math.MaxFloat64
	return f
}

func TestAffineAndWarpRoundTripBitExact(t *testing.T) {
	ctx := context.Background()
	a, path := newArchive(t)

	affine := volume.Affine{
		Parameters:      []float64{1.0000001, 0.02, -0.003, 0.1, 0.99, 0, 0, 0, 1.01, 3.25, -7.5, 0.125},
		FixedParameters: []float64{12.5, -8.75, 30},
	}
	// Enough voxels to span several chunks.
	field := testField([3]int{48, 40, 36})
	geometry := volume.Volume{
		Origin:    [3]float64{-90.25, 126, -72.5},
		Spacing:   [3]float64{0.7, 0.7, 1.1},
		Direction: [9]float64{1, 0, 0, 0, 0, -1, 0, 1, 0},
	}
	warpVolume := field.ToVolume(geometry)

	if err := a.WriteAffine(ctx, string(archive.StageAffine), affine); err != nil {
		t.Fatalf("write affine: %v", err)
	}
	if err := a.WriteVolume(ctx, string(archive.StageSynthmorph), warpVolume); err != nil {
		t.Fatalf("write warp: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	r, err := archive.Open(ctx, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()

	gotAffine, err := r.ReadAffine(ctx, string(archive.StageAffine))
	if err != nil {
		t.Fatalf("read affine: %v", err)
	}
	if diff := cmp.Diff(affine, gotAffine); diff != "" {
		t.Fatalf("affine mismatch (-want +got):\n%s", diff)
	}

	gotVolume, err := r.ReadVolume(ctx, string(archive.StageSynthmorph))
	if err != nil {
		t.Fatalf("read warp: %v", err)
	}
	gotField, err := warp.FromVolume(gotVolume)
	if err != nil {
		t.Fatalf("field: %v", err)
	}
	if gotField.Shape != field.Shape {
		t.Fatalf("shape %v, want %v", gotField.Shape, field.Shape)
	}
	for i := range field.Data {
		if math.Float64bits(gotField.Data[i]) != math.Float64bits(field.Data[i]) {
			t.Fatalf("sample %d: got bits %x want %x", i, math.Float64bits(gotField.Data[i]), math.Float64bits(field.Data[i]))
		}
	}
	if gotVolume.Origin != geometry.Origin || gotVolume.Spacing != geometry.Spacing || gotVolume.Direction != geometry.Direction {
		t.Fatalf("geometry mismatch: %+v", gotVolume)
	}
}

func TestChainOrder(t *testing.T) {
	ctx := context.Background()
	a, _ := newArchive(t)
	affine := volume.Affine{Parameters: []float64{1}, FixedParameters: []float64{0}}
	if err := a.WriteAffine(ctx, string(archive.StageAffine), affine); err != nil {
		t.Fatalf("write affine: %v", err)
	}
	if err := a.WriteAffine(ctx, string(archive.StageSynAffine), affine); err != nil {
		t.Fatalf("write syn affine: %v", err)
	}
	if err := a.WriteVolume(ctx, string(archive.StageSynWarp), volume.Zeros([3]int{2, 2, 2}, 3)); err != nil {
		t.Fatalf("write syn warp: %v", err)
	}

	chain, err := a.Chain(ctx)
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	want := archive.Chain{archive.StageAffine, archive.StageSynAffine, archive.StageSynWarp}
	if diff := cmp.Diff(want, chain); diff != "" {
		t.Fatalf("chain mismatch (-want +got):\n%s", diff)
	}
	if err := chain.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestChainValidateRejectsBadOrder(t *testing.T) {
	tests := []archive.Chain{
		{archive.StageSynthmorph, archive.StageAffine},
		{archive.StageAffine, archive.StageAffine},
		{archive.StageSynAffine},
		{archive.Stage("/bogus")},
	}
	for _, chain := range tests {
		if err := chain.Validate(); !errors.Is(err, services.ErrValidation) {
			t.Fatalf("chain %v: expected validation error, got %v", chain, err)
		}
	}
	if err := (archive.Chain{}).Validate(); err != nil {
		t.Fatalf("empty chain should be valid: %v", err)
	}
}

func TestAttributesAndListing(t *testing.T) {
	ctx := context.Background()
	a, _ := newArchive(t)
	if err := a.SetAttr(ctx, "/", "args.gradient_step", 0.1); err != nil {
		t.Fatalf("set attr: %v", err)
	}
	if err := a.SetAttr(ctx, "/", "moving.md5sum", "abc"); err != nil {
		t.Fatalf("set attr: %v", err)
	}
	if err := a.SetAttr(ctx, "/", "moving.md5sum", "def"); err != nil {
		t.Fatalf("overwrite attr: %v", err)
	}
	var sum string
	if err := a.Attr(ctx, "/", "moving.md5sum", &sum); err != nil || sum != "def" {
		t.Fatalf("attr = %q, %v", sum, err)
	}
	var missing string
	if err := a.Attr(ctx, "/", "nope", &missing); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	if err := a.WriteAffine(ctx, "/syn/affine", volume.Affine{Parameters: []float64{1}, FixedParameters: []float64{2}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	names, err := a.List(ctx, "/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if diff := cmp.Diff([]string{"syn"}, names); diff != "" {
		t.Fatalf("root listing (-want +got):\n%s", diff)
	}
	names, err = a.List(ctx, "/syn/affine")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if diff := cmp.Diff([]string{"fixed_parameters", "parameters"}, names); diff != "" {
		t.Fatalf("affine listing (-want +got):\n%s", diff)
	}

	attrs, err := a.Attrs(ctx, "/")
	if err != nil {
		t.Fatalf("attrs: %v", err)
	}
	if len(attrs) != 2 {
		t.Fatalf("expected 2 root attrs, got %v", attrs)
	}
}

func TestWriteDatasetRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	a, _ := newArchive(t)
	if err := a.WriteDataset(ctx, "/x", []int{2}, []float64{1, 2}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := a.WriteDataset(ctx, "/x", []int{2}, []float64{1, 2}); !errors.Is(err, archive.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	if err := a.WriteDataset(ctx, "/y", []int{3}, []float64{1}); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for shape mismatch, got %v", err)
	}
}

func TestReadDetectsCorruptChunk(t *testing.T) {
	ctx := context.Background()
	a, path := newArchive(t)
	if err := a.WriteDataset(ctx, "/x", []int{4}, []float64{1, 2, 3, 4}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open raw: %v", err)
	}
	if _, err := db.Exec(`UPDATE chunks SET data = X'00' WHERE path = '/x'`); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	_ = db.Close()

	r, err := archive.Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer r.Close()
	if _, err := r.ReadDataset(ctx, "/x"); !errors.Is(err, archive.ErrChecksum) {
		t.Fatalf("expected ErrChecksum, got %v", err)
	}
}

func TestOpenMissingArchive(t *testing.T) {
	_, err := archive.Open(context.Background(), filepath.Join(t.TempDir(), "missing.sqlite"))
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReferenceGeometryRoundTrip(t *testing.T) {
	ctx := context.Background()
	a, _ := newArchive(t)
	fixed := volume.Zeros([3]int{5, 6, 7}, 1)
	fixed.Origin = [3]float64{1, 2, 3}
	fixed.Spacing = [3]float64{0.5, 0.5, 2}
	if err := a.WriteReferenceGeometry(ctx, "fixed", fixed); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := a.ReadReferenceGeometry(ctx, "fixed")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if diff := cmp.Diff(fixed, got); diff != "" {
		t.Fatalf("geometry mismatch (-want +got):\n%s", diff)
	}
}
