package staging

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"bifrost/internal/logging"
)

func TestRemoveScratch(t *testing.T) {
	layout := Layout{Root: t.TempDir()}
	if err := layout.Ensure(); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	step := layout.StepDir("affine_0")
	if err := os.MkdirAll(step, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(step, "a.nii"), []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := RemoveScratch(context.Background(), layout.Scratch(), logging.NewNop()); err != nil {
		t.Fatalf("remove scratch: %v", err)
	}
	if _, err := os.Stat(layout.Scratch()); !os.IsNotExist(err) {
		t.Fatal("scratch should be gone")
	}
	if _, err := os.Stat(layout.Templates()); err != nil {
		t.Fatal("templates must survive scratch removal")
	}
	if err := RemoveScratch(context.Background(), layout.Scratch(), logging.NewNop()); err != nil {
		t.Fatalf("removing a missing scratch dir should succeed: %v", err)
	}
}

func TestCleanOrphanedInvalidPaths(t *testing.T) {
	for _, dir := range []string{"", "   ", "/nonexistent/path/12345"} {
		result := CleanOrphaned(context.Background(), dir, nil, logging.NewNop())
		if len(result.Removed) != 0 || len(result.Errors) != 0 {
			t.Errorf("expected empty result for path %q", dir)
		}
	}
}

func TestCleanOrphanedKeepsActiveSteps(t *testing.T) {
	scratch := t.TempDir()
	for _, name := range []string{"affine_0", "syn_0", "syn_5", "syn_5_transform", ".checkpoints"} {
		if err := os.Mkdir(filepath.Join(scratch, name), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(scratch, "syn_5", "x.nii"), []byte("12345"), 0o644); err != nil {
		t.Fatal(err)
	}
	// Loose files are never touched.
	if err := os.WriteFile(filepath.Join(scratch, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	active := map[string]struct{}{"affine_0": {}, "syn_0": {}}
	result := CleanOrphaned(context.Background(), scratch, active, logging.NewNop())
	if len(result.Removed) != 2 {
		t.Fatalf("expected 2 removed, got %v", result.Removed)
	}
	if result.Bytes != 5 {
		t.Fatalf("expected 5 bytes reclaimed, got %d", result.Bytes)
	}
	for _, keep := range []string{"affine_0", "syn_0", ".checkpoints", "notes.txt"} {
		if _, err := os.Stat(filepath.Join(scratch, keep)); err != nil {
			t.Errorf("%s should remain: %v", keep, err)
		}
	}
}

func TestListDirectoriesInvalidPaths(t *testing.T) {
	for _, dir := range []string{"", "   ", "/nonexistent/path/12345"} {
		dirs, err := ListDirectories(dir)
		if err != nil || dirs != nil {
			t.Errorf("expected nil result for path %q, got %v %v", dir, dirs, err)
		}
	}
}

func TestListDirectories(t *testing.T) {
	tmpDir := t.TempDir()
	dir1 := filepath.Join(tmpDir, "affine_0")
	if err := os.Mkdir(dir1, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir1, "file.nii"), []byte("hello world"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(tmpDir, "file.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	dirs, err := ListDirectories(tmpDir)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(dirs) != 1 {
		t.Fatalf("expected 1 directory, got %d", len(dirs))
	}
	if dirs[0].Name != "affine_0" || dirs[0].Size != 11 || dirs[0].ModTime.IsZero() {
		t.Fatalf("unexpected dir info %+v", dirs[0])
	}
}

func TestLayoutPaths(t *testing.T) {
	l := Layout{Root: "/out"}
	cases := map[string]string{
		l.Template("syn_1"):         "/out/templates/syn_1.nii",
		l.StepDir("affine_0"):       "/out/scratch/affine_0",
		l.InverseTransform("syn_0"): "/out/scratch/syn_0_transform/transform.nii.gz",
		l.Final():                   "/out/template.nii",
		l.Checkpoints():             "/out/scratch/.checkpoints",
	}
	for got, want := range cases {
		if got != want {
			t.Errorf("got %s want %s", got, want)
		}
	}
}
