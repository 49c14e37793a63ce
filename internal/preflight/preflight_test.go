package preflight

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"bifrost/internal/config"
	"bifrost/internal/deps"
)

func TestCheckDirectoryAccess_OK(t *testing.T) {
	dir := t.TempDir()
	result := CheckDirectoryAccess("test", dir)
	if !result.Passed {
		t.Fatalf("expected pass for temp dir, got: %s", result.Detail)
	}
}

func TestCheckDirectoryAccess_NotExist(t *testing.T) {
	result := CheckDirectoryAccess("test", filepath.Join(t.TempDir(), "nope"))
	if result.Passed {
		t.Fatal("expected failure for missing dir")
	}
	if result.Detail == "" {
		t.Fatal("expected non-empty detail")
	}
}

func TestCheckDirectoryAccess_NotDir(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	result := CheckDirectoryAccess("test", f)
	if result.Passed {
		t.Fatal("expected failure for file path")
	}
}

func TestCheckWritable_MissingLeaf(t *testing.T) {
	root := t.TempDir()
	result := CheckWritable("out", filepath.Join(root, "a", "b"))
	if !result.Passed {
		t.Fatalf("expected pass, got %s", result.Detail)
	}
	if !strings.Contains(result.Detail, "will be created") {
		t.Fatalf("unexpected detail %q", result.Detail)
	}
}

func TestCheckWeights_Present(t *testing.T) {
	path := filepath.Join(t.TempDir(), "w.h5")
	if err := os.WriteFile(path, []byte("weights"), 0o644); err != nil {
		t.Fatal(err)
	}
	if result := CheckWeights(context.Background(), path, "", nil); !result.Passed {
		t.Fatalf("expected pass, got %s", result.Detail)
	}
}

func TestCheckWeights_Downloadable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("unexpected method %s", r.Method)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	path := filepath.Join(t.TempDir(), "w.h5")
	result := CheckWeights(context.Background(), path, server.URL, server.Client())
	if !result.Passed {
		t.Fatalf("expected pass, got %s", result.Detail)
	}
}

func TestCheckWeights_Unavailable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	path := filepath.Join(t.TempDir(), "w.h5")
	result := CheckWeights(context.Background(), path, server.URL, server.Client())
	if result.Passed {
		t.Fatal("expected failure for 404")
	}
	if !strings.Contains(result.Detail, "404") {
		t.Fatalf("unexpected detail %q", result.Detail)
	}
}

func TestRunAll_NilConfig(t *testing.T) {
	if results := RunAll(context.Background(), nil, nil); results != nil {
		t.Fatalf("expected nil results, got %v", results)
	}
}

func TestRunAll_Config(t *testing.T) {
	dir := t.TempDir()
	weights := filepath.Join(dir, "weights", "w.h5")
	if err := os.MkdirAll(filepath.Dir(weights), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(weights, []byte("weights"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	cfg.Paths.WorkDir = dir
	cfg.Paths.WeightsPath = weights

	results := RunAll(context.Background(), &cfg, nil)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for _, r := range results {
		if !r.Passed {
			t.Fatalf("%s failed: %s", r.Name, r.Detail)
		}
	}
}

func TestCheckSystemDeps_PredictorOptionalWhenSkipped(t *testing.T) {
	cfg := config.Default()
	cfg.Engine.PredictorBinary = "clearly-not-present-predictor"
	statuses := CheckSystemDeps(&cfg, false)
	if len(statuses) != 3 || !statuses[2].Optional {
		t.Fatalf("unexpected statuses %+v", statuses)
	}
	if required := CheckSystemDeps(&cfg, true); deps.Satisfied(required) {
		t.Fatal("missing predictor should fail when it is needed")
	}
}
