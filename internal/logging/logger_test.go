package logging_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"bifrost/internal/logging"
	"bifrost/internal/services"
)

func TestQuietConsoleOnlyShowsWarnings(t *testing.T) {
	var console bytes.Buffer
	logger, err := logging.New(logging.Options{Level: "info", Console: &console})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	logger.Info("storing results")
	logger.Warn("results directory already exists")

	out := console.String()
	if strings.Contains(out, "storing results") {
		t.Fatalf("expected info to be suppressed without verbose, got %q", out)
	}
	if !strings.Contains(out, "results directory already exists") {
		t.Fatalf("expected warning on console, got %q", out)
	}
}

func TestVerboseConsoleShowsInfo(t *testing.T) {
	var console bytes.Buffer
	logger, err := logging.New(logging.Options{Level: "info", Verbose: true, Console: &console})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Info("running affine alignment", logging.String("kind", "Affine"))

	out := console.String()
	if !strings.Contains(out, "INFO running affine alignment") {
		t.Fatalf("expected info line, got %q", out)
	}
	if !strings.Contains(out, "kind=Affine") {
		t.Fatalf("expected attribute, got %q", out)
	}
	if strings.Contains(out, ".go:") {
		t.Fatalf("expected no caller information in info logs, got %q", out)
	}
}

func TestFileReceivesDebugWhenConfigured(t *testing.T) {
	var console bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "build_template.log")
	logger, err := logging.New(logging.Options{
		Level:     "info",
		Console:   &console,
		FilePath:  path,
		FileLevel: "debug",
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Debug("parsed inputs", logging.Int("count", 3))

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(content), "parsed inputs") {
		t.Fatalf("expected debug record in file, got %q", content)
	}
	if console.Len() != 0 {
		t.Fatalf("expected quiet console, got %q", console.String())
	}
}

func TestJSONFormat(t *testing.T) {
	var console bytes.Buffer
	logger, err := logging.New(logging.Options{Format: "json", Verbose: true, Console: &console})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Info("template generated")
	if !strings.Contains(console.String(), `"msg":"template generated"`) {
		t.Fatalf("expected json output, got %q", console.String())
	}
	if !strings.Contains(console.String(), `"level":"info"`) {
		t.Fatalf("expected lowercase level, got %q", console.String())
	}
}

func TestUnsupportedFormat(t *testing.T) {
	if _, err := logging.New(logging.Options{Format: "xml"}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestWithContextAddsFields(t *testing.T) {
	var console bytes.Buffer
	base, err := logging.New(logging.Options{Verbose: true, Console: &console})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	ctx := services.WithRunID(context.Background(), "run-7")
	ctx = services.WithStep(ctx, "syn_0")
	ctx = services.WithItem(ctx, "brain01")

	logger := logging.WithContext(ctx, logging.NewComponentLogger(base, "stagerun"))
	logger.Info("processing")

	out := console.String()
	for _, fragment := range []string{"stagerun [syn_0]: processing", "run_id=run-7", "item=brain01"} {
		if !strings.Contains(out, fragment) {
			t.Fatalf("expected %q in %q", fragment, out)
		}
	}
}

func TestWarnWithContextInjectsDefaults(t *testing.T) {
	var console bytes.Buffer
	logger, err := logging.New(logging.Options{Console: &console})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logging.WarnWithContext(logger, "mask metadata differs", "mask_geometry")

	out := console.String()
	for _, fragment := range []string{"event_type=mask_geometry", "error_hint=", "impact="} {
		if !strings.Contains(out, fragment) {
			t.Fatalf("expected %q in %q", fragment, out)
		}
	}
}
