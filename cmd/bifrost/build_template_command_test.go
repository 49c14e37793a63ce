package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"bifrost/internal/staging"
	"bifrost/internal/testsupport"
)

func writeTemplateInputs(t *testing.T, env *cliTestEnv, names ...string) string {
	t.Helper()
	dir := filepath.Join(env.baseDir, "inputs")
	for idx, name := range names {
		testsupport.WriteVolume(t, filepath.Join(dir, name+".nii.gz"),
			testsupport.Blob([3]int{8, 8, 8}, [3]float64{float64(idx) - 1, 0, 0}))
	}
	return dir
}

func TestBuildTemplateWritesTemplateAndLog(t *testing.T) {
	env := setupCLITestEnv(t)
	inputs := writeTemplateInputs(t, env, "a", "b", "c")
	output := filepath.Join(env.baseDir, "template")

	out, _, err := runCLI(t, env, "build_template", "--input", inputs, "--output", output,
		"--affine_steps", "1", "--syn_steps", "1")
	if err != nil {
		t.Fatalf("build_template: %v", err)
	}
	requireContains(t, out, "Affine 0")
	requireContains(t, out, "Syn 0")
	requireContains(t, out, "Template: ")
	requireFile(t, filepath.Join(output, staging.FinalTemplate))

	logData, err := os.ReadFile(filepath.Join(output, buildTemplateLog))
	if err != nil {
		t.Fatalf("read build log: %v", err)
	}
	requireContains(t, string(logData), "template generation complete")
}

func TestBuildTemplateExistingOutput(t *testing.T) {
	env := setupCLITestEnv(t)
	inputs := writeTemplateInputs(t, env, "a", "b")
	output := filepath.Join(env.baseDir, "template")
	args := []string{"build_template", "-i", inputs, "-o", output, "--syn_steps", "0"}

	if _, _, err := runCLI(t, env, args...); err != nil {
		t.Fatalf("first build: %v", err)
	}
	calls := env.aligner.AlignCalls()

	_, stderr, err := runCLI(t, env, args...)
	if err != nil {
		t.Fatalf("existing output should only warn: %v", err)
	}
	requireContains(t, stderr, "--preemptible")

	out, _, err := runCLI(t, env, append(args, "--preemptible")...)
	if err != nil {
		t.Fatalf("resumed build: %v", err)
	}
	requireContains(t, out, "Template already built")
	if env.aligner.AlignCalls() != calls {
		t.Fatalf("resuming a finished build aligned again: %d -> %d", calls, env.aligner.AlignCalls())
	}
}

func TestBuildTemplateFlagValidation(t *testing.T) {
	env := setupCLITestEnv(t)
	inputs := writeTemplateInputs(t, env, "a")
	output := filepath.Join(env.baseDir, "template")

	cases := map[string][]string{
		"force and preemptible": {"build_template", "-i", inputs, "-o", output, "--force", "--preemptible"},
		"missing output":        {"build_template", "-i", inputs},
		"no steps":              {"build_template", "-i", inputs, "-o", output, "--affine_steps", "0", "--syn_steps", "0"},
		"unknown preprocessing": {"build_template", "-i", inputs, "-o", output, "--preprocessing", "legacy"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			if _, _, err := runCLI(t, env, args...); err == nil {
				t.Fatalf("expected %s to fail", strings.Join(args, " "))
			}
		})
	}
	if env.aligner.AlignCalls() != 0 {
		t.Fatalf("invalid invocations should not align, got %d", env.aligner.AlignCalls())
	}
}

func TestBuildTemplateUsesConfiguredBackend(t *testing.T) {
	env := setupCLITestEnv(t)
	env.cfg.Template.CheckpointBackend = "sqlite"
	env.cfg.Template.SynSteps = 0
	env.writeConfig(t)
	inputs := writeTemplateInputs(t, env, "a", "b")
	output := filepath.Join(env.baseDir, "template")

	if _, _, err := runCLI(t, env, "build_template", "-i", inputs, "-o", output, "--keep_intermediates"); err != nil {
		t.Fatalf("build_template: %v", err)
	}
	requireFile(t, filepath.Join(output, staging.FinalTemplate))
	if _, err := os.Stat(filepath.Join(output, "templates")); err != nil {
		t.Fatalf("expected intermediate templates to be kept: %v", err)
	}
}
