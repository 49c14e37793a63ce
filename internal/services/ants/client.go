// Package ants drives the ANTs command line tools as the registration engine.
//
// Alignment runs antsRegistration on temporary NIfTI copies of the inputs and
// reads back the warped image, the affine (ITK MATLAB format) and, for SyN,
// the forward displacement field. Transform application runs
// antsApplyTransforms with the same transform ordering ANTs uses: the first
// transform listed is applied last.
package ants

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"bifrost/internal/engine"
	"bifrost/internal/logging"
	"bifrost/internal/nifti"
	"bifrost/internal/services"
	"bifrost/internal/services/command"
	"bifrost/internal/volume"
)

// Default binary names.
const (
	RegistrationBinary = "antsRegistration"
	ApplyBinary        = "antsApplyTransforms"
)

// Option configures the client.
type Option func(*Client)

// WithExecutor injects a custom executor (primarily for tests).
func WithExecutor(executor command.Executor) Option {
	return func(c *Client) {
		if executor != nil {
			c.exec = executor
		}
	}
}

// WithWorkDir places temporary engine files under dir instead of the system
// temporary directory.
func WithWorkDir(dir string) Option {
	return func(c *Client) {
		c.workDir = dir
	}
}

// WithLogger receives engine output at debug level.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Client implements engine.Aligner with ANTs.
type Client struct {
	registration string
	apply        string
	workDir      string
	exec         command.Executor
	io           volume.IO
	logger       *slog.Logger
}

var _ engine.Aligner = (*Client)(nil)

// New constructs an ANTs client.
func New(registrationBinary, applyBinary string, opts ...Option) (*Client, error) {
	registrationBinary = strings.TrimSpace(registrationBinary)
	applyBinary = strings.TrimSpace(applyBinary)
	if registrationBinary == "" || applyBinary == "" {
		return nil, services.Wrap(services.ErrConfiguration, "ants", "init", "registration and apply binaries are required", nil)
	}
	c := &Client{
		registration: registrationBinary,
		apply:        applyBinary,
		exec:         command.Local{},
		io:           nifti.Codec{Level: 1},
		logger:       logging.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) scratch() (string, func(), error) {
	if c.workDir != "" {
		if err := os.MkdirAll(c.workDir, 0o755); err != nil {
			return "", nil, fmt.Errorf("create engine work dir: %w", err)
		}
	}
	dir, err := os.MkdirTemp(c.workDir, "ants-")
	if err != nil {
		return "", nil, fmt.Errorf("create engine scratch: %w", err)
	}
	return dir, func() { _ = os.RemoveAll(dir) }, nil
}

// Align registers moving to fixed.
func (c *Client) Align(ctx context.Context, fixed, moving volume.Volume, kind engine.Kind) (engine.Result, error) {
	dir, cleanup, err := c.scratch()
	if err != nil {
		return engine.Result{}, err
	}
	defer cleanup()

	fixedPath := filepath.Join(dir, "fixed.nii.gz")
	movingPath := filepath.Join(dir, "moving.nii.gz")
	if err := c.io.Write(fixedPath, fixed); err != nil {
		return engine.Result{}, fmt.Errorf("stage fixed image: %w", err)
	}
	if err := c.io.Write(movingPath, moving); err != nil {
		return engine.Result{}, fmt.Errorf("stage moving image: %w", err)
	}

	prefix := filepath.Join(dir, "out_")
	warpedPath := filepath.Join(dir, "warped.nii.gz")
	args, err := RegistrationArgs(kind, fixedPath, movingPath, prefix, warpedPath)
	if err != nil {
		return engine.Result{}, err
	}
	if err := c.run(ctx, c.registration, args); err != nil {
		return engine.Result{}, err
	}

	warped, err := c.io.Read(warpedPath)
	if err != nil {
		return engine.Result{}, services.Wrap(services.ErrExternalTool, "ants", "read warped", warpedPath, err)
	}
	affine, err := ReadAffine(prefix + "0GenericAffine.mat")
	if err != nil {
		return engine.Result{}, services.Wrap(services.ErrExternalTool, "ants", "read affine", "", err)
	}
	result := engine.Result{Warped: warped}
	if kind == engine.SyN {
		field, err := c.io.Read(prefix + "1Warp.nii.gz")
		if err != nil {
			return engine.Result{}, services.Wrap(services.ErrExternalTool, "ants", "read warp", "", err)
		}
		if field.Components != 3 {
			return engine.Result{}, services.Wrap(services.ErrExternalTool, "ants", "read warp",
				fmt.Sprintf("warp has %d components, want 3", field.Components), nil)
		}
		result.Forward = append(result.Forward, engine.Artifact{Warp: &field})
	}
	result.Forward = append(result.Forward, engine.Artifact{Affine: &affine})
	return result, nil
}

// ApplyTransforms resamples moving onto fixed's grid through transforms.
func (c *Client) ApplyTransforms(ctx context.Context, fixed, moving volume.Volume, transforms []engine.Artifact, interp volume.Interpolation) (volume.Volume, error) {
	dir, cleanup, err := c.scratch()
	if err != nil {
		return volume.Volume{}, err
	}
	defer cleanup()

	fixedPath := filepath.Join(dir, "reference.nii.gz")
	movingPath := filepath.Join(dir, "input.nii.gz")
	outPath := filepath.Join(dir, "output.nii.gz")
	if err := c.io.Write(fixedPath, fixed); err != nil {
		return volume.Volume{}, fmt.Errorf("stage reference image: %w", err)
	}
	if err := c.io.Write(movingPath, moving); err != nil {
		return volume.Volume{}, fmt.Errorf("stage input image: %w", err)
	}

	paths := make([]string, 0, len(transforms))
	for idx, t := range transforms {
		switch {
		case t.Warp != nil:
			p := filepath.Join(dir, "t"+strconv.Itoa(idx)+"_warp.nii.gz")
			if err := c.io.Write(p, *t.Warp); err != nil {
				return volume.Volume{}, fmt.Errorf("stage warp: %w", err)
			}
			paths = append(paths, p)
		case t.Affine != nil:
			p := filepath.Join(dir, "t"+strconv.Itoa(idx)+"_affine.mat")
			if err := WriteAffine(p, *t.Affine); err != nil {
				return volume.Volume{}, fmt.Errorf("stage affine: %w", err)
			}
			paths = append(paths, p)
		default:
			return volume.Volume{}, services.Wrap(services.ErrValidation, "ants", "apply",
				fmt.Sprintf("transform %d is empty", idx), nil)
		}
	}

	if err := c.run(ctx, c.apply, ApplyArgs(fixedPath, movingPath, outPath, paths, interp, moving.Components > 1)); err != nil {
		return volume.Volume{}, err
	}
	out, err := c.io.Read(outPath)
	if err != nil {
		return volume.Volume{}, services.Wrap(services.ErrExternalTool, "ants", "read output", outPath, err)
	}
	return out, nil
}

func (c *Client) run(ctx context.Context, binary string, args []string) error {
	tail := &command.Tail{Max: 20}
	err := c.exec.Run(ctx, binary, args, func(line string) {
		tail.Add(line)
		c.logger.Debug("engine output", logging.String("tool", binary), logging.String("line", line))
	})
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return errors.Join(ctxErr, err)
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		return services.Wrap(services.ErrConfiguration, "ants", filepath.Base(binary), "binary not found", err)
	}
	return services.Wrap(services.ErrExternalTool, "ants", filepath.Base(binary), tail.String(), err)
}

// RegistrationArgs builds the antsRegistration command line. Affine runs a
// rigid-initialised affine stage; SyN adds a symmetric normalization stage on
// top of its own affine.
func RegistrationArgs(kind engine.Kind, fixed, moving, prefix, warped string) ([]string, error) {
	mattes := fmt.Sprintf("MI[%s,%s,1,32,Regular,0.2]", fixed, moving)
	args := []string{
		"--dimensionality", "3",
		"--float", "0",
		"--output", fmt.Sprintf("[%s,%s]", prefix, warped),
		"--interpolation", "Linear",
		"--use-histogram-matching", "0",
		"--winsorize-image-intensities", "[0.005,0.995]",
		"--initial-moving-transform", fmt.Sprintf("[%s,%s,1]", fixed, moving),
		"--transform", "Affine[0.25]",
		"--metric", mattes,
		"--convergence", "[2100x1200x1200x0,1e-6,10]",
		"--shrink-factors", "4x2x2x1",
		"--smoothing-sigmas", "3x2x1x0vox",
	}
	switch kind {
	case engine.Affine:
	case engine.SyN:
		args = append(args,
			"--transform", "SyN[0.2,3,0]",
			"--metric", fmt.Sprintf("MI[%s,%s,1,32]", fixed, moving),
			"--convergence", "[40x20x0,1e-7,8]",
			"--shrink-factors", "4x2x1",
			"--smoothing-sigmas", "2x1x0vox",
		)
	default:
		return nil, services.Wrap(services.ErrValidation, "ants", "arguments", fmt.Sprintf("unsupported transform %s", kind), nil)
	}
	return append(args, "--verbose", "1"), nil
}

// ApplyArgs builds the antsApplyTransforms command line.
func ApplyArgs(reference, input, output string, transforms []string, interp volume.Interpolation, vector bool) []string {
	mode := "Linear"
	if interp == volume.NearestNeighbor {
		mode = "NearestNeighbor"
	}
	args := []string{
		"--dimensionality", "3",
		"--input", input,
		"--reference-image", reference,
		"--output", output,
		"--interpolation", mode,
	}
	if vector {
		args = append(args, "--input-image-type", "1")
	}
	for _, t := range transforms {
		args = append(args, "--transform", t)
	}
	return args
}
