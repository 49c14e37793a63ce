// Package synthmorph runs the learned warp predictor as an external command.
//
// The predictor consumes a fixed and a moving image of identical shape and
// writes a three-component displacement field in voxel units. Model weights
// are fetched on first use when they are not already on disk.
package synthmorph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"bifrost/internal/engine"
	"bifrost/internal/logging"
	"bifrost/internal/nifti"
	"bifrost/internal/services"
	"bifrost/internal/services/command"
	"bifrost/internal/volume"
	"bifrost/internal/warp"
)

const (
	// DefaultBinary is the predictor entry point looked up on PATH.
	DefaultBinary = "synthmorph-predict"
	// ShapesWeightsURL serves the weights trained on synthetic shapes.
	ShapesWeightsURL = "https://surfer.nmr.mgh.harvard.edu/ftp/data/voxelmorph/synthmorph/shapes-dice-vel-3-res-8-16-32-256f.h5"
	// BrainsWeightsURL serves the weights trained on brain label maps.
	BrainsWeightsURL = "https://surfer.nmr.mgh.harvard.edu/ftp/data/voxelmorph/synthmorph/brains-dice-vel-0.5-res-16-256f.h5"

	defaultHTTPTimeout = 10 * time.Minute
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

// WithHTTPClient overrides the client used to download weights.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.http = client
		}
	}
}

// WithWeightsURL overrides where missing weights are downloaded from.
func WithWeightsURL(url string) Option {
	return func(c *Client) {
		if url = strings.TrimSpace(url); url != "" {
			c.weightsURL = url
		}
	}
}

// WithWorkDir places temporary predictor files under dir.
func WithWorkDir(dir string) Option {
	return func(c *Client) {
		c.workDir = dir
	}
}

// WithBackOff sets the delay policy between download attempts.
func WithBackOff(b backoff.BackOff) Option {
	return func(c *Client) {
		c.backoff = b
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Client implements engine.Predictor.
type Client struct {
	binary     string
	weights    string
	weightsURL string
	workDir    string
	http       *http.Client
	exec       command.Executor
	io         volume.IO
	backoff    backoff.BackOff
	logger     *slog.Logger
}

var _ engine.Predictor = (*Client)(nil)

// New constructs a predictor client. weights is the local model file path.
func New(binary, weights string, opts ...Option) (*Client, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = DefaultBinary
	}
	weights = strings.TrimSpace(weights)
	if weights == "" {
		return nil, services.Wrap(services.ErrConfiguration, "synthmorph", "init", "weights path is required", nil)
	}
	c := &Client{
		binary:     binary,
		weights:    weights,
		weightsURL: ShapesWeightsURL,
		http:       &http.Client{Timeout: defaultHTTPTimeout},
		exec:       command.Local{},
		io:         nifti.Codec{Level: 1},
		logger:     logging.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// WeightsPath returns the local model file.
func (c *Client) WeightsPath() string {
	return c.weights
}

// Ready makes sure the model weights exist, downloading them when missing.
func (c *Client) Ready(ctx context.Context) error {
	return EnsureWeights(ctx, c.http, c.weightsURL, c.weights, c.backoff, c.logger)
}

// Predict runs the network on fixed and moving, which must share a shape.
func (c *Client) Predict(ctx context.Context, fixed, moving volume.Volume) (warp.Field, error) {
	if fixed.Shape != moving.Shape {
		return warp.Field{}, services.Wrap(services.ErrValidation, "synthmorph", "predict",
			fmt.Sprintf("fixed shape %v differs from moving shape %v", fixed.Shape, moving.Shape), nil)
	}
	if c.workDir != "" {
		if err := os.MkdirAll(c.workDir, 0o755); err != nil {
			return warp.Field{}, fmt.Errorf("create predictor work dir: %w", err)
		}
	}
	dir, err := os.MkdirTemp(c.workDir, "synthmorph-")
	if err != nil {
		return warp.Field{}, fmt.Errorf("create predictor scratch: %w", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	fixedPath := filepath.Join(dir, "fixed.nii.gz")
	movingPath := filepath.Join(dir, "moving.nii.gz")
	warpPath := filepath.Join(dir, "warp.nii.gz")
	if err := c.io.Write(fixedPath, fixed); err != nil {
		return warp.Field{}, fmt.Errorf("stage fixed image: %w", err)
	}
	if err := c.io.Write(movingPath, moving); err != nil {
		return warp.Field{}, fmt.Errorf("stage moving image: %w", err)
	}

	tail := &command.Tail{}
	runErr := c.exec.Run(ctx, c.binary, PredictArgs(c.weights, fixedPath, movingPath, warpPath), func(line string) {
		tail.Add(line)
		c.logger.Debug("predictor output", logging.String("line", line))
	})
	if runErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return warp.Field{}, errors.Join(ctxErr, runErr)
		}
		if errors.Is(runErr, exec.ErrNotFound) || errors.Is(runErr, os.ErrNotExist) {
			return warp.Field{}, services.Wrap(services.ErrConfiguration, "synthmorph", "predict", "binary not found", runErr)
		}
		return warp.Field{}, services.Wrap(services.ErrExternalTool, "synthmorph", "predict", tail.String(), runErr)
	}

	raw, err := c.io.Read(warpPath)
	if err != nil {
		return warp.Field{}, services.Wrap(services.ErrExternalTool, "synthmorph", "read warp", "", err)
	}
	field, err := warp.FromVolume(raw)
	if err != nil {
		return warp.Field{}, services.Wrap(services.ErrExternalTool, "synthmorph", "read warp", "", err)
	}
	if field.Shape != fixed.Shape {
		return warp.Field{}, services.Wrap(services.ErrExternalTool, "synthmorph", "read warp",
			fmt.Sprintf("warp shape %v, want %v", field.Shape, fixed.Shape), nil)
	}
	return field, nil
}

// PredictArgs builds the predictor command line.
func PredictArgs(weights, fixed, moving, out string) []string {
	return []string{
		"--model", weights,
		"--fixed", fixed,
		"--moving", moving,
		"--warp", out,
	}
}
