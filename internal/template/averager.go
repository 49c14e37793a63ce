package template

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gonum.org/v1/gonum/floats"

	"bifrost/internal/engine"
	"bifrost/internal/logging"
	"bifrost/internal/retry"
	"bifrost/internal/services"
	"bifrost/internal/stagerun"
	"bifrost/internal/volume"
)

// DefaultGradientStep scales the inverse average warp.
const DefaultGradientStep = 0.2

// InverseStrategy turns the mean forward warp of a step into the warp applied
// to the averaged image.
type InverseStrategy interface {
	Invert(mean volume.Volume) (volume.Volume, error)
}

// NegateScale approximates the inverse by negating the mean warp and scaling
// it by GradientStep. Affine components of the forward transforms are ignored,
// so it is only reasonable when those are close to the identity.
type NegateScale struct {
	GradientStep float64
}

func (n NegateScale) Invert(mean volume.Volume) (volume.Volume, error) {
	if mean.Components != 3 {
		return volume.Volume{}, fmt.Errorf("invert warp: expected 3 components, got %d", mean.Components)
	}
	if n.GradientStep <= 0 {
		return volume.Volume{}, fmt.Errorf("invert warp: gradient step must be positive, got %g", n.GradientStep)
	}
	return mean.Scale(-n.GradientStep), nil
}

// Request identifies the outputs of one step to be averaged.
type Request struct {
	Step string
	// Dir holds the step's aligned outputs.
	Dir string
	// Output is where the template is written.
	Output string
	// UseTransforms selects transform mode: the averaged image is warped by
	// the inverse of the average persisted warp. InverseCache stores that
	// inverse so a retried or resumed step does not recompute it.
	UseTransforms bool
	InverseCache  string
}

// Averager produces the template of a step from its aligned outputs.
type Averager struct {
	Aligner engine.Aligner
	IO      volume.IO
	Inverse InverseStrategy
	Policy  retry.Policy
	Logger  *slog.Logger
}

// Generate writes the template for req. Inputs are enumerated in name order,
// so the result does not depend on directory listing order. A failed attempt
// removes the partial template before retrying.
func (a *Averager) Generate(ctx context.Context, req Request) error {
	if a.IO == nil {
		return services.Wrap(services.ErrConfiguration, req.Step, "average", "volume io is required", nil)
	}
	if req.UseTransforms && (a.Aligner == nil || req.InverseCache == "") {
		return services.Wrap(services.ErrConfiguration, req.Step, "average",
			"transform averaging needs an aligner and an inverse cache path", nil)
	}
	ctx = services.WithStep(ctx, req.Step)
	logger := logging.WithContext(ctx, logging.NewComponentLogger(a.Logger, "averager"))

	policy := a.Policy
	policy.OnRetry = func(attempt int, err error, _ time.Duration) {
		logging.WarnWithContext(logger, "template generation failed, retrying", "template_retry",
			logging.Int(logging.FieldAttempt, attempt),
			logging.Error(err),
			logging.String(logging.FieldImpact, "partial template removed before the next attempt"),
		)
	}
	outcome := retry.Do(ctx, policy, func(ctx context.Context, _ int) error {
		return a.generate(ctx, req, logger)
	}, func() error {
		if err := os.Remove(req.Output); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	})
	if !outcome.OK() {
		return fmt.Errorf("generate template %s (%s after %d attempts): %w",
			req.Step, outcome.Status, outcome.Attempts, outcome.Err)
	}
	logger.Info("template generated",
		logging.String(logging.FieldEventType, "template_complete"),
		logging.String("path", req.Output),
		logging.Bool("transform_mode", req.UseTransforms),
	)
	return nil
}

func (a *Averager) generate(ctx context.Context, req Request, logger *slog.Logger) error {
	items, err := stagerun.ListItems(req.Dir)
	if err != nil {
		return err
	}
	paths := make([]string, 0, len(items))
	for _, item := range items {
		paths = append(paths, item.Path)
	}
	mean, err := a.mean(paths)
	if err != nil {
		return err
	}
	if !req.UseTransforms {
		return a.IO.Write(req.Output, mean)
	}

	inverse, err := a.inverse(req, logger)
	if err != nil {
		return err
	}
	template, err := a.Aligner.ApplyTransforms(ctx, mean, mean, []engine.Artifact{{Warp: &inverse}}, volume.Linear)
	if err != nil {
		return err
	}
	return a.IO.Write(req.Output, template)
}

func (a *Averager) inverse(req Request, logger *slog.Logger) (volume.Volume, error) {
	if cached, err := a.IO.Read(req.InverseCache); err == nil {
		logger.Info("found existing inverse average transform", logging.String("path", req.InverseCache))
		return cached, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return volume.Volume{}, fmt.Errorf("read inverse cache: %w", err)
	}

	transforms, err := stagerun.ListTransforms(req.Dir)
	if err != nil {
		return volume.Volume{}, err
	}
	mean, err := a.mean(transforms)
	if err != nil {
		return volume.Volume{}, err
	}
	strategy := a.Inverse
	if strategy == nil {
		strategy = NegateScale{GradientStep: DefaultGradientStep}
	}
	inverse, err := strategy.Invert(mean)
	if err != nil {
		return volume.Volume{}, services.Wrap(services.ErrValidation, req.Step, "invert average transform", "", err)
	}
	if err := os.MkdirAll(filepath.Dir(req.InverseCache), 0o755); err != nil {
		return volume.Volume{}, err
	}
	if err := a.IO.Write(req.InverseCache, inverse); err != nil {
		return volume.Volume{}, err
	}
	return inverse, nil
}

// mean accumulates the voxel-wise mean of the volumes at paths one file at a
// time, taking metadata from the first.
func (a *Averager) mean(paths []string) (volume.Volume, error) {
	if len(paths) == 0 {
		return volume.Volume{}, services.Wrap(services.ErrValidation, "", "average", "no inputs to average", nil)
	}
	var first volume.Volume
	var sum []float64
	for idx, path := range paths {
		v, err := a.IO.Read(path)
		if err != nil {
			return volume.Volume{}, fmt.Errorf("read %s: %w", path, err)
		}
		if idx == 0 {
			first = v
			sum = append([]float64(nil), v.Data...)
			continue
		}
		if v.Shape != first.Shape || v.Components != first.Components || len(v.Data) != len(sum) {
			return volume.Volume{}, services.Wrap(services.ErrValidation, "", "average",
				fmt.Sprintf("%s has shape %v x %d, want %v x %d", filepath.Base(path), v.Shape, v.Components, first.Shape, first.Components),
				volume.ErrShapeMismatch)
		}
		floats.Add(sum, v.Data)
	}
	floats.Scale(1/float64(len(paths)), sum)
	return first.WithData(sum), nil
}
