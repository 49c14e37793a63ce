// Package stagerun aligns every item of a working set to one reference
// volume, checkpointing each (item, variant) as it completes so that re-running
// a stage only performs the work that is still missing.
package stagerun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"bifrost/internal/checkpoint"
	"bifrost/internal/engine"
	"bifrost/internal/logging"
	"bifrost/internal/retry"
	"bifrost/internal/services"
	"bifrost/internal/volume"
)

const (
	// VolumeExt is the extension of warped outputs.
	VolumeExt = ".nii"
	// TransformSuffix marks persisted forward warps next to their outputs.
	TransformSuffix = "_t.nii.gz"
)

// MirrorAxis is the axis flipped to produce a mirrored variant.
const MirrorAxis = 0

// Item is one input volume of a stage.
type Item struct {
	Name string
	Path string
}

// Stage describes one pass of aligning Items to the reference.
type Stage struct {
	Name          string
	Items         []Item
	ReferencePath string
	Kind          engine.Kind
	// PersistTransform additionally writes each item's forward warp.
	PersistTransform bool
	// Mirror processes a flipped copy of every item as a second variant.
	Mirror bool
	// Dir receives the stage outputs.
	Dir string
}

// Output locates the files produced for one (item, variant).
type Output struct {
	Item      string
	Variant   checkpoint.Variant
	Volume    string
	Transform string
	Skipped   bool
}

// Result summarizes a completed stage.
type Result struct {
	Outputs   []Output
	Processed int
	Skipped   int
}

// Runner executes stages against an engine.
type Runner struct {
	Aligner     engine.Aligner
	IO          volume.IO
	Checkpoints checkpoint.Store
	Policy      retry.Policy
	// Workers bounds how many items are aligned concurrently; values below
	// one mean one.
	Workers int
	Logger  *slog.Logger
}

type unit struct {
	item    Item
	variant checkpoint.Variant
}

// Run processes every item and variant of stage. Items that already have a
// checkpoint are skipped. A unit that still fails after the retry policy is
// exhausted aborts the stage and cancels the remaining units.
func (r *Runner) Run(ctx context.Context, stage Stage) (Result, error) {
	if err := r.validate(stage); err != nil {
		return Result{}, err
	}
	ctx = services.WithStep(ctx, stage.Name)
	logger := logging.WithContext(ctx, logging.NewComponentLogger(r.Logger, "stagerun"))

	if err := os.MkdirAll(stage.Dir, 0o755); err != nil {
		return Result{}, fmt.Errorf("ensure stage dir: %w", err)
	}
	fixed, err := r.IO.Read(stage.ReferencePath)
	if err != nil {
		return Result{}, services.Wrap(services.ErrValidation, stage.Name, "read reference", stage.ReferencePath, err)
	}

	units := make([]unit, 0, len(stage.Items)*2)
	for _, item := range stage.Items {
		units = append(units, unit{item: item, variant: checkpoint.Primary})
		if stage.Mirror {
			units = append(units, unit{item: item, variant: checkpoint.Mirrored})
		}
	}

	logger.Info("stage started",
		logging.String(logging.FieldEventType, "stage_start"),
		logging.String("kind", stage.Kind.String()),
		logging.Int("items", len(stage.Items)),
		logging.Bool("mirror", stage.Mirror),
	)
	started := time.Now()

	outputs := make([]Output, len(units))
	var processed, skipped atomic.Int64

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(max(r.Workers, 1))
	for idx, u := range units {
		group.Go(func() error {
			out, err := r.runUnit(groupCtx, stage, fixed, u)
			if err != nil {
				return err
			}
			outputs[idx] = out
			if out.Skipped {
				skipped.Add(1)
			} else {
				processed.Add(1)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		logging.ErrorWithContext(logger, "stage failed", "stage_failure", logging.Error(err))
		return Result{}, err
	}

	result := Result{Outputs: outputs, Processed: int(processed.Load()), Skipped: int(skipped.Load())}
	logger.Info("stage completed",
		logging.String(logging.FieldEventType, "stage_complete"),
		logging.Int("processed", result.Processed),
		logging.Int("skipped", result.Skipped),
		logging.Duration("elapsed", time.Since(started)),
	)
	return result, nil
}

func (r *Runner) validate(stage Stage) error {
	switch {
	case r.Aligner == nil:
		return services.Wrap(services.ErrConfiguration, "stagerun", "validate", "aligner is required", nil)
	case r.IO == nil:
		return services.Wrap(services.ErrConfiguration, "stagerun", "validate", "volume io is required", nil)
	case r.Checkpoints == nil:
		return services.Wrap(services.ErrConfiguration, "stagerun", "validate", "checkpoint store is required", nil)
	case strings.TrimSpace(stage.Name) == "":
		return services.Wrap(services.ErrValidation, "stagerun", "validate", "stage name is required", nil)
	case strings.TrimSpace(stage.Dir) == "":
		return services.Wrap(services.ErrValidation, stage.Name, "validate", "stage directory is required", nil)
	case stage.PersistTransform && stage.Kind != engine.SyN:
		return services.Wrap(services.ErrValidation, stage.Name, "validate",
			fmt.Sprintf("%s alignments have no dense transform to persist", stage.Kind), nil)
	}
	variants := []checkpoint.Variant{checkpoint.Primary}
	if stage.Mirror {
		variants = append(variants, checkpoint.Mirrored)
	}
	// Outputs are named item+suffix, so "a_m" collides with mirrored "a".
	owners := make(map[string]string, len(stage.Items)*len(variants))
	for _, item := range stage.Items {
		for _, variant := range variants {
			name := item.Name + variant.Suffix()
			if owner, dup := owners[name]; dup {
				return services.Wrap(services.ErrValidation, stage.Name, "validate",
					fmt.Sprintf("item %q output %q collides with item %q", item.Name, name, owner), nil)
			}
			owners[name] = item.Name
		}
	}
	return nil
}

// Paths returns the output locations for one item variant in dir.
func Paths(dir, item string, variant checkpoint.Variant) (vol, transform string) {
	base := filepath.Join(dir, item+variant.Suffix())
	return base + VolumeExt, base + TransformSuffix
}

func (r *Runner) runUnit(ctx context.Context, stage Stage, fixed volume.Volume, u unit) (Output, error) {
	key := checkpoint.Key{Step: stage.Name, Item: u.item.Name, Variant: u.variant}
	volPath, transformPath := Paths(stage.Dir, u.item.Name, u.variant)
	out := Output{Item: u.item.Name, Variant: u.variant, Volume: volPath}
	if stage.PersistTransform {
		out.Transform = transformPath
	}

	ctx = services.WithVariant(services.WithItem(ctx, u.item.Name), string(u.variant))
	logger := logging.WithContext(ctx, logging.NewComponentLogger(r.Logger, "stagerun"))

	done, err := r.Checkpoints.Exists(ctx, key)
	if err != nil {
		return Output{}, fmt.Errorf("check %s: %w", key, err)
	}
	if done {
		logger.Info("found existing work", logging.String(logging.FieldEventType, "item_skipped"))
		out.Skipped = true
		return out, nil
	}

	policy := r.Policy
	onRetry := policy.OnRetry
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		logging.WarnWithContext(logger, "alignment failed, retrying", "item_retry",
			logging.Int(logging.FieldAttempt, attempt),
			logging.Duration("delay", delay),
			logging.Error(err),
			logging.String(logging.FieldImpact, "partial outputs removed before the next attempt"),
		)
		if onRetry != nil {
			onRetry(attempt, err, delay)
		}
	}

	outcome := retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		logger.Info("processing", logging.Int(logging.FieldAttempt, attempt))
		return r.align(ctx, stage, fixed, u, key, out)
	}, func() error {
		return r.clean(ctx, key, volPath, transformPath)
	})
	if !outcome.OK() {
		return Output{}, fmt.Errorf("%s: %s (%s after %d attempts): %w",
			stage.Name, key, outcome.Status, outcome.Attempts, outcome.Err)
	}
	return out, nil
}

func (r *Runner) align(ctx context.Context, stage Stage, fixed volume.Volume, u unit, key checkpoint.Key, out Output) error {
	moving, err := r.IO.Read(u.item.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return services.Wrap(services.ErrNotFound, stage.Name, "read moving", u.item.Path, err)
		}
		return services.Wrap(services.ErrTransient, stage.Name, "read moving", u.item.Path, err)
	}
	if u.variant == checkpoint.Mirrored {
		moving = moving.Flip(MirrorAxis)
	}

	result, err := r.Aligner.Align(ctx, fixed, moving, stage.Kind)
	if err != nil {
		return err
	}
	if err := r.IO.Write(out.Volume, result.Warped); err != nil {
		return services.Wrap(services.ErrTransient, stage.Name, "write output", out.Volume, err)
	}
	written := []string{out.Volume}
	if stage.PersistTransform {
		forward, ok := result.WarpArtifact()
		if !ok {
			return services.Wrap(services.ErrExternalTool, stage.Name, "persist transform",
				"engine returned no dense warp", nil)
		}
		if err := r.IO.Write(out.Transform, forward); err != nil {
			return services.Wrap(services.ErrTransient, stage.Name, "write transform", out.Transform, err)
		}
		written = append(written, out.Transform)
	}
	return r.Checkpoints.MarkComplete(ctx, key, written)
}

func (r *Runner) clean(ctx context.Context, key checkpoint.Key, paths ...string) error {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove partial output: %w", err)
		}
	}
	return r.Checkpoints.Clear(context.WithoutCancel(ctx), key)
}

// ListItems enumerates the warped outputs in dir as the items of a following
// stage, sorted by name. Persisted transforms are not items.
func ListItems(dir string) ([]Item, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	var items []Item
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, VolumeExt) {
			continue
		}
		items = append(items, Item{Name: strings.TrimSuffix(name, VolumeExt), Path: filepath.Join(dir, name)})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return items, nil
}

// ListTransforms returns the persisted transforms in dir, sorted.
func ListTransforms(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*"+TransformSuffix))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}
