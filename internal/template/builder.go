// Package template builds a population template by repeatedly aligning every
// input to the current template and averaging the results into the next one.
package template

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"bifrost/internal/checkpoint"
	"bifrost/internal/engine"
	"bifrost/internal/fileutil"
	"bifrost/internal/logging"
	"bifrost/internal/retry"
	"bifrost/internal/services"
	"bifrost/internal/stagerun"
	"bifrost/internal/staging"
	"bifrost/internal/volume"
)

// ErrOutputExists reports an existing output directory when neither Force nor
// Resume was requested.
var ErrOutputExists = errors.New("template output already exists")

// Options configures one template build.
type Options struct {
	// Inputs are volume files or directories of volume files.
	Inputs []string
	Output string
	// Reference seeds the first affine step; the first input is used when
	// empty.
	Reference         string
	AffineSteps       int
	SynSteps          int
	GradientStep      float64
	Mirror            bool
	KeepIntermediates bool
	Force             bool
	Resume            bool
	Workers           int
	// CheckpointBackend selects the checkpoint store: "file" or "sqlite".
	CheckpointBackend string
}

// Validate reports option combinations that cannot produce a template.
func (o Options) Validate() error {
	switch {
	case len(o.Inputs) == 0:
		return services.Wrap(services.ErrValidation, "build_template", "validate", "at least one input is required", nil)
	case strings.TrimSpace(o.Output) == "":
		return services.Wrap(services.ErrValidation, "build_template", "validate", "output directory is required", nil)
	case o.Force && o.Resume:
		return services.Wrap(services.ErrValidation, "build_template", "validate", "force and resume are mutually exclusive", nil)
	case o.AffineSteps < 0 || o.SynSteps < 0:
		return services.Wrap(services.ErrValidation, "build_template", "validate", "step counts must not be negative", nil)
	case o.AffineSteps+o.SynSteps < 1:
		return services.Wrap(services.ErrValidation, "build_template", "validate", "at least one affine or SyN step is required", nil)
	case o.SynSteps > 0 && o.GradientStep <= 0:
		return services.Wrap(services.ErrValidation, "build_template", "validate", "gradient step must be positive", nil)
	}
	return nil
}

// Step is one alignment-and-average iteration.
type Step struct {
	Name string
	Kind engine.Kind
}

// Label is the human-readable step name used in progress output.
func (s Step) Label() string {
	return cases.Title(language.English).String(strings.ReplaceAll(s.Name, "_", " "))
}

func stepName(kind engine.Kind, index int) string {
	if kind == engine.SyN {
		return fmt.Sprintf("syn_%d", index)
	}
	return fmt.Sprintf("affine_%d", index)
}

// Steps lists the iterations of o in execution order.
func (o Options) Steps() []Step {
	steps := make([]Step, 0, o.AffineSteps+o.SynSteps)
	for i := 0; i < o.AffineSteps; i++ {
		steps = append(steps, Step{Name: stepName(engine.Affine, i), Kind: engine.Affine})
	}
	for i := 0; i < o.SynSteps; i++ {
		steps = append(steps, Step{Name: stepName(engine.SyN, i), Kind: engine.SyN})
	}
	return steps
}

// StepSummary records what a build did for one step.
type StepSummary struct {
	Name              string
	Aligned           bool
	Averaged          bool
	Processed         int
	Skipped           int
	AlignmentDuration time.Duration
}

// Summary describes a finished build.
type Summary struct {
	Template string
	// AlreadyComplete is set when a resumed build found a finished template
	// and did no work.
	AlreadyComplete bool
	Steps           []StepSummary
}

// Builder runs template builds against an engine.
type Builder struct {
	Aligner      engine.Aligner
	IO           volume.IO
	Preprocessor engine.Preprocessor
	// Inverse overrides the transform-mode inverse; nil negates and scales
	// by Options.GradientStep.
	Inverse InverseStrategy
	Policy  retry.Policy
	Logger  *slog.Logger
	// OnPrepared runs once the output layout exists, before any work. A
	// non-nil logger it returns replaces Logger for the rest of the build.
	OnPrepared func(dir string) (*slog.Logger, error)
}

// Build produces <output>/template.nii. Scratch space is removed on return
// whether or not the build succeeded.
func (b *Builder) Build(ctx context.Context, opts Options) (Summary, error) {
	if err := opts.Validate(); err != nil {
		return Summary{}, err
	}
	if b.Aligner == nil || b.IO == nil || b.Preprocessor == nil {
		return Summary{}, services.Wrap(services.ErrConfiguration, "build_template", "init",
			"aligner, volume io and preprocessor are required", nil)
	}
	base := b.Logger
	logger := logging.WithContext(ctx, logging.NewComponentLogger(base, "template"))

	inputs, err := ExpandInputs(opts.Inputs)
	if err != nil {
		return Summary{}, err
	}
	reference := opts.Reference
	if reference == "" {
		reference = inputs[0]
	} else if ok, err := fileutil.Exists(reference); err != nil || !ok {
		return Summary{}, services.Wrap(services.ErrNotFound, "build_template", "reference", reference, err)
	}

	layout := staging.Layout{Root: opts.Output}
	exists, err := fileutil.Exists(layout.Root)
	if err != nil {
		return Summary{}, err
	}
	resumed := false
	if exists {
		switch {
		case opts.Force:
			logger.Info("cleaning existing results directory", logging.String("path", layout.Root))
			if err := os.RemoveAll(layout.Root); err != nil {
				return Summary{}, fmt.Errorf("remove existing output: %w", err)
			}
		case opts.Resume:
			if done, _ := fileutil.Exists(layout.Final()); done {
				logger.Info("template already built", logging.String("path", layout.Final()))
				return Summary{Template: layout.Final(), AlreadyComplete: true}, nil
			}
			logger.Info("resuming existing work", logging.String("path", layout.Root))
			resumed = true
		default:
			return Summary{}, fmt.Errorf("%w: %s", ErrOutputExists, layout.Root)
		}
	}

	if err := layout.Ensure(); err != nil {
		return Summary{}, err
	}
	if b.OnPrepared != nil {
		attached, err := b.OnPrepared(layout.Root)
		if err != nil {
			return Summary{}, err
		}
		if attached != nil {
			base = attached
			logger = logging.WithContext(ctx, logging.NewComponentLogger(base, "template"))
		}
	}
	defer func() {
		_ = staging.RemoveScratch(context.WithoutCancel(ctx), layout.Scratch(), base)
	}()

	steps := opts.Steps()
	if resumed {
		active := make(map[string]struct{}, len(steps)*2)
		for _, step := range steps {
			active[step.Name] = struct{}{}
			active[step.Name+"_transform"] = struct{}{}
		}
		staging.CleanOrphaned(ctx, layout.Scratch(), active, base)
		if dirs, err := staging.ListDirectories(layout.Scratch()); err == nil {
			for _, dir := range dirs {
				logger.Debug("found previous step work",
					logging.String(logging.FieldStep, dir.Name),
					logging.Int("bytes", int(dir.Size)),
					logging.String("modified", dir.ModTime.Format(time.RFC3339)),
				)
			}
		}
	}

	store, closeStore, err := checkpoint.Open(ctx, opts.CheckpointBackend, layout.Checkpoints())
	if err != nil {
		return Summary{}, err
	}
	defer func() { _ = closeStore() }()

	items, err := b.preprocess(ctx, inputs, layout, logger)
	if err != nil {
		return Summary{}, err
	}

	runner := &stagerun.Runner{
		Aligner:     b.Aligner,
		IO:          b.IO,
		Checkpoints: store,
		Policy:      b.Policy,
		Workers:     opts.Workers,
		Logger:      base,
	}
	inverse := b.Inverse
	if inverse == nil {
		inverse = NegateScale{GradientStep: opts.GradientStep}
	}
	averager := &Averager{Aligner: b.Aligner, IO: b.IO, Inverse: inverse, Policy: b.Policy, Logger: base}

	plan, err := planSteps(steps, layout)
	if err != nil {
		return Summary{}, err
	}

	summary := Summary{Template: layout.Final()}
	for idx, step := range steps {
		stepCtx := services.WithStep(ctx, step.Name)
		stepLogger := logging.WithContext(stepCtx, logging.NewComponentLogger(base, "template"))
		result := StepSummary{Name: step.Name}

		if !plan[idx].align && !plan[idx].average {
			stepLogger.Info("template already exists", logging.String(logging.FieldEventType, "step_skipped"))
			summary.Steps = append(summary.Steps, result)
			continue
		}

		fixed := reference
		if idx > 0 {
			fixed = layout.Template(steps[idx-1].Name)
			if items, err = stagerun.ListItems(layout.StepDir(steps[idx-1].Name)); err != nil {
				return summary, err
			}
		}

		if plan[idx].align {
			stepLogger.Info(step.Label()+" started",
				logging.String(logging.FieldEventType, "step_start"),
				logging.Int("items", len(items)),
			)
			started := time.Now()
			res, err := runner.Run(ctx, stagerun.Stage{
				Name:             step.Name,
				Items:            items,
				ReferencePath:    fixed,
				Kind:             step.Kind,
				PersistTransform: step.Kind == engine.SyN,
				Mirror:           opts.Mirror && idx == 0,
				Dir:              layout.StepDir(step.Name),
			})
			if err != nil {
				return summary, err
			}
			result.Aligned = true
			result.Processed, result.Skipped = res.Processed, res.Skipped
			result.AlignmentDuration = time.Since(started)
		}

		if plan[idx].average {
			if err := averager.Generate(ctx, Request{
				Step:          step.Name,
				Dir:           layout.StepDir(step.Name),
				Output:        layout.Template(step.Name),
				UseTransforms: step.Kind == engine.SyN,
				InverseCache:  layout.InverseTransform(step.Name),
			}); err != nil {
				return summary, err
			}
			result.Averaged = true
		}
		stepLogger.Info(step.Label()+" finished",
			logging.String(logging.FieldEventType, "step_complete"),
			logging.Int("processed", result.Processed),
			logging.Int("skipped", result.Skipped),
		)
		summary.Steps = append(summary.Steps, result)
	}

	if err := finalize(opts, steps, layout); err != nil {
		return summary, err
	}
	logger.Info("template generation complete",
		logging.String(logging.FieldEventType, "template_build_complete"),
		logging.String("path", summary.Template),
	)
	return summary, nil
}

type stepPlan struct {
	align   bool
	average bool
}

// planSteps decides which steps still need work. A step whose template
// exists is skipped unless a later step has to align against its outputs
// and those outputs are gone, in which case only its alignment is repeated.
func planSteps(steps []Step, layout staging.Layout) ([]stepPlan, error) {
	plan := make([]stepPlan, len(steps))
	needOutputs := false
	for idx := len(steps) - 1; idx >= 0; idx-- {
		done, err := fileutil.Exists(layout.Template(steps[idx].Name))
		if err != nil {
			return nil, err
		}
		plan[idx].average = !done
		plan[idx].align = !done
		if done && needOutputs {
			items, err := stagerun.ListItems(layout.StepDir(steps[idx].Name))
			if err != nil && !errors.Is(err, os.ErrNotExist) {
				return nil, err
			}
			plan[idx].align = len(items) == 0
		}
		needOutputs = plan[idx].align
	}
	return plan, nil
}

// preprocess prepares every input once, reusing results from an earlier run.
func (b *Builder) preprocess(ctx context.Context, inputs []string, layout staging.Layout, logger *slog.Logger) ([]stagerun.Item, error) {
	items := make([]stagerun.Item, 0, len(inputs))
	for _, input := range inputs {
		name := InputName(input)
		dst := filepath.Join(layout.Preprocessed(), name+stagerun.VolumeExt)
		items = append(items, stagerun.Item{Name: name, Path: dst})

		done, err := fileutil.Exists(dst)
		if err != nil {
			return nil, err
		}
		if done {
			logger.Info("already preprocessed", logging.String(logging.FieldItem, name))
			continue
		}
		logger.Info("preprocessing", logging.String(logging.FieldItem, name))
		if err := b.Preprocessor.Preprocess(services.WithItem(ctx, name), input, dst); err != nil {
			_ = os.Remove(dst)
			return nil, fmt.Errorf("preprocess %s: %w", name, err)
		}
	}
	return items, nil
}

func finalize(opts Options, steps []Step, layout staging.Layout) error {
	last := steps[len(steps)-1]
	if err := fileutil.Move(layout.Template(last.Name), layout.Final()); err != nil {
		return fmt.Errorf("move final template: %w", err)
	}
	if opts.KeepIntermediates {
		// The moved template stays reachable under its step name.
		link := layout.Template(last.Name)
		target, err := filepath.Rel(filepath.Dir(link), layout.Final())
		if err != nil {
			target = layout.Final()
		}
		_ = os.Remove(link)
		if err := os.Symlink(target, link); err != nil {
			return fmt.Errorf("link final template: %w", err)
		}
		return nil
	}
	for _, dir := range []string{layout.Preprocessed(), layout.Templates()} {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("remove intermediates: %w", err)
		}
	}
	return nil
}

// InputName is the item name of an input file: its base name up to the
// first dot.
func InputName(path string) string {
	base := filepath.Base(path)
	if idx := strings.Index(base, "."); idx > 0 {
		return base[:idx]
	}
	return base
}

// ExpandInputs replaces every directory in paths with the files it
// contains, sorted by name. Hidden entries are ignored. Two inputs that would
// share an item name are rejected.
func ExpandInputs(paths []string) ([]string, error) {
	var out []string
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, services.Wrap(services.ErrNotFound, "build_template", "inputs", path, err)
		}
		if !info.IsDir() {
			out = append(out, path)
			continue
		}
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", path, err)
		}
		var files []string
		for _, entry := range entries {
			if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
				continue
			}
			files = append(files, filepath.Join(path, entry.Name()))
		}
		sort.Strings(files)
		out = append(out, files...)
	}
	if len(out) == 0 {
		return nil, services.Wrap(services.ErrValidation, "build_template", "inputs", "no input volumes found", nil)
	}
	seen := make(map[string]string, len(out))
	for _, path := range out {
		name := InputName(path)
		if prev, dup := seen[name]; dup {
			return nil, services.Wrap(services.ErrValidation, "build_template", "inputs",
				fmt.Sprintf("%s and %s share the item name %q", prev, path, name), nil)
		}
		seen[name] = path
	}
	return out, nil
}
