// Package registration aligns one moving image to one fixed image with an
// affine, a SyN and a learned dense-warp stage, and records the composed
// transform in a single archive that can later be replayed onto other images.
package registration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"bifrost/internal/archive"
	"bifrost/internal/engine"
	"bifrost/internal/fileutil"
	"bifrost/internal/logging"
	"bifrost/internal/preprocess"
	"bifrost/internal/retry"
	"bifrost/internal/services"
	"bifrost/internal/volume"
	"bifrost/internal/warp"
)

// Output names inside a results directory.
const (
	RegisteredName = "registered.nii"
	AffineName     = "affine.nii"
	SynName        = "syn.nii"
)

// DefaultTargetShape is the fixed input shape of the warp predictor.
var DefaultTargetShape = [3]int{160, 160, 192}

// Archive attribute keys on the root group.
const (
	AttrTransposition = "transposition"
	AttrMirrorAxis    = "mirror_axis"
	AttrRunID         = "run_id"
	FixedPrefix       = "fixed"
)

// ErrOutputExists reports an existing results directory without Force.
var ErrOutputExists = errors.New("registration results already exist")

// Options configures one registration.
type Options struct {
	Moving     string
	Fixed      string
	ResultsDir string

	SkipAffine     bool
	SkipSyN        bool
	SkipSynthmorph bool

	// DownsampleTo resamples both images to this isotropic spacing before
	// anything else; values <= 0 disable it.
	DownsampleTo float64
	// Clip limits enable contrast equalization per image when positive.
	MovingClipLimit float64
	FixedClipLimit  float64
	CLAHEKernelSize int

	MirrorWarp bool
	// Mask marks moving voxels that keep their intensity through the learned
	// warp. It must share the moving image's grid.
	Mask string

	KeepIntermediates bool
	Force             bool
	TargetShape       [3]int
}

// Validate reports options that cannot describe a registration.
func (o Options) Validate() error {
	switch {
	case strings.TrimSpace(o.Moving) == "":
		return services.Wrap(services.ErrValidation, "register", "validate", "moving image is required", nil)
	case strings.TrimSpace(o.Fixed) == "":
		return services.Wrap(services.ErrValidation, "register", "validate", "fixed image is required", nil)
	case strings.TrimSpace(o.ResultsDir) == "":
		return services.Wrap(services.ErrValidation, "register", "validate", "results directory is required", nil)
	}
	for _, n := range o.targetShape() {
		if n < 1 {
			return services.Wrap(services.ErrValidation, "register", "validate",
				fmt.Sprintf("invalid predictor shape %v", o.TargetShape), nil)
		}
	}
	return nil
}

func (o Options) targetShape() [3]int {
	if o.TargetShape == ([3]int{}) {
		return DefaultTargetShape
	}
	return o.TargetShape
}

// SkipsAll reports whether every stage is disabled.
func (o Options) SkipsAll() bool {
	return o.SkipAffine && o.SkipSyN && o.SkipSynthmorph
}

// Args lists the options as archive attributes, in a stable order.
func (o Options) Args() []Arg {
	return []Arg{
		{"moving", o.Moving},
		{"fixed", o.Fixed},
		{"results_dir", o.ResultsDir},
		{"skip_affine", o.SkipAffine},
		{"skip_syn", o.SkipSyN},
		{"skip_synthmorph", o.SkipSynthmorph},
		{"downsample_to", o.DownsampleTo},
		{"moving_clip_limit", o.MovingClipLimit},
		{"fixed_clip_limit", o.FixedClipLimit},
		{"clahe_kernel_size", o.CLAHEKernelSize},
		{"mirror_warp", o.MirrorWarp},
		{"synthmorph_mask", o.Mask},
		{"keep_intermediates", o.KeepIntermediates},
		{"target_shape", o.targetShape()},
	}
}

// Arg is one recorded option.
type Arg struct {
	Key   string
	Value any
}

// LogPath is the default log file of a registration: the results directory
// base name up to its first dot, with a .log extension, inside the directory.
func LogPath(resultsDir string) string {
	dir := filepath.Clean(resultsDir)
	name := filepath.Base(dir)
	if idx := strings.Index(name, "."); idx > 0 {
		name = name[:idx]
	}
	return filepath.Join(dir, name+".log")
}

// Result describes a finished registration.
type Result struct {
	Archive    string
	Registered string
	Chain      archive.Chain
	// Transposition is the axis order fed to the predictor.
	Transposition volume.Permutation
	// MirrorAxis is the symmetrized axis in transposed order, or -1.
	MirrorAxis int
	// NothingToDo is set when every stage was skipped.
	NothingToDo bool
}

// readier is implemented by predictors that need setup, such as fetching
// model weights, before the first prediction.
type readier interface {
	Ready(ctx context.Context) error
}

// Pipeline runs registrations.
type Pipeline struct {
	Aligner   engine.Aligner
	Predictor engine.Predictor
	IO        volume.IO
	Policy    retry.Policy
	Logger    *slog.Logger
	// OnPrepared runs once the results directory exists and is empty. A
	// non-nil logger it returns replaces Logger for the rest of the run,
	// which lets callers keep the run log inside the results directory.
	OnPrepared func(dir string) (*slog.Logger, error)
}

// state is the evolving working set of one run.
type state struct {
	opts    Options
	arc     *archive.Archive
	base    *slog.Logger
	logger  *slog.Logger
	fixed   volume.Volume
	moving  volume.Volume
	mask    *volume.Volume
	scores  [3]float64
	perm    volume.Permutation
	mirror  int
	outPath string
}

// Run registers opts.Moving to opts.Fixed into opts.ResultsDir.
func (p *Pipeline) Run(ctx context.Context, opts Options) (Result, error) {
	if err := opts.Validate(); err != nil {
		return Result{}, err
	}
	if p.Aligner == nil || p.IO == nil || (p.Predictor == nil && !opts.SkipSynthmorph) {
		return Result{}, services.Wrap(services.ErrConfiguration, "register", "init",
			"aligner, volume io and (unless skipped) predictor are required", nil)
	}
	ctx = services.WithStep(ctx, "register")
	base := p.Logger
	logger := logging.WithContext(ctx, logging.NewComponentLogger(base, "registration"))

	dir := filepath.Clean(opts.ResultsDir)
	logger.Info("storing results", logging.String("path", dir))
	if err := prepareResultsDir(dir, opts.Force, logger); err != nil {
		return Result{}, err
	}
	if p.OnPrepared != nil {
		attached, err := p.OnPrepared(dir)
		if err != nil {
			return Result{}, err
		}
		if attached != nil {
			base = attached
			logger = logging.WithContext(ctx, logging.NewComponentLogger(base, "registration"))
		}
	}

	result := Result{
		Archive:    filepath.Join(dir, archive.FileName),
		Registered: filepath.Join(dir, RegisteredName),
		MirrorAxis: -1,
	}
	if !opts.SkipSynthmorph {
		if r, ok := p.Predictor.(readier); ok {
			if err := r.Ready(ctx); err != nil {
				return Result{}, fmt.Errorf("prepare predictor: %w", err)
			}
		}
	}
	if opts.SkipsAll() {
		logging.WarnWithContext(logger, "all registration stages skipped", "nothing_to_do",
			logging.String(logging.FieldImpact, "no transform was computed"),
			logging.String(logging.FieldErrorHint, "drop one of the skip flags"),
		)
		result.NothingToDo = true
		return result, nil
	}

	arc, err := archive.Create(ctx, result.Archive)
	if err != nil {
		return Result{}, err
	}
	defer func() { _ = arc.Close() }()

	s := &state{opts: opts, arc: arc, base: base, logger: logger, mirror: -1, outPath: result.Registered}
	if err := p.load(ctx, s); err != nil {
		return Result{}, err
	}
	if err := p.prepare(ctx, s); err != nil {
		return Result{}, err
	}

	started := time.Now()
	if !opts.SkipAffine {
		if err := p.affine(ctx, s); err != nil {
			return Result{}, err
		}
	}
	if err := p.plan(ctx, s); err != nil {
		return Result{}, err
	}
	if !opts.SkipSyN {
		if err := p.syn(ctx, s); err != nil {
			return Result{}, err
		}
	}
	if !opts.SkipSynthmorph {
		if err := p.synthmorph(ctx, s); err != nil {
			return Result{}, err
		}
	}

	chain, err := arc.Chain(ctx)
	if err != nil {
		return Result{}, err
	}
	if err := chain.Validate(); err != nil {
		return Result{}, err
	}
	result.Chain = chain
	result.Transposition = s.perm
	result.MirrorAxis = s.mirror
	logger.Info("registration complete",
		logging.String(logging.FieldEventType, "registration_complete"),
		logging.String("chain", chain.String()),
		logging.Duration("elapsed", time.Since(started)),
	)
	return result, nil
}

func prepareResultsDir(dir string, force bool, logger *slog.Logger) error {
	exists, err := fileutil.Exists(dir)
	if err != nil {
		return err
	}
	if exists {
		if !force {
			return fmt.Errorf("%w: %s", ErrOutputExists, dir)
		}
		logger.Info("cleaning existing results directory", logging.String("path", dir))
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("remove existing results: %w", err)
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create results dir: %w", err)
	}
	return nil
}

// load reads the inputs and records their provenance.
func (p *Pipeline) load(ctx context.Context, s *state) error {
	opts := s.opts
	if id, ok := services.RunIDFromContext(ctx); ok {
		if err := s.arc.SetAttr(ctx, "/", AttrRunID, id); err != nil {
			return err
		}
	}
	for _, arg := range opts.Args() {
		if err := s.arc.SetAttr(ctx, "/", "args."+arg.Key, arg.Value); err != nil {
			return err
		}
	}

	var err error
	if s.moving, err = p.readInput(ctx, s, "moving", opts.Moving); err != nil {
		return err
	}
	if s.fixed, err = p.readInput(ctx, s, "fixed", opts.Fixed); err != nil {
		return err
	}
	if err := s.arc.WriteReferenceGeometry(ctx, FixedPrefix, s.fixed); err != nil {
		return err
	}
	if opts.Mask == "" {
		return nil
	}
	mask, err := p.readInput(ctx, s, "mask", opts.Mask)
	if err != nil {
		return err
	}
	s.mask = &mask
	return nil
}

func (p *Pipeline) readInput(ctx context.Context, s *state, role, path string) (volume.Volume, error) {
	sum, err := fileutil.MD5File(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return volume.Volume{}, services.Wrap(services.ErrNotFound, "register", "read "+role, path, err)
		}
		return volume.Volume{}, fmt.Errorf("hash %s: %w", path, err)
	}
	v, err := p.IO.Read(path)
	if err != nil {
		return volume.Volume{}, services.Wrap(services.ErrValidation, "register", "read "+role, path, err)
	}
	s.logger.Info("loaded "+role+" image",
		logging.String("path", path),
		logging.String("md5", sum),
		logging.Any("shape", v.Shape),
		logging.Any("spacing", v.Spacing),
	)
	if role == "mask" {
		return v, nil
	}
	return v, s.arc.SetAttr(ctx, "/", role+".md5sum", sum)
}

// prepare reconciles the mask, resamples and normalizes intensities.
func (p *Pipeline) prepare(ctx context.Context, s *state) error {
	opts := s.opts
	resample := opts.DownsampleTo > 0
	if s.mask != nil && !volume.SameGrid(*s.mask, s.moving) {
		if !resample {
			return maskMismatch(*s.mask, s.moving, "mask grid does not match the moving image")
		}
		logging.WarnWithContext(s.logger, "mask does not match moving image, relying on resampling", "mask_mismatch",
			logging.Any("mask_shape", s.mask.Shape),
			logging.Any("moving_shape", s.moving.Shape),
			logging.Any("mask_spacing", s.mask.Spacing),
			logging.Any("moving_spacing", s.moving.Spacing),
			logging.String(logging.FieldImpact, "mask is resampled independently of the moving image"),
		)
	}

	if resample {
		var err error
		if s.moving, err = isotropic(s.moving, opts.DownsampleTo, volume.Linear); err != nil {
			return services.Wrap(services.ErrValidation, "register", "downsample moving", "", err)
		}
		if s.fixed, err = isotropic(s.fixed, opts.DownsampleTo, volume.Linear); err != nil {
			return services.Wrap(services.ErrValidation, "register", "downsample fixed", "", err)
		}
		if s.mask != nil {
			mask, err := isotropic(*s.mask, opts.DownsampleTo, volume.NearestNeighbor)
			if err != nil {
				return services.Wrap(services.ErrValidation, "register", "downsample mask", "", err)
			}
			s.mask = &mask
		}
		s.logger.Info("downsampled inputs",
			logging.Float64("spacing", opts.DownsampleTo),
			logging.Any("moving_shape", s.moving.Shape),
			logging.Any("fixed_shape", s.fixed.Shape),
		)
	}
	if s.mask != nil {
		if !volume.SameGrid(*s.mask, s.moving) {
			return maskMismatch(*s.mask, s.moving, "resampled mask grid does not match the moving image")
		}
		if err := s.arc.WriteVolume(ctx, archive.MaskName, *s.mask); err != nil {
			return err
		}
	}

	s.moving = s.moving.Rescale()
	s.fixed = s.fixed.Rescale()
	for _, target := range []struct {
		role string
		clip float64
		v    *volume.Volume
	}{
		{"moving", opts.MovingClipLimit, &s.moving},
		{"fixed", opts.FixedClipLimit, &s.fixed},
	} {
		clahe := preprocess.CLAHE{KernelSize: opts.CLAHEKernelSize, ClipLimit: target.clip}
		if !clahe.Enabled() {
			continue
		}
		s.logger.Info("equalizing "+target.role+" image", logging.Float64("clip_limit", target.clip))
		*target.v = clahe.Apply(*target.v)
	}
	return nil
}

func maskMismatch(mask, moving volume.Volume, msg string) error {
	return services.Wrap(services.ErrValidation, "register", "mask",
		fmt.Sprintf("%s: shape %v spacing %v direction %v, moving shape %v spacing %v direction %v",
			msg, mask.Shape, mask.Spacing, mask.Direction, moving.Shape, moving.Spacing, moving.Direction), nil)
}

// isotropic resamples v to spacing unless it already has it.
func isotropic(v volume.Volume, spacing float64, interp volume.Interpolation) (volume.Volume, error) {
	if v.Spacing == [3]float64{spacing, spacing, spacing} {
		return v, nil
	}
	return v.ResampleSpacing(spacing, interp)
}

func (p *Pipeline) affine(ctx context.Context, s *state) error {
	ctx = services.WithStep(ctx, "affine")
	res, err := p.align(ctx, s, engine.Affine)
	if err != nil {
		return err
	}
	affine, ok := res.AffineArtifact()
	if !ok {
		return services.Wrap(services.ErrExternalTool, "affine", "persist", "engine returned no affine", nil)
	}
	if err := s.arc.WriteAffine(ctx, string(archive.StageAffine), affine); err != nil {
		return err
	}
	if err := p.advance(ctx, s, res); err != nil {
		return err
	}
	return p.keep(s, AffineName)
}

// plan picks the predictor axis order and, when mirroring, the symmetry
// axis. The axis is measured on the image as it stands after the affine
// stage.
func (p *Pipeline) plan(ctx context.Context, s *state) error {
	if s.moving.Shape != s.fixed.Shape {
		return services.Wrap(services.ErrValidation, "register", "validate",
			fmt.Sprintf("moving shape %v does not match fixed shape %v; enable the affine stage to resample onto the fixed grid", s.moving.Shape, s.fixed.Shape), nil)
	}
	s.perm = volume.SortingPermutation(s.moving.Shape)
	if err := s.arc.SetAttr(ctx, "/", AttrTransposition, s.perm); err != nil {
		return err
	}
	if !s.opts.MirrorWarp {
		return nil
	}
	var axis int
	axis, s.scores = volume.MirrorAxis(s.moving)
	s.mirror = volume.MirrorAxisIn(s.scores, s.perm)
	s.logger.Info("selected mirror axis",
		logging.Int("axis", axis),
		logging.Int("transposed_axis", s.mirror),
		logging.Any("scores", s.scores),
	)
	return s.arc.SetAttr(ctx, "/", AttrMirrorAxis, s.mirror)
}

func (p *Pipeline) syn(ctx context.Context, s *state) error {
	ctx = services.WithStep(ctx, "syn")
	res, err := p.align(ctx, s, engine.SyN)
	if err != nil {
		return err
	}
	affine, okAffine := res.AffineArtifact()
	field, okWarp := res.WarpArtifact()
	if !okAffine || !okWarp {
		return services.Wrap(services.ErrExternalTool, "syn", "persist", "engine returned an incomplete SyN transform", nil)
	}
	if err := s.arc.WriteAffine(ctx, string(archive.StageSynAffine), affine); err != nil {
		return err
	}
	if err := s.arc.WriteVolume(ctx, string(archive.StageSynWarp), field); err != nil {
		return err
	}
	if err := p.advance(ctx, s, res); err != nil {
		return err
	}
	return p.keep(s, SynName)
}

// align runs one engine alignment under the retry policy. The registered
// output is removed between attempts.
func (p *Pipeline) align(ctx context.Context, s *state, kind engine.Kind) (engine.Result, error) {
	logger := logging.WithContext(ctx, logging.NewComponentLogger(s.base, "registration"))
	logger.Info(kind.String()+" registration started", logging.String(logging.FieldEventType, "stage_start"))
	started := time.Now()

	var res engine.Result
	outcome := retry.Do(ctx, p.policy(logger), func(ctx context.Context, attempt int) error {
		var err error
		res, err = p.Aligner.Align(ctx, s.fixed, s.moving, kind)
		return err
	}, func() error {
		return removeIfExists(s.outPath)
	})
	if !outcome.OK() {
		logging.ErrorWithContext(logger, kind.String()+" registration failed", "stage_failure",
			logging.Int(logging.FieldAttempt, outcome.Attempts),
			logging.Error(outcome.Err),
		)
		return engine.Result{}, fmt.Errorf("%s registration (%s after %d attempts): %w",
			kind, outcome.Status, outcome.Attempts, outcome.Err)
	}
	logger.Info(kind.String()+" registration finished",
		logging.String(logging.FieldEventType, "stage_complete"),
		logging.Duration("elapsed", time.Since(started)),
	)
	return res, nil
}

// advance replaces the moving image by the aligned one, carries the mask
// along, and rewrites the registered output.
func (p *Pipeline) advance(ctx context.Context, s *state, res engine.Result) error {
	s.moving = res.Warped
	if s.mask != nil {
		mask, err := p.Aligner.ApplyTransforms(ctx, s.fixed, *s.mask, res.Forward, volume.NearestNeighbor)
		if err != nil {
			return services.Wrap(services.ErrExternalTool, "register", "warp mask", "", err)
		}
		s.mask = &mask
	}
	if err := p.IO.Write(s.outPath, s.moving); err != nil {
		return fmt.Errorf("write registered image: %w", err)
	}
	return nil
}

func (p *Pipeline) keep(s *state, name string) error {
	if !s.opts.KeepIntermediates {
		return nil
	}
	if err := fileutil.CopyFile(s.outPath, filepath.Join(filepath.Dir(s.outPath), name)); err != nil {
		return fmt.Errorf("keep %s: %w", name, err)
	}
	return nil
}

// synthmorph predicts a dense warp on the predictor grid, scales it back to
// full resolution and applies it in the transposed frame.
func (p *Pipeline) synthmorph(ctx context.Context, s *state) error {
	ctx = services.WithStep(ctx, "synthmorph")
	logger := logging.WithContext(ctx, logging.NewComponentLogger(s.base, "registration"))
	logger.Info("SynthMorph registration started",
		logging.String(logging.FieldEventType, "stage_start"),
		logging.Any("transposition", s.perm),
	)
	started := time.Now()
	target := s.opts.targetShape()

	full, err := s.moving.Transpose(s.perm)
	if err != nil {
		return err
	}
	fixedT, err := s.fixed.Transpose(s.perm)
	if err != nil {
		return err
	}
	small, err := full.ResampleShape(target, volume.Linear)
	if err != nil {
		return err
	}
	fixedSmall, err := fixedT.ResampleShape(target, volume.Linear)
	if err != nil {
		return err
	}

	var field warp.Field
	outcome := retry.Do(ctx, p.policy(logger), func(ctx context.Context, attempt int) error {
		field, err = p.Predictor.Predict(ctx, fixedSmall, small)
		if err != nil {
			return err
		}
		if field.Shape != target {
			return services.Wrap(services.ErrExternalTool, "synthmorph", "predict",
				fmt.Sprintf("predictor returned shape %v, want %v", field.Shape, target), nil)
		}
		return field.Validate()
	}, nil)
	if !outcome.OK() {
		logging.ErrorWithContext(logger, "SynthMorph registration failed", "stage_failure", logging.Error(outcome.Err))
		return fmt.Errorf("synthmorph prediction (%s after %d attempts): %w", outcome.Status, outcome.Attempts, outcome.Err)
	}

	if s.mirror >= 0 {
		if field, err = field.Symmetrize(s.mirror); err != nil {
			return err
		}
	}
	if field, err = field.Upsample(full.Shape); err != nil {
		return err
	}
	if err := s.arc.WriteVolume(ctx, string(archive.StageSynthmorph), field.ToVolume(full)); err != nil {
		return err
	}

	warped, err := warp.Apply(full, field, volume.Linear)
	if err != nil {
		return err
	}
	if s.mask != nil {
		maskT, err := s.mask.Transpose(s.perm)
		if err != nil {
			return err
		}
		if warped, err = warp.KeepMasked(warped, full, maskT); err != nil {
			return services.Wrap(services.ErrValidation, "synthmorph", "mask", "", err)
		}
	}
	if s.moving, err = warped.Transpose(s.perm.Inverse()); err != nil {
		return err
	}
	if err := p.IO.Write(s.outPath, s.moving); err != nil {
		return fmt.Errorf("write registered image: %w", err)
	}
	logger.Info("SynthMorph registration finished",
		logging.String(logging.FieldEventType, "stage_complete"),
		logging.Duration("elapsed", time.Since(started)),
	)
	return nil
}

func (p *Pipeline) policy(logger *slog.Logger) retry.Policy {
	policy := p.Policy
	onRetry := policy.OnRetry
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		logging.WarnWithContext(logger, "stage failed, retrying", "stage_retry",
			logging.Int(logging.FieldAttempt, attempt),
			logging.Duration("delay", delay),
			logging.Error(err),
		)
		if onRetry != nil {
			onRetry(attempt, err, delay)
		}
	}
	return policy
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
