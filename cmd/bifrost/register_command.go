package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"bifrost/internal/config"
	"bifrost/internal/engine"
	"bifrost/internal/nifti"
	"bifrost/internal/registration"
)

type registerFlags struct {
	movingClipLimit   float64
	fixedClipLimit    float64
	kernelSize        int
	downsampleTo      float64
	skipAffine        bool
	skipSyN           bool
	skipSynthmorph    bool
	mask              string
	mirrorWarp        bool
	keepIntermediates bool
	force             bool
	logPath           string
	verbose           bool
}

// options merges flags over the configured defaults; only flags given on
// the command line win.
func (f registerFlags) options(cmd *cobra.Command, cfg *config.Config, args []string) registration.Options {
	opts := registration.Options{
		Moving:            args[0],
		Fixed:             args[1],
		ResultsDir:        args[2],
		SkipAffine:        f.skipAffine,
		SkipSyN:           f.skipSyN,
		SkipSynthmorph:    f.skipSynthmorph,
		DownsampleTo:      cfg.Register.DownsampleTo,
		MovingClipLimit:   cfg.Register.MovingClipLimit,
		FixedClipLimit:    cfg.Register.FixedClipLimit,
		CLAHEKernelSize:   cfg.Register.CLAHEKernelSize,
		MirrorWarp:        f.mirrorWarp,
		Mask:              strings.TrimSpace(f.mask),
		KeepIntermediates: f.keepIntermediates,
		Force:             f.force,
		TargetShape:       cfg.TargetShape(),
	}
	flags := cmd.Flags()
	if flags.Changed("downsample_to") {
		opts.DownsampleTo = f.downsampleTo
	}
	if flags.Changed("moving_clip_limit") {
		opts.MovingClipLimit = f.movingClipLimit
	}
	if flags.Changed("fixed_clip_limit") {
		opts.FixedClipLimit = f.fixedClipLimit
	}
	if flags.Changed("clahe_kernel_size") {
		opts.CLAHEKernelSize = f.kernelSize
	}
	return opts
}

func newRegisterCommand(ctx *commandContext) *cobra.Command {
	var flags registerFlags

	cmd := &cobra.Command{
		Use:   "register <moving> <fixed> <results_dir>",
		Short: "Register a moving image to a fixed image",
		Long: "Aligns MOVING to FIXED with an affine, a SyN and a learned warp stage and\n" +
			"stores the composed transform in RESULTS_DIR, next to the registered image.",
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			opts := flags.options(cmd, cfg, args)

			run, err := ctx.startRun(cmd, opts.ResultsDir, flags.logPath, flags.verbose)
			if err != nil {
				return err
			}
			defer run.Unlock()

			aligner, err := ctx.engines.aligner(cfg, run.Logger)
			if err != nil {
				return err
			}
			var predictor engine.Predictor
			if !opts.SkipSynthmorph {
				if predictor, err = ctx.engines.predictor(cfg, run.Logger); err != nil {
					return err
				}
			}

			pipeline := &registration.Pipeline{
				Aligner:   aligner,
				Predictor: predictor,
				IO:        nifti.Codec{},
				Policy:    cfg.RetryPolicy(),
				Logger:    run.Logger,
			}
			if strings.TrimSpace(flags.logPath) == "" {
				pipeline.OnPrepared = func(dir string) (*slog.Logger, error) {
					return run.AttachLog(registration.LogPath(dir))
				}
			}

			result, err := pipeline.Run(run.Context(cmd.Context()), opts)
			stderr := cmd.ErrOrStderr()
			switch {
			case errors.Is(err, registration.ErrOutputExists):
				fmt.Fprintf(stderr, "Results already exist at %s; pass --force to overwrite them\n", opts.ResultsDir)
				return nil
			case err != nil:
				return err
			case result.NothingToDo:
				fmt.Fprintln(stderr, "Every stage was skipped; nothing to do")
				return nil
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Registered image: %s\n", result.Registered)
			fmt.Fprintf(out, "Transform archive: %s\n", result.Archive)
			fmt.Fprintf(out, "Stages: %s\n", result.Chain)
			return nil
		},
	}

	f := cmd.Flags()
	f.Float64Var(&flags.movingClipLimit, "moving_clip_limit", 0.03, "Contrast equalization clip limit for the moving image; <= 0 disables it")
	f.Float64Var(&flags.fixedClipLimit, "fixed_clip_limit", -1, "Contrast equalization clip limit for the fixed image; <= 0 disables it")
	f.IntVar(&flags.kernelSize, "clahe_kernel_size", 64, "Contrast equalization kernel size in voxels")
	f.Float64Var(&flags.downsampleTo, "downsample_to", -1, "Resample both images to this isotropic spacing first; <= 0 disables it")
	f.BoolVar(&flags.skipAffine, "skip_affine", false, "Skip the affine stage")
	f.BoolVar(&flags.skipSyN, "skip_syn", false, "Skip the SyN stage")
	f.BoolVar(&flags.skipSynthmorph, "skip_synthmorph", false, "Skip the learned warp stage")
	f.StringVar(&flags.mask, "synthmorph_mask", "", "Mask of moving voxels that keep their intensity through the learned warp")
	f.BoolVar(&flags.mirrorWarp, "mirror_warp", false, "Symmetrize the learned warp across the left-right axis")
	f.BoolVar(&flags.keepIntermediates, "keep_intermediates", false, "Keep the affine and SyN results")
	f.BoolVarP(&flags.force, "force", "f", false, "Overwrite an existing results directory")
	f.StringVarP(&flags.logPath, "log", "l", "", "Log file (default: <results_dir>/<name>.log)")
	f.BoolVarP(&flags.verbose, "verbose", "v", false, "Print progress to stderr; by default only warnings and errors are shown")
	return cmd
}
