package main

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"bifrost/internal/config"
	"bifrost/internal/nifti"
	"bifrost/internal/preprocess"
	"bifrost/internal/staging"
	"bifrost/internal/template"
)

const buildTemplateLog = "build_template.log"

type buildTemplateFlags struct {
	inputs            []string
	output            string
	reference         string
	affineSteps       int
	synSteps          int
	gradientStep      float64
	preprocessing     string
	workers           int
	checkpoints       string
	mirror            bool
	keepIntermediates bool
	force             bool
	preemptible       bool
	logPath           string
	verbose           bool
}

func (f buildTemplateFlags) options(cmd *cobra.Command, cfg *config.Config) template.Options {
	opts := template.Options{
		Inputs:            f.inputs,
		Output:            strings.TrimSpace(f.output),
		Reference:         strings.TrimSpace(f.reference),
		AffineSteps:       cfg.Template.AffineSteps,
		SynSteps:          cfg.Template.SynSteps,
		GradientStep:      cfg.Template.GradientStep,
		Mirror:            f.mirror,
		KeepIntermediates: f.keepIntermediates,
		Force:             f.force,
		Resume:            f.preemptible,
		Workers:           cfg.Template.Workers,
		CheckpointBackend: cfg.Template.CheckpointBackend,
	}
	flags := cmd.Flags()
	if flags.Changed("affine_steps") {
		opts.AffineSteps = f.affineSteps
	}
	if flags.Changed("syn_steps") {
		opts.SynSteps = f.synSteps
	}
	if flags.Changed("gradient_step") {
		opts.GradientStep = f.gradientStep
	}
	if flags.Changed("workers") {
		opts.Workers = f.workers
	}
	if flags.Changed("checkpoint_backend") {
		opts.CheckpointBackend = f.checkpoints
	}
	return opts
}

func (f buildTemplateFlags) method(cmd *cobra.Command, cfg *config.Config) string {
	if cmd.Flags().Changed("preprocessing") {
		return f.preprocessing
	}
	return cfg.Template.Preprocessing
}

func newBuildTemplateCommand(ctx *commandContext) *cobra.Command {
	var flags buildTemplateFlags

	cmd := &cobra.Command{
		Use:   "build_template --input <path>... --output <dir>",
		Short: "Average several images into a representative template",
		Long: "Aligns every input to the current template and averages the results,\n" +
			"first with affine steps and then with SyN steps, and writes the final\n" +
			"template to OUTPUT/" + staging.FinalTemplate + ".",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			opts := flags.options(cmd, cfg)

			run, err := ctx.startRun(cmd, opts.Output, flags.logPath, flags.verbose)
			if err != nil {
				return err
			}
			defer run.Unlock()

			codec := nifti.Codec{}
			pre, err := preprocess.New(flags.method(cmd, cfg), codec, preprocess.CLAHE{
				KernelSize: cfg.Register.CLAHEKernelSize,
				ClipLimit:  cfg.Register.MovingClipLimit,
			})
			if err != nil {
				return err
			}
			aligner, err := ctx.engines.aligner(cfg, run.Logger)
			if err != nil {
				return err
			}

			builder := &template.Builder{
				Aligner:      aligner,
				IO:           codec,
				Preprocessor: pre,
				Policy:       cfg.RetryPolicy(),
				Logger:       run.Logger,
			}
			if strings.TrimSpace(flags.logPath) == "" {
				builder.OnPrepared = func(dir string) (*slog.Logger, error) {
					return run.AttachLog(filepath.Join(dir, buildTemplateLog))
				}
			}

			summary, err := builder.Build(run.Context(cmd.Context()), opts)
			stderr := cmd.ErrOrStderr()
			switch {
			case errors.Is(err, template.ErrOutputExists):
				fmt.Fprintf(stderr, "Output already exists at %s; pass --force to start over or --preemptible to resume\n", opts.Output)
				return nil
			case err != nil:
				return err
			}

			out := cmd.OutOrStdout()
			if summary.AlreadyComplete {
				fmt.Fprintf(out, "Template already built: %s\n", summary.Template)
				return nil
			}
			fmt.Fprintln(out, renderStepSummary(summary.Steps))
			fmt.Fprintf(out, "Template: %s\n", summary.Template)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringArrayVarP(&flags.inputs, "input", "i", nil, "Structural image or directory of images; repeat for several")
	f.StringVarP(&flags.output, "output", "o", "", "Output directory")
	f.StringVar(&flags.reference, "reference_image", "", "Image that seeds the first affine step (default: the first input)")
	f.IntVar(&flags.affineSteps, "affine_steps", 1, "Number of affine iterations")
	f.IntVar(&flags.synSteps, "syn_steps", 3, "Number of SyN iterations")
	f.Float64Var(&flags.gradientStep, "gradient_step", 0.1, "Scale of the inverse mean warp applied to each SyN template")
	f.StringVar(&flags.preprocessing, "preprocessing", preprocess.MethodNone,
		"Input preprocessing: " + preprocess.MethodNone + " or " + preprocess.MethodEqualize)
	f.IntVar(&flags.workers, "workers", 1, "Items aligned concurrently")
	f.StringVar(&flags.checkpoints, "checkpoint_backend", "file", "Checkpoint store: file or sqlite")
	f.BoolVar(&flags.mirror, "mirror", false, "Also align a left-right mirrored copy of every input in the first step")
	f.BoolVar(&flags.keepIntermediates, "keep_intermediates", false, "Keep the per-step templates")
	f.BoolVarP(&flags.force, "force", "f", false, "Remove an existing output directory and start over")
	f.BoolVar(&flags.preemptible, "preemptible", false, "Resume an interrupted build in the output directory")
	f.StringVarP(&flags.logPath, "log", "l", "", "Log file (default: <output>/" + buildTemplateLog + ")")
	f.BoolVarP(&flags.verbose, "verbose", "v", false, "Print progress to stderr; by default only warnings and errors are shown")
	_ = cmd.MarkFlagRequired("input")
	_ = cmd.MarkFlagRequired("output")
	cmd.MarkFlagsMutuallyExclusive("force", "preemptible")
	return cmd
}

func renderStepSummary(steps []template.StepSummary) string {
	rows := make([][]string, 0, len(steps))
	for _, step := range steps {
		duration := "-"
		if step.Aligned {
			duration = step.AlignmentDuration.Round(time.Millisecond).String()
		}
		rows = append(rows, []string{
			template.Step{Name: step.Name}.Label(),
			yesNo(step.Aligned),
			yesNo(step.Averaged),
			strconv.Itoa(step.Processed),
			strconv.Itoa(step.Skipped),
			duration,
		})
	}
	return renderTable([]string{"Step", "Aligned", "Averaged", "Processed", "Skipped", "Alignment"}, rows, 3, 4, 5)
}
