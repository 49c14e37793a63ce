package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"bifrost/internal/archive"
	"bifrost/internal/nifti"
	"bifrost/internal/registration"
)

// transformLogPath places the log next to the transformed image.
func transformLogPath(output string) string {
	base := output
	for _, ext := range []string{".nii.gz", ".nii"} {
		if strings.HasSuffix(base, ext) {
			base = strings.TrimSuffix(base, ext)
			break
		}
	}
	return base + ".log"
}

func newTransformCommand(ctx *commandContext) *cobra.Command {
	var (
		label      bool
		resultName string
		logPath    string
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:   "transform <alignment_path> <image_path>",
		Short: "Apply a stored registration to another image",
		Long: "Replays every transform recorded in ALIGNMENT_PATH, a register results\n" +
			"directory or its " + archive.FileName + " file, onto IMAGE_PATH.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			opts := registration.ApplyOptions{
				AlignmentPath: args[0],
				Image:         args[1],
				Label:         label,
				ResultName:    strings.TrimSpace(resultName),
			}
			root := opts.AlignmentPath
			if strings.HasSuffix(root, archive.FileName) {
				root = filepath.Dir(root)
			}

			run, err := ctx.startRun(cmd, root, logPath, verbose)
			if err != nil {
				return err
			}
			defer run.Unlock()

			logger := run.Logger
			if strings.TrimSpace(logPath) == "" {
				if logger, err = run.AttachLog(transformLogPath(opts.OutputPath())); err != nil {
					return err
				}
			}
			aligner, err := ctx.engines.aligner(cfg, logger)
			if err != nil {
				return err
			}
			applier := &registration.Applier{Aligner: aligner, IO: nifti.Codec{}, Logger: logger}
			out, err := applier.Apply(run.Context(cmd.Context()), opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Transformed image: %s\n", out)
			return nil
		},
	}

	f := cmd.Flags()
	f.BoolVar(&label, "label_image", false, "Treat the image as a label map and keep label values intact")
	f.StringVar(&resultName, "result_name", "", "Output name inside ALIGNMENT_PATH, or a path when it starts with / or ./")
	f.StringVarP(&logPath, "log", "l", "", "Log file (default: next to the transformed image)")
	f.BoolVarP(&verbose, "verbose", "v", false, "Print progress to stderr; by default only warnings and errors are shown")
	return cmd
}
