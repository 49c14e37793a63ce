package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"bifrost/internal/deps"
	"bifrost/internal/preflight"
)

func newDoctorCommand(ctx *commandContext) *cobra.Command {
	var skipSynthmorph bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check external tools, directories and predictor weights",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)

			statuses := preflight.CheckSystemDeps(cfg, !skipSynthmorph)
			fmt.Fprintln(out, renderSectionHeader("Dependencies", colorize))
			for _, dep := range statuses {
				fmt.Fprintln(out, dependencyLine(dep, colorize))
			}

			fmt.Fprintln(out, renderSectionHeader("Environment", colorize))
			for _, result := range preflight.RunAll(cmd.Context(), cfg, nil) {
				kind := statusOK
				if !result.Passed {
					kind = statusWarn
				}
				fmt.Fprintln(out, renderStatusLine(result.Name, kind, result.Detail, colorize))
			}

			if !deps.Satisfied(statuses) {
				return errors.New("required dependencies are missing")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&skipSynthmorph, "skip_synthmorph", false, "Treat the learned warp predictor and its weights as optional")
	return cmd
}

func dependencyLine(dep deps.Status, colorize bool) string {
	if dep.Available {
		return renderStatusLine(dep.Name, statusOK, dep.Path, colorize)
	}
	kind := statusError
	if dep.Optional {
		kind = statusWarn
	}
	detail := dep.Detail
	if detail == "" {
		detail = "not found"
	}
	return renderStatusLine(dep.Name, kind, fmt.Sprintf("%s (%s)", detail, dep.Description), colorize)
}
