package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"bifrost/internal/registration"
	"bifrost/internal/volume"
)

func newInspectCommand(ctx *commandContext) *cobra.Command {
	var showAttrs bool

	cmd := &cobra.Command{
		Use:   "inspect <alignment_path>",
		Short: "Summarize a stored registration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			desc, err := registration.Describe(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			mirror := "none"
			if desc.MirrorAxis >= 0 {
				mirror = strconv.Itoa(desc.MirrorAxis)
			}
			transposition := "-"
			if desc.Transposition != (volume.Permutation{}) {
				transposition = fmt.Sprint(desc.Transposition)
			}
			chain := desc.Chain.String()
			if chain == "" {
				chain = "(empty)"
			}
			rows := [][]string{
				{"Stages", chain},
				{"Transposition", transposition},
				{"Mirror axis", mirror},
				{"Mask", yesNo(desc.HasMask)},
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, renderTable([]string{"Field", "Value"}, rows))
			if showAttrs {
				fmt.Fprintln(out, renderAttributes(desc.Attrs))
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&showAttrs, "attributes", "a", false, "Also list the recorded arguments and input geometry")
	return cmd
}
