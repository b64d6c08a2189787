package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func kernelsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "kernels",
		Short: "List the registered kernel codes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, c := range a.registry.Codes() {
				fmt.Fprintln(cmd.OutOrStdout(), c)
			}
			return nil
		},
	}
}
