package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	var configFlag string

	ctx := newCommandContext(&configFlag)

	rootCmd := &cobra.Command{
		Use:           "docpdf",
		Short:         "Office to PDF conversion service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return ctx.init(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), ctx)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "YAML configuration overlay")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newSweepCommand(ctx))
	rootCmd.AddCommand(newStatsCommand(ctx))
	rootCmd.AddCommand(newConvertCommand(ctx))

	return rootCmd
}
