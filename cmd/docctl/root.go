package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	var configFlag string
	var jsonFlag bool

	ctx := newCommandContext(&configFlag)

	rootCmd := &cobra.Command{
		Use:           "docctl",
		Short:         "Operate the document pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path (overrides CONFIG_FILE)")
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "Print JSON instead of tables")

	for _, cmd := range newLifecycleCommands(ctx, &jsonFlag) {
		rootCmd.AddCommand(cmd)
	}
	rootCmd.AddCommand(newStagesCommand(ctx, &jsonFlag))
	rootCmd.AddCommand(newExportStagesCommand(ctx))
	rootCmd.AddCommand(newSweepCommand(ctx, &jsonFlag))
	rootCmd.AddCommand(newRelayCommand(ctx))

	return rootCmd
}
