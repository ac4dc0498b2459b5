package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/kirillkom/document-pipeline/internal/bootstrap"
)

func newSweepCommand(ctx *commandContext, jsonFlag *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Close stale in-progress stage attempts once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(app *bootstrap.App) error {
				report, err := app.Sweeper.SweepOnce(cmd.Context())
				if err != nil {
					return err
				}
				if *jsonFlag {
					return writeJSON(cmd, report)
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"Scanned", "Failed", "Requeued", "Skipped"},
					[][]string{{
						strconv.Itoa(report.Scanned),
						strconv.Itoa(report.Failed),
						strconv.Itoa(report.Requeued),
						strconv.Itoa(report.Skipped),
					}},
					[]columnAlignment{alignRight, alignRight, alignRight, alignRight},
				))
				return nil
			})
		},
	}
}

func newRelayCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Publish one batch of pending outbox messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(app *bootstrap.App) error {
				n, err := app.Relay.RelayOnce(cmd.Context())
				fmt.Fprintf(cmd.OutOrStdout(), "Published %d outbox messages\n", n)
				return err
			})
		},
	}
}
