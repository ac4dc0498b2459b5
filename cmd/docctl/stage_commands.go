package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kirillkom/document-pipeline/internal/bootstrap"
	"github.com/kirillkom/document-pipeline/internal/core/domain"
	"github.com/kirillkom/document-pipeline/internal/infrastructure/report/xlsx"
)

func newStagesCommand(ctx *commandContext, jsonFlag *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "stages <document-id>",
		Short: "List stage attempts of a document, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseDocumentID(args[0])
			if err != nil {
				return err
			}
			return ctx.withApp(cmd.Context(), func(app *bootstrap.App) error {
				attempts, err := app.StageLog.History(cmd.Context(), id)
				if err != nil {
					return describeError(err)
				}
				if *jsonFlag {
					if attempts == nil {
						attempts = []domain.StageAttempt{}
					}
					return writeJSON(cmd, attempts)
				}
				if len(attempts) == 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "Document %d has no stage attempts\n", id)
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderAttempts(attempts))
				return nil
			})
		},
	}
}

func newExportStagesCommand(ctx *commandContext) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export-stages <document-id>",
		Short: "Write the stage history of a document to an xlsx workbook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseDocumentID(args[0])
			if err != nil {
				return err
			}
			if strings.TrimSpace(output) == "" {
				output = fmt.Sprintf("document-%d-stages.xlsx", id)
			}
			return ctx.withApp(cmd.Context(), func(app *bootstrap.App) error {
				doc, err := app.Store.Documents().GetByID(cmd.Context(), id)
				if err != nil {
					return describeError(err)
				}
				attempts, err := app.StageLog.History(cmd.Context(), id)
				if err != nil {
					return describeError(err)
				}
				file, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("create %s: %w", output, err)
				}
				if err := xlsx.WriteStageHistory(file, doc, attempts); err != nil {
					_ = file.Close()
					return err
				}
				if err := file.Close(); err != nil {
					return fmt.Errorf("close %s: %w", output, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d attempts to %s\n", len(attempts), output)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Workbook path (default document-<id>-stages.xlsx)")
	return cmd
}

func renderAttempts(attempts []domain.StageAttempt) string {
	rows := make([][]string, 0, len(attempts))
	for _, attempt := range attempts {
		completed := "-"
		if attempt.CompletedAt != nil {
			completed = formatTime(*attempt.CompletedAt)
		}
		rows = append(rows, []string{
			strconv.FormatInt(attempt.ID, 10),
			string(attempt.Stage),
			string(attempt.Outcome),
			formatTime(attempt.StartedAt),
			completed,
			attempt.ErrorDetail,
		})
	}
	return renderTable(
		[]string{"ID", "Stage", "Outcome", "Started", "Completed", "Error"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignLeft, alignLeft},
	)
}
