package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kirillkom/document-pipeline/internal/bootstrap"
	"github.com/kirillkom/document-pipeline/internal/core/domain"
)

type lifecycleAction func(ctx context.Context, app *bootstrap.App, id int64, reason string) (*domain.Document, error)

func newLifecycleCommands(ctx *commandContext, jsonFlag *bool) []*cobra.Command {
	begin := newLifecycleCommand(ctx, jsonFlag, "begin <document-id>", "Start the stage for a pending document",
		func(ctx context.Context, app *bootstrap.App, id int64, _ string) (*domain.Document, error) {
			return app.Lifecycle.BeginProcessing(ctx, id)
		})
	publish := newLifecycleCommand(ctx, jsonFlag, "publish <document-id>", "Publish an analyzed document",
		func(ctx context.Context, app *bootstrap.App, id int64, _ string) (*domain.Document, error) {
			return app.Lifecycle.Publish(ctx, id)
		})
	reset := newLifecycleCommand(ctx, jsonFlag, "reset <document-id>", "Return a failed or stuck document to pending",
		func(ctx context.Context, app *bootstrap.App, id int64, reason string) (*domain.Document, error) {
			return app.Lifecycle.ResetToPending(ctx, id, reason)
		})
	fail := newLifecycleCommand(ctx, jsonFlag, "fail <document-id>", "Mark a document as failed",
		func(ctx context.Context, app *bootstrap.App, id int64, reason string) (*domain.Document, error) {
			if err := app.Lifecycle.MarkFailed(ctx, id, reason); err != nil {
				return nil, err
			}
			return app.Store.Documents().GetByID(ctx, id)
		})

	reset.Flags().String("reason", "operator reset", "Reason recorded on the closed attempt")
	fail.Flags().String("reason", "failed by operator", "Failure reason stored on the document")

	return []*cobra.Command{begin, publish, reset, fail}
}

func newLifecycleCommand(ctx *commandContext, jsonFlag *bool, use, short string, action lifecycleAction) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseDocumentID(args[0])
			if err != nil {
				return err
			}
			var reason string
			if flag := cmd.Flags().Lookup("reason"); flag != nil {
				reason = strings.TrimSpace(flag.Value.String())
			}
			return ctx.withApp(cmd.Context(), func(app *bootstrap.App) error {
				doc, err := action(cmd.Context(), app, id, reason)
				if err != nil {
					return describeError(err)
				}
				if *jsonFlag {
					return writeJSON(cmd, doc)
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderDocument(doc))
				return nil
			})
		},
	}
}

func parseDocumentID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid document id %q", raw)
	}
	return id, nil
}

// describeError prefixes domain failures with an operator-facing hint.
func describeError(err error) error {
	switch {
	case domain.IsKind(err, domain.ErrDocumentNotFound):
		return fmt.Errorf("not found: %w", err)
	case domain.IsKind(err, domain.ErrInvalidStateTransition):
		return fmt.Errorf("transition not allowed: %w", err)
	case domain.IsKind(err, domain.ErrConcurrentModification):
		return fmt.Errorf("document changed concurrently, retry: %w", err)
	default:
		return err
	}
}

func renderDocument(doc *domain.Document) string {
	rows := [][]string{
		{"ID", strconv.FormatInt(doc.ID, 10)},
		{"Title", doc.Title},
		{"Status", string(doc.Status)},
		{"Version", strconv.FormatInt(doc.Version, 10)},
		{"Updated", formatTime(doc.UpdatedAt)},
	}
	if doc.Error != "" {
		rows = append(rows, []string{"Error", doc.Error})
	}
	return renderTable([]string{"Field", "Value"}, rows, nil)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
