package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/tcgpos_sync/models"
	"bitbucket.org/mmdatafocus/tcgpos_sync/models/reports"
	"github.com/spf13/cobra"
)

type statusOutput struct {
	State   *models.PosSyncState `json:"state"`
	Journal models.JournalCounts `json:"journal"`
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func deref(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show replication progress and journal counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, repo, closeDB, err := opts.openLocal(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB()

			state, err := repo.GetSyncState(ctx)
			if err != nil {
				return err
			}
			counts, err := repo.CountEventsByStatus(ctx)
			if err != nil {
				return err
			}
			out := statusOutput{State: state, Journal: counts}
			return opts.print(cmd.OutOrStdout(), out, func(w io.Writer) {
				fmt.Fprintf(w, "snapshot version:  %s\n", deref(state.CatalogSnapshotVersion))
				fmt.Fprintf(w, "snapshot applied:  %s\n", formatTime(state.SnapshotAppliedAt))
				fmt.Fprintf(w, "last delta sync:   %s\n", formatTime(state.LastDeltaSyncAt))
				fmt.Fprintf(w, "last reconcile:    %s\n", formatTime(state.LastReconcileAt))
				fmt.Fprintf(w, "last sync error:   %s at %s\n", deref(state.LastSyncErrorCode), formatTime(state.LastSyncErrorAt))
				fmt.Fprintf(w, "journal: pending=%d synced=%d failed=%d manual=%d\n",
					counts.Pending, counts.Synced, counts.Failed, counts.Manual)
			})
		},
	}
}

func newResetCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <event-id>",
		Short: "Re-queue a failed journal event as a new pending event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, repo, closeDB, err := opts.openLocal(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB()

			clone, err := repo.ResetEvent(ctx, args[0], time.Now().UTC())
			if err != nil {
				return fmt.Errorf("reset %s: %w", args[0], err)
			}
			return opts.print(cmd.OutOrStdout(), clone, func(w io.Writer) {
				fmt.Fprintf(w, "event %s re-queued as %s (%s)\n", args[0], clone.ID, clone.EventType)
			})
		},
	}
}

func newExportCommand(opts *rootOptions) *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "export <file.xlsx>",
		Short: "Write the journal audit trail to an Excel workbook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := models.JournalFilter{Limit: limit}
			if status != "" {
				filter.Status = models.JournalStatus(strings.ToUpper(status))
				if !filter.Status.IsValid() {
					return fmt.Errorf("invalid status %q", status)
				}
			}
			ctx, repo, closeDB, err := opts.openLocal(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB()

			f, err := os.Create(args[0])
			if err != nil {
				return err
			}
			n, err := reports.ExportJournalAudit(ctx, repo, filter, f)
			if closeErr := f.Close(); err == nil {
				err = closeErr
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d journal rows to %s\n", n, args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only rows with this status (PENDING|SYNCED|FAILED)")
	cmd.Flags().IntVar(&limit, "limit", 1000, "maximum rows")
	return cmd
}
