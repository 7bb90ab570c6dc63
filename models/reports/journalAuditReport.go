package reports

import (
	"context"
	"io"
	"time"

	"bitbucket.org/mmdatafocus/tcgpos_sync/models"
)

const JournalAuditSheet = "Journal"

var journalAuditHeadings = []string{
	"EventId", "Type", "Status", "RetryCount", "MaxRetries", "ManualIntervention",
	"LastErrorCode", "LastErrorMessage", "NextRetryAt", "ReplacesEventId",
	"TerminalId", "BranchId", "CreatedAt", "SyncedAt",
}

type JournalAuditRow struct {
	Event models.SyncJournalEvent
}

func (r JournalAuditRow) GetCellValues() []interface{} {
	ev := r.Event
	return []interface{}{
		ev.ID,
		string(ev.EventType),
		string(ev.Status),
		ev.RetryCount,
		ev.MaxRetries,
		ev.ManualInterventionRequired,
		derefString(ev.LastErrorCode),
		derefString(ev.LastErrorMessage),
		formatTime(ev.NextRetryAt),
		derefString(ev.ReplacesEventId),
		ev.TerminalId,
		ev.BranchId,
		ev.CreatedAt.UTC().Format(time.RFC3339),
		formatTime(ev.SyncedAt),
	}
}

// ExportJournalAudit writes the journal rows matching filter as an xlsx workbook.
func ExportJournalAudit(ctx context.Context, repo *models.PosSyncRepo, filter models.JournalFilter, w io.Writer) (int, error) {
	events, err := repo.ListEvents(ctx, filter)
	if err != nil {
		return 0, err
	}
	rows := make([]ExcelExporter, 0, len(events))
	for _, ev := range events {
		rows = append(rows, JournalAuditRow{Event: ev})
	}
	if err := writeExcel(w, JournalAuditSheet, rows, journalAuditHeadings...); err != nil {
		return 0, err
	}
	return len(rows), nil
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
