package possync

import (
	"context"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/tcgpos_sync/config"
	"bitbucket.org/mmdatafocus/tcgpos_sync/models"
	"bitbucket.org/mmdatafocus/tcgpos_sync/utils"
	"github.com/sirupsen/logrus"
)

// Flusher drains the outbound journal. Each Flush* call handles one event type;
// callers must not run two flushes of the same type at once.
type Flusher struct {
	Store     JournalStore
	Client    JournalClient
	Proofs    ProofUploader
	Inventory InventoryWriter
	Sales     SaleProofWriter
	Auth      TerminalAuth
	Config    Config
	Clock     Clock
	Jitter    JitterFunc
	Logger    *logrus.Logger

	// ProofMaxWidth downsizes wider proof images before upload; 0 disables.
	ProofMaxWidth int
}

func NewFlusher(store JournalStore, client JournalClient, cfg Config, logger *logrus.Logger) *Flusher {
	if logger == nil {
		logger = config.GetLogger()
	}
	return &Flusher{
		Store:  store,
		Client: client,
		Config: cfg,
		Clock:  SystemClock{},
		Jitter: RandomJitter,
		Logger: logger,
	}
}

// deliverFunc sends one event. onSynced, when non-nil, runs after the event is
// marked SYNCED.
type deliverFunc func(ctx context.Context, ev models.SyncJournalEvent, payload map[string]any) (onSynced func(), err error)

func (f *Flusher) now() time.Time {
	if f.Clock == nil {
		return time.Now().UTC()
	}
	return f.Clock.Now().UTC()
}

func (f *Flusher) logger() *logrus.Logger {
	if f.Logger == nil {
		return config.GetLogger()
	}
	return f.Logger
}

func (f *Flusher) flush(ctx context.Context, spanName string, eventType models.JournalEventType, deliver deliverFunc) (FlushResult, error) {
	ctx, span := startSpan(ctx, spanName)
	defer span.End()

	var result FlushResult
	events, err := f.Store.ListPendingEvents(ctx, eventType, f.Config.BatchSize, f.now())
	if err != nil {
		endSpan(span, err)
		return result, err
	}

	for _, ev := range events {
		if ctx.Err() != nil {
			break
		}
		result.Attempted++

		var onSynced func()
		payload, derr := utils.DecodeJSONObject(ev.PayloadJSON)
		if derr != nil {
			err = Structural(CodeInvalidPayload, "payload is not a JSON object", derr)
		} else {
			onSynced, err = deliver(ctx, ev, payload)
		}

		if err == nil {
			if merr := f.Store.MarkEventSynced(ctx, ev.ID, f.now()); merr != nil {
				endSpan(span, merr)
				return result, merr
			}
			result.Synced++
			if onSynced != nil {
				onSynced()
			}
			continue
		}

		failure := f.failureFor(ev, err)
		if merr := f.Store.MarkEventAttemptFailed(ctx, ev.ID, failure, f.now()); merr != nil {
			endSpan(span, merr)
			return result, merr
		}
		if failure.Manual {
			result.ManualIntervention++
		} else {
			result.Retried++
		}

		fields := logrus.Fields{
			"field":       "JournalFlusher",
			"event_id":    ev.ID,
			"event_type":  ev.EventType,
			"retry_count": failure.RetryCount,
			"error_code":  failure.Code,
			"manual":      failure.Manual,
		}
		if failure.NextRetryAt != nil {
			fields["next_retry_at"] = failure.NextRetryAt.Format(time.RFC3339)
		}
		f.logger().WithFields(fields).Error(failure.Message)
	}

	if result.Attempted > 0 {
		f.logger().WithFields(logrus.Fields{
			"field":      "JournalFlusher",
			"event_type": eventType,
			"attempted":  result.Attempted,
			"synced":     result.Synced,
			"retried":    result.Retried,
			"manual":     result.ManualIntervention,
		}).Info("journal flushed")
	}
	return result, nil
}

// failureFor computes the next state of ev after err.
func (f *Flusher) failureFor(ev models.SyncJournalEvent, err error) models.JournalFailure {
	retryCount := ev.RetryCount + 1
	maxRetries := ev.MaxRetries
	if maxRetries <= 0 {
		maxRetries = f.Config.MaxRetries
	}

	retriable, auth := f.Config.Classify(err)
	failure := models.JournalFailure{
		RetryCount: retryCount,
		Code:       ErrorCode(err, CodeSyncFailed),
		Message:    err.Error(),
		Manual:     !retriable || retryCount >= maxRetries,
	}
	if failure.Manual {
		return failure
	}

	delay := f.Config.RetryDelay(retryCount, auth || usesLongFloor(ev.EventType))
	if f.Jitter != nil {
		delay += f.Jitter(f.Config.MaxJitter)
	}
	next := f.now().Add(delay)
	failure.NextRetryAt = &next
	return failure
}

// idempotencyKey prefers an explicit payload key over the event id.
func idempotencyKey(ev models.SyncJournalEvent, payload map[string]any) string {
	if key, ok := payloadString(payload, "idempotencyKey"); ok {
		return key
	}
	return ev.ID
}

// FlushSalesJournal delivers SALE_COMMITTED events.
func (f *Flusher) FlushSalesJournal(ctx context.Context) (FlushResult, error) {
	return f.flush(ctx, "possync.FlushSalesJournal", models.JournalEventTypeSaleCommitted, f.deliverSale)
}

func (f *Flusher) deliverSale(ctx context.Context, ev models.SyncJournalEvent, payload map[string]any) (func(), error) {
	resp, err := f.Client.SendSalesEvent(ctx, SalesEventRequest{
		LocalEventId: idempotencyKey(ev, payload),
		EventType:    string(ev.EventType),
		Payload:      payload,
	})
	if err != nil {
		return nil, err
	}
	status := ""
	if resp != nil {
		status = strings.ToLower(strings.TrimSpace(resp.Status))
	}
	switch status {
	case SalesStatusSynced, SalesStatusDuplicate:
		return nil, nil
	default:
		return nil, Retriable(CodeUnexpectedSyncStatus, "unexpected sales sync status "+status, nil)
	}
}
