package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const DefaultJournalMaxRetries = 10

var (
	ErrEventNotFound      = errors.New("journal event not found")
	ErrEventNotResettable = errors.New("journal event is not failed or awaiting manual intervention")
	ErrEventAlreadyReset  = errors.New("journal event was already reset")
)

// PosSyncRepo owns the sync-state, catalog-meta, id-mapping and journal tables.
type PosSyncRepo struct {
	DB *gorm.DB
}

func NewPosSyncRepo(db *gorm.DB) *PosSyncRepo {
	return &PosSyncRepo{DB: db}
}

// GetSyncState returns the singleton row, creating it on first use.
func (r *PosSyncRepo) GetSyncState(ctx context.Context) (*PosSyncState, error) {
	var state PosSyncState
	err := r.DB.WithContext(ctx).
		Where(PosSyncState{ID: PosSyncStateId}).
		FirstOrCreate(&state).Error
	if err != nil {
		return nil, fmt.Errorf("load sync state: %w", err)
	}
	return &state, nil
}

func (r *PosSyncRepo) updateSyncState(ctx context.Context, fields map[string]any) error {
	if _, err := r.GetSyncState(ctx); err != nil {
		return err
	}
	return r.DB.WithContext(ctx).
		Model(&PosSyncState{}).
		Where("id = ?", PosSyncStateId).
		Updates(fields).Error
}

// SaveSnapshotApplied records a completed full snapshot and clears the error code.
func (r *PosSyncRepo) SaveSnapshotApplied(ctx context.Context, version string, at time.Time) error {
	at = at.UTC()
	return r.updateSyncState(ctx, map[string]any{
		"catalog_snapshot_version": version,
		"snapshot_applied_at":      at,
		"last_delta_sync_at":       at,
		"last_sync_error_code":     nil,
		"last_sync_error_at":       nil,
	})
}

// SaveDeltaApplied records a completed delta pass. An empty version keeps the stored one.
func (r *PosSyncRepo) SaveDeltaApplied(ctx context.Context, version string, at time.Time) error {
	fields := map[string]any{
		"last_delta_sync_at":   at.UTC(),
		"last_sync_error_code": nil,
		"last_sync_error_at":   nil,
	}
	if strings.TrimSpace(version) != "" {
		fields["catalog_snapshot_version"] = version
	}
	return r.updateSyncState(ctx, fields)
}

func (r *PosSyncRepo) SaveReconciled(ctx context.Context, version string, at time.Time) error {
	fields := map[string]any{
		"last_reconcile_at":    at.UTC(),
		"last_sync_error_code": nil,
		"last_sync_error_at":   nil,
	}
	if strings.TrimSpace(version) != "" {
		fields["catalog_snapshot_version"] = version
	}
	return r.updateSyncState(ctx, fields)
}

func (r *PosSyncRepo) SetLastSyncError(ctx context.Context, code string, at time.Time) error {
	return r.updateSyncState(ctx, map[string]any{
		"last_sync_error_code": code,
		"last_sync_error_at":   at.UTC(),
	})
}

// RecordObservedEntities upserts the raw meta cache and the id mapping for every item,
// whether or not projection later accepts it. Existing local ids are preserved.
func (r *PosSyncRepo) RecordObservedEntities(ctx context.Context, items []ObservedEntity, now time.Time) error {
	if len(items) == 0 {
		return nil
	}
	now = now.UTC()
	return r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, it := range items {
			localId, err := mappedLocalId(tx, it.EntityType, it.CloudId)
			if err != nil {
				return err
			}
			if localId == "" {
				if localId, err = CatalogRowIdByCloudId(tx, it.EntityType, it.CloudId); err != nil {
					return err
				}
			}
			if localId == "" {
				localId = it.CloudId
			}

			meta := CatalogMeta{
				EntityType:     it.EntityType,
				CloudId:        it.CloudId,
				LocalId:        localId,
				CloudUpdatedAt: utcPtr(it.UpdatedAt),
				VersionHash:    it.VersionHash,
				PayloadJSON:    it.PayloadJSON,
				ReceivedAt:     now,
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "entity_type"}, {Name: "cloud_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"local_id", "cloud_updated_at", "version_hash", "payload_json", "received_at"}),
			}).Create(&meta).Error; err != nil {
				return fmt.Errorf("upsert catalog meta %s/%s: %w", it.EntityType, it.CloudId, err)
			}

			if err := TouchCatalogMapping(tx, it.EntityType, it.CloudId, localId, now); err != nil {
				return err
			}
		}
		return nil
	})
}

// TouchCatalogMapping upserts a mapping row inside tx.
func TouchCatalogMapping(tx *gorm.DB, entityType CatalogEntityType, cloudId, localId string, now time.Time) error {
	now = now.UTC()
	m := CatalogIdMapping{
		EntityType: entityType,
		CloudId:    cloudId,
		LocalId:    localId,
		LastSeenAt: &now,
	}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "entity_type"}, {Name: "cloud_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"local_id", "last_seen_at", "updated_at"}),
	}).Create(&m).Error
	if err != nil {
		return fmt.Errorf("upsert id mapping %s/%s: %w", entityType, cloudId, err)
	}
	return nil
}

// CatalogRowIdByCloudId returns the id of a catalog row already carrying cloudId, or "".
func CatalogRowIdByCloudId(tx *gorm.DB, entityType CatalogEntityType, cloudId string) (string, error) {
	table := CatalogTableName(entityType)
	if table == "" {
		return "", nil
	}
	var ids []string
	if err := tx.Table(table).Where("cloud_id = ?", cloudId).Order("id").Limit(1).Pluck("id", &ids).Error; err != nil {
		return "", fmt.Errorf("lookup %s by cloud id: %w", table, err)
	}
	if len(ids) == 0 {
		return "", nil
	}
	return ids[0], nil
}

// FindCatalogMapping returns the mapped local id or "" when unmapped.
func FindCatalogMapping(tx *gorm.DB, entityType CatalogEntityType, cloudId string) (string, error) {
	return mappedLocalId(tx, entityType, cloudId)
}

func mappedLocalId(tx *gorm.DB, entityType CatalogEntityType, cloudId string) (string, error) {
	var m CatalogIdMapping
	err := tx.Where("entity_type = ? AND cloud_id = ?", entityType, cloudId).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("find id mapping %s/%s: %w", entityType, cloudId, err)
	}
	return m.LocalId, nil
}

// CloudIdForLocal resolves a local id back to its cloud id. Legacy rows without a
// mapping share the same id on both sides, so localId is returned unchanged.
func (r *PosSyncRepo) CloudIdForLocal(ctx context.Context, entityType CatalogEntityType, localId string) (string, error) {
	var m CatalogIdMapping
	err := r.DB.WithContext(ctx).
		Where("entity_type = ? AND local_id = ?", entityType, localId).
		Order("updated_at DESC").
		Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return localId, nil
	}
	if err != nil {
		return "", fmt.Errorf("reverse id mapping %s/%s: %w", entityType, localId, err)
	}
	return m.CloudId, nil
}

// ListCatalogManifest returns up to limit entries ordered by (entity_type, cloud_id).
func (r *PosSyncRepo) ListCatalogManifest(ctx context.Context, limit int) ([]CatalogManifestEntry, error) {
	var metas []CatalogMeta
	q := r.DB.WithContext(ctx).
		Select("entity_type", "cloud_id", "local_id", "cloud_updated_at", "version_hash").
		Order("entity_type ASC, cloud_id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&metas).Error; err != nil {
		return nil, fmt.Errorf("list catalog manifest: %w", err)
	}
	out := make([]CatalogManifestEntry, 0, len(metas))
	for _, m := range metas {
		out = append(out, CatalogManifestEntry{
			EntityType:  m.EntityType,
			CloudId:     m.CloudId,
			LocalId:     m.LocalId,
			UpdatedAt:   m.CloudUpdatedAt,
			VersionHash: m.VersionHash,
		})
	}
	return out, nil
}

// EnqueueJournalEvent appends ev inside the caller's transaction.
// Business writes call this so the event commits (or rolls back) with them.
func EnqueueJournalEvent(tx *gorm.DB, ev *SyncJournalEvent) error {
	if ev == nil {
		return errors.New("journal event is nil")
	}
	if !ev.EventType.IsValid() {
		return fmt.Errorf("invalid journal event type %q", ev.EventType)
	}
	now := time.Now().UTC()
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.MaxRetries <= 0 {
		ev.MaxRetries = DefaultJournalMaxRetries
	}
	if len(ev.PayloadJSON) == 0 {
		ev.PayloadJSON = []byte("{}")
	}
	ev.Status = JournalStatusPending
	ev.RetryCount = 0
	ev.ManualInterventionRequired = false
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = now
	}
	ev.CreatedAt = ev.CreatedAt.UTC()
	ev.UpdatedAt = ev.CreatedAt
	return tx.Create(ev).Error
}

// ListPendingEvents returns due PENDING events of one type, oldest first.
func (r *PosSyncRepo) ListPendingEvents(ctx context.Context, eventType JournalEventType, limit int, now time.Time) ([]SyncJournalEvent, error) {
	var events []SyncJournalEvent
	q := r.DB.WithContext(ctx).
		Where("event_type = ? AND status = ? AND manual_intervention_required = ?", eventType, JournalStatusPending, false).
		Where("next_retry_at IS NULL OR next_retry_at <= ?", now.UTC()).
		Order("created_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&events).Error; err != nil {
		return nil, fmt.Errorf("list pending %s events: %w", eventType, err)
	}
	return events, nil
}

func (r *PosSyncRepo) GetEvent(ctx context.Context, id string) (*SyncJournalEvent, error) {
	var ev SyncJournalEvent
	err := r.DB.WithContext(ctx).Where("id = ?", id).Take(&ev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func (r *PosSyncRepo) MarkEventSynced(ctx context.Context, id string, at time.Time) error {
	at = at.UTC()
	res := r.DB.WithContext(ctx).
		Model(&SyncJournalEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":             JournalStatusSynced,
			"synced_at":          at,
			"next_retry_at":      nil,
			"last_error_code":    nil,
			"last_error_message": nil,
			"updated_at":         at,
		})
	if res.Error != nil {
		return fmt.Errorf("mark event %s synced: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrEventNotFound
	}
	return nil
}

// MarkEventAttemptFailed stores a failed attempt. Manual failures become FAILED and
// stop being picked up; the rest stay PENDING until NextRetryAt.
func (r *PosSyncRepo) MarkEventAttemptFailed(ctx context.Context, id string, f JournalFailure, at time.Time) error {
	status := JournalStatusPending
	var nextRetryAt any = utcPtr(f.NextRetryAt)
	if f.Manual {
		status = JournalStatusFailed
		nextRetryAt = nil
	}
	res := r.DB.WithContext(ctx).
		Model(&SyncJournalEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":                       status,
			"retry_count":                  f.RetryCount,
			"next_retry_at":                nextRetryAt,
			"last_error_code":              f.Code,
			"last_error_message":           f.Message,
			"manual_intervention_required": f.Manual,
			"updated_at":                   at.UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("mark event %s failed: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrEventNotFound
	}
	return nil
}

// ResetEvent clones a FAILED or manual event into a fresh PENDING event. The clone
// carries the original idempotency token so the cloud still deduplicates it.
// The original row is left as history.
func (r *PosSyncRepo) ResetEvent(ctx context.Context, id string, now time.Time) (*SyncJournalEvent, error) {
	var clone *SyncJournalEvent
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var orig SyncJournalEvent
		err := tx.Where("id = ?", id).Take(&orig).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrEventNotFound
		}
		if err != nil {
			return err
		}
		if orig.Status != JournalStatusFailed && !orig.ManualInterventionRequired {
			return ErrEventNotResettable
		}

		var existing int64
		if err := tx.Model(&SyncJournalEvent{}).Where("replaces_event_id = ?", orig.ID).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return ErrEventAlreadyReset
		}

		payload, err := withIdempotencyKey(orig.PayloadJSON, orig.ID)
		if err != nil {
			return fmt.Errorf("reset event %s: %w", orig.ID, err)
		}
		origId := orig.ID
		clone = &SyncJournalEvent{
			ID:              uuid.NewString(),
			TerminalId:      orig.TerminalId,
			BranchId:        orig.BranchId,
			EventType:       orig.EventType,
			PayloadJSON:     payload,
			MaxRetries:      orig.MaxRetries,
			ReplacesEventId: &origId,
			CreatedAt:       now.UTC(),
		}
		return EnqueueJournalEvent(tx, clone)
	})
	if err != nil {
		return nil, err
	}
	return clone, nil
}

// withIdempotencyKey keeps an explicit payload key, otherwise pins it to fallback.
func withIdempotencyKey(payloadJSON []byte, fallback string) ([]byte, error) {
	payload := map[string]any{}
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &payload); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
	}
	if key, ok := payload["idempotencyKey"].(string); ok && strings.TrimSpace(key) != "" {
		return payloadJSON, nil
	}
	payload["idempotencyKey"] = fallback
	return json.Marshal(payload)
}

func (r *PosSyncRepo) CountEventsByStatus(ctx context.Context) (JournalCounts, error) {
	type row struct {
		Status JournalStatus
		Total  int64
	}
	var rows []row
	var counts JournalCounts
	err := r.DB.WithContext(ctx).
		Model(&SyncJournalEvent{}).
		Select("status, COUNT(*) AS total").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return counts, fmt.Errorf("count journal events: %w", err)
	}
	for _, rw := range rows {
		switch rw.Status {
		case JournalStatusPending:
			counts.Pending = rw.Total
		case JournalStatusSynced:
			counts.Synced = rw.Total
		case JournalStatusFailed:
			counts.Failed = rw.Total
		}
	}
	err = r.DB.WithContext(ctx).
		Model(&SyncJournalEvent{}).
		Where("manual_intervention_required = ?", true).
		Count(&counts.Manual).Error
	if err != nil {
		return counts, fmt.Errorf("count manual journal events: %w", err)
	}
	return counts, nil
}

// JournalListLimit clamps a requested page size.
func JournalListLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 200
	}
	return limit
}

// ListEvents returns journal rows newest first.
func (r *PosSyncRepo) ListEvents(ctx context.Context, f JournalFilter) ([]SyncJournalEvent, error) {
	q := r.DB.WithContext(ctx).Model(&SyncJournalEvent{})
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.EventType != "" {
		q = q.Where("event_type = ?", f.EventType)
	}
	if f.Manual != nil {
		q = q.Where("manual_intervention_required = ?", *f.Manual)
	}
	if f.After != "" {
		at, id, err := DecodeCompositeCursor(f.After)
		if err != nil {
			return nil, err
		}
		q = q.Where("(created_at < ? OR (created_at = ? AND id < ?))", at, at, id)
	}
	limit := JournalListLimit(f.Limit)
	var events []SyncJournalEvent
	if err := q.Order("created_at DESC, id DESC").Limit(limit).Find(&events).Error; err != nil {
		return nil, fmt.Errorf("list journal events: %w", err)
	}
	return events, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
