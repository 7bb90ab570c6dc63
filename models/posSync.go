package models

import "time"

// CatalogMeta caches the raw cloud record of every catalog entity ever received.
// It backs the reconciliation manifest.
type CatalogMeta struct {
	EntityType     CatalogEntityType `gorm:"primaryKey;size:20" json:"entity_type"`
	CloudId        string            `gorm:"primaryKey;size:128" json:"cloud_id"`
	LocalId        string            `gorm:"size:128" json:"local_id"`
	CloudUpdatedAt *time.Time        `json:"cloud_updated_at"`
	VersionHash    string            `gorm:"size:128" json:"version_hash"`
	PayloadJSON    []byte            `gorm:"type:json" json:"payload"`
	ReceivedAt     time.Time         `gorm:"not null" json:"received_at"`
}

func (CatalogMeta) TableName() string { return "pos_catalog_meta" }

// CatalogIdMapping links a cloud id to the local row id.
type CatalogIdMapping struct {
	EntityType CatalogEntityType `gorm:"primaryKey;size:20" json:"entity_type"`
	CloudId    string            `gorm:"primaryKey;size:128" json:"cloud_id"`
	LocalId    string            `gorm:"index;size:128;not null" json:"local_id"`
	LastSeenAt *time.Time        `json:"last_seen_at"`
	CreatedAt  time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

func (CatalogIdMapping) TableName() string { return "pos_catalog_id_mappings" }

const PosSyncStateId = 1

// PosSyncState is a single-row table (id = 1) tracking replication progress.
type PosSyncState struct {
	ID                     int        `gorm:"primaryKey;autoIncrement:false" json:"id"`
	CatalogSnapshotVersion *string    `gorm:"size:128" json:"catalog_snapshot_version"`
	SnapshotAppliedAt      *time.Time `json:"snapshot_applied_at"`
	LastDeltaSyncAt        *time.Time `json:"last_delta_sync_at"`
	LastReconcileAt        *time.Time `json:"last_reconcile_at"`
	LastSyncErrorCode      *string    `gorm:"size:64" json:"last_sync_error_code"`
	LastSyncErrorAt        *time.Time `json:"last_sync_error_at"`
	CreatedAt              time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (PosSyncState) TableName() string { return "pos_sync_state" }

// SyncJournalEvent is one outbound business fact. Rows are never deleted;
// SYNCED and FAILED rows are history.
type SyncJournalEvent struct {
	ID                         string           `gorm:"primaryKey;size:64" json:"id"`
	TerminalId                 string           `gorm:"index;size:64" json:"terminal_id"`
	BranchId                   string           `gorm:"index;size:64" json:"branch_id"`
	EventType                  JournalEventType `gorm:"index:idx_journal_pick,priority:1;size:40;not null" json:"event_type"`
	PayloadJSON                []byte           `gorm:"type:json" json:"payload"`
	Status                     JournalStatus    `gorm:"index:idx_journal_pick,priority:2;size:20;not null" json:"status"`
	RetryCount                 int              `gorm:"not null" json:"retry_count"`
	MaxRetries                 int              `gorm:"not null" json:"max_retries"`
	NextRetryAt                *time.Time       `json:"next_retry_at"`
	LastErrorCode              *string          `gorm:"size:64" json:"last_error_code"`
	LastErrorMessage           *string          `gorm:"type:text" json:"last_error_message"`
	ManualInterventionRequired bool             `gorm:"not null" json:"manual_intervention_required"`
	ReplacesEventId            *string          `gorm:"index;size:64" json:"replaces_event_id"`
	CreatedAt                  time.Time        `gorm:"index:idx_journal_pick,priority:3;not null" json:"created_at"`
	UpdatedAt                  time.Time        `gorm:"not null" json:"updated_at"`
	SyncedAt                   *time.Time       `json:"synced_at"`
}

func (SyncJournalEvent) TableName() string { return "pos_sync_journal" }

// CatalogManifestEntry is derived from CatalogMeta; it is not persisted.
type CatalogManifestEntry struct {
	EntityType  CatalogEntityType `json:"entityType"`
	CloudId     string            `json:"cloudId"`
	LocalId     string            `json:"localId"`
	UpdatedAt   *time.Time        `json:"updatedAt"`
	VersionHash string            `json:"versionHash"`
}

// ObservedEntity is what the replication driver records for every received item.
type ObservedEntity struct {
	EntityType  CatalogEntityType
	CloudId     string
	UpdatedAt   *time.Time
	VersionHash string
	PayloadJSON []byte
}

// JournalFailure describes one failed delivery attempt.
type JournalFailure struct {
	RetryCount  int
	NextRetryAt *time.Time
	Code        string
	Message     string
	Manual      bool
}

// JournalFilter narrows ListEvents. Zero values mean "any".
type JournalFilter struct {
	Status    JournalStatus
	EventType JournalEventType
	Manual    *bool
	Limit     int
	// After continues a listing from a PageInfo.EndCursor.
	After string
}

// JournalCounts is the per-status summary shown to operators.
type JournalCounts struct {
	Pending int64 `json:"pending"`
	Synced  int64 `json:"synced"`
	Failed  int64 `json:"failed"`
	Manual  int64 `json:"manual"`
}
