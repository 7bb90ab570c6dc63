package possync

import (
	"context"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/tcgpos_sync/models"
)

// CatalogEntity is one cloud catalog record as delivered by snapshot or delta pages.
type CatalogEntity struct {
	EntityType  string         `json:"entityType"`
	CloudId     string         `json:"cloudId"`
	UpdatedAt   string         `json:"updatedAt"`
	VersionHash string         `json:"versionHash"`
	Payload     map[string]any `json:"payload"`
}

// UpdatedTime parses UpdatedAt; unparseable or empty values return nil.
func (e CatalogEntity) UpdatedTime() *time.Time {
	return parseCloudTime(e.UpdatedAt)
}

func parseCloudTime(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			u := t.UTC()
			return &u
		}
	}
	return nil
}

type PageRequest struct {
	Page     int `json:"page"`
	PageSize int `json:"pageSize"`
}

// DeltaRequest with a nil Since asks for everything.
type DeltaRequest struct {
	Since    *string `json:"since"`
	Page     int     `json:"page"`
	PageSize int     `json:"pageSize"`
}

type CatalogPage struct {
	Items           []CatalogEntity `json:"items"`
	Total           int             `json:"total"`
	SnapshotVersion string          `json:"snapshotVersion"`
}

type ReconcileRequest struct {
	CatalogManifest []models.CatalogManifestEntry `json:"catalogManifest"`
}

// EntityRef identifies a catalog entity on both sides.
type EntityRef struct {
	EntityType string `json:"entityType"`
	CloudId    string `json:"cloudId"`
}

type ReconcileResponse struct {
	Missing         []EntityRef `json:"missing"`
	Stale           []EntityRef `json:"stale"`
	Unknown         []EntityRef `json:"unknown"`
	SnapshotVersion string      `json:"snapshotVersion"`
}

type SalesEventRequest struct {
	LocalEventId string         `json:"localEventId"`
	EventType    string         `json:"eventType"`
	Payload      map[string]any `json:"payload"`
}

const (
	SalesStatusSynced    = "synced"
	SalesStatusDuplicate = "duplicate"
)

type SalesEventResponse struct {
	Status string `json:"status"`
}

type InventoryMovementRequest struct {
	ProductId      string `json:"productId"`
	Delta          int    `json:"delta"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotencyKey"`
}

type AdminInventoryMovementRequest struct {
	InventoryMovementRequest
	PosUserToken string `json:"-"`
}

type InventoryItem struct {
	ProductId string `json:"productId"`
	Available *int   `json:"available"`
}

type InventoryAdjustment struct {
	Id                string `json:"id"`
	Delta             int    `json:"delta"`
	ResultingQuantity *int   `json:"resultingQuantity"`
}

type InventoryMovementResponse struct {
	Item       *InventoryItem       `json:"item"`
	Adjustment *InventoryAdjustment `json:"adjustment"`
}

// ConfirmedQuantity is the server-side stock after the movement, if reported.
func (r *InventoryMovementResponse) ConfirmedQuantity() (int, bool) {
	if r == nil {
		return 0, false
	}
	if r.Item != nil && r.Item.Available != nil {
		return *r.Item.Available, true
	}
	if r.Adjustment != nil && r.Adjustment.ResultingQuantity != nil {
		return *r.Adjustment.ResultingQuantity, true
	}
	return 0, false
}

type ProofUploadRequest struct {
	FileBuffer []byte
	FileName   string
	MimeType   string
	SaleId     string
}

type ProofUploadResponse struct {
	Url string `json:"url"`
}

// CatalogClient is the pull side of the cloud API.
type CatalogClient interface {
	FetchCatalogSnapshot(ctx context.Context, req PageRequest) (*CatalogPage, error)
	FetchCatalogDelta(ctx context.Context, req DeltaRequest) (*CatalogPage, error)
	ReconcileCatalog(ctx context.Context, req ReconcileRequest) (*ReconcileResponse, error)
}

// JournalClient is the push side of the cloud API.
type JournalClient interface {
	SendSalesEvent(ctx context.Context, req SalesEventRequest) (*SalesEventResponse, error)
	SendInventoryMovement(ctx context.Context, req InventoryMovementRequest) (*InventoryMovementResponse, error)
	SendAdminInventoryMovement(ctx context.Context, req AdminInventoryMovementRequest) (*InventoryMovementResponse, error)
}

// ProofUploader stores a payment proof and returns its public URL.
type ProofUploader interface {
	UploadProof(ctx context.Context, req ProofUploadRequest) (*ProofUploadResponse, error)
}

// CloudClient is everything the engine needs from the cloud.
type CloudClient interface {
	CatalogClient
	JournalClient
	ProofUploader
}

// SyncStateStore is the replication-side view of the local store.
type SyncStateStore interface {
	GetSyncState(ctx context.Context) (*models.PosSyncState, error)
	SaveSnapshotApplied(ctx context.Context, version string, at time.Time) error
	SaveDeltaApplied(ctx context.Context, version string, at time.Time) error
	SaveReconciled(ctx context.Context, version string, at time.Time) error
	SetLastSyncError(ctx context.Context, code string, at time.Time) error
	RecordObservedEntities(ctx context.Context, items []models.ObservedEntity, now time.Time) error
	ListCatalogManifest(ctx context.Context, limit int) ([]models.CatalogManifestEntry, error)
}

// JournalStore is the flusher-side view of the local store.
type JournalStore interface {
	ListPendingEvents(ctx context.Context, eventType models.JournalEventType, limit int, now time.Time) ([]models.SyncJournalEvent, error)
	MarkEventSynced(ctx context.Context, id string, at time.Time) error
	MarkEventAttemptFailed(ctx context.Context, id string, f models.JournalFailure, at time.Time) error
	CloudIdForLocal(ctx context.Context, entityType models.CatalogEntityType, localId string) (string, error)
}

type InventoryWriter interface {
	SetStock(ctx context.Context, productId string, qty int, at time.Time) error
}

type SaleProofWriter interface {
	UpdateProof(ctx context.Context, saleId string, url string, status models.ProofStatus) error
}

type TerminalAuth interface {
	GetState(ctx context.Context) (models.TerminalState, error)
	GetUserSessionState(ctx context.Context) (models.UserSessionState, error)
	GetUserAccessToken(ctx context.Context) (string, error)
}

// ProjectionStats counts per-run outcomes.
type ProjectionStats struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Disabled int `json:"disabled"`
	Deleted  int `json:"deleted"`
	Skipped  int `json:"skipped"`
}

func (s *ProjectionStats) add(o ProjectionStats) {
	s.Inserted += o.Inserted
	s.Updated += o.Updated
	s.Disabled += o.Disabled
	s.Deleted += o.Deleted
	s.Skipped += o.Skipped
}

// SyncResult summarises one replication or reconcile run.
type SyncResult struct {
	Mode            string          `json:"mode"`
	Fetched         int             `json:"fetched"`
	Pages           int             `json:"pages"`
	SnapshotVersion string          `json:"snapshotVersion"`
	Stats           ProjectionStats `json:"stats"`
}

const (
	SyncModeSnapshot  = "snapshot"
	SyncModeDelta     = "delta"
	SyncModeReconcile = "reconcile"
)

// FlushResult summarises one journal flush.
type FlushResult struct {
	Attempted          int `json:"attempted"`
	Synced             int `json:"synced"`
	Retried            int `json:"retried"`
	ManualIntervention int `json:"manualIntervention"`
}
