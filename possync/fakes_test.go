package possync_test

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/tcgpos_sync/models"
	"bitbucket.org/mmdatafocus/tcgpos_sync/possync"
	"bitbucket.org/mmdatafocus/tcgpos_sync/testutil"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeCloud struct {
	mu sync.Mutex

	snapshot  func(req possync.PageRequest) (*possync.CatalogPage, error)
	delta     func(req possync.DeltaRequest) (*possync.CatalogPage, error)
	reconcile func(req possync.ReconcileRequest) (*possync.ReconcileResponse, error)
	sales     func(req possync.SalesEventRequest) (*possync.SalesEventResponse, error)
	movement  func(req possync.InventoryMovementRequest) (*possync.InventoryMovementResponse, error)
	admin     func(req possync.AdminInventoryMovementRequest) (*possync.InventoryMovementResponse, error)
	upload    func(req possync.ProofUploadRequest) (*possync.ProofUploadResponse, error)

	snapshotCalls  []possync.PageRequest
	deltaCalls     []possync.DeltaRequest
	reconcileCalls []possync.ReconcileRequest
	salesCalls     []possync.SalesEventRequest
	movementCalls  []possync.InventoryMovementRequest
	adminCalls     []possync.AdminInventoryMovementRequest
	uploadCalls    []possync.ProofUploadRequest
}

func (f *fakeCloud) FetchCatalogSnapshot(_ context.Context, req possync.PageRequest) (*possync.CatalogPage, error) {
	f.mu.Lock()
	f.snapshotCalls = append(f.snapshotCalls, req)
	f.mu.Unlock()
	return f.snapshot(req)
}

func (f *fakeCloud) FetchCatalogDelta(_ context.Context, req possync.DeltaRequest) (*possync.CatalogPage, error) {
	f.mu.Lock()
	f.deltaCalls = append(f.deltaCalls, req)
	f.mu.Unlock()
	return f.delta(req)
}

func (f *fakeCloud) ReconcileCatalog(_ context.Context, req possync.ReconcileRequest) (*possync.ReconcileResponse, error) {
	f.mu.Lock()
	f.reconcileCalls = append(f.reconcileCalls, req)
	f.mu.Unlock()
	return f.reconcile(req)
}

func (f *fakeCloud) SendSalesEvent(_ context.Context, req possync.SalesEventRequest) (*possync.SalesEventResponse, error) {
	f.mu.Lock()
	f.salesCalls = append(f.salesCalls, req)
	f.mu.Unlock()
	return f.sales(req)
}

func (f *fakeCloud) SendInventoryMovement(_ context.Context, req possync.InventoryMovementRequest) (*possync.InventoryMovementResponse, error) {
	f.mu.Lock()
	f.movementCalls = append(f.movementCalls, req)
	f.mu.Unlock()
	return f.movement(req)
}

func (f *fakeCloud) SendAdminInventoryMovement(_ context.Context, req possync.AdminInventoryMovementRequest) (*possync.InventoryMovementResponse, error) {
	f.mu.Lock()
	f.adminCalls = append(f.adminCalls, req)
	f.mu.Unlock()
	return f.admin(req)
}

func (f *fakeCloud) UploadProof(_ context.Context, req possync.ProofUploadRequest) (*possync.ProofUploadResponse, error) {
	f.mu.Lock()
	f.uploadCalls = append(f.uploadCalls, req)
	f.mu.Unlock()
	return f.upload(req)
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type harness struct {
	db        *gorm.DB
	repo      *models.PosSyncRepo
	clock     *testutil.Clock
	cloud     *fakeCloud
	projector *possync.Projector
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := testutil.OpenDB(t)
	return &harness{
		db:        db,
		repo:      models.NewPosSyncRepo(db),
		clock:     testutil.NewClock(t0),
		cloud:     &fakeCloud{},
		projector: possync.NewProjector(db, quietLogger()),
	}
}

func (h *harness) replicator(cfg possync.Config) *possync.Replicator {
	return possync.NewReplicator(h.cloud, h.repo, h.projector, cfg, h.clock, quietLogger())
}

func (h *harness) flusher() *possync.Flusher {
	f := possync.NewFlusher(h.repo, h.cloud, possync.DefaultConfig(), quietLogger())
	f.Clock = h.clock
	f.Jitter = possync.NoJitter
	f.Proofs = h.cloud
	f.Inventory = models.NewInventoryRepo(h.db)
	f.Sales = models.NewSaleRepo(h.db)
	f.Auth = models.NewTerminalAuthStore(h.db)
	return f
}

func entity(typ, cloudId string, payload map[string]any) possync.CatalogEntity {
	return possync.CatalogEntity{
		EntityType:  typ,
		CloudId:     cloudId,
		UpdatedAt:   "2026-02-28T10:00:00Z",
		VersionHash: "h-" + cloudId,
		Payload:     payload,
	}
}
