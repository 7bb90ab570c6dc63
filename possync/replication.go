package possync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/tcgpos_sync/config"
	"bitbucket.org/mmdatafocus/tcgpos_sync/models"
	"github.com/sirupsen/logrus"
)

// maxPages stops a misbehaving server from paging forever.
const maxPages = 10000

// CatalogProjector is implemented by *Projector.
type CatalogProjector interface {
	ProjectSnapshot(ctx context.Context, items []CatalogEntity, now time.Time) (ProjectionStats, error)
	ProjectDelta(ctx context.Context, items []CatalogEntity, now time.Time) (ProjectionStats, error)
}

// Replicator pulls the catalog from the cloud into the local store.
// Callers must not run two replications (or two reconciles) at once.
type Replicator struct {
	Client    CatalogClient
	Store     SyncStateStore
	Projector CatalogProjector
	Config    Config
	Clock     Clock
	Logger    *logrus.Logger
}

func NewReplicator(client CatalogClient, store SyncStateStore, projector CatalogProjector, cfg Config, clock Clock, logger *logrus.Logger) *Replicator {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = config.GetLogger()
	}
	return &Replicator{Client: client, Store: store, Projector: projector, Config: cfg, Clock: clock, Logger: logger}
}

// RunCatalogSync applies a full snapshot when none was applied yet, otherwise a delta.
func (r *Replicator) RunCatalogSync(ctx context.Context) (SyncResult, error) {
	ctx, span := startSpan(ctx, "possync.RunCatalogSync")
	defer span.End()

	state, err := r.Store.GetSyncState(ctx)
	if err != nil {
		endSpan(span, err)
		return SyncResult{}, err
	}

	var result SyncResult
	if needsSnapshot(state) {
		result, err = r.runSnapshot(ctx)
	} else {
		result, err = r.runDelta(ctx, state)
	}
	if err != nil {
		err = r.fail(ctx, "RunCatalogSync", err)
		endSpan(span, err)
		return result, err
	}
	return result, nil
}

func needsSnapshot(state *models.PosSyncState) bool {
	return state.CatalogSnapshotVersion == nil || *state.CatalogSnapshotVersion == "" || state.SnapshotAppliedAt == nil
}

func (r *Replicator) runSnapshot(ctx context.Context) (SyncResult, error) {
	startedAt := r.Clock.Now().UTC()
	result := SyncResult{Mode: SyncModeSnapshot}

	items, pages, version, err := r.fetchAllPages(ctx, true, func(page int) (*CatalogPage, error) {
		return r.Client.FetchCatalogSnapshot(ctx, PageRequest{Page: page, PageSize: r.Config.PageSize})
	})
	result.Pages = pages
	result.Fetched = len(items)
	if err != nil {
		return result, err
	}

	stats, err := r.Projector.ProjectSnapshot(ctx, items, startedAt)
	if err != nil {
		return result, err
	}
	result.Stats = stats

	if version == "" {
		// Without a version the next run would snapshot again; pin one locally.
		version = "local-" + startedAt.Format(time.RFC3339)
	}
	if err := r.Store.SaveSnapshotApplied(ctx, version, startedAt); err != nil {
		return result, err
	}
	result.SnapshotVersion = version

	r.Logger.WithFields(logrus.Fields{
		"field":    "Replication",
		"mode":     result.Mode,
		"pages":    result.Pages,
		"fetched":  result.Fetched,
		"version":  version,
		"inserted": stats.Inserted,
		"updated":  stats.Updated,
		"disabled": stats.Disabled,
		"skipped":  stats.Skipped,
	}).Info("catalog snapshot applied")
	return result, nil
}

func (r *Replicator) runDelta(ctx context.Context, state *models.PosSyncState) (SyncResult, error) {
	startedAt := r.Clock.Now().UTC()
	result := SyncResult{Mode: SyncModeDelta}

	sinceAt := state.LastDeltaSyncAt
	if sinceAt == nil {
		sinceAt = state.SnapshotAppliedAt
	}
	since := sinceAt.UTC().Format(time.RFC3339)

	items, pages, version, err := r.fetchAllPages(ctx, true, func(page int) (*CatalogPage, error) {
		return r.Client.FetchCatalogDelta(ctx, DeltaRequest{Since: &since, Page: page, PageSize: r.Config.PageSize})
	})
	result.Pages = pages
	result.Fetched = len(items)
	if err != nil {
		return result, err
	}

	stats, err := r.Projector.ProjectDelta(ctx, items, startedAt)
	if err != nil {
		return result, err
	}
	result.Stats = stats

	if err := r.Store.SaveDeltaApplied(ctx, version, startedAt); err != nil {
		return result, err
	}
	result.SnapshotVersion = version
	if result.SnapshotVersion == "" && state.CatalogSnapshotVersion != nil {
		result.SnapshotVersion = *state.CatalogSnapshotVersion
	}

	r.Logger.WithFields(logrus.Fields{
		"field":    "Replication",
		"mode":     result.Mode,
		"since":    since,
		"pages":    result.Pages,
		"fetched":  result.Fetched,
		"inserted": stats.Inserted,
		"updated":  stats.Updated,
		"deleted":  stats.Deleted,
		"skipped":  stats.Skipped,
	}).Info("catalog delta applied")
	return result, nil
}

// fetchAllPages pages from 1 until a short or empty page, or until page*pageSize
// reaches the declared total. When observe is set every page is recorded in the
// meta cache and id mapping as soon as it arrives.
func (r *Replicator) fetchAllPages(ctx context.Context, observe bool, fetch func(page int) (*CatalogPage, error)) ([]CatalogEntity, int, string, error) {
	pageSize := r.Config.PageSize
	var (
		items   []CatalogEntity
		version string
		pages   int
	)
	for page := 1; page <= maxPages; page++ {
		resp, err := fetch(page)
		if err != nil {
			return items, pages, version, err
		}
		if resp == nil {
			return items, pages, version, Retriable(CodeInvalidResponse, fmt.Sprintf("empty catalog page %d", page), nil)
		}
		pages++
		if resp.SnapshotVersion != "" {
			version = resp.SnapshotVersion
		}
		if observe && len(resp.Items) > 0 {
			if err := r.recordObserved(ctx, resp.Items); err != nil {
				return items, pages, version, err
			}
		}
		items = append(items, resp.Items...)

		if len(resp.Items) == 0 || len(resp.Items) < pageSize || page*pageSize >= resp.Total {
			break
		}
	}
	return items, pages, version, nil
}

// recordObserved writes the raw meta cache and mappings for items. Unsupported
// entity types are left for projection to reject.
func (r *Replicator) recordObserved(ctx context.Context, items []CatalogEntity) error {
	observed := make([]models.ObservedEntity, 0, len(items))
	for _, it := range items {
		t, err := models.ParseCatalogEntityType(it.EntityType)
		if err != nil || it.CloudId == "" {
			continue
		}
		payload, err := json.Marshal(it.Payload)
		if err != nil {
			return Structural(CodeInvalidResponse, "encode catalog payload "+it.CloudId, err)
		}
		observed = append(observed, models.ObservedEntity{
			EntityType:  t,
			CloudId:     it.CloudId,
			UpdatedAt:   it.UpdatedTime(),
			VersionHash: it.VersionHash,
			PayloadJSON: payload,
		})
	}
	if err := r.Store.RecordObservedEntities(ctx, observed, r.Clock.Now()); err != nil {
		return Fatal(CodeLocalWriteFailed, "record observed catalog entities", err)
	}
	return nil
}

// fail stores the error code on the sync state and returns err unchanged.
func (r *Replicator) fail(ctx context.Context, funcName string, err error) error {
	code := ErrorCode(err, CodeSyncFailed)
	if serr := r.Store.SetLastSyncError(ctx, code, r.Clock.Now()); serr != nil {
		config.LogError(r.Logger, "possync", funcName, "set last sync error", code, serr)
	}
	r.Logger.WithFields(logrus.Fields{
		"field":      "Replication",
		"func":       funcName,
		"error_code": code,
	}).Error(err.Error())
	return err
}
