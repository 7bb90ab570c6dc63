package possync_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/tcgpos_sync/models"
	"bitbucket.org/mmdatafocus/tcgpos_sync/possync"
	"github.com/stretchr/testify/require"
)

func products(n int) []possync.CatalogEntity {
	out := make([]possync.CatalogEntity, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, entity("PRODUCT", fmt.Sprintf("cp-%03d", i), map[string]any{"name": fmt.Sprintf("Card %d", i)}))
	}
	return out
}

// pager serves items in pages the way the cloud does.
func pager(items []possync.CatalogEntity, version string) func(page, size int) (*possync.CatalogPage, error) {
	return func(page, size int) (*possync.CatalogPage, error) {
		start := (page - 1) * size
		if start > len(items) {
			start = len(items)
		}
		end := min(start+size, len(items))
		return &possync.CatalogPage{Items: items[start:end], Total: len(items), SnapshotVersion: version}, nil
	}
}

func TestRunCatalogSync_FirstRunAppliesPagedSnapshot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	serve := pager(products(250), "snap-42")
	h.cloud.snapshot = func(req possync.PageRequest) (*possync.CatalogPage, error) {
		return serve(req.Page, req.PageSize)
	}

	result, err := h.replicator(possync.DefaultConfig()).RunCatalogSync(ctx)
	require.NoError(t, err)
	require.Equal(t, possync.SyncModeSnapshot, result.Mode)
	require.Equal(t, 2, result.Pages)
	require.Equal(t, 250, result.Fetched)
	require.Equal(t, 250, result.Stats.Inserted)
	require.Len(t, h.cloud.snapshotCalls, 2)
	require.Equal(t, possync.PageRequest{Page: 2, PageSize: 200}, h.cloud.snapshotCalls[1])

	state, err := h.repo.GetSyncState(ctx)
	require.NoError(t, err)
	require.NotNil(t, state.CatalogSnapshotVersion)
	require.Equal(t, "snap-42", *state.CatalogSnapshotVersion)
	require.NotNil(t, state.SnapshotAppliedAt)
	require.True(t, state.SnapshotAppliedAt.Equal(t0))

	var metaCount int64
	h.db.Model(&models.CatalogMeta{}).Count(&metaCount)
	require.EqualValues(t, 250, metaCount)
}

func TestRunCatalogSync_PinsLocalVersionWhenCloudSendsNone(t *testing.T) {
	h := newHarness(t)
	h.cloud.snapshot = func(req possync.PageRequest) (*possync.CatalogPage, error) {
		return &possync.CatalogPage{}, nil
	}

	result, err := h.replicator(possync.DefaultConfig()).RunCatalogSync(context.Background())
	require.NoError(t, err)
	require.Equal(t, "local-"+t0.Format(time.RFC3339), result.SnapshotVersion)
	require.Len(t, h.cloud.snapshotCalls, 1)
}

func TestRunCatalogSync_DeltaUsesLastDeltaSyncAt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	lastDelta := t0.Add(-2 * time.Hour)
	require.NoError(t, h.repo.SaveSnapshotApplied(ctx, "snap-1", t0.Add(-24*time.Hour)))
	require.NoError(t, h.repo.SaveDeltaApplied(ctx, "", lastDelta))

	h.cloud.delta = func(req possync.DeltaRequest) (*possync.CatalogPage, error) {
		if req.Page > 1 {
			return &possync.CatalogPage{}, nil
		}
		return &possync.CatalogPage{Items: products(3), Total: 3}, nil
	}

	result, err := h.replicator(possync.DefaultConfig()).RunCatalogSync(ctx)
	require.NoError(t, err)
	require.Equal(t, possync.SyncModeDelta, result.Mode)
	require.Equal(t, "snap-1", result.SnapshotVersion)
	require.Empty(t, h.cloud.snapshotCalls)
	require.Len(t, h.cloud.deltaCalls, 1)
	require.NotNil(t, h.cloud.deltaCalls[0].Since)
	require.Equal(t, lastDelta.Format(time.RFC3339), *h.cloud.deltaCalls[0].Since)

	state, err := h.repo.GetSyncState(ctx)
	require.NoError(t, err)
	require.True(t, state.LastDeltaSyncAt.Equal(t0))
	require.Equal(t, "snap-1", *state.CatalogSnapshotVersion)
}

func TestRunCatalogSync_FailureRecordsErrorCode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.cloud.snapshot = func(req possync.PageRequest) (*possync.CatalogPage, error) {
		return nil, possync.Retriable(possync.CodeRateLimited, "slow down", nil)
	}

	_, err := h.replicator(possync.DefaultConfig()).RunCatalogSync(ctx)
	require.Error(t, err)
	require.Equal(t, possync.CodeRateLimited, possync.ErrorCode(err, ""))

	state, err := h.repo.GetSyncState(ctx)
	require.NoError(t, err)
	require.NotNil(t, state.LastSyncErrorCode)
	require.Equal(t, possync.CodeRateLimited, *state.LastSyncErrorCode)
	require.Nil(t, state.SnapshotAppliedAt, "a failed snapshot must not look applied")

	// a later success clears the error
	h.cloud.snapshot = func(req possync.PageRequest) (*possync.CatalogPage, error) {
		return &possync.CatalogPage{SnapshotVersion: "v2"}, nil
	}
	_, err = h.replicator(possync.DefaultConfig()).RunCatalogSync(ctx)
	require.NoError(t, err)
	state, err = h.repo.GetSyncState(ctx)
	require.NoError(t, err)
	require.Nil(t, state.LastSyncErrorCode)
}

func TestRunCatalogSync_ObservesSkippedEntities(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.cloud.snapshot = func(req possync.PageRequest) (*possync.CatalogPage, error) {
		return &possync.CatalogPage{
			Items: []possync.CatalogEntity{
				entity("PRODUCT", "cp-1", map[string]any{"name": "Pack", "gameId": "cg-unknown"}),
			},
			Total:           1,
			SnapshotVersion: "v1",
		}, nil
	}

	result, err := h.replicator(possync.DefaultConfig()).RunCatalogSync(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Stats.Skipped)

	var meta models.CatalogMeta
	require.NoError(t, h.db.Where("entity_type = ? AND cloud_id = ?", "PRODUCT", "cp-1").Take(&meta).Error)
	require.Equal(t, "h-cp-1", meta.VersionHash)
}

func TestRunCatalogSync_AdoptsUnmappedRowCarryingCloudId(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.db.Create(&models.Game{ID: "local-9", CloudId: "cg-9", Name: "Old", Active: true, EnabledPos: true}).Error)
	h.cloud.snapshot = func(req possync.PageRequest) (*possync.CatalogPage, error) {
		return &possync.CatalogPage{
			Items:           []possync.CatalogEntity{entity("GAME", "cg-9", map[string]any{"name": "New"})},
			Total:           1,
			SnapshotVersion: "v1",
		}, nil
	}

	result, err := h.replicator(possync.DefaultConfig()).RunCatalogSync(ctx)
	require.NoError(t, err)
	require.Equal(t, possync.ProjectionStats{Updated: 1}, result.Stats)

	var games []models.Game
	require.NoError(t, h.db.Find(&games).Error)
	require.Len(t, games, 1)
	require.Equal(t, "local-9", games[0].ID)
	require.Equal(t, "New", games[0].Name)
	require.True(t, games[0].EnabledPos)

	localId, err := models.FindCatalogMapping(h.db, models.CatalogEntityTypeGame, "cg-9")
	require.NoError(t, err)
	require.Equal(t, "local-9", localId)

	var meta models.CatalogMeta
	require.NoError(t, h.db.Where("entity_type = ? AND cloud_id = ?", "GAME", "cg-9").Take(&meta).Error)
	require.Equal(t, "local-9", meta.LocalId)
}
