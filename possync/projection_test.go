package possync_test

import (
	"context"
	"testing"

	"bitbucket.org/mmdatafocus/tcgpos_sync/models"
	"bitbucket.org/mmdatafocus/tcgpos_sync/possync"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func fullCatalog() []possync.CatalogEntity {
	return []possync.CatalogEntity{
		// children first: the projector must order parents ahead of them
		entity("product", "cp-1", map[string]any{
			"name": "Booster Box", "sku": "BB-1", "barcode": "4900000000001", "price": "129.99",
			"categoryId": "cc-1", "gameId": "cg-1", "expansionId": "ce-1", "available": float64(4),
		}),
		entity("EXPANSION", "ce-1", map[string]any{"name": "Scarlet", "gameId": "cg-1", "code": "SV1"}),
		entity(" Game ", "cg-1", map[string]any{"name": "Pokemon", "code": "PKM"}),
		entity("CATEGORY", "cc-1", map[string]any{"name": "Sealed"}),
	}
}

func TestProjectDelta_IsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.projector.ProjectDelta(ctx, fullCatalog(), t0)
	require.NoError(t, err)
	require.Equal(t, possync.ProjectionStats{Inserted: 4}, first)

	second, err := h.projector.ProjectDelta(ctx, fullCatalog(), t0)
	require.NoError(t, err)
	require.Equal(t, possync.ProjectionStats{Updated: 4}, second)

	var product models.Product
	require.NoError(t, h.db.Where("id = ?", "cp-1").Take(&product).Error)
	require.Equal(t, "Booster Box", product.Name)
	require.True(t, product.EnabledPos)
	require.True(t, decimal.RequireFromString("129.99").Equal(product.Price))
	require.NotNil(t, product.ExpansionId)
	require.Equal(t, "ce-1", *product.ExpansionId)

	var inv models.Inventory
	require.NoError(t, h.db.Where("product_id = ?", "cp-1").Take(&inv).Error)
	require.Equal(t, 4, inv.Quantity)

	var productCount, mappingCount int64
	h.db.Model(&models.Product{}).Count(&productCount)
	h.db.Model(&models.CatalogIdMapping{}).Count(&mappingCount)
	require.EqualValues(t, 1, productCount)
	require.EqualValues(t, 4, mappingCount)
}

func TestProjectDelta_SkipsUnresolvedReference(t *testing.T) {
	h := newHarness(t)
	items := []possync.CatalogEntity{
		entity("GAME", "cg-1", map[string]any{"name": "Magic"}),
		entity("PRODUCT", "cp-ok", map[string]any{"name": "Sleeves", "gameId": "cg-1"}),
		entity("PRODUCT", "cp-bad", map[string]any{"name": "Pack", "expansionId": "ce-missing"}),
		entity("PRODUCT", "cp-bare", map[string]any{}),
	}

	stats, err := h.projector.ProjectDelta(context.Background(), items, t0)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Skipped)
	require.Equal(t, 3, stats.Inserted)

	var bare models.Product
	require.NoError(t, h.db.Where("id = ?", "cp-bare").Take(&bare).Error)
	require.Equal(t, "Product cp-bare", bare.Name)
	require.Nil(t, bare.CategoryId)

	var n int64
	h.db.Model(&models.Product{}).Where("id = ?", "cp-bad").Count(&n)
	require.Zero(t, n)
}

func TestProjectDelta_TaxonomyValidation(t *testing.T) {
	h := newHarness(t)
	items := []possync.CatalogEntity{
		entity("CATEGORY", "cc-noname", map[string]any{"name": "  "}),
		entity("EXPANSION", "ce-orphan", map[string]any{"name": "Orphan", "gameId": "cg-none"}),
		entity("EXPANSION", "ce-nogame", map[string]any{"name": "No game"}),
	}
	stats, err := h.projector.ProjectDelta(context.Background(), items, t0)
	require.NoError(t, err)
	require.Equal(t, possync.ProjectionStats{Skipped: 3}, stats)
}

func TestProjectSnapshot_DisablesOmittedRows(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.projector.ProjectSnapshot(ctx, []possync.CatalogEntity{
		entity("GAME", "cg-1", map[string]any{"name": "Magic"}),
		entity("GAME", "cg-2", map[string]any{"name": "Lorcana"}),
		entity("GAME", "cg-3", map[string]any{"name": "One Piece"}),
	}, t0)
	require.NoError(t, err)

	// cg-3 arrives malformed: it is skipped but still counts as present
	stats, err := h.projector.ProjectSnapshot(ctx, []possync.CatalogEntity{
		entity("GAME", "cg-1", map[string]any{"name": "Magic"}),
		entity("GAME", "cg-3", map[string]any{}),
	}, t0)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Disabled)
	require.Equal(t, 1, stats.Skipped)

	var g2, g3 models.Game
	require.NoError(t, h.db.Where("id = ?", "cg-2").Take(&g2).Error)
	require.False(t, g2.EnabledPos, "omitted row must be disabled")
	require.NoError(t, h.db.Where("id = ?", "cg-3").Take(&g3).Error)
	require.True(t, g3.EnabledPos)

	again, err := h.projector.ProjectSnapshot(ctx, []possync.CatalogEntity{
		entity("GAME", "cg-1", map[string]any{"name": "Magic"}),
		entity("GAME", "cg-3", map[string]any{"name": "One Piece"}),
	}, t0)
	require.NoError(t, err)
	require.Zero(t, again.Disabled, "already disabled rows are not counted twice")
}

func TestProjectDelta_NeverDisablesOmissions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.projector.ProjectSnapshot(ctx, []possync.CatalogEntity{
		entity("CATEGORY", "cc-1", map[string]any{"name": "Singles"}),
		entity("CATEGORY", "cc-2", map[string]any{"name": "Sealed"}),
	}, t0)
	require.NoError(t, err)

	stats, err := h.projector.ProjectDelta(ctx, []possync.CatalogEntity{
		entity("CATEGORY", "cc-1", map[string]any{"name": "Singles"}),
	}, t0)
	require.NoError(t, err)
	require.Zero(t, stats.Disabled)

	var enabled int64
	h.db.Model(&models.Category{}).Where("enabled_pos = ?", true).Count(&enabled)
	require.EqualValues(t, 2, enabled)
}

func TestProjectDelta_DeletedEntityStaysResolvable(t *testing.T) {
	h := newHarness(t)
	items := []possync.CatalogEntity{
		entity("GAME", "cg-old", map[string]any{"name": "Retired", "isDeletedCloud": true}),
		entity("EXPANSION", "ce-1", map[string]any{"name": "Base", "gameId": "cg-old"}),
		entity("CATEGORY", "cc-gone", map[string]any{"name": "Gone", "deletedAt": "2026-02-01T00:00:00Z"}),
	}
	stats, err := h.projector.ProjectDelta(context.Background(), items, t0)
	require.NoError(t, err)
	require.Equal(t, possync.ProjectionStats{Inserted: 1, Deleted: 2}, stats)

	var g models.Game
	require.NoError(t, h.db.Where("id = ?", "cg-old").Take(&g).Error)
	require.False(t, g.EnabledPos)
	require.True(t, g.IsDeletedCloud)
}

func TestProject_UnsupportedEntityTypeIsFatal(t *testing.T) {
	h := newHarness(t)
	items := []possync.CatalogEntity{
		entity("GAME", "cg-1", map[string]any{"name": "Magic"}),
		entity("TOURNAMENT", "ct-1", map[string]any{"name": "Friday Night"}),
	}
	_, err := h.projector.ProjectDelta(context.Background(), items, t0)
	require.Error(t, err)
	se, ok := possync.AsSyncError(err)
	require.True(t, ok)
	require.Equal(t, possync.KindFatal, se.Kind)
	require.ErrorIs(t, err, models.ErrUnsupportedEntityType)

	var n int64
	h.db.Model(&models.Game{}).Count(&n)
	require.Zero(t, n, "nothing from the batch may be written")
}

func TestProject_ExistingMappingKeepsLocalId(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.db.Create(&models.Game{ID: "local-7", Name: "Old name", Active: true, EnabledPos: true}).Error)
	require.NoError(t, models.TouchCatalogMapping(h.db, models.CatalogEntityTypeGame, "cg-7", "local-7", t0))

	stats, err := h.projector.ProjectDelta(ctx, []possync.CatalogEntity{
		entity("GAME", "cg-7", map[string]any{"name": "New name", "enabledPos": false}),
		entity("EXPANSION", "ce-7", map[string]any{"name": "Set", "gameId": "cg-7"}),
	}, t0)
	require.NoError(t, err)
	require.Equal(t, possync.ProjectionStats{Inserted: 1, Updated: 1}, stats)

	var g models.Game
	require.NoError(t, h.db.Where("id = ?", "local-7").Take(&g).Error)
	require.Equal(t, "New name", g.Name)
	require.Equal(t, "cg-7", g.CloudId)
	require.False(t, g.EnabledPos)

	var e models.Expansion
	require.NoError(t, h.db.Where("id = ?", "ce-7").Take(&e).Error)
	require.Equal(t, "local-7", e.GameId)
}

func TestProject_MappingWithoutRowFallsBackToCloudIdRow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.db.Create(&models.Game{ID: "local-8", CloudId: "cg-8", Name: "Old", Active: true, EnabledPos: true}).Error)
	require.NoError(t, models.TouchCatalogMapping(h.db, models.CatalogEntityTypeGame, "cg-8", "cg-8", t0))

	stats, err := h.projector.ProjectSnapshot(ctx, []possync.CatalogEntity{
		entity("GAME", "cg-8", map[string]any{"name": "New"}),
	}, t0)
	require.NoError(t, err)
	require.Equal(t, possync.ProjectionStats{Updated: 1}, stats)

	var count int64
	h.db.Model(&models.Game{}).Count(&count)
	require.EqualValues(t, 1, count)

	localId, err := models.FindCatalogMapping(h.db, models.CatalogEntityTypeGame, "cg-8")
	require.NoError(t, err)
	require.Equal(t, "local-8", localId)
}

func TestProject_OutOfRangeAvailableLeavesInventoryAlone(t *testing.T) {
	h := newHarness(t)
	stats, err := h.projector.ProjectDelta(context.Background(), []possync.CatalogEntity{
		entity("PRODUCT", "cp-big", map[string]any{"name": "Bulk", "available": float64(1e20)}),
	}, t0)
	require.NoError(t, err)
	require.Equal(t, possync.ProjectionStats{Inserted: 1}, stats)

	var n int64
	h.db.Model(&models.Inventory{}).Where("product_id = ?", "cp-big").Count(&n)
	require.Zero(t, n)
}
