package possync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/tcgpos_sync/config"
	"bitbucket.org/mmdatafocus/tcgpos_sync/models"
	"bitbucket.org/mmdatafocus/tcgpos_sync/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const disableChunkSize = 500

// Projector writes catalog entities into the local relational tables.
type Projector struct {
	DB     *gorm.DB
	Logger *logrus.Logger
}

func NewProjector(db *gorm.DB, logger *logrus.Logger) *Projector {
	return &Projector{DB: db, Logger: logger}
}

type normalizedEntity struct {
	Type   models.CatalogEntityType
	Entity CatalogEntity
}

type projectOutcome int

const (
	outcomeInserted projectOutcome = iota
	outcomeUpdated
	outcomeDeleted
)

// ProjectSnapshot projects a full catalog and soft-disables every known row whose
// cloud id is absent from items.
func (p *Projector) ProjectSnapshot(ctx context.Context, items []CatalogEntity, now time.Time) (ProjectionStats, error) {
	ctx, span := startSpan(ctx, "possync.ProjectSnapshot")
	defer span.End()
	stats, err := p.project(ctx, items, now, true)
	endSpan(span, err)
	return stats, err
}

// ProjectDelta projects changed entities only; omissions are not deletions.
func (p *Projector) ProjectDelta(ctx context.Context, items []CatalogEntity, now time.Time) (ProjectionStats, error) {
	ctx, span := startSpan(ctx, "possync.ProjectDelta")
	defer span.End()
	stats, err := p.project(ctx, items, now, false)
	endSpan(span, err)
	return stats, err
}

func (p *Projector) logger() *logrus.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return config.GetLogger()
}

func (p *Projector) project(ctx context.Context, items []CatalogEntity, now time.Time, snapshot bool) (ProjectionStats, error) {
	var stats ProjectionStats
	now = now.UTC()

	batch, err := normalizeBatch(items)
	if err != nil {
		return stats, err
	}

	err = p.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, it := range batch {
			outcome, err := projectEntity(tx, it, now)
			if err != nil {
				var perr *ProjectionError
				if errors.As(err, &perr) {
					stats.Skipped++
					p.logger().WithFields(logrus.Fields{
						"field":       "Projection",
						"entity_type": it.Type,
						"cloud_id":    it.Entity.CloudId,
						"error_code":  perr.Code,
					}).Warn(perr.Detail)
					continue
				}
				return err
			}
			switch outcome {
			case outcomeInserted:
				stats.Inserted++
			case outcomeUpdated:
				stats.Updated++
			case outcomeDeleted:
				stats.Deleted++
			}
		}

		if snapshot {
			disabled, err := disableOmitted(tx, batch, now)
			if err != nil {
				return err
			}
			stats.Disabled = disabled
		}
		return nil
	})
	if err != nil {
		return ProjectionStats{}, Fatal(CodeLocalWriteFailed, "catalog projection aborted", err)
	}

	p.logger().WithFields(logrus.Fields{
		"field":    "Projection",
		"snapshot": snapshot,
		"items":    len(items),
		"inserted": stats.Inserted,
		"updated":  stats.Updated,
		"disabled": stats.Disabled,
		"deleted":  stats.Deleted,
		"skipped":  stats.Skipped,
	}).Info("catalog projected")
	return stats, nil
}

// normalizeBatch validates entity types up front and orders parents first.
// An unsupported type fails the whole batch before anything is written.
func normalizeBatch(items []CatalogEntity) ([]normalizedEntity, error) {
	out := make([]normalizedEntity, 0, len(items))
	for _, it := range items {
		t, err := models.ParseCatalogEntityType(it.EntityType)
		if err != nil {
			return nil, Fatal(CodeUnsupportedEntityType, fmt.Sprintf("entity type %q (cloud id %s)", it.EntityType, it.CloudId), err)
		}
		it.CloudId = strings.TrimSpace(it.CloudId)
		if it.Payload == nil {
			it.Payload = map[string]any{}
		}
		out = append(out, normalizedEntity{Type: t, Entity: it})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Type.Rank() < out[j].Type.Rank()
	})
	return out, nil
}

func modelFor(t models.CatalogEntityType) any {
	switch t {
	case models.CatalogEntityTypeCategory:
		return &models.Category{}
	case models.CatalogEntityTypeGame:
		return &models.Game{}
	case models.CatalogEntityTypeExpansion:
		return &models.Expansion{}
	default:
		return &models.Product{}
	}
}

func projectEntity(tx *gorm.DB, it normalizedEntity, now time.Time) (projectOutcome, error) {
	e := it.Entity
	typ := string(it.Type)
	if e.CloudId == "" {
		return 0, skip(CodeTaxonomyMissingRequiredField, typ, "", "cloud id is empty")
	}

	deleted := isDeletedPayload(e.Payload)
	fields := map[string]any{
		"cloud_id":         e.CloudId,
		"active":           payloadBool(e.Payload, "active", true),
		"enabled_pos":      payloadBool(e.Payload, "enabledPos", true) && !deleted,
		"is_deleted_cloud": deleted,
		"cloud_updated_at": e.UpdatedTime(),
		"synced_at":        now,
		"updated_at":       now,
	}

	name, hasName := payloadString(e.Payload, "name")

	switch it.Type {
	case models.CatalogEntityTypeCategory:
		if !hasName {
			return 0, skip(CodeTaxonomyMissingRequiredField, typ, e.CloudId, "name is required")
		}
		fields["name"] = name

	case models.CatalogEntityTypeGame:
		if !hasName {
			return 0, skip(CodeTaxonomyMissingRequiredField, typ, e.CloudId, "name is required")
		}
		fields["name"] = name
		code, _ := payloadString(e.Payload, "code")
		fields["code"] = code

	case models.CatalogEntityTypeExpansion:
		if !hasName {
			return 0, skip(CodeTaxonomyMissingRequiredField, typ, e.CloudId, "name is required")
		}
		gameCloudId, ok := payloadString(e.Payload, "gameId")
		if !ok {
			return 0, skip(CodeTaxonomyReferenceNotFound, typ, e.CloudId, "gameId is required")
		}
		gameId, found, err := resolveReference(tx, models.CatalogEntityTypeGame, gameCloudId)
		if err != nil {
			return 0, err
		}
		if !found {
			return 0, skip(CodeTaxonomyReferenceNotFound, typ, e.CloudId, "game "+gameCloudId+" not found")
		}
		fields["name"] = name
		fields["game_id"] = gameId
		code, _ := payloadString(e.Payload, "code")
		fields["code"] = code

	case models.CatalogEntityTypeProduct:
		if !hasName {
			name = "Product " + e.CloudId
		}
		fields["name"] = name
		refs := []struct {
			key    string
			column string
			typ    models.CatalogEntityType
		}{
			{"categoryId", "category_id", models.CatalogEntityTypeCategory},
			{"gameId", "game_id", models.CatalogEntityTypeGame},
			{"expansionId", "expansion_id", models.CatalogEntityTypeExpansion},
		}
		for _, ref := range refs {
			refCloudId, specified := payloadString(e.Payload, ref.key)
			if !specified {
				fields[ref.column] = nil
				continue
			}
			localRef, found, err := resolveReference(tx, ref.typ, refCloudId)
			if err != nil {
				return 0, err
			}
			if !found {
				return 0, skip(CodeProductReferenceNotFound, typ, e.CloudId, fmt.Sprintf("%s %s not found", strings.ToLower(string(ref.typ)), refCloudId))
			}
			fields[ref.column] = localRef
		}
		sku, _ := payloadString(e.Payload, "sku")
		barcode, _ := payloadString(e.Payload, "barcode")
		fields["sku"] = sku
		fields["barcode"] = barcode
		fields["price"] = payloadDecimal(e.Payload, "price")
	}

	localId, exists, err := resolveOwnId(tx, it.Type, e.CloudId)
	if err != nil {
		return 0, err
	}

	model := modelFor(it.Type)
	if exists {
		if err := tx.Model(model).Where("id = ?", localId).Updates(fields).Error; err != nil {
			return 0, fmt.Errorf("update %s %s: %w", typ, localId, err)
		}
	} else {
		fields["id"] = localId
		fields["created_at"] = now
		if err := tx.Model(model).Create(fields).Error; err != nil {
			return 0, fmt.Errorf("insert %s %s: %w", typ, localId, err)
		}
	}

	if err := models.TouchCatalogMapping(tx, it.Type, e.CloudId, localId, now); err != nil {
		return 0, err
	}

	if it.Type == models.CatalogEntityTypeProduct {
		if qty, ok := payloadInt(e.Payload, "available"); ok {
			if err := models.UpsertInventory(tx, localId, qty, now); err != nil {
				return 0, err
			}
		}
	}

	switch {
	case deleted:
		return outcomeDeleted, nil
	case exists:
		return outcomeUpdated, nil
	default:
		return outcomeInserted, nil
	}
}

// resolveOwnId finds the local id for an entity being projected: the mapped id when
// its row exists, then a row already carrying the cloud id, then the mapped id or the
// cloud id itself for a new row.
func resolveOwnId(tx *gorm.DB, t models.CatalogEntityType, cloudId string) (string, bool, error) {
	table := models.CatalogTableName(t)
	mapped, err := models.FindCatalogMapping(tx, t, cloudId)
	if err != nil {
		return "", false, err
	}
	if mapped != "" {
		ok, err := rowExists(tx, table, "id", mapped)
		if err != nil || ok {
			return mapped, ok, err
		}
	}
	existing, err := models.CatalogRowIdByCloudId(tx, t, cloudId)
	if err != nil {
		return "", false, err
	}
	if existing != "" {
		return existing, true, nil
	}
	id := cloudId
	if mapped != "" {
		id = mapped
	}
	ok, err := rowExists(tx, table, "id", id)
	return id, ok, err
}

// resolveReference maps a referenced cloud id to an existing local row id.
func resolveReference(tx *gorm.DB, t models.CatalogEntityType, cloudId string) (string, bool, error) {
	table := models.CatalogTableName(t)
	mapped, err := models.FindCatalogMapping(tx, t, cloudId)
	if err != nil {
		return "", false, err
	}
	if mapped != "" {
		ok, err := rowExists(tx, table, "id", mapped)
		if err != nil || ok {
			return mapped, ok, err
		}
	}
	var ids []string
	if err := tx.Table(table).Where("cloud_id = ?", cloudId).Limit(1).Pluck("id", &ids).Error; err != nil {
		return "", false, fmt.Errorf("lookup %s by cloud id: %w", table, err)
	}
	if len(ids) == 0 {
		return "", false, nil
	}
	return ids[0], true, nil
}

func rowExists(tx *gorm.DB, table, column, value string) (bool, error) {
	var n int64
	if err := tx.Table(table).Where(column+" = ?", value).Count(&n).Error; err != nil {
		return false, fmt.Errorf("check %s: %w", table, err)
	}
	return n > 0, nil
}

// disableOmitted sets enabled_pos = false on rows whose cloud id is not in the batch.
// Every item counts as present, including ones skipped during projection.
func disableOmitted(tx *gorm.DB, batch []normalizedEntity, now time.Time) (int, error) {
	present := map[models.CatalogEntityType]map[string]bool{}
	for _, t := range models.CatalogEntityTypes {
		present[t] = map[string]bool{}
	}
	for _, it := range batch {
		present[it.Type][it.Entity.CloudId] = true
	}

	total := 0
	for _, t := range models.CatalogEntityTypes {
		var rows []struct {
			ID      string
			CloudId string
		}
		err := tx.Model(modelFor(t)).
			Select("id", "cloud_id").
			Where("enabled_pos = ? AND cloud_id IS NOT NULL AND cloud_id <> ''", true).
			Scan(&rows).Error
		if err != nil {
			return 0, fmt.Errorf("load enabled %s: %w", models.CatalogTableName(t), err)
		}
		var stale []string
		for _, r := range rows {
			if !present[t][r.CloudId] {
				stale = append(stale, r.ID)
			}
		}
		for start := 0; start < len(stale); start += disableChunkSize {
			end := min(start+disableChunkSize, len(stale))
			res := tx.Model(modelFor(t)).
				Where("id IN ?", stale[start:end]).
				Updates(map[string]any{"enabled_pos": false, "updated_at": now})
			if res.Error != nil {
				return 0, fmt.Errorf("disable omitted %s: %w", models.CatalogTableName(t), res.Error)
			}
			total += int(res.RowsAffected)
		}
	}
	return total, nil
}

func isDeletedPayload(p map[string]any) bool {
	if payloadBool(p, "isDeletedCloud", false) {
		return true
	}
	if v, ok := p["deletedAt"]; ok && v != nil {
		if s, isStr := v.(string); isStr {
			return strings.TrimSpace(s) != ""
		}
		return true
	}
	return false
}

// payloadString returns a trimmed non-empty string value.
func payloadString(p map[string]any, key string) (string, bool) {
	v, ok := p[key]
	if !ok || v == nil {
		return "", false
	}
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case json.Number:
		s = t.String()
	case float64:
		s = strconv.FormatFloat(t, 'f', -1, 64)
	default:
		s = fmt.Sprint(t)
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}

func payloadBool(p map[string]any, key string, def bool) bool {
	v, ok := p[key]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case json.Number:
		f, err := t.Float64()
		return err == nil && f != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "1", "true", "yes", "y":
			return true
		case "0", "false", "no", "n":
			return false
		}
	}
	return def
}

func payloadInt(p map[string]any, key string) (int, bool) {
	v, ok := p[key]
	if !ok || v == nil {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		if t != math.Trunc(t) || t < math.MinInt32 || t > math.MaxInt32 {
			return 0, false
		}
		return int(t), true
	case int:
		return t, true
	case int64:
		if t < math.MinInt32 || t > math.MaxInt32 {
			return 0, false
		}
		return int(t), true
	case json.Number:
		n, err := t.Int64()
		if err != nil || n < math.MinInt32 || n > math.MaxInt32 {
			return 0, false
		}
		return int(n), true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 32)
		return int(n), err == nil
	}
	return 0, false
}

func payloadDecimal(p map[string]any, key string) decimal.Decimal {
	v, ok := p[key]
	if !ok || v == nil {
		return decimal.Zero
	}
	d, err := utils.ParseDecimal(v)
	if err != nil {
		return decimal.Zero
	}
	return d
}
