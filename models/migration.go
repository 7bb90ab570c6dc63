package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

const MigrationLegacyCloudIdBackfill = "legacy-cloud-id-backfill"

// LocalMigration records one-time data migrations that already ran.
type LocalMigration struct {
	Name      string    `gorm:"primaryKey;size:100" json:"name"`
	AppliedAt time.Time `gorm:"not null" json:"applied_at"`
	Details   string    `gorm:"type:text" json:"details"`
}

func (LocalMigration) TableName() string { return "local_migrations" }

func MigrateTable(db *gorm.DB) error {
	err := db.AutoMigrate(
		&Category{}, &Game{}, &Expansion{}, &Product{}, &Inventory{},
		&CatalogMeta{}, &CatalogIdMapping{}, &PosSyncState{}, &SyncJournalEvent{},
		&PosSale{}, &TerminalSession{},
		&LocalMigration{},
	)
	if err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// BackfillResult counts rows touched per table.
type BackfillResult struct {
	Applied  bool           `json:"applied"`
	CloudIds map[string]int `json:"cloudIds"`
	Mappings map[string]int `json:"mappings"`
}

// BackfillLegacyCloudIds gives catalog rows created before cloud ids existed a cloud id
// equal to their local id and a matching id mapping. It runs once; later calls return
// Applied=false without touching data.
func BackfillLegacyCloudIds(ctx context.Context, db *gorm.DB, now time.Time) (BackfillResult, error) {
	result := BackfillResult{CloudIds: map[string]int{}, Mappings: map[string]int{}}
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var done LocalMigration
		err := tx.Where("name = ?", MigrationLegacyCloudIdBackfill).Take(&done).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		for _, t := range CatalogEntityTypes {
			table := CatalogTableName(t)
			res := tx.Table(table).
				Where("cloud_id IS NULL OR cloud_id = ''").
				Update("cloud_id", gorm.Expr("id"))
			if res.Error != nil {
				return fmt.Errorf("backfill %s cloud ids: %w", table, res.Error)
			}
			result.CloudIds[table] = int(res.RowsAffected)

			var rows []struct {
				ID      string
				CloudId string
			}
			err := tx.Table(table).
				Select("id", "cloud_id").
				Where("NOT EXISTS (SELECT 1 FROM pos_catalog_id_mappings m WHERE m.entity_type = ? AND m.cloud_id = "+table+".cloud_id)", t).
				Scan(&rows).Error
			if err != nil {
				return fmt.Errorf("find unmapped %s: %w", table, err)
			}
			for _, row := range rows {
				if err := TouchCatalogMapping(tx, t, row.CloudId, row.ID, now); err != nil {
					return err
				}
			}
			result.Mappings[table] = len(rows)
		}

		result.Applied = true
		return tx.Create(&LocalMigration{
			Name:      MigrationLegacyCloudIdBackfill,
			AppliedAt: now.UTC(),
			Details:   fmt.Sprintf("cloud_ids=%v mappings=%v", result.CloudIds, result.Mappings),
		}).Error
	})
	if err != nil {
		return BackfillResult{}, err
	}
	return result, nil
}
