package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type InventoryRepo struct {
	DB *gorm.DB
}

func NewInventoryRepo(db *gorm.DB) *InventoryRepo {
	return &InventoryRepo{DB: db}
}

// SetStock overwrites the on-hand quantity. Last write wins; the cloud is the authority.
func (r *InventoryRepo) SetStock(ctx context.Context, productId string, qty int, at time.Time) error {
	productId = strings.TrimSpace(productId)
	if productId == "" {
		return fmt.Errorf("set stock: product id is required")
	}
	return UpsertInventory(r.DB.WithContext(ctx), productId, qty, at)
}

func (r *InventoryRepo) GetStock(ctx context.Context, productId string) (int, bool, error) {
	var inv Inventory
	res := r.DB.WithContext(ctx).Where("product_id = ?", productId).Limit(1).Find(&inv)
	if res.Error != nil {
		return 0, false, res.Error
	}
	return inv.Quantity, res.RowsAffected > 0, nil
}

// UpsertInventory writes qty for productId using tx (may be a transaction).
func UpsertInventory(tx *gorm.DB, productId string, qty int, at time.Time) error {
	row := Inventory{ProductId: productId, Quantity: qty, UpdatedAt: at.UTC()}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "product_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"quantity", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("upsert inventory %s: %w", productId, err)
	}
	return nil
}

// RecordManualAdjustment applies delta to the local stock and journals an
// INVENTORY_MANUAL_ADJUST event in the same transaction.
func RecordManualAdjustment(ctx context.Context, db *gorm.DB, terminalId, branchId, productId string, delta int, reason string) (*SyncJournalEvent, error) {
	if delta == 0 {
		return nil, errors.New("adjustment delta must not be zero")
	}
	if strings.TrimSpace(reason) == "" {
		return nil, errors.New("adjustment reason is required")
	}
	var ev *SyncJournalEvent
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var inv Inventory
		if err := tx.Where("product_id = ?", productId).Limit(1).Find(&inv).Error; err != nil {
			return err
		}
		now := time.Now().UTC()
		if err := UpsertInventory(tx, productId, inv.Quantity+delta, now); err != nil {
			return err
		}
		payload, err := json.Marshal(map[string]any{
			"productId": productId,
			"delta":     delta,
			"reason":    reason,
		})
		if err != nil {
			return err
		}
		ev = &SyncJournalEvent{
			TerminalId:  terminalId,
			BranchId:    branchId,
			EventType:   JournalEventTypeInventoryManualAdjust,
			PayloadJSON: payload,
		}
		return EnqueueJournalEvent(tx, ev)
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}
