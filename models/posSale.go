package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var ErrSaleNotFound = errors.New("sale not found")

// PosSale is the local sale header written by the checkout screen.
type PosSale struct {
	ID          string          `gorm:"primaryKey;size:64" json:"id"`
	TerminalId  string          `gorm:"index;size:64" json:"terminal_id"`
	BranchId    string          `gorm:"index;size:64" json:"branch_id"`
	ReceiptNo   string          `gorm:"size:64" json:"receipt_no"`
	TotalAmount decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"total_amount"`
	PaymentMode string          `gorm:"size:40" json:"payment_mode"`
	ProofUrl    *string         `gorm:"type:text" json:"proof_url"`
	ProofStatus ProofStatus     `gorm:"size:20;not null" json:"proof_status"`
	SoldAt      time.Time       `gorm:"not null" json:"sold_at"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type SaleRepo struct {
	DB *gorm.DB
}

func NewSaleRepo(db *gorm.DB) *SaleRepo {
	return &SaleRepo{DB: db}
}

// UpdateProof stores the uploaded proof location on the sale.
func (r *SaleRepo) UpdateProof(ctx context.Context, saleId string, url string, status ProofStatus) error {
	res := r.DB.WithContext(ctx).
		Model(&PosSale{}).
		Where("id = ?", saleId).
		Updates(map[string]any{"proof_url": url, "proof_status": status})
	if res.Error != nil {
		return fmt.Errorf("update sale %s proof: %w", saleId, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrSaleNotFound
	}
	return nil
}

func (r *SaleRepo) GetSale(ctx context.Context, saleId string) (*PosSale, error) {
	var sale PosSale
	err := r.DB.WithContext(ctx).Where("id = ?", saleId).Take(&sale).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSaleNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sale, nil
}

// CommitSale writes the sale and its SALE_COMMITTED journal event in one transaction.
// document is the full sale document sent to the cloud.
func CommitSale(ctx context.Context, db *gorm.DB, sale *PosSale, document map[string]any) (*SyncJournalEvent, error) {
	if sale == nil {
		return nil, errors.New("sale is nil")
	}
	if sale.ID == "" {
		sale.ID = uuid.NewString()
	}
	if sale.ProofStatus == "" {
		sale.ProofStatus = ProofStatusNone
	}
	if sale.SoldAt.IsZero() {
		sale.SoldAt = time.Now().UTC()
	}

	if document == nil {
		document = map[string]any{}
	}
	document["saleId"] = sale.ID
	if _, ok := document["idempotencyKey"]; !ok {
		document["idempotencyKey"] = "sale:" + sale.ID
	}
	payload, err := json.Marshal(document)
	if err != nil {
		return nil, fmt.Errorf("encode sale document: %w", err)
	}

	ev := &SyncJournalEvent{
		TerminalId:  sale.TerminalId,
		BranchId:    sale.BranchId,
		EventType:   JournalEventTypeSaleCommitted,
		PayloadJSON: payload,
	}
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(sale).Error; err != nil {
			return err
		}
		return EnqueueJournalEvent(tx, ev)
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// QueueProofUpload marks the sale proof as pending and journals the upload.
func QueueProofUpload(ctx context.Context, db *gorm.DB, saleId, filePath, mimeType string) (*SyncJournalEvent, error) {
	filePath = strings.TrimSpace(filePath)
	if filePath == "" {
		return nil, errors.New("proof file path is required")
	}
	var ev *SyncJournalEvent
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sale PosSale
		if err := tx.Where("id = ?", saleId).Take(&sale).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrSaleNotFound
			}
			return err
		}
		if err := tx.Model(&PosSale{}).Where("id = ?", saleId).Update("proof_status", ProofStatusPending).Error; err != nil {
			return err
		}
		payload, err := json.Marshal(map[string]any{
			"saleId":   saleId,
			"filePath": filePath,
			"mimeType": mimeType,
		})
		if err != nil {
			return err
		}
		ev = &SyncJournalEvent{
			TerminalId:  sale.TerminalId,
			BranchId:    sale.BranchId,
			EventType:   JournalEventTypeProofUpload,
			PayloadJSON: payload,
		}
		return EnqueueJournalEvent(tx, ev)
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}
