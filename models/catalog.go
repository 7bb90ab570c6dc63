package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Local catalog tables. Primary keys are local ids: the mapped id when one exists,
// otherwise the cloud id of the first projection.

type Category struct {
	ID             string     `gorm:"primaryKey;size:128" json:"id"`
	CloudId        string     `gorm:"index;size:128" json:"cloud_id"`
	Name           string     `gorm:"size:255;not null" json:"name"`
	Active         bool       `gorm:"not null" json:"active"`
	EnabledPos     bool       `gorm:"column:enabled_pos;not null" json:"enabled_pos"`
	IsDeletedCloud bool       `gorm:"not null" json:"is_deleted_cloud"`
	CloudUpdatedAt *time.Time `json:"cloud_updated_at"`
	SyncedAt       *time.Time `json:"synced_at"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

type Game struct {
	ID             string     `gorm:"primaryKey;size:128" json:"id"`
	CloudId        string     `gorm:"index;size:128" json:"cloud_id"`
	Name           string     `gorm:"size:255;not null" json:"name"`
	Code           string     `gorm:"size:64" json:"code"`
	Active         bool       `gorm:"not null" json:"active"`
	EnabledPos     bool       `gorm:"column:enabled_pos;not null" json:"enabled_pos"`
	IsDeletedCloud bool       `gorm:"not null" json:"is_deleted_cloud"`
	CloudUpdatedAt *time.Time `json:"cloud_updated_at"`
	SyncedAt       *time.Time `json:"synced_at"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

type Expansion struct {
	ID             string     `gorm:"primaryKey;size:128" json:"id"`
	CloudId        string     `gorm:"index;size:128" json:"cloud_id"`
	GameId         string     `gorm:"index;size:128;not null" json:"game_id"`
	Name           string     `gorm:"size:255;not null" json:"name"`
	Code           string     `gorm:"size:64" json:"code"`
	Active         bool       `gorm:"not null" json:"active"`
	EnabledPos     bool       `gorm:"column:enabled_pos;not null" json:"enabled_pos"`
	IsDeletedCloud bool       `gorm:"not null" json:"is_deleted_cloud"`
	CloudUpdatedAt *time.Time `json:"cloud_updated_at"`
	SyncedAt       *time.Time `json:"synced_at"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

type Product struct {
	ID             string          `gorm:"primaryKey;size:128" json:"id"`
	CloudId        string          `gorm:"index;size:128" json:"cloud_id"`
	Name           string          `gorm:"size:255;not null" json:"name"`
	Sku            string          `gorm:"index;size:128" json:"sku"`
	Barcode        string          `gorm:"index;size:128" json:"barcode"`
	Price          decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"price"`
	CategoryId     *string         `gorm:"index;size:128" json:"category_id"`
	GameId         *string         `gorm:"index;size:128" json:"game_id"`
	ExpansionId    *string         `gorm:"index;size:128" json:"expansion_id"`
	Active         bool            `gorm:"not null" json:"active"`
	EnabledPos     bool            `gorm:"column:enabled_pos;not null" json:"enabled_pos"`
	IsDeletedCloud bool            `gorm:"not null" json:"is_deleted_cloud"`
	CloudUpdatedAt *time.Time      `json:"cloud_updated_at"`
	SyncedAt       *time.Time      `json:"synced_at"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// Inventory is the denormalized on-hand quantity per product.
type Inventory struct {
	ProductId string    `gorm:"primaryKey;size:128" json:"product_id"`
	Quantity  int       `gorm:"not null" json:"quantity"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Inventory) TableName() string { return "inventory" }

// CatalogTableName returns the local table projected for t.
func CatalogTableName(t CatalogEntityType) string {
	switch t {
	case CatalogEntityTypeCategory:
		return "categories"
	case CatalogEntityTypeGame:
		return "games"
	case CatalogEntityTypeExpansion:
		return "expansions"
	case CatalogEntityTypeProduct:
		return "products"
	default:
		return ""
	}
}
