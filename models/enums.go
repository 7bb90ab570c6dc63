package models

import (
	"errors"
	"strings"
)

type CatalogEntityType string

const (
	CatalogEntityTypeCategory  CatalogEntityType = "CATEGORY"
	CatalogEntityTypeGame      CatalogEntityType = "GAME"
	CatalogEntityTypeExpansion CatalogEntityType = "EXPANSION"
	CatalogEntityTypeProduct   CatalogEntityType = "PRODUCT"
)

// CatalogEntityTypes lists the supported types in parent-first order.
var CatalogEntityTypes = []CatalogEntityType{
	CatalogEntityTypeCategory,
	CatalogEntityTypeGame,
	CatalogEntityTypeExpansion,
	CatalogEntityTypeProduct,
}

var ErrUnsupportedEntityType = errors.New("unsupported catalog entity type")

// ParseCatalogEntityType normalizes raw (trim + upper case).
func ParseCatalogEntityType(raw string) (CatalogEntityType, error) {
	t := CatalogEntityType(strings.ToUpper(strings.TrimSpace(raw)))
	switch t {
	case CatalogEntityTypeCategory, CatalogEntityTypeGame, CatalogEntityTypeExpansion, CatalogEntityTypeProduct:
		return t, nil
	default:
		return "", ErrUnsupportedEntityType
	}
}

// Rank orders parents before children.
func (t CatalogEntityType) Rank() int {
	switch t {
	case CatalogEntityTypeCategory:
		return 0
	case CatalogEntityTypeGame:
		return 1
	case CatalogEntityTypeExpansion:
		return 2
	case CatalogEntityTypeProduct:
		return 3
	default:
		return 4
	}
}

type JournalEventType string

const (
	JournalEventTypeSaleCommitted         JournalEventType = "SALE_COMMITTED"
	JournalEventTypeProofUpload           JournalEventType = "PROOF_UPLOAD"
	JournalEventTypeInventoryManualAdjust JournalEventType = "INVENTORY_MANUAL_ADJUST"
)

func (t JournalEventType) IsValid() bool {
	switch t {
	case JournalEventTypeSaleCommitted, JournalEventTypeProofUpload, JournalEventTypeInventoryManualAdjust:
		return true
	default:
		return false
	}
}

type JournalStatus string

const (
	JournalStatusPending JournalStatus = "PENDING"
	JournalStatusSynced  JournalStatus = "SYNCED"
	JournalStatusFailed  JournalStatus = "FAILED"
)

func (s JournalStatus) IsValid() bool {
	switch s {
	case JournalStatusPending, JournalStatusSynced, JournalStatusFailed:
		return true
	default:
		return false
	}
}

type ProofStatus string

const (
	ProofStatusNone     ProofStatus = "NONE"
	ProofStatusPending  ProofStatus = "PENDING"
	ProofStatusUploaded ProofStatus = "UPLOADED"
)
