package possync

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure for retry decisions. It is assigned where the error is
// created (the cloud client, or validation inside this package), never inferred from
// message text.
type Kind string

const (
	KindRetriable  Kind = "RETRIABLE"
	KindStructural Kind = "STRUCTURAL"
	KindAuth       Kind = "AUTH"
	KindFatal      Kind = "FATAL"
)

// Error codes produced by this package and the cloud client.
const (
	CodeTransportFailure = "TRANSPORT_FAILURE"
	CodeRateLimited      = "RATE_LIMITED"
	CodeServerError      = "SERVER_ERROR"
	CodeStorageError     = "STORAGE_ERROR"
	CodeStockReadFailed  = "STOCK_READ_FAILED"
	CodeStockWriteFailed = "STOCK_WRITE_FAILED"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeRequestRejected  = "REQUEST_REJECTED"
	CodeInvalidResponse  = "INVALID_RESPONSE"

	// CodeLegacyFetchFailed is the transport marker stored by older POS builds.
	CodeLegacyFetchFailed = "FETCH FAILED"

	CodeUnsupportedEntityType = "UNSUPPORTED_ENTITY_TYPE"
	CodeSyncFailed            = "SYNC_FAILED"

	CodeUnexpectedSyncStatus = "POS_UNEXPECTED_SYNC_STATUS"
	CodeInvalidPayload       = "INVALID_PAYLOAD"
	CodeValidationFailed     = "VALIDATION_FAILED"
	CodeAdminSessionRequired = "ADMIN_SESSION_REQUIRED"
	CodeProofFileMissing     = "PROOF_FILE_MISSING"
	CodeProofReadFailed      = "PROOF_READ_FAILED"
	CodeLocalWriteFailed     = "LOCAL_WRITE_FAILED"
	CodeSaleNotFound         = "SALE_NOT_FOUND"

	CodeTaxonomyReferenceNotFound    = "TAXONOMY_REFERENCE_NOT_FOUND"
	CodeTaxonomyMissingRequiredField = "TAXONOMY_MISSING_REQUIRED_FIELD"
	CodeProductReferenceNotFound     = "PRODUCT_REFERENCE_NOT_FOUND"
)

// SyncError is the tagged error carried across the cloud boundary.
type SyncError struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *SyncError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *SyncError) Unwrap() error { return e.Err }

func NewSyncError(kind Kind, code, message string, err error) *SyncError {
	return &SyncError{Kind: kind, Code: code, Message: message, Err: err}
}

func Retriable(code, message string, err error) *SyncError {
	return NewSyncError(KindRetriable, code, message, err)
}

func Structural(code, message string, err error) *SyncError {
	return NewSyncError(KindStructural, code, message, err)
}

func Auth(code, message string, err error) *SyncError {
	return NewSyncError(KindAuth, code, message, err)
}

func Fatal(code, message string, err error) *SyncError {
	return NewSyncError(KindFatal, code, message, err)
}

// AsSyncError unwraps err to a *SyncError if one is in the chain.
func AsSyncError(err error) (*SyncError, bool) {
	var se *SyncError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// ErrorCode returns the tagged code, or fallback for untagged errors.
func ErrorCode(err error, fallback string) string {
	if se, ok := AsSyncError(err); ok && se.Code != "" {
		return se.Code
	}
	return fallback
}

// ProjectionError is a per-item data problem. The item is skipped, the batch continues.
type ProjectionError struct {
	Code       string
	EntityType string
	CloudId    string
	Detail     string
}

func (e *ProjectionError) Error() string {
	return fmt.Sprintf("%s: %s %s %s", e.Code, e.EntityType, e.CloudId, e.Detail)
}

func skip(code, entityType, cloudId, detail string) *ProjectionError {
	return &ProjectionError{Code: code, EntityType: entityType, CloudId: cloudId, Detail: strings.TrimSpace(detail)}
}
