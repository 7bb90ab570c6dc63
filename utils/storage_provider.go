package utils

import (
	"strings"
)

const (
	StorageProviderCloud = "cloud"
	StorageProviderGCS   = "gcs"
	StorageProviderDO    = "do"
)

// NormalizeStorageProvider lower-cases raw and defaults to uploading through the cloud API.
func NormalizeStorageProvider(raw string) string {
	provider := strings.TrimSpace(strings.ToLower(raw))
	if provider == "" {
		return StorageProviderCloud
	}
	return provider
}

func IsKnownStorageProvider(provider string) bool {
	switch NormalizeStorageProvider(provider) {
	case StorageProviderCloud, StorageProviderGCS, StorageProviderDO:
		return true
	}
	return false
}
