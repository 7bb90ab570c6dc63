package config

import (
	"os"
	"strings"
)

// envBoolDefault reads a boolean flag; unset or unrecognised values return def.
func envBoolDefault(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "1", "true", "yes", "y":
		return true
	case "0", "false", "no", "n":
		return false
	default:
		return def
	}
}

// StatusAPIEnabled turns the operator HTTP API on or off.
//
// Set via env:
// - POS_STATUS_API_ENABLED=false
func StatusAPIEnabled() bool {
	return envBoolDefault("POS_STATUS_API_ENABLED", true)
}

// SyncOperationEnabled allows disabling individual scheduler loops without a redeploy.
//
// Set via env:
// - POS_SYNC_DISABLED_OPS="catalog-reconcile,flush-proof"
//
// Operation names are case-insensitive.
func SyncOperationEnabled(op string) bool {
	op = strings.ToLower(strings.TrimSpace(op))
	if op == "" {
		return false
	}
	raw := os.Getenv("POS_SYNC_DISABLED_OPS")
	if strings.TrimSpace(raw) == "" {
		return true
	}
	for _, part := range strings.Split(raw, ",") {
		if strings.ToLower(strings.TrimSpace(part)) == op {
			return false
		}
	}
	return true
}
