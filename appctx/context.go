package appctx

import "context"

// ContextKey is the shared type for all context keys in this codebase.
// Keeping it in a tiny package avoids import cycles (config <-> utils).
type ContextKey string

func (c ContextKey) String() string { return string(c) }

var (
	ContextKeyTerminalId    = ContextKey("TerminalId")
	ContextKeyBranchId      = ContextKey("BranchId")
	ContextKeyCorrelationId = ContextKey("CorrelationId")

	// ContextKeyRunName is the scheduler operation (catalog-sync, flush-sales, ...)
	// that owns the current call chain.
	ContextKeyRunName = ContextKey("RunName")

	// ContextKeyOperatorToken carries the status API token of the caller.
	ContextKeyOperatorToken = ContextKey("OperatorToken")

	// ContextKeySkipTerminalScope disables the terminal scope plugin for maintenance jobs.
	ContextKeySkipTerminalScope = ContextKey("SkipTerminalScope")
)

func GetString(ctx context.Context, key ContextKey) (string, bool) {
	v, ok := ctx.Value(key).(string)
	return v, ok
}

func GetBool(ctx context.Context, key ContextKey) (bool, bool) {
	v, ok := ctx.Value(key).(bool)
	return v, ok
}

func Set(ctx context.Context, key ContextKey, value any) context.Context {
	return context.WithValue(ctx, key, value)
}
