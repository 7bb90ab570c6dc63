package possync

import (
	"context"
	"encoding/json"
	"math"
	"strings"

	"bitbucket.org/mmdatafocus/tcgpos_sync/models"
	"bitbucket.org/mmdatafocus/tcgpos_sync/utils"
	"github.com/sirupsen/logrus"
)

// InventoryAdjustmentPayload is the INVENTORY_MANUAL_ADJUST journal payload.
type InventoryAdjustmentPayload struct {
	ProductId string `json:"productId" validate:"required"`
	Delta     int    `json:"delta" validate:"ne=0"`
	Reason    string `json:"reason" validate:"required"`
}

// parseInventoryAdjustment rejects anything that retrying cannot fix.
func parseInventoryAdjustment(payload map[string]any) (InventoryAdjustmentPayload, error) {
	var out InventoryAdjustmentPayload
	out.ProductId, _ = payloadString(payload, "productId")
	out.Reason, _ = payloadString(payload, "reason")

	delta, ok := strictInt(payload["delta"])
	if !ok {
		return out, Structural(CodeValidationFailed, "delta must be an integer", nil)
	}
	out.Delta = delta

	if err := utils.ValidateStruct(out); err != nil {
		return out, Structural(CodeValidationFailed, utils.ValidationMessage(err), err)
	}
	return out, nil
}

// strictInt accepts JSON integers only.
func strictInt(v any) (int, bool) {
	switch t := v.(type) {
	case json.Number:
		n, err := t.Int64()
		if err != nil || n < math.MinInt32 || n > math.MaxInt32 {
			return 0, false
		}
		return int(n), true
	case float64:
		if t != math.Trunc(t) || t < math.MinInt32 || t > math.MaxInt32 {
			return 0, false
		}
		return int(t), true
	case int:
		return t, true
	}
	return 0, false
}

// FlushInventoryAdjustmentJournal delivers INVENTORY_MANUAL_ADJUST events. Negative
// adjustments go through the admin channel and need a signed-in admin.
func (f *Flusher) FlushInventoryAdjustmentJournal(ctx context.Context) (FlushResult, error) {
	return f.flush(ctx, "possync.FlushInventoryAdjustmentJournal", models.JournalEventTypeInventoryManualAdjust, f.deliverInventory)
}

func (f *Flusher) deliverInventory(ctx context.Context, ev models.SyncJournalEvent, payload map[string]any) (func(), error) {
	adj, err := parseInventoryAdjustment(payload)
	if err != nil {
		return nil, err
	}

	cloudProductId, err := f.Store.CloudIdForLocal(ctx, models.CatalogEntityTypeProduct, adj.ProductId)
	if err != nil {
		return nil, Retriable(CodeStockReadFailed, "resolve product cloud id", err)
	}
	req := InventoryMovementRequest{
		ProductId:      cloudProductId,
		Delta:          adj.Delta,
		Reason:         adj.Reason,
		IdempotencyKey: idempotencyKey(ev, payload),
	}

	var resp *InventoryMovementResponse
	if adj.Delta < 0 {
		token, err := f.adminAccessToken(ctx)
		if err != nil {
			return nil, err
		}
		resp, err = f.Client.SendAdminInventoryMovement(ctx, AdminInventoryMovementRequest{
			InventoryMovementRequest: req,
			PosUserToken:             token,
		})
		if err != nil {
			return nil, err
		}
	} else {
		resp, err = f.Client.SendInventoryMovement(ctx, req)
		if err != nil {
			return nil, err
		}
	}

	qty, ok := resp.ConfirmedQuantity()
	if !ok {
		f.logger().WithFields(logrus.Fields{
			"field":      "JournalFlusher",
			"event_id":   ev.ID,
			"product_id": adj.ProductId,
		}).Warn("inventory movement accepted without a confirmed quantity")
		return nil, nil
	}
	if f.Inventory != nil {
		if err := f.Inventory.SetStock(ctx, adj.ProductId, qty, f.now()); err != nil {
			return nil, Retriable(CodeStockWriteFailed, "apply confirmed stock", err)
		}
	}
	return nil, nil
}

// adminAccessToken returns the signed-in admin's token, or an Auth error when the
// terminal, session or token is not usable.
func (f *Flusher) adminAccessToken(ctx context.Context) (string, error) {
	if f.Auth == nil {
		return "", Auth(CodeAdminSessionRequired, "terminal auth is not configured", nil)
	}
	state, err := f.Auth.GetState(ctx)
	if err != nil {
		return "", Retriable(CodeStorageError, "read terminal state", err)
	}
	if !state.Activated {
		return "", Auth(CodeAdminSessionRequired, "terminal is not activated", nil)
	}
	session, err := f.Auth.GetUserSessionState(ctx)
	if err != nil {
		return "", Retriable(CodeStorageError, "read user session", err)
	}
	if !session.Authenticated || !session.IsAdmin {
		return "", Auth(CodeAdminSessionRequired, "no admin session", nil)
	}
	now := f.now()
	if session.AccessTokenExpiresAt != nil && !now.Before(*session.AccessTokenExpiresAt) {
		return "", Auth(CodeAdminSessionRequired, "admin session expired", nil)
	}
	token, err := f.Auth.GetUserAccessToken(ctx)
	if err != nil {
		return "", Retriable(CodeStorageError, "read access token", err)
	}
	token = strings.TrimSpace(token)
	if utils.AccessTokenExpired(token, now) {
		return "", Auth(CodeAdminSessionRequired, "admin access token expired", nil)
	}
	return token, nil
}
