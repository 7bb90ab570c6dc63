package cloudclient_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"bitbucket.org/mmdatafocus/tcgpos_sync/appctx"
	"bitbucket.org/mmdatafocus/tcgpos_sync/cloudclient"
	"bitbucket.org/mmdatafocus/tcgpos_sync/possync"
	"github.com/sirupsen/logrus"
)

func newClient(t *testing.T, handler http.HandlerFunc) *cloudclient.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	c, err := cloudclient.New(cloudclient.Options{BaseURL: srv.URL + "/", Token: "terminal-secret", Logger: logger})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestFetchCatalogSnapshot(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/api/pos/catalog/snapshot" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.URL.Query().Get("page"); got != "2" {
			t.Errorf("page = %q", got)
		}
		if got := r.URL.Query().Get("pageSize"); got != "200" {
			t.Errorf("pageSize = %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer terminal-secret" {
			t.Errorf("authorization = %q", got)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": []map[string]any{
				{"entityType": "GAME", "cloudId": "cg-1", "updatedAt": "2026-01-02T03:04:05Z", "versionHash": "v", "payload": map[string]any{"name": "Magic"}},
			},
			"total":           201,
			"snapshotVersion": "snap-1",
		})
	})

	page, err := c.FetchCatalogSnapshot(context.Background(), possync.PageRequest{Page: 2, PageSize: 200})
	if err != nil {
		t.Fatalf("FetchCatalogSnapshot: %v", err)
	}
	if page.Total != 201 || page.SnapshotVersion != "snap-1" || len(page.Items) != 1 {
		t.Fatalf("unexpected page %+v", page)
	}
	if page.Items[0].Payload["name"] != "Magic" {
		t.Fatalf("payload not decoded: %+v", page.Items[0])
	}
}

func TestFetchCatalogDelta_SinceIsOptional(t *testing.T) {
	var queries []string
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		queries = append(queries, r.URL.RawQuery)
		// wrapped responses are accepted as well
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"items": []any{}, "total": 0}})
	})

	since := "2026-03-01T09:00:00Z"
	if _, err := c.FetchCatalogDelta(context.Background(), possync.DeltaRequest{Since: &since, Page: 1, PageSize: 50}); err != nil {
		t.Fatalf("delta with since: %v", err)
	}
	if _, err := c.FetchCatalogDelta(context.Background(), possync.DeltaRequest{Page: 1, PageSize: 50}); err != nil {
		t.Fatalf("delta without since: %v", err)
	}
	if queries[0] != "page=1&pageSize=50&since=2026-03-01T09%3A00%3A00Z" {
		t.Fatalf("query with since = %q", queries[0])
	}
	if queries[1] != "page=1&pageSize=50" {
		t.Fatalf("query without since = %q", queries[1])
	}
}

func TestSendAdminInventoryMovement_CarriesUserToken(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/pos/admin/inventory/movements" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("X-Pos-User-Token"); got != "admin-jwt" {
			t.Errorf("user token = %q", got)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if _, leaked := body["PosUserToken"]; leaked {
			t.Errorf("user token leaked into body: %v", body)
		}
		if body["idempotencyKey"] != "ev-1" || body["delta"] != float64(-2) {
			t.Errorf("body = %v", body)
		}
		writeJSON(w, http.StatusOK, map[string]any{"item": map[string]any{"productId": "cp-1", "available": 5}})
	})

	resp, err := c.SendAdminInventoryMovement(context.Background(), possync.AdminInventoryMovementRequest{
		InventoryMovementRequest: possync.InventoryMovementRequest{ProductId: "cp-1", Delta: -2, Reason: "damaged", IdempotencyKey: "ev-1"},
		PosUserToken:             "admin-jwt",
	})
	if err != nil {
		t.Fatalf("SendAdminInventoryMovement: %v", err)
	}
	if qty, ok := resp.ConfirmedQuantity(); !ok || qty != 5 {
		t.Fatalf("confirmed quantity = %d, %v", qty, ok)
	}
}

func TestUploadProof_Multipart(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/pos/sales/sale-1/proof" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		if string(data) != "jpeg-bytes" || header.Filename != "slip.jpg" {
			t.Errorf("file = %q %q", header.Filename, data)
		}
		if header.Header.Get("Content-Type") != "image/jpeg" {
			t.Errorf("content type = %q", header.Header.Get("Content-Type"))
		}
		if r.FormValue("saleId") != "sale-1" {
			t.Errorf("saleId = %q", r.FormValue("saleId"))
		}
		writeJSON(w, http.StatusOK, map[string]any{"url": "https://cdn.test/p/slip.jpg"})
	})

	resp, err := c.UploadProof(context.Background(), possync.ProofUploadRequest{
		FileBuffer: []byte("jpeg-bytes"), FileName: "slip.jpg", MimeType: "image/jpeg", SaleId: "sale-1",
	})
	if err != nil {
		t.Fatalf("UploadProof: %v", err)
	}
	if resp.Url != "https://cdn.test/p/slip.jpg" {
		t.Fatalf("url = %q", resp.Url)
	}
}

func TestAttachSaleProof(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/pos/sales/sale-2/proof-url" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["url"] != "https://bucket.test/p.jpg" {
			t.Errorf("body = %v", body)
		}
		w.WriteHeader(http.StatusNoContent)
	})
	resp, err := c.AttachSaleProof(context.Background(), "sale-2", "https://bucket.test/p.jpg")
	if err != nil {
		t.Fatalf("AttachSaleProof: %v", err)
	}
	if resp.Url != "https://bucket.test/p.jpg" {
		t.Fatalf("url = %q", resp.Url)
	}
}

func TestCorrelationIdIsForwarded(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Correlation-Id"); got != "corr-7" {
			t.Errorf("correlation id = %q", got)
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "synced"})
	})
	ctx := appctx.Set(context.Background(), appctx.ContextKeyCorrelationId, "corr-7")
	if _, err := c.SendSalesEvent(ctx, possync.SalesEventRequest{LocalEventId: "ev", EventType: "SALE_COMMITTED"}); err != nil {
		t.Fatalf("SendSalesEvent: %v", err)
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		kind   possync.Kind
		code   string
	}{
		{"rate limited", http.StatusTooManyRequests, `{}`, possync.KindRetriable, possync.CodeRateLimited},
		{"server error", http.StatusBadGateway, `<html>bad gateway</html>`, possync.KindRetriable, possync.CodeServerError},
		{"unauthorized", http.StatusUnauthorized, `{"message":"token expired"}`, possync.KindAuth, possync.CodeUnauthorized},
		{"forbidden", http.StatusForbidden, `{}`, possync.KindAuth, possync.CodeUnauthorized},
		{"rejected", http.StatusUnprocessableEntity, `{"error":"bad"}`, possync.KindStructural, possync.CodeRequestRejected},
		{"body code wins", http.StatusBadRequest, `{"code":"insufficient_stock","message":"no"}`, possync.KindStructural, "INSUFFICIENT_STOCK"},
		{"kind follows status", http.StatusServiceUnavailable, `{"code":"MAINTENANCE"}`, possync.KindRetriable, "MAINTENANCE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})
			_, err := c.SendSalesEvent(context.Background(), possync.SalesEventRequest{LocalEventId: "ev"})
			se, ok := possync.AsSyncError(err)
			if !ok {
				t.Fatalf("expected SyncError, got %v", err)
			}
			if se.Kind != tt.kind || se.Code != tt.code {
				t.Fatalf("got kind=%s code=%s, want kind=%s code=%s", se.Kind, se.Code, tt.kind, tt.code)
			}
		})
	}
}

func TestTransportFailureIsRetriable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	c, err := cloudclient.New(cloudclient.Options{BaseURL: url, Logger: logger})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = c.ReconcileCatalog(context.Background(), possync.ReconcileRequest{})
	se, ok := possync.AsSyncError(err)
	if !ok || se.Kind != possync.KindRetriable || se.Code != possync.CodeTransportFailure {
		t.Fatalf("got %v", err)
	}
}

func TestUndecodableBodyIsInvalidResponse(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"items": "not-a-list"}`)
	})
	_, err := c.FetchCatalogSnapshot(context.Background(), possync.PageRequest{Page: 1, PageSize: 10})
	if got := possync.ErrorCode(err, ""); got != possync.CodeInvalidResponse {
		t.Fatalf("code = %q (%v)", got, err)
	}
}

func TestNewRejectsEmptyBaseURL(t *testing.T) {
	if _, err := cloudclient.New(cloudclient.Options{}); err == nil {
		t.Fatal("expected error for empty base url")
	}
}
