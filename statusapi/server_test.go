package statusapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/tcgpos_sync/agent"
	"bitbucket.org/mmdatafocus/tcgpos_sync/appctx"
	"bitbucket.org/mmdatafocus/tcgpos_sync/models"
	"bitbucket.org/mmdatafocus/tcgpos_sync/possync"
	"bitbucket.org/mmdatafocus/tcgpos_sync/runlock"
	"bitbucket.org/mmdatafocus/tcgpos_sync/statusapi"
	"bitbucket.org/mmdatafocus/tcgpos_sync/testutil"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type fakeRunner struct {
	ops []agent.Operation
	err error

	ctxErr error
	cid    string
}

func (f *fakeRunner) RunOnce(ctx context.Context, op agent.Operation) (*agent.RunResult, error) {
	f.ops = append(f.ops, op)
	f.ctxErr = ctx.Err()
	f.cid, _ = appctx.GetString(ctx, appctx.ContextKeyCorrelationId)
	if f.err != nil {
		return nil, f.err
	}
	return &agent.RunResult{Operation: op, Flush: &possync.FlushResult{Attempted: 2, Synced: 2}}, nil
}

type fixture struct {
	repo   *models.PosSyncRepo
	runner *fakeRunner
	router http.Handler
}

func newFixture(t *testing.T, token string) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	repo := models.NewPosSyncRepo(testutil.OpenDB(t))
	runner := &fakeRunner{}
	srv := &statusapi.Server{
		Repo:       repo,
		Runner:     runner,
		TerminalId: "T-1",
		BranchId:   "B-1",
		Token:      token,
		Logger:     logger,
		Now:        func() time.Time { return t0 },
	}
	return &fixture{repo: repo, runner: runner, router: srv.Router()}
}

func (f *fixture) do(t *testing.T, method, path string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) enqueue(t *testing.T, id string, typ models.JournalEventType, payload string) {
	t.Helper()
	ev := &models.SyncJournalEvent{ID: id, EventType: typ, PayloadJSON: []byte(payload), CreatedAt: t0}
	if err := models.EnqueueJournalEvent(f.repo.DB, ev); err != nil {
		t.Fatalf("enqueue %s: %v", id, err)
	}
}

func (f *fixture) failManual(t *testing.T, id string) {
	t.Helper()
	err := f.repo.MarkEventAttemptFailed(context.Background(), id, models.JournalFailure{
		RetryCount: 10, Code: "SERVER_ERROR", Message: "HTTP 503", Manual: true,
	}, t0)
	if err != nil {
		t.Fatalf("fail %s: %v", id, err)
	}
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func TestTokenRequiredExceptHealthz(t *testing.T) {
	f := newFixture(t, "s3cret")

	if w := f.do(t, http.MethodGet, "/healthz", nil); w.Code != http.StatusNoContent {
		t.Fatalf("healthz = %d", w.Code)
	}
	if w := f.do(t, http.MethodGet, "/api/pos-sync/status", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("no token = %d", w.Code)
	}
	if w := f.do(t, http.MethodGet, "/api/pos-sync/status", map[string]string{"token": "wrong"}); w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token = %d", w.Code)
	}
	if w := f.do(t, http.MethodGet, "/api/pos-sync/status", map[string]string{"token": "s3cret"}); w.Code != http.StatusOK {
		t.Fatalf("token header = %d", w.Code)
	}
	if w := f.do(t, http.MethodGet, "/api/pos-sync/status", map[string]string{"Authorization": "Bearer s3cret"}); w.Code != http.StatusOK {
		t.Fatalf("bearer = %d", w.Code)
	}
}

func TestStatus_ReportsStateAndCounts(t *testing.T) {
	f := newFixture(t, "")
	f.enqueue(t, "e-1", models.JournalEventTypeSaleCommitted, `{"saleId":"s-1"}`)
	f.enqueue(t, "e-2", models.JournalEventTypeProofUpload, `{"saleId":"s-1","filePath":"/tmp/x.jpg"}`)
	f.failManual(t, "e-2")
	if err := f.repo.SaveSnapshotApplied(context.Background(), "snap-3", t0); err != nil {
		t.Fatalf("SaveSnapshotApplied: %v", err)
	}

	w := f.do(t, http.MethodGet, "/api/pos-sync/status", map[string]string{"x-correlation-id": "cid-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("x-correlation-id"); got != "cid-1" {
		t.Fatalf("correlation id = %q", got)
	}
	var resp statusapi.StatusResponse
	decode(t, w, &resp)
	if resp.TerminalId != "T-1" || resp.State == nil || resp.State.CatalogSnapshotVersion == nil || *resp.State.CatalogSnapshotVersion != "snap-3" {
		t.Fatalf("unexpected status %+v", resp)
	}
	want := models.JournalCounts{Pending: 1, Failed: 1, Manual: 1}
	if resp.Journal != want {
		t.Fatalf("counts = %+v, want %+v", resp.Journal, want)
	}
}

func TestJournal_FiltersAndRendersPayload(t *testing.T) {
	f := newFixture(t, "")
	f.enqueue(t, "e-1", models.JournalEventTypeSaleCommitted, `{"saleId":"s-1"}`)
	f.enqueue(t, "e-2", models.JournalEventTypeInventoryManualAdjust, `{"productId":"p-1","delta":-2,"reason":"damaged"}`)
	f.failManual(t, "e-2")

	w := f.do(t, http.MethodGet, "/api/pos-sync/journal?status=failed&manual=true", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("journal = %d %s", w.Code, w.Body.String())
	}
	var resp struct {
		Events []struct {
			ID            string         `json:"id"`
			Status        string         `json:"status"`
			LastErrorCode string         `json:"last_error_code"`
			Payload       map[string]any `json:"payload"`
		} `json:"events"`
	}
	decode(t, w, &resp)
	if len(resp.Events) != 1 || resp.Events[0].ID != "e-2" || resp.Events[0].Status != "FAILED" {
		t.Fatalf("unexpected events %+v", resp.Events)
	}
	if resp.Events[0].LastErrorCode != "SERVER_ERROR" || resp.Events[0].Payload["reason"] != "damaged" {
		t.Fatalf("unexpected event body %+v", resp.Events[0])
	}

	w = f.do(t, http.MethodGet, "/api/pos-sync/journal?type=sale_committed&limit=5", nil)
	decode(t, w, &resp)
	if len(resp.Events) != 1 || resp.Events[0].ID != "e-1" {
		t.Fatalf("type filter returned %+v", resp.Events)
	}

	for _, q := range []string{"status=DONE", "type=REFUND", "manual=maybe", "limit=-1", "after=bm90LWEtY3Vyc29y"} {
		if w := f.do(t, http.MethodGet, "/api/pos-sync/journal?"+q, nil); w.Code != http.StatusBadRequest {
			t.Fatalf("%s = %d, want 400", q, w.Code)
		}
	}
}

func TestJournal_PagesWithCursor(t *testing.T) {
	f := newFixture(t, "")
	f.enqueue(t, "e-1", models.JournalEventTypeSaleCommitted, `{"saleId":"s-1"}`)
	f.enqueue(t, "e-2", models.JournalEventTypeSaleCommitted, `{"saleId":"s-2"}`)

	type page struct {
		Events []struct {
			ID string `json:"id"`
		} `json:"events"`
		PageInfo models.PageInfo `json:"pageInfo"`
	}
	var first page
	decode(t, f.do(t, http.MethodGet, "/api/pos-sync/journal?limit=1", nil), &first)
	if len(first.Events) != 1 || first.Events[0].ID != "e-2" || !first.PageInfo.HasNextPage {
		t.Fatalf("first page %+v", first)
	}

	var second page
	w := f.do(t, http.MethodGet, "/api/pos-sync/journal?limit=1&after="+url.QueryEscape(first.PageInfo.EndCursor), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("second page = %d %s", w.Code, w.Body.String())
	}
	decode(t, w, &second)
	if len(second.Events) != 1 || second.Events[0].ID != "e-1" {
		t.Fatalf("second page %+v", second)
	}

	var last page
	decode(t, f.do(t, http.MethodGet, "/api/pos-sync/journal?limit=1&after="+url.QueryEscape(second.PageInfo.EndCursor), nil), &last)
	if len(last.Events) != 0 || last.PageInfo.HasNextPage {
		t.Fatalf("last page %+v", last)
	}
}

func TestReset_ClonesFailedEventOnce(t *testing.T) {
	f := newFixture(t, "")
	f.enqueue(t, "e-1", models.JournalEventTypeSaleCommitted, `{"saleId":"s-1"}`)
	f.enqueue(t, "e-2", models.JournalEventTypeSaleCommitted, `{"saleId":"s-2"}`)
	f.failManual(t, "e-1")

	w := f.do(t, http.MethodPost, "/api/pos-sync/journal/e-1/reset", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("reset = %d %s", w.Code, w.Body.String())
	}
	var resp struct {
		Event struct {
			ID              string         `json:"id"`
			Status          string         `json:"status"`
			ReplacesEventId string         `json:"replaces_event_id"`
			Payload         map[string]any `json:"payload"`
		} `json:"event"`
	}
	decode(t, w, &resp)
	if resp.Event.ID == "" || resp.Event.ID == "e-1" || resp.Event.Status != "PENDING" || resp.Event.ReplacesEventId != "e-1" {
		t.Fatalf("unexpected clone %+v", resp.Event)
	}
	if resp.Event.Payload["idempotencyKey"] != "e-1" {
		t.Fatalf("clone must keep the original idempotency token, got %v", resp.Event.Payload["idempotencyKey"])
	}

	cases := []struct {
		id   string
		want int
	}{
		{"e-1", http.StatusConflict},
		{"e-2", http.StatusConflict},
		{"missing", http.StatusNotFound},
	}
	for _, tc := range cases {
		if w := f.do(t, http.MethodPost, "/api/pos-sync/journal/"+tc.id+"/reset", nil); w.Code != tc.want {
			t.Fatalf("reset %s = %d, want %d", tc.id, w.Code, tc.want)
		}
	}
}

func TestRun_MapsRunnerOutcomes(t *testing.T) {
	f := newFixture(t, "")

	w := f.do(t, http.MethodPost, "/api/pos-sync/run/flush-sales", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("run = %d %s", w.Code, w.Body.String())
	}
	var res agent.RunResult
	decode(t, w, &res)
	if res.Operation != agent.OpFlushSales || res.Flush == nil || res.Flush.Synced != 2 {
		t.Fatalf("unexpected result %+v", res)
	}

	if w := f.do(t, http.MethodPost, "/api/pos-sync/run/flush-everything", nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown op = %d", w.Code)
	}

	f.runner.err = runlock.ErrLocked
	if w := f.do(t, http.MethodPost, "/api/pos-sync/run/catalog-sync", nil); w.Code != http.StatusConflict {
		t.Fatalf("locked = %d", w.Code)
	}

	f.runner.err = possync.Retriable(possync.CodeRateLimited, "HTTP 429", nil)
	w = f.do(t, http.MethodPost, "/api/pos-sync/run/catalog-sync", nil)
	if w.Code != http.StatusBadGateway || !strings.Contains(w.Body.String(), `"code":"RATE_LIMITED"`) {
		t.Fatalf("failed run = %d %s", w.Code, w.Body.String())
	}
	if len(f.runner.ops) != 3 {
		t.Fatalf("runner called %d times, want 3", len(f.runner.ops))
	}
}

func TestRun_SurvivesCallerDisconnect(t *testing.T) {
	f := newFixture(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/pos-sync/run/flush-proof", nil).WithContext(ctx)
	req.Header.Set("x-correlation-id", "cid-run")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if len(f.runner.ops) != 1 || f.runner.ops[0] != agent.OpFlushProof {
		t.Fatalf("runner ops = %v", f.runner.ops)
	}
	if f.runner.ctxErr != nil {
		t.Fatalf("run context cancelled with the request: %v", f.runner.ctxErr)
	}
	if f.runner.cid != "cid-run" {
		t.Fatalf("correlation id = %q", f.runner.cid)
	}
}

func TestExport_ReturnsWorkbook(t *testing.T) {
	f := newFixture(t, "")
	f.enqueue(t, "e-1", models.JournalEventTypeSaleCommitted, `{"saleId":"s-1"}`)

	w := f.do(t, http.MethodGet, "/api/pos-sync/journal/export", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("export = %d %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/vnd.openxmlformats") {
		t.Fatalf("content type = %q", ct)
	}
	if cd := w.Header().Get("Content-Disposition"); !strings.Contains(cd, "pos-sync-journal-20260301-090000.xlsx") {
		t.Fatalf("content disposition = %q", cd)
	}
	if !bytes.HasPrefix(w.Body.Bytes(), []byte("PK")) {
		t.Fatal("body is not a zip container")
	}
}

func TestUnknownRoute(t *testing.T) {
	f := newFixture(t, "")
	if w := f.do(t, http.MethodGet, "/api/other", nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown route = %d", w.Code)
	}
}
