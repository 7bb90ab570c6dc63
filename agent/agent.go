package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/tcgpos_sync/appctx"
	"bitbucket.org/mmdatafocus/tcgpos_sync/config"
	"bitbucket.org/mmdatafocus/tcgpos_sync/possync"
	"bitbucket.org/mmdatafocus/tcgpos_sync/runlock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type Operation string

const (
	OpCatalogSync      Operation = "catalog-sync"
	OpCatalogReconcile Operation = "catalog-reconcile"
	OpFlushSales       Operation = "flush-sales"
	OpFlushInventory   Operation = "flush-inventory"
	OpFlushProof       Operation = "flush-proof"
)

// Operations lists every scheduled operation in start order.
var Operations = []Operation{OpCatalogSync, OpCatalogReconcile, OpFlushSales, OpFlushInventory, OpFlushProof}

var ErrUnknownOperation = errors.New("unknown sync operation")

func ParseOperation(raw string) (Operation, error) {
	op := Operation(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range Operations {
		if op == known {
			return op, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownOperation, raw)
}

// RunResult reports one finished run. Exactly one of Sync and Flush is set.
type RunResult struct {
	Operation     Operation            `json:"operation"`
	CorrelationId string               `json:"correlationId"`
	StartedAt     time.Time            `json:"startedAt"`
	Duration      string               `json:"duration"`
	Sync          *possync.SyncResult  `json:"sync,omitempty"`
	Flush         *possync.FlushResult `json:"flush,omitempty"`
}

// Catalog is the pull side the agent schedules. *possync.Replicator implements it.
type Catalog interface {
	RunCatalogSync(ctx context.Context) (possync.SyncResult, error)
	RunReconcile(ctx context.Context) (possync.SyncResult, error)
}

// Journal is the push side the agent schedules. *possync.Flusher implements it.
type Journal interface {
	FlushSalesJournal(ctx context.Context) (possync.FlushResult, error)
	FlushInventoryAdjustmentJournal(ctx context.Context) (possync.FlushResult, error)
	FlushProofUploadJournal(ctx context.Context) (possync.FlushResult, error)
}

// Agent runs each operation on its own loop. A run of one operation never
// overlaps another run of the same operation; different operations may overlap.
type Agent struct {
	Catalog    Catalog
	Journal    Journal
	Locker     runlock.Locker
	Intervals  map[Operation]time.Duration
	TerminalId string
	BranchId   string
	Logger     *logrus.Logger

	// Enabled gates scheduled ticks; nil means config.SyncOperationEnabled.
	Enabled func(op Operation) bool
}

func New(catalog Catalog, journal Journal, locker runlock.Locker, cfg config.AgentConfig, logger *logrus.Logger) *Agent {
	if logger == nil {
		logger = config.GetLogger()
	}
	if locker == nil {
		locker = runlock.NewLocalLocker()
	}
	return &Agent{
		Catalog: catalog,
		Journal: journal,
		Locker:  locker,
		Intervals: map[Operation]time.Duration{
			OpCatalogSync:      cfg.CatalogSyncInterval,
			OpCatalogReconcile: cfg.ReconcileInterval,
			OpFlushSales:       cfg.JournalFlushInterval,
			OpFlushInventory:   cfg.JournalFlushInterval,
			OpFlushProof:       cfg.JournalFlushInterval,
		},
		TerminalId: cfg.TerminalId,
		BranchId:   cfg.BranchId,
		Logger:     logger,
	}
}

// scope puts the terminal identity on ctx so repository queries are terminal scoped.
func (a *Agent) scope(ctx context.Context) context.Context {
	if a.TerminalId != "" {
		ctx = appctx.Set(ctx, appctx.ContextKeyTerminalId, a.TerminalId)
	}
	if a.BranchId != "" {
		ctx = appctx.Set(ctx, appctx.ContextKeyBranchId, a.BranchId)
	}
	return ctx
}

// RunOnce runs op now. It returns runlock.ErrLocked when op is already running.
func (a *Agent) RunOnce(ctx context.Context, op Operation) (*RunResult, error) {
	if _, err := ParseOperation(string(op)); err != nil {
		return nil, err
	}
	unlock, err := a.Locker.TryLock(ctx, string(op))
	if err != nil {
		return nil, err
	}
	defer unlock()

	cid, ok := appctx.GetString(ctx, appctx.ContextKeyCorrelationId)
	if !ok || cid == "" {
		cid = uuid.NewString()
	}
	ctx = a.scope(ctx)
	ctx = appctx.Set(ctx, appctx.ContextKeyRunName, string(op))
	ctx = appctx.Set(ctx, appctx.ContextKeyCorrelationId, cid)

	res := &RunResult{Operation: op, CorrelationId: cid, StartedAt: time.Now().UTC()}
	switch op {
	case OpCatalogSync:
		out, runErr := a.Catalog.RunCatalogSync(ctx)
		res.Sync, err = &out, runErr
	case OpCatalogReconcile:
		out, runErr := a.Catalog.RunReconcile(ctx)
		res.Sync, err = &out, runErr
	case OpFlushSales:
		out, runErr := a.Journal.FlushSalesJournal(ctx)
		res.Flush, err = &out, runErr
	case OpFlushInventory:
		out, runErr := a.Journal.FlushInventoryAdjustmentJournal(ctx)
		res.Flush, err = &out, runErr
	case OpFlushProof:
		out, runErr := a.Journal.FlushProofUploadJournal(ctx)
		res.Flush, err = &out, runErr
	}
	res.Duration = time.Since(res.StartedAt).String()
	if err != nil {
		return res, err
	}
	return res, nil
}

func (a *Agent) enabled(op Operation) bool {
	if a.Enabled != nil {
		return a.Enabled(op)
	}
	return config.SyncOperationEnabled(string(op))
}

// Run starts one loop per operation and blocks until ctx is done.
func (a *Agent) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, op := range Operations {
		interval := a.Intervals[op]
		if interval <= 0 {
			a.Logger.WithFields(logrus.Fields{
				"field":     "Agent",
				"operation": op,
			}).Warn("no interval configured; loop not started")
			continue
		}
		wg.Add(1)
		go func(op Operation, interval time.Duration) {
			defer wg.Done()
			a.loop(ctx, op, interval)
		}(op, interval)
	}
	wg.Wait()
}

func (a *Agent) loop(ctx context.Context, op Operation, interval time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		a.tick(ctx, op)
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

func (a *Agent) tick(ctx context.Context, op Operation) {
	if !a.enabled(op) {
		return
	}
	logger := a.Logger.WithFields(logrus.Fields{
		"field":     "Agent",
		"operation": op,
	})
	res, err := a.RunOnce(ctx, op)
	if errors.Is(err, runlock.ErrLocked) {
		logger.Debug("previous run still in progress; tick skipped")
		return
	}
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		fields := logrus.Fields{"error_code": possync.ErrorCode(err, possync.CodeSyncFailed)}
		if res != nil {
			fields["correlation_id"] = res.CorrelationId
		}
		logger.WithFields(fields).Error("run failed: " + err.Error())
		return
	}
	fields := logrus.Fields{"correlation_id": res.CorrelationId, "duration": res.Duration}
	switch {
	case res.Sync != nil:
		fields["mode"] = res.Sync.Mode
		fields["fetched"] = res.Sync.Fetched
		fields["skipped"] = res.Sync.Stats.Skipped
	case res.Flush != nil:
		if res.Flush.Attempted == 0 {
			return
		}
		fields["attempted"] = res.Flush.Attempted
		fields["synced"] = res.Flush.Synced
		fields["retried"] = res.Flush.Retried
		fields["manual"] = res.Flush.ManualIntervention
	}
	logger.WithFields(fields).Info("run finished")
}
