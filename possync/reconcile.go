package possync

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"
)

// RunReconcile sends the local manifest to the cloud and pulls back entities the
// cloud reports as missing locally. Stale and unknown entries are only reported.
func (r *Replicator) RunReconcile(ctx context.Context) (SyncResult, error) {
	ctx, span := startSpan(ctx, "possync.RunReconcile")
	defer span.End()

	result, err := r.reconcile(ctx)
	if err != nil {
		err = r.fail(ctx, "RunReconcile", err)
		endSpan(span, err)
		return result, err
	}
	return result, nil
}

func (r *Replicator) reconcile(ctx context.Context) (SyncResult, error) {
	startedAt := r.Clock.Now().UTC()
	result := SyncResult{Mode: SyncModeReconcile}

	manifest, err := r.Store.ListCatalogManifest(ctx, r.Config.ManifestLimit)
	if err != nil {
		return result, Fatal(CodeLocalWriteFailed, "list catalog manifest", err)
	}

	resp, err := r.Client.ReconcileCatalog(ctx, ReconcileRequest{CatalogManifest: manifest})
	if err != nil {
		return result, err
	}
	if resp == nil {
		return result, Retriable(CodeInvalidResponse, "empty reconcile response", nil)
	}
	version := resp.SnapshotVersion

	if len(resp.Missing) > 0 {
		wanted := make(map[string]bool, len(resp.Missing))
		for _, ref := range resp.Missing {
			wanted[refKey(ref.EntityType, ref.CloudId)] = true
		}

		// A full delta (no since) is the only way to fetch arbitrary entities.
		all, pages, deltaVersion, err := r.fetchAllPages(ctx, false, func(page int) (*CatalogPage, error) {
			return r.Client.FetchCatalogDelta(ctx, DeltaRequest{Since: nil, Page: page, PageSize: r.Config.PageSize})
		})
		result.Pages = pages
		if err != nil {
			return result, err
		}

		matched := make([]CatalogEntity, 0, len(resp.Missing))
		for _, it := range all {
			if wanted[refKey(it.EntityType, it.CloudId)] {
				matched = append(matched, it)
			}
		}
		result.Fetched = len(matched)

		if len(matched) > 0 {
			if err := r.recordObserved(ctx, matched); err != nil {
				return result, err
			}
			stats, err := r.Projector.ProjectDelta(ctx, matched, startedAt)
			if err != nil {
				return result, err
			}
			result.Stats = stats
		}
		if deltaVersion != "" {
			version = deltaVersion
		}
	}

	if err := r.Store.SaveReconciled(ctx, version, startedAt); err != nil {
		return result, err
	}
	result.SnapshotVersion = version

	r.Logger.WithFields(logrus.Fields{
		"field":    "Reconcile",
		"manifest": len(manifest),
		"missing":  len(resp.Missing),
		"stale":    len(resp.Stale),
		"unknown":  len(resp.Unknown),
		"applied":  result.Fetched,
		"skipped":  result.Stats.Skipped,
	}).Info("catalog reconciled")
	return result, nil
}

func refKey(entityType, cloudId string) string {
	return strings.ToUpper(strings.TrimSpace(entityType)) + "|" + strings.TrimSpace(cloudId)
}
