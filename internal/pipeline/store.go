package pipeline

import (
	"context"
	"errors"

	"posting-pipeline/internal/postings"
	"posting-pipeline/internal/shared/metrics"
	"posting-pipeline/internal/shared/telemetry"
)

// transition writes next for p. A version conflict reloads the posting and
// retries once; if the reloaded status no longer allows next the write is
// dropped as already handled. The returned bool reports whether the write
// landed.
func transition(ctx context.Context, store postings.Repo, p postings.Posting, next postings.Status) (postings.Posting, bool, error) {
	updated, err := store.UpdateStatus(ctx, p, next)
	if err == nil {
		return updated, true, nil
	}
	if !errors.Is(err, postings.ErrConflict) {
		return p, false, err
	}

	fresh, ok, err := reloadFor(ctx, store, p.ID, next)
	if !ok {
		return fresh, false, err
	}
	updated, err = store.UpdateStatus(ctx, fresh, next)
	if err == nil {
		return updated, true, nil
	}
	if errors.Is(err, postings.ErrConflict) {
		metrics.IncError(string(CategoryConflict))
		telemetry.Warn("pipeline.status.conflict_dropped", map[string]any{
			"posting_id": p.ID,
			"to":         string(next),
		})
		return fresh, false, nil
	}
	return fresh, false, err
}

// saveAnalysis persists result and moves p to next in one write, with the
// same reload-and-retry-once rule as transition. After a second conflict the
// result is still stored on its own so it is not lost.
func saveAnalysis(ctx context.Context, store postings.Repo, p postings.Posting, next postings.Status, result postings.AnalysisResult) (postings.Posting, bool, error) {
	updated, err := store.SaveAnalysis(ctx, p, next, result)
	if err == nil {
		return updated, true, nil
	}
	if !errors.Is(err, postings.ErrConflict) {
		return p, false, err
	}

	fresh, ok, err := reloadFor(ctx, store, p.ID, next)
	if !ok {
		return fresh, false, err
	}
	updated, err = store.SaveAnalysis(ctx, fresh, next, result)
	if err == nil {
		return updated, true, nil
	}
	if !errors.Is(err, postings.ErrConflict) {
		return fresh, false, err
	}
	metrics.IncError(string(CategoryConflict))
	telemetry.Warn("pipeline.analysis.conflict_dropped", map[string]any{
		"posting_id": p.ID,
		"to":         string(next),
	})
	if err := store.UpsertAnalysis(ctx, result); err != nil {
		return fresh, false, err
	}
	return fresh, false, nil
}

// reloadFor re-reads the posting after a conflict and reports whether next is
// still reachable from its current status.
func reloadFor(ctx context.Context, store postings.Repo, postingID string, next postings.Status) (postings.Posting, bool, error) {
	fresh, err := store.GetByID(ctx, postingID)
	if err != nil {
		return postings.Posting{}, false, err
	}
	if fresh.Status == next || !postings.CanTransition(fresh.Status, next) {
		telemetry.Info("pipeline.status.already_handled", map[string]any{
			"posting_id": postingID,
			"current":    string(fresh.Status),
			"to":         string(next),
		})
		return fresh, false, nil
	}
	return fresh, true, nil
}

// deletePosting removes a posting that vanished at the source, together with
// its derived rows.
func deletePosting(ctx context.Context, store postings.Repo, p postings.Posting, traceID string) error {
	if err := store.Delete(ctx, p.ID); err != nil && !errors.Is(err, postings.ErrNotFound) {
		return err
	}
	metrics.IncDeleted()
	metrics.IncError(string(CategoryNotFound))
	telemetry.Info("pipeline.posting.deleted", map[string]any{
		"posting_id": p.ID,
		"from":       string(p.Status),
		"category":   string(CategoryNotFound),
		"trace_id":   traceID,
	})
	return nil
}
