package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"posting-pipeline/internal/postings"
	"posting-pipeline/internal/shared/metrics"
	"posting-pipeline/internal/shared/telemetry"
)

// ArtifactRetryQueue generates the optional artifact for accepted postings.
// Each item is one generation attempt; a failed attempt goes back to the tail
// of the queue until maxAttempts is reached, after which the posting is
// delivered without an artifact.
//
// A posting id stays in the in-flight set from its first enqueue until its
// final attempt returns, so requeues cannot race with a fresh enqueue.
type ArtifactRetryQueue struct {
	store       postings.Repo
	generator   ArtifactGenerator
	validator   ContentValidator
	deliverer   *deliverer
	maxAttempts int
	now         func() time.Time

	inflight *inflightSet
	pool     *workerPool
}

func newArtifactRetryQueue(deps Deps, cfg Config, d *deliverer) *ArtifactRetryQueue {
	q := &ArtifactRetryQueue{
		store:       deps.Store,
		generator:   deps.Generator,
		validator:   deps.Validator,
		deliverer:   d,
		maxAttempts: cfg.ArtifactMaxAttempts,
		now:         deps.Now,
		inflight:    newInflightSet(),
	}
	if q.maxAttempts < 1 {
		q.maxAttempts = 1
	}
	q.pool = newWorkerPool("artifact", cfg.ArtifactConcurrency, q.handle, q.release)
	return q
}

// Enqueue schedules generation attempt number attempt for postingID.
func (q *ArtifactRetryQueue) Enqueue(postingID string, attempt int) bool {
	return q.enqueue(postingID, attempt, uuid.NewString())
}

func (q *ArtifactRetryQueue) enqueue(postingID string, attempt int, traceID string) bool {
	postingID = strings.TrimSpace(postingID)
	if postingID == "" || q.pool.queue.isClosed() {
		return false
	}
	if attempt < 1 {
		attempt = 1
	}
	if !q.inflight.tryAdd(postingID) {
		return false
	}
	if !q.push(item{PostingID: postingID, Attempt: attempt, TraceID: traceID}) {
		q.inflight.remove(postingID)
		return false
	}
	return true
}

func (q *ArtifactRetryQueue) push(it item) bool {
	it.EnqueuedAt = q.now()
	return q.pool.queue.push(it)
}

// Recover re-enqueues artifacts left RETRY_QUEUED or IN_PROGRESS by an
// earlier process. The stored attempt count is treated as consumed, so the
// next attempt is attempts+1; items already at the limit are finalized.
func (q *ArtifactRetryQueue) Recover(ctx context.Context) (int, error) {
	pending, err := q.store.ListByArtifactStatus(ctx, postings.ArtifactRetryQueued, postings.ArtifactInProgress)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, a := range pending {
		if q.inflight.contains(a.PostingID) {
			continue
		}
		next := a.ArtifactAttempts + 1
		if next > q.maxAttempts {
			q.finalizeExhausted(ctx, a)
			continue
		}
		if q.enqueue(a.PostingID, next, uuid.NewString()) {
			recovered++
		}
	}
	return recovered, nil
}

func (q *ArtifactRetryQueue) stats() QueueStats {
	return QueueStats{Pending: q.pool.pending(), InFlight: q.inflight.len(), Running: q.pool.running()}
}

func (q *ArtifactRetryQueue) release(it item) { q.inflight.remove(it.PostingID) }

func (q *ArtifactRetryQueue) handle(ctx context.Context, it item) {
	requeued := false
	defer func() {
		if !requeued {
			q.release(it)
		}
	}()

	var err error
	requeued, err = q.process(ctx, it)
	if err != nil {
		logFailure("pipeline.artifact.failed", it.PostingID, err, map[string]any{
			"attempt":  it.Attempt,
			"trace_id": it.TraceID,
		})
	}
}

// process runs one attempt and reports whether the item went back on the queue.
func (q *ArtifactRetryQueue) process(ctx context.Context, it item) (bool, error) {
	p, err := q.store.GetByID(ctx, it.PostingID)
	if errors.Is(err, postings.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if p.Status != postings.StatusAnalyzed {
		return false, nil
	}
	a, err := q.store.GetAnalysis(ctx, p.ID)
	if errors.Is(err, postings.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !a.IsAccepted || a.ArtifactStatus == postings.ArtifactSuccess || a.ArtifactStatus == postings.ArtifactFailed {
		return false, nil
	}

	// Keyword lists may have changed since scoring.
	if verdict := q.validator.Validate(p.Text()); !verdict.Accepted {
		updated, ok, err := transition(ctx, q.store, p, postings.StatusNotSuitable)
		if err != nil || !ok {
			return false, err
		}
		logOutcome("pipeline.artifact.not_relevant", updated, p.Status, CategoryRejected, map[string]any{
			"reason":   verdict.Reason,
			"trace_id": it.TraceID,
		})
		return false, nil
	}

	if err := q.store.UpdateArtifact(ctx, p.ID, postings.ArtifactInProgress, it.Attempt, ""); err != nil {
		return false, err
	}

	art, genErr := q.generator.Generate(ctx, p, a)
	if genErr == nil {
		if err := q.store.UpdateArtifact(ctx, p.ID, postings.ArtifactSuccess, it.Attempt, art.Key); err != nil {
			return false, err
		}
		metrics.IncArtifactSucceeded()
		telemetry.Info("pipeline.artifact.succeeded", map[string]any{
			"posting_id": p.ID,
			"attempt":    it.Attempt,
			"key":        art.Key,
			"trace_id":   it.TraceID,
		})
		a.ArtifactStatus = postings.ArtifactSuccess
		a.ArtifactAttempts = it.Attempt
		a.ArtifactKey = art.Key
		q.deliverer.deliver(ctx, p, a, art.Text, it.TraceID)
		return false, nil
	}
	if ctx.Err() != nil {
		// Left IN_PROGRESS; Recover picks it up on the next start.
		return false, ctx.Err()
	}

	if it.Attempt < q.maxAttempts {
		if err := q.store.UpdateArtifact(ctx, p.ID, postings.ArtifactRetryQueued, it.Attempt, ""); err != nil {
			return false, err
		}
		metrics.IncArtifactRetried()
		telemetry.Warn("pipeline.artifact.retry_queued", map[string]any{
			"posting_id": p.ID,
			"attempt":    it.Attempt,
			"error":      genErr,
			"trace_id":   it.TraceID,
		})
		next := it
		next.Attempt++
		if !q.push(next) {
			return false, nil
		}
		return true, nil
	}

	if err := q.store.UpdateArtifact(ctx, p.ID, postings.ArtifactFailed, it.Attempt, ""); err != nil {
		return false, err
	}
	metrics.IncArtifactFailed()
	telemetry.Warn("pipeline.artifact.gave_up", map[string]any{
		"posting_id": p.ID,
		"attempts":   it.Attempt,
		"error":      genErr,
		"trace_id":   it.TraceID,
	})
	a.ArtifactStatus = postings.ArtifactFailed
	a.ArtifactAttempts = it.Attempt
	q.deliverer.deliver(ctx, p, a, "", it.TraceID)
	return false, nil
}

// finalizeExhausted marks a recovered artifact FAILED and delivers without it.
func (q *ArtifactRetryQueue) finalizeExhausted(ctx context.Context, a postings.AnalysisResult) {
	if !q.inflight.tryAdd(a.PostingID) {
		return
	}
	defer q.inflight.remove(a.PostingID)

	p, err := q.store.GetByID(ctx, a.PostingID)
	if err != nil {
		logFailure("pipeline.artifact.recover_failed", a.PostingID, err, nil)
		return
	}
	if err := q.store.UpdateArtifact(ctx, a.PostingID, postings.ArtifactFailed, a.ArtifactAttempts, ""); err != nil {
		logFailure("pipeline.artifact.recover_failed", a.PostingID, err, nil)
		return
	}
	metrics.IncArtifactFailed()
	a.ArtifactStatus = postings.ArtifactFailed
	if p.Status == postings.StatusAnalyzed {
		q.deliverer.deliver(ctx, p, a, "", uuid.NewString())
	}
}
