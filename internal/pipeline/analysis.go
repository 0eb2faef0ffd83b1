package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"posting-pipeline/internal/gates"
	"posting-pipeline/internal/postings"
	"posting-pipeline/internal/scoring"
	"posting-pipeline/internal/shared/metrics"
	"posting-pipeline/internal/shared/telemetry"
	"posting-pipeline/internal/source"
)

// AnalysisQueue validates and scores postings, one worker invocation per
// enqueue, with at most Concurrency items in flight.
type AnalysisQueue struct {
	store           postings.Repo
	scorer          Scorer
	breaker         Breaker
	limiter         gates.RateLimiter
	fetcher         DetailFetcher
	validator       ContentValidator
	verifyExistence bool

	enrichment *EnrichmentQueue
	artifacts  *ArtifactRetryQueue
	deliverer  *deliverer
	now        func() time.Time

	inflight *inflightSet
	pool     *workerPool
}

func newAnalysisQueue(deps Deps, cfg Config, enrichment *EnrichmentQueue, artifacts *ArtifactRetryQueue, d *deliverer) *AnalysisQueue {
	q := &AnalysisQueue{
		store:           deps.Store,
		scorer:          deps.Scorer,
		breaker:         deps.Breaker,
		limiter:         deps.Limiter,
		fetcher:         deps.Fetcher,
		validator:       deps.Validator,
		verifyExistence: cfg.VerifyExistence,
		enrichment:      enrichment,
		artifacts:       artifacts,
		deliverer:       d,
		now:             deps.Now,
		inflight:        newInflightSet(),
	}
	q.pool = newWorkerPool("analysis", cfg.AnalysisConcurrency, q.handle, q.release)
	return q
}

// Enqueue schedules postingID for analysis. It returns false when the id is
// already queued or running, or when the queue has been closed.
func (q *AnalysisQueue) Enqueue(postingID string) bool {
	return q.enqueue(postingID, uuid.NewString())
}

func (q *AnalysisQueue) enqueue(postingID, traceID string) bool {
	postingID = strings.TrimSpace(postingID)
	if postingID == "" || q.pool.queue.isClosed() {
		return false
	}
	if !q.inflight.tryAdd(postingID) {
		return false
	}
	it := item{PostingID: postingID, Attempt: 1, EnqueuedAt: q.now(), TraceID: traceID}
	if !q.pool.queue.push(it) {
		q.inflight.remove(postingID)
		return false
	}
	return true
}

// Pending is the number of queued items not yet picked up by a worker.
func (q *AnalysisQueue) Pending() int { return q.pool.pending() }

// InFlight reports whether postingID is queued or being processed.
func (q *AnalysisQueue) InFlight(postingID string) bool { return q.inflight.contains(postingID) }

func (q *AnalysisQueue) stats() QueueStats {
	return QueueStats{Pending: q.pool.pending(), InFlight: q.inflight.len(), Running: q.pool.running()}
}

func (q *AnalysisQueue) release(it item) { q.inflight.remove(it.PostingID) }

func (q *AnalysisQueue) handle(ctx context.Context, it item) {
	defer q.release(it)

	metrics.IncAnalysisStarted()
	if err := q.process(ctx, it); err != nil {
		metrics.IncAnalysisFailed()
		logFailure("pipeline.analysis.failed", it.PostingID, err, map[string]any{"trace_id": it.TraceID})
		return
	}
	metrics.IncAnalysisCompleted()
}

func (q *AnalysisQueue) process(ctx context.Context, it item) error {
	p, err := q.store.GetByID(ctx, it.PostingID)
	if errors.Is(err, postings.ErrNotFound) {
		telemetry.Info("pipeline.analysis.missing", map[string]any{"posting_id": it.PostingID, "trace_id": it.TraceID})
		return nil
	}
	if err != nil {
		return err
	}

	// Anything past QUEUED was handled by an earlier enqueue.
	if p.Status != postings.StatusNew && p.Status != postings.StatusQueued {
		telemetry.Info("pipeline.analysis.already_processed", map[string]any{
			"posting_id": p.ID,
			"status":     string(p.Status),
			"trace_id":   it.TraceID,
		})
		return nil
	}
	if p.Status == postings.StatusNew {
		var ok bool
		p, ok, err = transition(ctx, q.store, p, postings.StatusQueued)
		if err != nil || !ok {
			return err
		}
	}

	if q.breaker != nil && q.breaker.State() == gates.BreakerOpen {
		return q.skip(ctx, p, ErrServiceUnavailable, it)
	}

	if q.verifyExistence && q.fetcher != nil {
		stop, err := q.checkExists(ctx, p, it)
		if err != nil || stop {
			return err
		}
	}

	verdict := q.validator.Validate(p.Text())
	if !verdict.Accepted {
		rejected, ok, err := transition(ctx, q.store, p, postings.StatusRejected)
		if err != nil || !ok {
			return err
		}
		metrics.IncRejected()
		logOutcome("pipeline.analysis.rejected", rejected, p.Status, CategoryRejected, map[string]any{
			"reason":   verdict.Reason,
			"matched":  verdict.Matched,
			"trace_id": it.TraceID,
		})
		return nil
	}

	res, err := q.scorer.Score(ctx, p)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, scoring.ErrServiceUnavailable) && q.breaker != nil && q.breaker.State() != gates.BreakerClosed {
			return q.skip(ctx, p, fmt.Errorf("%w: %v", ErrServiceUnavailable, err), it)
		}
		// Transient: status stays QUEUED for the next startup pass.
		return err
	}

	next := postings.StatusNotSuitable
	if res.IsAccepted {
		next = postings.StatusAnalyzed
	}
	result := postings.AnalysisResult{
		PostingID:      p.ID,
		IsAccepted:     res.IsAccepted,
		Score:          res.Score,
		Reasoning:      res.Reasoning,
		ArtifactStatus: postings.ArtifactNotAttempted,
	}
	saved, ok, err := saveAnalysis(ctx, q.store, p, next, result)
	if err != nil || !ok {
		return err
	}
	if !res.IsAccepted {
		logOutcome("pipeline.analysis.not_suitable", saved, p.Status, CategoryRejected, map[string]any{
			"score":    res.Score,
			"trace_id": it.TraceID,
		})
		return nil
	}
	telemetry.Info("pipeline.analysis.accepted", map[string]any{
		"posting_id": p.ID,
		"score":      res.Score,
		"trace_id":   it.TraceID,
	})

	if tags := mergeTags(res.Tags, q.validator.Tags(p.Text())); len(tags) > 0 {
		if err := q.enrichment.persist(ctx, p.ID, tags); err != nil {
			logFailure("pipeline.enrichment.persist_failed", p.ID, err, map[string]any{"trace_id": it.TraceID})
		} else {
			result.MatchedTags = tags
		}
	}

	if q.artifacts != nil {
		if !q.artifacts.enqueue(p.ID, 1, it.TraceID) {
			telemetry.Warn("pipeline.artifact.enqueue_refused", map[string]any{"posting_id": p.ID, "trace_id": it.TraceID})
		}
		return nil
	}
	q.deliverer.deliver(ctx, saved, result, "", it.TraceID)
	return nil
}

// checkExists asks the source whether the posting still exists. stop is true
// when the posting was skipped or deleted.
func (q *AnalysisQueue) checkExists(ctx context.Context, p postings.Posting, it item) (bool, error) {
	if q.limiter != nil && !q.limiter.TryConsume() {
		return true, q.skip(ctx, p, source.ErrRateLimited, it)
	}
	_, err := q.fetcher.Fetch(ctx, p.ID)
	switch {
	case err == nil:
		return false, nil
	case errors.Is(err, source.ErrNotFound):
		return true, deletePosting(ctx, q.store, p, it.TraceID)
	case errors.Is(err, source.ErrRateLimited):
		return true, q.skip(ctx, p, err, it)
	default:
		return true, err
	}
}

// skip parks p as SKIPPED for the periodic recovery pass.
func (q *AnalysisQueue) skip(ctx context.Context, p postings.Posting, cause error, it item) error {
	category := categorize(cause)
	skipped, ok, err := transition(ctx, q.store, p, postings.StatusSkipped)
	if err != nil || !ok {
		return err
	}
	metrics.IncSkipped()
	metrics.IncError(string(category))
	logOutcome("pipeline.analysis.skipped", skipped, p.Status, category, map[string]any{
		"reason":   cause.Error(),
		"trace_id": it.TraceID,
	})
	return nil
}

// mergeTags joins tag lists keeping the first spelling of each tag.
func mergeTags(lists ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, list := range lists {
		for _, tag := range list {
			tag = strings.TrimSpace(tag)
			key := strings.ToLower(tag)
			if tag == "" {
				continue
			}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, tag)
		}
	}
	return out
}
