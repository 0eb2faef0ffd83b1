package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"posting-pipeline/internal/gates"
	"posting-pipeline/internal/postings"
	"posting-pipeline/internal/shared/metrics"
	"posting-pipeline/internal/shared/telemetry"
	"posting-pipeline/internal/source"
)

// EnrichmentQueue tags accepted postings from their source detail. It is best
// effort: a failed item is not requeued here, the periodic scan finds it again.
type EnrichmentQueue struct {
	store     postings.Repo
	limiter   gates.RateLimiter
	fetcher   DetailFetcher
	validator ContentValidator
	now       func() time.Time

	inflight *inflightSet
	pool     *workerPool
}

func newEnrichmentQueue(deps Deps, cfg Config) *EnrichmentQueue {
	q := &EnrichmentQueue{
		store:     deps.Store,
		limiter:   deps.Limiter,
		fetcher:   deps.Fetcher,
		validator: deps.Validator,
		now:       deps.Now,
		inflight:  newInflightSet(),
	}
	q.pool = newWorkerPool("enrichment", cfg.EnrichmentConcurrency, q.handle, q.release)
	return q
}

// Enqueue schedules postingID for tagging. With checkDuplicate the Store is
// consulted and already enriched postings are refused. An id that is already
// queued or running is always refused.
func (q *EnrichmentQueue) Enqueue(ctx context.Context, postingID string, checkDuplicate bool) bool {
	postingID = strings.TrimSpace(postingID)
	if postingID == "" || q.pool.queue.isClosed() {
		return false
	}
	if checkDuplicate {
		if q.inflight.contains(postingID) {
			return false
		}
		p, err := q.store.GetByID(ctx, postingID)
		if err != nil || p.EnrichedAt != nil {
			return false
		}
	}
	if !q.inflight.tryAdd(postingID) {
		return false
	}
	it := item{PostingID: postingID, Attempt: 1, EnqueuedAt: q.now(), TraceID: uuid.NewString()}
	if !q.pool.queue.push(it) {
		q.inflight.remove(postingID)
		return false
	}
	return true
}

func (q *EnrichmentQueue) stats() QueueStats {
	return QueueStats{Pending: q.pool.pending(), InFlight: q.inflight.len(), Running: q.pool.running()}
}

func (q *EnrichmentQueue) release(it item) { q.inflight.remove(it.PostingID) }

// persist writes tags and the enrichment stamp in one batch.
func (q *EnrichmentQueue) persist(ctx context.Context, postingID string, tags []string) error {
	if err := q.store.SaveTags(ctx, postingID, tags, q.now()); err != nil {
		return err
	}
	metrics.IncEnrichmentCompleted()
	return nil
}

func (q *EnrichmentQueue) handle(ctx context.Context, it item) {
	defer q.release(it)

	if err := q.process(ctx, it); err != nil {
		logFailure("pipeline.enrichment.failed", it.PostingID, err, map[string]any{"trace_id": it.TraceID})
	}
}

func (q *EnrichmentQueue) process(ctx context.Context, it item) error {
	p, err := q.store.GetByID(ctx, it.PostingID)
	if errors.Is(err, postings.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if p.EnrichedAt != nil {
		return nil
	}
	analysis, err := q.store.GetAnalysis(ctx, p.ID)
	if errors.Is(err, postings.ErrNotFound) || (err == nil && !analysis.IsAccepted) {
		return nil
	}
	if err != nil {
		return err
	}

	text := p.Text()
	if q.fetcher != nil {
		if q.limiter != nil && !q.limiter.TryConsume() {
			return source.ErrRateLimited
		}
		detail, err := q.fetcher.Fetch(ctx, p.ID)
		if errors.Is(err, source.ErrNotFound) {
			return deletePosting(ctx, q.store, p, it.TraceID)
		}
		if err != nil {
			return err
		}
		text = strings.Join(append([]string{text, detail.Description}, detail.KeySkills...), "\n")
	}

	tags := mergeTags(analysis.MatchedTags, q.validator.Tags(text))
	if err := q.persist(ctx, p.ID, tags); err != nil {
		return err
	}
	telemetry.Info("pipeline.enrichment.completed", map[string]any{
		"posting_id": p.ID,
		"tags":       len(tags),
		"trace_id":   it.TraceID,
	})
	return nil
}
