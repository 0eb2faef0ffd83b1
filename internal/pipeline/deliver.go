package pipeline

import (
	"context"
	"time"

	"posting-pipeline/internal/delivery"
	"posting-pipeline/internal/postings"
	"posting-pipeline/internal/shared/metrics"
)

// deliverer publishes an accepted posting and marks it SENT.
type deliverer struct {
	store postings.Repo
	sink  delivery.Sink
	now   func() time.Time
}

// deliver hands p to the sink without waiting and then moves ANALYZED → SENT.
func (d *deliverer) deliver(ctx context.Context, p postings.Posting, a postings.AnalysisResult, artifactText, traceID string) {
	d.sink.Publish(ctx, delivery.Delivery{
		PostingID:    p.ID,
		Title:        p.Title,
		Company:      p.Company,
		URL:          p.URL,
		Score:        a.Score,
		Reasoning:    a.Reasoning,
		Tags:         a.MatchedTags,
		ArtifactKey:  a.ArtifactKey,
		ArtifactText: artifactText,
		RequestID:    traceID,
		PublishedAt:  d.now(),
	})

	from := p.Status
	sent, ok, err := transition(ctx, d.store, p, postings.StatusSent)
	if err != nil {
		logFailure("pipeline.delivery.status_failed", p.ID, err, map[string]any{"trace_id": traceID})
		return
	}
	if !ok {
		return
	}
	metrics.IncSent()
	logOutcome("pipeline.delivery.sent", sent, from, "", map[string]any{
		"trace_id":     traceID,
		"has_artifact": artifactText != "",
	})
}
