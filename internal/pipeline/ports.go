// Package pipeline moves postings through scoring, enrichment, artifact
// generation and delivery with bounded worker pools.
//
// The Store is the system of record. Queues hold only posting ids, so any
// item lost on shutdown is re-derived from persisted status by the
// Orchestrator's recovery passes.
package pipeline

import (
	"context"
	"time"

	"posting-pipeline/internal/artifacts"
	"posting-pipeline/internal/filter"
	"posting-pipeline/internal/gates"
	"posting-pipeline/internal/postings"
	"posting-pipeline/internal/scoring"
	"posting-pipeline/internal/source"
)

// Scorer is the remote scoring call.
type Scorer interface {
	Score(ctx context.Context, posting postings.Posting) (scoring.Result, error)
	ActiveCalls() int
}

// DetailFetcher loads the source's copy of a posting.
type DetailFetcher interface {
	Fetch(ctx context.Context, postingID string) (source.Detail, error)
}

// ArtifactGenerator makes one artifact attempt.
type ArtifactGenerator interface {
	Generate(ctx context.Context, posting postings.Posting, analysis postings.AnalysisResult) (artifacts.Artifact, error)
}

// Breaker is the read side of the circuit breaker guarding the scorer.
type Breaker interface {
	State() gates.BreakerState
}

// ContentValidator is the keyword prefilter.
type ContentValidator interface {
	Validate(text string) filter.Verdict
	Tags(text string) []string
}

// item is one unit of queued work.
type item struct {
	PostingID  string
	Attempt    int
	EnqueuedAt time.Time
	TraceID    string
}
