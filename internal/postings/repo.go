package postings

import (
	"context"
	"time"
)

// Repo defines persistence operations for postings and their analysis results.
//
// Status writes take the Posting snapshot the caller read. They fail with
// ErrConflict when the stored version has moved on and with an
// *IllegalTransitionError when the state machine forbids the move. A
// successful write returns the stored posting with its new version.
type Repo interface {
	Create(ctx context.Context, posting Posting) error
	GetByID(ctx context.Context, postingID string) (Posting, error)
	ListByStatus(ctx context.Context, status Status) ([]Posting, error)
	// ListAcceptedWithoutTags returns accepted postings that were never enriched, oldest first.
	ListAcceptedWithoutTags(ctx context.Context, limit int) ([]Posting, error)
	ListByArtifactStatus(ctx context.Context, statuses ...ArtifactStatus) ([]AnalysisResult, error)

	UpdateStatus(ctx context.Context, posting Posting, next Status) (Posting, error)
	// SaveAnalysis stores the result and moves the posting to next in one transaction.
	SaveAnalysis(ctx context.Context, posting Posting, next Status, result AnalysisResult) (Posting, error)
	// UpsertAnalysis stores the result without touching the posting status.
	UpsertAnalysis(ctx context.Context, result AnalysisResult) error
	GetAnalysis(ctx context.Context, postingID string) (AnalysisResult, error)
	UpdateArtifact(ctx context.Context, postingID string, status ArtifactStatus, attempts int, artifactKey string) error
	// SaveTags replaces matched tags and stamps enrichedAt in one write.
	SaveTags(ctx context.Context, postingID string, tags []string, enrichedAt time.Time) error
	// Delete removes the posting and every derived row.
	Delete(ctx context.Context, postingID string) error
}
