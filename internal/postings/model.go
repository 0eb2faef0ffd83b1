package postings

import (
	"fmt"
	"time"
)

// Posting is a job listing tracked by the pipeline.
type Posting struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Company     string     `json:"company"`
	Description string     `json:"description"`
	URL         string     `json:"url"`
	Status      Status     `json:"status"`
	Version     int64      `json:"version"`
	EnrichedAt  *time.Time `json:"enrichedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Text returns the searchable text of the posting.
func (p Posting) Text() string {
	return p.Title + "\n" + p.Company + "\n" + p.Description
}

// ArtifactStatus tracks generation of the optional artifact for an accepted posting.
type ArtifactStatus string

const (
	ArtifactNotAttempted ArtifactStatus = "NOT_ATTEMPTED"
	ArtifactInProgress   ArtifactStatus = "IN_PROGRESS"
	ArtifactSuccess      ArtifactStatus = "SUCCESS"
	ArtifactFailed       ArtifactStatus = "FAILED"
	ArtifactRetryQueued  ArtifactStatus = "RETRY_QUEUED"
)

// ParseArtifactStatus converts a raw string to an ArtifactStatus.
func ParseArtifactStatus(s string) (ArtifactStatus, error) {
	st := ArtifactStatus(s)
	switch st {
	case ArtifactNotAttempted, ArtifactInProgress, ArtifactSuccess, ArtifactFailed, ArtifactRetryQueued:
		return st, nil
	}
	return "", fmt.Errorf("unknown artifact status %q", s)
}

// AnalysisResult is the scoring outcome for a posting. There is at most one per posting.
type AnalysisResult struct {
	PostingID        string         `json:"postingId"`
	IsAccepted       bool           `json:"isAccepted"`
	Score            float64        `json:"score"`
	Reasoning        string         `json:"reasoning"`
	MatchedTags      []string       `json:"matchedTags"`
	ArtifactStatus   ArtifactStatus `json:"artifactStatus"`
	ArtifactAttempts int            `json:"artifactAttempts"`
	ArtifactKey      string         `json:"artifactKey,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}
