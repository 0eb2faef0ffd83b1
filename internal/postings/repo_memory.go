package postings

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo stores postings in memory and is safe for concurrent use.
type MemoryRepo struct {
	mu       sync.RWMutex
	byID     map[string]Posting
	analyses map[string]AnalysisResult
	now      func() time.Time
}

// NewMemoryRepo constructs a MemoryRepo.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		byID:     make(map[string]Posting),
		analyses: make(map[string]AnalysisResult),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Create stores a new posting.
func (r *MemoryRepo) Create(ctx context.Context, posting Posting) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[posting.ID]; ok {
		return ErrAlreadyExists
	}
	now := r.now()
	if posting.Status == "" {
		posting.Status = StatusNew
	}
	if posting.CreatedAt.IsZero() {
		posting.CreatedAt = now
	}
	posting.UpdatedAt = now
	r.byID[posting.ID] = posting
	return nil
}

// GetByID returns a posting by its ID.
func (r *MemoryRepo) GetByID(ctx context.Context, postingID string) (Posting, error) {
	if err := ctx.Err(); err != nil {
		return Posting{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[postingID]
	if !ok {
		return Posting{}, ErrNotFound
	}
	return clonePosting(p), nil
}

// ListByStatus returns postings with the given status, oldest first.
func (r *MemoryRepo) ListByStatus(ctx context.Context, status Status) ([]Posting, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	out := make([]Posting, 0)
	for _, p := range r.byID {
		if p.Status == status {
			out = append(out, clonePosting(p))
		}
	}
	r.mu.RUnlock()
	sortOldestFirst(out)
	return out, nil
}

// ListAcceptedWithoutTags returns accepted postings that have no enrichment stamp.
func (r *MemoryRepo) ListAcceptedWithoutTags(ctx context.Context, limit int) ([]Posting, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	out := make([]Posting, 0)
	for id, a := range r.analyses {
		p, ok := r.byID[id]
		if !ok || !a.IsAccepted || p.EnrichedAt != nil {
			continue
		}
		out = append(out, clonePosting(p))
	}
	r.mu.RUnlock()
	sortOldestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListByArtifactStatus returns analysis results whose artifact status is one of statuses.
func (r *MemoryRepo) ListByArtifactStatus(ctx context.Context, statuses ...ArtifactStatus) ([]AnalysisResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	want := make(map[ArtifactStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	r.mu.RLock()
	out := make([]AnalysisResult, 0)
	for _, a := range r.analyses {
		if want[a.ArtifactStatus] {
			out = append(out, cloneAnalysis(a))
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].PostingID < out[j].PostingID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// UpdateStatus moves the posting to next if its version still matches.
func (r *MemoryRepo) UpdateStatus(ctx context.Context, posting Posting, next Status) (Posting, error) {
	if err := ctx.Err(); err != nil {
		return Posting{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updateStatusLocked(posting, next)
}

// SaveAnalysis stores the result and moves the posting to next atomically.
func (r *MemoryRepo) SaveAnalysis(ctx context.Context, posting Posting, next Status, result AnalysisResult) (Posting, error) {
	if err := ctx.Err(); err != nil {
		return Posting{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	updated, err := r.updateStatusLocked(posting, next)
	if err != nil {
		return Posting{}, err
	}
	result.PostingID = posting.ID
	r.putAnalysisLocked(result)
	return updated, nil
}

// UpsertAnalysis stores the result without touching the posting status.
func (r *MemoryRepo) UpsertAnalysis(ctx context.Context, result AnalysisResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[result.PostingID]; !ok {
		return ErrNotFound
	}
	r.putAnalysisLocked(result)
	return nil
}

// GetAnalysis returns the analysis result for a posting.
func (r *MemoryRepo) GetAnalysis(ctx context.Context, postingID string) (AnalysisResult, error) {
	if err := ctx.Err(); err != nil {
		return AnalysisResult{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.analyses[postingID]
	if !ok {
		return AnalysisResult{}, ErrNotFound
	}
	return cloneAnalysis(a), nil
}

// UpdateArtifact records the artifact status, attempt count and optional key.
func (r *MemoryRepo) UpdateArtifact(ctx context.Context, postingID string, status ArtifactStatus, attempts int, artifactKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.analyses[postingID]
	if !ok {
		return ErrNotFound
	}
	a.ArtifactStatus = status
	a.ArtifactAttempts = attempts
	if artifactKey != "" {
		a.ArtifactKey = artifactKey
	}
	a.UpdatedAt = r.now()
	r.analyses[postingID] = a
	return nil
}

// SaveTags replaces matched tags and stamps enrichedAt.
func (r *MemoryRepo) SaveTags(ctx context.Context, postingID string, tags []string, enrichedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byID[postingID]
	if !ok {
		return ErrNotFound
	}
	if a, ok := r.analyses[postingID]; ok {
		a.MatchedTags = append([]string(nil), tags...)
		a.UpdatedAt = r.now()
		r.analyses[postingID] = a
	}
	stamp := enrichedAt
	p.EnrichedAt = &stamp
	p.UpdatedAt = r.now()
	r.byID[postingID] = p
	return nil
}

// Delete removes the posting and its analysis result.
func (r *MemoryRepo) Delete(ctx context.Context, postingID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[postingID]; !ok {
		return ErrNotFound
	}
	delete(r.byID, postingID)
	delete(r.analyses, postingID)
	return nil
}

func (r *MemoryRepo) updateStatusLocked(posting Posting, next Status) (Posting, error) {
	current, ok := r.byID[posting.ID]
	if !ok {
		return Posting{}, ErrNotFound
	}
	if current.Version != posting.Version {
		return Posting{}, ErrConflict
	}
	if err := CheckTransition(posting.ID, current.Status, next); err != nil {
		return Posting{}, err
	}
	current.Status = next
	current.Version++
	current.UpdatedAt = r.now()
	r.byID[posting.ID] = current
	return clonePosting(current), nil
}

func (r *MemoryRepo) putAnalysisLocked(result AnalysisResult) {
	now := r.now()
	if existing, ok := r.analyses[result.PostingID]; ok {
		result.CreatedAt = existing.CreatedAt
	} else if result.CreatedAt.IsZero() {
		result.CreatedAt = now
	}
	if result.ArtifactStatus == "" {
		result.ArtifactStatus = ArtifactNotAttempted
	}
	result.MatchedTags = append([]string(nil), result.MatchedTags...)
	result.UpdatedAt = now
	r.analyses[result.PostingID] = result
}

func clonePosting(p Posting) Posting {
	if p.EnrichedAt != nil {
		stamp := *p.EnrichedAt
		p.EnrichedAt = &stamp
	}
	return p
}

func cloneAnalysis(a AnalysisResult) AnalysisResult {
	a.MatchedTags = append([]string(nil), a.MatchedTags...)
	return a
}

func sortOldestFirst(items []Posting) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
}
