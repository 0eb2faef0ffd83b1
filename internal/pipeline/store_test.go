package pipeline

import (
	"context"
	"errors"
	"testing"

	"posting-pipeline/internal/postings"
)

// racingRepo simulates a concurrent writer: before each of the first `races`
// status writes it bumps the stored version with a no-op write.
type racingRepo struct {
	*postings.MemoryRepo
	races int
}

func (r *racingRepo) race(ctx context.Context, id string) {
	if r.races == 0 {
		return
	}
	r.races--
	current, _ := r.MemoryRepo.GetByID(ctx, id)
	_, _ = r.MemoryRepo.UpdateStatus(ctx, current, current.Status)
}

func (r *racingRepo) UpdateStatus(ctx context.Context, p postings.Posting, next postings.Status) (postings.Posting, error) {
	r.race(ctx, p.ID)
	return r.MemoryRepo.UpdateStatus(ctx, p, next)
}

func (r *racingRepo) SaveAnalysis(ctx context.Context, p postings.Posting, next postings.Status, a postings.AnalysisResult) (postings.Posting, error) {
	r.race(ctx, p.ID)
	return r.MemoryRepo.SaveAnalysis(ctx, p, next, a)
}

func seed(t *testing.T, status postings.Status) (*racingRepo, postings.Posting) {
	t.Helper()
	repo := &racingRepo{MemoryRepo: postings.NewMemoryRepo()}
	ctx := context.Background()
	if err := repo.Create(ctx, postings.Posting{ID: "p", Status: status}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	p, _ := repo.GetByID(ctx, "p")
	return repo, p
}

func TestTransitionRetriesOnceAfterConflict(t *testing.T) {
	repo, p := seed(t, postings.StatusQueued)
	repo.races = 1

	updated, ok, err := transition(context.Background(), repo, p, postings.StatusSkipped)
	if err != nil || !ok {
		t.Fatalf("transition = %v, %v", ok, err)
	}
	if updated.Status != postings.StatusSkipped {
		t.Fatalf("expected SKIPPED, got %s", updated.Status)
	}
}

func TestTransitionGivesUpAfterSecondConflict(t *testing.T) {
	repo, p := seed(t, postings.StatusQueued)
	repo.races = 2

	_, ok, err := transition(context.Background(), repo, p, postings.StatusSkipped)
	if err != nil || ok {
		t.Fatalf("expected dropped write, got ok=%v err=%v", ok, err)
	}
	current, _ := repo.GetByID(context.Background(), "p")
	if current.Status != postings.StatusQueued {
		t.Fatalf("status must be unchanged, got %s", current.Status)
	}
}

func TestTransitionDropsWhenReloadedStatusMovedOn(t *testing.T) {
	repo, p := seed(t, postings.StatusQueued)
	ctx := context.Background()
	if _, err := repo.MemoryRepo.UpdateStatus(ctx, p, postings.StatusRejected); err != nil {
		t.Fatalf("setup: %v", err)
	}

	_, ok, err := transition(ctx, repo, p, postings.StatusSkipped)
	if err != nil || ok {
		t.Fatalf("expected already-handled drop, got ok=%v err=%v", ok, err)
	}
}

func TestTransitionSurfacesIllegalMove(t *testing.T) {
	repo, p := seed(t, postings.StatusRejected)

	_, ok, err := transition(context.Background(), repo, p, postings.StatusAnalyzed)
	var illegal *postings.IllegalTransitionError
	if ok || !errors.As(err, &illegal) {
		t.Fatalf("expected IllegalTransitionError, got ok=%v err=%v", ok, err)
	}
	if categorize(err) != CategoryProgramming {
		t.Fatalf("illegal transition must be a programming error")
	}
}

func TestSaveAnalysisKeepsResultAfterDoubleConflict(t *testing.T) {
	repo, p := seed(t, postings.StatusQueued)
	repo.races = 2
	ctx := context.Background()

	result := postings.AnalysisResult{PostingID: "p", IsAccepted: true, Score: 0.9, ArtifactStatus: postings.ArtifactNotAttempted}
	_, ok, err := saveAnalysis(ctx, repo, p, postings.StatusAnalyzed, result)
	if err != nil || ok {
		t.Fatalf("expected dropped status write, got ok=%v err=%v", ok, err)
	}
	a, err := repo.GetAnalysis(ctx, "p")
	if err != nil || a.Score != 0.9 {
		t.Fatalf("analysis result must survive, got %+v, %v", a, err)
	}
	current, _ := repo.GetByID(ctx, "p")
	if current.Status != postings.StatusQueued {
		t.Fatalf("status must be unchanged, got %s", current.Status)
	}
}
