package postings

import (
	"context"
	"database/sql/driver"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
)

func newMockRepo(t *testing.T) (*PGRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return &PGRepo{DB: db}, mock
}

func TestPGRepoCreate(t *testing.T) {
	repo, mock := newMockRepo(t)
	p := Posting{ID: "p-1", Title: "Go developer", Company: "Acme", Description: "desc", URL: "https://example.test/p-1"}

	mock.ExpectExec("INSERT INTO postings").
		WithArgs("p-1", "Go developer", "Acme", "desc", "https://example.test/p-1", "NEW", int64(0), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := repo.Create(context.Background(), p); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestPGRepoCreateDuplicate(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec("INSERT INTO postings").
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err := repo.Create(context.Background(), Posting{ID: "p-1"})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestPGRepoUpdateStatus(t *testing.T) {
	repo, mock := newMockRepo(t)
	p := Posting{ID: "p-1", Status: StatusNew, Version: 3}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE postings").
		WithArgs("QUEUED", sqlmock.AnyArg(), "p-1", int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	got, err := repo.UpdateStatus(context.Background(), p, StatusQueued)
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if got.Status != StatusQueued || got.Version != 4 {
		t.Fatalf("unexpected posting: %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestPGRepoUpdateStatusConflict(t *testing.T) {
	repo, mock := newMockRepo(t)
	p := Posting{ID: "p-1", Status: StatusNew, Version: 3}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE postings").
		WithArgs("QUEUED", sqlmock.AnyArg(), "p-1", int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT 1 FROM postings").
		WithArgs("p-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(1))
	mock.ExpectRollback()

	_, err := repo.UpdateStatus(context.Background(), p, StatusQueued)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestPGRepoUpdateStatusMissing(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE postings").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT 1 FROM postings").
		WithArgs("p-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}))
	mock.ExpectRollback()

	_, err := repo.UpdateStatus(context.Background(), Posting{ID: "p-1", Status: StatusNew}, StatusQueued)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPGRepoUpdateStatusIllegalSkipsDatabase(t *testing.T) {
	repo, mock := newMockRepo(t)

	_, err := repo.UpdateStatus(context.Background(), Posting{ID: "p-1", Status: StatusNew}, StatusRejected)
	var illegal *IllegalTransitionError
	if !errors.As(err, &illegal) {
		t.Fatalf("expected IllegalTransitionError, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("no statements expected: %v", err)
	}
}

func TestPGRepoSaveAnalysis(t *testing.T) {
	repo, mock := newMockRepo(t)
	p := Posting{ID: "p-1", Status: StatusQueued, Version: 1}
	result := AnalysisResult{IsAccepted: true, Score: 0.9, Reasoning: "fits", MatchedTags: []string{"go"}}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE postings").
		WithArgs("ANALYZED", sqlmock.AnyArg(), "p-1", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO analysis_results").
		WithArgs("p-1", true, 0.9, "fits", []byte(`["go"]`), "NOT_ATTEMPTED", 0, "").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if _, err := repo.SaveAnalysis(context.Background(), p, StatusAnalyzed, result); err != nil {
		t.Fatalf("SaveAnalysis: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

var (
	postingCols = []string{"id", "title", "company", "description", "url", "status", "version", "enriched_at",
		"created_at", "updated_at"}
	analysisCols = []string{"posting_id", "is_accepted", "score", "reasoning", "matched_tags", "artifact_status",
		"artifact_attempts", "artifact_key", "created_at", "updated_at"}
)

func TestPGRepoGetAnalysis(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now().UTC()
	cols := analysisCols

	mock.ExpectQuery("SELECT (.+) FROM analysis_results WHERE posting_id").
		WithArgs("p-1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("p-1", true, 0.75, "fits", []byte(`["go","kafka"]`), "RETRY_QUEUED", int64(2), nil, now, now))

	got, err := repo.GetAnalysis(context.Background(), "p-1")
	if err != nil {
		t.Fatalf("GetAnalysis: %v", err)
	}
	if got.ArtifactStatus != ArtifactRetryQueued || got.ArtifactAttempts != 2 {
		t.Fatalf("unexpected artifact fields: %+v", got)
	}
	if len(got.MatchedTags) != 2 || got.MatchedTags[1] != "kafka" {
		t.Fatalf("unexpected tags: %v", got.MatchedTags)
	}
}

func TestPGRepoDeleteMissing(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec("DELETE FROM postings").
		WithArgs("p-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := repo.Delete(context.Background(), "p-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPGRepoGetByID(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now().UTC()
	enriched := now.Add(-time.Hour)

	mock.ExpectQuery("SELECT (.+) FROM postings WHERE id = \\$1").
		WithArgs("p-1").
		WillReturnRows(sqlmock.NewRows(postingCols).
			AddRow("p-1", "Go developer", "Acme", "desc", "https://example.test/p-1", "ANALYZED", int64(4), enriched, now, now))

	got, err := repo.GetByID(context.Background(), "p-1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != StatusAnalyzed || got.Version != 4 {
		t.Fatalf("unexpected posting: %+v", got)
	}
	if got.EnrichedAt == nil || !got.EnrichedAt.Equal(enriched) {
		t.Fatalf("expected enrichedAt %v, got %v", enriched, got.EnrichedAt)
	}
}

func TestPGRepoGetByIDMissing(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery("SELECT (.+) FROM postings").
		WithArgs("p-1").
		WillReturnRows(sqlmock.NewRows(postingCols))

	if _, err := repo.GetByID(context.Background(), "p-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPGRepoListByStatus(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT (.+) FROM postings WHERE status = \\$1 ORDER BY created_at ASC").
		WithArgs("SKIPPED").
		WillReturnRows(sqlmock.NewRows(postingCols).
			AddRow("p-1", "a", "", "", "", "SKIPPED", int64(2), nil, now.Add(-time.Hour), now).
			AddRow("p-2", "b", "", "", "", "SKIPPED", int64(1), nil, now, now))

	got, err := repo.ListByStatus(context.Background(), StatusSkipped)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(got) != 2 || got[0].ID != "p-1" || got[1].ID != "p-2" {
		t.Fatalf("unexpected postings: %+v", got)
	}
	if got[0].EnrichedAt != nil {
		t.Fatalf("NULL enriched_at should stay nil")
	}
}

func TestPGRepoListByStatusRejectsUnknownStatus(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now().UTC()
	mock.ExpectQuery("SELECT (.+) FROM postings").
		WillReturnRows(sqlmock.NewRows(postingCols).
			AddRow("p-1", "a", "", "", "", "BOGUS", int64(0), nil, now, now))

	if _, err := repo.ListByStatus(context.Background(), StatusNew); err == nil {
		t.Fatalf("expected error for unknown status")
	}
}

func TestPGRepoListAcceptedWithoutTags(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now().UTC()

	mock.ExpectQuery("JOIN analysis_results a (.+) WHERE a.is_accepted AND p.enriched_at IS NULL (.+) LIMIT \\$1").
		WithArgs(100).
		WillReturnRows(sqlmock.NewRows(postingCols).
			AddRow("p-1", "a", "", "", "", "SENT", int64(5), nil, now, now))

	got, err := repo.ListAcceptedWithoutTags(context.Background(), 0)
	if err != nil {
		t.Fatalf("ListAcceptedWithoutTags: %v", err)
	}
	if len(got) != 1 || got[0].Status != StatusSent {
		t.Fatalf("unexpected postings: %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestPGRepoListByArtifactStatusPlaceholders(t *testing.T) {
	now := time.Now().UTC()
	tests := []struct {
		name     string
		statuses []ArtifactStatus
		in       string
	}{
		{name: "one status", statuses: []ArtifactStatus{ArtifactRetryQueued}, in: "IN ($1)"},
		{name: "two statuses", statuses: []ArtifactStatus{ArtifactRetryQueued, ArtifactInProgress}, in: "IN ($1, $2)"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			repo, mock := newMockRepo(t)
			args := make([]driver.Value, len(tt.statuses))
			for i, s := range tt.statuses {
				args[i] = string(s)
			}
			mock.ExpectQuery("FROM analysis_results WHERE artifact_status " + regexp.QuoteMeta(tt.in)).
				WithArgs(args...).
				WillReturnRows(sqlmock.NewRows(analysisCols).
					AddRow("p-1", true, 0.8, "fits", []byte(`[]`), string(tt.statuses[0]), int64(1), "", now, now))

			got, err := repo.ListByArtifactStatus(context.Background(), tt.statuses...)
			if err != nil {
				t.Fatalf("ListByArtifactStatus: %v", err)
			}
			if len(got) != 1 || got[0].ArtifactStatus != tt.statuses[0] {
				t.Fatalf("unexpected results: %+v", got)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Fatalf("ExpectationsWereMet: %v", err)
			}
		})
	}
}

func TestPGRepoListByArtifactStatusEmptySkipsDatabase(t *testing.T) {
	repo, mock := newMockRepo(t)
	got, err := repo.ListByArtifactStatus(context.Background())
	if err != nil || len(got) != 0 {
		t.Fatalf("expected empty result, got %v, %v", got, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("no statements expected: %v", err)
	}
}

func TestPGRepoUpdateArtifactKeepsKeyWhenEmpty(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec(regexp.QuoteMeta("artifact_key = COALESCE(NULLIF($3, ''), artifact_key)")).
		WithArgs("RETRY_QUEUED", 2, "", "p-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.UpdateArtifact(context.Background(), "p-1", ArtifactRetryQueued, 2, ""); err != nil {
		t.Fatalf("UpdateArtifact: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestPGRepoUpdateArtifactMissing(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec("UPDATE analysis_results").
		WithArgs("SUCCESS", 1, "artifacts/p-1/a.txt", "p-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateArtifact(context.Background(), "p-1", ArtifactSuccess, 1, "artifacts/p-1/a.txt")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPGRepoSaveTagsSingleTransaction(t *testing.T) {
	repo, mock := newMockRepo(t)
	stamp := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE postings SET enriched_at").
		WithArgs(stamp, "p-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE analysis_results SET matched_tags").
		WithArgs([]byte(`["Go","Kafka"]`), "p-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := repo.SaveTags(context.Background(), "p-1", []string{"Go", "Kafka"}, stamp); err != nil {
		t.Fatalf("SaveTags: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestPGRepoSaveTagsMissingPostingRollsBack(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE postings SET enriched_at").
		WithArgs(sqlmock.AnyArg(), "p-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.SaveTags(context.Background(), "p-1", nil, time.Now())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestPGRepoUpsertAnalysisDefaultsArtifactStatus(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec("INSERT INTO analysis_results (.+) ON CONFLICT \\(posting_id\\) DO UPDATE").
		WithArgs("p-1", false, 0.2, "php", []byte(`[]`), "NOT_ATTEMPTED", 0, "").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := repo.UpsertAnalysis(context.Background(), AnalysisResult{PostingID: "p-1", Score: 0.2, Reasoning: "php"})
	if err != nil {
		t.Fatalf("UpsertAnalysis: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestPGRepoScanAnalysisRejectsBadTags(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now().UTC()
	mock.ExpectQuery("SELECT (.+) FROM analysis_results").
		WithArgs("p-1").
		WillReturnRows(sqlmock.NewRows(analysisCols).
			AddRow("p-1", true, 0.5, "", []byte(`{"not":"a list"}`), "SUCCESS", int64(1), "k", now, now))

	if _, err := repo.GetAnalysis(context.Background(), "p-1"); err == nil {
		t.Fatalf("expected decode error for non-array matched_tags")
	}
}
