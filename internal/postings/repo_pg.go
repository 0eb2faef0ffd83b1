package postings

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

// PGRepo implements Repo using Postgres.
type PGRepo struct {
	DB *sql.DB
}

const postingColumns = `id, title, company, description, url, status, version, enriched_at, created_at, updated_at`

const analysisColumns = `posting_id, is_accepted, score, reasoning, matched_tags, artifact_status, artifact_attempts,
       artifact_key, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// Create inserts a new posting.
func (r *PGRepo) Create(ctx context.Context, posting Posting) error {
	const query = `
INSERT INTO postings (id, title, company, description, url, status, version, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`
	if posting.Status == "" {
		posting.Status = StatusNew
	}
	if posting.CreatedAt.IsZero() {
		posting.CreatedAt = time.Now().UTC()
	}
	_, err := r.DB.ExecContext(ctx, query,
		posting.ID,
		posting.Title,
		posting.Company,
		posting.Description,
		posting.URL,
		string(posting.Status),
		posting.Version,
		posting.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

// GetByID returns a posting by ID.
func (r *PGRepo) GetByID(ctx context.Context, postingID string) (Posting, error) {
	query := `SELECT ` + postingColumns + ` FROM postings WHERE id = $1`
	p, err := scanPosting(r.DB.QueryRowContext(ctx, query, postingID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Posting{}, ErrNotFound
		}
		return Posting{}, err
	}
	return p, nil
}

// ListByStatus returns postings with the given status, oldest first.
func (r *PGRepo) ListByStatus(ctx context.Context, status Status) ([]Posting, error) {
	query := `SELECT ` + postingColumns + ` FROM postings WHERE status = $1 ORDER BY created_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, string(status))
	if err != nil {
		return nil, fmt.Errorf("list postings by status: %w", err)
	}
	defer rows.Close()
	return collectPostings(rows)
}

// ListAcceptedWithoutTags returns accepted postings without an enrichment stamp.
func (r *PGRepo) ListAcceptedWithoutTags(ctx context.Context, limit int) ([]Posting, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `
SELECT p.id, p.title, p.company, p.description, p.url, p.status, p.version, p.enriched_at, p.created_at, p.updated_at
FROM postings p
JOIN analysis_results a ON a.posting_id = p.id
WHERE a.is_accepted AND p.enriched_at IS NULL
ORDER BY p.created_at ASC, p.id ASC
LIMIT $1`
	rows, err := r.DB.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list accepted without tags: %w", err)
	}
	defer rows.Close()
	return collectPostings(rows)
}

// ListByArtifactStatus returns analysis results whose artifact status is one of statuses.
func (r *PGRepo) ListByArtifactStatus(ctx context.Context, statuses ...ArtifactStatus) ([]AnalysisResult, error) {
	if len(statuses) == 0 {
		return []AnalysisResult{}, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, s := range statuses {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = string(s)
	}
	query := `SELECT ` + analysisColumns + ` FROM analysis_results WHERE artifact_status IN (` +
		strings.Join(placeholders, ", ") + `) ORDER BY created_at ASC, posting_id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list by artifact status: %w", err)
	}
	defer rows.Close()

	out := make([]AnalysisResult, 0)
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateStatus moves the posting to next if its version still matches.
func (r *PGRepo) UpdateStatus(ctx context.Context, posting Posting, next Status) (Posting, error) {
	if err := CheckTransition(posting.ID, posting.Status, next); err != nil {
		return Posting{}, err
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return Posting{}, err
	}
	defer tx.Rollback()

	updated, err := updateStatusTx(ctx, tx, posting, next)
	if err != nil {
		return Posting{}, err
	}
	if err := tx.Commit(); err != nil {
		return Posting{}, err
	}
	return updated, nil
}

// SaveAnalysis stores the result and moves the posting to next in one transaction.
func (r *PGRepo) SaveAnalysis(ctx context.Context, posting Posting, next Status, result AnalysisResult) (Posting, error) {
	if err := CheckTransition(posting.ID, posting.Status, next); err != nil {
		return Posting{}, err
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return Posting{}, err
	}
	defer tx.Rollback()

	updated, err := updateStatusTx(ctx, tx, posting, next)
	if err != nil {
		return Posting{}, err
	}
	result.PostingID = posting.ID
	if err := upsertAnalysisTx(ctx, tx, result); err != nil {
		return Posting{}, err
	}
	if err := tx.Commit(); err != nil {
		return Posting{}, err
	}
	return updated, nil
}

// UpsertAnalysis stores the result without touching the posting status.
func (r *PGRepo) UpsertAnalysis(ctx context.Context, result AnalysisResult) error {
	return upsertAnalysisTx(ctx, r.DB, result)
}

// GetAnalysis returns the analysis result for a posting.
func (r *PGRepo) GetAnalysis(ctx context.Context, postingID string) (AnalysisResult, error) {
	query := `SELECT ` + analysisColumns + ` FROM analysis_results WHERE posting_id = $1`
	a, err := scanAnalysis(r.DB.QueryRowContext(ctx, query, postingID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AnalysisResult{}, ErrNotFound
		}
		return AnalysisResult{}, err
	}
	return a, nil
}

// UpdateArtifact records the artifact status, attempt count and optional key.
func (r *PGRepo) UpdateArtifact(ctx context.Context, postingID string, status ArtifactStatus, attempts int, artifactKey string) error {
	const query = `
UPDATE analysis_results
SET artifact_status = $1,
    artifact_attempts = $2,
    artifact_key = COALESCE(NULLIF($3, ''), artifact_key),
    updated_at = now()
WHERE posting_id = $4`
	res, err := r.DB.ExecContext(ctx, query, string(status), attempts, artifactKey, postingID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveTags replaces matched tags and stamps enrichedAt in one transaction.
func (r *PGRepo) SaveTags(ctx context.Context, postingID string, tags []string, enrichedAt time.Time) error {
	payload, err := marshalTags(tags)
	if err != nil {
		return err
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE postings SET enriched_at = $1, updated_at = now() WHERE id = $2`, enrichedAt, postingID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `UPDATE analysis_results SET matched_tags = $1, updated_at = now() WHERE posting_id = $2`, payload, postingID); err != nil {
		return err
	}
	return tx.Commit()
}

// Delete removes the posting; analysis_results rows cascade.
func (r *PGRepo) Delete(ctx context.Context, postingID string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM postings WHERE id = $1`, postingID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func updateStatusTx(ctx context.Context, tx execQuerier, posting Posting, next Status) (Posting, error) {
	const query = `
UPDATE postings
SET status = $1, version = version + 1, updated_at = $2
WHERE id = $3 AND version = $4`
	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, query, string(next), now, posting.ID, posting.Version)
	if err != nil {
		return Posting{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM postings WHERE id = $1`, posting.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return Posting{}, ErrNotFound
		}
		if err != nil {
			return Posting{}, err
		}
		return Posting{}, ErrConflict
	}
	posting.Status = next
	posting.Version++
	posting.UpdatedAt = now
	return posting, nil
}

func upsertAnalysisTx(ctx context.Context, tx execQuerier, result AnalysisResult) error {
	const query = `
INSERT INTO analysis_results (
	posting_id, is_accepted, score, reasoning, matched_tags, artifact_status, artifact_attempts, artifact_key,
	created_at, updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
ON CONFLICT (posting_id) DO UPDATE
SET is_accepted = EXCLUDED.is_accepted,
    score = EXCLUDED.score,
    reasoning = EXCLUDED.reasoning,
    matched_tags = EXCLUDED.matched_tags,
    artifact_status = EXCLUDED.artifact_status,
    artifact_attempts = EXCLUDED.artifact_attempts,
    artifact_key = EXCLUDED.artifact_key,
    updated_at = now()`
	if result.ArtifactStatus == "" {
		result.ArtifactStatus = ArtifactNotAttempted
	}
	payload, err := marshalTags(result.MatchedTags)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, query,
		result.PostingID,
		result.IsAccepted,
		result.Score,
		result.Reasoning,
		payload,
		string(result.ArtifactStatus),
		result.ArtifactAttempts,
		result.ArtifactKey,
	)
	return err
}

func scanPosting(row rowScanner) (Posting, error) {
	var p Posting
	var status string
	var enrichedAt sql.NullTime
	if err := row.Scan(
		&p.ID,
		&p.Title,
		&p.Company,
		&p.Description,
		&p.URL,
		&status,
		&p.Version,
		&enrichedAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		return Posting{}, err
	}
	parsed, err := ParseStatus(status)
	if err != nil {
		return Posting{}, err
	}
	p.Status = parsed
	if enrichedAt.Valid {
		stamp := enrichedAt.Time
		p.EnrichedAt = &stamp
	}
	return p, nil
}

func collectPostings(rows *sql.Rows) ([]Posting, error) {
	out := make([]Posting, 0)
	for rows.Next() {
		p, err := scanPosting(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanAnalysis(row rowScanner) (AnalysisResult, error) {
	var a AnalysisResult
	var tags []byte
	var artifactStatus string
	var artifactKey sql.NullString
	if err := row.Scan(
		&a.PostingID,
		&a.IsAccepted,
		&a.Score,
		&a.Reasoning,
		&tags,
		&artifactStatus,
		&a.ArtifactAttempts,
		&artifactKey,
		&a.CreatedAt,
		&a.UpdatedAt,
	); err != nil {
		return AnalysisResult{}, err
	}
	parsed, err := ParseArtifactStatus(artifactStatus)
	if err != nil {
		return AnalysisResult{}, err
	}
	a.ArtifactStatus = parsed
	if artifactKey.Valid {
		a.ArtifactKey = artifactKey.String
	}
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &a.MatchedTags); err != nil {
			return AnalysisResult{}, fmt.Errorf("decode matched_tags: %w", err)
		}
	}
	return a, nil
}

func marshalTags(tags []string) ([]byte, error) {
	if tags == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(tags)
}
