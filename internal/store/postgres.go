package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/clipcoach/pkg/models"
)

// activeAnalysisIndex is the partial unique index allowing one pending or
// processing job per video. See migrations/000002.
const activeAnalysisIndex = "video_analyses_one_active_idx"

// usableReportSQL matches rows whose report has at least one non-empty list.
const usableReportSQL = `report IS NOT NULL AND (
	   (jsonb_typeof(report->'strengths') = 'array' AND report->'strengths' <> '[]'::jsonb)
	OR (jsonb_typeof(report->'issues') = 'array' AND report->'issues' <> '[]'::jsonb)
	OR (jsonb_typeof(report->'drills') = 'array' AND report->'drills' <> '[]'::jsonb))`

const analysisColumns = `id, video_id, status, version, model, params, report, error_message,
	started_at, completed_at, created_at, updated_at`

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()
	return scanAPIKeys(rows)
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE deleted_at IS NULL ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()
	return scanAPIKeys(rows)
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAPIKeys(rows pgx.Rows) ([]*models.APIKey, error) {
	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

// --- Videos ---

func (s *PostgresStore) GetVideo(ctx context.Context, id int64) (*models.Video, error) {
	var v models.Video
	err := s.pool.QueryRow(ctx,
		`SELECT id, storage_path, bucket, created_at FROM videos WHERE id = $1`, id,
	).Scan(&v.ID, &v.StoragePath, &v.Bucket, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get video: %w", err)
	}
	return &v, nil
}

// --- Analyses ---

func (s *PostgresStore) FindLatestUsableAnalysis(ctx context.Context, videoID int64, version int) (*models.Analysis, error) {
	a, err := scanAnalysis(s.pool.QueryRow(ctx,
		`SELECT `+analysisColumns+`
		 FROM video_analyses
		 WHERE video_id = $1 AND status = 'done' AND version = $2 AND `+usableReportSQL+`
		 ORDER BY created_at DESC LIMIT 1`, videoID, version))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find latest usable analysis: %w", err)
	}
	if !a.CacheableAt(version) {
		return nil, ErrNotFound
	}
	return a, nil
}

func (s *PostgresStore) FindActiveAnalysis(ctx context.Context, videoID int64) (*models.Analysis, error) {
	a, err := scanAnalysis(s.pool.QueryRow(ctx,
		`SELECT `+analysisColumns+`
		 FROM video_analyses
		 WHERE video_id = $1 AND status IN ('pending', 'processing')
		 ORDER BY created_at DESC LIMIT 1`, videoID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find active analysis: %w", err)
	}
	return a, nil
}

// CreatePendingAnalysis inserts a new pending job. ID and timestamps are
// filled in when zero. The partial unique index turns a lost admission race
// into ErrActiveAnalysis.
func (s *PostgresStore) CreatePendingAnalysis(ctx context.Context, a *models.Analysis) error {
	now := time.Now().UTC()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = a.CreatedAt
	}
	a.Status = models.AnalysisStatusPending
	a.Report = nil

	_, err := s.pool.Exec(ctx,
		`INSERT INTO video_analyses (id, video_id, status, version, model, params, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.VideoID, a.Status, a.Version, a.Model, a.Params, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch {
			case pgErr.Code == "23505" && pgErr.ConstraintName == activeAnalysisIndex:
				return ErrActiveAnalysis
			case pgErr.Code == "23505":
				return ErrDuplicateKey
			case pgErr.Code == "23503": // foreign_key_violation: unknown video
				return ErrNotFound
			}
		}
		return fmt.Errorf("create pending analysis: %w", err)
	}
	return nil
}

// TransitionAnalysis moves a job to status in one conditional UPDATE, so two
// writers racing on the same job cannot both succeed.
func (s *PostgresStore) TransitionAnalysis(ctx context.Context, id uuid.UUID, status string, opts ...AnalysisUpdateOption) error {
	params := ApplyOptions(opts...)

	from := allowedFrom(status)
	if len(from) == 0 {
		return fmt.Errorf("%w: nothing moves to %q", ErrInvalidTransition, status)
	}
	if status == models.AnalysisStatusDone && !params.Report.Usable() {
		return fmt.Errorf("%w: done requires a usable report", ErrInvalidTransition)
	}

	now := time.Now().UTC()
	query := `UPDATE video_analyses SET status = $2, updated_at = $3`
	args := []any{id, status, now}
	argIdx := 4

	if status == models.AnalysisStatusProcessing {
		query += fmt.Sprintf(", started_at = $%d", argIdx)
		args = append(args, now)
		argIdx++
	}
	if status == models.AnalysisStatusDone || status == models.AnalysisStatusFailed {
		query += fmt.Sprintf(", completed_at = $%d", argIdx)
		args = append(args, now)
		argIdx++
	}
	if status == models.AnalysisStatusDone {
		query += fmt.Sprintf(", report = $%d", argIdx)
		args = append(args, params.Report)
		argIdx++
	}
	if status == models.AnalysisStatusFailed {
		query += ", report = NULL"
	}
	if params.Params != nil {
		query += fmt.Sprintf(", params = $%d", argIdx)
		args = append(args, *params.Params)
		argIdx++
	}
	if params.ErrorMessage != nil {
		query += fmt.Sprintf(", error_message = $%d", argIdx)
		args = append(args, *params.ErrorMessage)
		argIdx++
	}
	if params.Version != nil {
		query += fmt.Sprintf(", version = $%d", argIdx)
		args = append(args, *params.Version)
		argIdx++
	}
	if params.Model != nil {
		query += fmt.Sprintf(", model = $%d", argIdx)
		args = append(args, *params.Model)
		argIdx++
	}

	query += fmt.Sprintf(" WHERE id = $1 AND status = ANY($%d)", argIdx)
	args = append(args, from)

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("transition analysis: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current string
	err = s.pool.QueryRow(ctx, `SELECT status FROM video_analyses WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get analysis status: %w", err)
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
}

func (s *PostgresStore) GetAnalysis(ctx context.Context, id uuid.UUID) (*models.Analysis, error) {
	a, err := scanAnalysis(s.pool.QueryRow(ctx,
		`SELECT `+analysisColumns+` FROM video_analyses WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get analysis: %w", err)
	}
	return a, nil
}

// ListAnalyses returns a video's jobs, newest first.
func (s *PostgresStore) ListAnalyses(ctx context.Context, videoID int64, limit int) ([]*models.Analysis, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+analysisColumns+`
		 FROM video_analyses WHERE video_id = $1
		 ORDER BY created_at DESC LIMIT $2`, videoID, limit)
	if err != nil {
		return nil, fmt.Errorf("list analyses: %w", err)
	}
	defer rows.Close()

	analyses := []*models.Analysis{}
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, fmt.Errorf("scan analysis: %w", err)
		}
		analyses = append(analyses, a)
	}
	return analyses, rows.Err()
}

// FailStaleAnalyses marks active jobs for videoID that have not been touched
// within olderThan as failed. It returns the number of jobs expired.
func (s *PostgresStore) FailStaleAnalyses(ctx context.Context, videoID int64, olderThan time.Duration) (int64, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE video_analyses
		 SET status = 'failed', report = NULL, completed_at = $2, updated_at = $2,
		     error_message = COALESCE(error_message, 'abandoned: no progress before stale deadline')
		 WHERE video_id = $1 AND status IN ('pending', 'processing') AND updated_at < $3`,
		videoID, now, now.Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("fail stale analyses: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanAnalysis(row pgx.Row) (*models.Analysis, error) {
	var a models.Analysis
	if err := row.Scan(&a.ID, &a.VideoID, &a.Status, &a.Version, &a.Model, &a.Params, &a.Report,
		&a.ErrorMessage, &a.StartedAt, &a.CompletedAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
