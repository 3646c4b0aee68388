package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/chartqueue/pkg/models"
)

const jobColumns = `id, user_id, source_ref, created_at, state, attempt, started_at, finished_at, result_marker, last_error`

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

// --- Jobs ---

func (s *PostgresStore) InsertJob(ctx context.Context, job *models.Job) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO analysis_jobs (`+jobColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO NOTHING`,
		job.ID, job.UserID, job.SourceRef, job.CreatedAt, string(job.State), job.Attempt,
		job.StartedAt, job.FinishedAt, job.ResultMarker, job.LastError)
	if err != nil {
		return false, unavailable("insert job", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM analysis_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get job", err)
	}
	return job, nil
}

func (s *PostgresStore) OldestJob(ctx context.Context, userID string, state models.JobState) (*models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM analysis_jobs
		 WHERE user_id = $1 AND state = $2
		 ORDER BY created_at ASC, id ASC LIMIT 1`, userID, string(state)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("oldest job", err)
	}
	return job, nil
}

func (s *PostgresStore) RecentFinishedJobs(ctx context.Context, userID string, state models.JobState, limit int) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM analysis_jobs
		 WHERE user_id = $1 AND state = $2
		   AND started_at IS NOT NULL AND finished_at IS NOT NULL
		   AND finished_at >= started_at
		 ORDER BY finished_at DESC, id ASC LIMIT $3`, userID, string(state), limit)
	if err != nil {
		return nil, unavailable("recent finished jobs", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, unavailable("scan job", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("recent finished jobs", err)
	}
	return jobs, nil
}

func (s *PostgresStore) CountJobs(ctx context.Context, filter JobFilter) (int, error) {
	conditions := []string{"TRUE"}
	var args []any
	argIdx := 1

	if filter.UserID != "" {
		conditions = append(conditions, fmt.Sprintf("user_id = $%d", argIdx))
		args = append(args, filter.UserID)
		argIdx++
	}
	if len(filter.States) > 0 {
		conditions = append(conditions, fmt.Sprintf("state = ANY($%d)", argIdx))
		args = append(args, stateStrings(filter.States))
		argIdx++
	}
	if filter.CreatedAtOrBefore != nil {
		conditions = append(conditions, fmt.Sprintf("created_at <= $%d", argIdx))
		args = append(args, *filter.CreatedAtOrBefore)
		argIdx++
	}

	var n int
	query := "SELECT COUNT(*) FROM analysis_jobs WHERE " + strings.Join(conditions, " AND ")
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, unavailable("count jobs", err)
	}
	return n, nil
}

func (s *PostgresStore) ClaimJob(ctx context.Context, id uuid.UUID, startedAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE analysis_jobs
		 SET state = 'processing', started_at = $2, last_error = NULL
		 WHERE id = $1 AND state = 'queued'
		   AND NOT EXISTS (
		     SELECT 1 FROM analysis_jobs p
		     WHERE p.user_id = analysis_jobs.user_id AND p.state = 'processing'
		   )`, id, startedAt)
	if err != nil {
		// A concurrent claim for the same user won the partial unique index.
		if isDuplicateKeyError(err) {
			return false, nil
		}
		return false, unavailable("claim job", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) TransitionJob(ctx context.Context, id uuid.UUID, from []models.JobState, to models.JobState, opts ...JobUpdateOption) (bool, error) {
	var params jobUpdateParams
	for _, opt := range opts {
		opt(&params)
	}

	query := `UPDATE analysis_jobs SET state = $2`
	args := []any{id, string(to)}
	argIdx := 3

	if params.Attempt != nil {
		query += fmt.Sprintf(", attempt = $%d", argIdx)
		args = append(args, *params.Attempt)
		argIdx++
	}
	if params.StartedAt != nil {
		query += fmt.Sprintf(", started_at = $%d", argIdx)
		args = append(args, *params.StartedAt)
		argIdx++
	}
	if params.ClearStartedAt {
		query += ", started_at = NULL"
	}
	if params.FinishedAt != nil {
		query += fmt.Sprintf(", finished_at = $%d", argIdx)
		args = append(args, *params.FinishedAt)
		argIdx++
	}
	if params.ResultMarker != nil {
		query += fmt.Sprintf(", result_marker = $%d", argIdx)
		args = append(args, *params.ResultMarker)
		argIdx++
	}
	if params.LastError != nil {
		query += fmt.Sprintf(", last_error = $%d", argIdx)
		args = append(args, *params.LastError)
		argIdx++
	}
	if params.ClearLastError {
		query += ", last_error = NULL"
	}

	query += " WHERE id = $1"
	if len(from) > 0 {
		query += fmt.Sprintf(" AND state = ANY($%d)", argIdx)
		args = append(args, stateStrings(from))
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		if isDuplicateKeyError(err) {
			return false, nil
		}
		return false, unavailable("transition job", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) DeleteDoneJobsExcept(ctx context.Context, userID string, keep int) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM analysis_jobs
		 WHERE user_id = $1 AND state = 'done'
		   AND id NOT IN (
		     SELECT id FROM analysis_jobs
		     WHERE user_id = $1 AND state = 'done'
		     ORDER BY finished_at DESC NULLS LAST, id ASC
		     LIMIT $2
		   )`, userID, keep)
	if err != nil {
		return 0, unavailable("delete done jobs", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) PendingUsers(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id FROM analysis_jobs
		 WHERE state = 'queued'
		 GROUP BY user_id
		 ORDER BY MIN(created_at) ASC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, unavailable("pending users", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, unavailable("scan pending user", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("pending users", err)
	}
	return users, nil
}

func (s *PostgresStore) StaleProcessingJobs(ctx context.Context, cutoff time.Time, limit int) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM analysis_jobs
		 WHERE state = 'processing' AND started_at < $1
		 ORDER BY started_at ASC, id ASC
		 LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, unavailable("stale processing jobs", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, unavailable("scan stale job", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("stale processing jobs", err)
	}
	return jobs, nil
}

// --- Analyses ---

func (s *PostgresStore) SaveAnalysis(ctx context.Context, a *models.UserAnalysis) error {
	payload := a.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_analyses (user_id, timeframe, analyzed_at, payload, summary)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_id, timeframe) DO UPDATE SET
		   analyzed_at = EXCLUDED.analyzed_at,
		   payload = EXCLUDED.payload,
		   summary = EXCLUDED.summary`,
		a.UserID, a.Timeframe, a.AnalyzedAt, string(payload), a.Summary)
	if err != nil {
		return unavailable("save analysis", err)
	}
	return nil
}

func (s *PostgresStore) ListAnalyses(ctx context.Context, userID string) ([]*models.UserAnalysis, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, timeframe, analyzed_at, payload, summary
		 FROM user_analyses WHERE user_id = $1 ORDER BY analyzed_at DESC`, userID)
	if err != nil {
		return nil, unavailable("list analyses", err)
	}
	defer rows.Close()

	var out []*models.UserAnalysis
	for rows.Next() {
		var a models.UserAnalysis
		var payload []byte
		if err := rows.Scan(&a.UserID, &a.Timeframe, &a.AnalyzedAt, &payload, &a.Summary); err != nil {
			return nil, unavailable("scan analysis", err)
		}
		a.Payload = json.RawMessage(payload)
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list analyses", err)
	}
	return out, nil
}

func (s *PostgresStore) DeleteAnalysis(ctx context.Context, userID, timeframe string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM user_analyses WHERE user_id = $1 AND timeframe = $2`, userID, timeframe)
	if err != nil {
		return unavailable("delete analysis", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MoveAnalysis(ctx context.Context, userID, from, to string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return unavailable("move analysis", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`INSERT INTO user_analyses (user_id, timeframe, analyzed_at, payload, summary)
		 SELECT user_id, $3, analyzed_at, payload, summary
		 FROM user_analyses WHERE user_id = $1 AND timeframe = $2
		 ON CONFLICT (user_id, timeframe) DO UPDATE SET
		   analyzed_at = EXCLUDED.analyzed_at,
		   payload = EXCLUDED.payload,
		   summary = EXCLUDED.summary`, userID, from, to)
	if err != nil {
		return unavailable("move analysis", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM user_analyses WHERE user_id = $1 AND timeframe = $2`, userID, from); err != nil {
		return unavailable("move analysis", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return unavailable("move analysis", err)
	}
	return nil
}

// --- Preferences ---

func (s *PostgresStore) SetTradeStyle(ctx context.Context, userID string, style models.TradeStyle) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_preferences (user_id, trade_style, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (user_id) DO UPDATE SET
		   trade_style = EXCLUDED.trade_style,
		   updated_at = EXCLUDED.updated_at`, userID, string(style))
	if err != nil {
		return unavailable("set trade style", err)
	}
	return nil
}

func (s *PostgresStore) TradeStyle(ctx context.Context, userID string) (models.TradeStyle, error) {
	var style string
	err := s.pool.QueryRow(ctx,
		`SELECT trade_style FROM user_preferences WHERE user_id = $1`, userID).Scan(&style)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", unavailable("get trade style", err)
	}
	return models.TradeStyle(style), nil
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	var state string
	if err := row.Scan(&j.ID, &j.UserID, &j.SourceRef, &j.CreatedAt, &state, &j.Attempt,
		&j.StartedAt, &j.FinishedAt, &j.ResultMarker, &j.LastError); err != nil {
		return nil, err
	}
	j.State = models.JobState(state)
	return &j, nil
}

func stateStrings(states []models.JobState) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

// unavailable tags a database failure so callers can match it with errors.Is(err, ErrUnavailable).
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

var _ Store = (*PostgresStore)(nil)
