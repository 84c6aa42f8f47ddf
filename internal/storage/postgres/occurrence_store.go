package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Milvasoft/milvaion-sub003/internal/interfaces"
	"github.com/Milvasoft/milvaion-sub003/internal/models"
)

// OccurrenceStore persists execution attempts. UpdateBatch runs inside one
// transaction so a tracker batch commits atomically.
type OccurrenceStore struct {
	pool *pgxpool.Pool
}

// NewOccurrenceStore wraps the pool.
func NewOccurrenceStore(pool *pgxpool.Pool) *OccurrenceStore {
	return &OccurrenceStore{pool: pool}
}

const occurrenceUpdateSet = `
	SET status = $3, next_dispatch_retry_at = $4, last_heartbeat = $5, doc = $6`

func (s *OccurrenceStore) Create(ctx context.Context, occ *models.JobOccurrence) error {
	doc, err := json.Marshal(occ)
	if err != nil {
		return fmt.Errorf("marshal occurrence %s: %w", occ.ID, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO job_occurrences
			(id, correlation_id, job_id, status, created_at,
			 next_dispatch_retry_at, last_heartbeat, zombie_timeout_minutes, doc)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		occ.ID, occ.CorrelationID, occ.JobID, string(occ.Status), occ.CreatedAt,
		occ.NextDispatchRetryAt, occ.LastHeartbeat, occ.ZombieTimeoutMinutes, doc)
	if err != nil {
		return fmt.Errorf("insert occurrence %s: %w", occ.ID, err)
	}
	return nil
}

func (s *OccurrenceStore) Get(ctx context.Context, id string) (*models.JobOccurrence, error) {
	return s.getBy(ctx, `SELECT doc FROM job_occurrences WHERE id = $1`, id)
}

func (s *OccurrenceStore) GetByCorrelation(ctx context.Context, correlationID string) (*models.JobOccurrence, error) {
	return s.getBy(ctx, `SELECT doc FROM job_occurrences WHERE correlation_id = $1`, correlationID)
}

func (s *OccurrenceStore) getBy(ctx context.Context, query, arg string) (*models.JobOccurrence, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, query, arg).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select occurrence: %w", err)
	}
	return unmarshalOccurrence(doc)
}

func (s *OccurrenceStore) Update(ctx context.Context, occ *models.JobOccurrence) error {
	return s.UpdateBatch(ctx, []*models.JobOccurrence{occ})
}

// UpdateBatch writes every occurrence in one transaction: either the whole
// tracker batch commits or none of it does.
func (s *OccurrenceStore) UpdateBatch(ctx context.Context, occs []*models.JobOccurrence) error {
	if len(occs) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin occurrence batch: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, occ := range occs {
		doc, err := json.Marshal(occ)
		if err != nil {
			return fmt.Errorf("marshal occurrence %s: %w", occ.ID, err)
		}
		tag, err := tx.Exec(ctx, `
			UPDATE job_occurrences`+occurrenceUpdateSet+`
			WHERE id = $1 AND correlation_id = $2`,
			occ.ID, occ.CorrelationID, string(occ.Status),
			occ.NextDispatchRetryAt, occ.LastHeartbeat, doc)
		if err != nil {
			return fmt.Errorf("update occurrence %s: %w", occ.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("update occurrence %s: %w", occ.ID, interfaces.ErrNotFound)
		}
	}
	return tx.Commit(ctx)
}

// AppendLogs appends entries to the occurrence's log array without rewriting
// the document.
func (s *OccurrenceStore) AppendLogs(ctx context.Context, correlationID string, entries []models.OccurrenceLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	logs, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal log entries: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_occurrences
		SET doc = jsonb_set(doc, '{logs}', COALESCE(doc->'logs', '[]'::jsonb) || $2::jsonb)
		WHERE correlation_id = $1`,
		correlationID, logs)
	if err != nil {
		return fmt.Errorf("append logs for %s: %w", correlationID, err)
	}
	if tag.RowsAffected() == 0 {
		return interfaces.ErrNotFound
	}
	return nil
}

func (s *OccurrenceStore) UpdateHeartbeat(ctx context.Context, correlationID string, at time.Time) error {
	at = at.UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_occurrences
		SET last_heartbeat = $2,
		    doc = jsonb_set(doc, '{lastHeartbeat}', to_jsonb($2::timestamptz))
		WHERE correlation_id = $1`,
		correlationID, at)
	if err != nil {
		return fmt.Errorf("update heartbeat for %s: %w", correlationID, err)
	}
	if tag.RowsAffected() == 0 {
		return interfaces.ErrNotFound
	}
	return nil
}

func (s *OccurrenceStore) ListRetryDue(ctx context.Context, now time.Time, limit int) ([]*models.JobOccurrence, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT doc FROM job_occurrences
		WHERE status = 'Queued' AND next_dispatch_retry_at IS NOT NULL AND next_dispatch_retry_at <= $1
		ORDER BY next_dispatch_retry_at
		LIMIT $2`,
		now.UTC(), positiveLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list retry-due occurrences: %w", err)
	}
	defer rows.Close()
	return scanOccurrences(rows)
}

// ListZombies returns non-terminal occurrences whose liveness deadline has
// passed: last heartbeat (or creation) plus the per-occurrence timeout
// override, falling back to defaultTimeout.
func (s *OccurrenceStore) ListZombies(ctx context.Context, now time.Time, defaultTimeout time.Duration, limit int) ([]*models.JobOccurrence, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT doc FROM job_occurrences
		WHERE status IN ('Queued', 'Running', 'Unknown')
		  AND COALESCE(last_heartbeat, created_at)
		      + make_interval(secs => COALESCE(zombie_timeout_minutes * 60, $2)) <= $1
		ORDER BY created_at
		LIMIT $3`,
		now.UTC(), defaultTimeout.Seconds(), positiveLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list zombie occurrences: %w", err)
	}
	defer rows.Close()
	return scanOccurrences(rows)
}

func (s *OccurrenceStore) ListByStatus(ctx context.Context, status models.OccurrenceStatus, limit int) ([]*models.JobOccurrence, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT doc FROM job_occurrences
		WHERE status = $1
		ORDER BY created_at
		LIMIT $2`,
		string(status), positiveLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list occurrences by status: %w", err)
	}
	defer rows.Close()
	return scanOccurrences(rows)
}

func (s *OccurrenceStore) ListRunningByJob(ctx context.Context, jobID string) ([]*models.JobOccurrence, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT doc FROM job_occurrences
		WHERE job_id = $1 AND status IN ('Queued', 'Running')
		ORDER BY created_at`,
		jobID)
	if err != nil {
		return nil, fmt.Errorf("list running occurrences for job %s: %w", jobID, err)
	}
	defer rows.Close()
	return scanOccurrences(rows)
}

func scanOccurrences(rows pgx.Rows) ([]*models.JobOccurrence, error) {
	var out []*models.JobOccurrence
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		occ, err := unmarshalOccurrence(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, occ)
	}
	return out, rows.Err()
}

func unmarshalOccurrence(doc []byte) (*models.JobOccurrence, error) {
	var occ models.JobOccurrence
	if err := json.Unmarshal(doc, &occ); err != nil {
		return nil, fmt.Errorf("unmarshal occurrence: %w", err)
	}
	return &occ, nil
}

func positiveLimit(limit int) int {
	if limit <= 0 {
		return 500
	}
	return limit
}
