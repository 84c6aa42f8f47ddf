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

// JobStore persists job definitions as JSONB documents with denormalized
// filter columns.
type JobStore struct {
	pool *pgxpool.Pool
}

// NewJobStore wraps the pool.
func NewJobStore(pool *pgxpool.Pool) *JobStore {
	return &JobStore{pool: pool}
}

func (s *JobStore) Create(ctx context.Context, job *models.ScheduledJob) error {
	doc, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO scheduled_jobs (id, is_active, execute_at, worker_id, updated_at, doc)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		job.ID, job.IsActive, job.ExecuteAt, job.WorkerID, job.UpdatedAt, doc)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	return nil
}

func (s *JobStore) Get(ctx context.Context, id string) (*models.ScheduledJob, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM scheduled_jobs WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select job %s: %w", id, err)
	}
	return models.ScheduledJobFromJSON(doc)
}

func (s *JobStore) GetBatch(ctx context.Context, ids []string) ([]*models.ScheduledJob, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT doc FROM scheduled_jobs WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("select job batch: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (s *JobStore) Update(ctx context.Context, job *models.ScheduledJob) error {
	doc, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_jobs
		SET is_active = $2, execute_at = $3, worker_id = $4, updated_at = $5, doc = $6
		WHERE id = $1`,
		job.ID, job.IsActive, job.ExecuteAt, job.WorkerID, job.UpdatedAt, doc)
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return interfaces.ErrNotFound
	}
	return nil
}

func (s *JobStore) UpdateExecuteAt(ctx context.Context, id string, executeAt time.Time) error {
	executeAt = executeAt.UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_jobs
		SET execute_at = $2,
		    updated_at = NOW(),
		    doc = jsonb_set(doc, '{executeAt}', to_jsonb($2::timestamptz))
		WHERE id = $1`,
		id, executeAt)
	if err != nil {
		return fmt.Errorf("update executeAt for job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return interfaces.ErrNotFound
	}
	return nil
}

func (s *JobStore) SetActive(ctx context.Context, id string, active bool, reason string) error {
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	job.IsActive = active
	job.UpdatedAt = now
	if active {
		job.AutoDisable.DisabledAt = nil
		job.AutoDisable.DisableReason = ""
		job.AutoDisable.ConsecutiveFailureCount = 0
	} else {
		job.AutoDisable.DisabledAt = &now
		job.AutoDisable.DisableReason = reason
	}
	return s.Update(ctx, job)
}

func (s *JobStore) UpdateAutoDisable(ctx context.Context, id string, settings models.AutoDisableSettings) error {
	doc, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshal auto-disable settings: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_jobs
		SET updated_at = NOW(),
		    doc = jsonb_set(doc, '{autoDisableSettings}', $2::jsonb)
		WHERE id = $1`,
		id, doc)
	if err != nil {
		return fmt.Errorf("update auto-disable for job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return interfaces.ErrNotFound
	}
	return nil
}

func (s *JobStore) List(ctx context.Context, activeOnly bool, limit int) ([]*models.ScheduledJob, error) {
	query := `SELECT doc FROM scheduled_jobs`
	if activeOnly {
		query += ` WHERE is_active`
	}
	query += ` ORDER BY execute_at`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

func scanJobs(rows pgx.Rows) ([]*models.ScheduledJob, error) {
	var out []*models.ScheduledJob
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		job, err := models.ScheduledJobFromJSON(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}
