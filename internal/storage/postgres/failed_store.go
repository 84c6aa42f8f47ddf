package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Milvasoft/milvaion-sub003/internal/interfaces"
	"github.com/Milvasoft/milvaion-sub003/internal/models"
)

// FailedStore persists dead-letter rows, one per source occurrence.
type FailedStore struct {
	pool *pgxpool.Pool
}

// NewFailedStore wraps the pool.
func NewFailedStore(pool *pgxpool.Pool) *FailedStore {
	return &FailedStore{pool: pool}
}

// CreateIfAbsent inserts the row unless one already exists for the same
// occurrence; the unique constraint on occurrence_id makes redeliveries
// idempotent.
func (s *FailedStore) CreateIfAbsent(ctx context.Context, failed *models.FailedOccurrence) (bool, error) {
	doc, err := json.Marshal(failed)
	if err != nil {
		return false, fmt.Errorf("marshal failed occurrence %s: %w", failed.ID, err)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO failed_occurrences (id, occurrence_id, resolved, failed_at, doc)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (occurrence_id) DO NOTHING`,
		failed.ID, failed.OccurrenceID, failed.Resolved, failed.FailedAt, doc)
	if err != nil {
		return false, fmt.Errorf("insert failed occurrence %s: %w", failed.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *FailedStore) GetByOccurrence(ctx context.Context, occurrenceID string) (*models.FailedOccurrence, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx,
		`SELECT doc FROM failed_occurrences WHERE occurrence_id = $1`, occurrenceID).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select failed occurrence for %s: %w", occurrenceID, err)
	}
	var failed models.FailedOccurrence
	if err := json.Unmarshal(doc, &failed); err != nil {
		return nil, fmt.Errorf("unmarshal failed occurrence: %w", err)
	}
	return &failed, nil
}

func (s *FailedStore) List(ctx context.Context, resolved *bool, limit int) ([]*models.FailedOccurrence, error) {
	query := `SELECT doc FROM failed_occurrences`
	args := []any{}
	if resolved != nil {
		query += ` WHERE resolved = $1`
		args = append(args, *resolved)
	}
	query += fmt.Sprintf(` ORDER BY failed_at DESC LIMIT $%d`, len(args)+1)
	args = append(args, positiveLimit(limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list failed occurrences: %w", err)
	}
	defer rows.Close()

	var out []*models.FailedOccurrence
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var failed models.FailedOccurrence
		if err := json.Unmarshal(doc, &failed); err != nil {
			return nil, fmt.Errorf("unmarshal failed occurrence: %w", err)
		}
		out = append(out, &failed)
	}
	return out, rows.Err()
}
