//go:generate mockgen -package mocks -destination mocks/checkpoint.go . CheckpointStore

package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"gitlab.com/gitlab-org/database-backfill/backfill/datastore/metrics"
	"gitlab.com/gitlab-org/database-backfill/backfill/datastore/models"
)

// CheckpointStore persists the last completed window boundary of a descriptor over a given key range.
type CheckpointStore interface {
	// Find returns the checkpoint for the descriptor range, or nil if there is none.
	Find(ctx context.Context, name string, startID, endID int64) (*models.Checkpoint, error)
	// Save creates or replaces the checkpoint for the descriptor range.
	Save(ctx context.Context, cp *models.Checkpoint) error
	// Delete removes the checkpoint for the descriptor range. Deleting a missing checkpoint is not an error.
	Delete(ctx context.Context, name string, startID, endID int64) error
}

// NewCheckpointStore builds a CheckpointStore backed by the `batched_backfill_checkpoints` table.
func NewCheckpointStore(db Queryer) CheckpointStore {
	return &checkpointStore{db: db}
}

type checkpointStore struct {
	// db can be either a *sql.DB or *sql.Tx
	db Queryer
}

func (s *checkpointStore) Find(ctx context.Context, name string, startID, endID int64) (*models.Checkpoint, error) {
	defer metrics.InstrumentQuery("backfill_checkpoint_find")()

	q := `SELECT
			name,
			start_id,
			end_id,
			last_id,
			updated_at
		FROM
			batched_backfill_checkpoints
		WHERE
			name = $1
			AND start_id = $2
			AND end_id = $3`

	cp := new(models.Checkpoint)
	err := s.db.QueryRowContext(ctx, q, name, startID, endID).Scan(&cp.Name, &cp.StartID, &cp.EndID, &cp.LastID, &cp.UpdatedAt)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("finding backfill checkpoint: %w", err)
		}
		return nil, nil
	}

	return cp, nil
}

func (s *checkpointStore) Save(ctx context.Context, cp *models.Checkpoint) error {
	defer metrics.InstrumentQuery("backfill_checkpoint_save")()

	q := `INSERT INTO batched_backfill_checkpoints (name, start_id, end_id, last_id, updated_at)
			VALUES ($1, $2, $3, $4, CURRENT_TIMESTAMP)
		ON CONFLICT (name, start_id, end_id)
			DO UPDATE SET
				last_id = EXCLUDED.last_id, updated_at = EXCLUDED.updated_at`

	if _, err := s.db.ExecContext(ctx, q, cp.Name, cp.StartID, cp.EndID, cp.LastID); err != nil {
		return fmt.Errorf("saving backfill checkpoint: %w", err)
	}

	return nil
}

func (s *checkpointStore) Delete(ctx context.Context, name string, startID, endID int64) error {
	defer metrics.InstrumentQuery("backfill_checkpoint_delete")()

	q := `DELETE FROM batched_backfill_checkpoints
		WHERE name = $1
			AND start_id = $2
			AND end_id = $3`

	if _, err := s.db.ExecContext(ctx, q, name, startID, endID); err != nil {
		return fmt.Errorf("deleting backfill checkpoint: %w", err)
	}

	return nil
}
