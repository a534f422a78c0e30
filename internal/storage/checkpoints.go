package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"

	"github.com/global-data-controller/wesflow/internal/orchestrator"
)

// PostgresCheckpointStore persists task checkpoints so interrupted cleanups
// survive a restart
type PostgresCheckpointStore struct {
	db *sqlx.DB
}

// NewPostgresCheckpointStore creates a checkpoint store backed by db
func NewPostgresCheckpointStore(db *sqlx.DB) *PostgresCheckpointStore {
	return &PostgresCheckpointStore{db: db}
}

type checkpointRow struct {
	TaskID         string         `db:"task_id"`
	CompletedSteps types.JSONText `db:"completed_steps"`
	Data           types.JSONText `db:"data"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

func (r *checkpointRow) checkpoint() (*orchestrator.Checkpoint, error) {
	cp := &orchestrator.Checkpoint{TaskID: r.TaskID, UpdatedAt: r.UpdatedAt}
	if err := r.CompletedSteps.Unmarshal(&cp.CompletedSteps); err != nil {
		return nil, fmt.Errorf("failed to decode completed steps of %s: %w", r.TaskID, err)
	}
	if err := r.Data.Unmarshal(&cp.Data); err != nil {
		return nil, fmt.Errorf("failed to decode data of %s: %w", r.TaskID, err)
	}
	return cp, nil
}

func (p *PostgresCheckpointStore) SaveCheckpoint(ctx context.Context, cp *orchestrator.Checkpoint) error {
	if cp == nil || cp.TaskID == "" {
		return fmt.Errorf("checkpoint task ID is required")
	}

	steps, err := json.Marshal(cp.CompletedSteps)
	if err != nil {
		return fmt.Errorf("failed to encode completed steps: %w", err)
	}
	if cp.CompletedSteps == nil {
		steps = []byte("[]")
	}
	data, err := json.Marshal(cp.Data)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint data: %w", err)
	}
	if cp.Data == nil {
		data = []byte("{}")
	}
	updatedAt := cp.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	query, args, err := sb.Insert("task_checkpoints").
		Columns("task_id", "completed_steps", "data", "updated_at").
		Values(cp.TaskID, types.JSONText(steps), types.JSONText(data), updatedAt).
		Suffix("ON CONFLICT (task_id) DO UPDATE SET completed_steps = EXCLUDED.completed_steps, data = EXCLUDED.data, updated_at = EXCLUDED.updated_at").
		ToSql()
	if err != nil {
		return err
	}
	if _, err := p.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to save checkpoint %s: %w", cp.TaskID, err)
	}
	return nil
}

func (p *PostgresCheckpointStore) LoadCheckpoint(ctx context.Context, taskID string) (*orchestrator.Checkpoint, error) {
	var row checkpointRow
	err := p.db.GetContext(ctx, &row,
		"SELECT task_id, completed_steps, data, updated_at FROM task_checkpoints WHERE task_id = $1", taskID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", taskID, orchestrator.ErrCheckpointNotFound)
		}
		return nil, fmt.Errorf("failed to load checkpoint %s: %w", taskID, err)
	}
	return row.checkpoint()
}

func (p *PostgresCheckpointStore) DeleteCheckpoint(ctx context.Context, taskID string) error {
	if _, err := p.db.ExecContext(ctx, "DELETE FROM task_checkpoints WHERE task_id = $1", taskID); err != nil {
		return fmt.Errorf("failed to delete checkpoint %s: %w", taskID, err)
	}
	return nil
}

func (p *PostgresCheckpointStore) ListCheckpoints(ctx context.Context, prefix string) ([]*orchestrator.Checkpoint, error) {
	query, args, err := sb.Select("task_id", "completed_steps", "data", "updated_at").
		From("task_checkpoints").
		Where(sq.Like{"task_id": escapeLike(prefix) + "%"}).
		OrderBy("task_id").
		ToSql()
	if err != nil {
		return nil, err
	}

	var rows []checkpointRow
	if err := p.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	results := make([]*orchestrator.Checkpoint, 0, len(rows))
	for i := range rows {
		cp, err := rows[i].checkpoint()
		if err != nil {
			return nil, err
		}
		results = append(results, cp)
	}
	return results, nil
}

func escapeLike(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '%' || r == '_' || r == '\\' {
			out = append(out, '\\')
		}
		out = append(out, r)
	}
	return string(out)
}
