package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/global-data-controller/wesflow/internal/logging"
	"github.com/global-data-controller/wesflow/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

const uniqueViolation = "23505"

var sb = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// PostgresStore implements ExecutionStore on Postgres
type PostgresStore struct {
	db     *sqlx.DB
	logger logging.Logger
}

// Open connects to Postgres and applies pool settings
func Open(ctx context.Context, cfg DatabaseConfig) (*sqlx.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}

	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	return db, nil
}

// Migrate applies the embedded schema migrations
func Migrate(ctx context.Context, db *sql.DB) error {
	return MigrateCommand(ctx, db, "up")
}

// MigrateCommand runs a goose command such as up, down or status against the
// embedded schema migrations
func MigrateCommand(ctx context.Context, db *sql.DB, command string) error {
	goose.SetBaseFS(migrations)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.RunContext(ctx, command, db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migration command %q: %w", command, err)
	}
	return nil
}

// NewPostgresStore creates an execution store backed by db
func NewPostgresStore(db *sqlx.DB, logger logging.Logger) *PostgresStore {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &PostgresStore{db: db, logger: logger}
}

// Ping checks database connectivity
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying connection pool
func (s *PostgresStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

type executionRow struct {
	ID                       string         `db:"id"`
	Name                     string         `db:"name"`
	Submitter                string         `db:"submitter"`
	State                    string         `db:"state"`
	RunID                    string         `db:"run_id"`
	WorkflowURL              string         `db:"workflow_url"`
	WorkflowType             string         `db:"workflow_type"`
	WorkflowTypeVersion      string         `db:"workflow_type_version"`
	WorkflowEngine           string         `db:"workflow_engine"`
	WorkflowEngineVersion    string         `db:"workflow_engine_version"`
	WorkflowEngineParameters types.JSONText `db:"workflow_engine_parameters"`
	WorkflowParams           types.JSONText `db:"workflow_params"`
	Tags                     types.JSONText `db:"tags"`
	Metadata                 types.JSONText `db:"metadata"`
	SamplesheetColumns       types.JSONText `db:"samplesheet_columns"`
	BlobRunDirectory         string         `db:"blob_run_directory"`
	Cleaned                  bool           `db:"cleaned"`
	Version                  int64          `db:"version"`
	CreatedAt                time.Time      `db:"created_at"`
	UpdatedAt                time.Time      `db:"updated_at"`
}

var executionColumns = []string{
	"id", "name", "submitter", "state", "run_id", "workflow_url", "workflow_type",
	"workflow_type_version", "workflow_engine", "workflow_engine_version",
	"workflow_engine_parameters", "workflow_params", "tags", "metadata",
	"samplesheet_columns", "blob_run_directory", "cleaned", "version",
	"created_at", "updated_at",
}

type sampleRow struct {
	ID                string         `db:"id"`
	ExecutionID       string         `db:"execution_id"`
	SampleID          string         `db:"sample_id"`
	SamplesheetParams types.JSONText `db:"samplesheet_params"`
	Position          int            `db:"position"`
}

type inputRow struct {
	models.Input
	ExecutionID       sql.NullString `db:"execution_id"`
	SampleExecutionID sql.NullString `db:"sample_execution_id"`
	Position          int            `db:"position"`
}

func jsonText(v any, empty string) (types.JSONText, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(data) == "null" {
		return types.JSONText(empty), nil
	}
	return types.JSONText(data), nil
}

func (s *PostgresStore) mutableFields(exec *models.WorkflowExecution) (sq.Eq, error) {
	fields := sq.Eq{
		"name":                    exec.Name,
		"submitter":               exec.Submitter,
		"state":                   string(exec.State),
		"run_id":                  exec.RunID,
		"workflow_url":            exec.WorkflowURL,
		"workflow_type":           exec.WorkflowType,
		"workflow_type_version":   exec.WorkflowTypeVersion,
		"workflow_engine":         exec.WorkflowEngine,
		"workflow_engine_version": exec.WorkflowEngineVersion,
		"blob_run_directory":      exec.BlobRunDirectory,
		"cleaned":                 exec.Cleaned,
	}

	jsonFields := []struct {
		column string
		value  any
		empty  string
	}{
		{"workflow_engine_parameters", exec.WorkflowEngineParameters, "{}"},
		{"workflow_params", exec.WorkflowParams, "{}"},
		{"tags", exec.Tags, "{}"},
		{"metadata", exec.Metadata, "{}"},
		{"samplesheet_columns", exec.SamplesheetColumns, "[]"},
	}
	for _, f := range jsonFields {
		text, err := jsonText(f.value, f.empty)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", f.column, err)
		}
		fields[f.column] = text
	}
	return fields, nil
}

func (s *PostgresStore) Create(ctx context.Context, exec *models.WorkflowExecution) error {
	fields, err := s.mutableFields(exec)
	if err != nil {
		return &StoreError{Op: "create", ExecutionID: exec.ID, Err: err}
	}

	now := time.Now().UTC()
	fields["id"] = exec.ID
	fields["version"] = int64(1)
	fields["created_at"] = now
	fields["updated_at"] = now

	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		query, args, err := sb.Insert("workflow_executions").SetMap(fields).ToSql()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
				return ErrAlreadyExists
			}
			return err
		}
		return s.insertChildren(ctx, tx, exec, now)
	})
	if err != nil {
		return &StoreError{Op: "create", ExecutionID: exec.ID, Err: err}
	}

	exec.Version = 1
	exec.CreatedAt = now
	exec.UpdatedAt = now
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, exec *models.WorkflowExecution) error {
	fields, err := s.mutableFields(exec)
	if err != nil {
		return &StoreError{Op: "update", ExecutionID: exec.ID, Err: err}
	}

	now := time.Now().UTC()
	fields["updated_at"] = now

	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		query, args, err := sb.Update("workflow_executions").
			SetMap(fields).
			Set("version", sq.Expr("version + 1")).
			Where(sq.Eq{"id": exec.ID, "version": exec.Version}).
			ToSql()
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			var exists bool
			if err := tx.GetContext(ctx, &exists, "SELECT EXISTS (SELECT 1 FROM workflow_executions WHERE id = $1)", exec.ID); err != nil {
				return err
			}
			if !exists {
				return ErrNotFound
			}
			return ErrStaleState
		}

		// children are replaced wholesale; sample inputs cascade with their sample
		if _, err := tx.ExecContext(ctx, "DELETE FROM execution_inputs WHERE execution_id = $1", exec.ID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM samples_workflow_executions WHERE execution_id = $1", exec.ID); err != nil {
			return err
		}
		return s.insertChildren(ctx, tx, exec, now)
	})
	if err != nil {
		return &StoreError{Op: "update", ExecutionID: exec.ID, Err: err}
	}

	exec.Version++
	exec.UpdatedAt = now
	return nil
}

func (s *PostgresStore) insertChildren(ctx context.Context, tx *sqlx.Tx, exec *models.WorkflowExecution, now time.Time) error {
	for i, sample := range exec.Samples {
		params, err := jsonText(sample.SamplesheetParams, "{}")
		if err != nil {
			return fmt.Errorf("failed to encode samplesheet params: %w", err)
		}
		query, args, err := sb.Insert("samples_workflow_executions").
			SetMap(sq.Eq{
				"id":                 sample.ID,
				"execution_id":       exec.ID,
				"sample_id":          sample.SampleID,
				"samplesheet_params": params,
				"position":           i,
			}).ToSql()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to insert sample %s: %w", sample.SampleID, err)
		}

		for j, input := range sample.Inputs {
			if err := insertInput(ctx, tx, input, "sample_execution_id", sample.ID, j, now); err != nil {
				return err
			}
		}
	}

	for i, input := range exec.Inputs {
		if err := insertInput(ctx, tx, input, "execution_id", exec.ID, i, now); err != nil {
			return err
		}
	}
	return nil
}

func insertInput(ctx context.Context, tx *sqlx.Tx, input models.Input, ownerColumn, ownerID string, position int, now time.Time) error {
	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	query, args, err := sb.Insert("execution_inputs").
		SetMap(sq.Eq{
			"id":         input.ID,
			ownerColumn:  ownerID,
			"kind":       string(input.Kind),
			"filename":   input.Filename,
			"blob_key":   input.BlobKey,
			"byte_size":  input.ByteSize,
			"position":   position,
			"created_at": createdAt,
		}).ToSql()
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert input %s: %w", input.Filename, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	query, args, err := sb.Select(executionColumns...).
		From("workflow_executions").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, &StoreError{Op: "get", ExecutionID: id, Err: err}
	}

	var row executionRow
	if err := s.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &StoreError{Op: "get", ExecutionID: id, Err: ErrNotFound}
		}
		return nil, &StoreError{Op: "get", ExecutionID: id, Err: err}
	}

	exec, err := s.hydrate(ctx, &row)
	if err != nil {
		return nil, &StoreError{Op: "get", ExecutionID: id, Err: err}
	}
	return exec, nil
}

func (s *PostgresStore) List(ctx context.Context, filter ExecutionFilter) ([]*models.WorkflowExecution, error) {
	builder := sb.Select(executionColumns...).
		From("workflow_executions").
		OrderBy("created_at ASC", "id ASC")

	if len(filter.States) > 0 {
		states := make([]string, len(filter.States))
		for i, st := range filter.States {
			states[i] = string(st)
		}
		builder = builder.Where(sq.Eq{"state": states})
	}
	if filter.Cleaned != nil {
		builder = builder.Where(sq.Eq{"cleaned": *filter.Cleaned})
	}
	if filter.HasRunDirectory != nil {
		if *filter.HasRunDirectory {
			builder = builder.Where(sq.NotEq{"blob_run_directory": ""})
		} else {
			builder = builder.Where(sq.Eq{"blob_run_directory": ""})
		}
	}
	if filter.Limit > 0 {
		builder = builder.Limit(uint64(filter.Limit))
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, &StoreError{Op: "list", Err: err}
	}

	var rows []executionRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, &StoreError{Op: "list", Err: err}
	}

	results := make([]*models.WorkflowExecution, 0, len(rows))
	for i := range rows {
		exec, err := s.hydrate(ctx, &rows[i])
		if err != nil {
			return nil, &StoreError{Op: "list", ExecutionID: rows[i].ID, Err: err}
		}
		results = append(results, exec)
	}
	return results, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	query, args, err := sb.Delete("workflow_executions").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return &StoreError{Op: "delete", ExecutionID: id, Err: err}
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return &StoreError{Op: "delete", ExecutionID: id, Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return &StoreError{Op: "delete", ExecutionID: id, Err: err}
	}
	if affected == 0 {
		return &StoreError{Op: "delete", ExecutionID: id, Err: ErrNotFound}
	}

	s.logger.Debug(ctx, "Execution deleted", zap.String("execution_id", id))
	return nil
}

func (s *PostgresStore) hydrate(ctx context.Context, row *executionRow) (*models.WorkflowExecution, error) {
	exec := &models.WorkflowExecution{
		ID:                    row.ID,
		Name:                  row.Name,
		Submitter:             row.Submitter,
		State:                 models.State(row.State),
		RunID:                 row.RunID,
		WorkflowURL:           row.WorkflowURL,
		WorkflowType:          row.WorkflowType,
		WorkflowTypeVersion:   row.WorkflowTypeVersion,
		WorkflowEngine:        row.WorkflowEngine,
		WorkflowEngineVersion: row.WorkflowEngineVersion,
		BlobRunDirectory:      row.BlobRunDirectory,
		Cleaned:               row.Cleaned,
		Version:               row.Version,
		CreatedAt:             row.CreatedAt,
		UpdatedAt:             row.UpdatedAt,
	}

	decode := []struct {
		text types.JSONText
		dest any
	}{
		{row.WorkflowEngineParameters, &exec.WorkflowEngineParameters},
		{row.WorkflowParams, &exec.WorkflowParams},
		{row.Tags, &exec.Tags},
		{row.Metadata, &exec.Metadata},
		{row.SamplesheetColumns, &exec.SamplesheetColumns},
	}
	for _, d := range decode {
		if len(d.text) == 0 {
			continue
		}
		if err := d.text.Unmarshal(d.dest); err != nil {
			return nil, fmt.Errorf("failed to decode execution %s: %w", row.ID, err)
		}
	}

	var samples []sampleRow
	if err := s.db.SelectContext(ctx, &samples,
		"SELECT id, execution_id, sample_id, samplesheet_params, position FROM samples_workflow_executions WHERE execution_id = $1 ORDER BY position",
		row.ID); err != nil {
		return nil, fmt.Errorf("failed to load samples: %w", err)
	}

	sampleIDs := make([]string, len(samples))
	for i, sr := range samples {
		sampleIDs[i] = sr.ID
	}

	inputQuery, args, err := sb.Select("id", "kind", "filename", "blob_key", "byte_size", "created_at",
		"execution_id", "sample_execution_id", "position").
		From("execution_inputs").
		Where(sq.Or{sq.Eq{"execution_id": row.ID}, sq.Eq{"sample_execution_id": sampleIDs}}).
		OrderBy("position ASC").
		ToSql()
	if err != nil {
		return nil, err
	}
	var inputs []inputRow
	if err := s.db.SelectContext(ctx, &inputs, inputQuery, args...); err != nil {
		return nil, fmt.Errorf("failed to load inputs: %w", err)
	}

	bySample := make(map[string][]models.Input)
	for _, in := range inputs {
		if in.SampleExecutionID.Valid {
			bySample[in.SampleExecutionID.String] = append(bySample[in.SampleExecutionID.String], in.Input)
			continue
		}
		exec.Inputs = append(exec.Inputs, in.Input)
	}

	for _, sr := range samples {
		sample := models.SamplesWorkflowExecution{
			ID:       sr.ID,
			SampleID: sr.SampleID,
			Inputs:   bySample[sr.ID],
		}
		if len(sr.SamplesheetParams) > 0 {
			if err := sr.SamplesheetParams.Unmarshal(&sample.SamplesheetParams); err != nil {
				return nil, fmt.Errorf("failed to decode sample %s: %w", sr.SampleID, err)
			}
		}
		exec.Samples = append(exec.Samples, sample)
	}
	return exec, nil
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn(ctx, "Failed to roll back transaction", zap.Error(rbErr))
		}
		return err
	}
	return tx.Commit()
}
