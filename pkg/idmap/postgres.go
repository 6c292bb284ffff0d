package idmap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ekaya-inc/ekaya-migrate/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-migrate/pkg/database"
	"github.com/ekaya-inc/ekaya-migrate/pkg/models"
)

// PostgresStore keeps the map in the migration_id_map table. A partial
// unique index enforces one live row per (source_model, source_id).
type PostgresStore struct {
	db *database.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps an open pool; the schema must already be migrated
// (database.RunMigrations).
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Lookup(ctx context.Context, model string, sourceID int64) (int64, bool, error) {
	query := `
		SELECT target_id FROM migration_id_map
		WHERE source_model = $1 AND source_id = $2 AND superseded_at IS NULL`

	var targetID int64
	err := s.db.QueryRow(ctx, query, model, sourceID).Scan(&targetID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("lookup %s/%d: %w", model, sourceID, err)
	}
	return targetID, true, nil
}

func (s *PostgresStore) BulkLookup(ctx context.Context, model string, sourceIDs []int64) (map[int64]int64, error) {
	out := make(map[int64]int64, len(sourceIDs))
	if len(sourceIDs) == 0 {
		return out, nil
	}
	if err := s.liveTargets(ctx, s.db, model, sourceIDs, false, out); err != nil {
		return nil, err
	}
	return out, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *PostgresStore) liveTargets(ctx context.Context, q querier, model string, ids []int64, lock bool, out map[int64]int64) error {
	query := `
		SELECT source_id, target_id FROM migration_id_map
		WHERE source_model = $1 AND source_id = ANY($2) AND superseded_at IS NULL`
	if lock {
		query += " FOR UPDATE"
	}

	rows, err := q.Query(ctx, query, model, ids)
	if err != nil {
		return fmt.Errorf("bulk lookup %s: %w", model, err)
	}
	defer rows.Close()

	for rows.Next() {
		var src, tgt int64
		if err := rows.Scan(&src, &tgt); err != nil {
			return fmt.Errorf("scan mapping: %w", err)
		}
		out[src] = tgt
	}
	return rows.Err()
}

func (s *PostgresStore) Record(ctx context.Context, rec models.MigrationRecord) (*models.MigrationRecord, error) {
	stored := stamp(rec)
	if err := s.RecordAll(ctx, []models.MigrationRecord{stored}); err != nil {
		return nil, err
	}
	return &stored, nil
}

func (s *PostgresStore) RecordAll(ctx context.Context, recs []models.MigrationRecord) error {
	if len(recs) == 0 {
		return nil
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	order, groups := groupByModel(recs)
	batch := &pgx.Batch{}
	for _, model := range order {
		existing := make(map[int64]int64)
		if err := s.liveTargets(ctx, tx, model, sourceIDs(groups[model]), true, existing); err != nil {
			return err
		}
		toStore, err := planRecords(existing, groups[model])
		if err != nil {
			return err
		}
		for _, rec := range toStore {
			queueInsert(batch, rec)
		}
	}

	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return wrapInsertError(err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func queueInsert(batch *pgx.Batch, rec models.MigrationRecord) {
	var runID *string
	if rec.RunID != "" {
		runID = &rec.RunID
	}
	batch.Queue(`
		INSERT INTO migration_id_map (source_model, source_id, target_model, target_id, migrated_at, checksum, run_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.SourceModel, rec.SourceID, rec.TargetModel, rec.TargetID, rec.MigratedAt, rec.Checksum, runID,
	)
}

// wrapInsertError maps a live-index violation (a concurrent writer won) to
// ErrDuplicateMapping.
func wrapInsertError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("insert mapping: %s: %w", pgErr.Detail, apperrors.ErrDuplicateMapping)
	}
	return fmt.Errorf("insert mapping: %w", err)
}

func (s *PostgresStore) Supersede(ctx context.Context, rec models.MigrationRecord) (*models.MigrationRecord, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	tag, err := tx.Exec(ctx, `
		UPDATE migration_id_map SET superseded_at = $3
		WHERE source_model = $1 AND source_id = $2 AND superseded_at IS NULL`,
		rec.SourceModel, rec.SourceID, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("supersede %s/%d: %w", rec.SourceModel, rec.SourceID, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("%s source id %d: %w", rec.SourceModel, rec.SourceID, apperrors.ErrNotFound)
	}

	stored := stamp(rec)
	batch := &pgx.Batch{}
	queueInsert(batch, stored)
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return nil, wrapInsertError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return &stored, nil
}

func (s *PostgresStore) ListByModel(ctx context.Context, model string) ([]models.MigrationRecord, error) {
	rows, err := s.db.Query(ctx, `
		SELECT source_model, source_id, target_model, target_id, migrated_at, checksum,
		       COALESCE(run_id, ''), superseded_at
		FROM migration_id_map
		WHERE source_model = $1
		ORDER BY source_id, superseded_at IS NULL, migrated_at`, model)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", model, err)
	}
	defer rows.Close()

	var out []models.MigrationRecord
	for rows.Next() {
		var rec models.MigrationRecord
		if err := rows.Scan(&rec.SourceModel, &rec.SourceID, &rec.TargetModel, &rec.TargetID,
			&rec.MigratedAt, &rec.Checksum, &rec.RunID, &rec.SupersededAt); err != nil {
			return nil, fmt.Errorf("scan mapping: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mappings: %w", err)
	}
	return out, nil
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}
