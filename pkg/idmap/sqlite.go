package idmap

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/ekaya-inc/ekaya-migrate/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-migrate/pkg/models"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// sqliteMaxParams stays under SQLITE_MAX_VARIABLE_NUMBER on old builds.
const sqliteMaxParams = 900

const sqliteTimeLayout = time.RFC3339Nano

// SQLiteStore keeps the map in a local SQLite file, for runs driven from one
// machine without a database server.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite creates or opens the map at path (":memory:" for a throwaway map).
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Lookup(ctx context.Context, model string, sourceID int64) (int64, bool, error) {
	var targetID int64
	err := s.db.QueryRowContext(ctx, `
		SELECT target_id FROM migration_id_map
		WHERE source_model = ? AND source_id = ? AND superseded_at IS NULL`,
		model, sourceID).Scan(&targetID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("lookup %s/%d: %w", model, sourceID, err)
	}
	return targetID, true, nil
}

func (s *SQLiteStore) BulkLookup(ctx context.Context, model string, sourceIDs []int64) (map[int64]int64, error) {
	out := make(map[int64]int64, len(sourceIDs))
	if err := liveTargetsSQL(ctx, s.db, model, sourceIDs, out); err != nil {
		return nil, err
	}
	return out, nil
}

type sqlQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func liveTargetsSQL(ctx context.Context, q sqlQuerier, model string, ids []int64, out map[int64]int64) error {
	for _, part := range chunk(ids, sqliteMaxParams) {
		marks := strings.TrimSuffix(strings.Repeat("?,", len(part)), ",")
		args := make([]any, 0, len(part)+1)
		args = append(args, model)
		for _, id := range part {
			args = append(args, id)
		}

		rows, err := q.QueryContext(ctx, `
			SELECT source_id, target_id FROM migration_id_map
			WHERE source_model = ? AND superseded_at IS NULL AND source_id IN (`+marks+`)`, args...)
		if err != nil {
			return fmt.Errorf("bulk lookup %s: %w", model, err)
		}
		for rows.Next() {
			var src, tgt int64
			if err := rows.Scan(&src, &tgt); err != nil {
				rows.Close()
				return fmt.Errorf("scan mapping: %w", err)
			}
			out[src] = tgt
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return fmt.Errorf("iterate mappings: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Record(ctx context.Context, rec models.MigrationRecord) (*models.MigrationRecord, error) {
	stored := stamp(rec)
	if err := s.RecordAll(ctx, []models.MigrationRecord{stored}); err != nil {
		return nil, err
	}
	return &stored, nil
}

func (s *SQLiteStore) RecordAll(ctx context.Context, recs []models.MigrationRecord) error {
	if len(recs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	order, groups := groupByModel(recs)
	for _, model := range order {
		existing := make(map[int64]int64)
		if err := liveTargetsSQL(ctx, tx, model, sourceIDs(groups[model]), existing); err != nil {
			return err
		}
		toStore, err := planRecords(existing, groups[model])
		if err != nil {
			return err
		}
		for _, rec := range toStore {
			if err := insertSQLite(ctx, tx, rec); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func insertSQLite(ctx context.Context, tx *sql.Tx, rec models.MigrationRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO migration_id_map (source_model, source_id, target_model, target_id, migrated_at, checksum, run_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.SourceModel, rec.SourceID, rec.TargetModel, rec.TargetID,
		rec.MigratedAt.UTC().Format(sqliteTimeLayout), rec.Checksum, rec.RunID)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return fmt.Errorf("insert mapping %s/%d: %w", rec.SourceModel, rec.SourceID, apperrors.ErrDuplicateMapping)
		}
		return fmt.Errorf("insert mapping %s/%d: %w", rec.SourceModel, rec.SourceID, err)
	}
	return nil
}

func (s *SQLiteStore) Supersede(ctx context.Context, rec models.MigrationRecord) (*models.MigrationRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	res, err := tx.ExecContext(ctx, `
		UPDATE migration_id_map SET superseded_at = ?
		WHERE source_model = ? AND source_id = ? AND superseded_at IS NULL`,
		time.Now().UTC().Format(sqliteTimeLayout), rec.SourceModel, rec.SourceID)
	if err != nil {
		return nil, fmt.Errorf("supersede %s/%d: %w", rec.SourceModel, rec.SourceID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("%s source id %d: %w", rec.SourceModel, rec.SourceID, apperrors.ErrNotFound)
	}

	stored := stamp(rec)
	if err := insertSQLite(ctx, tx, stored); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return &stored, nil
}

func (s *SQLiteStore) ListByModel(ctx context.Context, model string) ([]models.MigrationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_model, source_id, target_model, target_id, migrated_at, checksum, run_id, superseded_at
		FROM migration_id_map
		WHERE source_model = ?
		ORDER BY source_id, superseded_at IS NULL, migrated_at`, model)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", model, err)
	}
	defer rows.Close()

	var out []models.MigrationRecord
	for rows.Next() {
		var (
			rec          models.MigrationRecord
			migratedAt   string
			supersededAt sql.NullString
		)
		if err := rows.Scan(&rec.SourceModel, &rec.SourceID, &rec.TargetModel, &rec.TargetID,
			&migratedAt, &rec.Checksum, &rec.RunID, &supersededAt); err != nil {
			return nil, fmt.Errorf("scan mapping: %w", err)
		}
		if rec.MigratedAt, err = time.Parse(sqliteTimeLayout, migratedAt); err != nil {
			return nil, fmt.Errorf("parse migrated_at %q: %w", migratedAt, err)
		}
		if supersededAt.Valid {
			t, err := time.Parse(sqliteTimeLayout, supersededAt.String)
			if err != nil {
				return nil, fmt.Errorf("parse superseded_at %q: %w", supersededAt.String, err)
			}
			rec.SupersededAt = &t
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mappings: %w", err)
	}
	return out, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
