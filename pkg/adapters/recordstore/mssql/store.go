// Package mssql is a record store over SQL Server tables: one table per
// model, an integer "id" identity column, foreign keys as single references.
package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mssqldb "github.com/microsoft/go-mssqldb"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-migrate/pkg/adapters/recordstore"
	"github.com/ekaya-inc/ekaya-migrate/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-migrate/pkg/metrics"
	"github.com/ekaya-inc/ekaya-migrate/pkg/models"
	sqlutil "github.com/ekaya-inc/ekaya-migrate/pkg/sql"
)

// Store provides SQL Server-backed records.
type Store struct {
	cfg     *Config
	db      *sql.DB
	logger  *zap.Logger
	metrics *metrics.Metrics
	name    string

	mu          sync.Mutex
	descriptors map[string]*models.ModelDescriptor
}

var _ recordstore.RecordStore = (*Store)(nil)

var dialect = sqlutil.SQLServer{}

// NewStore opens and verifies a SQL Server connection.
func NewStore(ctx context.Context, cfg *Config, opts recordstore.Options) (*Store, error) {
	opts = opts.WithDefaults()

	db, err := sql.Open("sqlserver", connectionString(cfg))
	if err != nil {
		return nil, fmt.Errorf("open SQL auth connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping failed: %w", err)
	}

	return &Store{
		cfg:         cfg,
		db:          db,
		logger:      opts.Logger.Named("mssql"),
		metrics:     opts.Metrics,
		name:        opts.Name,
		descriptors: make(map[string]*models.ModelDescriptor),
	}, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func tableFor(model string) (string, error) {
	table := sqlutil.TableName(model)
	if !sqlutil.ValidIdentifier(table) {
		return "", fmt.Errorf("model %q does not map to a valid table name", model)
	}
	return table, nil
}

// buildFullyQualifiedName builds [schema].[table].
func buildFullyQualifiedName(schema, table string) string {
	return dialect.QuoteIdent(schema) + "." + dialect.QuoteIdent(table)
}

// selectExpr casts types the driver returns as raw bytes into plain values.
func selectExpr(f models.FieldDescriptor) string {
	col := dialect.QuoteIdent(f.Name)
	switch f.Type {
	case "decimal", "numeric", "money", "smallmoney":
		return "CAST(" + col + " AS float)"
	case "uniqueidentifier":
		return "CAST(" + col + " AS nvarchar(36))"
	default:
		return col
	}
}

// buildSelect renders a paged SELECT. SQL Server requires ORDER BY for
// OFFSET/FETCH, which the id ordering provides.
func buildSelect(qualified string, exprs []string, where string, offset, limit int) string {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY [id] OFFSET %d ROWS",
		strings.Join(exprs, ", "), qualified, where, offset)
	if limit > 0 {
		query += fmt.Sprintf(" FETCH NEXT %d ROWS ONLY", limit)
	}
	return query
}

// SearchRead selects records ordered by id.
func (s *Store) SearchRead(ctx context.Context, model string, domain recordstore.Domain, fields []string, offset, limit int) ([]models.Record, error) {
	desc, err := s.Describe(ctx, model)
	if err != nil {
		return nil, err
	}
	table, err := tableFor(model)
	if err != nil {
		return nil, err
	}

	selected := make([]models.FieldDescriptor, 0, len(fields))
	if len(fields) == 0 {
		for _, f := range desc.Fields {
			if f.Kind != models.FieldComputed {
				selected = append(selected, f)
			}
		}
	} else {
		for _, name := range fields {
			f, ok := desc.Field(name)
			if !ok {
				return nil, fmt.Errorf("unknown field %s on %s", name, model)
			}
			selected = append(selected, f)
		}
	}

	exprs := []string{"CAST([id] AS bigint)"}
	for _, f := range selected {
		exprs = append(exprs, selectExpr(f))
	}

	where, args, err := sqlutil.BuildWhere(dialect, domain, 1)
	if err != nil {
		return nil, err
	}
	query := buildSelect(buildFullyQualifiedName(s.cfg.Schema, table), exprs, where, offset, limit)

	start := time.Now()
	rows, err := s.db.QueryContext(ctx, query, args...)
	s.metrics.ObserveStoreCall(s.name, "search_read", time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	var records []models.Record
	for rows.Next() {
		raw := make([]any, len(exprs))
		ptrs := make([]any, len(exprs))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		id, ok := raw[0].(int64)
		if !ok {
			return nil, fmt.Errorf("%s.id is %T, expected bigint", table, raw[0])
		}
		rec := models.Record{ID: id, Values: make(models.FieldValues, len(selected))}
		for i, f := range selected {
			v, err := models.DecodeField(f, raw[i+1])
			if err != nil {
				return nil, fmt.Errorf("%s record %d: %w", table, id, err)
			}
			rec.Values[f.Name] = v
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", table, err)
	}
	return records, nil
}

// buildInsert renders one INSERT ... OUTPUT INSERTED.[id] statement.
func buildInsert(qualified string, values models.FieldValues) (string, []any, error) {
	names := values.Names()
	if len(names) == 0 {
		return fmt.Sprintf("INSERT INTO %s OUTPUT INSERTED.[id] DEFAULT VALUES", qualified), nil, nil
	}

	cols := make([]string, len(names))
	marks := make([]string, len(names))
	args := make([]any, len(names))
	for i, name := range names {
		v := values[name]
		if v.Kind == models.KindRefList {
			return "", nil, fmt.Errorf("field %s: multi references are not supported by SQL stores", name)
		}
		cols[i] = dialect.QuoteIdent(name)
		marks[i] = dialect.Placeholder(i + 1)
		args[i] = v.Interface()
	}
	return fmt.Sprintf("INSERT INTO %s (%s) OUTPUT INSERTED.[id] VALUES (%s)",
		qualified, strings.Join(cols, ", "), strings.Join(marks, ", ")), args, nil
}

// Create inserts all records in one transaction.
func (s *Store) Create(ctx context.Context, model string, records []models.FieldValues) ([]int64, error) {
	table, err := tableFor(model)
	if err != nil {
		return nil, err
	}
	qualified := buildFullyQualifiedName(s.cfg.Schema, table)

	start := time.Now()
	defer func() { s.metrics.ObserveStoreCall(s.name, "create", time.Since(start)) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.logger.Warn("Rollback failed", zap.Error(err))
		}
	}()

	ids := make([]int64, 0, len(records))
	for i, values := range records {
		query, args, err := buildInsert(qualified, values)
		if err != nil {
			return nil, recordstore.Reject(fmt.Errorf("record %d: %w", i+1, err))
		}
		var id int64
		if err := tx.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
			return nil, insertError(fmt.Errorf("insert into %s (record %d of %d): %w", table, i+1, len(records), err))
		}
		ids = append(ids, id)
	}

	// A failed commit may still have been applied.
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return ids, nil
}

// insertError marks errors raised by SQL Server for a statement as
// rejections: the transaction is rolled back before anything was committed.
func insertError(err error) error {
	var sqlErr mssqldb.Error
	if errors.As(err, &sqlErr) {
		return recordstore.Reject(err)
	}
	return err
}

// Write updates one row.
func (s *Store) Write(ctx context.Context, model string, id int64, values models.FieldValues) error {
	table, err := tableFor(model)
	if err != nil {
		return err
	}
	names := values.Names()
	if len(names) == 0 {
		return nil
	}

	sets := make([]string, len(names))
	args := make([]any, 0, len(names)+1)
	for i, name := range names {
		v := values[name]
		if v.Kind == models.KindRefList {
			return fmt.Errorf("field %s: multi references are not supported by SQL stores", name)
		}
		sets[i] = fmt.Sprintf("%s = %s", dialect.QuoteIdent(name), dialect.Placeholder(i+1))
		args = append(args, v.Interface())
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE [id] = %s",
		buildFullyQualifiedName(s.cfg.Schema, table), strings.Join(sets, ", "), dialect.Placeholder(len(args)))

	start := time.Now()
	res, err := s.db.ExecContext(ctx, query, args...)
	s.metrics.ObserveStoreCall(s.name, "write", time.Since(start))
	if err != nil {
		return fmt.Errorf("update %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s: %w", table, err)
	}
	if n == 0 {
		return fmt.Errorf("%s record %d: %w", table, id, apperrors.ErrNotFound)
	}
	return nil
}
