// Package postgres is a record store over plain PostgreSQL tables: one table
// per model, a bigint "id" primary key, foreign keys as single references.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-migrate/pkg/adapters/recordstore"
	"github.com/ekaya-inc/ekaya-migrate/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-migrate/pkg/metrics"
	"github.com/ekaya-inc/ekaya-migrate/pkg/models"
	sqlutil "github.com/ekaya-inc/ekaya-migrate/pkg/sql"
)

// Store provides PostgreSQL-backed records.
type Store struct {
	cfg     *Config
	pool    *pgxpool.Pool
	logger  *zap.Logger
	metrics *metrics.Metrics
	name    string

	mu          sync.Mutex
	descriptors map[string]*models.ModelDescriptor
}

var _ recordstore.RecordStore = (*Store)(nil)

// buildConnectionString builds a PostgreSQL URL with proper escaping.
// All user-provided fields must be URL-escaped to handle special characters
// in passwords (e.g., @, /, #, ?) that would otherwise break URL parsing.
func buildConnectionString(cfg *Config) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = DefaultSSLMode()
	}

	return fmt.Sprintf(
		"postgresql://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(cfg.User),
		url.QueryEscape(cfg.Password),
		cfg.Host,
		cfg.Port,
		url.QueryEscape(cfg.Database),
		sslMode,
	)
}

// NewStore connects to PostgreSQL.
func NewStore(ctx context.Context, cfg *Config, opts recordstore.Options) (*Store, error) {
	opts = opts.WithDefaults()

	pool, err := pgxpool.New(ctx, buildConnectionString(cfg))
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping failed: %w", err)
	}

	return newStoreWithPool(cfg, pool, opts), nil
}

func newStoreWithPool(cfg *Config, pool *pgxpool.Pool, opts recordstore.Options) *Store {
	return &Store{
		cfg:         cfg,
		pool:        pool,
		logger:      opts.Logger.Named("postgres"),
		metrics:     opts.Metrics,
		name:        opts.Name,
		descriptors: make(map[string]*models.ModelDescriptor),
	}
}

// Close releases the pool.
func (d *Store) Close() error {
	if d.pool != nil {
		d.pool.Close()
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

// qualifiedTableName returns "schema"."table".
func (d *Store) qualifiedTableName(table string) string {
	return pgx.Identifier{d.cfg.Schema, table}.Sanitize()
}

// selectExpr casts column types that pgx would return as driver-specific
// values into plain ones.
func selectExpr(f models.FieldDescriptor) string {
	col := pgx.Identifier{f.Name}.Sanitize()
	switch f.Type {
	case "smallint", "integer", "bigint", "real", "double precision", "boolean",
		"text", "character varying", "character",
		"date", "timestamp without time zone", "timestamp with time zone":
		return col
	case "numeric":
		return col + "::float8"
	default:
		return col + "::text"
	}
}

// SearchRead selects records ordered by id.
func (d *Store) SearchRead(ctx context.Context, model string, domain recordstore.Domain, fields []string, offset, limit int) ([]models.Record, error) {
	desc, err := d.Describe(ctx, model)
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

	exprs := []string{`"id"::bigint`}
	for _, f := range selected {
		exprs = append(exprs, selectExpr(f))
	}

	where, args, err := sqlutil.BuildWhere(sqlutil.Postgres{}, domain, 1)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY \"id\" OFFSET %d",
		strings.Join(exprs, ", "), d.qualifiedTableName(table), where, offset)
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	start := time.Now()
	rows, err := d.pool.Query(ctx, query, args...)
	d.metrics.ObserveStoreCall(d.name, "search_read", time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	var records []models.Record
	for rows.Next() {
		raw, err := rows.Values()
		if err != nil {
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

// buildInsert renders one INSERT ... RETURNING id statement.
func buildInsert(qualified string, values models.FieldValues) (string, []any, error) {
	names := values.Names()
	if len(names) == 0 {
		return fmt.Sprintf(`INSERT INTO %s DEFAULT VALUES RETURNING "id"`, qualified), nil, nil
	}

	cols := make([]string, len(names))
	marks := make([]string, len(names))
	args := make([]any, len(names))
	for i, name := range names {
		v := values[name]
		if v.Kind == models.KindRefList {
			return "", nil, fmt.Errorf("field %s: multi references are not supported by SQL stores", name)
		}
		cols[i] = pgx.Identifier{name}.Sanitize()
		marks[i] = fmt.Sprintf("$%d", i+1)
		args[i] = v.Interface()
	}
	return fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) RETURNING "id"`,
		qualified, strings.Join(cols, ", "), strings.Join(marks, ", ")), args, nil
}

// Create inserts all records in one transaction.
func (d *Store) Create(ctx context.Context, model string, records []models.FieldValues) ([]int64, error) {
	table, err := tableFor(model)
	if err != nil {
		return nil, err
	}
	qualified := d.qualifiedTableName(table)

	start := time.Now()
	defer func() { d.metrics.ObserveStoreCall(d.name, "create", time.Since(start)) }()

	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	ids := make([]int64, 0, len(records))
	for i, values := range records {
		query, args, err := buildInsert(qualified, values)
		if err != nil {
			return nil, recordstore.Reject(fmt.Errorf("record %d: %w", i+1, err))
		}
		var id int64
		if err := tx.QueryRow(ctx, query, args...).Scan(&id); err != nil {
			return nil, insertError(fmt.Errorf("insert into %s (record %d of %d): %w", table, i+1, len(records), err))
		}
		ids = append(ids, id)
	}

	// A failed commit may still have been applied.
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return ids, nil
}

// insertError marks server-side statement errors as rejections: the
// transaction is rolled back before anything was committed.
func insertError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return recordstore.Reject(err)
	}
	return err
}

// Write updates one row.
func (d *Store) Write(ctx context.Context, model string, id int64, values models.FieldValues) error {
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
		sets[i] = fmt.Sprintf("%s = $%d", pgx.Identifier{name}.Sanitize(), i+1)
		args = append(args, v.Interface())
	}
	args = append(args, id)

	query := fmt.Sprintf(`UPDATE %s SET %s WHERE "id" = $%d`,
		d.qualifiedTableName(table), strings.Join(sets, ", "), len(args))

	start := time.Now()
	tag, err := d.pool.Exec(ctx, query, args...)
	d.metrics.ObserveStoreCall(d.name, "write", time.Since(start))
	if err != nil {
		return fmt.Errorf("update %s: %w", table, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s record %d: %w", table, id, apperrors.ErrNotFound)
	}
	return nil
}
