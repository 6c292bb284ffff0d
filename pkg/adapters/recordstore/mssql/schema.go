package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/ekaya-inc/ekaya-migrate/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-migrate/pkg/models"
	sqlutil "github.com/ekaya-inc/ekaya-migrate/pkg/sql"
)

type columnInfo struct {
	Name       string
	DataType   string
	Nullable   bool
	HasDefault bool
	Computed   bool
	MaxLength  int
}

func (s *Store) discoverColumns(ctx context.Context, table string) ([]columnInfo, error) {
	query := `
	SET NOCOUNT ON;
	SELECT
	    c.name AS column_name,
	    tp.name AS data_type,
	    CASE WHEN c.is_nullable = 1 THEN 1 ELSE 0 END AS is_nullable,
	    CASE WHEN c.default_object_id <> 0 OR c.is_identity = 1 THEN 1 ELSE 0 END AS has_default,
	    CASE WHEN c.is_computed = 1 THEN 1 ELSE 0 END AS is_computed,
	    CASE
	        WHEN c.max_length < 0 THEN 0
	        WHEN tp.name IN ('nvarchar', 'nchar') THEN c.max_length / 2
	        WHEN tp.name IN ('varchar', 'char') THEN c.max_length
	        ELSE 0
	    END AS max_length
	FROM sys.columns c
	INNER JOIN sys.types tp ON c.user_type_id = tp.user_type_id
	WHERE c.object_id = OBJECT_ID(QUOTENAME(@schema) + N'.' + QUOTENAME(@table))
	ORDER BY c.column_id
	`

	rows, err := s.db.QueryContext(ctx, query,
		sql.Named("schema", s.cfg.Schema),
		sql.Named("table", table),
	)
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}
	defer rows.Close()

	var columns []columnInfo
	for rows.Next() {
		var (
			c                                        columnInfo
			isNullable, hasDefault, isComputed, size int
		)
		if err := rows.Scan(&c.Name, &c.DataType, &isNullable, &hasDefault, &isComputed, &size); err != nil {
			return nil, fmt.Errorf("scan column row: %w", err)
		}
		c.Nullable = isNullable == 1
		c.HasDefault = hasDefault == 1
		c.Computed = isComputed == 1
		c.MaxLength = size
		c.DataType = strings.ToLower(c.DataType)
		columns = append(columns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate column rows: %w", err)
	}
	return columns, nil
}

// discoverForeignKeys returns single-column foreign keys of table as
// column -> referenced table.
func (s *Store) discoverForeignKeys(ctx context.Context, table string) (map[string]string, error) {
	query := `
	SET NOCOUNT ON;
	SELECT
	    COL_NAME(fkc.parent_object_id, fkc.parent_column_id) AS source_column,
	    OBJECT_NAME(fk.referenced_object_id) AS target_table
	FROM sys.foreign_keys fk
	INNER JOIN sys.foreign_key_columns fkc ON fk.object_id = fkc.constraint_object_id
	WHERE fk.is_ms_shipped = 0
	  AND fk.parent_object_id = OBJECT_ID(QUOTENAME(@schema) + N'.' + QUOTENAME(@table))
	ORDER BY fk.name, fkc.constraint_column_id
	`

	rows, err := s.db.QueryContext(ctx, query,
		sql.Named("schema", s.cfg.Schema),
		sql.Named("table", table),
	)
	if err != nil {
		return nil, fmt.Errorf("query foreign keys: %w", err)
	}
	defer rows.Close()

	fks := make(map[string]string)
	for rows.Next() {
		var column, target string
		if err := rows.Scan(&column, &target); err != nil {
			return nil, fmt.Errorf("scan foreign key row: %w", err)
		}
		fks[column] = target
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate foreign key rows: %w", err)
	}
	return fks, nil
}

func (s *Store) discoverTables(ctx context.Context) (map[string]bool, error) {
	query := `
	SET NOCOUNT ON;
	SELECT t.name
	FROM sys.tables t
	WHERE SCHEMA_NAME(t.schema_id) = @schema AND t.is_ms_shipped = 0
	`
	rows, err := s.db.QueryContext(ctx, query, sql.Named("schema", s.cfg.Schema))
	if err != nil {
		return nil, fmt.Errorf("query tables: %w", err)
	}
	defer rows.Close()

	tables := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table row: %w", err)
		}
		tables[name] = true
	}
	return tables, rows.Err()
}

func buildDescriptor(model string, columns []columnInfo, fks map[string]string, tables map[string]bool) *models.ModelDescriptor {
	fields := make([]models.FieldDescriptor, 0, len(columns))
	for _, c := range columns {
		if c.Name == "id" {
			continue
		}
		f := models.FieldDescriptor{
			Name:       c.Name,
			Kind:       models.FieldScalar,
			Type:       c.DataType,
			Required:   !c.Nullable,
			HasDefault: c.HasDefault,
			Size:       c.MaxLength,
		}
		switch {
		case c.Computed:
			f.Kind = models.FieldComputed
		case fks[c.Name] != "":
			f.Kind = models.FieldSingle
			f.Relation = fks[c.Name]
		case tables != nil:
			if target, ok := sqlutil.InferReference(c.Name, tables); ok {
				f.Kind = models.FieldSingle
				f.Relation = target
			}
		}
		fields = append(fields, f)
	}
	return models.NewModelDescriptor(model, fields)
}

// Describe introspects the table backing model.
func (s *Store) Describe(ctx context.Context, model string) (*models.ModelDescriptor, error) {
	s.mu.Lock()
	if desc, ok := s.descriptors[model]; ok {
		s.mu.Unlock()
		return desc, nil
	}
	s.mu.Unlock()

	table, err := tableFor(model)
	if err != nil {
		return nil, err
	}
	columns, err := s.discoverColumns(ctx, table)
	if err != nil {
		return nil, err
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("table %s.%s: %w", s.cfg.Schema, table, apperrors.ErrNotFound)
	}
	fks, err := s.discoverForeignKeys(ctx, table)
	if err != nil {
		return nil, err
	}
	var tables map[string]bool
	if s.cfg.InferReferences {
		if tables, err = s.discoverTables(ctx); err != nil {
			return nil, err
		}
	}

	desc := buildDescriptor(model, columns, fks, tables)
	s.mu.Lock()
	s.descriptors[model] = desc
	s.mu.Unlock()
	return desc, nil
}
