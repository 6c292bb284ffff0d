package postgres

import (
	"context"
	"fmt"

	"github.com/ekaya-inc/ekaya-migrate/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-migrate/pkg/models"
	sqlutil "github.com/ekaya-inc/ekaya-migrate/pkg/sql"
)

type columnInfo struct {
	Name       string
	DataType   string
	Nullable   bool
	HasDefault bool
	Generated  bool
	MaxLength  *int32
}

func (d *Store) discoverColumns(ctx context.Context, table string) ([]columnInfo, error) {
	const query = `
		SELECT
			c.column_name,
			c.data_type,
			c.is_nullable = 'YES' AS is_nullable,
			(c.column_default IS NOT NULL OR c.is_identity = 'YES') AS has_default,
			c.is_generated = 'ALWAYS' AS is_generated,
			c.character_maximum_length
		FROM information_schema.columns c
		WHERE c.table_schema = $1 AND c.table_name = $2
		ORDER BY c.ordinal_position
	`

	rows, err := d.pool.Query(ctx, query, d.cfg.Schema, table)
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}
	defer rows.Close()

	var columns []columnInfo
	for rows.Next() {
		var c columnInfo
		if err := rows.Scan(&c.Name, &c.DataType, &c.Nullable, &c.HasDefault, &c.Generated, &c.MaxLength); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		columns = append(columns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns: %w", err)
	}
	return columns, nil
}

// discoverForeignKeys returns single-column foreign keys of table as
// column -> referenced table.
func (d *Store) discoverForeignKeys(ctx context.Context, table string) (map[string]string, error) {
	const query = `
		SELECT
			kcu.column_name AS source_column,
			ccu.table_name AS target_table
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name
			AND tc.table_schema = kcu.table_schema
		JOIN information_schema.constraint_column_usage ccu
			ON tc.constraint_name = ccu.constraint_name
			AND tc.table_schema = ccu.table_schema
		WHERE tc.constraint_type = 'FOREIGN KEY'
		  AND tc.table_schema = $1
		  AND tc.table_name = $2
	`

	rows, err := d.pool.Query(ctx, query, d.cfg.Schema, table)
	if err != nil {
		return nil, fmt.Errorf("query foreign keys: %w", err)
	}
	defer rows.Close()

	fks := make(map[string]string)
	for rows.Next() {
		var column, target string
		if err := rows.Scan(&column, &target); err != nil {
			return nil, fmt.Errorf("scan foreign key: %w", err)
		}
		fks[column] = target
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate foreign keys: %w", err)
	}
	return fks, nil
}

func (d *Store) discoverTables(ctx context.Context) (map[string]bool, error) {
	const query = `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = $1 AND table_type = 'BASE TABLE'
	`
	rows, err := d.pool.Query(ctx, query, d.cfg.Schema)
	if err != nil {
		return nil, fmt.Errorf("query tables: %w", err)
	}
	defer rows.Close()

	tables := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table: %w", err)
		}
		tables[name] = true
	}
	return tables, rows.Err()
}

// buildDescriptor turns column metadata into a descriptor. The "id"
// column is the record identity and not a field.
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
		}
		if c.MaxLength != nil {
			f.Size = int(*c.MaxLength)
		}
		switch {
		case c.Generated:
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
func (d *Store) Describe(ctx context.Context, model string) (*models.ModelDescriptor, error) {
	d.mu.Lock()
	if desc, ok := d.descriptors[model]; ok {
		d.mu.Unlock()
		return desc, nil
	}
	d.mu.Unlock()

	table, err := tableFor(model)
	if err != nil {
		return nil, err
	}
	columns, err := d.discoverColumns(ctx, table)
	if err != nil {
		return nil, err
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("table %s.%s: %w", d.cfg.Schema, table, apperrors.ErrNotFound)
	}
	fks, err := d.discoverForeignKeys(ctx, table)
	if err != nil {
		return nil, err
	}
	var tables map[string]bool
	if d.cfg.InferReferences {
		if tables, err = d.discoverTables(ctx); err != nil {
			return nil, err
		}
	}

	desc := buildDescriptor(model, columns, fks, tables)
	d.mu.Lock()
	d.descriptors[model] = desc
	d.mu.Unlock()
	return desc, nil
}
