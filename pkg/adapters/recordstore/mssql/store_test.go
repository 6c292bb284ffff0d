package mssql

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	mssqldb "github.com/microsoft/go-mssqldb"

	"github.com/ekaya-inc/ekaya-migrate/pkg/adapters/recordstore"
	"github.com/ekaya-inc/ekaya-migrate/pkg/models"
)

func TestFromMap_SQLAuth(t *testing.T) {
	cfg, err := FromMap(map[string]any{
		"host":     "mssql.internal",
		"port":     float64(1444),
		"database": "erp",
		"user":     "sa",
		"password": "Secret!1",
		"ssl_mode": "disable",
	})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.Port != 1444 {
		t.Errorf("expected port 1444, got %d", cfg.Port)
	}
	if cfg.Username != "sa" {
		t.Errorf("expected username 'sa', got '%s'", cfg.Username)
	}
	if cfg.Schema != "dbo" {
		t.Errorf("expected default schema 'dbo', got '%s'", cfg.Schema)
	}
	if cfg.Encrypt {
		t.Error("expected encryption disabled")
	}
}

func TestFromMap_SSLModes(t *testing.T) {
	tests := []struct {
		mode    any
		encrypt bool
		trust   bool
	}{
		{nil, true, true},
		{"require", true, true},
		{"disable", false, false},
		{"verify-full", true, false},
	}
	for _, tt := range tests {
		config := map[string]any{"host": "h", "database": "d", "user": "u"}
		if tt.mode != nil {
			config["ssl_mode"] = tt.mode
		}
		cfg, err := FromMap(config)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.Encrypt != tt.encrypt || cfg.TrustServerCertificate != tt.trust {
			t.Errorf("ssl_mode %v: encrypt=%v trust=%v, want %v/%v", tt.mode, cfg.Encrypt, cfg.TrustServerCertificate, tt.encrypt, tt.trust)
		}
	}
}

func TestFromMap_MissingRequired(t *testing.T) {
	tests := []struct {
		name    string
		config  map[string]any
		wantErr string
	}{
		{"missing host", map[string]any{"database": "d", "user": "u"}, "host is required"},
		{"missing database", map[string]any{"host": "h", "user": "u"}, "database is required"},
		{"missing user", map[string]any{"host": "h", "database": "d"}, "username is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromMap(tt.config)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestConnectionString(t *testing.T) {
	got := connectionString(&Config{
		Host:                   "db",
		Port:                   1433,
		Database:               "erp",
		Username:               "sa",
		Password:               "p@ss",
		Encrypt:                true,
		TrustServerCertificate: true,
		ConnectionTimeout:      30,
	})

	if !strings.HasPrefix(got, "sqlserver://sa:p%40ss@db:1433?") {
		t.Errorf("unexpected prefix: %s", got)
	}
	for _, part := range []string{"database=erp", "encrypt=true", "TrustServerCertificate=true", "connection+timeout=30"} {
		if !strings.Contains(got, part) {
			t.Errorf("expected %q in %s", part, got)
		}
	}
}

func TestBuildSelect(t *testing.T) {
	got := buildSelect("[dbo].[items]", []string{"CAST([id] AS bigint)", "[name]"}, "[active] = @p1", 200, 100)
	want := "SELECT CAST([id] AS bigint), [name] FROM [dbo].[items] WHERE [active] = @p1 ORDER BY [id] OFFSET 200 ROWS FETCH NEXT 100 ROWS ONLY"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}

	unbounded := buildSelect("[dbo].[items]", []string{"[name]"}, "1=1", 0, 0)
	if strings.Contains(unbounded, "FETCH") {
		t.Errorf("expected no FETCH clause without a limit: %s", unbounded)
	}
}

func TestSelectExpr(t *testing.T) {
	if got := selectExpr(models.FieldDescriptor{Name: "price", Type: "decimal"}); got != "CAST([price] AS float)" {
		t.Errorf("unexpected decimal expression %s", got)
	}
	if got := selectExpr(models.FieldDescriptor{Name: "guid", Type: "uniqueidentifier"}); got != "CAST([guid] AS nvarchar(36))" {
		t.Errorf("unexpected uniqueidentifier expression %s", got)
	}
	if got := selectExpr(models.FieldDescriptor{Name: "name", Type: "nvarchar"}); got != "[name]" {
		t.Errorf("unexpected nvarchar expression %s", got)
	}
}

func TestBuildInsert(t *testing.T) {
	query, args, err := buildInsert("[dbo].[items]", models.FieldValues{
		"name":   models.StringValue("Desk"),
		"active": models.BoolValue(true),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "INSERT INTO [dbo].[items] ([active], [name]) OUTPUT INSERTED.[id] VALUES (@p1, @p2)"
	if query != want {
		t.Errorf("expected %q, got %q", want, query)
	}
	if len(args) != 2 || args[0] != true || args[1] != "Desk" {
		t.Errorf("unexpected args %v", args)
	}

	empty, _, err := buildInsert("[dbo].[items]", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if empty != "INSERT INTO [dbo].[items] OUTPUT INSERTED.[id] DEFAULT VALUES" {
		t.Errorf("unexpected empty insert %q", empty)
	}
}

func TestBuildDescriptor(t *testing.T) {
	columns := []columnInfo{
		{Name: "id", DataType: "int", HasDefault: true},
		{Name: "name", DataType: "nvarchar", MaxLength: 50},
		{Name: "category_id", DataType: "int", Nullable: true},
		{Name: "warehouse_id", DataType: "int", Nullable: true},
		{Name: "total", DataType: "decimal", Nullable: true, Computed: true},
	}
	desc := buildDescriptor("items", columns, map[string]string{"category_id": "categories"}, map[string]bool{"warehouses": true})

	if len(desc.Fields) != 4 {
		t.Fatalf("expected 4 fields, got %d", len(desc.Fields))
	}
	name, _ := desc.Field("name")
	if !name.Required || name.Size != 50 {
		t.Errorf("unexpected name field %+v", name)
	}
	category, _ := desc.Field("category_id")
	if category.Kind != models.FieldSingle || category.Relation != "categories" {
		t.Errorf("unexpected category field %+v", category)
	}
	warehouse, _ := desc.Field("warehouse_id")
	if warehouse.Kind != models.FieldSingle || warehouse.Relation != "warehouses" {
		t.Errorf("expected inferred reference, got %+v", warehouse)
	}
	total, _ := desc.Field("total")
	if total.Kind != models.FieldComputed {
		t.Errorf("expected computed column, got %s", total.Kind)
	}
}

func TestInsertError(t *testing.T) {
	serverErr := fmt.Errorf("insert into product (record 2 of 3): %w", mssqldb.Error{Number: 2627, Message: "Violation of UNIQUE KEY constraint"})
	if !recordstore.IsRejected(insertError(serverErr)) {
		t.Error("expected a statement error to be a rejection")
	}

	connErr := fmt.Errorf("insert into product (record 2 of 3): %w", errors.New("connection reset by peer"))
	if recordstore.IsRejected(insertError(connErr)) {
		t.Error("expected a connection error to leave the outcome unknown")
	}
}
