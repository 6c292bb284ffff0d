//go:build integration

package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-migrate/pkg/adapters/recordstore"
	"github.com/ekaya-inc/ekaya-migrate/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-migrate/pkg/models"
	"github.com/ekaya-inc/ekaya-migrate/pkg/testhelpers"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	testDB := testhelpers.GetTestDB(t)
	ctx := context.Background()

	_, err := testDB.Pool.Exec(ctx, `
		CREATE SCHEMA IF NOT EXISTS pgstore_test;
		DROP TABLE IF EXISTS pgstore_test.items;
		DROP TABLE IF EXISTS pgstore_test.categories;
		CREATE TABLE pgstore_test.categories (
			id BIGSERIAL PRIMARY KEY,
			name VARCHAR(32) NOT NULL
		);
		CREATE TABLE pgstore_test.items (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			price NUMERIC(10,2),
			category_id BIGINT REFERENCES pgstore_test.categories(id),
			active BOOLEAN NOT NULL DEFAULT true
		);
	`)
	require.NoError(t, err)

	cfg := &Config{Host: testDB.Host, Port: testDB.Port, User: "ekaya", Password: "test_password",
		Database: "migrate_test", Schema: "pgstore_test", SSLMode: "disable"}
	store, err := NewStore(ctx, cfg, recordstore.Options{Name: "target"})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_DescribeCreateSearch(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	desc, err := store.Describe(ctx, "items")
	require.NoError(t, err)
	cat, ok := desc.Field("category_id")
	require.True(t, ok)
	assert.Equal(t, models.FieldSingle, cat.Kind)
	assert.Equal(t, "categories", cat.Relation)
	active, _ := desc.Field("active")
	assert.True(t, active.HasDefault)

	catIDs, err := store.Create(ctx, "categories", []models.FieldValues{
		{"name": models.StringValue("Furniture")},
	})
	require.NoError(t, err)
	require.Len(t, catIDs, 1)

	ids, err := store.Create(ctx, "items", []models.FieldValues{
		{"name": models.StringValue("Desk"), "price": models.FloatValue(120.5), "category_id": models.RefValue(catIDs[0])},
		{"name": models.StringValue("Lamp")},
	})
	require.NoError(t, err)
	require.Len(t, ids, 2)

	records, err := store.SearchRead(ctx, "items", recordstore.Domain{
		{Field: "category_id", Operator: recordstore.OpEq, Value: catIDs[0]},
	}, []string{"name", "price", "category_id"}, 0, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, ids[0], records[0].ID)
	assert.Equal(t, models.StringValue("Desk"), records[0].Get("name"))
	assert.Equal(t, models.FloatValue(120.5), records[0].Get("price"))
	assert.Equal(t, models.RefValue(catIDs[0]), records[0].Get("category_id"))

	require.NoError(t, store.Write(ctx, "items", ids[1], models.FieldValues{"category_id": models.RefValue(catIDs[0])}))
	records, err = store.SearchRead(ctx, "items", nil, []string{"category_id"}, 1, 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, models.RefValue(catIDs[0]), records[0].Get("category_id"))
}

func TestStore_CreateIsAtomic(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	_, err := store.Create(ctx, "categories", []models.FieldValues{
		{"name": models.StringValue("ok")},
		{"name": models.StringValue("this name is far too long for a varchar of 32")},
	})
	require.Error(t, err)

	records, err := store.SearchRead(ctx, "categories", nil, nil, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestStore_WriteMissingRecord(t *testing.T) {
	store := setupStore(t)

	err := store.Write(context.Background(), "categories", 999, models.FieldValues{"name": models.StringValue("x")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestStore_DescribeUnknownTable(t *testing.T) {
	store := setupStore(t)

	_, err := store.Describe(context.Background(), "no_such_table")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}
