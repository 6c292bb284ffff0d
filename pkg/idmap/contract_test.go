package idmap

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-migrate/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-migrate/pkg/models"
)

// modelCounter keeps model names unique when a backend is shared across tests.
var modelCounter int

func uniqueModel(t *testing.T, base string) string {
	modelCounter++
	return fmt.Sprintf("%s_%s_%d", base, t.Name(), modelCounter)
}

func mapping(model string, src, tgt int64) models.MigrationRecord {
	return models.MigrationRecord{
		SourceModel: model,
		SourceID:    src,
		TargetModel: "target." + model,
		TargetID:    tgt,
		Checksum:    "abc",
		RunID:       "run-1",
	}
}

// runStoreContract exercises the behavior every backend must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("lookup missing", func(t *testing.T) {
		s := newStore(t)
		_, ok, err := s.Lookup(ctx, uniqueModel(t, "m"), 1)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("record then lookup", func(t *testing.T) {
		s := newStore(t)
		model := uniqueModel(t, "partner")
		stored, err := s.Record(ctx, mapping(model, 7, 70))
		require.NoError(t, err)
		assert.False(t, stored.MigratedAt.IsZero())
		assert.True(t, stored.IsLive())

		id, ok, err := s.Lookup(ctx, model, 7)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, int64(70), id)
	})

	t.Run("bulk lookup returns present ids only", func(t *testing.T) {
		s := newStore(t)
		model := uniqueModel(t, "item")
		require.NoError(t, s.RecordAll(ctx, []models.MigrationRecord{
			mapping(model, 1, 11), mapping(model, 2, 12), mapping(model, 3, 13),
		}))

		found, err := s.BulkLookup(ctx, model, []int64{1, 3, 5})
		require.NoError(t, err)
		assert.Equal(t, map[int64]int64{1: 11, 3: 13}, found)

		empty, err := s.BulkLookup(ctx, model, nil)
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("models are separate namespaces", func(t *testing.T) {
		s := newStore(t)
		a, b := uniqueModel(t, "a"), uniqueModel(t, "b")
		require.NoError(t, s.RecordAll(ctx, []models.MigrationRecord{mapping(a, 1, 100), mapping(b, 1, 200)}))

		found, err := s.BulkLookup(ctx, b, []int64{1})
		require.NoError(t, err)
		assert.Equal(t, int64(200), found[1])
	})

	t.Run("identical mapping is a no-op", func(t *testing.T) {
		s := newStore(t)
		model := uniqueModel(t, "tag")
		require.NoError(t, s.RecordAll(ctx, []models.MigrationRecord{mapping(model, 4, 40)}))
		require.NoError(t, s.RecordAll(ctx, []models.MigrationRecord{mapping(model, 4, 40)}))

		all, err := s.ListByModel(ctx, model)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("conflicting mapping is rejected and nothing is written", func(t *testing.T) {
		s := newStore(t)
		model := uniqueModel(t, "product")
		require.NoError(t, s.RecordAll(ctx, []models.MigrationRecord{mapping(model, 1, 10)}))

		err := s.RecordAll(ctx, []models.MigrationRecord{mapping(model, 2, 20), mapping(model, 1, 99)})
		require.Error(t, err)
		var dup *apperrors.DuplicateMappingError
		require.True(t, errors.As(err, &dup))
		assert.Equal(t, int64(1), dup.SourceID)
		assert.Equal(t, int64(10), dup.ExistingTargetID)
		assert.Equal(t, int64(99), dup.NewTargetID)
		assert.True(t, errors.Is(err, apperrors.ErrDuplicateMapping))

		_, ok, err := s.Lookup(ctx, model, 2)
		require.NoError(t, err)
		assert.False(t, ok, "batch must not be partially stored")
	})

	t.Run("conflict within one batch", func(t *testing.T) {
		s := newStore(t)
		model := uniqueModel(t, "dup")
		err := s.RecordAll(ctx, []models.MigrationRecord{mapping(model, 1, 10), mapping(model, 1, 11)})
		assert.True(t, errors.Is(err, apperrors.ErrDuplicateMapping))
	})

	t.Run("supersede keeps one live entry and the history", func(t *testing.T) {
		s := newStore(t)
		model := uniqueModel(t, "sub")
		_, err := s.Record(ctx, mapping(model, 5, 50))
		require.NoError(t, err)

		stored, err := s.Supersede(ctx, mapping(model, 5, 51))
		require.NoError(t, err)
		assert.Equal(t, int64(51), stored.TargetID)

		id, ok, err := s.Lookup(ctx, model, 5)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, int64(51), id)

		all, err := s.ListByModel(ctx, model)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, int64(50), all[0].TargetID)
		assert.False(t, all[0].IsLive())
		assert.Equal(t, int64(51), all[1].TargetID)
		assert.True(t, all[1].IsLive())
		assert.Equal(t, "abc", all[1].Checksum)
		assert.Equal(t, "run-1", all[1].RunID)
	})

	t.Run("supersede without live entry", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Supersede(ctx, mapping(uniqueModel(t, "none"), 1, 2))
		assert.True(t, errors.Is(err, apperrors.ErrNotFound))
	})
}

func TestMemoryStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestSQLiteStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		s, err := OpenSQLite(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestMemoryStore_CountsBulkLookups(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.BulkLookup(context.Background(), "item", []int64{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, 1, s.BulkLookupCalls("item"))
}

func TestMemoryStore_FailNextWrites(t *testing.T) {
	s := NewMemoryStore()
	s.FailNextWrites(1)
	ctx := context.Background()

	require.Error(t, s.RecordAll(ctx, []models.MigrationRecord{mapping("m", 1, 1)}))
	require.NoError(t, s.RecordAll(ctx, []models.MigrationRecord{mapping("m", 1, 1)}))
}
