package idmap

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-migrate/pkg/models"
)

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idmap.db")
	ctx := context.Background()

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.RecordAll(ctx, []models.MigrationRecord{mapping("res.partner", 3, 30)}))
	require.NoError(t, s.Close())

	reopened, err := OpenSQLite(path)
	require.NoError(t, err)
	defer reopened.Close()

	id, ok, err := reopened.Lookup(ctx, "res.partner", 3)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(30), id)
}

func TestSQLiteStore_BulkLookupChunks(t *testing.T) {
	s, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	recs := make([]models.MigrationRecord, 0, 2000)
	ids := make([]int64, 0, 2000)
	for i := int64(1); i <= 2000; i++ {
		recs = append(recs, mapping("big", i, i+10000))
		ids = append(ids, i)
	}
	require.NoError(t, s.RecordAll(ctx, recs))

	found, err := s.BulkLookup(ctx, "big", ids)
	require.NoError(t, err)
	assert.Len(t, found, 2000)
	assert.Equal(t, int64(12000), found[2000])
}

func TestChunk(t *testing.T) {
	parts := chunk([]int64{1, 2, 3, 4, 5}, 2)
	assert.Equal(t, [][]int64{{1, 2}, {3, 4}, {5}}, parts)
	assert.Empty(t, chunk(nil, 3))
}
