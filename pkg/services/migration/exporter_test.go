package migration

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-migrate/pkg/adapters/recordstore"
	"github.com/ekaya-inc/ekaya-migrate/pkg/adapters/recordstore/memory"
	"github.com/ekaya-inc/ekaya-migrate/pkg/models"
)

func drain(t *testing.T, it *BatchIterator) []*models.Batch {
	t.Helper()
	var out []*models.Batch
	for {
		b, err := it.Next(context.Background())
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, b)
	}
}

func TestExporter_BatchesOfConfiguredSize(t *testing.T) {
	src, _ := catalog(t, 150)
	e := NewExporter(src, 100, "", zap.NewNop(), nil)

	batches := drain(t, e.Batches("item", []string{"name", "category_id"}, 0))
	require.Len(t, batches, 2)
	assert.Len(t, batches[0].Records, 100)
	assert.Len(t, batches[1].Records, 50)
	assert.Equal(t, 0, batches[0].Offset)
	assert.Equal(t, 100, batches[1].Offset)
	assert.Equal(t, int64(1001), batches[0].Records[0].ID)
	assert.Equal(t, int64(1150), batches[1].Records[49].ID)

	rec := batches[0].Records[0]
	assert.Contains(t, rec.Values, "name")
	assert.NotContains(t, rec.Values, "code", "only requested fields")
}

func TestExporter_ExactMultipleEndsCleanly(t *testing.T) {
	src, _ := catalog(t, 200)
	e := NewExporter(src, 100, "", zap.NewNop(), nil)

	it := e.Batches("item", nil, 0)
	batches := drain(t, it)
	require.Len(t, batches, 2)
	assert.Equal(t, 200, it.Offset())

	_, err := it.Next(context.Background())
	assert.Equal(t, io.EOF, err)
}

func TestExporter_ResumesFromOffset(t *testing.T) {
	src, _ := catalog(t, 150)
	e := NewExporter(src, 100, "", zap.NewNop(), nil)

	batches := drain(t, e.Batches("item", nil, 100))
	require.Len(t, batches, 1)
	assert.Equal(t, 100, batches[0].Offset)
	assert.Equal(t, int64(1101), batches[0].Records[0].ID)
}

func TestExporter_Domain(t *testing.T) {
	src, _ := catalog(t, 20)
	e := NewExporter(src, 100, "", zap.NewNop(), nil)

	domain := recordstore.Domain{{Field: "category_id", Operator: recordstore.OpEq, Value: int64(101)}}
	batches := drain(t, e.Batches("item", nil, 0, WithDomain(domain)))
	require.Len(t, batches, 1)
	assert.Len(t, batches[0].Records, 4)
}

func TestExporter_ReadErrorIsWrapped(t *testing.T) {
	src, _ := catalog(t, 10)
	src.FailNext(memory.OpSearchRead, 1, assert.AnError)
	e := NewExporter(src, 100, "", zap.NewNop(), nil)

	_, err := e.Batches("item", nil, 0).Next(context.Background())
	require.ErrorIs(t, err, assert.AnError)
	assert.Contains(t, err.Error(), "offset 0")
}

func TestExporter_CacheRoundTrip(t *testing.T) {
	src, _ := catalog(t, 150)
	dir := t.TempDir()
	e := NewExporter(src, 100, dir, zap.NewNop(), nil)

	exported := drain(t, e.Batches("item", nil, 0))
	require.FileExists(t, filepath.Join(dir, "item", "0.json"))
	require.FileExists(t, filepath.Join(dir, "item", "100.json"))

	replay := NewExporter(memory.New(), 100, "", zap.NewNop(), nil)
	batches := drain(t, replay.Batches("item", nil, 0, FromJSONFile(filepath.Join(dir, "item", "100.json"), nil)))
	require.Len(t, batches, 1)
	assert.Equal(t, exported[1].Records, batches[0].Records)
}

func TestExporter_PlainJSONRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "items.json")
	rows := []map[string]any{
		{"id": 7, "name": "Desk", "category_id": []any{3, "Office"}, "code": false},
		{"id": 8, "name": "Lamp", "category_id": false},
	}
	data, err := json.Marshal(rows)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	e := NewExporter(memory.New(), 1, "", zap.NewNop(), nil)
	batches := drain(t, e.Batches("item", nil, 0, FromJSONFile(path, itemFields(false))))
	require.Len(t, batches, 2)
	assert.Equal(t, models.Record{ID: 7, Values: models.FieldValues{
		"name":        models.StringValue("Desk"),
		"code":        models.Null(),
		"category_id": models.RefValue(3),
	}}, batches[0].Records[0])
	assert.Equal(t, models.Null(), batches[1].Records[0].Values["category_id"])
}
