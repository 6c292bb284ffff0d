package migration

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-migrate/pkg/adapters/recordstore/memory"
	"github.com/ekaya-inc/ekaya-migrate/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-migrate/pkg/idmap"
	"github.com/ekaya-inc/ekaya-migrate/pkg/models"
)

// resolverFixture has target partners 1-3 (source 10-12) and tags 7-8
// (source 70-71).
func resolverFixture(t *testing.T) (*memory.Store, *idmap.MemoryStore) {
	t.Helper()
	target := memory.New()
	target.Define(models.NewModelDescriptor("res.partner", []models.FieldDescriptor{
		{Name: "name", Kind: models.FieldScalar},
		{Name: "parent_id", Kind: models.FieldSingle, Relation: "res.partner"},
		{Name: "category_ids", Kind: models.FieldMulti, Relation: "res.partner.category"},
	}))
	target.Define(models.NewModelDescriptor("res.partner.category", []models.FieldDescriptor{
		{Name: "name", Kind: models.FieldScalar},
	}))
	for id := int64(1); id <= 3; id++ {
		require.NoError(t, target.Insert("res.partner", id, models.FieldValues{"name": models.StringValue("p")}))
	}

	store := idmap.NewMemoryStore()
	require.NoError(t, store.RecordAll(context.Background(), []models.MigrationRecord{
		{SourceModel: "partner", SourceID: 10, TargetModel: "res.partner", TargetID: 1},
		{SourceModel: "partner", SourceID: 11, TargetModel: "res.partner", TargetID: 2},
		{SourceModel: "partner", SourceID: 12, TargetModel: "res.partner", TargetID: 3},
		{SourceModel: "tag", SourceID: 70, TargetModel: "res.partner.category", TargetID: 7},
		{SourceModel: "tag", SourceID: 71, TargetModel: "res.partner.category", TargetID: 8},
	}))
	return target, store
}

func single(model string, id int64, field, target string, ref int64) models.PendingReference {
	return models.PendingReference{RecordModel: model, RecordSourceID: id, Field: field, Kind: models.FieldSingle, TargetModel: target, UnresolvedSourceID: ref}
}

func multi(model string, id int64, field, target string, refs ...int64) models.PendingReference {
	return models.PendingReference{RecordModel: model, RecordSourceID: id, Field: field, Kind: models.FieldMulti, TargetModel: target, UnresolvedSourceIDs: refs}
}

func newResolver(target *memory.Store, store idmap.Store) *Resolver {
	return NewResolver(target, store, map[string]string{"partner": "res.partner", "tag": "res.partner.category"}, false, zap.NewNop(), nil)
}

func TestResolver_WritesResolvedReferences(t *testing.T) {
	target, store := resolverFixture(t)
	r := newResolver(target, store)

	res, err := r.Resolve(context.Background(), []models.PendingReference{
		single("partner", 11, "parent_id", "partner", 10),
		single("partner", 12, "parent_id", "partner", 10),
		multi("partner", 11, "category_ids", "tag", 70, 71),
	})
	require.NoError(t, err)

	assert.Equal(t, 3, res.Resolved)
	assert.Empty(t, res.Failed)
	assert.Equal(t, 3, res.ResolvedByModel["partner"])

	p2, _ := target.Get("res.partner", 2)
	assert.Equal(t, models.RefValue(1), p2.Values["parent_id"])
	assert.Equal(t, models.RefListValue([]int64{7, 8}), p2.Values["category_ids"])
	p3, _ := target.Get("res.partner", 3)
	assert.Equal(t, models.RefValue(1), p3.Values["parent_id"])

	// One write per record per referenced model.
	assert.Equal(t, 3, target.WriteCount("res.partner"))
}

func TestResolver_UnresolvedAndDropped(t *testing.T) {
	target, store := resolverFixture(t)
	r := newResolver(target, store)

	res, err := r.Resolve(context.Background(), []models.PendingReference{
		single("partner", 11, "parent_id", "partner", 99),
		single("partner", 55, "parent_id", "partner", 10),
		multi("partner", 12, "category_ids", "tag", 70, 72),
	})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Dropped, "record 55 was never created")
	require.Len(t, res.Failed, 2)
	for _, f := range res.Failed {
		assert.True(t, errors.Is(f, apperrors.ErrUnresolvedReference))
		assert.False(t, apperrors.IsFatal(f))
	}
	byField := map[string]*apperrors.UnresolvedReferenceError{}
	for _, f := range res.Failed {
		byField[f.Field] = f
	}
	assert.Equal(t, []int64{99}, byField["parent_id"].Missing)
	assert.Equal(t, []int64{72}, byField["category_ids"].Missing)

	// The resolvable part of the multi reference is still written.
	assert.Equal(t, 1, res.Resolved)
	p3, _ := target.Get("res.partner", 3)
	assert.Equal(t, models.RefListValue([]int64{7}), p3.Values["category_ids"])
	p2, _ := target.Get("res.partner", 2)
	assert.NotContains(t, p2.Values, "parent_id")
}

func TestResolver_WriteFailureIsRecorded(t *testing.T) {
	target, store := resolverFixture(t)
	target.FailNext(memory.OpWrite, 1, errors.New("AccessError: not allowed"))
	r := newResolver(target, store)

	res, err := r.Resolve(context.Background(), []models.PendingReference{
		single("partner", 11, "parent_id", "partner", 10),
	})
	require.NoError(t, err)
	require.Len(t, res.Failed, 1)
	assert.Error(t, res.Failed[0].Err)
	assert.Zero(t, res.Resolved)
}

func TestResolver_DryRunWritesNothing(t *testing.T) {
	target, store := resolverFixture(t)
	r := NewResolver(target, store, nil, true, zap.NewNop(), nil)

	res, err := r.Resolve(context.Background(), []models.PendingReference{
		single("partner", 11, "parent_id", "partner", 10),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Resolved)
	assert.Zero(t, target.WriteCount("res.partner"))
}

func TestResolver_BulkLookupsPerModelPair(t *testing.T) {
	target, store := resolverFixture(t)
	r := newResolver(target, store)

	var refs []models.PendingReference
	for i := 0; i < 20; i++ {
		refs = append(refs, single("partner", 11, "parent_id", "partner", 10))
	}
	_, err := r.Resolve(context.Background(), refs)
	require.NoError(t, err)
	// One lookup for the records and one for the referenced ids, same model.
	assert.Equal(t, 2, store.BulkLookupCalls("partner"))
}
