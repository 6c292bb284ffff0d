package migration

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-migrate/pkg/adapters/recordstore/memory"
	"github.com/ekaya-inc/ekaya-migrate/pkg/models"
	"github.com/ekaya-inc/ekaya-migrate/pkg/services/transform"
)

const seedModel = "sale.subscription.template"

func seedTarget() *memory.Store {
	target := memory.New()
	target.Define(models.NewModelDescriptor(seedModel, []models.FieldDescriptor{
		{Name: "code", Kind: models.FieldScalar, Type: "char"},
		{Name: "name", Kind: models.FieldScalar, Type: "char", Required: true},
		{Name: "recurring_interval", Kind: models.FieldScalar, Type: "integer"},
	}))
	return target
}

func templateSeeds() []transform.Seed {
	return []transform.Seed{{
		Model: seedModel,
		Key:   "code",
		Records: []map[string]any{
			{"code": "MONTH", "name": "Monthly", "recurring_interval": 1},
			{"code": "YEAR", "name": "Yearly", "recurring_interval": 12},
		},
	}}
}

func TestSeeder_CreatesMissing(t *testing.T) {
	target := seedTarget()
	s := NewSeeder(target, false, zap.NewNop())

	results, err := s.Seed(context.Background(), templateSeeds())
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.Equal(t, 2, results[0].Created)
	assert.Zero(t, results[0].Existing)
	assert.Len(t, results[0].IDs, 2)

	recs := target.Records(seedModel)
	require.Len(t, recs, 2)
	assert.Equal(t, models.StringValue("Monthly"), recs[0].Values["name"])
	assert.Equal(t, models.IntValue(12), recs[1].Values["recurring_interval"])
	assert.Equal(t, []int{2}, target.CreateCallSizes(seedModel), "missing records are created in one call")
}

func TestSeeder_SecondRunCreatesNothing(t *testing.T) {
	target := seedTarget()
	s := NewSeeder(target, false, zap.NewNop())

	first, err := s.Seed(context.Background(), templateSeeds())
	require.NoError(t, err)
	second, err := s.Seed(context.Background(), templateSeeds())
	require.NoError(t, err)

	assert.Zero(t, second[0].Created)
	assert.Equal(t, 2, second[0].Existing)
	assert.Equal(t, first[0].IDs, second[0].IDs)
	assert.Len(t, target.Records(seedModel), 2)
}

func TestSeeder_ReusesLowestExistingID(t *testing.T) {
	target := seedTarget()
	require.NoError(t, target.Insert(seedModel, 9, models.FieldValues{"code": models.StringValue("YEAR"), "name": models.StringValue("Yearly (old)")}))
	require.NoError(t, target.Insert(seedModel, 4, models.FieldValues{"code": models.StringValue("YEAR"), "name": models.StringValue("Yearly")}))
	s := NewSeeder(target, false, zap.NewNop())

	results, err := s.Seed(context.Background(), templateSeeds())
	require.NoError(t, err)

	assert.Equal(t, 1, results[0].Created)
	assert.Equal(t, 1, results[0].Existing)
	assert.Equal(t, int64(4), results[0].IDs["YEAR"])
	assert.Equal(t, int64(10), results[0].IDs["MONTH"])
}

func TestSeeder_DryRun(t *testing.T) {
	target := seedTarget()
	s := NewSeeder(target, true, zap.NewNop())

	results, err := s.Seed(context.Background(), templateSeeds())
	require.NoError(t, err)

	assert.Equal(t, 2, results[0].Created)
	assert.Empty(t, results[0].IDs)
	assert.Empty(t, target.Records(seedModel))
	assert.Empty(t, target.CreateCallSizes(seedModel))
}

func TestSeeder_CreateFailure(t *testing.T) {
	target := seedTarget()
	target.FailNext(memory.OpCreate, 1, errors.New("AccessError: not allowed"))
	s := NewSeeder(target, false, zap.NewNop())

	_, err := s.Seed(context.Background(), templateSeeds())
	require.Error(t, err)
	assert.Contains(t, err.Error(), seedModel)
}
