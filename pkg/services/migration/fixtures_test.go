package migration

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-migrate/pkg/adapters/recordstore/memory"
	"github.com/ekaya-inc/ekaya-migrate/pkg/config"
	"github.com/ekaya-inc/ekaya-migrate/pkg/models"
)

func categoryFields() []models.FieldDescriptor {
	return []models.FieldDescriptor{
		{Name: "name", Kind: models.FieldScalar, Type: "char", Required: true},
		{Name: "parent_id", Kind: models.FieldSingle, Type: "many2one", Relation: "category"},
	}
}

func itemFields(codeRequired bool) []models.FieldDescriptor {
	return []models.FieldDescriptor{
		{Name: "name", Kind: models.FieldScalar, Type: "char", Required: true},
		{Name: "code", Kind: models.FieldScalar, Type: "char", Required: codeRequired},
		{Name: "category_id", Kind: models.FieldSingle, Type: "many2one", Relation: "category"},
	}
}

// catalog builds a source with 5 categories (ids 100-104, 101-104 children
// of 100) and n items (ids 1001..) spread over them, and an empty target.
func catalog(t *testing.T, n int) (src, tgt *memory.Store) {
	t.Helper()
	src = memory.New()
	src.Define(models.NewModelDescriptor("category", append(categoryFields(),
		models.FieldDescriptor{Name: "create_date", Kind: models.FieldScalar, Type: "datetime"})))
	src.Define(models.NewModelDescriptor("item", itemFields(false)))

	for i := int64(0); i < 5; i++ {
		values := models.FieldValues{
			"name":        models.StringValue(fmt.Sprintf("cat-%d", i)),
			"create_date": models.StringValue("2021-03-01 10:00:00"),
		}
		if i > 0 {
			values["parent_id"] = models.RefValue(100)
		}
		require.NoError(t, src.Insert("category", 100+i, values))
	}
	for i := 1; i <= n; i++ {
		require.NoError(t, src.Insert("item", int64(1000+i), models.FieldValues{
			"name":        models.StringValue(fmt.Sprintf("item-%d", i)),
			"code":        models.StringValue(fmt.Sprintf("C%04d", i)),
			"category_id": models.RefValue(int64(100 + i%5)),
		}))
	}

	tgt = memory.New()
	tgt.Define(models.NewModelDescriptor("category", categoryFields()))
	tgt.Define(models.NewModelDescriptor("item", itemFields(false)))
	// Offset target ids so they never coincide with source ids.
	require.NoError(t, tgt.Insert("category", 499, models.FieldValues{"name": models.StringValue("existing")}))
	require.NoError(t, tgt.Insert("item", 4999, models.FieldValues{"name": models.StringValue("existing")}))
	return src, tgt
}

func catalogConfig() *config.Config {
	return &config.Config{
		Migration: config.MigrationConfig{
			BatchSize:         100,
			PipelineDepth:     1,
			BookkeepingFields: []string{"create_date", "write_date"},
		},
		Models: []config.ModelConfig{
			{Model: "item", AllowReferences: true},
			{Model: "category", AllowReferences: true},
		},
	}
}
