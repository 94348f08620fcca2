package migration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docengine/internal/schema"
)

func targetSchema() *schema.DbSchema {
	return &schema.DbSchema{
		Version: 2,
		Stores: []schema.StoreSchema{
			{
				Name:           "docs",
				PrimaryKeyPath: schema.KeyPath{"id"},
				Indexes: []schema.IndexSchema{
					{Name: "byAuthor", KeyPath: schema.KeyPath{"author"}},
				},
			},
		},
	}
}

func TestPlanFreshDatabaseWipesAndCreates(t *testing.T) {
	cat := &Catalog{Stores: map[string]StoreCatalogEntry{}}
	plan, err := NewPlanner().Plan(cat, targetSchema(), false)
	require.NoError(t, err)
	require.True(t, plan.WipeDatabase)
	require.Len(t, plan.Steps, 2)
	assert.Equal(t, StepCreateStore, plan.Steps[0].Kind)
	assert.Equal(t, "docs", plan.Steps[0].Store.Name)
	assert.Equal(t, StepWriteMetadata, plan.Steps[1].Kind)
}

func TestPlanWipeIfExistsForcesWipeEvenWhenUpToDate(t *testing.T) {
	cat := &Catalog{
		Version: 2,
		Stores: map[string]StoreCatalogEntry{
			"docs": {Exists: true, Indexes: map[string]schema.IndexSchema{
				"byAuthor": {Name: "byAuthor", KeyPath: schema.KeyPath{"author"}},
			}},
		},
	}
	plan, err := NewPlanner().Plan(cat, targetSchema(), true)
	require.NoError(t, err)
	assert.True(t, plan.WipeDatabase)
}

func TestPlanNewIndexIsAddedAndBackfilled(t *testing.T) {
	cat := &Catalog{
		Version: 2,
		Stores: map[string]StoreCatalogEntry{
			"docs": {Exists: true, Indexes: map[string]schema.IndexSchema{}},
		},
	}
	plan, err := NewPlanner().Plan(cat, targetSchema(), false)
	require.NoError(t, err)
	assert.False(t, plan.WipeDatabase)
	require.Len(t, plan.Steps, 3)
	assert.Equal(t, StepAddIndex, plan.Steps[0].Kind)
	assert.Equal(t, StepBackfillIndex, plan.Steps[1].Kind)
	assert.Equal(t, StepWriteMetadata, plan.Steps[2].Kind)
}

func TestPlanDoNotBackfillSkipsBackfillStep(t *testing.T) {
	target := targetSchema()
	target.Stores[0].Indexes[0].DoNotBackfill = true
	cat := &Catalog{
		Version: 2,
		Stores: map[string]StoreCatalogEntry{
			"docs": {Exists: true, Indexes: map[string]schema.IndexSchema{}},
		},
	}
	plan, err := NewPlanner().Plan(cat, target, false)
	require.NoError(t, err)
	require.Len(t, plan.Steps, 2)
	assert.Equal(t, StepAddIndex, plan.Steps[0].Kind)
	assert.Equal(t, StepWriteMetadata, plan.Steps[1].Kind)
}

func TestPlanChangedIndexDefinitionNeedsRebuild(t *testing.T) {
	cat := &Catalog{
		Version: 2,
		Stores: map[string]StoreCatalogEntry{
			"docs": {Exists: true, Indexes: map[string]schema.IndexSchema{
				"byAuthor": {Name: "byAuthor", KeyPath: schema.KeyPath{"writer"}},
			}},
		},
	}
	plan, err := NewPlanner().Plan(cat, targetSchema(), false)
	require.NoError(t, err)
	require.Len(t, plan.Steps, 2)
	assert.Equal(t, StepRebuildStore, plan.Steps[0].Kind)
}

func TestPlanRemovedIndexIsDropped(t *testing.T) {
	target := targetSchema()
	target.Stores[0].Indexes = nil
	cat := &Catalog{
		Version: 2,
		Stores: map[string]StoreCatalogEntry{
			"docs": {Exists: true, Indexes: map[string]schema.IndexSchema{
				"byAuthor": {Name: "byAuthor", KeyPath: schema.KeyPath{"author"}},
			}},
		},
	}
	plan, err := NewPlanner().Plan(cat, target, false)
	require.NoError(t, err)
	require.Len(t, plan.Steps, 2)
	assert.Equal(t, StepDropIndex, plan.Steps[0].Kind)
}

func TestPlanStoreRemovedFromSchemaIsDropped(t *testing.T) {
	target := &schema.DbSchema{Version: 2}
	cat := &Catalog{
		Version: 2,
		Stores: map[string]StoreCatalogEntry{
			"docs": {Exists: true, Indexes: map[string]schema.IndexSchema{}},
		},
	}
	plan, err := NewPlanner().Plan(cat, target, false)
	require.NoError(t, err)
	require.Len(t, plan.Steps, 2)
	assert.Equal(t, StepDropStore, plan.Steps[0].Kind)
	assert.Equal(t, "docs", plan.Steps[0].Store.Name)
}
