package schema_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"docengine/internal/schema"
)

func TestValidateRejectsMultiEntryCompound(t *testing.T) {
	db := &schema.DbSchema{Stores: []schema.StoreSchema{{
		Name:           "widgets",
		PrimaryKeyPath: schema.KeyPath{"id"},
		Indexes: []schema.IndexSchema{{
			Name:       "bad",
			KeyPath:    schema.KeyPath{"a", "b"},
			MultiEntry: true,
		}},
	}}}
	require.Error(t, db.Validate())
}

func TestValidateRejectsFullTextCompound(t *testing.T) {
	db := &schema.DbSchema{Stores: []schema.StoreSchema{{
		Name:           "docs",
		PrimaryKeyPath: schema.KeyPath{"id"},
		Indexes: []schema.IndexSchema{{
			Name:     "bad",
			KeyPath:  schema.KeyPath{"a", "b"},
			FullText: true,
		}},
	}}}
	require.Error(t, db.Validate())
}

func TestValidateRejectsDuplicateStoreNames(t *testing.T) {
	db := &schema.DbSchema{Stores: []schema.StoreSchema{
		{Name: "dup", PrimaryKeyPath: schema.KeyPath{"id"}},
		{Name: "dup", PrimaryKeyPath: schema.KeyPath{"id"}},
	}}
	require.Error(t, db.Validate())
}

func TestIndexUsesSeparateTable(t *testing.T) {
	multi := schema.IndexSchema{MultiEntry: true}
	require.True(t, schema.IndexUsesSeparateTable(multi, false))
	require.True(t, schema.IndexUsesSeparateTable(multi, true))

	ft := schema.IndexSchema{FullText: true}
	require.True(t, schema.IndexUsesSeparateTable(ft, true))
	require.False(t, schema.IndexUsesSeparateTable(ft, false))
	require.True(t, schema.IndexDegradesToColumn(ft, false))

	col := schema.IndexSchema{}
	require.False(t, schema.IndexUsesSeparateTable(col, true))
}

func TestWipeRequired(t *testing.T) {
	db := &schema.DbSchema{Version: 3, LastUsableVersion: 2}
	require.True(t, db.WipeRequired(1, false))
	require.False(t, db.WipeRequired(2, false))
	require.True(t, db.WipeRequired(2, true))
}

func TestParseTOML(t *testing.T) {
	doc := `
version = 1

[[stores]]
name = "widgets"
primary_key_path = "id"

[[stores.indexes]]
name = "by_tag"
key_path = "tag"
multi_entry = true

[[stores]]
name = "compound"
primary_key_path = ["a", "b"]
`
	s, err := schema.ParseTOML(strings.NewReader(doc))
	require.NoError(t, err)
	require.Equal(t, uint32(1), s.Version)
	require.Len(t, s.Stores, 2)
	require.Equal(t, schema.KeyPath{"id"}, s.Stores[0].PrimaryKeyPath)
	require.True(t, s.Stores[0].Indexes[0].MultiEntry)
	require.Equal(t, schema.KeyPath{"a", "b"}, s.Stores[1].PrimaryKeyPath)
	require.True(t, s.Stores[1].PrimaryKeyPath.IsCompound())
}
