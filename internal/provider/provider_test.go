package provider_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docengine/internal/backend"
	"docengine/internal/backend/memorybackend"
	"docengine/internal/backend/sqlitebackend"
	"docengine/internal/keypath"
	"docengine/internal/provider"
	"docengine/internal/schema"
	"docengine/internal/storeapi"
)

func openTestDB(t *testing.T, dbSchema *schema.DbSchema) *provider.Database {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "test.db")
	db, err := provider.Open(context.Background(), []backend.Backend{sqlitebackend.NewNCruces(dsn)}, dbSchema, false, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(context.Background()) })
	return db
}

func docsSchema() *schema.DbSchema {
	return &schema.DbSchema{
		Version: 1,
		Stores: []schema.StoreSchema{
			{
				Name:           "docs",
				PrimaryKeyPath: schema.KeyPath{"id"},
				Indexes: []schema.IndexSchema{
					{Name: "byAuthor", KeyPath: schema.KeyPath{"author"}},
					{Name: "byTag", KeyPath: schema.KeyPath{"tags"}, MultiEntry: true},
					{Name: "byBody", KeyPath: schema.KeyPath{"body"}, FullText: true},
				},
			},
		},
	}
}

// TestSimpleRoundTrip covers invariant 1: put then get returns exactly
// what was put.
func TestSimpleRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, docsSchema())

	tx, err := db.BeginTransaction(ctx, []string{"docs"}, true)
	require.NoError(t, err)
	store, err := tx.OpenStore("docs")
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, []keypath.Item{
		{"id": "a1", "author": "ada", "tags": []any{"x", "y"}, "body": "lovelace was here"},
	}))
	require.NoError(t, tx.Commit())

	tx, err = db.BeginTransaction(ctx, []string{"docs"}, false)
	require.NoError(t, err)
	store, err = tx.OpenStore("docs")
	require.NoError(t, err)
	item, found, err := store.Get(ctx, "a1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "ada", item["author"])
	require.NoError(t, tx.Commit())
}

// TestCompoundKeyAndSecondaryIndex covers scenario B: compound primary
// keys round-trip and a secondary index orders by its own keyPath.
func TestCompoundKeyAndSecondaryIndex(t *testing.T) {
	ctx := context.Background()
	dbSchema := &schema.DbSchema{
		Version: 1,
		Stores: []schema.StoreSchema{{
			Name:           "events",
			PrimaryKeyPath: schema.KeyPath{"tenant", "id"},
			Indexes: []schema.IndexSchema{
				{Name: "byWhen", KeyPath: schema.KeyPath{"when"}},
			},
		}},
	}
	db := openTestDB(t, dbSchema)

	tx, err := db.BeginTransaction(ctx, []string{"events"}, true)
	require.NoError(t, err)
	store, err := tx.OpenStore("events")
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, []keypath.Item{
		{"tenant": "t1", "id": "e1", "when": "2026-01-01"},
		{"tenant": "t1", "id": "e2", "when": "2025-01-01"},
	}))
	require.NoError(t, tx.Commit())

	tx, err = db.BeginTransaction(ctx, []string{"events"}, false)
	require.NoError(t, err)
	idx, err := tx.OpenIndex("events", "byWhen")
	require.NoError(t, err)
	items, err := idx.GetAll(ctx, storeapi.OrderForward, 0, 0)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "2025-01-01", items[0]["when"])
	assert.Equal(t, "2026-01-01", items[1]["when"])
	require.NoError(t, tx.Commit())

	tx, err = db.BeginTransaction(ctx, []string{"events"}, false)
	require.NoError(t, err)
	store, err = tx.OpenStore("events")
	require.NoError(t, err)
	item, found, err := store.Get(ctx, []any{"t1", "e1"})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "e1", item["id"])
	require.NoError(t, tx.Commit())
}

// TestMultiEntryIndex covers scenario C: a multiEntry index produces one
// posting per array element.
func TestMultiEntryIndex(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, docsSchema())

	tx, err := db.BeginTransaction(ctx, []string{"docs"}, true)
	require.NoError(t, err)
	store, err := tx.OpenStore("docs")
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, []keypath.Item{
		{"id": "a1", "author": "ada", "tags": []any{"math", "computing"}, "body": "analytical engine"},
		{"id": "a2", "author": "grace", "tags": []any{"computing"}, "body": "compiler design"},
	}))
	require.NoError(t, tx.Commit())

	tx, err = db.BeginTransaction(ctx, []string{"docs"}, false)
	require.NoError(t, err)
	idx, err := tx.OpenIndex("docs", "byTag")
	require.NoError(t, err)
	items, err := idx.GetOnly(ctx, "computing", storeapi.OrderNone, 0, 0)
	require.NoError(t, err)
	assert.Len(t, items, 2)
	items, err = idx.GetOnly(ctx, "math", storeapi.OrderNone, 0, 0)
	require.NoError(t, err)
	assert.Len(t, items, 1)
	require.NoError(t, tx.Commit())
}

// TestFullTextSearch covers scenario D: fullText AND/OR resolution over
// a native FTS3-backed index.
func TestFullTextSearch(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, docsSchema())

	tx, err := db.BeginTransaction(ctx, []string{"docs"}, true)
	require.NoError(t, err)
	store, err := tx.OpenStore("docs")
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, []keypath.Item{
		{"id": "a1", "author": "ada", "tags": []any{}, "body": "the analytical engine computes"},
		{"id": "a2", "author": "grace", "tags": []any{}, "body": "the compiler translates programs"},
	}))
	require.NoError(t, tx.Commit())

	tx, err = db.BeginTransaction(ctx, []string{"docs"}, false)
	require.NoError(t, err)
	idx, err := tx.OpenIndex("docs", "byBody")
	require.NoError(t, err)
	orItems, err := idx.FullTextSearch(ctx, "engine compiler", storeapi.ResolutionOr, 0)
	require.NoError(t, err)
	assert.Len(t, orItems, 2)
	andItems, err := idx.FullTextSearch(ctx, "analytical engine", storeapi.ResolutionAnd, 0)
	require.NoError(t, err)
	require.Len(t, andItems, 1)
	assert.Equal(t, "a1", andItems[0]["id"])
	require.NoError(t, tx.Commit())
}

// TestMemoryBackendAsProviderCandidate covers §4.9: memorybackend is a real
// backend.Backend, reachable through the same provider.Open/BeginTransaction
// surface as the SQL backends, with no physical migration step involved.
func TestMemoryBackendAsProviderCandidate(t *testing.T) {
	ctx := context.Background()
	db, err := provider.Open(ctx, []backend.Backend{memorybackend.NewBackend(docsSchema())}, docsSchema(), false, nil)
	require.NoError(t, err)
	defer func() { _ = db.Close(ctx) }()

	tx, err := db.BeginTransaction(ctx, []string{"docs"}, true)
	require.NoError(t, err)
	store, err := tx.OpenStore("docs")
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, []keypath.Item{
		{"id": "a1", "author": "ada", "tags": []any{"x"}, "body": "the analytical engine"},
	}))
	require.NoError(t, tx.Commit())

	tx, err = db.BeginTransaction(ctx, []string{"docs"}, false)
	require.NoError(t, err)
	idx, err := tx.OpenIndex("docs", "byAuthor")
	require.NoError(t, err)
	items, err := idx.GetOnly(ctx, "ada", storeapi.OrderNone, 0, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "a1", items[0]["id"])
	require.NoError(t, tx.Commit())
}

// TestMigrationAddsIndexWithBackfill covers scenario E: reopening with
// a new index in the target schema backfills existing rows.
func TestMigrationAddsIndexWithBackfill(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "test.db")
	v1 := &schema.DbSchema{Version: 1, Stores: []schema.StoreSchema{{
		Name: "docs", PrimaryKeyPath: schema.KeyPath{"id"},
	}}}
	db, err := provider.Open(ctx, []backend.Backend{sqlitebackend.NewNCruces(dsn)}, v1, false, nil)
	require.NoError(t, err)
	tx, err := db.BeginTransaction(ctx, []string{"docs"}, true)
	require.NoError(t, err)
	store, err := tx.OpenStore("docs")
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, []keypath.Item{{"id": "a1", "author": "ada"}}))
	require.NoError(t, tx.Commit())
	require.NoError(t, db.Close(ctx))

	v2 := &schema.DbSchema{Version: 2, Stores: []schema.StoreSchema{{
		Name:           "docs",
		PrimaryKeyPath: schema.KeyPath{"id"},
		Indexes:        []schema.IndexSchema{{Name: "byAuthor", KeyPath: schema.KeyPath{"author"}}},
	}}}
	db, err = provider.Open(ctx, []backend.Backend{sqlitebackend.NewNCruces(dsn)}, v2, false, nil)
	require.NoError(t, err)
	defer func() { _ = db.Close(ctx) }()

	tx, err = db.BeginTransaction(ctx, []string{"docs"}, false)
	require.NoError(t, err)
	idx, err := tx.OpenIndex("docs", "byAuthor")
	require.NoError(t, err)
	items, err := idx.GetOnly(ctx, "ada", storeapi.OrderForward, 0, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "a1", items[0]["id"])
	require.NoError(t, tx.Commit())
}

// TestMigrationAddsDoNotBackfillIndex covers scenario F: an additive
// index marked doNotBackfill is created but leaves pre-existing rows
// unindexed.
func TestMigrationAddsDoNotBackfillIndex(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "test.db")
	v1 := &schema.DbSchema{Version: 1, Stores: []schema.StoreSchema{{
		Name: "docs", PrimaryKeyPath: schema.KeyPath{"id"},
	}}}
	db, err := provider.Open(ctx, []backend.Backend{sqlitebackend.NewNCruces(dsn)}, v1, false, nil)
	require.NoError(t, err)
	tx, err := db.BeginTransaction(ctx, []string{"docs"}, true)
	require.NoError(t, err)
	store, err := tx.OpenStore("docs")
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, []keypath.Item{{"id": "a1", "author": "ada"}}))
	require.NoError(t, tx.Commit())
	require.NoError(t, db.Close(ctx))

	v2 := &schema.DbSchema{Version: 2, Stores: []schema.StoreSchema{{
		Name:           "docs",
		PrimaryKeyPath: schema.KeyPath{"id"},
		Indexes: []schema.IndexSchema{
			{Name: "byAuthor", KeyPath: schema.KeyPath{"author"}, DoNotBackfill: true},
		},
	}}}
	db, err = provider.Open(ctx, []backend.Backend{sqlitebackend.NewNCruces(dsn)}, v2, false, nil)
	require.NoError(t, err)
	defer func() { _ = db.Close(ctx) }()

	tx, err = db.BeginTransaction(ctx, []string{"docs"}, false)
	require.NoError(t, err)
	idx, err := tx.OpenIndex("docs", "byAuthor")
	require.NoError(t, err)
	items, err := idx.GetOnly(ctx, "ada", storeapi.OrderForward, 0, 0)
	require.NoError(t, err)
	assert.Len(t, items, 0)

	store, err = tx.OpenStore("docs")
	require.NoError(t, err)
	item, found, err := store.Get(ctx, "a1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "ada", item["author"])
	require.NoError(t, tx.Commit())
}
