//go:build integration

package mysqlbackend_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcmysql "github.com/testcontainers/testcontainers-go/modules/mysql"

	"docengine/internal/backend"
	"docengine/internal/backend/mysqlbackend"
	"docengine/internal/keypath"
	"docengine/internal/provider"
	"docengine/internal/schema"
	"docengine/internal/storeapi"
)

func startMySQL(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := tcmysql.Run(ctx, "mysql:8.0",
		tcmysql.WithDatabase("docengine"),
		tcmysql.WithUsername("root"),
		tcmysql.WithPassword("testpass"),
	)
	require.NoError(t, err, "failed to start MySQL container")
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "parseTime=true")
	require.NoError(t, err, "failed to get connection string")
	return dsn
}

// TestMySQLBackendRoundTripAndDegradedFullText exercises the engine
// against a real MySQL server rather than SQLite: MySQL has no FTS3, so
// the full-text index here takes the degraded LIKE-fallback column path
// (schema.IndexDegradesToColumn) instead of a pivot table.
func TestMySQLBackendRoundTripAndDegradedFullText(t *testing.T) {
	dsn := startMySQL(t)
	ctx := context.Background()

	dbSchema := &schema.DbSchema{
		Version: 1,
		Stores: []schema.StoreSchema{{
			Name:           "docs",
			PrimaryKeyPath: schema.KeyPath{"id"},
			Indexes: []schema.IndexSchema{
				{Name: "byAuthor", KeyPath: schema.KeyPath{"author"}},
				{Name: "byBody", KeyPath: schema.KeyPath{"body"}, FullText: true},
			},
		}},
	}

	db, err := provider.Open(ctx, []backend.Backend{mysqlbackend.New(dsn)}, dbSchema, false, nil)
	require.NoError(t, err)
	defer func() { _ = db.Close(ctx) }()

	tx, err := db.BeginTransaction(ctx, []string{"docs"}, true)
	require.NoError(t, err)
	store, err := tx.OpenStore("docs")
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, []keypath.Item{
		{"id": "a1", "author": "ada", "body": "the analytical engine computes"},
		{"id": "a2", "author": "grace", "body": "the compiler translates programs"},
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

	idx, err := tx.OpenIndex("docs", "byBody")
	require.NoError(t, err)
	items, err := idx.FullTextSearch(ctx, "engine", storeapi.ResolutionOr, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "a1", items[0]["id"])
	require.NoError(t, tx.Commit())
}
