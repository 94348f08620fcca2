package memorybackend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"docengine/internal/keypath"
	"docengine/internal/schema"
	"docengine/internal/storeapi"
)

func testSchema() *schema.DbSchema {
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

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	e := New(testSchema())
	store, err := e.OpenStore("docs")
	require.NoError(t, err)

	require.NoError(t, store.Put(ctx, []keypath.Item{{"id": "a", "author": "ann", "tags": []any{"x", "y"}, "body": "hello world"}}))

	item, ok, err := store.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "ann", item["author"])
}

func TestMultiEntryIndexMatchesEachValue(t *testing.T) {
	ctx := context.Background()
	e := New(testSchema())
	store, _ := e.OpenStore("docs")
	require.NoError(t, store.Put(ctx, []keypath.Item{
		{"id": "a", "author": "ann", "tags": []any{"x", "y"}, "body": "hello"},
	}))

	idx, err := store.OpenIndex("byTag")
	require.NoError(t, err)
	got, err := idx.GetOnly(ctx, "x", storeapi.OrderForward, 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	got, err = idx.GetOnly(ctx, "y", storeapi.OrderForward, 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	got, err = idx.GetOnly(ctx, "z", storeapi.OrderForward, 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 0)
}

func TestRangeOrderingAndReverse(t *testing.T) {
	ctx := context.Background()
	e := New(testSchema())
	store, _ := e.OpenStore("docs")
	for _, n := range []string{"carl", "ann", "bea"} {
		require.NoError(t, store.Put(ctx, []keypath.Item{{"id": n, "author": n, "tags": []any{}, "body": n}}))
	}
	idx, err := store.OpenIndex("byAuthor")
	require.NoError(t, err)

	forward, err := idx.GetAll(ctx, storeapi.OrderForward, 0, 0)
	require.NoError(t, err)
	require.Equal(t, []any{"ann", "bea", "carl"}, authorsOf(forward))

	reverse, err := idx.GetAll(ctx, storeapi.OrderReverse, 0, 0)
	require.NoError(t, err)
	require.Equal(t, []any{"carl", "bea", "ann"}, authorsOf(reverse))
}

func authorsOf(items []keypath.Item) []any {
	out := make([]any, len(items))
	for i, it := range items {
		out[i] = it["author"]
	}
	return out
}

func TestFullTextSearchAndOr(t *testing.T) {
	ctx := context.Background()
	e := New(testSchema())
	store, _ := e.OpenStore("docs")
	require.NoError(t, store.Put(ctx, []keypath.Item{
		{"id": "a", "author": "ann", "tags": []any{}, "body": "the quick fox"},
		{"id": "b", "author": "bea", "tags": []any{}, "body": "the slow turtle"},
	}))
	idx, err := store.OpenIndex("byBody")
	require.NoError(t, err)

	and, err := idx.FullTextSearch(ctx, "the quick", storeapi.ResolutionAnd, 0)
	require.NoError(t, err)
	require.Len(t, and, 1)

	or, err := idx.FullTextSearch(ctx, "fox turtle", storeapi.ResolutionOr, 0)
	require.NoError(t, err)
	require.Len(t, or, 2)
}

func TestRemoveAndClear(t *testing.T) {
	ctx := context.Background()
	e := New(testSchema())
	store, _ := e.OpenStore("docs")
	require.NoError(t, store.Put(ctx, []keypath.Item{{"id": "a", "author": "ann", "tags": []any{}, "body": "x"}}))
	require.NoError(t, store.Remove(ctx, []any{"a"}))
	_, ok, err := store.Get(ctx, "a")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Put(ctx, []keypath.Item{{"id": "b", "author": "bea", "tags": []any{}, "body": "y"}}))
	require.NoError(t, store.Clear(ctx))
	idx, _ := store.OpenIndex("byAuthor")
	n, err := idx.CountAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}
