// Package memorybackend implements the in-memory fallback backend described
// in spec.md §4.7: rather than generating SQL against a relational catalog,
// it keeps every store and index as a sorted, in-process structure and
// implements storeapi.Store/storeapi.Index directly. There is no persisted
// physical schema to diff, so it never goes through
// internal/migration/internal/executor: opening an Engine against a
// schema.DbSchema simply creates empty stores matching that schema, the
// same way a from-scratch "wipe" migration would for a SQL backend.
//
// The teacher's diff/apply packages work against a balanced structure only
// conceptually (a B-tree index on disk); here "ordered structure" is a
// plain sorted slice searched with sort.Search rather than a true
// red-black tree, since every testable property in scope (ordering,
// range boundaries, multi-entry duplicates) only needs correct ordering,
// not a particular asymptotic complexity.
package memorybackend

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"docengine/internal/backend"
	"docengine/internal/dberr"
	"docengine/internal/fts"
	"docengine/internal/keycodec"
	"docengine/internal/keypath"
	"docengine/internal/schema"
	"docengine/internal/storeapi"
)

// Engine holds every store for one in-memory database instance.
type Engine struct {
	mu     sync.RWMutex
	schema *schema.DbSchema
	stores map[string]*memStore
}

// New builds an Engine with one empty store per schema.Stores entry.
func New(dbSchema *schema.DbSchema) *Engine {
	e := &Engine{schema: dbSchema, stores: make(map[string]*memStore, len(dbSchema.Stores))}
	for _, ss := range dbSchema.Stores {
		e.stores[ss.Name] = newMemStore(ss)
	}
	return e
}

// OpenStore returns the named store.
func (e *Engine) OpenStore(name string) (storeapi.Store, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ms, ok := e.stores[name]
	if !ok {
		return nil, dberr.New(dberr.UnknownStore, fmt.Sprintf("unknown store %q", name))
	}
	return ms, nil
}

type indexEntry struct {
	key string
	pk  string
}

func less(a, b indexEntry) bool {
	if a.key != b.key {
		return a.key < b.key
	}
	return a.pk < b.pk
}

type memIndexData struct {
	schema  schema.IndexSchema
	entries []indexEntry
}

func (d *memIndexData) insert(e indexEntry) {
	i := sort.Search(len(d.entries), func(i int) bool { return !less(d.entries[i], e) })
	d.entries = append(d.entries, indexEntry{})
	copy(d.entries[i+1:], d.entries[i:])
	d.entries[i] = e
}

func (d *memIndexData) removeAllForPK(pk string) {
	out := d.entries[:0]
	for _, e := range d.entries {
		if e.pk != pk {
			out = append(out, e)
		}
	}
	d.entries = out
}

type memStore struct {
	mu      sync.RWMutex
	schema  schema.StoreSchema
	rows    map[string]keypath.Item
	pk      *memIndexData // virtual index over the primary key itself
	indexes map[string]*memIndexData
}

func newMemStore(ss schema.StoreSchema) *memStore {
	ms := &memStore{
		schema:  ss,
		rows:    make(map[string]keypath.Item),
		pk:      &memIndexData{},
		indexes: make(map[string]*memIndexData, len(ss.Indexes)),
	}
	for _, idx := range ss.Indexes {
		ms.indexes[idx.Name] = &memIndexData{schema: idx}
	}
	return ms
}

func cloneItem(item keypath.Item) keypath.Item {
	out := make(keypath.Item, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

func (ms *memStore) primaryKeyOf(item keypath.Item) (string, error) {
	values, ok := keypath.GetValues(item, ms.schema.PrimaryKeyPath)
	if !ok {
		return "", dberr.New(dberr.BadKey, "item is missing its primary key path")
	}
	compound := ms.schema.PrimaryKeyPath.IsCompound()
	if compound {
		return keycodec.SerializeCompound(values)
	}
	return keycodec.SerializeValue(values[0])
}

func serializeLookupKey(keyOrComponents any, compound bool) (string, error) {
	return keycodec.Serialize(keyOrComponents, compound)
}

func (ms *memStore) indexKeysFor(idx schema.IndexSchema, item keypath.Item) ([]string, error) {
	if idx.FullText {
		return fts.GetFullTextIndexWordsForItem(item, idx.KeyPath[0]), nil
	}
	if idx.MultiEntry {
		v, ok := keypath.GetValue(item, idx.KeyPath[0])
		if !ok || v == nil {
			return nil, nil
		}
		slice, ok := v.([]any)
		if !ok {
			s, err := keycodec.SerializeValue(v)
			if err != nil {
				return nil, nil
			}
			return []string{s}, nil
		}
		out := make([]string, 0, len(slice))
		for _, elem := range slice {
			s, err := keycodec.SerializeValue(elem)
			if err != nil {
				continue
			}
			out = append(out, s)
		}
		return out, nil
	}
	values, ok := keypath.GetValues(item, idx.KeyPath)
	if !ok {
		return nil, nil
	}
	var key string
	var err error
	if idx.KeyPath.IsCompound() {
		key, err = keycodec.SerializeCompound(values)
	} else {
		key, err = keycodec.SerializeValue(values[0])
	}
	if err != nil {
		return nil, nil
	}
	return []string{key}, nil
}

func (ms *memStore) removeFromIndexesLocked(pk string) {
	ms.pk.removeAllForPK(pk)
	for _, d := range ms.indexes {
		d.removeAllForPK(pk)
	}
}

func (ms *memStore) insertIntoIndexesLocked(pk string, item keypath.Item) error {
	ms.pk.insert(indexEntry{key: pk, pk: pk})
	for name, d := range ms.indexes {
		idx := d.schema
		keys, err := ms.indexKeysFor(idx, item)
		if err != nil {
			return fmt.Errorf("index %s: %w", name, err)
		}
		for _, k := range keys {
			d.insert(indexEntry{key: k, pk: pk})
		}
	}
	return nil
}

func (ms *memStore) Put(_ context.Context, items []keypath.Item) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for _, item := range items {
		pk, err := ms.primaryKeyOf(item)
		if err != nil {
			return err
		}
		if _, exists := ms.rows[pk]; exists {
			ms.removeFromIndexesLocked(pk)
		}
		clone := cloneItem(item)
		ms.rows[pk] = clone
		if err := ms.insertIntoIndexesLocked(pk, clone); err != nil {
			return err
		}
	}
	return nil
}

func (ms *memStore) Get(_ context.Context, key any) (keypath.Item, bool, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	k, err := serializeLookupKey(key, ms.schema.PrimaryKeyPath.IsCompound())
	if err != nil {
		return nil, false, err
	}
	item, ok := ms.rows[k]
	if !ok {
		return nil, false, nil
	}
	return cloneItem(item), true, nil
}

func (ms *memStore) GetMultiple(ctx context.Context, keys []any) ([]keypath.Item, error) {
	out := make([]keypath.Item, 0, len(keys))
	for _, k := range keys {
		item, ok, err := ms.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, item)
		}
	}
	return out, nil
}

func (ms *memStore) Remove(_ context.Context, keys []any) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	compound := ms.schema.PrimaryKeyPath.IsCompound()
	for _, key := range keys {
		k, err := serializeLookupKey(key, compound)
		if err != nil {
			return err
		}
		if _, ok := ms.rows[k]; !ok {
			continue
		}
		delete(ms.rows, k)
		ms.removeFromIndexesLocked(k)
	}
	return nil
}

func (ms *memStore) RemoveRange(ctx context.Context, indexName string, low, high any, loExcl, hiExcl bool) error {
	keys, err := ms.resolvePKsForRange(indexName, low, high, loExcl, hiExcl)
	if err != nil {
		return err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for _, k := range keys {
		if _, ok := ms.rows[k]; !ok {
			continue
		}
		delete(ms.rows, k)
		ms.removeFromIndexesLocked(k)
	}
	return nil
}

func (ms *memStore) resolvePKsForRange(indexName string, low, high any, loExcl, hiExcl bool) ([]string, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	d, err := ms.indexDataLocked(indexName)
	if err != nil {
		return nil, err
	}
	lo, hi, err := serializeBounds(low, high, d.schema, ms.schema.PrimaryKeyPath)
	if err != nil {
		return nil, err
	}
	start, end := rangeBounds(d.entries, lo, hi, loExcl, hiExcl)
	seen := make(map[string]struct{}, end-start)
	out := make([]string, 0, end-start)
	for _, e := range d.entries[start:end] {
		if _, ok := seen[e.pk]; ok {
			continue
		}
		seen[e.pk] = struct{}{}
		out = append(out, e.pk)
	}
	return out, nil
}

func (ms *memStore) indexDataLocked(name string) (*memIndexData, error) {
	if name == "" {
		return ms.pk, nil
	}
	d, ok := ms.indexes[name]
	if !ok {
		return nil, dberr.New(dberr.UnknownStore, fmt.Sprintf("unknown index %q", name))
	}
	return d, nil
}

func (ms *memStore) Clear(_ context.Context) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.rows = make(map[string]keypath.Item)
	ms.pk = &memIndexData{}
	for name, d := range ms.indexes {
		ms.indexes[name] = &memIndexData{schema: d.schema}
	}
	return nil
}

func (ms *memStore) OpenIndex(name string) (storeapi.Index, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	d, ok := ms.indexes[name]
	if !ok {
		return nil, dberr.New(dberr.UnknownStore, fmt.Sprintf("unknown index %q", name))
	}
	return &memIndex{store: ms, data: d, pkPath: ms.schema.PrimaryKeyPath}, nil
}

func (ms *memStore) OpenPrimaryKeyIndex() (storeapi.Index, error) {
	return &memIndex{store: ms, data: ms.pk, isPK: true, pkPath: ms.schema.PrimaryKeyPath}, nil
}

func serializeBounds(low, high any, idx schema.IndexSchema, pkPath schema.KeyPath) (lo, hi string, err error) {
	compound := idx.KeyPath != nil && idx.KeyPath.IsCompound()
	if idx.Name == "" { // primary key virtual index
		compound = pkPath.IsCompound()
	}
	if low != nil {
		lo, err = keycodec.Serialize(low, compound)
		if err != nil {
			return "", "", err
		}
	}
	if high != nil {
		hi, err = keycodec.Serialize(high, compound)
		if err != nil {
			return "", "", err
		}
	}
	return lo, hi, nil
}

// rangeBounds returns the half-open [start,end) slice indices for entries
// whose Key falls within [lo,hi] honoring the exclusivity flags. An empty
// lo/hi means unbounded on that side.
func rangeBounds(entries []indexEntry, lo, hi string, loExcl, hiExcl bool) (start, end int) {
	start = 0
	if lo != "" {
		start = sort.Search(len(entries), func(i int) bool { return entries[i].key >= lo })
		if loExcl {
			for start < len(entries) && entries[start].key == lo {
				start++
			}
		}
	}
	end = len(entries)
	if hi != "" {
		end = sort.Search(len(entries), func(i int) bool { return entries[i].key > hi })
		if hiExcl {
			for end > start && entries[end-1].key == hi {
				end--
			}
		}
	}
	if end < start {
		end = start
	}
	return start, end
}

type memIndex struct {
	store  *memStore
	data   *memIndexData
	isPK   bool
	pkPath schema.KeyPath
}

func (mi *memIndex) items(ctx context.Context, start, end int, order storeapi.Order, limit, offset int) ([]keypath.Item, error) {
	mi.store.mu.RLock()
	entries := append([]indexEntry(nil), mi.data.entries[start:end]...)
	mi.store.mu.RUnlock()

	if order == storeapi.OrderReverse {
		for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
			entries[i], entries[j] = entries[j], entries[i]
		}
	}
	limit = storeapi.ClampLimit(limit)
	if offset > 0 {
		if offset >= len(entries) {
			entries = nil
		} else {
			entries = entries[offset:]
		}
	}
	if limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}

	mi.store.mu.RLock()
	defer mi.store.mu.RUnlock()
	out := make([]keypath.Item, 0, len(entries))
	for _, e := range entries {
		if item, ok := mi.store.rows[e.pk]; ok {
			out = append(out, cloneItem(item))
		}
	}
	return out, nil
}

func (mi *memIndex) GetAll(ctx context.Context, order storeapi.Order, limit, offset int) ([]keypath.Item, error) {
	mi.store.mu.RLock()
	n := len(mi.data.entries)
	mi.store.mu.RUnlock()
	return mi.items(ctx, 0, n, order, limit, offset)
}

func (mi *memIndex) GetOnly(ctx context.Context, key any, order storeapi.Order, limit, offset int) ([]keypath.Item, error) {
	return mi.GetRange(ctx, key, key, false, false, order, limit, offset)
}

func (mi *memIndex) GetRange(ctx context.Context, low, high any, loExcl, hiExcl bool, order storeapi.Order, limit, offset int) ([]keypath.Item, error) {
	mi.store.mu.RLock()
	lo, hi, err := serializeBounds(low, high, mi.data.schema, mi.pkPath)
	if err != nil {
		mi.store.mu.RUnlock()
		return nil, err
	}
	start, end := rangeBounds(mi.data.entries, lo, hi, loExcl, hiExcl)
	mi.store.mu.RUnlock()
	return mi.items(ctx, start, end, order, limit, offset)
}

func (mi *memIndex) GetKeysForRange(ctx context.Context, low, high any, loExcl, hiExcl bool) ([]string, error) {
	mi.store.mu.RLock()
	defer mi.store.mu.RUnlock()
	lo, hi, err := serializeBounds(low, high, mi.data.schema, mi.pkPath)
	if err != nil {
		return nil, err
	}
	start, end := rangeBounds(mi.data.entries, lo, hi, loExcl, hiExcl)
	var out []string
	for i := start; i < end; i++ {
		if i > start && mi.data.entries[i].key == mi.data.entries[i-1].key {
			continue
		}
		out = append(out, mi.data.entries[i].key)
	}
	return out, nil
}

func (mi *memIndex) CountAll(ctx context.Context) (int, error) {
	mi.store.mu.RLock()
	defer mi.store.mu.RUnlock()
	return len(mi.data.entries), nil
}

func (mi *memIndex) CountOnly(ctx context.Context, key any) (int, error) {
	return mi.CountRange(ctx, key, key, false, false)
}

func (mi *memIndex) CountRange(ctx context.Context, low, high any, loExcl, hiExcl bool) (int, error) {
	mi.store.mu.RLock()
	defer mi.store.mu.RUnlock()
	lo, hi, err := serializeBounds(low, high, mi.data.schema, mi.pkPath)
	if err != nil {
		return 0, err
	}
	start, end := rangeBounds(mi.data.entries, lo, hi, loExcl, hiExcl)
	return end - start, nil
}

// FullTextSearch intersects (resolution AND) or unions (OR) the posting
// lists for each normalized search term, since a full-text memIndex's
// entries are keyed one-per-token exactly like a multi-entry index.
func (mi *memIndex) FullTextSearch(ctx context.Context, phrase string, resolution storeapi.Resolution, limit int) ([]keypath.Item, error) {
	terms := fts.BreakAndNormalizeSearchPhrase(phrase)
	if len(terms) == 0 {
		return nil, nil
	}

	mi.store.mu.RLock()
	postings := make([]map[string]struct{}, len(terms))
	for i, term := range terms {
		start, end := rangeBounds(mi.data.entries, term, term, false, false)
		set := make(map[string]struct{}, end-start)
		for _, e := range mi.data.entries[start:end] {
			set[e.pk] = struct{}{}
		}
		postings[i] = set
	}
	mi.store.mu.RUnlock()

	var pks []string
	if resolution == storeapi.ResolutionAnd {
		pks = intersect(postings)
	} else {
		pks = union(postings)
	}
	sort.Strings(pks)

	limit = storeapi.ClampLimit(limit)
	if limit > 0 && limit < len(pks) {
		pks = pks[:limit]
	}

	mi.store.mu.RLock()
	defer mi.store.mu.RUnlock()
	out := make([]keypath.Item, 0, len(pks))
	for _, pk := range pks {
		if item, ok := mi.store.rows[pk]; ok {
			out = append(out, cloneItem(item))
		}
	}
	return out, nil
}

func intersect(sets []map[string]struct{}) []string {
	if len(sets) == 0 {
		return nil
	}
	var out []string
	for pk := range sets[0] {
		inAll := true
		for _, s := range sets[1:] {
			if _, ok := s[pk]; !ok {
				inAll = false
				break
			}
		}
		if inAll {
			out = append(out, pk)
		}
	}
	return out
}

func union(sets []map[string]struct{}) []string {
	seen := make(map[string]struct{})
	for _, s := range sets {
		for pk := range s {
			seen[pk] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for pk := range seen {
		out = append(out, pk)
	}
	return out
}

// Backend adapts Engine to backend.Backend so memorybackend can sit in a
// ProviderFallback candidate list (spec.md §4.8/§4.9) next to sqlitebackend
// and mysqlbackend. It never builds or runs SQL: its Capabilities report
// DialectMemory, and internal/provider recognizes that dialect and fetches
// storeapi.Store/Index straight off the underlying Engine (via the Store
// method on Tx below) instead of constructing internal/store/internal/index
// query builders. Because there is no physical catalog to diff, opening a
// Backend also skips internal/migration/internal/executor entirely: New
// already creates one empty store per schema.DbSchema entry, equivalent to
// a from-scratch wipe migration every time.
type Backend struct {
	mu     sync.Mutex
	schema *schema.DbSchema
	engine *Engine
}

// NewBackend builds a Backend that will create its Engine against dbSchema
// the first time Open is called.
func NewBackend(dbSchema *schema.DbSchema) *Backend {
	return &Backend{schema: dbSchema}
}

func (b *Backend) Open(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.engine == nil {
		b.engine = New(b.schema)
	}
	return nil
}

func (b *Backend) Close() error { return nil }

func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{Dialect: backend.DialectMemory, SupportsConcurrentReadTxns: true}
}

func (b *Backend) BeginTx(ctx context.Context, exclusive bool) (backend.Tx, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &tx{engine: b.engine}, nil
}

func (b *Backend) Name() string { return "memory" }

var _ backend.Backend = (*Backend)(nil)

// tx is the backend.Tx memorybackend hands out. It never executes SQL —
// RunQuery/Exec exist only to satisfy the interface and are never called in
// practice, since internal/provider detects DialectMemory and calls Store
// directly instead of routing through internal/store/internal/index.
// Commit/Rollback are no-ops because every memStore mutation already took
// effect synchronously under its own mutex when Put/Remove/Clear ran.
type tx struct{ engine *Engine }

func (t *tx) RunQuery(ctx context.Context, sql string, args []any) (backend.Rows, error) {
	return nil, dberr.New(dberr.Backend, "memorybackend does not execute SQL")
}

func (t *tx) Exec(ctx context.Context, sql string, args []any) (int64, error) {
	return 0, dberr.New(dberr.Backend, "memorybackend does not execute SQL")
}

func (t *tx) Commit() error   { return nil }
func (t *tx) Rollback() error { return nil }

// Store lets internal/provider fetch the underlying storeapi.Store
// directly for a memory-backed transaction, bypassing internal/store.
func (t *tx) Store(name string) (storeapi.Store, error) {
	return t.engine.OpenStore(name)
}

var _ backend.Tx = (*tx)(nil)
