// Package store implements the SQL-backed StoreEngine from spec.md §4.6:
// put/get/remove/removeRange/clear against the nsp_pk/nsp_data/nsp_i_*
// physical layout (§3), batching statements by the backend's placeholder
// ceiling the way internal/apply.Applier in the teacher batches statements
// inside one transaction.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"docengine/internal/backend"
	"docengine/internal/dberr"
	"docengine/internal/fts"
	"docengine/internal/index"
	"docengine/internal/keycodec"
	"docengine/internal/keypath"
	"docengine/internal/schema"
	"docengine/internal/storeapi"
)

// Engine is the SQL-backed storeapi.Store implementation for one store,
// bound to a single open transaction.
type Engine struct {
	tx     backend.Tx
	caps   backend.Capabilities
	schema schema.StoreSchema
}

// New binds an Engine to tx for the duration of one transaction.
func New(tx backend.Tx, caps backend.Capabilities, ss schema.StoreSchema) *Engine {
	return &Engine{tx: tx, caps: caps, schema: ss}
}

var _ storeapi.Store = (*Engine)(nil)

// batchSize returns how many rows fit in one multi-row statement without
// exceeding the backend's placeholder ceiling, given columnsPerRow bind
// parameters per row.
func batchSize(caps backend.Capabilities, columnsPerRow int) int {
	n := caps.MaxVariables / columnsPerRow
	if n < 1 {
		n = 1
	}
	return n
}

func (e *Engine) primaryKeyOf(item keypath.Item) (string, error) {
	values, ok := keypath.GetValues(item, e.schema.PrimaryKeyPath)
	if !ok {
		return "", dberr.New(dberr.BadKey, "item is missing its primary key path")
	}
	if e.schema.PrimaryKeyPath.IsCompound() {
		return keycodec.SerializeCompound(values)
	}
	return keycodec.SerializeValue(values[0])
}

// columnValues computes the nsp_i_<name> column value for every
// column-backed index (plain or full-text-degraded); pivot-backed indexes
// (multiEntry, or fullText with native FTS3) are handled separately by
// pivotValues and replacePivotRows.
func (e *Engine) columnValues(item keypath.Item) (map[string]any, error) {
	out := make(map[string]any, len(e.schema.Indexes))
	for _, idx := range e.schema.Indexes {
		if schema.IndexUsesSeparateTable(idx, e.caps.SupportsFTS3) {
			continue
		}
		if schema.IndexDegradesToColumn(idx, e.caps.SupportsFTS3) {
			words := fts.GetFullTextIndexWordsForItem(item, idx.KeyPath[0])
			out[idx.ColumnName()] = keycodec.FTSFallbackSeparator + strings.Join(words, keycodec.FTSFallbackSeparator) + keycodec.FTSFallbackSeparator
			continue
		}
		values, ok := keypath.GetValues(item, idx.KeyPath)
		if !ok {
			out[idx.ColumnName()] = nil
			continue
		}
		var key string
		var err error
		if idx.KeyPath.IsCompound() {
			key, err = keycodec.SerializeCompound(values)
		} else {
			key, err = keycodec.SerializeValue(values[0])
		}
		if err != nil {
			out[idx.ColumnName()] = nil
			continue
		}
		out[idx.ColumnName()] = key
	}
	return out, nil
}

// pivotValues computes the rows replacePivotRows should write for one item
// under idx's pivot table. A full-text index backed by native FTS3 gets a
// single row per item whose nsp_v is the space-joined normalized token
// list, so FTS3's MATCH treats the whole token set as one document and AND
// queries actually intersect within it; a multiEntry index gets one row
// per array element instead.
func (e *Engine) pivotValues(idx schema.IndexSchema, item keypath.Item) ([]string, error) {
	if idx.FullText {
		words := fts.GetFullTextIndexWordsForItem(item, idx.KeyPath[0])
		if len(words) == 0 {
			return nil, nil
		}
		return []string{strings.Join(words, " ")}, nil
	}
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

// Put upserts items, writing the nsp_data blob, every column-backed index
// value, and every pivot table row.
func (e *Engine) Put(ctx context.Context, items []keypath.Item) error {
	for _, item := range items {
		pk, err := e.primaryKeyOf(item)
		if err != nil {
			return err
		}
		data, err := json.Marshal(item)
		if err != nil {
			return dberr.Wrap(dberr.Backend, "marshaling item", err)
		}
		cols, err := e.columnValues(item)
		if err != nil {
			return err
		}
		if err := e.upsertRow(ctx, pk, data, cols); err != nil {
			return err
		}
		for _, idx := range e.schema.Indexes {
			if !schema.IndexUsesSeparateTable(idx, e.caps.SupportsFTS3) {
				continue
			}
			values, err := e.pivotValues(idx, item)
			if err != nil {
				return err
			}
			rowData := ""
			if idx.IncludeDataInIndex {
				rowData = string(data)
			}
			if err := e.replacePivotRows(ctx, idx, pk, values, rowData); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) upsertRow(ctx context.Context, pk string, data []byte, cols map[string]any) error {
	names := []string{"nsp_pk", "nsp_data"}
	args := []any{pk, string(data)}
	for name, val := range cols {
		names = append(names, name)
		args = append(args, val)
	}
	placeholders := make([]string, len(names))
	for i := range names {
		placeholders[i] = "?"
	}

	var sqlText string
	switch e.caps.Dialect {
	case backend.DialectMySQL:
		updates := make([]string, 0, len(names)-1)
		for _, n := range names[1:] {
			updates = append(updates, fmt.Sprintf("%s = VALUES(%s)", n, n))
		}
		sqlText = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON DUPLICATE KEY UPDATE %s",
			quoteIdent(e.schema.Name), strings.Join(names, ", "), strings.Join(placeholders, ", "), strings.Join(updates, ", "))
	default:
		sqlText = fmt.Sprintf("INSERT OR REPLACE INTO %s (%s) VALUES (%s)",
			quoteIdent(e.schema.Name), strings.Join(names, ", "), strings.Join(placeholders, ", "))
	}
	_, err := e.tx.Exec(ctx, sqlText, args)
	if err != nil {
		return dberr.Wrap(dberr.Backend, "upserting row", err)
	}
	return nil
}

// replacePivotRows rewrites idx's pivot rows for pk. When rowData is
// non-empty (idx.IncludeDataInIndex), every row also carries a copy of the
// item's nsp_data so IndexEngine can answer queries straight off the pivot
// table without joining back to the store.
func (e *Engine) replacePivotRows(ctx context.Context, idx schema.IndexSchema, pk string, values []string, rowData string) error {
	table := quoteIdent(schema.PivotTableName(e.schema.Name, idx.Name))
	if _, err := e.tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE nsp_pk = ?", table), []any{pk}); err != nil {
		return dberr.Wrap(dberr.Backend, "clearing pivot rows", err)
	}
	cols := "(nsp_pk, nsp_v)"
	width := 2
	if idx.IncludeDataInIndex {
		cols = "(nsp_pk, nsp_v, nsp_data)"
		width = 3
	}
	for start := 0; start < len(values); {
		batch := batchSize(e.caps, width)
		end := start + batch
		if end > len(values) {
			end = len(values)
		}
		var sb strings.Builder
		args := make([]any, 0, (end-start)*width)
		sb.WriteString("INSERT INTO ")
		sb.WriteString(table)
		sb.WriteString(" ")
		sb.WriteString(cols)
		sb.WriteString(" VALUES ")
		for i := start; i < end; i++ {
			if i > start {
				sb.WriteString(", ")
			}
			if idx.IncludeDataInIndex {
				sb.WriteString("(?, ?, ?)")
				args = append(args, pk, values[i], rowData)
			} else {
				sb.WriteString("(?, ?)")
				args = append(args, pk, values[i])
			}
		}
		if _, err := e.tx.Exec(ctx, sb.String(), args); err != nil {
			return dberr.Wrap(dberr.Backend, "inserting pivot rows", err)
		}
		start = end
	}
	return nil
}

func (e *Engine) Get(ctx context.Context, key any) (keypath.Item, bool, error) {
	items, err := e.GetMultiple(ctx, []any{key})
	if err != nil || len(items) == 0 {
		return nil, false, err
	}
	return items[0], true, nil
}

func (e *Engine) GetMultiple(ctx context.Context, keys []any) ([]keypath.Item, error) {
	pks, err := keycodec.FormListOfSerializedKeys(keysAsAny(keys), e.schema.PrimaryKeyPath.IsCompound())
	if err != nil {
		return nil, err
	}
	out := make([]keypath.Item, 0, len(pks))
	for start := 0; start < len(pks); {
		batch := batchSize(e.caps, 1)
		end := start + batch
		if end > len(pks) {
			end = len(pks)
		}
		placeholders := make([]string, end-start)
		args := make([]any, end-start)
		for i := start; i < end; i++ {
			placeholders[i-start] = "?"
			args[i-start] = pks[i]
		}
		sqlText := fmt.Sprintf("SELECT nsp_data FROM %s WHERE nsp_pk IN (%s)",
			quoteIdent(e.schema.Name), strings.Join(placeholders, ", "))
		rows, err := e.tx.RunQuery(ctx, sqlText, args)
		if err != nil {
			return nil, dberr.Wrap(dberr.Backend, "querying rows", err)
		}
		if err := scanItems(rows, &out); err != nil {
			return nil, err
		}
		start = end
	}
	return out, nil
}

func keysAsAny(keys []any) any {
	if len(keys) == 1 {
		return keys[0]
	}
	return keys
}

func scanItems(rows backend.Rows, out *[]keypath.Item) error {
	defer rows.Close()
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return dberr.Wrap(dberr.Backend, "scanning row", err)
		}
		var item keypath.Item
		if err := json.Unmarshal([]byte(data), &item); err != nil {
			return dberr.Wrap(dberr.Backend, "unmarshaling item", err)
		}
		*out = append(*out, item)
	}
	return rows.Err()
}

func (e *Engine) Remove(ctx context.Context, keys []any) error {
	pks, err := keycodec.FormListOfSerializedKeys(keysAsAny(keys), e.schema.PrimaryKeyPath.IsCompound())
	if err != nil {
		return err
	}
	return e.removeBySerializedPKs(ctx, pks)
}

func (e *Engine) removeBySerializedPKs(ctx context.Context, pks []string) error {
	for start := 0; start < len(pks); {
		batch := batchSize(e.caps, 1)
		end := start + batch
		if end > len(pks) {
			end = len(pks)
		}
		placeholders := make([]string, end-start)
		args := make([]any, end-start)
		for i := start; i < end; i++ {
			placeholders[i-start] = "?"
			args[i-start] = pks[i]
		}
		in := strings.Join(placeholders, ", ")
		if _, err := e.tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE nsp_pk IN (%s)", quoteIdent(e.schema.Name), in), args); err != nil {
			return dberr.Wrap(dberr.Backend, "deleting rows", err)
		}
		for _, idx := range e.schema.Indexes {
			if !schema.IndexUsesSeparateTable(idx, e.caps.SupportsFTS3) {
				continue
			}
			table := quoteIdent(schema.PivotTableName(e.schema.Name, idx.Name))
			if _, err := e.tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE nsp_pk IN (%s)", table, in), args); err != nil {
				return dberr.Wrap(dberr.Backend, "deleting pivot rows", err)
			}
		}
		start = end
	}
	return nil
}

// RemoveRange deletes every row whose value under indexName falls in
// [low, high] (honoring loExcl/hiExcl). It resolves matching rows via the
// index's GetRange (rather than just primary keys) so pivot cleanup for
// other indexes stays correct.
func (e *Engine) RemoveRange(ctx context.Context, indexName string, low, high any, loExcl, hiExcl bool) error {
	idx, err := e.OpenIndex(indexName)
	if err != nil {
		return err
	}
	items, err := idx.GetRange(ctx, low, high, loExcl, hiExcl, storeapi.OrderNone, 0, 0)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}
	pks := make([]string, 0, len(items))
	for _, item := range items {
		pk, err := e.primaryKeyOf(item)
		if err != nil {
			return err
		}
		pks = append(pks, pk)
	}
	return e.removeBySerializedPKs(ctx, pks)
}

func (e *Engine) Clear(ctx context.Context) error {
	if _, err := e.tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s", quoteIdent(e.schema.Name)), nil); err != nil {
		return dberr.Wrap(dberr.Backend, "clearing store", err)
	}
	for _, idx := range e.schema.Indexes {
		if !schema.IndexUsesSeparateTable(idx, e.caps.SupportsFTS3) {
			continue
		}
		table := quoteIdent(schema.PivotTableName(e.schema.Name, idx.Name))
		if _, err := e.tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s", table), nil); err != nil {
			return dberr.Wrap(dberr.Backend, "clearing pivot table", err)
		}
	}
	return nil
}

func (e *Engine) OpenIndex(name string) (storeapi.Index, error) {
	if name == "" {
		return e.OpenPrimaryKeyIndex()
	}
	for _, idx := range e.schema.Indexes {
		if idx.Name == name {
			return index.New(e.tx, e.caps, e.schema, idx), nil
		}
	}
	return nil, dberr.New(dberr.UnknownStore, fmt.Sprintf("unknown index %q", name))
}

func (e *Engine) OpenPrimaryKeyIndex() (storeapi.Index, error) {
	return index.NewPrimaryKey(e.tx, e.caps, e.schema), nil
}

func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}
