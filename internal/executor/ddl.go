package executor

import (
	"context"
	"fmt"
	"strings"

	"docengine/internal/backend"
	"docengine/internal/dberr"
	"docengine/internal/migration"
	"docengine/internal/schema"
)

func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// createStore emits the CREATE TABLE for ss plus one CREATE TABLE/virtual
// table per pivot- or FTS3-backed index, and a plain nsp_i_<name> column
// for every column-backed index — the physical layout from spec.md §3.
func createStore(ctx context.Context, tx backend.Tx, caps backend.Capabilities, ss schema.StoreSchema) error {
	var cols []string
	cols = append(cols, "nsp_pk TEXT PRIMARY KEY", "nsp_data TEXT NOT NULL")
	for _, idx := range ss.Indexes {
		if schema.IndexUsesSeparateTable(idx, caps.SupportsFTS3) {
			continue
		}
		cols = append(cols, fmt.Sprintf("%s TEXT", quoteIdent(idx.ColumnName())))
	}
	sqlText := fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(ss.Name), strings.Join(cols, ", "))
	if _, err := tx.Exec(ctx, sqlText, nil); err != nil {
		return dberr.Wrap(dberr.Backend, "creating store table", err)
	}

	for _, idx := range ss.Indexes {
		if schema.IndexDegradesToColumn(idx, caps.SupportsFTS3) {
			continue // already a plain column above
		}
		if schema.IndexUsesSeparateTable(idx, caps.SupportsFTS3) {
			if err := createIndexTable(ctx, tx, caps, ss, idx); err != nil {
				return err
			}
			continue
		}
		if err := createColumnIndex(ctx, tx, ss, idx); err != nil {
			return err
		}
	}
	return nil
}

func createColumnIndex(ctx context.Context, tx backend.Tx, ss schema.StoreSchema, idx schema.IndexSchema) error {
	sqlText := fmt.Sprintf("CREATE INDEX %s ON %s (%s)",
		quoteIdent(schema.PivotTableName(ss.Name, idx.Name)), quoteIdent(ss.Name), quoteIdent(idx.ColumnName()))
	if _, err := tx.Exec(ctx, sqlText, nil); err != nil {
		return dberr.Wrap(dberr.Backend, "creating column index", err)
	}
	return nil
}

// createIndexTable creates the auxiliary table backing a multiEntry index,
// or a native FTS3 virtual table backing a full-text index on a backend
// that supports it.
// createIndexTable creates the auxiliary table for a multi-entry or
// full-text pivot-backed index. When idx.IncludeDataInIndex is set, the
// pivot carries its own nsp_data column (spec.md §4.7: "the pivot alone, no
// join, data read directly from nsp_data in the pivot") so IndexEngine can
// answer queries without joining back to the store table.
func createIndexTable(ctx context.Context, tx backend.Tx, caps backend.Capabilities, ss schema.StoreSchema, idx schema.IndexSchema) error {
	table := schema.PivotTableName(ss.Name, idx.Name)
	if idx.FullText && caps.SupportsFTS3 {
		cols := "nsp_pk, nsp_v"
		if idx.IncludeDataInIndex {
			cols += ", nsp_data"
		}
		sqlText := fmt.Sprintf("CREATE VIRTUAL TABLE %s USING fts3(%s)", quoteIdent(table), cols)
		if _, err := tx.Exec(ctx, sqlText, nil); err != nil {
			return dberr.Wrap(dberr.Backend, "creating fts3 table", err)
		}
		return nil
	}
	cols := "nsp_pk TEXT NOT NULL, nsp_v TEXT NOT NULL"
	if idx.IncludeDataInIndex {
		cols += ", nsp_data TEXT"
	}
	sqlText := fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(table), cols)
	if _, err := tx.Exec(ctx, sqlText, nil); err != nil {
		return dberr.Wrap(dberr.Backend, "creating pivot table", err)
	}
	idxName := quoteIdent(table + "_nsp_v")
	sqlText = fmt.Sprintf("CREATE INDEX %s ON %s (nsp_v)", idxName, quoteIdent(table))
	if _, err := tx.Exec(ctx, sqlText, nil); err != nil {
		return dberr.Wrap(dberr.Backend, "indexing pivot table", err)
	}
	return nil
}

func dropStore(ctx context.Context, tx backend.Tx, caps backend.Capabilities, ss schema.StoreSchema) error {
	for _, idx := range ss.Indexes {
		if !schema.IndexUsesSeparateTable(idx, caps.SupportsFTS3) {
			continue
		}
		table := quoteIdent(schema.PivotTableName(ss.Name, idx.Name))
		if _, err := tx.Exec(ctx, "DROP TABLE IF EXISTS "+table, nil); err != nil {
			return dberr.Wrap(dberr.Backend, "dropping pivot table", err)
		}
	}
	if _, err := tx.Exec(ctx, "DROP TABLE IF EXISTS "+quoteIdent(ss.Name), nil); err != nil {
		return dberr.Wrap(dberr.Backend, "dropping store table", err)
	}
	return nil
}

func addIndex(ctx context.Context, tx backend.Tx, caps backend.Capabilities, ss schema.StoreSchema, idx schema.IndexSchema) error {
	if schema.IndexDegradesToColumn(idx, caps.SupportsFTS3) || !schema.IndexUsesSeparateTable(idx, caps.SupportsFTS3) {
		sqlText := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s TEXT", quoteIdent(ss.Name), quoteIdent(idx.ColumnName()))
		if _, err := tx.Exec(ctx, sqlText, nil); err != nil {
			return dberr.Wrap(dberr.Backend, "adding index column", err)
		}
		if schema.IndexDegradesToColumn(idx, caps.SupportsFTS3) {
			return nil
		}
		return createColumnIndex(ctx, tx, ss, idx)
	}
	return createIndexTable(ctx, tx, caps, ss, idx)
}

func dropIndex(ctx context.Context, tx backend.Tx, caps backend.Capabilities, ss schema.StoreSchema, idx schema.IndexSchema) error {
	if schema.IndexUsesSeparateTable(idx, caps.SupportsFTS3) {
		table := quoteIdent(schema.PivotTableName(ss.Name, idx.Name))
		if _, err := tx.Exec(ctx, "DROP TABLE IF EXISTS "+table, nil); err != nil {
			return dberr.Wrap(dberr.Backend, "dropping pivot table", err)
		}
		return nil
	}
	// Dropping an nsp_i_<name> column outright requires a full table
	// rebuild on backends without DROP COLUMN (older SQLite); leaving the
	// column populated but unindexed is harmless since nothing references
	// it once the index is gone from the schema, so it is left in place
	// rather than forcing a rebuild for a pure removal.
	return nil
}

func createMetadataTable(ctx context.Context, tx backend.Tx) error {
	sqlText := "CREATE TABLE IF NOT EXISTS " + quoteIdent(migration.MetadataTable) + " (key TEXT PRIMARY KEY, value TEXT NOT NULL)"
	if _, err := tx.Exec(ctx, sqlText, nil); err != nil {
		return dberr.Wrap(dberr.Backend, "creating metadata table", err)
	}
	return nil
}
