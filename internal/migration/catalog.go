// Package migration implements the MigrationPlanner from spec.md §4.4: it
// diffs the persisted metadata catalog against a target schema.DbSchema and
// produces an ordered plan of steps for internal/executor to carry out.
package migration

import (
	"context"
	"encoding/json"

	"docengine/internal/backend"
	"docengine/internal/dberr"
	"docengine/internal/schema"
)

// MetadataTable is the physical table name every executor-managed
// database carries one row per schema fact in (version, store existence,
// index definition), mirroring the teacher's own catalog-as-rows approach
// to tracking applied migrations.
const MetadataTable = "nsp_metadata"

type metadataRowKind string

const (
	kindVersion metadataRowKind = "version"
	kindStore   metadataRowKind = "store"
	kindIndex   metadataRowKind = "index"
)

type metadataRow struct {
	Kind    metadataRowKind    `json:"kind"`
	Store   string             `json:"store,omitempty"`
	Version uint32             `json:"version,omitempty"`
	Index   schema.IndexSchema `json:"index,omitempty"`
}

// StoreCatalogEntry describes what the metadata catalog says currently
// exists for one store.
type StoreCatalogEntry struct {
	Exists  bool
	Indexes map[string]schema.IndexSchema
}

// Catalog is the persisted state MigrationPlanner diffs the target schema
// against.
type Catalog struct {
	Version uint32
	Stores  map[string]StoreCatalogEntry
}

// ReadCatalog reads the metadata catalog from tx. A missing metadata table
// (ErrNoSuchTable-class failure from the query itself) is treated as a
// fresh, empty database rather than an error.
func ReadCatalog(ctx context.Context, tx backend.Tx) (*Catalog, error) {
	cat := &Catalog{Stores: make(map[string]StoreCatalogEntry)}

	rows, err := tx.RunQuery(ctx, "SELECT value FROM "+MetadataTable, nil)
	if err != nil {
		// No metadata table yet: this is the very first open against a
		// fresh database, not a failure.
		return cat, nil
	}
	defer rows.Close()

	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, dberr.Wrap(dberr.Backend, "scanning metadata row", err)
		}
		var row metadataRow
		if err := json.Unmarshal([]byte(raw), &row); err != nil {
			return nil, dberr.Wrap(dberr.Backend, "decoding metadata row", err)
		}
		switch row.Kind {
		case kindVersion:
			cat.Version = row.Version
		case kindStore:
			entry := cat.Stores[row.Store]
			entry.Exists = true
			if entry.Indexes == nil {
				entry.Indexes = make(map[string]schema.IndexSchema)
			}
			cat.Stores[row.Store] = entry
		case kindIndex:
			entry := cat.Stores[row.Store]
			entry.Exists = true
			if entry.Indexes == nil {
				entry.Indexes = make(map[string]schema.IndexSchema)
			}
			entry.Indexes[row.Index.Name] = row.Index
			cat.Stores[row.Store] = entry
		}
	}
	return cat, rows.Err()
}

func encodeRow(row metadataRow) (string, error) {
	b, err := json.Marshal(row)
	if err != nil {
		return "", dberr.Wrap(dberr.Backend, "encoding metadata row", err)
	}
	return string(b), nil
}

// VersionRowValue returns the encoded metadata row recording db version.
func VersionRowValue(version uint32) (key, value string, err error) {
	v, err := encodeRow(metadataRow{Kind: kindVersion, Version: version})
	return "__version__", v, err
}

// StoreRowValue returns the encoded metadata row recording a store's
// existence.
func StoreRowValue(storeName string) (key, value string, err error) {
	v, err := encodeRow(metadataRow{Kind: kindStore, Store: storeName})
	return storeName, v, err
}

// IndexRowValue returns the encoded metadata row recording one index's
// persisted definition.
func IndexRowValue(storeName string, idx schema.IndexSchema) (key, value string, err error) {
	v, err := encodeRow(metadataRow{Kind: kindIndex, Store: storeName, Index: idx})
	return schema.MetadataKey(storeName, idx.Name), v, err
}
