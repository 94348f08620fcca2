// Package schema contains the declarative description of a database, its
// stores, and their indexes (spec.md §3, §4.3). It is the single source of
// truth that MigrationPlanner diffs against the persisted metadata and
// physical catalog.
package schema

import (
	"fmt"
	"strings"

	"docengine/internal/dberr"
)

// DbSchema describes a whole database: its version and the stores it
// contains.
type DbSchema struct {
	Version           uint32        `toml:"version"`
	LastUsableVersion uint32        `toml:"last_usable_version,omitempty"`
	Stores            []StoreSchema `toml:"stores"`
}

// StoreSchema describes one store (physical table / object store).
type StoreSchema struct {
	Name              string        `toml:"name"`
	PrimaryKeyPath    KeyPath       `toml:"primary_key_path"`
	Indexes           []IndexSchema `toml:"indexes,omitempty"`
	EstimatedObjBytes uint32        `toml:"estimated_obj_bytes,omitempty"`
}

// IndexSchema describes one secondary index on a store.
type IndexSchema struct {
	Name               string  `toml:"name" json:"name"`
	KeyPath            KeyPath `toml:"key_path" json:"keyPath"`
	Unique             bool    `toml:"unique,omitempty" json:"unique,omitempty"`
	MultiEntry         bool    `toml:"multi_entry,omitempty" json:"multiEntry,omitempty"`
	FullText           bool    `toml:"full_text,omitempty" json:"fullText,omitempty"`
	IncludeDataInIndex bool    `toml:"include_data_in_index,omitempty" json:"includeDataInIndex,omitempty"`
	DoNotBackfill      bool    `toml:"do_not_backfill,omitempty" json:"doNotBackfill,omitempty"`
}

// KeyPath is one or more dotted paths; length >= 2 denotes a compound key.
type KeyPath []string

// IsCompound reports whether the keypath has two or more components.
func (kp KeyPath) IsCompound() bool {
	return len(kp) >= 2
}

// Equal reports whether two IndexSchemas are identical in every field that
// MigrationPlanner cares about — used to detect schema drift against a
// persisted metadata row.
func (i IndexSchema) Equal(other IndexSchema) bool {
	if i.Name != other.Name || i.Unique != other.Unique ||
		i.MultiEntry != other.MultiEntry || i.FullText != other.FullText ||
		i.IncludeDataInIndex != other.IncludeDataInIndex ||
		i.DoNotBackfill != other.DoNotBackfill {
		return false
	}
	if len(i.KeyPath) != len(other.KeyPath) {
		return false
	}
	for idx := range i.KeyPath {
		if i.KeyPath[idx] != other.KeyPath[idx] {
			return false
		}
	}
	return true
}

// IndexUsesSeparateTable reports whether index is backed by a pivot table
// (multi-entry always; full-text only when the backend has native FTS3 —
// without it a full-text index degrades to a column index instead, see
// IndexDegradesToColumn).
func IndexUsesSeparateTable(idx IndexSchema, supportsFTS3 bool) bool {
	return idx.MultiEntry || (idx.FullText && supportsFTS3)
}

// IndexDegradesToColumn reports whether a full-text index must fall back to
// a plain column (joined-token-list + LIKE) because the backend has no
// FTS3 support.
func IndexDegradesToColumn(idx IndexSchema, supportsFTS3 bool) bool {
	return idx.FullText && !supportsFTS3
}

// ColumnName returns the nsp_i_<name> column an index is stored under when
// it is column-backed (not multiEntry, and either not fullText or fullText
// degraded to a column).
func (i IndexSchema) ColumnName() string {
	return "nsp_i_" + i.Name
}

// PivotTableName returns the <store>_<index> auxiliary table name for a
// pivot-backed index.
func PivotTableName(storeName, indexName string) string {
	return storeName + "_" + indexName
}

// MetadataKey returns the metadata table row key for an index:
// "<storeName>_<indexName>".
func MetadataKey(storeName, indexName string) string {
	return storeName + "_" + indexName
}

// Validate checks the schema invariants: store name uniqueness, non-empty
// store/index names and keyPaths, unique index names per store, the
// multiEntry/compound-keyPath exclusion, and fullText requiring a single
// keyPath and excluding multiEntry. includeDataInIndex and doNotBackfill
// are accepted on any index and are not checked.
func (db *DbSchema) Validate() error {
	if err := db.validateStoreUniqueness(); err != nil {
		return err
	}
	for i := range db.Stores {
		if err := db.Stores[i].validate(); err != nil {
			return err
		}
	}
	return nil
}

func (db *DbSchema) validateStoreUniqueness() error {
	seen := make(map[string]struct{}, len(db.Stores))
	for _, s := range db.Stores {
		if _, ok := seen[s.Name]; ok {
			return fmt.Errorf("schema: duplicate store name %q", s.Name)
		}
		seen[s.Name] = struct{}{}
	}
	return nil
}

func (s *StoreSchema) validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("schema: store name is required")
	}
	if len(s.PrimaryKeyPath) == 0 {
		return fmt.Errorf("schema: store %q requires a primaryKeyPath", s.Name)
	}
	seen := make(map[string]struct{}, len(s.Indexes))
	for _, idx := range s.Indexes {
		if _, ok := seen[idx.Name]; ok {
			return fmt.Errorf("schema: store %q has duplicate index %q", s.Name, idx.Name)
		}
		seen[idx.Name] = struct{}{}
		if err := idx.validate(); err != nil {
			return fmt.Errorf("schema: store %q: %w", s.Name, err)
		}
	}
	return nil
}

func (i *IndexSchema) validate() error {
	if strings.TrimSpace(i.Name) == "" {
		return fmt.Errorf("index name is required")
	}
	if len(i.KeyPath) == 0 {
		return fmt.Errorf("index %q requires a keyPath", i.Name)
	}
	if i.MultiEntry && i.KeyPath.IsCompound() {
		return dberr.New(dberr.BadKey, fmt.Sprintf("index %q: multiEntry and compound keyPath are mutually exclusive", i.Name))
	}
	if i.FullText {
		if len(i.KeyPath) != 1 {
			return dberr.New(dberr.BadKey, fmt.Sprintf("index %q: fullText requires a single string keyPath", i.Name))
		}
		if i.MultiEntry {
			return dberr.New(dberr.BadKey, fmt.Sprintf("index %q: fullText and multiEntry are mutually exclusive", i.Name))
		}
	}
	return nil
}

// WipeRequired reports whether the persisted version forces a full wipe:
// the schema's wipeIfExists flag is set by the caller at open time, or the
// persisted version is older than lastUsableVersion.
func (db *DbSchema) WipeRequired(persistedVersion uint32, wipeIfExists bool) bool {
	if wipeIfExists {
		return true
	}
	return db.LastUsableVersion > 0 && persistedVersion < db.LastUsableVersion
}
