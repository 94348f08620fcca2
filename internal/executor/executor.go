// Package executor implements the MigrationExecutor from spec.md §4.5: it
// carries out a migration.Plan inside one exclusive lock.Token
// transaction — DDL, paged data re-insertion for rebuilds and backfills,
// and the final metadata write — committing only once every step
// succeeds, grounded the way the teacher's internal/apply.Applier applies
// a whole migration's statements inside one transaction and rolls the
// entire thing back on the first failure.
package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"docengine/internal/backend"
	"docengine/internal/dberr"
	"docengine/internal/keypath"
	"docengine/internal/lock"
	"docengine/internal/migration"
	"docengine/internal/schema"
	"docengine/internal/store"
)

const defaultPageSize = 200

// Executor carries out migration plans against one backend.
type Executor struct {
	be   backend.Backend
	lock *lock.Helper
}

// New binds an Executor to a backend and the lock.Helper guarding it.
func New(be backend.Backend, helper *lock.Helper) *Executor {
	return &Executor{be: be, lock: helper}
}

// Open runs migration planning and execution for target, opening its own
// exclusive transaction through lock.Helper. Safe to call every time a
// database handle is opened; a no-op plan (already up to date) still
// commits a trivial transaction.
func (ex *Executor) Open(ctx context.Context, target *schema.DbSchema, wipeIfExists bool) error {
	token, err := ex.lock.OpenTransaction(ctx, nil, true)
	if err != nil {
		return err
	}

	if err := ex.run(ctx, target, wipeIfExists); err != nil {
		_ = ex.lock.TransactionFailed(token, err)
		return err
	}
	return ex.lock.TransactionComplete(token)
}

func (ex *Executor) run(ctx context.Context, target *schema.DbSchema, wipeIfExists bool) error {
	caps := ex.be.Capabilities()
	tx, err := ex.be.BeginTx(ctx, true)
	if err != nil {
		return dberr.Wrap(dberr.Backend, "beginning migration transaction", err)
	}

	if execErr := ex.runLocked(ctx, tx, caps, target, wipeIfExists); execErr != nil {
		_ = tx.Rollback()
		return execErr
	}
	if err := tx.Commit(); err != nil {
		return dberr.Wrap(dberr.Backend, "committing migration", err)
	}
	return nil
}

func (ex *Executor) runLocked(ctx context.Context, tx backend.Tx, caps backend.Capabilities, target *schema.DbSchema, wipeIfExists bool) error {
	if err := createMetadataTable(ctx, tx); err != nil {
		return err
	}
	cat, err := migration.ReadCatalog(ctx, tx)
	if err != nil {
		return err
	}
	plan, err := migration.NewPlanner().Plan(cat, target, wipeIfExists)
	if err != nil {
		return err
	}

	if plan.WipeDatabase {
		for name, entry := range cat.Stores {
			if err := dropStore(ctx, tx, caps, catalogStoreSchema(name, entry)); err != nil {
				return err
			}
		}
		if _, err := tx.Exec(ctx, "DELETE FROM "+quoteIdent(migration.MetadataTable), nil); err != nil {
			return dberr.Wrap(dberr.Backend, "clearing metadata table", err)
		}
	}

	for _, step := range plan.Steps {
		if err := ex.runStep(ctx, tx, caps, cat, target, step); err != nil {
			return fmt.Errorf("step %s on store %q: %w", step.Kind, step.Store.Name, err)
		}
	}
	return nil
}

func catalogStoreSchema(name string, entry migration.StoreCatalogEntry) schema.StoreSchema {
	ss := schema.StoreSchema{Name: name}
	for _, idx := range entry.Indexes {
		ss.Indexes = append(ss.Indexes, idx)
	}
	return ss
}

func (ex *Executor) runStep(ctx context.Context, tx backend.Tx, caps backend.Capabilities, cat *migration.Catalog, target *schema.DbSchema, step migration.Step) error {
	switch step.Kind {
	case migration.StepCreateStore:
		return createStore(ctx, tx, caps, step.Store)
	case migration.StepDropStore:
		entry := cat.Stores[step.Store.Name]
		return dropStore(ctx, tx, caps, catalogStoreSchema(step.Store.Name, entry))
	case migration.StepRebuildStore:
		return rebuildStore(ctx, tx, caps, step.Store, cat.Stores[step.Store.Name])
	case migration.StepAddIndex:
		return addIndex(ctx, tx, caps, step.Store, step.Index)
	case migration.StepDropIndex:
		return dropIndex(ctx, tx, caps, step.Store, step.Index)
	case migration.StepBackfillIndex:
		return backfillIndex(ctx, tx, caps, step.Store)
	case migration.StepWriteMetadata:
		return writeMetadata(ctx, tx, target)
	default:
		return dberr.New(dberr.Backend, fmt.Sprintf("unknown migration step kind %q", step.Kind))
	}
}

func pageSize(ss schema.StoreSchema) int {
	if ss.EstimatedObjBytes == 0 {
		return defaultPageSize
	}
	n := 1_000_000 / int(ss.EstimatedObjBytes)
	if n < 1 {
		return 1
	}
	return n
}

// rebuildStore re-creates a store under a temporary name with the new
// schema, pages every existing row through store.Engine.Put so it is
// re-indexed under the new definitions, drops the old tables (store +
// every old pivot/FTS3 table), then renames the rebuilt tables into
// place — the SQL-backend equivalent of a full-migration copy since
// SQLite (and MySQL, conservatively) cannot always ALTER an index
// definition in place.
func rebuildStore(ctx context.Context, tx backend.Tx, caps backend.Capabilities, target schema.StoreSchema, oldEntry migration.StoreCatalogEntry) error {
	tempName := target.Name + "__rebuild"
	tempSchema := target
	tempSchema.Name = tempName

	if err := createStore(ctx, tx, caps, tempSchema); err != nil {
		return err
	}

	tempEngine := store.New(tx, caps, tempSchema)
	rows, err := tx.RunQuery(ctx, fmt.Sprintf("SELECT nsp_data FROM %s", quoteIdent(target.Name)), nil)
	if err != nil {
		return dberr.Wrap(dberr.Backend, "reading rows to rebuild", err)
	}
	size := pageSize(target)
	var page []keypath.Item
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			rows.Close()
			return dberr.Wrap(dberr.Backend, "scanning row to rebuild", err)
		}
		var item keypath.Item
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			rows.Close()
			return dberr.Wrap(dberr.Backend, "decoding row to rebuild", err)
		}
		page = append(page, item)
		if len(page) >= size {
			if err := tempEngine.Put(ctx, page); err != nil {
				rows.Close()
				return err
			}
			page = page[:0]
		}
	}
	closeErr := rows.Err()
	rows.Close()
	if closeErr != nil {
		return dberr.Wrap(dberr.Backend, "iterating rows to rebuild", closeErr)
	}
	if len(page) > 0 {
		if err := tempEngine.Put(ctx, page); err != nil {
			return err
		}
	}

	if err := dropStore(ctx, tx, caps, catalogStoreSchema(target.Name, oldEntry)); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, fmt.Sprintf("ALTER TABLE %s RENAME TO %s", quoteIdent(tempName), quoteIdent(target.Name)), nil); err != nil {
		return dberr.Wrap(dberr.Backend, "renaming rebuilt store table", err)
	}
	for _, idx := range target.Indexes {
		if !schema.IndexUsesSeparateTable(idx, caps.SupportsFTS3) {
			continue
		}
		from := quoteIdent(schema.PivotTableName(tempName, idx.Name))
		to := quoteIdent(schema.PivotTableName(target.Name, idx.Name))
		if _, err := tx.Exec(ctx, fmt.Sprintf("ALTER TABLE %s RENAME TO %s", from, to), nil); err != nil {
			return dberr.Wrap(dberr.Backend, "renaming rebuilt pivot table", err)
		}
	}
	return nil
}

// backfillIndex re-Puts every existing row through store.Engine so the
// newly added index (and, redundantly but harmlessly, every other index)
// picks up values for rows that predate it.
func backfillIndex(ctx context.Context, tx backend.Tx, caps backend.Capabilities, target schema.StoreSchema) error {
	engine := store.New(tx, caps, target)
	rows, err := tx.RunQuery(ctx, fmt.Sprintf("SELECT nsp_data FROM %s", quoteIdent(target.Name)), nil)
	if err != nil {
		return dberr.Wrap(dberr.Backend, "reading rows to backfill", err)
	}
	size := pageSize(target)
	var page []keypath.Item
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			rows.Close()
			return dberr.Wrap(dberr.Backend, "scanning row to backfill", err)
		}
		var item keypath.Item
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			rows.Close()
			return dberr.Wrap(dberr.Backend, "decoding row to backfill", err)
		}
		page = append(page, item)
		if len(page) >= size {
			if err := engine.Put(ctx, page); err != nil {
				rows.Close()
				return err
			}
			page = page[:0]
		}
	}
	closeErr := rows.Err()
	rows.Close()
	if closeErr != nil {
		return dberr.Wrap(dberr.Backend, "iterating rows to backfill", closeErr)
	}
	if len(page) > 0 {
		return engine.Put(ctx, page)
	}
	return nil
}

// writeMetadata rewrites the metadata table from scratch so it exactly
// reflects target: one row recording the schema version, one per store,
// and one per persisted index. Run last in every plan, after every DDL
// and data-moving step has already succeeded.
func writeMetadata(ctx context.Context, tx backend.Tx, target *schema.DbSchema) error {
	if _, err := tx.Exec(ctx, "DELETE FROM "+quoteIdent(migration.MetadataTable), nil); err != nil {
		return dberr.Wrap(dberr.Backend, "clearing metadata table", err)
	}

	insert := func(key, value string) error {
		sqlText := fmt.Sprintf("INSERT INTO %s (key, value) VALUES (?, ?)", quoteIdent(migration.MetadataTable))
		if _, err := tx.Exec(ctx, sqlText, []any{key, value}); err != nil {
			return dberr.Wrap(dberr.Backend, "writing metadata row", err)
		}
		return nil
	}

	key, value, err := migration.VersionRowValue(target.Version)
	if err != nil {
		return err
	}
	if err := insert(key, value); err != nil {
		return err
	}

	for _, ss := range target.Stores {
		key, value, err := migration.StoreRowValue(ss.Name)
		if err != nil {
			return err
		}
		if err := insert(key, value); err != nil {
			return err
		}
		for _, idx := range ss.Indexes {
			key, value, err := migration.IndexRowValue(ss.Name, idx)
			if err != nil {
				return err
			}
			if err := insert(key, value); err != nil {
				return err
			}
		}
	}
	return nil
}
