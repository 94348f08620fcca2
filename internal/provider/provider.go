// Package provider implements ProviderFallback and the Database/Transaction
// orchestration layer from spec.md §4.8: it owns a backend.Backend plus the
// lock.Helper guarding it, runs migration.Plan/internal/executor once at
// open time, and hands out Transactions that borrow a lock.Token and a
// backend.Tx for their lifetime.
package provider

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"docengine/internal/backend"
	"docengine/internal/dberr"
	"docengine/internal/executor"
	"docengine/internal/lock"
	"docengine/internal/schema"
	"docengine/internal/store"
	"docengine/internal/storeapi"
)

// Database is the opened handle to one physical backend, picked from a
// candidate list by Open's ProviderFallback loop. It outlives every
// Transaction it hands out (spec.md §3 Ownership).
type Database struct {
	be     backend.Backend
	schema *schema.DbSchema
	lock   *lock.Helper
}

// Open tries each candidate backend in order (spec.md §4.8
// ProviderFallback), opening the connection and running the migration
// plan against target. The first candidate that opens and migrates
// cleanly wins; every failure is aggregated into the returned error so a
// caller can see why every candidate was rejected.
func Open(ctx context.Context, candidates []backend.Backend, target *schema.DbSchema, wipeIfExists bool, log *zap.Logger) (*Database, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := target.Validate(); err != nil {
		return nil, err
	}

	var errs []error
	for _, be := range candidates {
		db, err := tryOpen(ctx, be, target, wipeIfExists, log)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", be.Name(), err))
			continue
		}
		return db, nil
	}
	if len(errs) == 0 {
		return nil, dberr.New(dberr.NoBackend, "no backend candidates supplied")
	}
	return nil, dberr.Wrap(dberr.NoBackend, "every backend candidate failed to open", joinErrs(errs))
}

// tryOpen opens one candidate backend and runs the migration plan against
// it. If the persisted database turns out to be newer than target (spec.md
// §9: a version-downgrade), and the caller didn't already ask for
// wipeIfExists, it retries exactly once with a forced wipe; a second
// IncompatibleSchema (or any other failure) from that retry is surfaced to
// the caller rather than retried again.
//
// A backend reporting backend.DialectMemory (memorybackend) has no
// physical catalog to diff against, so migration planning is skipped
// entirely for it — Backend.Open already created stores matching target
// from scratch.
func tryOpen(ctx context.Context, be backend.Backend, target *schema.DbSchema, wipeIfExists bool, log *zap.Logger) (*Database, error) {
	if err := be.Open(ctx); err != nil {
		return nil, err
	}

	helper := lock.New(storeNames(target), be.Capabilities().SupportsConcurrentReadTxns, be.Capabilities().MaxReaders, log)

	if be.Capabilities().Dialect != backend.DialectMemory {
		ex := executor.New(be, helper)
		err := ex.Open(ctx, target, wipeIfExists)
		if err != nil && !wipeIfExists && dberr.Is(err, dberr.IncompatibleSchema) {
			log.Warn("persisted database version exceeds schema version; wiping and retrying once",
				zap.String("backend", be.Name()))
			err = ex.Open(ctx, target, true)
		}
		if err != nil {
			_ = be.Close()
			return nil, err
		}
	}
	return &Database{be: be, schema: target, lock: helper}, nil
}

func storeNames(target *schema.DbSchema) []string {
	names := make([]string, len(target.Stores))
	for i, ss := range target.Stores {
		names[i] = ss.Name
	}
	return names
}

func joinErrs(errs []error) error {
	msg := errs[0].Error()
	for _, e := range errs[1:] {
		msg += "; " + e.Error()
	}
	return fmt.Errorf("%s", msg)
}

// Close drains every pending transaction through lock.Helper.CloseWhenPossible
// before releasing the backend connection (spec.md §4.2 shutdown
// ordering).
func (db *Database) Close(ctx context.Context) error {
	lockErr := db.lock.CloseWhenPossible(ctx)
	closeErr := db.be.Close()
	if lockErr != nil {
		return lockErr
	}
	return closeErr
}

// BeginTransaction opens a lock.Token over storeNames (nil means every
// store in the schema) and a matching backend.Tx, returning a Transaction
// that borrows both until Commit or Abort.
func (db *Database) BeginTransaction(ctx context.Context, storeNames []string, exclusive bool) (*Transaction, error) {
	token, err := db.lock.OpenTransaction(ctx, storeNames, exclusive)
	if err != nil {
		return nil, err
	}
	tx, err := db.be.BeginTx(ctx, exclusive)
	if err != nil {
		_ = db.lock.TransactionFailed(token, err)
		return nil, err
	}
	return &Transaction{db: db, token: token, tx: tx}, nil
}

// Transaction is a single borrowed lock.Token + backend.Tx pair, exposing
// OpenStore/OpenIndex over whichever stores the token covers (spec.md
// §4.8).
type Transaction struct {
	db    *Database
	token *lock.Token
	tx    backend.Tx
	done  bool
}

// memoryStoreOpener is implemented by memorybackend's Tx: it lets
// OpenStore fetch the storeapi.Store straight off the in-memory Engine
// instead of routing through internal/store's SQL query builder, for any
// backend reporting backend.DialectMemory.
type memoryStoreOpener interface {
	Store(name string) (storeapi.Store, error)
}

// OpenStore returns the store-level operation surface for name, dialect
// and capability details already resolved from the owning Database.
func (t *Transaction) OpenStore(name string) (storeapi.Store, error) {
	ss, err := t.findStore(name)
	if err != nil {
		return nil, err
	}
	if mem, ok := t.tx.(memoryStoreOpener); ok {
		return mem.Store(name)
	}
	return store.New(t.tx, t.db.be.Capabilities(), ss), nil
}

// OpenIndex returns the query surface for one named index on a store, or
// the primary-key index when indexName is empty. It delegates to the
// store's own OpenIndex/OpenPrimaryKeyIndex, which already dispatches to
// internal/index or memorybackend's in-memory index as appropriate — so
// this one path works for every backend.
func (t *Transaction) OpenIndex(storeName, indexName string) (storeapi.Index, error) {
	st, err := t.OpenStore(storeName)
	if err != nil {
		return nil, err
	}
	if indexName == "" {
		return st.OpenPrimaryKeyIndex()
	}
	return st.OpenIndex(indexName)
}

func (t *Transaction) findStore(name string) (schema.StoreSchema, error) {
	for _, ss := range t.db.schema.Stores {
		if ss.Name == name {
			return ss, nil
		}
	}
	return schema.StoreSchema{}, dberr.New(dberr.UnknownStore, fmt.Sprintf("unknown store %q", name))
}

// Commit finalizes the backend transaction and reports success to
// lock.Helper so the next queued transaction can be admitted.
func (t *Transaction) Commit() error {
	if t.done {
		return dberr.New(dberr.TransactionAlreadyClosed, "transaction already committed or aborted")
	}
	t.done = true
	if err := t.tx.Commit(); err != nil {
		_ = t.db.lock.TransactionFailed(t.token, err)
		return dberr.Wrap(dberr.Backend, "committing transaction", err)
	}
	return t.db.lock.TransactionComplete(t.token)
}

// Abort rolls back the backend transaction and reports the failure to
// lock.Helper.
func (t *Transaction) Abort(reason error) error {
	if t.done {
		return dberr.New(dberr.TransactionAlreadyClosed, "transaction already committed or aborted")
	}
	t.done = true
	_ = t.tx.Rollback()
	return t.db.lock.TransactionFailed(t.token, reason)
}

// Exclusive reports whether this transaction was opened in exclusive mode.
func (t *Transaction) Exclusive() bool { return t.token.Exclusive() }
