package backend

import (
	"context"
	"database/sql"
	"fmt"
)

// SQLBackend is a database/sql-backed Backend, shared by sqlitebackend and
// mysqlbackend — only the driver name, DSN, and Capabilities differ
// between the two (spec.md §4.9: "a backend-independent storage engine").
type SQLBackend struct {
	name       string
	driverName string
	dsn        string
	caps       Capabilities
	db         *sql.DB
}

// NewSQLBackend builds a Backend around a database/sql driver already
// registered under driverName (via blank import).
func NewSQLBackend(name, driverName, dsn string, caps Capabilities) *SQLBackend {
	return &SQLBackend{name: name, driverName: driverName, dsn: dsn, caps: caps}
}

func (b *SQLBackend) Name() string { return b.name }

func (b *SQLBackend) Open(ctx context.Context) error {
	db, err := sql.Open(b.driverName, b.dsn)
	if err != nil {
		return fmt.Errorf("%s: open: %w", b.name, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("%s: ping: %w", b.name, err)
	}
	if !b.caps.SupportsConcurrentReadTxns {
		db.SetMaxOpenConns(1)
	}
	b.db = db
	return nil
}

func (b *SQLBackend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *SQLBackend) Capabilities() Capabilities { return b.caps }

func (b *SQLBackend) BeginTx(ctx context.Context, exclusive bool) (Tx, error) {
	opts := &sql.TxOptions{ReadOnly: !exclusive}
	tx, err := b.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: begin tx: %w", b.name, err)
	}
	return &sqlTx{tx: tx}, nil
}

type sqlTx struct {
	tx *sql.Tx
}

func (t *sqlTx) RunQuery(ctx context.Context, query string, args []any) (Rows, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (t *sqlTx) Exec(ctx context.Context, query string, args []any) (int64, error) {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil //nolint:nilerr // RowsAffected support is driver-dependent; not fatal.
	}
	return n, nil
}

func (t *sqlTx) Commit() error   { return t.tx.Commit() }
func (t *sqlTx) Rollback() error { return t.tx.Rollback() }
