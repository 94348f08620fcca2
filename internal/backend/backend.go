// Package backend defines the narrow contract the engine needs from a
// physical storage backend (spec.md §6 "Backend transaction object"), and
// is implemented by sqlitebackend, mysqlbackend, and memorybackend.
//
// Nothing above this package builds SQL by talking to database/sql
// directly — internal/executor, internal/store and internal/index build
// SQL text and pass it through a Tx; the backend only knows how to open
// connections and run statements.
package backend

import "context"

// Dialect names which physical-table conventions a backend expects. The
// memory backend never builds SQL at all; SQL-backed implementations use
// this to pick identifier-quoting and DDL-syntax details.
type Dialect string

const (
	DialectSQLite Dialect = "sqlite"
	DialectMySQL  Dialect = "mysql"
	DialectMemory Dialect = "memory"
)

// Capabilities describes what a backend can do, fixed at construction time
// (spec.md §9: "not inferred at query time").
type Capabilities struct {
	Dialect Dialect

	// SupportsFTS3 gates whether fullText indexes get a real FTS3 virtual
	// table or degrade to a LIKE-queryable column (spec.md §4.3).
	SupportsFTS3 bool

	// SupportsConcurrentReadTxns is the LockHelper constructor flag from
	// spec.md §4.2: when false, an exclusive transaction blocks dispatch
	// of every other transaction until it completes, even unrelated
	// readers.
	SupportsConcurrentReadTxns bool

	// MaxVariables bounds how many placeholders a single statement may
	// carry (spec.md §6); StoreEngine paginates accordingly.
	MaxVariables int

	// MaxReaders bounds concurrently admitted readonly transactions,
	// counted across all stores together, when SupportsConcurrentReadTxns is true but the backend's
	// underlying connection pool is itself bounded (e.g. a fixed-size
	// reader pool). Zero means unbounded.
	MaxReaders int
}

// Row is one result row, addressable by column index, matching the subset
// of database/sql.Rows the engine actually needs.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Close() error
	Err() error
}

// Tx is a single backend transaction. Every query submitted to one Tx
// within the engine runs strictly in submission order (spec.md §5).
type Tx interface {
	RunQuery(ctx context.Context, sql string, args []any) (Rows, error)
	Exec(ctx context.Context, sql string, args []any) (rowsAffected int64, err error)
	Commit() error
	Rollback() error
}

// Backend is the provider-owned handle to a physical database. It outlives
// every Tx it opens; Tx instances must not be used after the Backend is
// closed (spec.md §3 Ownership).
type Backend interface {
	Open(ctx context.Context) error
	Close() error
	Capabilities() Capabilities
	BeginTx(ctx context.Context, exclusive bool) (Tx, error)
	// Name identifies the backend for ProviderFallback error aggregation
	// and CLI reporting.
	Name() string
}
