// Package sqlitebackend implements the SQL backend used by spec.md's
// physical layout (§3): nsp_pk/nsp_data/nsp_i_* columns, FTS3 virtual
// tables, and the engine's nsp_metadata catalog table.
//
// Two real drivers are wired so ProviderFallback (spec.md §4.8) has
// something to actually fall back between: ncruces/go-sqlite3 (cgo-free,
// wasm-based, driver name "sqlite3") is tried first, and modernc.org/sqlite
// (pure Go, driver name "sqlite") second.
package sqlitebackend

import (
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	_ "modernc.org/sqlite"

	"docengine/internal/backend"
)

const maxSQLVariables = 999

func capabilities() backend.Capabilities {
	return backend.Capabilities{
		Dialect:                    backend.DialectSQLite,
		SupportsFTS3:               true,
		SupportsConcurrentReadTxns: false, // single-writer SQLite file
		MaxVariables:               maxSQLVariables,
	}
}

// NewNCruces builds the primary, cgo-free SQLite backend.
func NewNCruces(dsn string) backend.Backend {
	return backend.NewSQLBackend("sqlite(ncruces)", "sqlite3", dsn, capabilities())
}

// NewModernc builds the pure-Go modernc.org/sqlite backend, the second
// ProviderFallback candidate.
func NewModernc(dsn string) backend.Backend {
	return backend.NewSQLBackend("sqlite(modernc)", "sqlite", dsn, capabilities())
}

// Candidates returns both SQLite backend candidates in ProviderFallback
// preference order, for a given DSN (typically a file path; ":memory:" or
// "file::memory:" for an ephemeral database).
func Candidates(dsn string) []backend.Backend {
	return []backend.Backend{NewNCruces(dsn), NewModernc(dsn)}
}
