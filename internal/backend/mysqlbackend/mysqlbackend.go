// Package mysqlbackend implements a second, MySQL-compatible relational
// backend. MySQL has no FTS3, so this backend reports SupportsFTS3=false
// (spec.md §4.3's fullText-degrades-to-LIKE path); its catalog is the
// engine's own nsp_metadata table, read the same way as for SQLite.
package mysqlbackend

import (
	_ "github.com/go-sql-driver/mysql"

	"docengine/internal/backend"
)

const maxSQLVariables = 65535 / 8 // MySQL protocol's practical placeholder ceiling, conservatively divided for multi-column batches

// New builds a MySQL backend for the given DSN (go-sql-driver/mysql DSN
// syntax, e.g. "user:pass@tcp(host:3306)/dbname").
func New(dsn string) backend.Backend {
	return backend.NewSQLBackend("mysql", "mysql", dsn, backend.Capabilities{
		Dialect:                    backend.DialectMySQL,
		SupportsFTS3:               false,
		SupportsConcurrentReadTxns: true,
		MaxVariables:               maxSQLVariables,
	})
}
