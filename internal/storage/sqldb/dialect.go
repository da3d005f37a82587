// Package sqldb implements storage.Gateway over database/sql for engines
// without native array or JSON column types. Every attribute is stored in
// its canonical text form; the logical type of each column lives in a
// per-collection catalog table, sys_columns.
package sqldb

import (
	"context"
	"database/sql"

	"recordstore/internal/datatype"
)

// CatalogTable names the per-collection column catalog.
const CatalogTable = "sys_columns"

// Dialect captures the SQL differences between engines.
type Dialect interface {
	// Quote quotes a single identifier.
	Quote(ident string) string
	// Table renders the quoted physical name of a table in a collection.
	Table(collection, name string) string
	// Placeholder renders bind parameter n (1-based).
	Placeholder(n int) string
	// ColumnType is the physical type of an attribute column.
	ColumnType(t datatype.DataType) string
	// KeyType is the physical type of primary and foreign key columns.
	KeyType() string
	// MaxParams bounds the bind parameters of one statement.
	MaxParams() int

	// CreateSchema and DropSchema return the statements, if any, that create
	// or drop the collection namespace itself.
	CreateSchema(collection string) []string
	DropSchema(collection string) []string
	// TableExists returns a query yielding a single count.
	TableExists(collection, name string) (string, []any)
	// AddColumn renders ALTER TABLE for one column definition.
	AddColumn(table, def string) string
	// Upsert renders a rows-long upsert keyed on pk. Placeholders number
	// row-major, key first.
	Upsert(table, pk string, cols []string, rows int) string
	// InsertIgnore renders a rows-long insert that skips existing keys.
	InsertIgnore(table string, cols []string, rows int) string
	// Page appends ordering and paging to a SELECT.
	Page(query, orderBy string, limit, offset int) string

	// Classify maps engine errors onto storage.StorageError.
	Classify(err error) error
}

// conn is the subset of *sql.DB and *sql.Tx a session runs on.
type conn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var (
	_ conn = (*sql.DB)(nil)
	_ conn = (*sql.Tx)(nil)
)
