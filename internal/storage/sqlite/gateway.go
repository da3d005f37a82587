package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"recordstore/internal/datatype"
	"recordstore/internal/storage"
	"recordstore/internal/storage/sqldb"
)

// SQLite has no schemas, so a collection is a table name prefix:
// "<collection>.<type>" quoted as one identifier. Every attribute is stored
// as TEXT; the catalog keeps the logical types.

func init() {
	storage.Register("sqlite", New)
}

// New opens a SQLite database with foreign keys enforced.
//
// The pool is limited to one connection: an in-memory database is private to
// its connection, and SQLite serializes writers anyway.
func New(ctx context.Context, cfg storage.Config) (storage.Gateway, error) {
	db, err := sql.Open("sqlite", withForeignKeys(cfg.DSN))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sqldb.New(db, Dialect{}), nil
}

// withForeignKeys adds the foreign_keys pragma to a DSN unless it already
// sets one.
func withForeignKeys(dsn string) string {
	if strings.Contains(dsn, "foreign_keys") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=foreign_keys(1)"
}

// Dialect is the SQLite flavour of sqldb.Dialect.
type Dialect struct{}

func (Dialect) Quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func (d Dialect) Table(collection, name string) string {
	return d.Quote(collection + "." + name)
}

func (Dialect) Placeholder(int) string { return "?" }

func (Dialect) ColumnType(datatype.DataType) string { return "TEXT" }

func (Dialect) KeyType() string { return "TEXT" }

func (Dialect) MaxParams() int { return 32000 }

func (Dialect) CreateSchema(string) []string { return nil }

func (Dialect) DropSchema(string) []string { return nil }

func (Dialect) TableExists(collection, name string) (string, []any) {
	return `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, []any{collection + "." + name}
}

func (Dialect) AddColumn(table, def string) string {
	return fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s`, table, def)
}

func (Dialect) Upsert(table, pk string, cols []string, rows int) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	b.WriteString(" (")
	b.WriteString(pk)
	for _, c := range cols {
		b.WriteString(", ")
		b.WriteString(c)
	}
	b.WriteString(") VALUES ")
	writeValues(&b, len(cols)+1, rows)
	b.WriteString(" ON CONFLICT(")
	b.WriteString(pk)
	if len(cols) == 0 {
		b.WriteString(") DO NOTHING")
		return b.String()
	}
	b.WriteString(") DO UPDATE SET ")
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(c)
		b.WriteString(" = excluded.")
		b.WriteString(c)
	}
	return b.String()
}

func (d Dialect) InsertIgnore(table string, cols []string, rows int) string {
	var b strings.Builder
	b.WriteString("INSERT OR IGNORE INTO ")
	b.WriteString(table)
	b.WriteString(" (")
	b.WriteString(strings.Join(cols, ", "))
	b.WriteString(") VALUES ")
	writeValues(&b, len(cols), rows)
	return b.String()
}

func writeValues(b *strings.Builder, width, rows int) {
	tuple := "(" + strings.TrimSuffix(strings.Repeat("?, ", width), ", ") + ")"
	for i := 0; i < rows; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(tuple)
	}
}

func (Dialect) Page(query, orderBy string, limit, offset int) string {
	return fmt.Sprintf("%s ORDER BY %s LIMIT %d OFFSET %d", query, orderBy, limit, offset)
}

// Classify maps SQLite result codes onto storage kinds. Schema errors carry
// the generic SQLITE_ERROR code, so those are recognised by message.
func (Dialect) Classify(err error) error {
	if err == nil {
		return nil
	}
	var se *msqlite.Error
	if !errors.As(err, &se) {
		return err
	}
	kind := storage.Other
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		kind = storage.UniqueViolation
	case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
		kind = storage.ForeignKeyViolation
	default:
		msg := se.Error()
		switch {
		case strings.Contains(msg, "no such table"):
			kind = storage.UndefinedTable
		case strings.Contains(msg, "duplicate column name"):
			kind = storage.DuplicateColumn
		}
	}
	return &storage.StorageError{Kind: kind, Code: fmt.Sprint(se.Code()), Err: err}
}

var _ sqldb.Dialect = Dialect{}
