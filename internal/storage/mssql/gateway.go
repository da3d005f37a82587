// Package mssql stores collections in Microsoft SQL Server. A collection is
// a database schema; attribute values are kept as NVARCHAR text and their
// logical types live in the collection's catalog table.
package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	mssql "github.com/microsoft/go-mssqldb"

	"recordstore/internal/datatype"
	"recordstore/internal/storage"
	"recordstore/internal/storage/sqldb"
)

func init() {
	storage.Register("sqlserver", New)
}

// New opens a SQL Server pool and validates connectivity via PingContext.
func New(ctx context.Context, cfg storage.Config) (storage.Gateway, error) {
	db, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
		db.SetMaxIdleConns(cfg.MaxConns)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sqldb.New(db, Dialect{}), nil
}

// keyType keeps composite keys of the catalog and join tables within the
// 900 byte index key limit.
const keyType = "NVARCHAR(225)"

// Dialect is the SQL Server flavour of sqldb.Dialect.
type Dialect struct{}

// Quote returns a bracket-quoted identifier.
func (Dialect) Quote(ident string) string {
	return mssqlIdent(ident)
}

func (Dialect) Table(collection, name string) string {
	return mssqlIdent(collection) + "." + mssqlIdent(name)
}

func (Dialect) Placeholder(n int) string { return "@p" + strconv.Itoa(n) }

func (Dialect) ColumnType(t datatype.DataType) string {
	if t == datatype.Relation {
		return keyType
	}
	return "NVARCHAR(MAX)"
}

func (Dialect) KeyType() string { return keyType }

// MaxParams stays below the 2100 parameter cap of an RPC call.
func (Dialect) MaxParams() int { return 2000 }

// CreateSchema wraps CREATE SCHEMA in EXEC because it must be the only
// statement in its batch.
func (Dialect) CreateSchema(collection string) []string {
	create := "CREATE SCHEMA " + mssqlIdent(collection)
	return []string{fmt.Sprintf("IF SCHEMA_ID(%s) IS NULL EXEC(%s)", nString(collection), nString(create))}
}

func (Dialect) DropSchema(collection string) []string {
	return []string{"DROP SCHEMA " + mssqlIdent(collection)}
}

func (Dialect) TableExists(collection, name string) (string, []any) {
	return `SELECT COUNT(*) FROM sys.tables t JOIN sys.schemas s ON s.schema_id = t.schema_id WHERE s.name = @p1 AND t.name = @p2`,
		[]any{collection, name}
}

func (Dialect) AddColumn(table, def string) string {
	return fmt.Sprintf("ALTER TABLE %s ADD %s", table, def)
}

// Upsert renders a MERGE over a VALUES source. HOLDLOCK keeps concurrent
// merges of the same key from both taking the insert branch. The source
// must not repeat a key.
func (d Dialect) Upsert(table, pk string, cols []string, rows int) string {
	all := append([]string{pk}, cols...)

	var b strings.Builder
	b.WriteString("MERGE INTO ")
	b.WriteString(table)
	b.WriteString(" WITH (HOLDLOCK) AS tgt USING (VALUES ")
	writeValues(&b, len(all), rows)
	b.WriteString(") AS src (")
	b.WriteString(strings.Join(all, ", "))
	b.WriteString(") ON tgt.")
	b.WriteString(pk)
	b.WriteString(" = src.")
	b.WriteString(pk)
	if len(cols) > 0 {
		b.WriteString(" WHEN MATCHED THEN UPDATE SET ")
		for i, c := range cols {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString("tgt.")
			b.WriteString(c)
			b.WriteString(" = src.")
			b.WriteString(c)
		}
	}
	b.WriteString(" WHEN NOT MATCHED THEN INSERT (")
	b.WriteString(strings.Join(all, ", "))
	b.WriteString(") VALUES (")
	for i, c := range all {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("src.")
		b.WriteString(c)
	}
	b.WriteString(");")
	return b.String()
}

// InsertIgnore inserts the distinct source rows not already present.
func (d Dialect) InsertIgnore(table string, cols []string, rows int) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	b.WriteString(" (")
	b.WriteString(strings.Join(cols, ", "))
	b.WriteString(") SELECT DISTINCT ")
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("src.")
		b.WriteString(c)
	}
	b.WriteString(" FROM (VALUES ")
	writeValues(&b, len(cols), rows)
	b.WriteString(") AS src (")
	b.WriteString(strings.Join(cols, ", "))
	b.WriteString(") WHERE NOT EXISTS (SELECT 1 FROM ")
	b.WriteString(table)
	b.WriteString(" AS tgt WHERE ")
	for i, c := range cols {
		if i > 0 {
			b.WriteString(" AND ")
		}
		b.WriteString("tgt.")
		b.WriteString(c)
		b.WriteString(" = src.")
		b.WriteString(c)
	}
	b.WriteString(")")
	return b.String()
}

func writeValues(b *strings.Builder, width, rows int) {
	n := 1
	for r := 0; r < rows; r++ {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for c := 0; c < width; c++ {
			if c > 0 {
				b.WriteString(", ")
			}
			b.WriteString("@p")
			b.WriteString(strconv.Itoa(n))
			n++
		}
		b.WriteString(")")
	}
}

func (Dialect) Page(query, orderBy string, limit, offset int) string {
	return fmt.Sprintf("%s ORDER BY %s OFFSET %d ROWS FETCH NEXT %d ROWS ONLY", query, orderBy, offset, limit)
}

var errorKinds = map[int32]storage.ErrorKind{
	2627: storage.UniqueViolation,
	2601: storage.UniqueViolation,
	547:  storage.ForeignKeyViolation,
	245:  storage.TypeMismatch,
	8114: storage.TypeMismatch,
	208:  storage.UndefinedTable,
	3726: storage.DependentObjects,
	2705: storage.DuplicateColumn,
}

// Classify maps SQL Server error numbers onto storage kinds.
func (Dialect) Classify(err error) error {
	if err == nil {
		return nil
	}
	var me mssql.Error
	if !errors.As(err, &me) {
		return err
	}
	kind, ok := errorKinds[me.Number]
	if !ok {
		kind = storage.Other
	}
	return &storage.StorageError{Kind: kind, Code: strconv.Itoa(int(me.Number)), Err: err}
}

// mssqlIdent returns a bracket-quoted identifier, escaping closing brackets.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// nString renders a Unicode string literal.
func nString(s string) string {
	return "N'" + strings.ReplaceAll(s, "'", "''") + "'"
}

var _ sqldb.Dialect = Dialect{}
