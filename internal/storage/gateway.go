// Package storage defines the persistence gateway the write pipeline and the
// read paths run against, plus the registry backends plug into.
package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"recordstore/internal/datatype"
	"recordstore/internal/record"
)

// Config is the minimal configuration needed to open a Gateway.
//
// When to use:
//   - Use Config when constructing a Gateway via Open.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is backend-specific.
//   - MaxConns <= 0 leaves the backend's pool default in place.
//
// Errors:
//   - Open returns an error if Kind is empty or unsupported.
type Config struct {
	Kind     string
	DSN      string
	MaxConns int
}

// Session is the set of schema and row operations a write or read runs
// against. A Session is either bound to a transaction (inside WithTx) or
// auto-commits each call.
//
// Each backend implements these semantics in its own idiomatic way (Postgres
// native column types and ON CONFLICT, SQLite and SQL Server with a column
// catalog).
type Session interface {
	// Collection namespaces.
	SchemaExists(ctx context.Context, collection string) (bool, error)
	CreateSchema(ctx context.Context, collection string) error
	DeleteSchema(ctx context.Context, collection string) error

	// Record type tables.
	TableExists(ctx context.Context, table Table) (bool, error)
	ListTables(ctx context.Context, collection string) ([]record.RecordType, error)
	CreateTable(ctx context.Context, spec TableSpec) error
	DropTable(ctx context.Context, table Table) error

	// Columns. AddColumn is idempotent: an existing column of the same name is
	// left untouched. Columns fails with an UndefinedTable StorageError when the
	// table does not exist.
	AddColumn(ctx context.Context, table Table, col ColumnSpec) error
	WidenColumn(ctx context.Context, table Table, column string, to datatype.DataType) error
	Columns(ctx context.Context, table Table) (Snapshot, error)

	// Rows.
	Upsert(ctx context.Context, batch UpsertBatch) (int64, error)
	Delete(ctx context.Context, table Table, schema Snapshot, ids []string) (int64, error)

	// Relation arrays.
	CreateJoinTable(ctx context.Context, join JoinSpec) error
	InsertJoinRows(ctx context.Context, join JoinSpec, rows []JoinRow) error
	DeleteJoinRows(ctx context.Context, join JoinSpec, fromIDs []string) error

	// Reads.
	Count(ctx context.Context, table Table) (int64, error)
	Get(ctx context.Context, table Table, schema Snapshot, id string) (record.Record, error)
	Query(ctx context.Context, spec QuerySpec) (QueryResult, error)
	Scan(ctx context.Context, table Table, schema Snapshot, fn func(record.Record) error) error
}

// Gateway is a backend-agnostic persistence gateway.
type Gateway interface {
	Session

	// WithTx runs fn on a Session bound to one transaction. The transaction
	// commits when fn returns nil and rolls back otherwise.
	WithTx(ctx context.Context, fn func(Session) error) error

	// Close releases any backend resources (connections, prepared statements, etc).
	//
	// When to use:
	//   - Always call Close when you are done with the gateway to avoid leaks.
	//
	// Edge cases:
	//   - Callers should treat Close as "call once".
	Close()
}

type factory func(ctx context.Context, cfg Config) (Gateway, error)

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a backend under a kind (e.g. "postgres", "sqlite").
//
// When to use:
//   - Call Register from an init() function in a backend package.
//   - The `kind` string becomes the lookup key used by Open.
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered.
func Register(kind string, f factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}

	factories[kind] = f
}

// Open constructs a Gateway using the registered backend factory.
//
// Concurrency:
//   - Safe for concurrent use with Register. Open takes a read lock while
//     selecting the factory.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported.
//   - Returns whatever error the registered factory returns.
func Open(ctx context.Context, cfg Config) (Gateway, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing storage.kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported storage.kind=%s", cfg.Kind)
	}
	return f(ctx, cfg)
}

// Kinds lists the registered backend kinds.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
