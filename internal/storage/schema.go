// The schema types live here so the orchestrator, the reconciler and every
// backend package can share them without import cycles.

package storage

import (
	"sort"
	"strings"

	"recordstore/internal/datatype"
	"recordstore/internal/record"
)

// Table identifies a record type table inside a collection namespace.
type Table struct {
	Collection string            `json:"collection"`
	Type       record.RecordType `json:"type"`
}

func (t Table) String() string { return t.Collection + "." + string(t.Type) }

// Sibling returns the table of another record type in the same collection.
func (t Table) Sibling(rt record.RecordType) Table {
	return Table{Collection: t.Collection, Type: rt}
}

// TableSpec describes a record type table to create.
type TableSpec struct {
	Table      Table        `json:"table"`
	PrimaryKey string       `json:"primary_key"`
	Columns    []ColumnSpec `json:"columns"`
}

// ColumnSpec is a single attribute column.
//
// References is set for RELATION columns: the column becomes a foreign key to
// the primary key of that record type. For ARRAY_OF_RELATION columns it names
// the target of the join table.
type ColumnSpec struct {
	Name       string            `json:"name"`
	Type       datatype.DataType `json:"type"`
	References record.RecordType `json:"references,omitempty"`
}

// JoinSpec describes the join table backing a relation-array column.
type JoinSpec struct {
	From   Table             `json:"from"`
	Column string            `json:"column"`
	To     record.RecordType `json:"to"`
}

// JoinTablePrefix starts every join table name.
const JoinTablePrefix = record.ReservedPrefix

// Name is the join table name: sys_<fromType>_<column>.
func (j JoinSpec) Name() string {
	return JoinTablePrefix + string(j.From.Type) + "_" + j.Column
}

// IsJoinTable reports whether a physical table name belongs to a join table
// or another reserved table.
func IsJoinTable(name string) bool { return strings.HasPrefix(name, JoinTablePrefix) }

// JoinRow is one materialized relation-array element.
type JoinRow struct {
	FromID string
	ToID   string
}

// Snapshot is the persisted schema of one table, read back via
// Session.Columns and passed explicitly to readers and writers.
type Snapshot struct {
	PrimaryKey string                       `json:"primary_key"`
	Columns    map[string]datatype.DataType `json:"columns"`
	// Relations maps every reference column (scalar or array) to its target.
	Relations map[string]record.RecordType `json:"relations,omitempty"`
}

// NewSnapshot returns an empty snapshot keyed on pk.
func NewSnapshot(pk string) Snapshot {
	return Snapshot{
		PrimaryKey: pk,
		Columns:    map[string]datatype.DataType{},
		Relations:  map[string]record.RecordType{},
	}
}

// Clone returns a deep copy.
func (s Snapshot) Clone() Snapshot {
	out := NewSnapshot(s.PrimaryKey)
	for k, v := range s.Columns {
		out.Columns[k] = v
	}
	for k, v := range s.Relations {
		out.Relations[k] = v
	}
	return out
}

// ColumnNames returns the attribute columns sorted by name. The primary key
// is not included.
func (s Snapshot) ColumnNames() []string {
	out := make([]string, 0, len(s.Columns))
	for k := range s.Columns {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// RelationArrays returns the join specs of every ARRAY_OF_RELATION column.
func (s Snapshot) RelationArrays(table Table) []JoinSpec {
	var out []JoinSpec
	for _, col := range s.ColumnNames() {
		if s.Columns[col] != datatype.ArrayOfRelation {
			continue
		}
		out = append(out, JoinSpec{From: table, Column: col, To: s.Relations[col]})
	}
	return out
}

// Row is one record's values keyed by column. Values are already coerced to
// their column types.
type Row struct {
	ID     string
	Values map[string]record.Value
}

// UpsertBatch is a set of rows that all carry exactly Columns. Columns not
// listed are left unchanged on conflict.
type UpsertBatch struct {
	Table   Table
	Schema  Snapshot
	Columns []string
	Rows    []Row
}

// GroupRows splits rows into batches by the exact set of columns each row
// carries, preserving first-seen order, so an upsert only touches the
// columns a record supplied.
func GroupRows(table Table, schema Snapshot, rows []Row) []UpsertBatch {
	var out []UpsertBatch
	index := map[string]int{}
	for _, r := range rows {
		cols := make([]string, 0, len(r.Values))
		for c := range r.Values {
			cols = append(cols, c)
		}
		sort.Strings(cols)
		key := strings.Join(cols, "\x00")
		i, ok := index[key]
		if !ok {
			i = len(out)
			index[key] = i
			out = append(out, UpsertBatch{Table: table, Schema: schema, Columns: cols})
		}
		out[i].Rows = append(out[i].Rows, r)
	}
	return out
}

// Filter restricts a query to rows whose Column equals Value, compared
// case-insensitively.
type Filter struct {
	Column string
	Value  string
}

// QuerySpec is one page of a record query, ordered by primary key.
type QuerySpec struct {
	Table      Table
	Schema     Snapshot
	Limit      int
	Offset     int
	Descending bool
	Filter     *Filter
}

// QueryResult is a page of records plus the total number of matching rows.
type QueryResult struct {
	Total   int64
	Records []record.Record
}
