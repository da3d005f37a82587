// Package record holds the data model shared by the sources, the inferer and
// the write pipeline: typed values, records, batches and the Source contract.
package record

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// RecordType names a table within a collection.
type RecordType string

// Record is one row: an id unique within its type plus its attributes.
type Record struct {
	Type       RecordType
	ID         string
	Attributes map[string]Value
}

// New returns an empty record.
func New(t RecordType, id string) Record {
	return Record{Type: t, ID: id, Attributes: map[string]Value{}}
}

// Keys returns the attribute names in sorted order.
func (r Record) Keys() []string {
	keys := make([]string, 0, len(r.Attributes))
	for k := range r.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// OperationType is the write operation applied to a batch.
type OperationType int

const (
	Upsert OperationType = iota + 1
	Delete
)

func (o OperationType) String() string {
	switch o {
	case Upsert:
		return "UPSERT"
	case Delete:
		return "DELETE"
	}
	return "UNKNOWN"
}

// ParseOperation accepts "upsert" or "delete" in any case.
func ParseOperation(s string) (OperationType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "UPSERT":
		return Upsert, nil
	case "DELETE":
		return Delete, nil
	}
	return 0, fmt.Errorf("unknown operation %q", s)
}

// Batch is a bounded list of records sharing one operation type.
type Batch struct {
	Op      OperationType
	Records []Record
}

// Empty reports the end-of-stream batch.
func (b Batch) Empty() bool { return len(b.Records) == 0 }

// Source produces batches from an upload.
//
// ReadBatch returns at most maxSize records of a single operation type. An
// empty batch signals the end of the stream. Close releases the underlying
// reader and must be safe to call after a failed ReadBatch.
type Source interface {
	ReadBatch(ctx context.Context, maxSize int) (Batch, error)
	Close() error
}

// KeyedSource is implemented by sources that determine the primary-key
// column themselves (TSV uploads use their leftmost header).
type KeyedSource interface {
	Source
	PrimaryKey() string
}

// NullingSource is implemented by sources with per-record replace semantics:
// columns of the existing table that a record does not carry are set to NULL.
type NullingSource interface {
	Source
	NullsAbsentColumns() bool
}

// ErrParse marks malformed uploads. Source errors wrap it.
var ErrParse = errors.New("parse error")

// Parsef formats a parse error that matches errors.Is(err, ErrParse).
func Parsef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrParse, fmt.Sprintf(format, args...))
}

// WriteResult counts the records written per record type.
type WriteResult map[RecordType]int

// Add records n more writes for t.
func (w WriteResult) Add(t RecordType, n int) {
	if n == 0 {
		return
	}
	w[t] += n
}

// Total sums the counts over every type.
func (w WriteResult) Total() int {
	n := 0
	for _, c := range w {
		n += c
	}
	return n
}
