package batchwrite

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/multierr"

	"recordstore/internal/datatype"
	"recordstore/internal/infer"
	"recordstore/internal/record"
	"recordstore/internal/storage"
)

// BatchWriteError reports the fields of a batch whose values do not fit the
// record type's column types. Nothing of the batch is written.
type BatchWriteError struct {
	Type record.RecordType
	// Err combines one error per offending field.
	Err error
}

func (e *BatchWriteError) Error() string {
	return strings.Join(e.Lines(), "\n")
}

func (e *BatchWriteError) Unwrap() error { return e.Err }

// Lines returns one message per offending field.
func (e *BatchWriteError) Lines() []string {
	errs := multierr.Errors(e.Err)
	out := make([]string, len(errs))
	for i, err := range errs {
		out[i] = err.Error()
	}
	return out
}

// checkRecords validates every attribute against its column type. It
// returns nil or a *BatchWriteError.
func checkRecords(rt record.RecordType, schema storage.Snapshot, recs []record.Record) error {
	var errs error
	for _, rec := range recs {
		for _, name := range attributeNames(rec) {
			v := rec.Attributes[name]
			want, ok := schema.Columns[name]
			if !ok {
				continue
			}
			if _, err := infer.Coerce(v, want); err == nil {
				continue
			}
			got, err := infer.InferValue(v)
			if err != nil {
				got = datatype.String
			}
			errs = multierr.Append(errs, fmt.Errorf(
				"%s.%s is a %v in the request but is defined as %v in the record type definition for %s",
				rec.ID, name, got, want, rt))
		}
	}
	if errs == nil {
		return nil
	}
	return &BatchWriteError{Type: rt, Err: errs}
}

// checkShapes reports every value that is an array where an earlier record
// of the batch held a scalar for the same attribute, or the reverse. It
// returns nil or a *BatchWriteError.
func checkShapes(rt record.RecordType, recs []record.Record) error {
	type seen struct {
		id string
		t  datatype.DataType
	}
	first := map[string]seen{}
	var errs error
	for _, rec := range recs {
		for _, name := range attributeNames(rec) {
			t, err := infer.InferValue(rec.Attributes[name])
			if err != nil || t == datatype.Null {
				continue
			}
			f, ok := first[name]
			if !ok {
				first[name] = seen{id: rec.ID, t: t}
				continue
			}
			if f.t.IsArray() != t.IsArray() {
				errs = multierr.Append(errs, fmt.Errorf(
					"%s.%s is a %v in the request but %s.%s is a %v in the same batch for %s",
					rec.ID, name, t, f.id, name, f.t, rt))
			}
		}
	}
	if errs == nil {
		return nil
	}
	return &BatchWriteError{Type: rt, Err: errs}
}

func attributeNames(rec record.Record) []string {
	names := make([]string, 0, len(rec.Attributes))
	for name := range rec.Attributes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
