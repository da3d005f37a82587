package tsv

import (
	"encoding/csv"
	"io"
	"sort"

	"recordstore/internal/record"
)

// Writer exports records of one type. The key column comes first, then the
// attributes in sorted order. Fields holding tabs, quotes or line breaks are
// quoted so an export re-imports unchanged.
type Writer struct {
	w       *csv.Writer
	pk      string
	columns []string
	started bool
}

// NewWriter sorts a copy of columns; the primary key must not be among them.
func NewWriter(w io.Writer, primaryKey string, columns []string) *Writer {
	cols := append([]string(nil), columns...)
	sort.Strings(cols)
	cw := csv.NewWriter(w)
	cw.Comma = '\t'
	return &Writer{w: cw, pk: primaryKey, columns: cols}
}

// Write emits the header row before the first record.
func (w *Writer) Write(r record.Record) error {
	if err := w.header(); err != nil {
		return err
	}
	row := make([]string, 0, len(w.columns)+1)
	row = append(row, r.ID)
	for _, c := range w.columns {
		row = append(row, r.Attributes[c].String())
	}
	return w.w.Write(row)
}

func (w *Writer) header() error {
	if w.started {
		return nil
	}
	w.started = true
	return w.w.Write(append([]string{w.pk}, w.columns...))
}

// Close writes the header if no record was written and flushes.
func (w *Writer) Close() error {
	if err := w.header(); err != nil {
		return err
	}
	w.w.Flush()
	return w.w.Error()
}
