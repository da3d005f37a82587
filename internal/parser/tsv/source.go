// Package tsv reads tab-separated uploads into record batches and writes
// record types back out as TSV.
package tsv

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"recordstore/internal/datatype"
	"recordstore/internal/infer"
	"recordstore/internal/record"
)

const (
	msgDuplicateHeaders = "TSV contains duplicate column names. Please use distinct column names to prevent overwriting data"
	msgBlankHeader      = "TSV headers contain unexpected whitespace. Please delete the whitespace and resubmit."
	msgDuplicateKey     = "TSVs cannot contain duplicate primary key values"
	msgNoRows           = "We could not parse any data rows in your tsv file."
)

// Source turns a TSV upload into UPSERT batches.
//
// Uploads replace records: columns of the existing table that the upload
// does not carry are set to NULL.
type Source struct {
	rc      io.ReadCloser
	cr      *csv.Reader
	rt      record.RecordType
	headers []string
	keyIdx  int
	seen    map[string]struct{}
	line    int
	next    []string
}

// NewSource reads the header row and the first data row. The primary key is
// primaryKey when given, otherwise the leftmost column. UTF-8 and UTF-16
// input is accepted; a byte order mark is stripped. On error the reader is
// closed.
func NewSource(rc io.ReadCloser, rt record.RecordType, primaryKey string) (*Source, error) {
	s := &Source{rc: rc, rt: rt, seen: map[string]struct{}{}}
	if err := s.open(primaryKey); err != nil {
		_ = rc.Close()
		return nil, err
	}
	return s, nil
}

func (s *Source) open(primaryKey string) error {
	decoded := transform.NewReader(s.rc, unicode.BOMOverride(unicode.UTF8.NewDecoder()))
	s.cr = csv.NewReader(decoded)
	s.cr.Comma = '\t'
	s.cr.LazyQuotes = true
	s.cr.FieldsPerRecord = -1

	hdr, err := s.read()
	if errors.Is(err, io.EOF) {
		return record.Parsef(msgNoRows)
	}
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(hdr))
	for _, h := range hdr {
		if strings.TrimSpace(h) == "" {
			return record.Parsef(msgBlankHeader)
		}
		if seen[h] {
			return record.Parsef(msgDuplicateHeaders)
		}
		seen[h] = true
	}
	s.headers = append([]string(nil), hdr...)

	s.keyIdx = 0
	if primaryKey != "" {
		s.keyIdx = -1
		for i, h := range s.headers {
			if h == primaryKey {
				s.keyIdx = i
				break
			}
		}
		if s.keyIdx < 0 {
			return record.Parsef("%s", missingKey(primaryKey))
		}
	}

	first, err := s.read()
	if errors.Is(err, io.EOF) {
		return record.Parsef(msgNoRows)
	}
	if err != nil {
		return err
	}
	s.next = first
	return nil
}

func missingKey(pk string) string {
	return "Uploaded TSV is either missing the " + pk + " column or has a null or empty string value in that column"
}

func (s *Source) read() ([]string, error) {
	s.line++
	row, err := s.cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, record.Parsef("Error reading TSV. Please check the format of your upload. Line %d: %v", s.line, err)
	}
	return row, nil
}

// PrimaryKey is the column holding record ids.
func (s *Source) PrimaryKey() string { return s.headers[s.keyIdx] }

// Headers returns the upload's columns in file order.
func (s *Source) Headers() []string { return append([]string(nil), s.headers...) }

// NullsAbsentColumns reports the per-record replace semantics of uploads.
func (s *Source) NullsAbsentColumns() bool { return true }

// ReadBatch implements record.Source. Every batch is an UPSERT.
func (s *Source) ReadBatch(ctx context.Context, maxSize int) (record.Batch, error) {
	if maxSize <= 0 {
		return record.Batch{}, fmt.Errorf("tsv: batch size must be positive, got %d", maxSize)
	}
	b := record.Batch{Op: record.Upsert}
	for len(b.Records) < maxSize && s.next != nil {
		if err := ctx.Err(); err != nil {
			return record.Batch{}, err
		}
		rec, err := s.toRecord(s.next)
		if err != nil {
			return record.Batch{}, err
		}
		b.Records = append(b.Records, rec)

		row, err := s.read()
		switch {
		case errors.Is(err, io.EOF):
			s.next = nil
		case err != nil:
			return record.Batch{}, err
		default:
			s.next = row
		}
	}
	return b, nil
}

func (s *Source) toRecord(row []string) (record.Record, error) {
	if len(row) > len(s.headers) {
		return record.Record{}, record.Parsef("Error reading TSV. Line %d has %d fields but the header has %d", s.line, len(row), len(s.headers))
	}
	pk := s.PrimaryKey()
	if s.keyIdx >= len(row) || strings.TrimSpace(row[s.keyIdx]) == "" {
		return record.Record{}, record.Parsef("%s", missingKey(pk))
	}
	id := row[s.keyIdx]
	if _, dup := s.seen[id]; dup {
		return record.Record{}, record.Parsef(msgDuplicateKey)
	}
	s.seen[id] = struct{}{}

	rec := record.New(s.rt, id)
	for i, h := range s.headers {
		if i == s.keyIdx {
			continue
		}
		if i >= len(row) {
			rec.Attributes[h] = record.Null()
			continue
		}
		rec.Attributes[h] = Cell(row[i])
	}
	return rec, nil
}

// Cell converts one TSV cell. Empty cells are NULL, JSON array text becomes
// a list and numeric text a number. Anything else, including surrounding
// whitespace, is kept as text for inference.
func Cell(s string) record.Value {
	if s == "" {
		return record.Null()
	}
	if strings.HasPrefix(s, "[") && json.Valid([]byte(s)) {
		return infer.FromJSON(json.RawMessage(s))
	}
	v := record.Text(s)
	if t, err := infer.InferValue(v); err == nil && t == datatype.Number {
		if n, err := infer.Coerce(v, datatype.Number); err == nil {
			return n
		}
	}
	return v
}

// Close releases the underlying reader.
func (s *Source) Close() error {
	return s.rc.Close()
}

var (
	_ record.KeyedSource   = (*Source)(nil)
	_ record.NullingSource = (*Source)(nil)
)
