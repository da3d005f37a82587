package tsv

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"recordstore/internal/record"
)

func open(t *testing.T, input, pk string) (*Source, error) {
	t.Helper()
	return NewSource(io.NopCloser(strings.NewReader(input)), "sample", pk)
}

func drain(t *testing.T, s *Source, size int) ([]record.Record, error) {
	t.Helper()
	var out []record.Record
	for {
		b, err := s.ReadBatch(context.Background(), size)
		if err != nil {
			return out, err
		}
		if b.Empty() {
			return out, nil
		}
		if b.Op != record.Upsert {
			t.Fatalf("TSV batches must be UPSERT, got %v", b.Op)
		}
		out = append(out, b.Records...)
	}
}

func TestSource_LeftmostKeyAndCells(t *testing.T) {
	t.Parallel()

	input := "\ufeffsample_id\tage\ttags\tnote\tzip\n" +
		"s1\t42\t[1,2]\t  padded \t007\n" +
		"s2\t\t[]\tplain\n"
	s, err := open(t, input, "")
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}
	if s.PrimaryKey() != "sample_id" {
		t.Fatalf("expected the leftmost header as key, got %q", s.PrimaryKey())
	}
	if !s.NullsAbsentColumns() {
		t.Fatalf("TSV uploads null out absent columns")
	}

	recs, err := drain(t, s, 1)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	r1 := recs[0]
	if r1.ID != "s1" || r1.Type != "sample" {
		t.Fatalf("unexpected record identity: %s/%s", r1.Type, r1.ID)
	}
	if _, ok := r1.Attributes["sample_id"]; ok {
		t.Fatalf("the key column must not be an attribute")
	}
	if r1.Attributes["age"].Kind() != record.KindNumber {
		t.Fatalf("numeric text must become a number, got %v", r1.Attributes["age"].Kind())
	}
	if r1.Attributes["tags"].Kind() != record.KindList || len(r1.Attributes["tags"].AsList()) != 2 {
		t.Fatalf("JSON array text must become a list, got %v", r1.Attributes["tags"])
	}
	if r1.Attributes["note"].AsText() != "  padded " {
		t.Fatalf("whitespace must be kept verbatim, got %q", r1.Attributes["note"].AsText())
	}
	if r1.Attributes["zip"].Kind() != record.KindText {
		t.Fatalf("leading zero text is not numeric, got %v", r1.Attributes["zip"].Kind())
	}

	r2 := recs[1]
	if !r2.Attributes["age"].IsNull() || !r2.Attributes["zip"].IsNull() {
		t.Fatalf("empty and missing cells must be null: %+v", r2.Attributes)
	}
	if r2.Attributes["tags"].Kind() != record.KindList || len(r2.Attributes["tags"].AsList()) != 0 {
		t.Fatalf("[] must be an empty list, got %v", r2.Attributes["tags"])
	}
}

func TestSource_ExplicitKey(t *testing.T) {
	t.Parallel()

	s, err := open(t, "name\tid\nAnn\tp1\n", "id")
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}
	recs, err := drain(t, s, 10)
	if err != nil || len(recs) != 1 || recs[0].ID != "p1" || recs[0].Attributes["name"].AsText() != "Ann" {
		t.Fatalf("unexpected records %+v err=%v", recs, err)
	}
}

func TestSource_FatalErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name, input, pk, want string
	}{
		{"duplicate headers", "id\ta\ta\n1\tx\ty\n", "", "TSV contains duplicate column names"},
		{"blank header", "id\t\tb\n1\tx\ty\n", "", "unexpected whitespace"},
		{"trailing tab", "id\ta\t\n1\tx\t\n", "", "unexpected whitespace"},
		{"no rows", "id\ta\n", "", "could not parse any data rows"},
		{"empty", "", "", "could not parse any data rows"},
		{"unknown explicit key", "id\ta\n1\tx\n", "missing", "missing the missing column"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			_, err := open(t, tc.input, tc.pk)
			if !errors.Is(err, record.ErrParse) || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected parse error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestSource_RowErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name, input, want string
	}{
		{"duplicate key across batches", "id\ta\n1\tx\n2\ty\n1\tz\n", "TSVs cannot contain duplicate primary key values"},
		{"blank key", "id\ta\n \tx\n", "missing the id column"},
		{"too many fields", "id\ta\n1\tx\textra\n", "has 3 fields"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			s, err := open(t, tc.input, "")
			if err != nil {
				t.Fatalf("NewSource: %v", err)
			}
			_, err = drain(t, s, 1)
			if !errors.Is(err, record.ErrParse) || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected parse error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestSource_UTF16WithBOM(t *testing.T) {
	t.Parallel()

	text := "id\tname\nx1\tZoë\n"
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFE})
	for _, r := range text {
		buf.WriteByte(byte(r))
		buf.WriteByte(byte(r >> 8))
	}
	s, err := NewSource(io.NopCloser(&buf), "sample", "")
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}
	recs, err := drain(t, s, 10)
	if err != nil || len(recs) != 1 || recs[0].Attributes["name"].AsText() != "Zoë" {
		t.Fatalf("unexpected records %+v err=%v", recs, err)
	}
}

func TestWriter_RoundTrip(t *testing.T) {
	t.Parallel()

	ref := record.Relation(record.Reference{Type: "file", ID: "f1"})
	r := record.New("sample", "s1")
	r.Attributes["b"] = record.List(record.Int(1), record.Text("two"))
	r.Attributes["a"] = record.Text("tab\there \\ slash")
	r.Attributes["c"] = ref
	r.Attributes["d"] = record.Null()

	var buf bytes.Buffer
	w := NewWriter(&buf, "sample_id", []string{"d", "c", "b", "a"})
	if err := w.Write(r); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	if lines[0] != "sample_id\ta\tb\tc\td" {
		t.Fatalf("header: %q", lines[0])
	}

	s, err := NewSource(io.NopCloser(&buf), "sample", "")
	if err != nil {
		t.Fatalf("re-import: %v", err)
	}
	recs, err := drain(t, s, 10)
	if err != nil || len(recs) != 1 {
		t.Fatalf("re-import records %+v err=%v", recs, err)
	}
	got := recs[0].Attributes
	if got["a"].AsText() != "tab\there \\ slash" {
		t.Fatalf("text did not survive: %q", got["a"].AsText())
	}
	if got["b"].String() != `[1,"two"]` {
		t.Fatalf("list did not survive: %s", got["b"].String())
	}
	if got["c"].AsText() != ref.String() {
		t.Fatalf("relation token did not survive: %s", got["c"].String())
	}
	if !got["d"].IsNull() {
		t.Fatalf("null must export as an empty cell")
	}
}

func TestWriter_HeaderOnlyExport(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := NewWriter(&buf, "id", nil)
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if buf.String() != "id\n" {
		t.Fatalf("unexpected export %q", buf.String())
	}
}
