package probe

import (
	"context"
	"errors"
	"strings"
	"testing"

	"recordstore/internal/datatype"
	"recordstore/internal/record"
	"recordstore/internal/relation"
)

// batchSource replays fixed batches, splitting them to honour maxSize.
type batchSource struct {
	batches []record.Batch
	pk      string
	reads   int
}

func (s *batchSource) ReadBatch(_ context.Context, maxSize int) (record.Batch, error) {
	s.reads++
	for len(s.batches) > 0 && s.batches[0].Empty() {
		s.batches = s.batches[1:]
	}
	if len(s.batches) == 0 {
		return record.Batch{}, nil
	}
	head := &s.batches[0]
	n := min(maxSize, len(head.Records))
	out := record.Batch{Op: head.Op, Records: head.Records[:n]}
	head.Records = head.Records[n:]
	return out, nil
}

func (s *batchSource) Close() error { return nil }

type keyedSource struct{ *batchSource }

func (s keyedSource) PrimaryKey() string { return s.pk }

func rec(rt record.RecordType, id string, kv ...any) record.Record {
	r := record.New(rt, id)
	for i := 0; i < len(kv); i += 2 {
		r.Attributes[kv[i].(string)] = kv[i+1].(record.Value)
	}
	return r
}

func upserts(recs ...record.Record) record.Batch { return record.Batch{Op: record.Upsert, Records: recs} }

func column(t *testing.T, typ Type, name string) Column {
	t.Helper()
	for _, c := range typ.Columns {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("column %q not in %+v", name, typ.Columns)
	return Column{}
}

func TestSample_TypesRelationsAndUniqueness(t *testing.T) {
	t.Parallel()

	src := &batchSource{batches: []record.Batch{
		upserts(
			rec("", "s1", "score", record.Int(1), "label", record.Text("a"), "file", record.Text("terra-wds:/file/f1")),
			rec("", "s2", "score", record.Int(2), "label", record.Text("a")),
		),
		upserts(
			rec("", "s3", "score", record.Text("high"), "label", record.Null()),
			rec("file", "f1", "size", record.Int(10)),
		),
		{Op: record.Delete, Records: []record.Record{rec("", "s9")}},
	}}

	rep, err := Sample(context.Background(), src, Options{DefaultType: "sample"})
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if rep.Sampled != 5 || rep.Truncated || rep.PrimaryKey != record.DefaultPrimaryKey {
		t.Fatalf("unexpected report header: %+v", rep)
	}
	if len(rep.Types) != 2 || rep.Types[0].Name != "file" || rep.Types[1].Name != "sample" {
		t.Fatalf("types must be sorted by name: %+v", rep.Types)
	}

	sample := rep.Types[1]
	if sample.Upserts != 3 || sample.Deletes != 1 {
		t.Fatalf("upserts=%d deletes=%d, want 3 and 1", sample.Upserts, sample.Deletes)
	}
	if c := column(t, sample, "score"); c.Type != datatype.String || c.Rows != 3 || c.Distinct != 3 {
		t.Fatalf("score widened across batches: %+v", c)
	}
	if c := column(t, sample, "label"); c.Type != datatype.String || c.Rows != 2 || c.Distinct != 1 {
		t.Fatalf("null values must not count toward rows: %+v", c)
	}
	if c := column(t, sample, "file"); c.Type != datatype.Relation || c.RelatedType != "file" {
		t.Fatalf("relation column: %+v", c)
	}
	if got := sample.KeyCandidates(); len(got) != 1 || got[0] != "score" {
		t.Fatalf("key candidates=%v, want [score]", got)
	}
}

func TestSample_TruncatesAtMaxRecords(t *testing.T) {
	t.Parallel()

	var recs []record.Record
	for _, id := range []string{"a", "b", "c", "d"} {
		recs = append(recs, rec("thing", id, "n", record.Int(1)))
	}

	rep, err := Sample(context.Background(), &batchSource{batches: []record.Batch{upserts(recs...)}}, Options{MaxRecords: 3})
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if rep.Sampled != 3 || !rep.Truncated {
		t.Fatalf("sampled=%d truncated=%t, want 3 and true", rep.Sampled, rep.Truncated)
	}

	rep, err = Sample(context.Background(), &batchSource{batches: []record.Batch{upserts(recs[:3]...)}}, Options{MaxRecords: 3})
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if rep.Truncated {
		t.Fatalf("a stream that ends exactly at the limit is not truncated")
	}
}

func TestSample_KeyedSourceSkipsKeyColumn(t *testing.T) {
	t.Parallel()

	src := keyedSource{&batchSource{pk: "sample_id", batches: []record.Batch{
		upserts(rec("sample", "s1", "sample_id", record.Text("s1"), "v", record.Int(1))),
	}}}
	rep, err := Sample(context.Background(), src, Options{})
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if rep.PrimaryKey != "sample_id" {
		t.Fatalf("primary key=%q, want sample_id", rep.PrimaryKey)
	}
	if cols := rep.Types[0].Columns; len(cols) != 1 || cols[0].Name != "v" {
		t.Fatalf("key column must not be reported as an attribute: %+v", cols)
	}
}

func TestSample_Conflicts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		batches []record.Batch
		check   func(error) bool
	}{
		{
			name: "scalar_then_array",
			batches: []record.Batch{
				upserts(rec("t", "1", "x", record.Int(1))),
				upserts(rec("t", "2", "x", record.List(record.Int(1)))),
			},
			check: func(err error) bool { return errors.Is(err, datatype.ErrIncompatibleTypes) },
		},
		{
			name: "relation_target_changes",
			batches: []record.Batch{
				upserts(rec("t", "1", "r", record.Text("terra-wds:/a/1"))),
				upserts(rec("t", "2", "r", record.Text("terra-wds:/b/1"))),
			},
			check: func(err error) bool {
				var ce *relation.ConflictError
				return errors.As(err, &ce) && ce.Column == "r"
			},
		},
		{
			name:    "untyped_record",
			batches: []record.Batch{upserts(rec("", "1"))},
			check:   func(err error) bool { return err != nil && strings.Contains(err.Error(), "has no record type") },
		},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Sample(context.Background(), &batchSource{batches: tc.batches}, Options{})
			if !tc.check(err) {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestReport_Format(t *testing.T) {
	t.Parallel()

	if got := (Report{}).Format(); got != "probe: no records sampled" {
		t.Fatalf("empty report=%q", got)
	}

	rep := Report{
		PrimaryKey: "sys_name",
		Sampled:    2,
		Types: []Type{{
			Name:    "sample",
			Upserts: 2,
			Columns: []Column{
				{Name: "file", Type: datatype.Relation, RelatedType: "file", Rows: 1, Distinct: 1},
				{Name: "label", Type: datatype.String, Rows: 2, Distinct: 2},
			},
		}},
	}
	out := rep.Format()
	for _, want := range []string{
		"probe report:\tsampled=2\ttruncated=false\tprimary_key=sys_name",
		"type=sample\tupserts=2\tdeletes=0",
		"RELATION(file)",
		"100.0%",
		"key candidates:\tlabel",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("report missing %q:\n%s", want, out)
		}
	}
	if strings.HasSuffix(out, "\n") {
		t.Fatalf("report must not end with a newline")
	}
}
