package pfb

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/linkedin/goavro/v2"

	"recordstore/internal/record"
)

const entitySchema = `{
  "type": "record", "name": "Entity", "namespace": "pfb",
  "fields": [
    {"name": "id", "type": ["null", "string"]},
    {"name": "name", "type": "string"},
    {"name": "object", "type": [
      {"type": "record", "name": "Metadata", "fields": [{"name": "misc", "type": "string"}]},
      {"type": "record", "name": "file", "fields": [{"name": "size", "type": ["null", "long"]}]},
      {"type": "record", "name": "sample", "fields": [
        {"name": "label", "type": "string"},
        {"name": "score", "type": "double"},
        {"name": "tags", "type": {"type": "array", "items": "string"}},
        {"name": "file", "type": ["null", "string"]}
      ]}
    ]},
    {"name": "relations", "type": {"type": "array", "items": {
      "type": "record", "name": "Relation",
      "fields": [{"name": "dst_id", "type": "string"}, {"name": "dst_name", "type": "string"}]
    }}}
  ]
}`

func rel(id, name string) any {
	return map[string]any{"dst_id": id, "dst_name": name}
}

func entity(id any, name string, object any, rels ...any) map[string]any {
	if rels == nil {
		rels = []any{}
	}
	return map[string]any{"id": id, "name": name, "object": object, "relations": rels}
}

func writePFB(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := goavro.NewOCFWriter(goavro.OCFConfig{W: &buf, Schema: entitySchema})
	if err != nil {
		t.Fatalf("NewOCFWriter: %v", err)
	}
	data := []any{
		entity(goavro.Union("null", nil), "Metadata", goavro.Union("pfb.Metadata", map[string]any{"misc": "x"})),
		entity(goavro.Union("string", "f1"), "file", goavro.Union("pfb.file", map[string]any{"size": goavro.Union("long", int64(10))})),
		entity(goavro.Union("string", "f2"), "file", goavro.Union("pfb.file", map[string]any{"size": goavro.Union("null", nil)})),
		entity(goavro.Union("string", "s1"), "sample", goavro.Union("pfb.sample", map[string]any{
			"label": "a", "score": 1.5, "tags": []any{"x", "y"}, "file": goavro.Union("string", "f1"),
		}), rel("f1", "file"), rel("f2", "file")),
		entity(goavro.Union("string", "s2"), "sample", goavro.Union("pfb.sample", map[string]any{
			"label": "b", "score": 2.0, "tags": []any{}, "file": goavro.Union("null", nil),
		}), rel("f1", "file")),
	}
	if err := w.Append(data); err != nil {
		t.Fatalf("Append: %v", err)
	}
	return buf.Bytes()
}

func readAll(t *testing.T, data []byte, pass Pass) map[string]record.Record {
	t.Helper()
	src, err := NewSource(io.NopCloser(bytes.NewReader(data)), pass)
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}
	defer src.Close()

	out := map[string]record.Record{}
	for {
		b, err := src.ReadBatch(context.Background(), 2)
		if err != nil {
			t.Fatalf("ReadBatch: %v", err)
		}
		if b.Empty() {
			return out
		}
		if b.Op != record.Upsert {
			t.Fatalf("PFB batches must be UPSERT")
		}
		for _, r := range b.Records {
			out[string(r.Type)+"/"+r.ID] = r
		}
	}
}

func TestSource_BasePass(t *testing.T) {
	t.Parallel()

	got := readAll(t, writePFB(t), BasePass)
	if len(got) != 4 {
		t.Fatalf("expected 4 entities without Metadata, got %d: %v", len(got), got)
	}
	f1 := got["file/f1"]
	if f1.Attributes["size"].String() != "10" {
		t.Fatalf("union long must unwrap, got %v", f1.Attributes["size"])
	}
	if !got["file/f2"].Attributes["size"].IsNull() {
		t.Fatalf("null union branch must be null")
	}

	s1 := got["sample/s1"]
	if _, ok := s1.Attributes["file"]; ok {
		t.Fatalf("relation fields belong to the relations pass: %v", s1.Attributes)
	}
	if s1.Attributes["label"].AsText() != "a" || s1.Attributes["score"].String() != "1.5" {
		t.Fatalf("unexpected scalars: %v", s1.Attributes)
	}
	if tags := s1.Attributes["tags"].AsList(); len(tags) != 2 || tags[1].AsText() != "y" {
		t.Fatalf("unexpected tags: %v", s1.Attributes["tags"])
	}
	if got["sample/s2"].Attributes["tags"].Kind() != record.KindList {
		t.Fatalf("empty arrays stay lists")
	}
}

func TestSource_RelationsPass(t *testing.T) {
	t.Parallel()

	got := readAll(t, writePFB(t), RelationsPass)
	if len(got) != 2 {
		t.Fatalf("only entities with relations are yielded, got %v", got)
	}

	s1 := got["sample/s1"]
	if len(s1.Attributes) != 1 {
		t.Fatalf("relations pass must carry only relation attributes: %v", s1.Attributes)
	}
	files := s1.Attributes["file"].AsList()
	if len(files) != 2 || files[0].AsRelation() != (record.Reference{Type: "file", ID: "f1"}) || files[1].AsRelation().ID != "f2" {
		t.Fatalf("multiple relations to one type must become an array: %v", s1.Attributes["file"])
	}

	s2 := got["sample/s2"]
	if s2.Attributes["file"].Kind() != record.KindRelation || s2.Attributes["file"].AsRelation().ID != "f1" {
		t.Fatalf("a single relation stays scalar: %v", s2.Attributes["file"])
	}
}

func TestNewSource_RejectsNonContainer(t *testing.T) {
	t.Parallel()

	closed := false
	rc := struct {
		io.Reader
		io.Closer
	}{strings.NewReader("not avro"), closerFunc(func() error { closed = true; return nil })}

	_, err := NewSource(rc, BasePass)
	if !errors.Is(err, record.ErrParse) {
		t.Fatalf("expected parse error, got %v", err)
	}
	if !closed {
		t.Fatalf("reader must be closed on failure")
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func TestNamedTypes(t *testing.T) {
	t.Parallel()

	named, err := namedTypes(entitySchema)
	if err != nil {
		t.Fatalf("namedTypes: %v", err)
	}
	for _, want := range []string{"pfb.Entity", "pfb.Metadata", "pfb.file", "pfb.sample", "pfb.Relation"} {
		if !named[want] {
			t.Fatalf("missing named type %s in %v", want, named)
		}
	}
}
