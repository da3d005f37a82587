package json

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"recordstore/internal/record"
)

type trackingCloser struct {
	io.Reader
	closed bool
}

func (t *trackingCloser) Close() error {
	t.closed = true
	return nil
}

func newTestSource(t *testing.T, input string) (*Source, *trackingCloser) {
	t.Helper()
	rc := &trackingCloser{Reader: strings.NewReader(input)}
	src, err := NewSource(rc, "thing")
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}
	return src, rc
}

func readAll(t *testing.T, src *Source, size int) []record.Batch {
	t.Helper()
	var out []record.Batch
	for i := 0; i < 100; i++ {
		b, err := src.ReadBatch(context.Background(), size)
		if err != nil {
			t.Fatalf("ReadBatch: %v", err)
		}
		if b.Empty() {
			return out
		}
		out = append(out, b)
	}
	t.Fatalf("source never signalled the end of the stream")
	return nil
}

func ids(b record.Batch) string {
	parts := make([]string, len(b.Records))
	for i, r := range b.Records {
		parts[i] = r.ID
	}
	return strings.Join(parts, ",")
}

func TestReadBatch_SplitsOnOperationBoundary(t *testing.T) {
	t.Parallel()

	src, _ := newTestSource(t, `[
		{"operation":"upsert","record":{"id":"a","attributes":{"n":1}}},
		{"operation":"upsert","record":{"id":"b","attributes":{}}},
		{"operation":"delete","record":{"id":"c"}},
		{"operation":"UPSERT","record":{"id":"d","type":"other","attributes":{"x":"y"}}}
	]`)
	batches := readAll(t, src, 10)

	if len(batches) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(batches))
	}
	want := []struct {
		op  record.OperationType
		ids string
	}{
		{record.Upsert, "a,b"},
		{record.Delete, "c"},
		{record.Upsert, "d"},
	}
	for i, w := range want {
		if batches[i].Op != w.op || ids(batches[i]) != w.ids {
			t.Fatalf("batch %d: got op=%v ids=%s, want op=%v ids=%s", i, batches[i].Op, ids(batches[i]), w.op, w.ids)
		}
	}
	if batches[2].Records[0].Type != "other" {
		t.Fatalf("explicit record type must win over the default, got %q", batches[2].Records[0].Type)
	}
	if batches[0].Records[0].Type != "thing" {
		t.Fatalf("missing record type must default, got %q", batches[0].Records[0].Type)
	}
	if got := batches[0].Records[0].Attributes["n"]; got.Kind() != record.KindNumber {
		t.Fatalf("numeric attribute decoded as %v", got.Kind())
	}
}

func TestReadBatch_BoundaryFlushAtEndOfStream(t *testing.T) {
	t.Parallel()

	// The last item is the boundary; it must come back as its own batch with
	// its own operation.
	src, _ := newTestSource(t, `[
		{"operation":"upsert","record":{"id":"a"}},
		{"operation":"delete","record":{"id":"b"}}
	]`)
	batches := readAll(t, src, 5)
	if len(batches) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(batches))
	}
	if batches[0].Op != record.Upsert || ids(batches[0]) != "a" {
		t.Fatalf("first batch: %+v", batches[0])
	}
	if batches[1].Op != record.Delete || ids(batches[1]) != "b" {
		t.Fatalf("flushed batch: %+v", batches[1])
	}
}

func TestReadBatch_RespectsMaxSize(t *testing.T) {
	t.Parallel()

	src, _ := newTestSource(t, `[
		{"operation":"upsert","record":{"id":"1"}},
		{"operation":"upsert","record":{"id":"2"}},
		{"operation":"upsert","record":{"id":"3"}}
	]`)
	batches := readAll(t, src, 2)
	if len(batches) != 2 || ids(batches[0]) != "1,2" || ids(batches[1]) != "3" {
		t.Fatalf("unexpected batches: %+v", batches)
	}
}

func TestReadBatch_EmptyArray(t *testing.T) {
	t.Parallel()

	src, _ := newTestSource(t, `[]`)
	if got := readAll(t, src, 3); len(got) != 0 {
		t.Fatalf("expected no batches, got %d", len(got))
	}
}

func TestNewSource_RejectsNonArrayAndClosesReader(t *testing.T) {
	t.Parallel()

	for _, input := range []string{`{"operation":"upsert"}`, ``, `"x"`} {
		rc := &trackingCloser{Reader: strings.NewReader(input)}
		_, err := NewSource(rc, "thing")
		if !errors.Is(err, record.ErrParse) {
			t.Fatalf("input %q: expected parse error, got %v", input, err)
		}
		if !rc.closed {
			t.Fatalf("input %q: reader must be closed on failure", input)
		}
	}
}

func TestReadBatch_BadItems(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"unknown operation": `[{"operation":"merge","record":{"id":"a"}}]`,
		"missing record":    `[{"operation":"upsert"}]`,
		"blank id":          `[{"operation":"upsert","record":{"id":"  "}}]`,
		"truncated":         `[{"operation":"upsert","record":{"id":"a"}}`,
		"trailing content":  `[] {}`,
		"not an object":     `[42]`,
	}
	for name, input := range cases {
		input := input
		t.Run(name, func(t *testing.T) {
			src, rc := newTestSource(t, input)
			var err error
			for i := 0; i < 3 && err == nil; i++ {
				_, err = src.ReadBatch(context.Background(), 10)
			}
			if !errors.Is(err, record.ErrParse) {
				t.Fatalf("expected parse error, got %v", err)
			}
			_ = src.Close()
			if !rc.closed {
				t.Fatalf("Close must release the reader")
			}
		})
	}
}
