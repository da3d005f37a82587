// Package json reads write-operation streams: a top-level JSON array of
// {"operation": "upsert"|"delete", "record": {...}} items.
package json

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"recordstore/internal/infer"
	"recordstore/internal/record"
)

// Source streams batches out of an operation array without buffering it.
//
// A batch ends when it reaches maxSize or when the next item carries a
// different operation. That item is held back and opens the next batch.
type Source struct {
	rc          io.ReadCloser
	dec         *json.Decoder
	defaultType record.RecordType
	item        int
	done        bool
	pending     *opRecord
}

type opRecord struct {
	op  record.OperationType
	rec record.Record
}

type wireItem struct {
	Operation string `json:"operation"`
	Record    *struct {
		ID         string                     `json:"id"`
		Type       string                     `json:"type"`
		Attributes map[string]json.RawMessage `json:"attributes"`
	} `json:"record"`
}

// NewSource consumes the opening bracket of the stream. Records without a
// "type" get defaultType. On error the reader is closed.
func NewSource(rc io.ReadCloser, defaultType record.RecordType) (*Source, error) {
	dec := json.NewDecoder(rc)
	tok, err := dec.Token()
	if err != nil {
		_ = rc.Close()
		if errors.Is(err, io.EOF) {
			return nil, record.Parsef("json: empty request body")
		}
		return nil, record.Parsef("json: read first token: %v", err)
	}
	if tok != json.Delim('[') {
		_ = rc.Close()
		return nil, record.Parsef("json: expected content to be an array, got %v", tok)
	}
	return &Source{rc: rc, dec: dec, defaultType: defaultType}, nil
}

// ReadBatch implements record.Source.
func (s *Source) ReadBatch(ctx context.Context, maxSize int) (record.Batch, error) {
	if maxSize <= 0 {
		return record.Batch{}, fmt.Errorf("json: batch size must be positive, got %d", maxSize)
	}
	var b record.Batch
	if s.pending != nil {
		b.Op = s.pending.op
		b.Records = append(b.Records, s.pending.rec)
		s.pending = nil
	}
	for len(b.Records) < maxSize && !s.done {
		if err := ctx.Err(); err != nil {
			return record.Batch{}, err
		}
		if !s.dec.More() {
			if err := s.finish(); err != nil {
				return record.Batch{}, err
			}
			break
		}
		next, err := s.next()
		if err != nil {
			return record.Batch{}, err
		}
		if b.Op != 0 && next.op != b.Op {
			s.pending = &next
			break
		}
		b.Op = next.op
		b.Records = append(b.Records, next.rec)
	}
	return b, nil
}

// finish consumes the closing bracket and rejects trailing content.
func (s *Source) finish() error {
	s.done = true
	end, err := s.dec.Token()
	if err != nil {
		return record.Parsef("json: read array end: %v", err)
	}
	if end != json.Delim(']') {
		return record.Parsef("json: expected array end ']', got %v", end)
	}
	if _, err := s.dec.Token(); !errors.Is(err, io.EOF) {
		return record.Parsef("json: unexpected content after the operation array")
	}
	return nil
}

func (s *Source) next() (opRecord, error) {
	s.item++
	var it wireItem
	if err := s.dec.Decode(&it); err != nil {
		return opRecord{}, record.Parsef("json: item %d: %v", s.item, err)
	}
	op, err := record.ParseOperation(it.Operation)
	if err != nil {
		return opRecord{}, record.Parsef("json: item %d: %v", s.item, err)
	}
	if it.Record == nil {
		return opRecord{}, record.Parsef("json: item %d: missing record", s.item)
	}
	if strings.TrimSpace(it.Record.ID) == "" {
		return opRecord{}, record.Parsef("json: item %d: record id is required", s.item)
	}
	rt := s.defaultType
	if it.Record.Type != "" {
		rt = record.RecordType(it.Record.Type)
	}
	if rt == "" {
		return opRecord{}, record.Parsef("json: item %d: record type is required", s.item)
	}

	rec := record.New(rt, it.Record.ID)
	for k, raw := range it.Record.Attributes {
		rec.Attributes[k] = infer.FromJSON(raw)
	}
	return opRecord{op: op, rec: rec}, nil
}

// Close releases the underlying reader.
func (s *Source) Close() error {
	return s.rc.Close()
}

var _ record.Source = (*Source)(nil)
