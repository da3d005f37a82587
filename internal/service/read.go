package service

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"recordstore/internal/datatype"
	"recordstore/internal/parser/tsv"
	"recordstore/internal/query"
	"recordstore/internal/record"
	"recordstore/internal/storage"
)

// AttributeSchema describes one column. RelatedType is set for RELATION and
// ARRAY_OF_RELATION attributes.
type AttributeSchema struct {
	Type        datatype.DataType `json:"datatype"`
	RelatedType record.RecordType `json:"relatedRecordType,omitempty"`
}

// RecordTypeSchema is the description of one record type.
type RecordTypeSchema struct {
	Name       record.RecordType          `json:"name"`
	Attributes map[string]AttributeSchema `json:"attributes"`
	Count      int64                      `json:"count"`
	PrimaryKey string                     `json:"primaryKey"`
}

// AttributeNames returns the attribute names sorted, key column included.
func (r RecordTypeSchema) AttributeNames() []string {
	out := make([]string, 0, len(r.Attributes))
	for k := range r.Attributes {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// DescribeSchema returns the attributes of rt keyed by name. The key column
// is reported as a STRING attribute.
func (s *Service) DescribeSchema(ctx context.Context, collection string, rt record.RecordType) (map[string]AttributeSchema, error) {
	var out map[string]AttributeSchema
	err := s.gw.WithTx(ctx, func(sess storage.Session) error {
		schema, err := requireType(ctx, sess, storage.Table{Collection: collection, Type: rt})
		if err != nil {
			return err
		}
		out = attributes(schema)
		return nil
	})
	return out, err
}

// DescribeAll describes every record type of a collection, ordered by name.
func (s *Service) DescribeAll(ctx context.Context, collection string) ([]RecordTypeSchema, error) {
	var out []RecordTypeSchema
	err := s.gw.WithTx(ctx, func(sess storage.Session) error {
		if err := requireCollection(ctx, sess, collection); err != nil {
			return err
		}
		types, err := sess.ListTables(ctx, collection)
		if err != nil {
			return err
		}
		for _, rt := range types {
			t := storage.Table{Collection: collection, Type: rt}
			schema, err := sess.Columns(ctx, t)
			if err != nil {
				return err
			}
			n, err := sess.Count(ctx, t)
			if err != nil {
				return err
			}
			out = append(out, RecordTypeSchema{
				Name:       rt,
				Attributes: attributes(schema),
				Count:      n,
				PrimaryKey: schema.PrimaryKey,
			})
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, err
}

func attributes(schema storage.Snapshot) map[string]AttributeSchema {
	out := make(map[string]AttributeSchema, len(schema.Columns)+1)
	out[schema.PrimaryKey] = AttributeSchema{Type: datatype.String}
	for name, dt := range schema.Columns {
		out[name] = AttributeSchema{Type: dt, RelatedType: schema.Relations[name]}
	}
	return out
}

// ListTypes returns the record types of a collection. Join tables are not
// record types and never appear.
func (s *Service) ListTypes(ctx context.Context, collection string) ([]record.RecordType, error) {
	var out []record.RecordType
	err := s.gw.WithTx(ctx, func(sess storage.Session) error {
		if err := requireCollection(ctx, sess, collection); err != nil {
			return err
		}
		var err error
		out, err = sess.ListTables(ctx, collection)
		return err
	})
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, err
}

const (
	MaxQueryLimit     = 1000
	DefaultQueryLimit = 10
)

// QueryRequest pages through one record type ordered by key. Sort is "asc"
// (default) or "desc". Query is an optional "column:value" filter on a
// STRING column.
type QueryRequest struct {
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
	Sort   string `json:"sort"`
	Query  string `json:"filter,omitempty"`
}

// QueryResponse is one page plus the number of matching records.
type QueryResponse struct {
	Request QueryRequest    `json:"searchRequest"`
	Total   int64           `json:"totalRecords"`
	Records []record.Record `json:"records"`
}

func (r QueryRequest) validate() (desc bool, err error) {
	if r.Limit < 1 || r.Limit > MaxQueryLimit || r.Offset < 0 {
		return false, fmt.Errorf("%w: Limit must be more than 0 and can't exceed %d, and offset must be positive.",
			ErrInvalidRequest, MaxQueryLimit)
	}
	switch strings.ToLower(r.Sort) {
	case "", "asc":
		return false, nil
	case "desc":
		return true, nil
	}
	return false, fmt.Errorf("%w: sort must be asc or desc, got %q", ErrInvalidRequest, r.Sort)
}

// Query returns one page of records of rt. An offset past the last match
// yields no records but still reports the total.
func (s *Service) Query(ctx context.Context, collection string, rt record.RecordType, req QueryRequest) (QueryResponse, error) {
	resp := QueryResponse{Request: req}
	desc, err := req.validate()
	if err != nil {
		return resp, err
	}
	start := time.Now()
	err = s.gw.WithTx(ctx, func(sess storage.Session) error {
		t := storage.Table{Collection: collection, Type: rt}
		schema, err := requireType(ctx, sess, t)
		if err != nil {
			return err
		}
		filter, err := query.Parse(req.Query, schema)
		if err != nil {
			return err
		}
		res, err := sess.Query(ctx, storage.QuerySpec{
			Table:      t,
			Schema:     schema,
			Limit:      req.Limit,
			Offset:     req.Offset,
			Descending: desc,
			Filter:     filter,
		})
		if err != nil {
			return err
		}
		resp.Total = res.Total
		resp.Records = res.Records
		return nil
	})
	s.observe("query", start, err, zap.String("collection", collection), zap.String("type", string(rt)))
	if resp.Records == nil {
		resp.Records = []record.Record{}
	}
	return resp, err
}

// Get returns one record. A missing id wraps storage.ErrNotFound.
func (s *Service) Get(ctx context.Context, collection string, rt record.RecordType, id string) (record.Record, error) {
	var out record.Record
	err := s.gw.WithTx(ctx, func(sess storage.Session) error {
		t := storage.Table{Collection: collection, Type: rt}
		schema, err := requireType(ctx, sess, t)
		if err != nil {
			return err
		}
		out, err = sess.Get(ctx, t, schema, id)
		return err
	})
	return out, err
}

// DeleteRecordType drops rt with its relation-array join tables. A type that
// another type still references is not dropped.
func (s *Service) DeleteRecordType(ctx context.Context, collection string, rt record.RecordType) error {
	start := time.Now()
	err := s.gw.WithTx(ctx, func(sess storage.Session) error {
		t := storage.Table{Collection: collection, Type: rt}
		if _, err := requireType(ctx, sess, t); err != nil {
			return err
		}
		if err := sess.DropTable(ctx, t); err != nil {
			if storage.IsKind(err, storage.DependentObjects) {
				return fmt.Errorf("%w: %s: %v", ErrRecordTypeInUse, rt, err)
			}
			return err
		}
		return nil
	})
	s.observe("delete_type", start, err, zap.String("collection", collection), zap.String("type", string(rt)))
	if err != nil {
		return err
	}
	s.log.Info("record type deleted", zap.String("collection", collection), zap.String("type", string(rt)))
	return nil
}

// Export streams every record of rt to w as TSV ordered by key and returns
// the number of records written. The header row is written even for an
// empty type.
func (s *Service) Export(ctx context.Context, collection string, rt record.RecordType, w io.Writer) (int, error) {
	n := 0
	start := time.Now()
	err := s.gw.WithTx(ctx, func(sess storage.Session) error {
		t := storage.Table{Collection: collection, Type: rt}
		schema, err := requireType(ctx, sess, t)
		if err != nil {
			return err
		}
		tw := tsv.NewWriter(w, schema.PrimaryKey, schema.ColumnNames())
		err = sess.Scan(ctx, t, schema, func(r record.Record) error {
			n++
			return tw.Write(r)
		})
		if err != nil {
			return err
		}
		return tw.Close()
	})
	s.observe("export", start, err, zap.String("collection", collection), zap.String("type", string(rt)), zap.Int("records", n))
	return n, err
}
