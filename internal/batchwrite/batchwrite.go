// Package batchwrite drives a record source into a storage session: it reads
// bounded batches, evolves each record type's schema as the data requires
// and writes rows and relation-array join rows.
package batchwrite

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"recordstore/internal/datatype"
	"recordstore/internal/infer"
	"recordstore/internal/metrics"
	"recordstore/internal/reconcile"
	"recordstore/internal/record"
	"recordstore/internal/relation"
	"recordstore/internal/storage"
)

// DefaultBatchSize is used when Writer.BatchSize is not positive.
const DefaultBatchSize = 5000

// Logger is the minimal logging interface used by the writer.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// WriteOptions selects where a stream is written.
//
// Edge cases:
//   - RecordType is the type of records that carry none of their own; it may
//     be empty when every record names its type.
//   - PrimaryKey defaults to the source's own key (TSV) and then to
//     record.DefaultPrimaryKey. An existing table keeps its key.
type WriteOptions struct {
	Collection string
	RecordType record.RecordType
	PrimaryKey string
}

// Writer is a batch write orchestrator. The zero value is ready to use.
type Writer struct {
	Logger Logger

	// BatchSize bounds the records read per batch.
	BatchSize int

	// EagerReconcile reconciles every upsert batch of an active type, not
	// only batches that fall outside the known schema.
	EagerReconcile bool
}

// Write is (&Writer{}).Write.
func Write(ctx context.Context, sess storage.Session, src record.Source, opts WriteOptions) (record.WriteResult, error) {
	return (&Writer{}).Write(ctx, sess, src, opts)
}

// typeState tracks one record type over a stream. A type is INIT until its
// first upsert batch has created or reconciled its table, then ACTIVE.
type typeState struct {
	table  storage.Table
	active bool
	schema storage.Snapshot
}

// run is the state of one Write call.
type run struct {
	w      *Writer
	sess   storage.Session
	opts   WriteOptions
	pk     string
	nulls  bool
	types  map[record.RecordType]*typeState
	result record.WriteResult
	logf   func(format string, v ...any)
}

// Write consumes src until its end-of-stream batch and returns the number
// of records written per type. Batches are processed in order on sess; the
// caller owns the transaction. src is not closed.
func (w *Writer) Write(ctx context.Context, sess storage.Session, src record.Source, opts WriteOptions) (record.WriteResult, error) {
	if sess == nil {
		return nil, errors.New("batchwrite: session is required")
	}
	if src == nil {
		return nil, errors.New("batchwrite: source is required")
	}
	if opts.Collection == "" {
		return nil, errors.New("batchwrite: collection is required")
	}
	if opts.RecordType != "" {
		if err := record.ValidateRecordType(opts.RecordType); err != nil {
			return nil, err
		}
	}

	r := &run{
		w:      w,
		sess:   sess,
		opts:   opts,
		pk:     primaryKey(src, opts.PrimaryKey),
		types:  make(map[record.RecordType]*typeState),
		result: record.WriteResult{},
		logf:   w.logger(),
	}
	if err := record.ValidateAttributeName(r.pk, r.pk); err != nil {
		return nil, err
	}
	if ns, ok := src.(record.NullingSource); ok {
		r.nulls = ns.NullsAbsentColumns()
	}

	size := w.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}
	start := time.Now()
	batches := 0
	for {
		if err := ctx.Err(); err != nil {
			return r.result, err
		}
		b, err := src.ReadBatch(ctx, size)
		if err != nil {
			return r.result, err
		}
		if b.Empty() {
			break
		}
		batches++
		metrics.AddBatch()
		if err := r.batch(ctx, b); err != nil {
			return r.result, err
		}
	}
	r.logf("stage=write ok batches=%d records=%d duration=%s", batches, r.result.Total(), durMS(start))
	return r.result, nil
}

func (w *Writer) logger() func(format string, v ...any) {
	if w.Logger == nil {
		l := log.New(discardWriter{}, "", 0)
		return l.Printf
	}
	return w.Logger.Printf
}

func primaryKey(src record.Source, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if ks, ok := src.(record.KeyedSource); ok && ks.PrimaryKey() != "" {
		return ks.PrimaryKey()
	}
	return record.DefaultPrimaryKey
}

func (r *run) batch(ctx context.Context, b record.Batch) error {
	groups, order, err := r.groupByType(b.Records)
	if err != nil {
		return err
	}
	for _, rt := range order {
		st, err := r.state(rt)
		if err != nil {
			return err
		}
		recs := groups[rt]
		switch b.Op {
		case record.Delete:
			err = r.deleteBatch(ctx, st, recs)
		default:
			err = r.upsertBatch(ctx, st, recs)
		}
		if err != nil {
			return err
		}
		r.result.Add(rt, len(recs))
		metrics.AddRecords(string(rt), strings.ToLower(b.Op.String()), len(recs))
	}
	return nil
}

// groupByType splits a batch by record type in first-seen order. Records
// without a type take the stream's default type.
func (r *run) groupByType(recs []record.Record) (map[record.RecordType][]record.Record, []record.RecordType, error) {
	groups := make(map[record.RecordType][]record.Record)
	var order []record.RecordType
	for _, rec := range recs {
		if rec.Type == "" {
			rec.Type = r.opts.RecordType
		}
		if rec.Type == "" {
			return nil, nil, fmt.Errorf("record %q has no record type", rec.ID)
		}
		if _, ok := groups[rec.Type]; !ok {
			order = append(order, rec.Type)
		}
		groups[rec.Type] = append(groups[rec.Type], rec)
	}
	return groups, order, nil
}

func (r *run) state(rt record.RecordType) (*typeState, error) {
	if st, ok := r.types[rt]; ok {
		return st, nil
	}
	if err := record.ValidateRecordType(rt); err != nil {
		return nil, err
	}
	st := &typeState{table: storage.Table{Collection: r.opts.Collection, Type: rt}}
	r.types[rt] = st
	return st, nil
}

// deleteBatch removes records by id. Schema work is skipped; the table's
// snapshot is only read to find its key and relation arrays.
func (r *run) deleteBatch(ctx context.Context, st *typeState, recs []record.Record) error {
	start := time.Now()
	err := r.delete(ctx, st, recs)
	metrics.ObserveStep("delete", err, time.Since(start))
	if err != nil {
		return err
	}
	r.logf("stage=delete type=%s rows=%d duration=%s", st.table.Type, len(recs), durMS(start))
	return nil
}

func (r *run) delete(ctx context.Context, st *typeState, recs []record.Record) error {
	schema := st.schema
	if !st.active {
		var err error
		if schema, err = r.sess.Columns(ctx, st.table); err != nil {
			return err
		}
	}
	ids := uniqueIDs(recs)
	for _, j := range schema.RelationArrays(st.table) {
		if err := r.sess.DeleteJoinRows(ctx, j, ids); err != nil {
			return err
		}
	}
	_, err := r.sess.Delete(ctx, st.table, schema, ids)
	return err
}

func (r *run) upsertBatch(ctx context.Context, st *typeState, recs []record.Record) error {
	recs, err := r.prepare(recs)
	if err != nil {
		return err
	}

	start := time.Now()
	err = r.ensureSchema(ctx, st, recs)
	metrics.ObserveStep("reconcile", err, time.Since(start))
	if err != nil {
		return err
	}
	r.logf("stage=schema type=%s columns=%d duration=%s", st.table.Type, len(st.schema.Columns), durMS(start))

	if err := checkRecords(st.table.Type, st.schema, recs); err != nil {
		return err
	}

	start = time.Now()
	err = r.writeRows(ctx, st, recs)
	metrics.ObserveStep("upsert", err, time.Since(start))
	if err != nil {
		if storage.IsKind(err, storage.TypeMismatch) {
			if rowErr := checkRecords(st.table.Type, st.schema, recs); rowErr != nil {
				return rowErr
			}
		}
		return err
	}
	r.logf("stage=upsert type=%s rows=%d duration=%s", st.table.Type, len(recs), durMS(start))

	start = time.Now()
	err = r.writeRelationArrays(ctx, st, recs)
	metrics.ObserveStep("relations", err, time.Since(start))
	return err
}

// prepare validates attribute names, drops the key attribute and merges
// records that share an id. A later record's attributes win.
func (r *run) prepare(recs []record.Record) ([]record.Record, error) {
	index := make(map[string]int, len(recs))
	out := make([]record.Record, 0, len(recs))
	for _, rec := range recs {
		attrs := make(map[string]record.Value, len(rec.Attributes))
		for name, v := range rec.Attributes {
			if name == r.pk {
				continue
			}
			if err := record.ValidateAttributeName(name, r.pk); err != nil {
				return nil, err
			}
			attrs[name] = v
		}
		if i, ok := index[rec.ID]; ok {
			for name, v := range attrs {
				out[i].Attributes[name] = v
			}
			continue
		}
		index[rec.ID] = len(out)
		out = append(out, record.Record{Type: rec.Type, ID: rec.ID, Attributes: attrs})
	}
	return out, nil
}

// ensureSchema moves a type from INIT to ACTIVE on its first upsert batch
// and reconciles an ACTIVE type when the batch does not fit its snapshot.
func (r *run) ensureSchema(ctx context.Context, st *typeState, recs []record.Record) error {
	inferred, err := infer.InferTypes(recs)
	if err != nil {
		if errors.Is(err, datatype.ErrIncompatibleTypes) {
			if rowErr := checkShapes(st.table.Type, recs); rowErr != nil {
				return rowErr
			}
		}
		return err
	}

	if !st.active {
		ok, err := r.sess.TableExists(ctx, st.table)
		if err != nil {
			return err
		}
		if !ok {
			if err := r.createTable(ctx, st, inferred, recs); err != nil {
				return err
			}
			st.active = true
			return nil
		}
		if st.schema, err = r.sess.Columns(ctx, st.table); err != nil {
			return err
		}
		st.active = true
	} else {
		refs, err := relation.FindRelations(recs)
		if err != nil {
			return err
		}
		if !r.w.EagerReconcile && fits(st.schema, inferred, refs) {
			return nil
		}
	}

	st.schema, err = reconcile.Reconcile(ctx, r.sess, st.table, inferred, st.schema, recs)
	return err
}

// createTable creates a new record type table with every inferred column,
// after checking that relation targets exist.
func (r *run) createTable(ctx context.Context, st *typeState, inferred map[string]datatype.DataType, recs []record.Record) error {
	refs, err := relation.FindRelations(recs)
	if err != nil {
		return err
	}
	plan, err := reconcile.Diff(st.table.Type, storage.NewSnapshot(r.pk), inferred, refs)
	if err != nil {
		return err
	}
	for _, c := range plan.Add {
		if err := reconcile.CheckTarget(ctx, r.sess, st.table, c); err != nil {
			return err
		}
	}

	spec := storage.TableSpec{Table: st.table, PrimaryKey: r.pk, Columns: plan.Add}
	if err := r.sess.CreateTable(ctx, spec); err != nil {
		return err
	}
	for _, c := range plan.Add {
		if c.Type != datatype.ArrayOfRelation {
			continue
		}
		if err := r.sess.CreateJoinTable(ctx, storage.JoinSpec{From: st.table, Column: c.Name, To: c.References}); err != nil {
			return err
		}
	}
	st.schema, err = r.sess.Columns(ctx, st.table)
	r.logf("stage=create_table type=%s columns=%d", st.table.Type, len(plan.Add))
	return err
}

// fits reports whether a batch can be written without schema changes: every
// attribute is known, no column would widen and every reference column
// already targets the same type.
func fits(schema storage.Snapshot, inferred map[string]datatype.DataType, refs map[string]record.RecordType) bool {
	for col, in := range inferred {
		cur, ok := schema.Columns[col]
		if !ok {
			return false
		}
		if cur == in {
			continue
		}
		if in.IsRelation() && !cur.IsRelation() {
			return false
		}
		if best, err := datatype.SelectBestType(cur, in); err == nil && best != cur {
			return false
		}
	}
	for col, t := range refs {
		if schema.Relations[col] != t {
			return false
		}
	}
	return true
}

// writeRows upserts the supplied attributes. Relation-array values are
// stored on the row as well; their join rows follow in writeRelationArrays.
func (r *run) writeRows(ctx context.Context, st *typeState, recs []record.Record) error {
	schema := st.schema
	rows := make([]storage.Row, 0, len(recs))
	for _, rec := range recs {
		vals := make(map[string]record.Value, len(rec.Attributes))
		for name, v := range rec.Attributes {
			cv, err := infer.Coerce(v, schema.Columns[name])
			if err != nil {
				return err
			}
			vals[name] = cv
		}
		if r.nulls {
			for name := range schema.Columns {
				if _, ok := rec.Attributes[name]; !ok {
					vals[name] = record.Null()
				}
			}
		}
		rows = append(rows, storage.Row{ID: rec.ID, Values: vals})
	}

	for _, b := range storage.GroupRows(st.table, schema, rows) {
		if _, err := r.sess.Upsert(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

// writeRelationArrays replaces the join rows of every record that carries a
// relation-array column.
func (r *run) writeRelationArrays(ctx context.Context, st *typeState, recs []record.Record) error {
	for _, j := range st.schema.RelationArrays(st.table) {
		edges, touched := relation.ArrayEdges(recs, j.Column)
		if r.nulls {
			touched = uniqueIDs(recs)
		}
		if len(touched) == 0 {
			continue
		}
		if err := r.sess.DeleteJoinRows(ctx, j, touched); err != nil {
			return err
		}

		seen := make(map[storage.JoinRow]struct{}, len(edges))
		rows := make([]storage.JoinRow, 0, len(edges))
		for _, e := range edges {
			if e.To.Type != j.To {
				return &relation.ConflictError{
					Column: j.Column,
					Reason: fmt.Sprintf("column references %s, not %s", j.To, e.To.Type),
				}
			}
			jr := storage.JoinRow{FromID: e.FromID, ToID: e.To.ID}
			if _, dup := seen[jr]; dup {
				continue
			}
			seen[jr] = struct{}{}
			rows = append(rows, jr)
		}
		if len(rows) == 0 {
			continue
		}
		if err := r.sess.InsertJoinRows(ctx, j, rows); err != nil {
			return err
		}
		r.logf("stage=relations type=%s column=%s rows=%d", st.table.Type, j.Column, len(rows))
	}
	return nil
}

func uniqueIDs(recs []record.Record) []string {
	seen := make(map[string]struct{}, len(recs))
	out := make([]string, 0, len(recs))
	for _, rec := range recs {
		if _, ok := seen[rec.ID]; ok {
			continue
		}
		seen[rec.ID] = struct{}{}
		out = append(out, rec.ID)
	}
	return out
}

func durMS(start time.Time) time.Duration { return time.Since(start).Truncate(time.Millisecond) }

type discardWriter struct{}

func (discardWriter) Write(p []byte) (n int, err error) { return len(p), nil }
