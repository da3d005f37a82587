// Package reconcile evolves a live table schema to accept a batch: it adds
// missing columns, widens columns along the type lattice and wires new
// relation columns to their targets.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"recordstore/internal/datatype"
	"recordstore/internal/record"
	"recordstore/internal/relation"
	"recordstore/internal/storage"
)

// ErrMissingTarget is returned when a new relation column points at a record
// type that does not exist in the collection.
var ErrMissingTarget = errors.New("referencing a type that does not exist")

// ErrConcurrentSchemaChange is returned when a concurrent writer created a
// column with a different type. The whole write may be retried.
var ErrConcurrentSchemaChange = errors.New("record type schema changed concurrently")

// ConflictError rejects a batch whose types cannot be reconciled with the
// persisted schema.
type ConflictError struct {
	Type     record.RecordType
	Column   string
	Existing datatype.DataType
	Incoming datatype.DataType
	Reason   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("schema conflict on %s.%s (%v in the record type, %v in the request): %s",
		e.Type, e.Column, e.Existing, e.Incoming, e.Reason)
}

// Widening is one column type change.
type Widening struct {
	Column string
	From   datatype.DataType
	To     datatype.DataType
}

// Plan is the DDL a batch needs.
type Plan struct {
	Add   []storage.ColumnSpec
	Widen []Widening
}

// Empty reports a batch that fits the persisted schema as is.
func (p Plan) Empty() bool { return len(p.Add) == 0 && len(p.Widen) == 0 }

// Diff compares the inferred batch schema with the persisted one. Columns
// only in existing are left alone. Incompatible pairs are not planned: the
// affected rows fail validation instead.
func Diff(t record.RecordType, existing storage.Snapshot, inferred map[string]datatype.DataType, refs map[string]record.RecordType) (Plan, error) {
	var p Plan
	for _, col := range sortedKeys(inferred) {
		in := inferred[col]
		cur, ok := existing.Columns[col]
		if target, isRef := refs[col]; isRef && !in.IsRelation() {
			return Plan{}, &ConflictError{Type: t, Column: col, Existing: cur, Incoming: in,
				Reason: fmt.Sprintf("references to %s mixed with plain values", target)}
		}
		if !ok {
			p.Add = append(p.Add, storage.ColumnSpec{Name: col, Type: in, References: refs[col]})
			continue
		}
		if cur == in {
			continue
		}
		best, err := datatype.SelectBestType(cur, in)
		if err != nil || best == cur {
			continue
		}
		if cur.IsRelation() {
			return Plan{}, &ConflictError{Type: t, Column: col, Existing: cur, Incoming: in, Reason: "a relation column cannot change type"}
		}
		if best.IsRelation() {
			return Plan{}, &ConflictError{Type: t, Column: col, Existing: cur, Incoming: in, Reason: "reusing a plain column as a reference"}
		}
		p.Widen = append(p.Widen, Widening{Column: col, From: cur, To: best})
	}
	return p, nil
}

// Reconcile applies the DDL records need against the table's existing
// schema and returns the schema read back afterwards. All statements run on
// sess, so they share the caller's transaction.
func Reconcile(
	ctx context.Context,
	sess storage.Session,
	t storage.Table,
	inferred map[string]datatype.DataType,
	existing storage.Snapshot,
	records []record.Record,
) (storage.Snapshot, error) {
	refs, err := relation.FindRelations(records)
	if err != nil {
		return storage.Snapshot{}, err
	}
	if err := relation.CheckAgainstSchema(refs, existing.Columns, existing.Relations); err != nil {
		return storage.Snapshot{}, err
	}
	plan, err := Diff(t.Type, existing, inferred, refs)
	if err != nil {
		return storage.Snapshot{}, err
	}
	if plan.Empty() {
		return existing, nil
	}
	if err := Apply(ctx, sess, t, plan); err != nil {
		return storage.Snapshot{}, err
	}

	final, err := sess.Columns(ctx, t)
	if err != nil {
		return storage.Snapshot{}, err
	}
	if err := verify(t, plan, final); err != nil {
		return storage.Snapshot{}, err
	}
	return final, nil
}

// Apply runs a plan: relation targets are checked, columns added (with
// their join tables) and widened.
func Apply(ctx context.Context, sess storage.Session, t storage.Table, plan Plan) error {
	for _, c := range plan.Add {
		if err := CheckTarget(ctx, sess, t, c); err != nil {
			return err
		}
	}
	for _, c := range plan.Add {
		err := sess.AddColumn(ctx, t, c)
		if err != nil && !storage.IsKind(err, storage.DuplicateColumn) {
			return err
		}
		if c.Type == datatype.ArrayOfRelation {
			if err := sess.CreateJoinTable(ctx, storage.JoinSpec{From: t, Column: c.Name, To: c.References}); err != nil {
				return err
			}
		}
	}
	for _, w := range plan.Widen {
		if err := sess.WidenColumn(ctx, t, w.Column, w.To); err != nil {
			return fmt.Errorf("widen %s.%s from %v to %v: %w", t, w.Column, w.From, w.To, err)
		}
	}
	return nil
}

// CheckTarget fails with ErrMissingTarget when a relation column points at a
// record type other than its own that does not exist.
func CheckTarget(ctx context.Context, sess storage.Session, t storage.Table, c storage.ColumnSpec) error {
	if !c.Type.IsRelation() || c.References == "" || c.References == t.Type {
		return nil
	}
	ok, err := sess.TableExists(ctx, t.Sibling(c.References))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: column %s of %s references %s", ErrMissingTarget, c.Name, t.Type, c.References)
	}
	return nil
}

// verify detects columns a concurrent writer created first with another
// type.
func verify(t storage.Table, plan Plan, final storage.Snapshot) error {
	for _, c := range plan.Add {
		got, ok := final.Columns[c.Name]
		if !ok {
			return fmt.Errorf("%w: column %s.%s is missing after creation", ErrConcurrentSchemaChange, t, c.Name)
		}
		if got == c.Type {
			continue
		}
		if best, err := datatype.SelectBestType(got, c.Type); err == nil && best == got && !c.Type.IsRelation() {
			continue
		}
		return fmt.Errorf("%w: column %s.%s is %v, expected %v", ErrConcurrentSchemaChange, t, c.Name, got, c.Type)
	}
	return nil
}

func sortedKeys(m map[string]datatype.DataType) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
