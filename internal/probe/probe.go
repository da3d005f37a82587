// Package probe samples an upload and reports the schema a write would give
// each record type, without touching storage.
//
// Alongside the inferred types it keeps bounded per-column uniqueness stats,
// which help pick a primary-key column before the first import.
package probe

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"recordstore/internal/datatype"
	"recordstore/internal/infer"
	"recordstore/internal/record"
	"recordstore/internal/relation"
)

const (
	// DefaultMaxRecords bounds the sample when Options.MaxRecords is unset.
	DefaultMaxRecords = 1000

	distinctCapPerColumn = 10000
	defaultBatchSize     = 500
)

type Options struct {
	// MaxRecords is the number of records sampled across all types.
	MaxRecords int

	// DefaultType is given to records that carry no type of their own.
	DefaultType record.RecordType
}

// Column is the sampled view of one attribute.
//
// Rows counts sampled records where the attribute held a non-null value;
// it is the denominator of Ratio, not the type's record count.
type Column struct {
	Name        string            `json:"name"`
	Type        datatype.DataType `json:"datatype"`
	RelatedType record.RecordType `json:"relatedRecordType,omitempty"`
	Rows        int               `json:"rows"`
	Distinct    int               `json:"distinct"`
	Capped      bool              `json:"capped,omitempty"`
}

// Ratio is Distinct/Rows, or 0 for a column that never held a value.
func (c Column) Ratio() float64 {
	if c.Rows == 0 {
		return 0
	}
	return float64(c.Distinct) / float64(c.Rows)
}

// Type is the sampled view of one record type.
type Type struct {
	Name    record.RecordType `json:"name"`
	Upserts int               `json:"upserts"`
	Deletes int               `json:"deletes"`
	Columns []Column          `json:"columns"`
}

// Report is the result of Sample. Types are ordered by name and their
// columns by attribute name.
type Report struct {
	PrimaryKey string `json:"primaryKey"`
	Sampled    int    `json:"sampled"`
	// Truncated is set when the sample stopped before the end of the stream.
	Truncated bool   `json:"truncated"`
	Types     []Type `json:"types"`
}

type typeAcc struct {
	upserts, deletes int
	types            map[string]datatype.DataType
	refs             map[string]record.RecordType
	rows             map[string]int
	sets             map[string]map[string]struct{}
	capped           map[string]bool
}

func newTypeAcc() *typeAcc {
	return &typeAcc{
		types:  map[string]datatype.DataType{},
		refs:   map[string]record.RecordType{},
		rows:   map[string]int{},
		sets:   map[string]map[string]struct{}{},
		capped: map[string]bool{},
	}
}

// Sample reads up to opt.MaxRecords records from src. It fails on the same
// type and relation conflicts a write of the sample would fail on. src is
// not closed.
func Sample(ctx context.Context, src record.Source, opt Options) (Report, error) {
	limit := opt.MaxRecords
	if limit <= 0 {
		limit = DefaultMaxRecords
	}
	rep := Report{PrimaryKey: record.DefaultPrimaryKey}
	if ks, ok := src.(record.KeyedSource); ok && ks.PrimaryKey() != "" {
		rep.PrimaryKey = ks.PrimaryKey()
	}

	accs := map[record.RecordType]*typeAcc{}
	for rep.Sampled < limit {
		b, err := src.ReadBatch(ctx, min(defaultBatchSize, limit-rep.Sampled))
		if err != nil {
			return rep, err
		}
		if b.Empty() {
			break
		}
		rep.Sampled += len(b.Records)

		byType := map[record.RecordType][]record.Record{}
		for _, r := range b.Records {
			rt := r.Type
			if rt == "" {
				rt = opt.DefaultType
			}
			if rt == "" {
				return rep, fmt.Errorf("record %q has no record type", r.ID)
			}
			byType[rt] = append(byType[rt], r)
		}
		for rt, recs := range byType {
			acc := accs[rt]
			if acc == nil {
				acc = newTypeAcc()
				accs[rt] = acc
			}
			if b.Op == record.Delete {
				acc.deletes += len(recs)
				continue
			}
			acc.upserts += len(recs)
			if err := acc.add(recs, rep.PrimaryKey); err != nil {
				return rep, fmt.Errorf("record type %s: %w", rt, err)
			}
		}
	}
	if rep.Sampled >= limit {
		// One more read tells a full stream from a truncated one.
		b, err := src.ReadBatch(ctx, 1)
		if err != nil {
			return rep, err
		}
		rep.Truncated = !b.Empty()
	}

	for rt, acc := range accs {
		rep.Types = append(rep.Types, acc.report(rt))
	}
	sort.Slice(rep.Types, func(i, j int) bool { return rep.Types[i].Name < rep.Types[j].Name })
	return rep, nil
}

func (a *typeAcc) add(recs []record.Record, pk string) error {
	types, err := infer.InferTypes(recs)
	if err != nil {
		return err
	}
	for col, t := range types {
		if col == pk {
			continue
		}
		cur, seen := a.types[col]
		if !seen {
			a.types[col] = t
			continue
		}
		best, err := datatype.SelectBestType(cur, t)
		if err != nil {
			return fmt.Errorf("attribute %q: %w", col, err)
		}
		a.types[col] = best
	}

	refs, err := relation.FindRelations(recs)
	if err != nil {
		return err
	}
	for col, target := range refs {
		if prev, ok := a.refs[col]; ok && prev != target {
			return &relation.ConflictError{
				Column: col,
				Reason: fmt.Sprintf("references both %s and %s", prev, target),
			}
		}
		a.refs[col] = target
	}

	for _, r := range recs {
		for col, v := range r.Attributes {
			if col == pk || a.capped[col] || v.IsNull() {
				continue
			}
			s := v.String()
			if s == "" {
				continue
			}
			a.rows[col]++
			set := a.sets[col]
			if set == nil {
				set = map[string]struct{}{}
				a.sets[col] = set
			}
			set[s] = struct{}{}
			if len(set) >= distinctCapPerColumn {
				a.capped[col] = true
				delete(a.sets, col)
			}
		}
	}
	return nil
}

func (a *typeAcc) report(rt record.RecordType) Type {
	out := Type{Name: rt, Upserts: a.upserts, Deletes: a.deletes}
	names := make([]string, 0, len(a.types))
	for col := range a.types {
		names = append(names, col)
	}
	sort.Strings(names)
	for _, col := range names {
		c := Column{
			Name:        col,
			Type:        a.types[col],
			RelatedType: a.refs[col],
			Rows:        a.rows[col],
			Distinct:    len(a.sets[col]),
			Capped:      a.capped[col],
		}
		if c.Capped {
			c.Distinct = distinctCapPerColumn
		}
		out.Columns = append(out.Columns, c)
	}
	return out
}

// KeyCandidates returns the columns whose sampled values were all distinct
// and present in every sampled upsert.
func (t Type) KeyCandidates() []string {
	var out []string
	for _, c := range t.Columns {
		if c.Rows > 0 && c.Rows == t.Upserts && c.Distinct == c.Rows && !c.Type.IsArray() {
			out = append(out, c.Name)
		}
	}
	return out
}

// Format renders the report as tab-separated text, one block per type.
func (r Report) Format() string {
	if r.Sampled == 0 {
		return "probe: no records sampled"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "probe report:\tsampled=%d\ttruncated=%t\tprimary_key=%s\n", r.Sampled, r.Truncated, r.PrimaryKey)
	for _, t := range r.Types {
		fmt.Fprintf(&b, "\ntype=%s\tupserts=%d\tdeletes=%d\n", t.Name, t.Upserts, t.Deletes)
		fmt.Fprintf(&b, "%-15s\t%-18s\t%-7s\t%-7s\tratio\tcapped\n", "col", "type", "unique", "rows")
		for _, c := range t.Columns {
			typ := c.Type.String()
			if c.RelatedType != "" {
				typ += "(" + string(c.RelatedType) + ")"
			}
			fmt.Fprintf(&b, "%-15s\t%-18s\t%-7d\t%-7d\t%.1f%%\t%t\n",
				c.Name, typ, c.Distinct, c.Rows, c.Ratio()*100, c.Capped)
		}
		if keys := t.KeyCandidates(); len(keys) > 0 {
			fmt.Fprintf(&b, "key candidates:\t%s\n", strings.Join(keys, ", "))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
