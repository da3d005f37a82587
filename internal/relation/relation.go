// Package relation detects reference attributes and checks that every
// reference column points at exactly one record type.
package relation

import (
	"fmt"
	"sort"
	"strings"

	"recordstore/internal/datatype"
	"recordstore/internal/record"
)

// Relation is a reference column and the record type it targets.
type Relation struct {
	Column string
	Target record.RecordType
}

// ConflictError is a schema conflict on a reference column.
type ConflictError struct {
	Column string
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("relation conflict on column %q: %s", e.Column, e.Reason)
}

// FindRelations scans every non-null attribute value, and every element of
// list values, for references. A column referencing more than one record
// type fails the whole batch.
func FindRelations(records []record.Record) (map[string]record.RecordType, error) {
	targets := make(map[string]map[record.RecordType]struct{})
	for _, r := range records {
		for attr, v := range r.Attributes {
			for _, ref := range referencesIn(v) {
				set := targets[attr]
				if set == nil {
					set = make(map[record.RecordType]struct{})
					targets[attr] = set
				}
				set[ref.Type] = struct{}{}
			}
		}
	}

	out := make(map[string]record.RecordType, len(targets))
	for col, set := range targets {
		if len(set) > 1 {
			names := make([]string, 0, len(set))
			for t := range set {
				names = append(names, string(t))
			}
			sort.Strings(names)
			return nil, &ConflictError{
				Column: col,
				Reason: "multiple types assigned to one column: " + strings.Join(names, ", "),
			}
		}
		for t := range set {
			out[col] = t
		}
	}
	return out, nil
}

// Sorted returns the relations ordered by column.
func Sorted(found map[string]record.RecordType) []Relation {
	out := make([]Relation, 0, len(found))
	for col, t := range found {
		out = append(out, Relation{Column: col, Target: t})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Column < out[j].Column })
	return out
}

// CheckAgainstSchema rejects relations that would repurpose an existing
// plain column or retarget an existing reference column.
//
// existing lists the persisted columns; existingRefs the persisted reference
// columns and their targets.
func CheckAgainstSchema(
	found map[string]record.RecordType,
	existing map[string]datatype.DataType,
	existingRefs map[string]record.RecordType,
) error {
	for _, rel := range Sorted(found) {
		if target, ok := existingRefs[rel.Column]; ok {
			if target != rel.Target {
				return &ConflictError{
					Column: rel.Column,
					Reason: fmt.Sprintf("column already references %s, not %s", target, rel.Target),
				}
			}
			continue
		}
		if _, ok := existing[rel.Column]; ok {
			return &ConflictError{Column: rel.Column, Reason: "reusing a plain column as a reference"}
		}
	}
	return nil
}

// Edge is one element of a relation array: a join-table row.
type Edge struct {
	FromID string
	To     record.Reference
}

// ArrayEdges collects the join rows for one relation-array column. Records
// that carry the column with a null or empty list produce no edges but are
// still listed in touched, so their old join rows can be cleared.
func ArrayEdges(records []record.Record, column string) (edges []Edge, touched []string) {
	for _, r := range records {
		v, ok := r.Attributes[column]
		if !ok {
			continue
		}
		touched = append(touched, r.ID)
		for _, ref := range referencesIn(v) {
			edges = append(edges, Edge{FromID: r.ID, To: ref})
		}
	}
	return edges, touched
}

func referencesIn(v record.Value) []record.Reference {
	if v.IsNull() {
		return nil
	}
	if v.Kind() == record.KindList {
		var out []record.Reference
		for _, it := range v.AsList() {
			if ref, ok := record.AsReference(it); ok {
				out = append(out, ref)
			}
		}
		return out
	}
	if ref, ok := record.AsReference(v); ok {
		return []record.Reference{ref}
	}
	return nil
}
