package storage

import (
	"encoding/json"
	"fmt"

	"recordstore/internal/datatype"
	"recordstore/internal/infer"
	"recordstore/internal/record"
)

// BindText converts a coerced value of column type t to the argument a
// backend binds for it.
//
// Scalars bind as their canonical text form and the backend casts in SQL;
// lists bind as []*string with nil for null elements. Null binds as nil.
func BindText(v record.Value, t datatype.DataType) any {
	if v.IsNull() {
		return nil
	}
	if v.Kind() != record.KindList {
		return cellText(v, t)
	}
	items := v.AsList()
	out := make([]*string, len(items))
	for i, it := range items {
		if it.IsNull() {
			continue
		}
		s := it.String()
		out[i] = &s
	}
	return out
}

// EncodeText renders a value of column type t for a text-only column store.
// Lists are stored as JSON arrays. ok is false for null.
func EncodeText(v record.Value, t datatype.DataType) (s string, ok bool) {
	if v.IsNull() {
		return "", false
	}
	return cellText(v, t), true
}

// cellText is the stored form of a non-null scalar. A RELATION column holds
// the bare key of its target so the foreign key can match it; the target
// type lives in the catalog.
func cellText(v record.Value, t datatype.DataType) string {
	if t == datatype.Relation {
		if ref, ok := record.AsReference(v); ok {
			return ref.ID
		}
	}
	return v.String()
}

// ReadType is the type a stored column is decoded as. Columns that were
// only ever null or empty arrays read back as text.
func ReadType(t datatype.DataType) datatype.DataType {
	switch t {
	case datatype.Null:
		return datatype.String
	case datatype.EmptyArray, datatype.ArrayOfNull:
		return datatype.ArrayOfString
	}
	return t
}

// DecodeText converts a stored text cell back into a typed value. target is
// the referenced type of a RELATION column and is ignored otherwise.
func DecodeText(s string, t datatype.DataType, target record.RecordType) (record.Value, error) {
	if t == datatype.Relation {
		return relationCell(s, target)
	}
	return infer.Coerce(record.Text(s), ReadType(t))
}

// DecodeJSON converts one field of a JSON-rendered row back into a typed value.
func DecodeJSON(raw json.RawMessage, t datatype.DataType, target record.RecordType) (record.Value, error) {
	if t == datatype.Relation {
		var id *string
		if err := json.Unmarshal(raw, &id); err != nil {
			return record.Value{}, fmt.Errorf("relation cell: %w", err)
		}
		if id == nil {
			return record.Null(), nil
		}
		return relationCell(*id, target)
	}
	return infer.Coerce(infer.FromJSON(raw), ReadType(t))
}

func relationCell(id string, target record.RecordType) (record.Value, error) {
	if target == "" {
		return record.Value{}, fmt.Errorf("relation cell %q has no target type", id)
	}
	return record.Relation(record.Reference{Type: target, ID: id}), nil
}

// DecodeJSONRow rebuilds a record from a row rendered as a JSON object.
// Fields the schema does not know are ignored.
func DecodeJSONRow(rt record.RecordType, schema Snapshot, row []byte) (record.Record, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(row, &fields); err != nil {
		return record.Record{}, fmt.Errorf("decode %s row: %w", rt, err)
	}
	id, err := DecodeJSON(fields[schema.PrimaryKey], datatype.String, "")
	if err != nil {
		return record.Record{}, fmt.Errorf("decode %s row key: %w", rt, err)
	}
	out := record.New(rt, id.String())
	for col, t := range schema.Columns {
		raw, ok := fields[col]
		if !ok {
			continue
		}
		v, err := DecodeJSON(raw, t, schema.Relations[col])
		if err != nil {
			return record.Record{}, fmt.Errorf("decode %s.%s: %w", id.String(), col, err)
		}
		out.Attributes[col] = v
	}
	return out, nil
}
