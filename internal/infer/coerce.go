package infer

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"recordstore/internal/datatype"
	"recordstore/internal/record"
)

// ErrTypeMismatch is returned by Coerce when a value cannot be stored in a
// column of the requested type.
var ErrTypeMismatch = errors.New("value does not match column type")

// Coerce converts v into the representation a column of type t stores.
// NULL is accepted by every column. Scalars never coerce into array columns
// and lists never coerce into scalar columns.
func Coerce(v record.Value, t datatype.DataType) (record.Value, error) {
	if v.IsNull() {
		return v, nil
	}
	if t.IsArray() {
		return coerceList(v, t)
	}
	if v.Kind() == record.KindList {
		if t == datatype.JSON {
			return record.JSON(v.String())
		}
		return mismatch(v, t)
	}

	switch t {
	case datatype.Null, datatype.String, datatype.File:
		return record.Text(v.String()), nil

	case datatype.Number:
		switch v.Kind() {
		case record.KindNumber:
			return v, nil
		case record.KindText:
			d, err := decimal.NewFromString(strings.TrimSpace(v.AsText()))
			if err != nil {
				return mismatch(v, t)
			}
			return record.Number(d), nil
		}

	case datatype.Boolean:
		switch v.Kind() {
		case record.KindBool:
			return v, nil
		case record.KindText:
			if b, ok := parseBoolStrict(v.AsText()); ok {
				return record.Bool(b), nil
			}
		}

	case datatype.Date:
		switch v.Kind() {
		case record.KindDate:
			return v, nil
		case record.KindText:
			if d, ok := parseDate(v.AsText()); ok {
				return record.Date(d), nil
			}
		}

	case datatype.DateTime:
		switch v.Kind() {
		case record.KindDateTime:
			return v, nil
		case record.KindText:
			if ts, ok := parseDateTime(v.AsText()); ok {
				return record.DateTime(ts), nil
			}
		}

	case datatype.JSON:
		switch v.Kind() {
		case record.KindJSON:
			return v, nil
		case record.KindText:
			if isJSONText(v.AsText()) {
				return record.JSON(v.AsText())
			}
		}

	case datatype.Relation:
		if ref, ok := record.AsReference(v); ok {
			return record.Relation(ref), nil
		}
	}
	return mismatch(v, t)
}

func coerceList(v record.Value, t datatype.DataType) (record.Value, error) {
	items, ok := listItems(v)
	if !ok {
		return mismatch(v, t)
	}
	elem := t.Element()
	if t == datatype.EmptyArray || t == datatype.ArrayOfNull {
		elem = datatype.String
	}
	out := make([]record.Value, len(items))
	for i, it := range items {
		var err error
		if it.Kind() == record.KindList && elem == datatype.JSON {
			out[i], err = record.JSON(it.String())
		} else {
			out[i], err = Coerce(it, elem)
		}
		if err != nil {
			return record.Value{}, err
		}
	}
	return record.List(out...), nil
}

// listItems accepts a list value or JSON array text.
func listItems(v record.Value) ([]record.Value, bool) {
	switch v.Kind() {
	case record.KindList:
		return v.AsList(), true
	case record.KindText, record.KindJSON:
		s := strings.TrimSpace(v.String())
		if !strings.HasPrefix(s, "[") {
			return nil, false
		}
		var raw []json.RawMessage
		if err := json.Unmarshal([]byte(s), &raw); err != nil {
			return nil, false
		}
		out := make([]record.Value, 0, len(raw))
		for _, r := range raw {
			out = append(out, FromJSON(r))
		}
		return out, true
	}
	return nil, false
}

// FromJSON converts a raw JSON fragment into a Value: objects stay JSON,
// arrays become lists, strings become text.
func FromJSON(raw json.RawMessage) record.Value {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return record.Null()
	}
	switch s[0] {
	case '{':
		v, err := record.JSON(s)
		if err != nil {
			return record.Text(s)
		}
		return v
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal([]byte(s), &items); err != nil {
			return record.Text(s)
		}
		vs := make([]record.Value, 0, len(items))
		for _, it := range items {
			vs = append(vs, FromJSON(it))
		}
		return record.List(vs...)
	case '"':
		var str string
		if err := json.Unmarshal([]byte(s), &str); err != nil {
			return record.Text(s)
		}
		return record.Text(str)
	case 't', 'f':
		var b bool
		if err := json.Unmarshal([]byte(s), &b); err == nil {
			return record.Bool(b)
		}
	}
	if d, err := decimal.NewFromString(s); err == nil {
		return record.Number(d)
	}
	return record.Text(s)
}

func mismatch(v record.Value, t datatype.DataType) (record.Value, error) {
	return record.Value{}, fmt.Errorf("%w: %s value %q cannot be stored as %v", ErrTypeMismatch, v.Kind(), v.String(), t)
}
