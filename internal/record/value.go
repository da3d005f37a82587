package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Kind tags the variant held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindText
	KindDate
	KindDateTime
	KindJSON
	KindList
	KindRelation
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindText:
		return "text"
	case KindDate:
		return "date"
	case KindDateTime:
		return "datetime"
	case KindJSON:
		return "json"
	case KindList:
		return "list"
	case KindRelation:
		return "relation"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// DateLayout is the wire layout of DATE values.
const DateLayout = "2006-01-02"

// Value is a dynamically typed attribute value. The zero Value is null.
type Value struct {
	kind Kind
	b    bool
	num  decimal.Decimal
	s    string // text or raw JSON
	t    time.Time
	list []Value
	ref  Reference
}

func Null() Value { return Value{} }
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }
func Number(d decimal.Decimal) Value { return Value{kind: KindNumber, num: d} }
func Text(s string) Value { return Value{kind: KindText, s: s} }
func Date(t time.Time) Value { return Value{kind: KindDate, t: t} }
func DateTime(t time.Time) Value { return Value{kind: KindDateTime, t: t} }
func Relation(r Reference) Value { return Value{kind: KindRelation, ref: r} }

// Int is shorthand for an integral NUMBER.
func Int(n int64) Value { return Number(decimal.NewFromInt(n)) }

// JSON wraps raw JSON object or array text. The text is compacted; invalid
// JSON is an error.
func JSON(raw string) (Value, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(raw)); err != nil {
		return Value{}, fmt.Errorf("record: invalid json value: %w", err)
	}
	return Value{kind: KindJSON, s: buf.String()}, nil
}

// List builds a list value from its elements.
func List(vs ...Value) Value {
	if vs == nil {
		vs = []Value{}
	}
	return Value{kind: KindList, list: vs}
}

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) AsBool() bool { return v.b }
func (v Value) AsNumber() decimal.Decimal { return v.num }
func (v Value) AsText() string { return v.s }
func (v Value) AsTime() time.Time { return v.t }
func (v Value) AsList() []Value { return v.list }
func (v Value) AsRelation() Reference { return v.ref }
func (v Value) AsJSON() json.RawMessage { return json.RawMessage(v.s) }

// String renders the canonical text form used when a value is stored in a
// text column or written to a TSV cell.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return ""
	case KindBool:
		if v.b {
			return "true"
		}
		return "false"
	case KindNumber:
		return v.num.String()
	case KindText, KindJSON:
		return v.s
	case KindDate:
		return v.t.Format(DateLayout)
	case KindDateTime:
		return v.t.Format(time.RFC3339Nano)
	case KindRelation:
		return v.ref.String()
	case KindList:
		b, _ := json.Marshal(v)
		return string(b)
	}
	return ""
}

// Equal compares two values structurally. Numbers compare by value.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindNumber:
		return v.num.Equal(o.num)
	case KindText, KindJSON:
		return v.s == o.s
	case KindDate, KindDateTime:
		return v.t.Equal(o.t)
	case KindRelation:
		return v.ref == o.ref
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	}
	return false
}

// MarshalJSON renders the value for API output and exports.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.b)
	case KindNumber:
		return []byte(v.num.String()), nil
	case KindJSON:
		return []byte(v.s), nil
	case KindList:
		return json.Marshal(v.list)
	default:
		return json.Marshal(v.String())
	}
}
