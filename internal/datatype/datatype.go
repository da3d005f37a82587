// Package datatype defines the canonical attribute types and the widening
// rules between them.
package datatype

import (
	"errors"
	"fmt"
	"strings"
)

// DataType is a canonical attribute type. The zero value is NULL.
type DataType int

const (
	Null DataType = iota
	String
	Number
	Boolean
	Date
	DateTime
	JSON
	File
	Relation

	ArrayOfNull
	ArrayOfString
	ArrayOfNumber
	ArrayOfBoolean
	ArrayOfDate
	ArrayOfDateTime
	ArrayOfJSON
	ArrayOfFile
	ArrayOfRelation

	EmptyArray
)

// arrayOffset is the distance between a scalar and its array form.
const arrayOffset = ArrayOfNull - Null

// ErrIncompatibleTypes is returned when two types have no common widening,
// e.g. a scalar against an array.
var ErrIncompatibleTypes = errors.New("incompatible types")

// All lists every DataType in declaration order.
func All() []DataType {
	out := make([]DataType, 0, int(EmptyArray)+1)
	for t := Null; t <= EmptyArray; t++ {
		out = append(out, t)
	}
	return out
}

var names = map[DataType]string{
	Null:            "NULL",
	String:          "STRING",
	Number:          "NUMBER",
	Boolean:         "BOOLEAN",
	Date:            "DATE",
	DateTime:        "DATE_TIME",
	JSON:            "JSON",
	File:            "FILE",
	Relation:        "RELATION",
	ArrayOfNull:     "ARRAY_OF_NULL",
	ArrayOfString:   "ARRAY_OF_STRING",
	ArrayOfNumber:   "ARRAY_OF_NUMBER",
	ArrayOfBoolean:  "ARRAY_OF_BOOLEAN",
	ArrayOfDate:     "ARRAY_OF_DATE",
	ArrayOfDateTime: "ARRAY_OF_DATE_TIME",
	ArrayOfJSON:     "ARRAY_OF_JSON",
	ArrayOfFile:     "ARRAY_OF_FILE",
	ArrayOfRelation: "ARRAY_OF_RELATION",
	EmptyArray:      "EMPTY_ARRAY",
}

func (t DataType) String() string {
	if n, ok := names[t]; ok {
		return n
	}
	return fmt.Sprintf("DataType(%d)", int(t))
}

// Parse resolves a type name such as "ARRAY_OF_NUMBER" (case-insensitive).
func Parse(s string) (DataType, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for t, n := range names {
		if n == s {
			return t, nil
		}
	}
	return Null, fmt.Errorf("datatype: unknown type %q", s)
}

// MarshalText implements encoding.TextMarshaler so schemas render by name.
func (t DataType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *DataType) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// IsArray reports whether t is an array type (including EMPTY_ARRAY).
func (t DataType) IsArray() bool { return t >= ArrayOfNull }

// IsRelation reports whether t is RELATION or ARRAY_OF_RELATION.
func (t DataType) IsRelation() bool { return t == Relation || t == ArrayOfRelation }

// Element returns the scalar element type of an array type. EMPTY_ARRAY has
// element NULL; scalars return themselves.
func (t DataType) Element() DataType {
	switch {
	case t == EmptyArray:
		return Null
	case t.IsArray():
		return t - arrayOffset
	default:
		return t
	}
}

// ArrayOf returns the array form of scalar t. An array input is returned as is.
func ArrayOf(t DataType) DataType {
	if t.IsArray() {
		return t
	}
	return t + arrayOffset
}

// PhysicalType returns the backing column type, in Postgres vocabulary.
// Every DataType must have a case here.
func PhysicalType(t DataType) string {
	switch t {
	case Null, String, Relation, File:
		return "text"
	case Number:
		return "numeric"
	case Boolean:
		return "boolean"
	case Date:
		return "date"
	case DateTime:
		return "timestamptz"
	case JSON:
		return "jsonb"
	case ArrayOfNull, ArrayOfString, ArrayOfRelation, ArrayOfFile, EmptyArray:
		return "text[]"
	case ArrayOfNumber:
		return "numeric[]"
	case ArrayOfBoolean:
		return "boolean[]"
	case ArrayOfDate:
		return "date[]"
	case ArrayOfDateTime:
		return "timestamptz[]"
	case ArrayOfJSON:
		return "jsonb[]"
	}
	panic(fmt.Sprintf("datatype: no physical type for %v", t))
}

// FromPhysical maps a column type read back from the store into a DataType.
// The mapping is lossy: text reads back as STRING and text[] as
// ARRAY_OF_STRING. Relation columns are recognised by their constraints, not
// here.
func FromPhysical(physical string) (DataType, bool) {
	p := strings.ToLower(strings.TrimSpace(physical))
	switch p {
	case "text", "character varying", "varchar":
		return String, true
	case "numeric", "decimal":
		return Number, true
	case "boolean", "bool":
		return Boolean, true
	case "date":
		return Date, true
	case "timestamptz", "timestamp with time zone":
		return DateTime, true
	case "jsonb", "json":
		return JSON, true
	// information_schema reports arrays by udt_name.
	case "text[]", "_text", "_varchar", "character varying[]":
		return ArrayOfString, true
	case "numeric[]", "_numeric":
		return ArrayOfNumber, true
	case "boolean[]", "_bool":
		return ArrayOfBoolean, true
	case "date[]", "_date":
		return ArrayOfDate, true
	case "timestamptz[]", "_timestamptz", "timestamp with time zone[]":
		return ArrayOfDateTime, true
	case "jsonb[]", "_jsonb":
		return ArrayOfJSON, true
	}
	return Null, false
}

// SelectBestType returns the narrowest type that can hold values of both a
// and b.
//
// Rules:
//   - equal types return themselves
//   - NULL widens to anything, EMPTY_ARRAY widens to any array
//   - two distinct non-null scalars fall back to STRING
//   - two arrays combine element-wise by the scalar rule
//   - a scalar against an array is ErrIncompatibleTypes
func SelectBestType(a, b DataType) (DataType, error) {
	if a == b {
		return a, nil
	}
	if a == Null {
		return b, nil
	}
	if b == Null {
		return a, nil
	}
	if a.IsArray() != b.IsArray() {
		return Null, fmt.Errorf("%w: %v and %v", ErrIncompatibleTypes, a, b)
	}
	if !a.IsArray() {
		return String, nil
	}
	switch {
	case isEmptyish(a) && isEmptyish(b):
		return EmptyArray, nil
	case isEmptyish(a):
		return b, nil
	case isEmptyish(b):
		return a, nil
	}
	// Distinct non-empty element types.
	return ArrayOfString, nil
}

// isEmptyish reports array types that carry no element information.
func isEmptyish(t DataType) bool { return t == EmptyArray || t == ArrayOfNull }

// Fold widens every type in ts into a single type, starting from NULL.
func Fold(ts ...DataType) (DataType, error) {
	acc := Null
	for _, t := range ts {
		next, err := SelectBestType(acc, t)
		if err != nil {
			return Null, err
		}
		acc = next
	}
	return acc, nil
}
