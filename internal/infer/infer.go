// Package infer maps attribute values onto the canonical type lattice and
// converts values into the representation a column type requires.
package infer

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"recordstore/internal/datatype"
	"recordstore/internal/record"
)

// ErrMixedRelationList is returned for lists mixing references with plain
// values.
var ErrMixedRelationList = errors.New("list mixes relations and plain values")

// numberPattern accepts integral and decimal literals. An integer part with
// a leading zero and more than one digit ("007") is not a number.
var numberPattern = regexp.MustCompile(`^-?(0|[1-9][0-9]*)(\.[0-9]+)?([eE][+-]?[0-9]+)?$`)

var dateLayouts = []string{
	record.DateLayout,
}

// Layouts without a zone are read as UTC.
var dateTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
}

// InferTypes folds the per-record types of every attribute in the batch into
// one type per attribute.
func InferTypes(records []record.Record) (map[string]datatype.DataType, error) {
	out := make(map[string]datatype.DataType)
	for _, r := range records {
		types, err := InferRecord(r)
		if err != nil {
			return nil, err
		}
		for attr, t := range types {
			cur, seen := out[attr]
			if !seen {
				out[attr] = t
				continue
			}
			best, err := datatype.SelectBestType(cur, t)
			if err != nil {
				return nil, fmt.Errorf("attribute %q: %w", attr, err)
			}
			out[attr] = best
		}
	}
	return out, nil
}

// InferRecord returns the type of every attribute of one record.
func InferRecord(r record.Record) (map[string]datatype.DataType, error) {
	out := make(map[string]datatype.DataType, len(r.Attributes))
	for attr, v := range r.Attributes {
		t, err := InferValue(v)
		if err != nil {
			return nil, fmt.Errorf("record %s attribute %q: %w", r.ID, attr, err)
		}
		out[attr] = t
	}
	return out, nil
}

// InferValue returns the most specific type matching v.
//
// Priority: relation, list, boolean, date, date-time, number, JSON text,
// null, string.
func InferValue(v record.Value) (datatype.DataType, error) {
	if _, ok := record.AsReference(v); ok {
		return datatype.Relation, nil
	}
	switch v.Kind() {
	case record.KindList:
		return inferList(v.AsList())
	case record.KindBool:
		return datatype.Boolean, nil
	case record.KindDate:
		return datatype.Date, nil
	case record.KindDateTime:
		return datatype.DateTime, nil
	case record.KindNumber:
		return datatype.Number, nil
	case record.KindJSON:
		return datatype.JSON, nil
	case record.KindNull:
		return datatype.Null, nil
	case record.KindText:
		return inferText(v.AsText()), nil
	}
	return datatype.String, nil
}

func inferText(s string) datatype.DataType {
	switch {
	case isBoolean(s):
		return datatype.Boolean
	case isDate(s):
		return datatype.Date
	case isDateTime(s):
		return datatype.DateTime
	case isNumber(s):
		return datatype.Number
	case isJSONText(s):
		return datatype.JSON
	}
	return datatype.String
}

func inferList(items []record.Value) (datatype.DataType, error) {
	if len(items) == 0 {
		return datatype.EmptyArray, nil
	}
	elem := datatype.Null
	relations, plain := 0, 0
	for _, it := range items {
		t, err := inferElement(it)
		if err != nil {
			return datatype.Null, err
		}
		switch {
		case t == datatype.Relation:
			relations++
		case t != datatype.Null:
			plain++
		}
		elem, err = datatype.SelectBestType(elem, t)
		if err != nil {
			return datatype.Null, err
		}
	}
	if relations > 0 && plain > 0 {
		return datatype.Null, ErrMixedRelationList
	}
	return datatype.ArrayOf(elem), nil
}

// inferElement types a list element; nested lists are carried as JSON.
func inferElement(v record.Value) (datatype.DataType, error) {
	if v.Kind() == record.KindList {
		return datatype.JSON, nil
	}
	return InferValue(v)
}

func isBoolean(s string) bool {
	_, ok := parseBoolStrict(s)
	return ok
}

// parseBoolStrict accepts only "true" and "false", in any case.
func parseBoolStrict(s string) (bool, bool) {
	switch strings.ToLower(s) {
	case "true":
		return true, true
	case "false":
		return false, true
	}
	return false, false
}

func isDate(s string) bool {
	_, ok := parseDate(s)
	return ok
}

func parseDate(s string) (time.Time, bool) {
	for _, lay := range dateLayouts {
		if t, err := time.Parse(lay, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func isDateTime(s string) bool {
	_, ok := parseDateTime(s)
	return ok
}

func parseDateTime(s string) (time.Time, bool) {
	for _, lay := range dateTimeLayouts {
		if t, err := time.Parse(lay, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func isNumber(s string) bool { return numberPattern.MatchString(s) }

func isJSONText(s string) bool {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return false
	}
	if c := trimmed[0]; c != '{' && c != '[' {
		return false
	}
	return json.Valid([]byte(trimmed))
}
