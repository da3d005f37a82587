// Package query parses the record search syntax: a single field term
// "column:value", where value is a bare word or a double-quoted phrase.
// Backslash escapes the next character in both the column and the value.
package query

import (
	"errors"
	"strings"
	"unicode"

	"recordstore/internal/datatype"
	"recordstore/internal/storage"
)

// ErrInvalidQuery is matched by every error Parse returns.
var ErrInvalidQuery = errors.New("invalid query")

// Error is a rejected query with the message shown to the caller.
type Error struct {
	Msg string
}

func (e *Error) Error() string { return e.Msg }

func (e *Error) Is(target error) bool { return target == ErrInvalidQuery }

var (
	errSyntax       = &Error{Msg: "Invalid query"}
	errNoColumn     = &Error{Msg: "Query must specify a column name"}
	errUnknown      = &Error{Msg: "Column specified in query does not exist in this record type"}
	errNotStringCol = &Error{Msg: "Column specified in query must be a string type"}
)

// Words that make a query boolean rather than a single term.
var operators = map[string]bool{"AND": true, "OR": true, "NOT": true, "TO": true}

// Parse returns the filter for q against schema, or nil for a blank query.
// Only STRING columns can be searched; the match is case-insensitive.
func Parse(q string, schema storage.Snapshot) (*storage.Filter, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return nil, nil
	}
	column, value, err := split(q)
	if err != nil {
		return nil, err
	}
	if column == "" {
		return nil, errNoColumn
	}
	t, ok := schema.Columns[column]
	if !ok {
		return nil, errUnknown
	}
	if t != datatype.String {
		return nil, errNotStringCol
	}
	return &storage.Filter{Column: column, Value: value}, nil
}

// split tokenizes one term. A term without a field separator has no
// column; anything beyond one term is a syntax error.
func split(q string) (column, value string, err error) {
	rs := []rune(q)
	i := 0

	field, i, sawColon, err := readWord(rs, i, true)
	if err != nil {
		return "", "", err
	}
	if !sawColon {
		if i < len(rs) && rs[i] == '"' {
			return "", "", errNoColumn
		}
		if i != len(rs) || field == "" || operators[field] {
			return "", "", errSyntax
		}
		return "", field, nil
	}
	if i < len(rs) && unicode.IsSpace(rs[i]) {
		return "", "", errSyntax
	}

	switch {
	case i < len(rs) && rs[i] == '"':
		value, i, err = readPhrase(rs, i+1)
	default:
		var colon bool
		value, i, colon, err = readWord(rs, i, false)
		if err == nil && (colon || value == "" || operators[value]) {
			err = errSyntax
		}
	}
	if err != nil {
		return "", "", err
	}
	if i != len(rs) {
		return "", "", errSyntax
	}
	return field, value, nil
}

// readWord reads up to whitespace, or up to a colon when stopAtColon is
// set. Reserved characters must be escaped; '+' and '-' only when they lead.
func readWord(rs []rune, i int, stopAtColon bool) (string, int, bool, error) {
	var b strings.Builder
	for i < len(rs) {
		r := rs[i]
		switch {
		case r == '\\':
			if i+1 >= len(rs) {
				return "", i, false, errSyntax
			}
			b.WriteRune(rs[i+1])
			i += 2
			continue
		case r == ':':
			if stopAtColon {
				return b.String(), i + 1, true, nil
			}
			return b.String(), i, true, nil
		case unicode.IsSpace(r), r == '"':
			return b.String(), i, false, nil
		case strings.ContainsRune(`&|!(){}[]^~*?/`, r),
			b.Len() == 0 && (r == '+' || r == '-'):
			return "", i, false, errSyntax
		}
		b.WriteRune(r)
		i++
	}
	return b.String(), i, false, nil
}

// readPhrase reads a quoted phrase; i points just past the opening quote.
func readPhrase(rs []rune, i int) (string, int, error) {
	var b strings.Builder
	for i < len(rs) {
		switch r := rs[i]; r {
		case '\\':
			if i+1 >= len(rs) {
				return "", i, errSyntax
			}
			b.WriteRune(rs[i+1])
			i += 2
		case '"':
			return b.String(), i + 1, nil
		default:
			b.WriteRune(r)
			i++
		}
	}
	return "", i, errSyntax
}
