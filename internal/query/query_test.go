package query

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"recordstore/internal/datatype"
	"recordstore/internal/record"
	"recordstore/internal/storage"
)

func schema() storage.Snapshot {
	s := storage.NewSnapshot(record.DefaultPrimaryKey)
	s.Columns["name"] = datatype.String
	s.Columns["first name"] = datatype.String
	s.Columns["age"] = datatype.Number
	return s
}

func TestParse_Filters(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		in     string
		column string
		value  string
	}{
		{name: "bare", in: "name:Ann", column: "name", value: "Ann"},
		{name: "phrase", in: `name:"Ann Smith"`, column: "name", value: "Ann Smith"},
		{name: "escaped_quote_in_phrase", in: `name:"say \"hi\""`, column: "name", value: `say "hi"`},
		{name: "escaped_space_in_column", in: `first\ name:bo`, column: "first name", value: "bo"},
		{name: "inner_dash", in: "name:abc-123", column: "name", value: "abc-123"},
		{name: "escaped_colon_in_value", in: `name:a\:b`, column: "name", value: "a:b"},
		{name: "surrounding_space", in: "  name:x  ", column: "name", value: "x"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f, err := Parse(tc.in, schema())
			require.NoError(t, err)
			require.NotNil(t, f)
			require.Equal(t, tc.column, f.Column)
			require.Equal(t, tc.value, f.Value)
		})
	}
}

func TestParse_Blank(t *testing.T) {
	t.Parallel()
	f, err := Parse("   ", schema())
	require.NoError(t, err)
	require.Nil(t, f)
}

func TestParse_Rejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		msg  string
	}{
		{name: "no_column", in: "Ann", msg: "Query must specify a column name"},
		{name: "no_column_phrase", in: `"Ann Smith"`, msg: "Query must specify a column name"},
		{name: "unknown_column", in: "nickname:x", msg: "Column specified in query does not exist in this record type"},
		{name: "number_column", in: "age:4", msg: "Column specified in query must be a string type"},
		{name: "boolean", in: "name:a AND name:b", msg: "Invalid query"},
		{name: "two_terms", in: "name:a b", msg: "Invalid query"},
		{name: "wildcard", in: "name:a*", msg: "Invalid query"},
		{name: "range", in: "name:[a TO b]", msg: "Invalid query"},
		{name: "negation", in: "-name:a", msg: "Invalid query"},
		{name: "empty_value", in: "name:", msg: "Invalid query"},
		{name: "unterminated_phrase", in: `name:"abc`, msg: "Invalid query"},
		{name: "space_after_colon", in: "name: a", msg: "Invalid query"},
		{name: "nested_field", in: "name:a:b", msg: "Invalid query"},
		{name: "trailing_escape", in: `name:a\`, msg: "Invalid query"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse(tc.in, schema())
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrInvalidQuery))
			require.Equal(t, tc.msg, err.Error())
		})
	}
}
