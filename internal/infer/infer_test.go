package infer

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"recordstore/internal/datatype"
	"recordstore/internal/record"
)

func mustJSON(t *testing.T, s string) record.Value {
	t.Helper()
	v, err := record.JSON(s)
	require.NoError(t, err)
	return v
}

func TestInferValue_TextPriority(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want datatype.DataType
	}{
		{"terra-wds:/participants/p1", datatype.Relation},
		{"true", datatype.Boolean},
		{"FALSE", datatype.Boolean},
		{"yes", datatype.String},
		{"2021-03-04", datatype.Date},
		{"2021-03-04T10:11:12", datatype.DateTime},
		{"2021-03-04T10:11:12.345Z", datatype.DateTime},
		{"2021-03-04T10:11:12+02:00", datatype.DateTime},
		{"42", datatype.Number},
		{"-3.25", datatype.Number},
		{"0", datatype.Number},
		{"0.5", datatype.Number},
		{"1e10", datatype.Number},
		{"007", datatype.String},
		{"00.5", datatype.String},
		{"0123456789", datatype.String},
		{"12abc", datatype.String},
		{`{"a":1}`, datatype.JSON},
		{`[1,2,3]`, datatype.JSON},
		{`{"a":`, datatype.String},
		{"", datatype.String},
		{" ", datatype.String},
		{"hello", datatype.String},
		{"terra-wds:/missing-id", datatype.String},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := InferValue(record.Text(tt.in))
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestInferValue_TypedVariants(t *testing.T) {
	t.Parallel()

	now := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	ref := record.Relation(record.Reference{Type: "t", ID: "1"})

	tests := []struct {
		name string
		in   record.Value
		want datatype.DataType
	}{
		{"null", record.Null(), datatype.Null},
		{"bool", record.Bool(false), datatype.Boolean},
		{"number", record.Int(3), datatype.Number},
		{"date", record.Date(now), datatype.Date},
		{"datetime", record.DateTime(now), datatype.DateTime},
		{"json", mustJSON(t, `{"x":[1]}`), datatype.JSON},
		{"relation", ref, datatype.Relation},
		{"empty list", record.List(), datatype.EmptyArray},
		{"numbers", record.List(record.Int(1), record.Text("2")), datatype.ArrayOfNumber},
		{"mixed scalars", record.List(record.Int(1), record.Text("x")), datatype.ArrayOfString},
		{"nulls only", record.List(record.Null()), datatype.ArrayOfNull},
		{"relations", record.List(ref, record.Text("terra-wds:/t/2")), datatype.ArrayOfRelation},
		{"nested", record.List(record.List(record.Int(1))), datatype.ArrayOfJSON},
		{"objects", record.List(mustJSON(t, `{"a":1}`)), datatype.ArrayOfJSON},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := InferValue(tt.in)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestInferValue_MixedRelationList(t *testing.T) {
	t.Parallel()

	_, err := InferValue(record.List(record.Text("terra-wds:/t/1"), record.Text("plain")))
	require.True(t, errors.Is(err, ErrMixedRelationList))
}

func TestInferTypes_FoldsAcrossBatch(t *testing.T) {
	t.Parallel()

	r1 := record.New("thing", "1")
	r1.Attributes["age"] = record.Text("42")
	r1.Attributes["name"] = record.Text("Ann")
	r1.Attributes["flag"] = record.Null()

	r2 := record.New("thing", "2")
	r2.Attributes["age"] = record.Text("forty")
	r2.Attributes["flag"] = record.Text("true")
	r2.Attributes["tags"] = record.List()

	r3 := record.New("thing", "3")
	r3.Attributes["tags"] = record.List(record.Text("a"))

	got, err := InferTypes([]record.Record{r1, r2, r3})
	require.NoError(t, err)
	require.Equal(t, map[string]datatype.DataType{
		"age":  datatype.String,
		"name": datatype.String,
		"flag": datatype.Boolean,
		"tags": datatype.ArrayOfString,
	}, got)
}

func TestInferTypes_ScalarArrayClashFailsBatch(t *testing.T) {
	t.Parallel()

	r1 := record.New("thing", "1")
	r1.Attributes["n"] = record.Int(1)
	r2 := record.New("thing", "2")
	r2.Attributes["n"] = record.List(record.Int(1))

	_, err := InferTypes([]record.Record{r1, r2})
	require.Error(t, err)
	require.True(t, errors.Is(err, datatype.ErrIncompatibleTypes))
	require.Contains(t, err.Error(), `"n"`)
}

// Inferring types over values already coerced to the inferred schema yields
// the same schema.
func TestInferTypes_Idempotent(t *testing.T) {
	t.Parallel()

	r1 := record.New("thing", "1")
	r1.Attributes["n"] = record.Text("42")
	r1.Attributes["d"] = record.Text("2020-02-02")
	r1.Attributes["ts"] = record.Text("2020-02-02T10:00:00Z")
	r1.Attributes["b"] = record.Text("True")
	r1.Attributes["j"] = record.Text(`{"k":"v"}`)
	r1.Attributes["rel"] = record.Text("terra-wds:/other/1")
	r1.Attributes["arr"] = record.List(record.Text("1"), record.Text("2.5"))
	r1.Attributes["s"] = record.Text("42")

	r2 := record.New("thing", "2")
	r2.Attributes["s"] = record.Text("abc")
	r2.Attributes["n"] = record.Null()

	batch := []record.Record{r1, r2}
	schema, err := InferTypes(batch)
	require.NoError(t, err)

	coerced := make([]record.Record, 0, len(batch))
	for _, r := range batch {
		c := record.New(r.Type, r.ID)
		for k, v := range r.Attributes {
			cv, err := Coerce(v, schema[k])
			require.NoError(t, err, "attr %s", k)
			c.Attributes[k] = cv
		}
		coerced = append(coerced, c)
	}

	again, err := InferTypes(coerced)
	require.NoError(t, err)
	require.Equal(t, schema, again)
}

func TestCoerce(t *testing.T) {
	t.Parallel()

	got, err := Coerce(record.Text("5.67"), datatype.Number)
	require.NoError(t, err)
	require.True(t, got.AsNumber().Equal(decimal.RequireFromString("5.67")))

	got, err = Coerce(record.Int(5), datatype.String)
	require.NoError(t, err)
	require.Equal(t, record.Text("5"), got)

	got, err = Coerce(record.Text(`["a","b"]`), datatype.ArrayOfString)
	require.NoError(t, err)
	require.True(t, got.Equal(record.List(record.Text("a"), record.Text("b"))))

	got, err = Coerce(record.List(record.Text("terra-wds:/t/1")), datatype.ArrayOfRelation)
	require.NoError(t, err)
	require.Equal(t, record.KindRelation, got.AsList()[0].Kind())

	got, err = Coerce(record.Null(), datatype.Date)
	require.NoError(t, err)
	require.True(t, got.IsNull())

	for _, tc := range []struct {
		v record.Value
		t datatype.DataType
	}{
		{record.Text("abc"), datatype.Number},
		{record.Text("maybe"), datatype.Boolean},
		{record.Int(1), datatype.ArrayOfNumber},
		{record.List(record.Int(1)), datatype.Number},
		{record.Text("2020-13-45"), datatype.Date},
		{record.Text("x"), datatype.Relation},
	} {
		_, err := Coerce(tc.v, tc.t)
		require.True(t, errors.Is(err, ErrTypeMismatch), "%v -> %v", tc.v, tc.t)
	}
}

func TestFromJSON(t *testing.T) {
	t.Parallel()

	v := FromJSON([]byte(`["hello", 1.5, true, null, {"a":1}, [2]]`))
	require.Equal(t, record.KindList, v.Kind())
	items := v.AsList()
	require.Len(t, items, 6)
	require.Equal(t, record.Text("hello"), items[0])
	require.Equal(t, record.KindNumber, items[1].Kind())
	require.Equal(t, record.Bool(true), items[2])
	require.True(t, items[3].IsNull())
	require.Equal(t, record.KindJSON, items[4].Kind())
	require.Equal(t, record.KindList, items[5].Kind())
}
