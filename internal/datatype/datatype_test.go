package datatype

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

// Every type must map to a physical column type; PhysicalType panics on a
// missing case, so adding a DataType without extending the switch fails here.
func TestPhysicalType_Exhaustive(t *testing.T) {
	t.Parallel()

	for _, dt := range All() {
		dt := dt
		require.NotPanics(t, func() { _ = PhysicalType(dt) }, "type %v", dt)
		require.NotEmpty(t, PhysicalType(dt), "type %v", dt)
		require.NotContains(t, dt.String(), "DataType(", "type %d has no name", int(dt))
	}
}

func TestPhysicalType_Values(t *testing.T) {
	t.Parallel()

	tests := map[DataType]string{
		Number:          "numeric",
		DateTime:        "timestamptz",
		JSON:            "jsonb",
		String:          "text",
		Relation:        "text",
		File:            "text",
		Null:            "text",
		Date:            "date",
		Boolean:         "boolean",
		ArrayOfNumber:   "numeric[]",
		ArrayOfRelation: "text[]",
		EmptyArray:      "text[]",
	}
	for dt, want := range tests {
		require.Equal(t, want, PhysicalType(dt), "type %v", dt)
	}
}

func TestFromPhysical_RoundTripsDistinctTypes(t *testing.T) {
	t.Parallel()

	for _, dt := range []DataType{String, Number, Boolean, Date, DateTime, JSON,
		ArrayOfString, ArrayOfNumber, ArrayOfBoolean, ArrayOfDate, ArrayOfDateTime, ArrayOfJSON} {
		got, ok := FromPhysical(PhysicalType(dt))
		require.True(t, ok, "type %v", dt)
		require.Equal(t, dt, got)
	}

	got, ok := FromPhysical("timestamp with time zone")
	require.True(t, ok)
	require.Equal(t, DateTime, got)

	_, ok = FromPhysical("money")
	require.False(t, ok)
}

func TestArrayOfAndElement(t *testing.T) {
	t.Parallel()

	require.Equal(t, ArrayOfDate, ArrayOf(Date))
	require.Equal(t, ArrayOfDate, ArrayOf(ArrayOfDate))
	require.Equal(t, Date, ArrayOfDate.Element())
	require.Equal(t, Null, EmptyArray.Element())
	require.Equal(t, Number, Number.Element())
	require.True(t, EmptyArray.IsArray())
	require.False(t, Relation.IsArray())
	require.True(t, ArrayOfRelation.IsRelation())
}

func TestSelectBestType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		a, b    DataType
		want    DataType
		wantErr bool
	}{
		{"same", Number, Number, Number, false},
		{"null widens", Null, Date, Date, false},
		{"null widens right", Boolean, Null, Boolean, false},
		{"scalar fallback", Number, Boolean, String, false},
		{"date vs datetime", Date, DateTime, String, false},
		{"json vs string", JSON, String, String, false},
		{"empty array widens", EmptyArray, ArrayOfNumber, ArrayOfNumber, false},
		{"array element fallback", ArrayOfNumber, ArrayOfBoolean, ArrayOfString, false},
		{"null array vs empty", ArrayOfNull, EmptyArray, EmptyArray, false},
		{"scalar vs its array", Number, ArrayOfNumber, Null, true},
		{"string vs empty array", String, EmptyArray, Null, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := SelectBestType(tt.a, tt.b)
			if tt.wantErr {
				require.Error(t, err)
				require.True(t, errors.Is(err, ErrIncompatibleTypes))
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestSelectBestType_CommutativeAndAssociative(t *testing.T) {
	t.Parallel()

	all := All()
	for _, a := range all {
		for _, b := range all {
			ab, errAB := SelectBestType(a, b)
			ba, errBA := SelectBestType(b, a)
			require.Equal(t, errAB == nil, errBA == nil, "%v,%v", a, b)
			require.Equal(t, ab, ba, "%v,%v", a, b)

			for _, c := range all {
				left, errL := Fold(a, b, c)
				right, errR := Fold(c, b, a)
				require.Equal(t, errL == nil, errR == nil, "%v,%v,%v", a, b, c)
				require.Equal(t, left, right, "%v,%v,%v", a, b, c)
			}
		}
	}
}

// Widening never narrows: the result always accepts both inputs again.
func TestSelectBestType_NoNarrowing(t *testing.T) {
	t.Parallel()

	for _, a := range All() {
		for _, b := range All() {
			w, err := SelectBestType(a, b)
			if err != nil {
				continue
			}
			again, err := SelectBestType(w, a)
			require.NoError(t, err)
			require.Equal(t, w, again, "%v,%v", a, b)
		}
	}
}

func TestParse(t *testing.T) {
	t.Parallel()

	got, err := Parse("array_of_date_time")
	require.NoError(t, err)
	require.Equal(t, ArrayOfDateTime, got)

	_, err = Parse("nope")
	require.Error(t, err)

	var dt DataType
	require.NoError(t, dt.UnmarshalText([]byte("JSON")))
	require.Equal(t, JSON, dt)
	b, err := dt.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "JSON", string(b))
}
