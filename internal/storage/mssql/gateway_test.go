package mssql

import (
	"errors"
	"fmt"
	"testing"

	mssql "github.com/microsoft/go-mssqldb"

	"recordstore/internal/datatype"
	"recordstore/internal/storage"
)

func TestDialect_UpsertMerge(t *testing.T) {
	t.Parallel()

	d := Dialect{}
	got := d.Upsert("[c].[person]", "[sys_name]", []string{"[age]", "[name]"}, 2)
	want := "MERGE INTO [c].[person] WITH (HOLDLOCK) AS tgt USING (VALUES (@p1, @p2, @p3), (@p4, @p5, @p6)) AS src ([sys_name], [age], [name])" +
		" ON tgt.[sys_name] = src.[sys_name]" +
		" WHEN MATCHED THEN UPDATE SET tgt.[age] = src.[age], tgt.[name] = src.[name]" +
		" WHEN NOT MATCHED THEN INSERT ([sys_name], [age], [name]) VALUES (src.[sys_name], src.[age], src.[name]);"
	if got != want {
		t.Fatalf("Upsert mismatch\n got: %s\nwant: %s", got, want)
	}

	keyOnly := d.Upsert("[c].[file]", "[sys_name]", nil, 1)
	want = "MERGE INTO [c].[file] WITH (HOLDLOCK) AS tgt USING (VALUES (@p1)) AS src ([sys_name]) ON tgt.[sys_name] = src.[sys_name]" +
		" WHEN NOT MATCHED THEN INSERT ([sys_name]) VALUES (src.[sys_name]);"
	if keyOnly != want {
		t.Fatalf("key-only Upsert mismatch\n got: %s\nwant: %s", keyOnly, want)
	}
}

func TestDialect_InsertIgnore(t *testing.T) {
	t.Parallel()

	got := Dialect{}.InsertIgnore("[c].[sys_sample_files]", []string{"from_key", "to_key"}, 2)
	want := "INSERT INTO [c].[sys_sample_files] (from_key, to_key) SELECT DISTINCT src.from_key, src.to_key" +
		" FROM (VALUES (@p1, @p2), (@p3, @p4)) AS src (from_key, to_key)" +
		" WHERE NOT EXISTS (SELECT 1 FROM [c].[sys_sample_files] AS tgt WHERE tgt.from_key = src.from_key AND tgt.to_key = src.to_key)"
	if got != want {
		t.Fatalf("InsertIgnore mismatch\n got: %s\nwant: %s", got, want)
	}
}

func TestDialect_SchemaAndPaging(t *testing.T) {
	t.Parallel()

	d := Dialect{}
	if got := d.CreateSchema("o'k]"); len(got) != 1 || got[0] != "IF SCHEMA_ID(N'o''k]') IS NULL EXEC(N'CREATE SCHEMA [o''k]]]')" {
		t.Fatalf("CreateSchema: %v", got)
	}
	if got := d.Table("c", "a]b"); got != "[c].[a]]b]" {
		t.Fatalf("Table: %s", got)
	}
	if got := d.Page("SELECT 1", "[id] ASC", 10, 20); got != "SELECT 1 ORDER BY [id] ASC OFFSET 20 ROWS FETCH NEXT 10 ROWS ONLY" {
		t.Fatalf("Page: %s", got)
	}
	if d.ColumnType(datatype.Relation) != keyType || d.ColumnType(datatype.ArrayOfRelation) != "NVARCHAR(MAX)" {
		t.Fatalf("unexpected column types")
	}
	if d.Placeholder(7) != "@p7" {
		t.Fatalf("Placeholder: %s", d.Placeholder(7))
	}
}

func TestDialect_Classify(t *testing.T) {
	t.Parallel()

	d := Dialect{}
	if d.Classify(nil) != nil {
		t.Fatalf("nil must stay nil")
	}
	plain := errors.New("dial tcp: refused")
	if d.Classify(plain) != plain {
		t.Fatalf("non-driver errors must pass through")
	}

	cases := []struct {
		number int32
		kind   storage.ErrorKind
	}{
		{2627, storage.UniqueViolation},
		{547, storage.ForeignKeyViolation},
		{8114, storage.TypeMismatch},
		{208, storage.UndefinedTable},
		{3726, storage.DependentObjects},
		{2705, storage.DuplicateColumn},
		{1205, storage.Other},
	}
	for _, tc := range cases {
		err := d.Classify(fmt.Errorf("exec: %w", mssql.Error{Number: tc.number, Message: "x"}))
		if got := storage.KindOf(err); got != tc.kind {
			t.Fatalf("number %d: got kind %v, want %v", tc.number, got, tc.kind)
		}
	}
}
