package postgres

import (
	"context"
	"fmt"
	"strings"

	"recordstore/internal/datatype"
	"recordstore/internal/record"
	"recordstore/internal/storage"
)

// commentPrefix marks the logical type stored in a column comment.
const commentPrefix = "recordstore:"

func (s *session) SchemaExists(ctx context.Context, collection string) (bool, error) {
	var ok bool
	err := s.q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.schemata WHERE schema_name = $1)`,
		collection).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("schema exists %s: %w", collection, classify(err))
	}
	return ok, nil
}

func (s *session) CreateSchema(ctx context.Context, collection string) error {
	if _, err := s.q.Exec(ctx, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s;`, pgIdent(collection))); err != nil {
		return fmt.Errorf("create schema %s: %w", collection, classify(err))
	}
	return nil
}

func (s *session) DeleteSchema(ctx context.Context, collection string) error {
	if _, err := s.q.Exec(ctx, fmt.Sprintf(`DROP SCHEMA IF EXISTS %s CASCADE;`, pgIdent(collection))); err != nil {
		return fmt.Errorf("delete schema %s: %w", collection, classify(err))
	}
	return nil
}

func (s *session) TableExists(ctx context.Context, t storage.Table) (bool, error) {
	return s.tableExists(ctx, t.Collection, string(t.Type))
}

func (s *session) tableExists(ctx context.Context, schema, name string) (bool, error) {
	var ok bool
	err := s.q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = $1 AND table_name = $2)`,
		schema, name).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("table exists %s.%s: %w", schema, name, classify(err))
	}
	return ok, nil
}

func (s *session) ListTables(ctx context.Context, collection string) ([]record.RecordType, error) {
	rows, err := s.q.Query(ctx,
		`SELECT table_name FROM information_schema.tables
		 WHERE table_schema = $1 AND table_type = 'BASE TABLE'
		 ORDER BY table_name`, collection)
	if err != nil {
		return nil, fmt.Errorf("list tables %s: %w", collection, classify(err))
	}
	defer rows.Close()

	var out []record.RecordType
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		if storage.IsJoinTable(name) {
			continue
		}
		out = append(out, record.RecordType(name))
	}
	return out, classify(rows.Err())
}

// CreateTable creates the record type table with its primary key and
// initial columns, then records each column's logical type.
func (s *session) CreateTable(ctx context.Context, spec storage.TableSpec) error {
	refs, err := s.referencedKeys(ctx, spec.Table, spec.Columns)
	if err != nil {
		return err
	}
	if _, ok := refs[spec.Table.Type]; ok {
		refs[spec.Table.Type] = spec.PrimaryKey
	}
	sql, err := buildCreateTableSQL(spec, refs)
	if err != nil {
		return err
	}
	if _, err := s.q.Exec(ctx, sql); err != nil {
		return fmt.Errorf("create table %s: %w", spec.Table, classify(err))
	}
	for _, c := range spec.Columns {
		if err := s.commentColumn(ctx, spec.Table, c.Name, c.Type); err != nil {
			return err
		}
	}
	return nil
}

// DropTable drops the table's own join tables first; a table still
// referenced by another record type fails with DependentObjects.
func (s *session) DropTable(ctx context.Context, t storage.Table) error {
	snap, err := s.Columns(ctx, t)
	if err != nil {
		return err
	}
	for _, j := range snap.RelationArrays(t) {
		if _, err := s.q.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s;`, joinIdent(j))); err != nil {
			return fmt.Errorf("drop join table %s: %w", j.Name(), classify(err))
		}
	}
	if _, err := s.q.Exec(ctx, fmt.Sprintf(`DROP TABLE %s;`, tableIdent(t))); err != nil {
		return fmt.Errorf("drop table %s: %w", t, classify(err))
	}
	return nil
}

func (s *session) AddColumn(ctx context.Context, t storage.Table, col storage.ColumnSpec) error {
	refs, err := s.referencedKeys(ctx, t, []storage.ColumnSpec{col})
	if err != nil {
		return err
	}
	def, err := buildColumnDef(t, col, refs)
	if err != nil {
		return err
	}
	sql := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s;`, tableIdent(t), def)
	if _, err := s.q.Exec(ctx, sql); err != nil {
		return fmt.Errorf("add column %s.%s: %w", t, col.Name, classify(err))
	}
	return s.commentColumn(ctx, t, col.Name, col.Type)
}

func (s *session) WidenColumn(ctx context.Context, t storage.Table, column string, to datatype.DataType) error {
	if _, err := s.q.Exec(ctx, buildWidenSQL(t, column, to)); err != nil {
		return fmt.Errorf("widen column %s.%s to %v: %w", t, column, to, classify(err))
	}
	return s.commentColumn(ctx, t, column, to)
}

// Columns reads back the table's schema: logical types from column comments
// (falling back to the physical type), the primary key, scalar relation
// targets from foreign keys and relation-array targets from join tables.
func (s *session) Columns(ctx context.Context, t storage.Table) (storage.Snapshot, error) {
	pk, err := s.primaryKey(ctx, t)
	if err != nil {
		return storage.Snapshot{}, err
	}
	snap := storage.NewSnapshot(pk)

	rows, err := s.q.Query(ctx,
		`SELECT a.attname, format_type(a.atttypid, a.atttypmod), coalesce(col_description(a.attrelid, a.attnum), '')
		 FROM pg_attribute a
		 WHERE a.attrelid = to_regclass($1) AND a.attnum > 0 AND NOT a.attisdropped
		 ORDER BY a.attnum`, tableIdent(t))
	if err != nil {
		return storage.Snapshot{}, fmt.Errorf("columns %s: %w", t, classify(err))
	}
	defer rows.Close()
	for rows.Next() {
		var name, physical, comment string
		if err := rows.Scan(&name, &physical, &comment); err != nil {
			return storage.Snapshot{}, err
		}
		if name == pk {
			continue
		}
		snap.Columns[name] = logicalType(physical, comment)
	}
	if err := rows.Err(); err != nil {
		return storage.Snapshot{}, classify(err)
	}

	fks, err := s.foreignKeys(ctx, t.Collection, string(t.Type))
	if err != nil {
		return storage.Snapshot{}, err
	}
	for col, target := range fks {
		if _, ok := snap.Columns[col]; ok {
			snap.Columns[col] = datatype.Relation
			snap.Relations[col] = target
		}
	}

	for col, typ := range snap.Columns {
		if !typ.IsArray() || datatype.PhysicalType(typ) != "text[]" {
			continue
		}
		j := storage.JoinSpec{From: t, Column: col}
		joinFKs, err := s.foreignKeys(ctx, t.Collection, j.Name())
		if err != nil {
			return storage.Snapshot{}, err
		}
		if target, ok := joinFKs["to_key"]; ok {
			snap.Columns[col] = datatype.ArrayOfRelation
			snap.Relations[col] = target
		}
	}
	return snap, nil
}

func (s *session) CreateJoinTable(ctx context.Context, j storage.JoinSpec) error {
	fromPK, err := s.primaryKey(ctx, j.From)
	if err != nil {
		return err
	}
	toPK, err := s.primaryKey(ctx, j.From.Sibling(j.To))
	if err != nil {
		return fmt.Errorf("join table %s: %w", j.Name(), err)
	}
	if _, err := s.q.Exec(ctx, buildJoinTableSQL(j, fromPK, toPK)); err != nil {
		return fmt.Errorf("create join table %s: %w", j.Name(), classify(err))
	}
	return nil
}

// primaryKey returns the primary key column of a table, or an UndefinedTable
// error when the table does not exist.
func (s *session) primaryKey(ctx context.Context, t storage.Table) (string, error) {
	rows, err := s.q.Query(ctx,
		`SELECT kcu.column_name
		 FROM information_schema.table_constraints tc
		 JOIN information_schema.key_column_usage kcu
		   ON tc.constraint_name = kcu.constraint_name
		  AND tc.table_schema = kcu.table_schema
		  AND tc.table_name = kcu.table_name
		 WHERE tc.constraint_type = 'PRIMARY KEY' AND tc.table_schema = $1 AND tc.table_name = $2`,
		t.Collection, string(t.Type))
	if err != nil {
		return "", fmt.Errorf("primary key %s: %w", t, classify(err))
	}
	defer rows.Close()

	pk := ""
	for rows.Next() {
		if err := rows.Scan(&pk); err != nil {
			return "", err
		}
	}
	if err := rows.Err(); err != nil {
		return "", classify(err)
	}
	if pk == "" {
		return "", storage.TableNotFound(t)
	}
	return pk, nil
}

// foreignKeys maps each foreign-key column of a table to the table it references.
func (s *session) foreignKeys(ctx context.Context, schema, table string) (map[string]record.RecordType, error) {
	rows, err := s.q.Query(ctx,
		`SELECT kcu.column_name, ccu.table_name
		 FROM information_schema.table_constraints tc
		 JOIN information_schema.key_column_usage kcu
		   ON tc.constraint_name = kcu.constraint_name
		  AND tc.table_schema = kcu.table_schema
		 JOIN information_schema.constraint_column_usage ccu
		   ON ccu.constraint_name = tc.constraint_name
		  AND ccu.table_schema = tc.table_schema
		 WHERE tc.constraint_type = 'FOREIGN KEY' AND tc.table_schema = $1 AND tc.table_name = $2`,
		schema, table)
	if err != nil {
		return nil, fmt.Errorf("foreign keys %s.%s: %w", schema, table, classify(err))
	}
	defer rows.Close()

	out := map[string]record.RecordType{}
	for rows.Next() {
		var col, target string
		if err := rows.Scan(&col, &target); err != nil {
			return nil, err
		}
		out[col] = record.RecordType(target)
	}
	return out, classify(rows.Err())
}

// referencedKeys resolves the primary key column of every relation target
// named by cols.
func (s *session) referencedKeys(ctx context.Context, t storage.Table, cols []storage.ColumnSpec) (map[record.RecordType]string, error) {
	out := map[record.RecordType]string{}
	for _, c := range cols {
		if c.Type != datatype.Relation || c.References == "" {
			continue
		}
		if _, ok := out[c.References]; ok {
			continue
		}
		if c.References == t.Type {
			// resolved by the caller when the table is being created
			out[c.References] = ""
			exists, err := s.TableExists(ctx, t)
			if err != nil {
				return nil, err
			}
			if !exists {
				continue
			}
		}
		pk, err := s.primaryKey(ctx, t.Sibling(c.References))
		if err != nil {
			return nil, fmt.Errorf("column %s references %s: %w", c.Name, c.References, err)
		}
		out[c.References] = pk
	}
	return out, nil
}

func (s *session) commentColumn(ctx context.Context, t storage.Table, column string, typ datatype.DataType) error {
	sql := fmt.Sprintf(`COMMENT ON COLUMN %s.%s IS %s;`, tableIdent(t), pgIdent(column), pgLiteral(commentPrefix+typ.String()))
	if _, err := s.q.Exec(ctx, sql); err != nil {
		return fmt.Errorf("comment column %s.%s: %w", t, column, classify(err))
	}
	return nil
}

// logicalType prefers the comment written at DDL time; columns created
// outside this service fall back to their physical type.
func logicalType(physical, comment string) datatype.DataType {
	if strings.HasPrefix(comment, commentPrefix) {
		if t, err := datatype.Parse(strings.TrimPrefix(comment, commentPrefix)); err == nil {
			return t
		}
	}
	if t, ok := datatype.FromPhysical(physical); ok {
		return t
	}
	return datatype.String
}

// buildCreateTableSQL renders CREATE TABLE for a record type.
//
// refs maps relation targets to their primary key column; every RELATION
// column with References set must have an entry.
func buildCreateTableSQL(spec storage.TableSpec, refs map[record.RecordType]string) (string, error) {
	if strings.TrimSpace(string(spec.Table.Type)) == "" {
		return "", fmt.Errorf("table name is empty")
	}
	pk := strings.TrimSpace(spec.PrimaryKey)
	if pk == "" {
		return "", fmt.Errorf("table %s: primary key is required", spec.Table)
	}

	cols := make([]string, 0, len(spec.Columns)+1)
	cols = append(cols, fmt.Sprintf(`%s text PRIMARY KEY`, pgIdent(pk)))
	for _, c := range spec.Columns {
		def, err := buildColumnDef(spec.Table, c, refs)
		if err != nil {
			return "", fmt.Errorf("table %s: %w", spec.Table, err)
		}
		cols = append(cols, def)
	}
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s);`, tableIdent(spec.Table), strings.Join(cols, ", ")), nil
}

// buildColumnDef renders a single nullable column definition. Scalar
// relations carry an inline foreign key named fk_<column>.
func buildColumnDef(t storage.Table, c storage.ColumnSpec, refs map[record.RecordType]string) (string, error) {
	name := strings.TrimSpace(c.Name)
	if name == "" {
		return "", fmt.Errorf("column name must be set")
	}

	var b strings.Builder
	b.WriteString(pgIdent(name))
	b.WriteString(" ")
	b.WriteString(datatype.PhysicalType(c.Type))

	if c.Type == datatype.Relation && c.References != "" {
		pk, ok := refs[c.References]
		if !ok {
			return "", fmt.Errorf("column %s: no primary key known for %s", name, c.References)
		}
		b.WriteString(" CONSTRAINT ")
		b.WriteString(pgIdent("fk_" + name))
		b.WriteString(" REFERENCES ")
		b.WriteString(tableIdent(t.Sibling(c.References)))
		b.WriteString("(")
		b.WriteString(pgIdent(pk))
		b.WriteString(")")
	}
	return b.String(), nil
}

// buildWidenSQL changes a column's physical type, converting existing values
// with a direct cast.
func buildWidenSQL(t storage.Table, column string, to datatype.DataType) string {
	phys := datatype.PhysicalType(to)
	return fmt.Sprintf(`ALTER TABLE %s ALTER COLUMN %s TYPE %s USING %s::%s;`,
		tableIdent(t), pgIdent(column), phys, pgIdent(column), phys)
}

// buildJoinTableSQL renders the join table of a relation-array column. Rows
// follow their source record on delete.
func buildJoinTableSQL(j storage.JoinSpec, fromPK, toPK string) string {
	return fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (`+
			`"from_key" text NOT NULL REFERENCES %s(%s) ON DELETE CASCADE, `+
			`"to_key" text NOT NULL REFERENCES %s(%s), `+
			`PRIMARY KEY ("from_key", "to_key"));`,
		joinIdent(j),
		tableIdent(j.From), pgIdent(fromPK),
		tableIdent(j.From.Sibling(j.To)), pgIdent(toPK),
	)
}

// pgIdent double-quotes an identifier, escaping embedded quotes.
func pgIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// pgLiteral single-quotes a string literal for DDL statements that cannot
// take parameters.
func pgLiteral(s string) string {
	return `'` + strings.ReplaceAll(s, `'`, `''`) + `'`
}

func tableIdent(t storage.Table) string {
	return pgIdent(t.Collection) + "." + pgIdent(string(t.Type))
}

func joinIdent(j storage.JoinSpec) string {
	return pgIdent(j.From.Collection) + "." + pgIdent(j.Name())
}
