package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"recordstore/internal/datatype"
	"recordstore/internal/record"
	"recordstore/internal/storage"
)

func (s *session) catalog(collection string) string {
	return s.d.Table(collection, CatalogTable)
}

func (s *session) tableExists(ctx context.Context, collection, name string) (bool, error) {
	q, args := s.d.TableExists(collection, name)
	var n int
	if err := s.c.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return false, fmt.Errorf("table exists %s.%s: %w", collection, name, s.d.Classify(err))
	}
	return n > 0, nil
}

func (s *session) SchemaExists(ctx context.Context, collection string) (bool, error) {
	return s.tableExists(ctx, collection, CatalogTable)
}

func (s *session) CreateSchema(ctx context.Context, collection string) error {
	ok, err := s.SchemaExists(ctx, collection)
	if err != nil || ok {
		return err
	}
	for _, stmt := range s.d.CreateSchema(collection) {
		if _, err := s.exec(ctx, stmt); err != nil {
			return fmt.Errorf("create schema %s: %w", collection, err)
		}
	}
	key := s.d.KeyType()
	ddl := fmt.Sprintf(`CREATE TABLE %s (table_name %s NOT NULL, column_name %s NOT NULL, data_type %s NOT NULL, related_type %s NULL, is_key INTEGER NOT NULL, PRIMARY KEY (table_name, column_name))`,
		s.catalog(collection), key, key, key, key)
	if _, err := s.exec(ctx, ddl); err != nil {
		return fmt.Errorf("create catalog %s: %w", collection, err)
	}
	return nil
}

// DeleteSchema drops every record type in dependency order, then the
// catalog and the namespace.
func (s *session) DeleteSchema(ctx context.Context, collection string) error {
	ok, err := s.SchemaExists(ctx, collection)
	if err != nil || !ok {
		return err
	}
	types, err := s.ListTables(ctx, collection)
	if err != nil {
		return err
	}
	refs, err := s.referencers(ctx, collection)
	if err != nil {
		return err
	}
	for _, rt := range dropOrder(types, refs) {
		t := storage.Table{Collection: collection, Type: rt}
		if err := s.dropTable(ctx, t); err != nil {
			return err
		}
	}
	if _, err := s.exec(ctx, fmt.Sprintf(`DROP TABLE %s`, s.catalog(collection))); err != nil {
		return fmt.Errorf("drop catalog %s: %w", collection, err)
	}
	for _, stmt := range s.d.DropSchema(collection) {
		if _, err := s.exec(ctx, stmt); err != nil {
			return fmt.Errorf("drop schema %s: %w", collection, err)
		}
	}
	return nil
}

// dropOrder sorts types so that every type is dropped before the types it
// references. Self references are ignored; cycles fall back to input order.
func dropOrder(types []record.RecordType, referencedBy map[record.RecordType]map[record.RecordType]bool) []record.RecordType {
	remaining := append([]record.RecordType(nil), types...)
	dropped := map[record.RecordType]bool{}
	var out []record.RecordType
	for len(remaining) > 0 {
		progressed := false
		next := remaining[:0]
		for _, rt := range remaining {
			blocked := false
			for from := range referencedBy[rt] {
				if from != rt && !dropped[from] {
					blocked = true
					break
				}
			}
			if blocked {
				next = append(next, rt)
				continue
			}
			out = append(out, rt)
			dropped[rt] = true
			progressed = true
		}
		remaining = next
		if !progressed {
			return append(out, remaining...)
		}
	}
	return out
}

// referencers maps each record type to the types holding references to it.
func (s *session) referencers(ctx context.Context, collection string) (map[record.RecordType]map[record.RecordType]bool, error) {
	q := fmt.Sprintf(`SELECT table_name, related_type FROM %s WHERE related_type IS NOT NULL`, s.catalog(collection))
	rows, err := s.c.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", collection, s.d.Classify(err))
	}
	defer rows.Close()

	out := map[record.RecordType]map[record.RecordType]bool{}
	for rows.Next() {
		var from, to string
		if err := rows.Scan(&from, &to); err != nil {
			return nil, err
		}
		set := out[record.RecordType(to)]
		if set == nil {
			set = map[record.RecordType]bool{}
			out[record.RecordType(to)] = set
		}
		set[record.RecordType(from)] = true
	}
	return out, s.d.Classify(rows.Err())
}

func (s *session) TableExists(ctx context.Context, t storage.Table) (bool, error) {
	return s.tableExists(ctx, t.Collection, string(t.Type))
}

func (s *session) ListTables(ctx context.Context, collection string) ([]record.RecordType, error) {
	q := fmt.Sprintf(`SELECT table_name FROM %s WHERE is_key = 1 ORDER BY table_name`, s.catalog(collection))
	rows, err := s.c.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list tables %s: %w", collection, s.d.Classify(err))
	}
	defer rows.Close()

	var out []record.RecordType
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, record.RecordType(name))
	}
	return out, s.d.Classify(rows.Err())
}

// CreateTable is a no-op when the table already exists.
func (s *session) CreateTable(ctx context.Context, spec storage.TableSpec) error {
	t := spec.Table
	ok, err := s.TableExists(ctx, t)
	if err != nil || ok {
		return err
	}
	pk := strings.TrimSpace(spec.PrimaryKey)
	if pk == "" {
		return fmt.Errorf("table %s: primary key is required", t)
	}

	defs := []string{fmt.Sprintf(`%s %s NOT NULL PRIMARY KEY`, s.d.Quote(pk), s.d.KeyType())}
	for _, c := range spec.Columns {
		def, err := s.columnDef(ctx, t, c, pk)
		if err != nil {
			return err
		}
		defs = append(defs, def)
	}
	ddl := fmt.Sprintf(`CREATE TABLE %s (%s)`, s.table(t), strings.Join(defs, ", "))
	if _, err := s.exec(ctx, ddl); err != nil {
		return fmt.Errorf("create table %s: %w", t, err)
	}

	if err := s.putCatalog(ctx, t, pk, datatype.String, "", true); err != nil {
		return err
	}
	for _, c := range spec.Columns {
		if err := s.putCatalog(ctx, t, c.Name, c.Type, c.References, false); err != nil {
			return err
		}
	}
	return nil
}

// DropTable refuses to drop a record type another type still references.
func (s *session) DropTable(ctx context.Context, t storage.Table) error {
	refs, err := s.referencers(ctx, t.Collection)
	if err != nil {
		return err
	}
	for from := range refs[t.Type] {
		if from != t.Type {
			return &storage.StorageError{
				Kind: storage.DependentObjects,
				Err:  fmt.Errorf("record type %s is referenced by %s", t.Type, from),
			}
		}
	}
	return s.dropTable(ctx, t)
}

func (s *session) dropTable(ctx context.Context, t storage.Table) error {
	snap, err := s.Columns(ctx, t)
	if err != nil {
		return err
	}
	for _, j := range snap.RelationArrays(t) {
		if _, err := s.exec(ctx, fmt.Sprintf(`DROP TABLE %s`, s.join(j))); err != nil && !storage.IsKind(err, storage.UndefinedTable) {
			return fmt.Errorf("drop join table %s: %w", j.Name(), err)
		}
	}
	if _, err := s.exec(ctx, fmt.Sprintf(`DROP TABLE %s`, s.table(t))); err != nil {
		return fmt.Errorf("drop table %s: %w", t, err)
	}
	q := fmt.Sprintf(`DELETE FROM %s WHERE table_name = %s`, s.catalog(t.Collection), s.d.Placeholder(1))
	if _, err := s.exec(ctx, q, string(t.Type)); err != nil {
		return fmt.Errorf("drop catalog entries %s: %w", t, err)
	}
	return nil
}

// AddColumn is a no-op for a column the catalog already knows. A duplicate
// column raised by the engine surfaces as a DuplicateColumn StorageError.
func (s *session) AddColumn(ctx context.Context, t storage.Table, col storage.ColumnSpec) error {
	snap, err := s.Columns(ctx, t)
	if err != nil {
		return err
	}
	if _, ok := snap.Columns[col.Name]; ok || col.Name == snap.PrimaryKey {
		return nil
	}
	def, err := s.columnDef(ctx, t, col, snap.PrimaryKey)
	if err != nil {
		return err
	}
	if _, err := s.exec(ctx, s.d.AddColumn(s.table(t), def)); err != nil {
		return fmt.Errorf("add column %s.%s: %w", t, col.Name, err)
	}
	return s.putCatalog(ctx, t, col.Name, col.Type, col.References, false)
}

// WidenColumn only rewrites the catalog: stored text is valid under any
// wider type.
func (s *session) WidenColumn(ctx context.Context, t storage.Table, column string, to datatype.DataType) error {
	q := fmt.Sprintf(`UPDATE %s SET data_type = %s WHERE table_name = %s AND column_name = %s`,
		s.catalog(t.Collection), s.d.Placeholder(1), s.d.Placeholder(2), s.d.Placeholder(3))
	res, err := s.exec(ctx, q, to.String(), string(t.Type), column)
	if err != nil {
		return fmt.Errorf("widen column %s.%s: %w", t, column, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("widen column %s.%s: %w", t, column, storage.TableNotFound(t))
	}
	return nil
}

func (s *session) Columns(ctx context.Context, t storage.Table) (storage.Snapshot, error) {
	q := fmt.Sprintf(`SELECT column_name, data_type, related_type, is_key FROM %s WHERE table_name = %s`,
		s.catalog(t.Collection), s.d.Placeholder(1))
	rows, err := s.c.QueryContext(ctx, q, string(t.Type))
	if err != nil {
		if storage.IsKind(s.d.Classify(err), storage.UndefinedTable) {
			return storage.Snapshot{}, storage.TableNotFound(t)
		}
		return storage.Snapshot{}, fmt.Errorf("columns %s: %w", t, s.d.Classify(err))
	}
	defer rows.Close()

	snap := storage.NewSnapshot("")
	for rows.Next() {
		var (
			name, typ string
			related   sql.NullString
			isKey     int
		)
		if err := rows.Scan(&name, &typ, &related, &isKey); err != nil {
			return storage.Snapshot{}, err
		}
		if isKey == 1 {
			snap.PrimaryKey = name
			continue
		}
		dt, err := datatype.Parse(typ)
		if err != nil {
			return storage.Snapshot{}, fmt.Errorf("columns %s.%s: %w", t, name, err)
		}
		snap.Columns[name] = dt
		if related.Valid && related.String != "" {
			snap.Relations[name] = record.RecordType(related.String)
		}
	}
	if err := rows.Err(); err != nil {
		return storage.Snapshot{}, s.d.Classify(err)
	}
	if snap.PrimaryKey == "" {
		return storage.Snapshot{}, storage.TableNotFound(t)
	}
	return snap, nil
}

func (s *session) CreateJoinTable(ctx context.Context, j storage.JoinSpec) error {
	ok, err := s.tableExists(ctx, j.From.Collection, j.Name())
	if err != nil || ok {
		return err
	}
	fromPK, err := s.primaryKey(ctx, j.From)
	if err != nil {
		return err
	}
	toPK, err := s.primaryKey(ctx, j.From.Sibling(j.To))
	if err != nil {
		return fmt.Errorf("join table %s: %w", j.Name(), err)
	}
	key := s.d.KeyType()
	ddl := fmt.Sprintf(`CREATE TABLE %s (from_key %s NOT NULL REFERENCES %s(%s) ON DELETE CASCADE, to_key %s NOT NULL REFERENCES %s(%s), PRIMARY KEY (from_key, to_key))`,
		s.join(j),
		key, s.table(j.From), s.d.Quote(fromPK),
		key, s.table(j.From.Sibling(j.To)), s.d.Quote(toPK))
	if _, err := s.exec(ctx, ddl); err != nil {
		return fmt.Errorf("create join table %s: %w", j.Name(), err)
	}
	return nil
}

func (s *session) primaryKey(ctx context.Context, t storage.Table) (string, error) {
	snap, err := s.Columns(ctx, t)
	if err != nil {
		return "", err
	}
	return snap.PrimaryKey, nil
}

// columnDef renders one nullable attribute column. Scalar relations carry a
// foreign key to the target's primary key; selfPK is used when a column
// references its own record type.
func (s *session) columnDef(ctx context.Context, t storage.Table, c storage.ColumnSpec, selfPK string) (string, error) {
	name := strings.TrimSpace(c.Name)
	if name == "" {
		return "", fmt.Errorf("table %s: column name must be set", t)
	}
	if c.Type != datatype.Relation || c.References == "" {
		return fmt.Sprintf(`%s %s NULL`, s.d.Quote(name), s.d.ColumnType(c.Type)), nil
	}
	target := t.Sibling(c.References)
	pk := selfPK
	if c.References != t.Type {
		var err error
		if pk, err = s.primaryKey(ctx, target); err != nil {
			return "", fmt.Errorf("column %s references %s: %w", name, c.References, err)
		}
	}
	return fmt.Sprintf(`%s %s NULL CONSTRAINT %s REFERENCES %s(%s)`,
		s.d.Quote(name), s.d.KeyType(),
		s.d.Quote("fk_"+string(t.Type)+"_"+name),
		s.table(target), s.d.Quote(pk)), nil
}

func (s *session) putCatalog(ctx context.Context, t storage.Table, column string, typ datatype.DataType, related record.RecordType, isKey bool) error {
	q := fmt.Sprintf(`INSERT INTO %s (table_name, column_name, data_type, related_type, is_key) VALUES (%s, %s, %s, %s, %s)`,
		s.catalog(t.Collection), s.d.Placeholder(1), s.d.Placeholder(2), s.d.Placeholder(3), s.d.Placeholder(4), s.d.Placeholder(5))
	var rel any
	if related != "" {
		rel = string(related)
	}
	key := 0
	if isKey {
		key = 1
	}
	if _, err := s.exec(ctx, q, string(t.Type), column, typ.String(), rel, key); err != nil {
		return fmt.Errorf("catalog %s.%s: %w", t, column, err)
	}
	return nil
}

func (s *session) table(t storage.Table) string {
	return s.d.Table(t.Collection, string(t.Type))
}

func (s *session) join(j storage.JoinSpec) string {
	return s.d.Table(j.From.Collection, j.Name())
}
