package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"recordstore/internal/datatype"
	"recordstore/internal/record"
	"recordstore/internal/storage"
)

func (s *session) Upsert(ctx context.Context, batch storage.UpsertBatch) (int64, error) {
	if len(batch.Rows) == 0 {
		return 0, nil
	}
	pk := batch.Schema.PrimaryKey
	cols := make([]string, len(batch.Columns))
	for i, c := range batch.Columns {
		cols[i] = s.d.Quote(c)
	}
	per := chunkSize(s.d.MaxParams(), len(cols)+1)

	var total int64
	for start := 0; start < len(batch.Rows); start += per {
		end := min(start+per, len(batch.Rows))
		rows := batch.Rows[start:end]

		args := make([]any, 0, len(rows)*(len(cols)+1))
		for _, r := range rows {
			args = append(args, r.ID)
			for _, c := range batch.Columns {
				args = append(args, textArg(r.Values[c], batch.Schema.Columns[c]))
			}
		}
		q := s.d.Upsert(s.table(batch.Table), s.d.Quote(pk), cols, len(rows))
		res, err := s.exec(ctx, q, args...)
		if err != nil {
			return total, fmt.Errorf("upsert %s: %w", batch.Table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func textArg(v record.Value, t datatype.DataType) any {
	if s, ok := storage.EncodeText(v, t); ok {
		return s
	}
	return nil
}

func chunkSize(maxParams, perRow int) int {
	if n := maxParams / perRow; n > 0 {
		return n
	}
	return 1
}

func (s *session) Delete(ctx context.Context, t storage.Table, schema storage.Snapshot, ids []string) (int64, error) {
	n, err := s.deleteIn(ctx, s.table(t), s.d.Quote(schema.PrimaryKey), ids)
	if err != nil {
		return n, fmt.Errorf("delete from %s: %w", t, err)
	}
	return n, nil
}

func (s *session) deleteIn(ctx context.Context, table, column string, ids []string) (int64, error) {
	var total int64
	per := chunkSize(s.d.MaxParams(), 1)
	for start := 0; start < len(ids); start += per {
		end := min(start+per, len(ids))
		chunk := ids[start:end]
		marks := make([]string, len(chunk))
		args := make([]any, len(chunk))
		for i, id := range chunk {
			marks[i] = s.d.Placeholder(i + 1)
			args[i] = id
		}
		q := fmt.Sprintf(`DELETE FROM %s WHERE %s IN (%s)`, table, column, strings.Join(marks, ", "))
		res, err := s.exec(ctx, q, args...)
		if err != nil {
			return total, err
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func (s *session) InsertJoinRows(ctx context.Context, j storage.JoinSpec, rows []storage.JoinRow) error {
	per := chunkSize(s.d.MaxParams(), 2)
	for start := 0; start < len(rows); start += per {
		end := min(start+per, len(rows))
		chunk := rows[start:end]
		args := make([]any, 0, 2*len(chunk))
		for _, r := range chunk {
			args = append(args, r.FromID, r.ToID)
		}
		q := s.d.InsertIgnore(s.join(j), []string{"from_key", "to_key"}, len(chunk))
		if _, err := s.exec(ctx, q, args...); err != nil {
			return fmt.Errorf("insert into %s: %w", j.Name(), err)
		}
	}
	return nil
}

func (s *session) DeleteJoinRows(ctx context.Context, j storage.JoinSpec, fromIDs []string) error {
	if _, err := s.deleteIn(ctx, s.join(j), "from_key", fromIDs); err != nil {
		return fmt.Errorf("delete from %s: %w", j.Name(), err)
	}
	return nil
}

func (s *session) Count(ctx context.Context, t storage.Table) (int64, error) {
	var n int64
	if err := s.c.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.table(t))).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", t, s.d.Classify(err))
	}
	return n, nil
}

// selectList renders the key column followed by the schema's columns in
// ColumnNames order.
func (s *session) selectList(schema storage.Snapshot) string {
	parts := []string{s.d.Quote(schema.PrimaryKey)}
	for _, c := range schema.ColumnNames() {
		parts = append(parts, s.d.Quote(c))
	}
	return strings.Join(parts, ", ")
}

func (s *session) Get(ctx context.Context, t storage.Table, schema storage.Snapshot, id string) (record.Record, error) {
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE %s = %s`,
		s.selectList(schema), s.table(t), s.d.Quote(schema.PrimaryKey), s.d.Placeholder(1))
	rows, err := s.c.QueryContext(ctx, q, id)
	if err != nil {
		return record.Record{}, fmt.Errorf("get %s/%s: %w", t, id, s.d.Classify(err))
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return record.Record{}, s.d.Classify(err)
		}
		return record.Record{}, fmt.Errorf("%s %s: %w", t.Type, id, storage.ErrNotFound)
	}
	return scanRecord(rows, t.Type, schema)
}

func (s *session) Query(ctx context.Context, spec storage.QuerySpec) (storage.QueryResult, error) {
	where := ""
	var args []any
	if f := spec.Filter; f != nil {
		where = fmt.Sprintf(` WHERE LOWER(%s) = LOWER(%s)`, s.d.Quote(f.Column), s.d.Placeholder(1))
		args = append(args, f.Value)
	}
	from := " FROM " + s.table(spec.Table)

	var res storage.QueryResult
	if err := s.c.QueryRowContext(ctx, "SELECT COUNT(*)"+from+where, args...).Scan(&res.Total); err != nil {
		return res, fmt.Errorf("query count %s: %w", spec.Table, s.d.Classify(err))
	}

	order := s.d.Quote(spec.Schema.PrimaryKey) + " ASC"
	if spec.Descending {
		order = s.d.Quote(spec.Schema.PrimaryKey) + " DESC"
	}
	q := s.d.Page("SELECT "+s.selectList(spec.Schema)+from+where, order, spec.Limit, spec.Offset)
	err := s.scanAll(ctx, q, args, spec.Table.Type, spec.Schema, func(r record.Record) error {
		res.Records = append(res.Records, r)
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("query %s: %w", spec.Table, err)
	}
	return res, nil
}

func (s *session) Scan(ctx context.Context, t storage.Table, schema storage.Snapshot, fn func(record.Record) error) error {
	q := fmt.Sprintf(`SELECT %s FROM %s ORDER BY %s`, s.selectList(schema), s.table(t), s.d.Quote(schema.PrimaryKey))
	if err := s.scanAll(ctx, q, nil, t.Type, schema, fn); err != nil {
		return fmt.Errorf("scan %s: %w", t, err)
	}
	return nil
}

func (s *session) scanAll(ctx context.Context, q string, args []any, rt record.RecordType, schema storage.Snapshot, fn func(record.Record) error) error {
	rows, err := s.c.QueryContext(ctx, q, args...)
	if err != nil {
		return s.d.Classify(err)
	}
	defer rows.Close()
	for rows.Next() {
		r, err := scanRecord(rows, rt, schema)
		if err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return s.d.Classify(rows.Err())
}

// scanRecord decodes the current row of a selectList query.
func scanRecord(rows *sql.Rows, rt record.RecordType, schema storage.Snapshot) (record.Record, error) {
	names := schema.ColumnNames()
	cells := make([]sql.NullString, len(names)+1)
	dest := make([]any, len(cells))
	for i := range cells {
		dest[i] = &cells[i]
	}
	if err := rows.Scan(dest...); err != nil {
		return record.Record{}, err
	}
	if !cells[0].Valid {
		return record.Record{}, errors.New("row without key")
	}
	out := record.New(rt, cells[0].String)
	for i, name := range names {
		cell := cells[i+1]
		if !cell.Valid {
			out.Attributes[name] = record.Null()
			continue
		}
		v, err := storage.DecodeText(cell.String, schema.Columns[name], schema.Relations[name])
		if err != nil {
			return record.Record{}, fmt.Errorf("decode %s.%s: %w", out.ID, name, err)
		}
		out.Attributes[name] = v
	}
	return out, nil
}
