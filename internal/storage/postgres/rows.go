package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"recordstore/internal/datatype"
	"recordstore/internal/record"
	"recordstore/internal/storage"
)

// maxParams stays below Postgres's 65535 bind parameter limit.
const maxParams = 60000

// Upsert writes rows in multi-row INSERT ... ON CONFLICT statements, chunked
// to stay under the parameter limit.
func (s *session) Upsert(ctx context.Context, batch storage.UpsertBatch) (int64, error) {
	if len(batch.Rows) == 0 {
		return 0, nil
	}
	per := maxParams / (len(batch.Columns) + 1)
	if per < 1 {
		per = 1
	}

	var total int64
	for start := 0; start < len(batch.Rows); start += per {
		end := start + per
		if end > len(batch.Rows) {
			end = len(batch.Rows)
		}
		chunk := batch
		chunk.Rows = batch.Rows[start:end]

		sql, args := buildUpsertSQL(chunk)
		tag, err := s.q.Exec(ctx, sql, args...)
		if err != nil {
			return total, fmt.Errorf("upsert %s: %w", batch.Table, classify(err))
		}
		total += tag.RowsAffected()
	}
	return total, nil
}

// buildUpsertSQL constructs a single upsert statement and its args.
//
// Every value binds as text (or text[] for lists) and is cast to the column's
// physical type in SQL. On a key conflict only the listed columns are
// updated; with no columns the statement only ensures the key exists.
//
// Constraints:
//   - every row must carry a value for every column in batch.Columns.
//   - batch.Schema must know every column.
func buildUpsertSQL(batch storage.UpsertBatch) (string, []any) {
	pk := batch.Schema.PrimaryKey

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(tableIdent(batch.Table))
	b.WriteString(" (")
	b.WriteString(pgIdent(pk))
	for _, c := range batch.Columns {
		b.WriteString(", ")
		b.WriteString(pgIdent(c))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(batch.Rows)*(len(batch.Columns)+1))
	p := 1
	for i, row := range batch.Rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(fmt.Sprintf("($%d", p))
		args = append(args, row.ID)
		p++
		for _, c := range batch.Columns {
			b.WriteString(", ")
			b.WriteString(castParam(p, batch.Schema.Columns[c]))
			args = append(args, storage.BindText(row.Values[c], batch.Schema.Columns[c]))
			p++
		}
		b.WriteString(")")
	}

	b.WriteString(" ON CONFLICT (")
	b.WriteString(pgIdent(pk))
	if len(batch.Columns) == 0 {
		b.WriteString(") DO NOTHING;")
		return b.String(), args
	}
	b.WriteString(") DO UPDATE SET ")
	for i, c := range batch.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
		b.WriteString(" = excluded.")
		b.WriteString(pgIdent(c))
	}
	b.WriteString(";")
	return b.String(), args
}

// castParam renders placeholder n cast from text to the column's physical type.
func castParam(n int, t datatype.DataType) string {
	phys := datatype.PhysicalType(t)
	switch {
	case phys == "text":
		return fmt.Sprintf("$%d::text", n)
	case phys == "text[]":
		return fmt.Sprintf("$%d::text[]", n)
	case t.IsArray():
		return fmt.Sprintf("$%d::text[]::%s", n, phys)
	default:
		return fmt.Sprintf("$%d::text::%s", n, phys)
	}
}

func (s *session) Delete(ctx context.Context, t storage.Table, schema storage.Snapshot, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	sql := fmt.Sprintf(`DELETE FROM %s WHERE %s = ANY($1::text[]);`, tableIdent(t), pgIdent(schema.PrimaryKey))
	tag, err := s.q.Exec(ctx, sql, ids)
	if err != nil {
		return 0, fmt.Errorf("delete from %s: %w", t, classify(err))
	}
	return tag.RowsAffected(), nil
}

func (s *session) InsertJoinRows(ctx context.Context, j storage.JoinSpec, rows []storage.JoinRow) error {
	const per = maxParams / 2
	for start := 0; start < len(rows); start += per {
		end := start + per
		if end > len(rows) {
			end = len(rows)
		}
		sql, args := buildJoinInsertSQL(j, rows[start:end])
		if _, err := s.q.Exec(ctx, sql, args...); err != nil {
			return fmt.Errorf("insert into %s: %w", j.Name(), classify(err))
		}
	}
	return nil
}

// buildJoinInsertSQL inserts join rows, ignoring ones already present.
func buildJoinInsertSQL(j storage.JoinSpec, rows []storage.JoinRow) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(joinIdent(j))
	b.WriteString(` ("from_key", "to_key") VALUES `)
	args := make([]any, 0, len(rows)*2)
	for i, r := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(fmt.Sprintf("($%d, $%d)", 2*i+1, 2*i+2))
		args = append(args, r.FromID, r.ToID)
	}
	b.WriteString(" ON CONFLICT DO NOTHING;")
	return b.String(), args
}

func (s *session) DeleteJoinRows(ctx context.Context, j storage.JoinSpec, fromIDs []string) error {
	if len(fromIDs) == 0 {
		return nil
	}
	sql := fmt.Sprintf(`DELETE FROM %s WHERE "from_key" = ANY($1::text[]);`, joinIdent(j))
	if _, err := s.q.Exec(ctx, sql, fromIDs); err != nil {
		return fmt.Errorf("delete from %s: %w", j.Name(), classify(err))
	}
	return nil
}

func (s *session) Count(ctx context.Context, t storage.Table) (int64, error) {
	var n int64
	if err := s.q.QueryRow(ctx, fmt.Sprintf(`SELECT count(*) FROM %s;`, tableIdent(t))).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", t, classify(err))
	}
	return n, nil
}

func (s *session) Get(ctx context.Context, t storage.Table, schema storage.Snapshot, id string) (record.Record, error) {
	sql := fmt.Sprintf(`SELECT row_to_json(t)::text FROM %s t WHERE t.%s = $1;`, tableIdent(t), pgIdent(schema.PrimaryKey))
	var raw string
	if err := s.q.QueryRow(ctx, sql, id).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return record.Record{}, fmt.Errorf("%s %s: %w", t.Type, id, storage.ErrNotFound)
		}
		return record.Record{}, fmt.Errorf("get %s/%s: %w", t, id, classify(err))
	}
	return storage.DecodeJSONRow(t.Type, schema, []byte(raw))
}

func (s *session) Query(ctx context.Context, spec storage.QuerySpec) (storage.QueryResult, error) {
	countSQL, selectSQL, args := buildQuerySQL(spec)

	var res storage.QueryResult
	if err := s.q.QueryRow(ctx, countSQL, args...).Scan(&res.Total); err != nil {
		return res, fmt.Errorf("query count %s: %w", spec.Table, classify(err))
	}
	err := s.scanJSON(ctx, selectSQL, args, func(raw []byte) error {
		r, err := storage.DecodeJSONRow(spec.Table.Type, spec.Schema, raw)
		if err != nil {
			return err
		}
		res.Records = append(res.Records, r)
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("query %s: %w", spec.Table, err)
	}
	return res, nil
}

// buildQuerySQL renders the count and page statements of a query. Both share
// args; LIMIT and OFFSET are inlined.
func buildQuerySQL(spec storage.QuerySpec) (countSQL, selectSQL string, args []any) {
	from := fmt.Sprintf(" FROM %s t", tableIdent(spec.Table))
	where := ""
	if f := spec.Filter; f != nil {
		where = fmt.Sprintf(" WHERE LOWER(t.%s) = LOWER($1)", pgIdent(f.Column))
		args = append(args, f.Value)
	}
	dir := "ASC"
	if spec.Descending {
		dir = "DESC"
	}
	countSQL = "SELECT count(*)" + from + where + ";"
	selectSQL = fmt.Sprintf("SELECT row_to_json(t)::text%s%s ORDER BY t.%s %s LIMIT %d OFFSET %d;",
		from, where, pgIdent(spec.Schema.PrimaryKey), dir, spec.Limit, spec.Offset)
	return countSQL, selectSQL, args
}

func (s *session) Scan(ctx context.Context, t storage.Table, schema storage.Snapshot, fn func(record.Record) error) error {
	sql := fmt.Sprintf(`SELECT row_to_json(t)::text FROM %s t ORDER BY t.%s;`, tableIdent(t), pgIdent(schema.PrimaryKey))
	err := s.scanJSON(ctx, sql, nil, func(raw []byte) error {
		r, err := storage.DecodeJSONRow(t.Type, schema, raw)
		if err != nil {
			return err
		}
		return fn(r)
	})
	if err != nil {
		return fmt.Errorf("scan %s: %w", t, err)
	}
	return nil
}

func (s *session) scanJSON(ctx context.Context, sql string, args []any, fn func([]byte) error) error {
	rows, err := s.q.Query(ctx, sql, args...)
	if err != nil {
		return classify(err)
	}
	defer rows.Close()
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return err
		}
		if err := fn([]byte(raw)); err != nil {
			return err
		}
	}
	return classify(rows.Err())
}
