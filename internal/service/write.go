package service

import (
	"context"
	"io"
	"time"

	"go.uber.org/zap"

	"recordstore/internal/batchwrite"
	"recordstore/internal/parser/json"
	"recordstore/internal/parser/pfb"
	"recordstore/internal/parser/tsv"
	"recordstore/internal/record"
	"recordstore/internal/storage"
)

// WriteStream drains src into the collection in one transaction and closes
// it. rt is the type of records that name none; pk is the key column of
// types created by this stream and may be empty.
//
// When rt already exists, a non-empty pk must equal its key column.
func (s *Service) WriteStream(ctx context.Context, collection string, src record.Source, rt record.RecordType, pk string) (record.WriteResult, error) {
	defer src.Close()

	var res record.WriteResult
	start := time.Now()
	err := s.gw.WithTx(ctx, func(sess storage.Session) error {
		key, err := resolveKey(ctx, sess, collection, rt, pk)
		if err != nil {
			return err
		}
		res, err = s.writer.Write(ctx, sess, src, batchwrite.WriteOptions{
			Collection: collection,
			RecordType: rt,
			PrimaryKey: key,
		})
		return err
	})
	s.observe("write_stream", start, err, zap.String("collection", collection), zap.String("type", string(rt)))
	if err != nil {
		return res, err
	}
	s.log.Info("records written",
		zap.String("collection", collection),
		zap.String("type", string(rt)),
		zap.Int("records", res.Total()),
	)
	return res, nil
}

// ImportJSON writes a JSON array of {operation, record} items.
func (s *Service) ImportJSON(ctx context.Context, collection string, rt record.RecordType, pk string, rc io.ReadCloser) (record.WriteResult, error) {
	src, err := json.NewSource(rc, rt)
	if err != nil {
		return nil, err
	}
	return s.WriteStream(ctx, collection, src, rt, pk)
}

// ImportTSV replaces records of rt with the rows of a TSV upload. An
// existing type keeps its key column; a new type is keyed on pk or, when pk
// is empty, on the leftmost column.
func (s *Service) ImportTSV(ctx context.Context, collection string, rt record.RecordType, pk string, rc io.ReadCloser) (record.WriteResult, error) {
	if err := record.ValidateRecordType(rt); err != nil {
		_ = rc.Close()
		return nil, err
	}
	var key string
	err := s.gw.WithTx(ctx, func(sess storage.Session) error {
		var err error
		key, err = resolveKey(ctx, sess, collection, rt, pk)
		return err
	})
	if err != nil {
		_ = rc.Close()
		return nil, err
	}
	src, err := tsv.NewSource(rc, rt, key)
	if err != nil {
		return nil, err
	}
	return s.WriteStream(ctx, collection, src, rt, src.PrimaryKey())
}

// ImportPFB loads a PFB file in two passes within one transaction: entity
// attributes first, then relations, so every relation target exists when it
// is referenced. open is called once per pass.
func (s *Service) ImportPFB(ctx context.Context, collection string, open func() (io.ReadCloser, error)) (record.WriteResult, error) {
	total := record.WriteResult{}
	start := time.Now()
	err := s.gw.WithTx(ctx, func(sess storage.Session) error {
		if err := requireCollection(ctx, sess, collection); err != nil {
			return err
		}
		for _, pass := range []pfb.Pass{pfb.BasePass, pfb.RelationsPass} {
			rc, err := open()
			if err != nil {
				return err
			}
			src, err := pfb.NewSource(rc, pass)
			if err != nil {
				return err
			}
			res, err := s.writer.Write(ctx, sess, src, batchwrite.WriteOptions{Collection: collection})
			_ = src.Close()
			if err != nil {
				return err
			}
			s.log.Debug("pfb pass done", zap.Stringer("pass", pass), zap.Int("records", res.Total()))
			if pass == pfb.BasePass {
				for t, n := range res {
					total.Add(t, n)
				}
			}
		}
		return nil
	})
	s.observe("import_pfb", start, err, zap.String("collection", collection))
	if err != nil {
		return total, err
	}
	s.log.Info("pfb imported", zap.String("collection", collection), zap.Int("records", total.Total()))
	return total, nil
}

// resolveKey returns the key column for writes of rt: the existing one when
// the type exists, pk otherwise.
func resolveKey(ctx context.Context, sess storage.Session, collection string, rt record.RecordType, pk string) (string, error) {
	if err := requireCollection(ctx, sess, collection); err != nil {
		return "", err
	}
	if rt == "" {
		return pk, nil
	}
	if err := record.ValidateRecordType(rt); err != nil {
		return "", err
	}
	t := storage.Table{Collection: collection, Type: rt}
	ok, err := sess.TableExists(ctx, t)
	if err != nil || !ok {
		return pk, err
	}
	schema, err := sess.Columns(ctx, t)
	if err != nil {
		return "", err
	}
	if pk != "" && pk != schema.PrimaryKey {
		return "", &PrimaryKeyMismatchError{Type: rt, Existing: schema.PrimaryKey, Given: pk}
	}
	return schema.PrimaryKey, nil
}
