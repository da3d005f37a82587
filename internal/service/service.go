// Package service is the entry point for everything a caller does with a
// collection: creating it, streaming records into it and reading them back.
// Each call runs in its own storage transaction.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"recordstore/internal/batchwrite"
	"recordstore/internal/lock"
	"recordstore/internal/metrics"
	"recordstore/internal/record"
	"recordstore/internal/storage"
)

var (
	ErrCollectionNotFound = errors.New("collection does not exist")
	ErrRecordTypeNotFound = errors.New("record type does not exist")
	ErrRecordTypeInUse    = errors.New("record type is referenced by another record type")
	ErrInvalidRequest     = errors.New("invalid request")
)

// PrimaryKeyMismatchError is returned when an import names a key column
// other than the one the record type already uses.
type PrimaryKeyMismatchError struct {
	Type     record.RecordType
	Existing string
	Given    string
}

func (e *PrimaryKeyMismatchError) Error() string {
	return fmt.Sprintf("record type %s uses primary key %q, not %q", e.Type, e.Existing, e.Given)
}

// Options configures a Service. Zero values select a no-op logger, an
// in-process lock and the default batch size.
type Options struct {
	Logger         *zap.Logger
	Locker         lock.Locker
	BatchSize      int
	EagerReconcile bool
}

type Service struct {
	gw     storage.Gateway
	log    *zap.Logger
	locker lock.Locker
	writer *batchwrite.Writer
}

func New(gw storage.Gateway, opts Options) *Service {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	locker := opts.Locker
	if locker == nil {
		locker = lock.NewLocal()
	}
	return &Service{
		gw:     gw,
		log:    log,
		locker: locker,
		writer: &batchwrite.Writer{
			Logger:         zap.NewStdLog(log.Named("batchwrite")),
			BatchSize:      opts.BatchSize,
			EagerReconcile: opts.EagerReconcile,
		},
	}
}

// CreateCollection creates the namespace for a collection and returns its
// id. An empty id generates a random UUID. Creating an existing collection
// succeeds and leaves it unchanged.
func (s *Service) CreateCollection(ctx context.Context, id string) (string, error) {
	if id == "" {
		id = uuid.NewString()
	} else if err := record.ValidateName("collection", id); err != nil {
		return "", err
	}
	err := s.locked(ctx, id, func() error {
		return s.gw.WithTx(ctx, func(sess storage.Session) error {
			return sess.CreateSchema(ctx, id)
		})
	})
	if err != nil {
		return "", fmt.Errorf("create collection %s: %w", id, err)
	}
	s.log.Info("collection ready", zap.String("collection", id))
	return id, nil
}

// DeleteCollection drops a collection with every record type in it.
func (s *Service) DeleteCollection(ctx context.Context, id string) error {
	err := s.locked(ctx, id, func() error {
		return s.gw.WithTx(ctx, func(sess storage.Session) error {
			if err := requireCollection(ctx, sess, id); err != nil {
				return err
			}
			return sess.DeleteSchema(ctx, id)
		})
	})
	if err != nil {
		return fmt.Errorf("delete collection %s: %w", id, err)
	}
	s.log.Info("collection deleted", zap.String("collection", id))
	return nil
}

func (s *Service) locked(ctx context.Context, collection string, fn func() error) error {
	release, err := s.locker.Acquire(ctx, "collection:"+collection)
	if err != nil {
		return err
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.log.Warn("release collection lock", zap.String("collection", collection), zap.Error(err))
		}
	}()
	return fn()
}

func requireCollection(ctx context.Context, sess storage.Session, collection string) error {
	ok, err := sess.SchemaExists(ctx, collection)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
	}
	return nil
}

// requireType checks the collection, then the record type, and returns the
// type's schema.
func requireType(ctx context.Context, sess storage.Session, t storage.Table) (storage.Snapshot, error) {
	if err := record.ValidateRecordType(t.Type); err != nil {
		return storage.Snapshot{}, err
	}
	if err := requireCollection(ctx, sess, t.Collection); err != nil {
		return storage.Snapshot{}, err
	}
	ok, err := sess.TableExists(ctx, t)
	if err != nil {
		return storage.Snapshot{}, err
	}
	if !ok {
		return storage.Snapshot{}, fmt.Errorf("%w: %s", ErrRecordTypeNotFound, t.Type)
	}
	return sess.Columns(ctx, t)
}

// observe records a step's outcome and logs failures.
func (s *Service) observe(step string, start time.Time, err error, fields ...zap.Field) {
	d := time.Since(start)
	metrics.ObserveStep(step, err, d)
	if err != nil {
		s.log.Warn(step+" failed", append(fields, zap.Duration("duration", d), zap.Error(err))...)
		return
	}
	s.log.Debug(step+" done", append(fields, zap.Duration("duration", d))...)
}
