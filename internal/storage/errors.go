package storage

import (
	"errors"
	"fmt"
)

// ErrorKind classifies backend failures independently of the engine.
type ErrorKind int

const (
	Other ErrorKind = iota
	UniqueViolation
	ForeignKeyViolation
	TypeMismatch
	UndefinedTable
	DependentObjects
	DuplicateColumn
)

func (k ErrorKind) String() string {
	switch k {
	case UniqueViolation:
		return "unique_violation"
	case ForeignKeyViolation:
		return "foreign_key_violation"
	case TypeMismatch:
		return "type_mismatch"
	case UndefinedTable:
		return "undefined_table"
	case DependentObjects:
		return "dependent_objects"
	case DuplicateColumn:
		return "duplicate_column"
	}
	return "other"
}

// StorageError wraps an engine error with its classified kind and the
// engine's own code (SQLSTATE, SQL Server error number, SQLite extended code).
type StorageError struct {
	Kind ErrorKind
	Code string
	Err  error
}

func (e *StorageError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("storage %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("storage %s (%s): %v", e.Kind, e.Code, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// KindOf returns the kind of the first StorageError in err's chain, or Other.
func KindOf(err error) ErrorKind {
	var se *StorageError
	if errors.As(err, &se) {
		return se.Kind
	}
	return Other
}

// IsKind reports whether err carries a StorageError of kind k.
func IsKind(err error, k ErrorKind) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Kind == k
}

// sqlStateKinds maps Postgres SQLSTATE codes onto kinds.
var sqlStateKinds = map[string]ErrorKind{
	"23505": UniqueViolation,
	"23503": ForeignKeyViolation,
	"42804": TypeMismatch,
	"22P02": TypeMismatch,
	"22007": TypeMismatch,
	"22008": TypeMismatch,
	"42P01": UndefinedTable,
	"2BP01": DependentObjects,
	"42701": DuplicateColumn,
}

// KindForSQLState classifies a SQLSTATE code.
func KindForSQLState(code string) ErrorKind {
	if k, ok := sqlStateKinds[code]; ok {
		return k
	}
	return Other
}

// ErrNotFound is returned by Session.Get when no row has the requested id.
var ErrNotFound = errors.New("record not found")

// TableNotFound builds the UndefinedTable error for a missing record type.
func TableNotFound(t Table) error {
	return &StorageError{Kind: UndefinedTable, Err: fmt.Errorf("record type %s does not exist", t)}
}
