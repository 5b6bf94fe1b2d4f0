package store

import (
	"errors"
	"fmt"
)

// StorageError is any backend-level failure: network, constraint violation,
// serialization.
type StorageError struct {
	Backend string
	Op      string
	Table   string
	Err     error
}

func (e *StorageError) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("%s: %s: %v", e.Backend, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s %s: %v", e.Backend, e.Op, e.Table, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func NewStorageError(backend, op, table string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Backend: backend, Op: op, Table: table, Err: err}
}

// IsStorageError reports whether err came from a storage backend.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// QueueReplayError is recorded on a queue entry whose replay against the
// remote store failed.
type QueueReplayError struct {
	EntryID   string
	Operation Operation
	Table     string
	Err       error
}

func (e *QueueReplayError) Error() string {
	return fmt.Sprintf("replay %s %s (%s): %v", e.Operation, e.Table, e.EntryID, e.Err)
}

func (e *QueueReplayError) Unwrap() error { return e.Err }

// InitializationError means the local store could not be opened or migrated.
// The process cannot run without it.
type InitializationError struct {
	Path string
	Err  error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("failed to initialize local store %s: %v", e.Path, e.Err)
}

func (e *InitializationError) Unwrap() error { return e.Err }
