package storage

import (
	"errors"
	"fmt"
)

// Storage error categories.
var (
	// ErrConnectionFailed indicates a failure to connect to the database.
	ErrConnectionFailed = errors.New("storage: connection failed")

	// ErrQueryFailed indicates a query execution failure.
	ErrQueryFailed = errors.New("storage: query failed")

	// ErrBatchInsertFailed indicates a batch insert failure.
	ErrBatchInsertFailed = errors.New("storage: batch insert failed")

	// ErrNotFound indicates the requested records were not found.
	ErrNotFound = errors.New("storage: not found")

	// ErrWriterClosed indicates a write after Close.
	ErrWriterClosed = errors.New("storage: batch writer closed")
)

// StorageError wraps storage errors with the operation and table.
type StorageError struct {
	Op      string
	Table   string
	Err     error
	Retries int
}

// Error returns the error message.
func (e *StorageError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("storage.%s(%s): %v", e.Op, e.Table, e.Err)
	}
	return fmt.Sprintf("storage.%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsConnectionError checks if the error is a connection error.
func IsConnectionError(err error) bool {
	return errors.Is(err, ErrConnectionFailed)
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// WrapConnectionError wraps an error as a connection error.
func WrapConnectionError(op string, err error) error {
	return &StorageError{Op: op, Err: fmt.Errorf("%w: %v", ErrConnectionFailed, err)}
}

// WrapQueryError wraps an error as a query error.
func WrapQueryError(op, table string, err error) error {
	return &StorageError{Op: op, Table: table, Err: fmt.Errorf("%w: %v", ErrQueryFailed, err)}
}

// WrapBatchError wraps a failed batch insert after retries.
func WrapBatchError(table string, err error, retries int) error {
	return &StorageError{
		Op:      "InsertBatch",
		Table:   table,
		Err:     fmt.Errorf("%w: %v", ErrBatchInsertFailed, err),
		Retries: retries,
	}
}

// WrapNotFoundError reports that no rows matched id.
func WrapNotFoundError(op, table, id string) error {
	return &StorageError{Op: op, Table: table, Err: fmt.Errorf("%w: id=%s", ErrNotFound, id)}
}
