package store

import "errors"

var (
	ErrRecordNotFound = errors.New("record not found")
	ErrDuplicateKey   = errors.New("already exists")
	// ErrConflict is returned when a guarded update matched no row: the record
	// is no longer in the state the caller expected.
	ErrConflict = errors.New("state changed concurrently")
)
