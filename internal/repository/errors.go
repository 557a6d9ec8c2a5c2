// Package repository holds the errors shared by the storage backends.
package repository

import "errors"

var (
	// ErrNotFound means no call session has the requested id
	ErrNotFound = errors.New("call not found")
	// ErrConflict means a conditional write found the record in a state that forbids it
	ErrConflict = errors.New("call state conflict")
)
