package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates the write collides with existing state.
	ErrConflict = errors.New("conflict")
)
