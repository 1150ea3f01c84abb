package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrActorRequired indicates a mutating call without an acting principal.
	ErrActorRequired = errors.New("actor required")
	// ErrCycle indicates a parent assignment would create a loop.
	ErrCycle = errors.New("parent assignment creates a cycle")
)
