package domain

import "errors"

var (
	// ErrValidation marks bad input such as an empty title or an unknown bucket.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound is returned when no task has the requested id.
	ErrNotFound = errors.New("task not found")
	// ErrInvalidState marks a transition the task's state does not allow,
	// e.g. restoring a task that is not completed.
	ErrInvalidState = errors.New("invalid task state")
	// ErrStore wraps failures of the underlying persistence layer.
	ErrStore = errors.New("store failure")
)
