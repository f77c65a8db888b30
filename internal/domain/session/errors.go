package session

import "errors"

var (
	// ErrInvalidInput indicates invalid session input.
	ErrInvalidInput = errors.New("invalid session input")
	// ErrUnknownStage indicates a stage outside the configured workflow.
	ErrUnknownStage = errors.New("unknown stage")
	// ErrCapacityExceeded indicates content does not fit the token budget.
	ErrCapacityExceeded = errors.New("context budget exceeded")
	// ErrNoSources indicates a stage ran before any source was uploaded.
	ErrNoSources = errors.New("no sources uploaded")
	// ErrProjectExists indicates a create with an ID already in use.
	ErrProjectExists = errors.New("project already exists")
	// ErrPersistence indicates the write-through save failed after the
	// in-memory state changed.
	ErrPersistence = errors.New("persisting session state failed")
)
