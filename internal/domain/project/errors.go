package project

import "errors"

var (
	// ErrProjectNotFound is returned for unknown project IDs.
	ErrProjectNotFound = errors.New("project not found")
	// ErrInvalidInput covers bad names and settings outside their ranges.
	ErrInvalidInput = errors.New("invalid project input")
)
