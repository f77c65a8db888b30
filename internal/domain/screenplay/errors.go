package screenplay

import "errors"

var (
	// ErrInvalidInput indicates invalid screenplay input.
	ErrInvalidInput = errors.New("invalid screenplay input")
	// ErrStepOrder indicates a step ran before the step it builds on.
	ErrStepOrder = errors.New("screenplay step out of order")
	// ErrSceneNotFound indicates an unknown scene number.
	ErrSceneNotFound = errors.New("scene not found")
	// ErrAllScenesWritten indicates every outlined scene is already written.
	ErrAllScenesWritten = errors.New("all outlined scenes are written")
)
