package types

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the realtime and HTTP surfaces. The HTTP
// layer maps these to status codes; the hub maps them to error frames.
var (
	ErrAccessDenied = errors.New("access denied")
	ErrValidation   = errors.New("validation failed")
	ErrNotFound     = errors.New("not found")

	ErrRoomNotFound   = fmt.Errorf("room %w", ErrNotFound)
	ErrTaskNotFound   = fmt.Errorf("task %w", ErrNotFound)
	ErrAnswerNotFound = fmt.Errorf("answer %w", ErrNotFound)

	ErrAlreadyGraded   = fmt.Errorf("%w: answer is already graded", ErrValidation)
	ErrUnknownTaskKind = fmt.Errorf("%w: unknown task kind", ErrValidation)

	ErrInvalidUserID   = fmt.Errorf("%w: user id must be 1-50 characters, alphanumeric plus underscore/hyphen", ErrValidation)
	ErrInvalidRoomName = fmt.Errorf("%w: room name must be 1-200 characters", ErrValidation)
)

// ValidationError wraps a field-scoped message into the taxonomy.
func ValidationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
