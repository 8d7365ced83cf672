package audio

import (
	"errors"
	"fmt"
)

var ErrUnhandledFormat = errors.New("unhandled audio format")

type UnhandledFormatError struct {
	Format Format
	Reason string
}

var _ error = (*UnhandledFormatError)(nil)

func NewUnhandledFormatError(
	format Format,
	reasonFormat string,
	args ...any,
) *UnhandledFormatError {
	return &UnhandledFormatError{
		Format: format,
		Reason: fmt.Sprintf(reasonFormat, args...),
	}
}

func (e *UnhandledFormatError) Error() string {
	return fmt.Sprintf("unhandled audio format %s: %s", e.Format, e.Reason)
}

func (e *UnhandledFormatError) Unwrap() error {
	return ErrUnhandledFormat
}
