package catalog

import (
	"errors"
	"fmt"
)

// Sentinel errors for input list failures. Both abort a run before any
// network activity.
var (
	ErrInvalidInput = errors.New("invalid input")
	ErrEmptyInput   = errors.New("empty input")
)

// InputError wraps a sentinel with the offending line and column.
type InputError struct {
	Line    int
	Field   string
	Wrapped error
}

func (e *InputError) Error() string {
	switch {
	case e.Line > 0 && e.Field != "":
		return fmt.Sprintf("input: line %d: %s: %s", e.Line, e.Field, e.Wrapped)
	case e.Field != "":
		return fmt.Sprintf("input: %s: %s", e.Field, e.Wrapped)
	case e.Line > 0:
		return fmt.Sprintf("input: line %d: %s", e.Line, e.Wrapped)
	}
	return "input: " + e.Wrapped.Error()
}

func (e *InputError) Unwrap() error { return e.Wrapped }
