// Package validate carries the user-input error shared by components whose
// failures surface to the user as an alert.
package validate

import (
	"errors"
	"fmt"
	"strings"
)

// ErrValidation is matched with errors.Is by every *Error.
var ErrValidation = errors.New("validation error")

// Error names the offending field.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *Error) Is(target error) bool {
	return target == ErrValidation
}

// Failf builds an *Error.
func Failf(field, format string, args ...any) error {
	return &Error{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// NotBlank rejects empty or whitespace-only values.
func NotBlank(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return Failf(field, "must not be empty")
	}
	return nil
}

// InRange rejects v outside [min, max].
func InRange(field string, v, min, max float64) error {
	if v < min || v > max {
		return Failf(field, "%v not in range [%v, %v]", v, min, max)
	}
	return nil
}
