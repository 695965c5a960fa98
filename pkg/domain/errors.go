package domain

import "fmt"

// ValidationError marks malformed input caught before any network call.
type ValidationError struct{ Msg string }

func (e ValidationError) Error() string { return e.Msg }

func Invalid(format string, args ...any) error {
	return ValidationError{Msg: fmt.Sprintf(format, args...)}
}
