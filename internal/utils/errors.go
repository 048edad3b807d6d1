package utils

import (
	"errors"
	"fmt"
	"net/http"
)

// StatusError carries the HTTP status a handler should answer with.
type StatusError struct {
	Status  int
	Message string
	Err     error
}

func (e *StatusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("status %d: %s: %v", e.Status, e.Message, e.Err)
	}
	return fmt.Sprintf("status %d: %s", e.Status, e.Message)
}

func (e *StatusError) Unwrap() error { return e.Err }

// New returns a StatusError without a cause.
func New(status int, message string) error {
	return &StatusError{Status: status, Message: message}
}

// Wrap returns a StatusError that keeps err for errors.Is/As.
func Wrap(status int, message string, err error) error {
	return &StatusError{Status: status, Message: message, Err: err}
}

// StatusOf extracts status and public message from err. Unknown errors are
// reported as a bare 500.
func StatusOf(err error) (int, string) {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status, se.Message
	}
	return http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError)
}
