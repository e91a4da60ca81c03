package client

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the request executor.
var (
	// ErrRetryExhausted wraps the last attempt's failure once the retry
	// policy gives up.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the caller's context ends while
	// waiting between attempts.
	ErrContextCancelled = errors.New("context cancelled")
)

// RequestError describes a failed FHIR request attempt.
type RequestError struct {
	// URL that was requested.
	URL string

	// StatusCode of the response, zero when none was received.
	StatusCode int

	// ErrorClass categorizes the failure.
	ErrorClass ErrorClass

	// Message is a short human-readable description.
	Message string

	// Err is the underlying error, if any.
	Err error
}

// Error implements the error interface.
func (e *RequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fhir request failed (status %d, class %s): %s: %v",
			e.StatusCode, e.ErrorClass, e.Message, e.Err)
	}
	return fmt.Sprintf("fhir request failed (status %d, class %s): %s",
		e.StatusCode, e.ErrorClass, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *RequestError) Unwrap() error {
	return e.Err
}
