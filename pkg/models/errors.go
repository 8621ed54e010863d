package models

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidParameters is returned before any side effect when a request is malformed.
	ErrInvalidParameters = errors.New("invalid parameters")

	// ErrCorrelationConflict is returned when a correlation is already pending for the
	// same phone number and response kind. Nothing was sent.
	ErrCorrelationConflict = errors.New("correlation already pending")

	// ErrCorrelationResolved is returned when waiting on a correlation that already reached
	// a terminal state.
	ErrCorrelationResolved = errors.New("correlation already resolved")

	// ErrCorrelationNotFound is returned when no correlation exists for an id.
	ErrCorrelationNotFound = errors.New("correlation not found")

	// ErrUnconfirmed is returned by consumer-side assertions on fallback results.
	ErrUnconfirmed = errors.New("result is not carrier-confirmed")
)

// DispatchError reports that the aggregator did not accept a command.
//
// Ambiguous is set when the transport failed after the request may have reached the
// aggregator; the caller cannot assume the command was not executed.
type DispatchError struct {
	StatusCode int
	Body       string
	Ambiguous  bool
	Err        error
}

func (e *DispatchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dispatch failed: %v", e.Err)
	}
	return fmt.Sprintf("dispatch rejected with status %d: %s", e.StatusCode, e.Body)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}
