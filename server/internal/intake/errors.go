package intake

import (
	"errors"
	"fmt"
)

var (
	// ErrCallInFlight is returned when a call is issued while another one is outstanding.
	ErrCallInFlight = errors.New("intake: another call is in flight")
	// ErrNotStarted is returned by Submit before the case service assigned a case id.
	ErrNotStarted = errors.New("intake: case not started")
	// ErrAlreadyStarted is returned by Start on a session that already has a case id.
	ErrAlreadyStarted = errors.New("intake: case already started")
	// ErrNoOutstandingQuestion is returned by Submit when there is nothing to answer.
	ErrNoOutstandingQuestion = errors.New("intake: no outstanding question")
	// ErrCaseClosed is returned once the case has been frozen.
	ErrCaseClosed = errors.New("intake: case closed")
)

// NetworkError is a transport-level failure: connection refused, reset, DNS, timeout.
// It is reported to the user and never retried automatically.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ServiceError is a non-success reply from the case service.
// Message is the service's own text and is shown to the user as is.
type ServiceError struct {
	Op      string
	Status  int
	Message string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s: service error (status %d): %s", e.Op, e.Status, e.Message)
}
