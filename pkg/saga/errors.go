package saga

import "errors"

var (
	ErrSagaNotFound = errors.New("saga not found")
	// ErrVersionConflict is returned by a Store when the saga changed since it was read.
	ErrVersionConflict   = errors.New("saga version conflict")
	ErrInvalidTransition = errors.New("invalid saga transition")
	ErrInvalidPayload    = errors.New("invalid event payload")
	// ErrSagaTimeout is the failure reason recorded for a step that ran out of time.
	ErrSagaTimeout = errors.New("saga step timed out")
)
