package task

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest fails fast and is never retried.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrConflict is returned when another execution of the same type is running.
	ErrConflict = errors.New("conflict")
	ErrNotFound = errors.New("not found")
	// ErrExternalService marks storage, model or transcription failures after retries.
	ErrExternalService = errors.New("external service error")
	// ErrPartialFailure marks an optional enrichment that failed; the pipeline continues.
	ErrPartialFailure = errors.New("partial failure")
)

func InvalidRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

func Conflict(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

func NotFound(kind, id string) error {
	return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
}

func External(service string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrExternalService, service, err)
}

func Partial(step string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPartialFailure, step, err)
}
