/*
Package schederr defines the scheduling core's error kinds as sentinel
errors rather than exception classes: callers distinguish them with
errors.Is/errors.As instead of a type switch over a class hierarchy.
*/
package schederr

import (
	"errors"
	"fmt"
)

// Sentinel errors identifying each error kind. Wrap one of these with
// errors.Is-compatible Unwrap so callers can test for a kind without
// caring about the concrete wrapping type.
var (
	// ErrValidation marks a rejected admission request. The caller's
	// request produced no state change.
	ErrValidation = errors.New("validation error")

	// ErrSchedule marks an operational error a caller may retry: an
	// update against an unknown token, an update on a non-cron job, or a
	// preemption attempt that failed to land.
	ErrSchedule = errors.New("schedule error")

	// ErrStorage marks a transient storage failure. Periodic callers
	// (scheduler, preempter, cron) log it and let the next tick retry.
	ErrStorage = errors.New("storage error")

	// ErrCoding marks an opaque-payload encode/decode failure. It is
	// logged at severe and the offer or task in question is skipped, not
	// retried, since retrying a malformed payload will not help.
	ErrCoding = errors.New("coding error")
)

// ValidationError rejects a task or job admission request outright.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return fmt.Sprintf("validation: %s", e.Reason) }
func (e *ValidationError) Unwrap() error { return ErrValidation }

// ScheduleError reports an operational failure a caller may retry.
type ScheduleError struct {
	Reason string
}

func (e *ScheduleError) Error() string { return fmt.Sprintf("schedule: %s", e.Reason) }
func (e *ScheduleError) Unwrap() error { return ErrSchedule }

// StorageError wraps a transient backend failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage(%s): %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return ErrStorage }

// CodingError wraps an opaque-payload encode/decode failure.
type CodingError struct {
	Op  string
	Err error
}

func (e *CodingError) Error() string { return fmt.Sprintf("coding(%s): %v", e.Op, e.Err) }
func (e *CodingError) Unwrap() error { return ErrCoding }
