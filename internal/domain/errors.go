package domain

import (
	"errors"
	"fmt"
)

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrPaymentNotFound = errors.New("payment not found")
	ErrJobNotFound     = errors.New("job record not found")

	// ErrDuplicateJobID is returned when a job record with the same id already exists.
	ErrDuplicateJobID = errors.New("job record already exists")

	// ErrPaymentAlreadyLinked is returned when activating a payment that already
	// has a verification job.
	ErrPaymentAlreadyLinked = errors.New("payment already linked to a verification job")

	// ErrPaymentExists is returned when recording a payment code twice.
	ErrPaymentExists = errors.New("payment code already recorded")

	// ErrUserExists is returned when registering a telephone number twice.
	ErrUserExists = errors.New("user with this telephone already exists")

	// ErrInconsistentState marks bookkeeping that disagrees with itself, such as
	// a payment pointing at a job record that does not exist.
	ErrInconsistentState = errors.New("inconsistent bookkeeping state")
)

// IsNotFound reports whether err is one of the not-found sentinels.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrPaymentNotFound) ||
		errors.Is(err, ErrJobNotFound)
}

// StorageError wraps a transient failure of a backing store.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// NewStorageError wraps err, keeping nil as nil.
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// ScheduleError is returned when the queue refuses or fails to register a job.
type ScheduleError struct {
	Task TaskName
	Err  error
}

func (e *ScheduleError) Error() string {
	return fmt.Sprintf("schedule %s: %v", e.Task, e.Err)
}

func (e *ScheduleError) Unwrap() error { return e.Err }

// CancelError is returned when the queue fails to cancel a job it knows about.
type CancelError struct {
	ID  JobID
	Err error
}

func (e *CancelError) Error() string {
	return fmt.Sprintf("cancel job %s: %v", e.ID, e.Err)
}

func (e *CancelError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is transient and the operation may be repeated.
func IsRetryable(err error) bool {
	var se *StorageError
	var sch *ScheduleError
	var ce *CancelError
	return errors.As(err, &se) || errors.As(err, &sch) || errors.As(err, &ce)
}
