package queue

import (
	"errors"
	"time"
)

var (
	ErrJobNotFound  = errors.New("job not found")
	ErrJobLocked    = errors.New("job is locked by a worker")
	ErrLockLost     = errors.New("job lock lost")
	ErrUnknownQueue = errors.New("unknown queue")
)

// UnrecoverableError fails the job immediately, ignoring remaining attempts.
type UnrecoverableError struct {
	Err error
}

func (e *UnrecoverableError) Error() string { return e.Err.Error() }

func (e *UnrecoverableError) Unwrap() error { return e.Err }

// Unrecoverable wraps err so the worker does not retry the job.
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	return &UnrecoverableError{Err: err}
}

func IsUnrecoverable(err error) bool {
	var u *UnrecoverableError
	return errors.As(err, &u)
}

// RetryableError lets the queue retry the job. A positive Delay overrides the
// job's backoff for the next attempt.
type RetryableError struct {
	Err   error
	Delay time.Duration
}

func (e *RetryableError) Error() string { return e.Err.Error() }

func (e *RetryableError) Unwrap() error { return e.Err }

func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// RetryAfter is Retryable with an explicit delay.
func RetryAfter(err error, delay time.Duration) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err, Delay: delay}
}

func IsRetryable(err error) bool {
	return err != nil && !IsUnrecoverable(err)
}
