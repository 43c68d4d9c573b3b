package worker

import (
	"errors"
	"fmt"
	"time"
)

// SubmitError means the API server rejected the worker pod.
type SubmitError struct {
	Pod string
	Err error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("submitting %s: %v", e.Pod, e.Err)
}

func (e *SubmitError) Unwrap() error {
	return e.Err
}

// NotReadyError means the worker pod did not start within the timeout.
type NotReadyError struct {
	Pod     string
	Timeout time.Duration
	// Reason is the last waiting reason observed, e.g. ImagePullBackOff.
	Reason string
	Err    error
}

func (e *NotReadyError) Error() string {
	msg := fmt.Sprintf("%s not ready after %s", e.Pod, e.Timeout)
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *NotReadyError) Unwrap() error {
	return e.Err
}

// ExecutionError is a terminal failure of the archive job itself.
type ExecutionError struct {
	Pod      string
	ExitCode int32
	Reason   string
}

func (e *ExecutionError) Error() string {
	if e.ExitCode != 0 {
		return fmt.Sprintf("exit code %d: %s", e.ExitCode, e.Reason)
	}
	return e.Reason
}

// ResultUnavailableError means the job's result record could not be read.
type ResultUnavailableError struct {
	Pod string
	Err error
}

func (e *ResultUnavailableError) Error() string {
	return fmt.Sprintf("result of %s unavailable: %v", e.Pod, e.Err)
}

func (e *ResultUnavailableError) Unwrap() error {
	return e.Err
}

// TimeoutError means a wait ran past its deadline.
type TimeoutError struct {
	Pod   string
	Stage string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out waiting for %s", e.Pod, e.Stage)
}

// IsTransient reports whether err is worth resubmitting the worker for.
func IsTransient(err error) bool {
	var se *SubmitError
	var nr *NotReadyError
	return errors.As(err, &se) || errors.As(err, &nr)
}
