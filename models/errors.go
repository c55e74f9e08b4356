package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when an environment, deployment or status row does
// not exist.
var ErrNotFound = errors.New("not found")

// ConnectionError covers connection-establishment failures (DNS, refused,
// unreachable). Retryable with bounded backoff.
type ConnectionError struct {
	Host     string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed after %d attempt(s): %v", e.Host, e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthenticationError is fatal and never retried.
type AuthenticationError struct {
	Host string
	Err  error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication to %s failed: %v", e.Host, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// CommandValidationError rejects unsafe input before it ever reaches a
// remote host.
type CommandValidationError struct {
	Input  string
	Reason string
}

func (e *CommandValidationError) Error() string {
	return fmt.Sprintf("command rejected: %s (input: %q)", e.Reason, e.Input)
}

// RemoteExecutionError is a non-zero exit from a remote command. It is a
// final result, never auto-retried.
type RemoteExecutionError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *RemoteExecutionError) Error() string {
	return fmt.Sprintf("remote command exited %d: %s", e.ExitCode, e.Command)
}

// VerificationFailure means the environment is reachable but unhealthy.
// It drives automatic rollback.
type VerificationFailure struct {
	Environment string
	Failed      int
	Total       int
}

func (e *VerificationFailure) Error() string {
	return fmt.Sprintf("verification failed for %s: %d of %d probes failed", e.Environment, e.Failed, e.Total)
}

// TimeoutError bounds every remote call. Retryable only at the connection
// phase, never at the execution phase.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Timeout)
}
