package protocol

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ConfigKind distinguishes configuration failures.
type ConfigKind string

// Configuration error kinds.
const (
	UnknownAgentType  ConfigKind = "unknown_agent_type"
	ScriptNotFound    ConfigKind = "script_not_found"
	MissingCredential ConfigKind = "missing_credential"
)

// ConfigurationError reports an unusable configuration: an unknown agent
// type, a missing worker program, or missing control-plane credentials.
type ConfigurationError struct {
	Kind   ConfigKind
	Detail string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error (%s): %s", e.Kind, e.Detail)
}

// SpawnError wraps a failure to start a worker process.
type SpawnError struct {
	AgentID string
	Cause   error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn worker for agent %s: %v", e.AgentID, e.Cause)
}

func (e *SpawnError) Unwrap() error { return e.Cause }

// TransportError represents a failed call to the telephony control plane.
// Detail carries the raw provider diagnostic (error body, CLI stderr).
type TransportError struct {
	Op     string
	Detail string
	Cause  error
}

func (e *TransportError) Error() string {
	switch {
	case e.Detail != "" && e.Cause != nil:
		return fmt.Sprintf("%s: %v: %s", e.Op, e.Cause, e.Detail)
	case e.Detail != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Detail)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Cause)
	}
}

func (e *TransportError) Unwrap() error { return e.Cause }

// UnparseableError reports a control-plane response that did not contain a
// dispatch identifier and a room name.
type UnparseableError struct {
	Output string
}

func (e *UnparseableError) Error() string {
	return fmt.Sprintf("dispatch response unparseable: %q", e.Output)
}

// TimeoutError reports a bounded operation that ran out of time.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	if e.After > 0 {
		return fmt.Sprintf("%s timed out after %s", e.Op, e.After)
	}
	return fmt.Sprintf("%s timed out", e.Op)
}

// NotFoundError represents a registry lookup failure.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// ValidationError rejects malformed caller input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// ErrorClass is the coarse category callers branch on (HTTP status, exit code).
type ErrorClass string

// Error classes.
const (
	ClassNone       ErrorClass = ""
	ClassValidation ErrorClass = "validation"
	ClassNotFound   ErrorClass = "not_found"
	ClassTransport  ErrorClass = "transport"
	ClassTimeout    ErrorClass = "timeout"
	ClassInternal   ErrorClass = "internal"
)

// Classify maps err onto an ErrorClass. An unknown agent type is a
// validation error: the request named something the system cannot run.
// Other configuration errors are the operator's problem and stay internal.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassNone
	}

	var (
		valErr     *ValidationError
		cfgErr     *ConfigurationError
		nfErr      *NotFoundError
		toErr      *TimeoutError
		tErr       *TransportError
		unparseErr *UnparseableError
	)
	switch {
	case errors.As(err, &toErr), errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	case errors.As(err, &valErr):
		return ClassValidation
	case errors.As(err, &cfgErr):
		if cfgErr.Kind == UnknownAgentType {
			return ClassValidation
		}
		return ClassInternal
	case errors.As(err, &nfErr):
		return ClassNotFound
	case errors.As(err, &tErr), errors.As(err, &unparseErr):
		return ClassTransport
	default:
		return ClassInternal
	}
}

// ExitCode maps an ErrorClass onto the CLI exit status.
func (c ErrorClass) ExitCode() int {
	switch c {
	case ClassNone:
		return 0
	case ClassValidation:
		return 2
	case ClassNotFound:
		return 3
	case ClassTransport:
		return 4
	case ClassTimeout:
		return 5
	default:
		return 1
	}
}
