// Package errors provides the host's unified error taxonomy.
package errors

import (
	"errors"
	"fmt"
)

// Kind is a stable, machine-readable error classification. Kinds are part
// of the host's external contract and must not change across releases.
type Kind string

const (
	KindInvalidInput          Kind = "InvalidInput"
	KindMissingSignature      Kind = "MissingSignature"
	KindInvalidSignature      Kind = "InvalidSignature"
	KindInvalidManifest       Kind = "InvalidManifest"
	KindMalformedPackage      Kind = "MalformedPackage"
	KindUnknownCapability     Kind = "UnknownCapability"
	KindPermissionDenied      Kind = "PermissionDenied"
	KindRateLimited           Kind = "RateLimited"
	KindResourceLimitExceeded Kind = "ResourceLimitExceeded"
	KindFuelExhausted         Kind = "FuelExhausted"
	KindExecutionFailed       Kind = "ExecutionFailed"
	KindTimeout               Kind = "Timeout"
	KindDependencyUnresolved  Kind = "DependencyUnresolved"
	KindIPCError              Kind = "IPCError"
	KindSecurityViolation     Kind = "SecurityViolation"
	KindNotFound              Kind = "NotFound"
	KindAlreadyExists         Kind = "AlreadyExists"
	KindInvalidOffset         Kind = "InvalidOffset"
	KindExhaustedState        Kind = "ExhaustedState"
	KindLimitTooLow           Kind = "LimitTooLow"
	KindFilteredOut           Kind = "FilteredOut"
	KindInternal              Kind = "Internal"
)

// HostError is the structured error returned by every externally visible
// operation. It never embeds a raw OS error or plugin-provided string in
// a security-sensitive field; callers inspect Kind, not Error().
type HostError struct {
	Kind    Kind
	Message string
	Details map[string]any
	Err     error
}

func (e *HostError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *HostError) Unwrap() error { return e.Err }

// WithDetail attaches a structured detail and returns the error for chaining.
func (e *HostError) WithDetail(key string, value any) *HostError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New creates a HostError without a wrapped cause.
func New(kind Kind, message string) *HostError {
	return &HostError{Kind: kind, Message: message}
}

// Wrap creates a HostError around an existing cause.
func Wrap(kind Kind, message string, err error) *HostError {
	return &HostError{Kind: kind, Message: message, Err: err}
}

// Is reports whether err is a HostError of the given kind.
func Is(err error, kind Kind) bool {
	var he *HostError
	if errors.As(err, &he) {
		return he.Kind == kind
	}
	return false
}

// As extracts the HostError from an error chain, if any.
func As(err error) *HostError {
	var he *HostError
	if errors.As(err, &he) {
		return he
	}
	return nil
}

// Convenience constructors mirroring the §7 taxonomy.

func InvalidInput(field, reason string) *HostError {
	return New(KindInvalidInput, "invalid input").WithDetail("field", field).WithDetail("reason", reason)
}

func MissingSignature() *HostError {
	return New(KindMissingSignature, "package is not signed")
}

func InvalidSignature(err error) *HostError {
	return Wrap(KindInvalidSignature, "signature verification failed", err)
}

func MalformedPackage(reason string) *HostError {
	return New(KindMalformedPackage, "malformed plugin package").WithDetail("reason", reason)
}

func InvalidManifest(field string) *HostError {
	return New(KindInvalidManifest, "invalid manifest field").WithDetail("field", field)
}

func UnknownCapability(name string) *HostError {
	return New(KindUnknownCapability, "unknown capability").WithDetail("name", name)
}

func PermissionDenied(pluginID string, capability string) *HostError {
	return New(KindPermissionDenied, "permission denied").
		WithDetail("plugin_id", pluginID).WithDetail("capability", capability)
}

func RateLimited(pluginID, operation string) *HostError {
	return New(KindRateLimited, "rate limit exceeded").
		WithDetail("plugin_id", pluginID).WithDetail("operation", operation)
}

func ResourceLimitExceeded(resource string) *HostError {
	return New(KindResourceLimitExceeded, "resource limit exceeded").WithDetail("resource", resource)
}

func FuelExhausted() *HostError {
	return New(KindFuelExhausted, "fuel exhausted")
}

func ExecutionFailed(err error) *HostError {
	return Wrap(KindExecutionFailed, "plugin execution failed", err)
}

func Timeout(operation string) *HostError {
	return New(KindTimeout, "operation timed out").WithDetail("operation", operation)
}

func DependencyUnresolved(missing, circular []string) *HostError {
	return New(KindDependencyUnresolved, "dependency resolution failed").
		WithDetail("missing", missing).WithDetail("circular", circular)
}

func IPCError(err error) *HostError {
	return Wrap(KindIPCError, "IPC transport error", err)
}

func SecurityViolation(reason string) *HostError {
	return New(KindSecurityViolation, "security policy violation").WithDetail("reason", reason)
}

func NotFound(resource, id string) *HostError {
	return New(KindNotFound, "resource not found").WithDetail("resource", resource).WithDetail("id", id)
}

func AlreadyExists(resource, id string) *HostError {
	return New(KindAlreadyExists, "resource already exists").WithDetail("resource", resource).WithDetail("id", id)
}

func InvalidOffset() *HostError {
	return New(KindInvalidOffset, "guest memory offset out of bounds")
}

func ExhaustedState() *HostError {
	return New(KindExhaustedState, "fuel meter is exhausted; call reset_fuel first")
}

func LimitTooLow(limit, consumed uint64) *HostError {
	return New(KindLimitTooLow, "new fuel limit is below already-consumed total").
		WithDetail("limit", limit).WithDetail("consumed", consumed)
}

func FilteredOut(topic string) *HostError {
	return New(KindFilteredOut, "message blocked by filter").WithDetail("topic", topic)
}

func Internal(message string, err error) *HostError {
	return Wrap(KindInternal, message, err)
}
