package errors

import (
	"fmt"
	"strings"
)

// Phase indicates where in the invocation pipeline the error occurred
type Phase string

const (
	PhaseLoad       Phase = "load"       // locked application construction
	PhaseCompile    Phase = "compile"    // binary precompilation
	PhaseLink       Phase = "link"       // host capability linking
	PhaseInvoke     Phase = "invoke"     // guest execution
	PhaseDispatch   Phase = "dispatch"   // trigger event routing
	PhaseCapability Phase = "capability" // capability provider call
	PhaseShutdown   Phase = "shutdown"   // supervisor draining
)

// Kind categorizes the error
type Kind string

const (
	KindValidation        Kind = "validation"
	KindUnauthorized      Kind = "unauthorized"
	KindCapability        Kind = "capability"
	KindNotFound          Kind = "not_found"
	KindResourceExhausted Kind = "resource_exhausted"
	KindTimeout           Kind = "timeout"
	KindCancelled         Kind = "cancelled"
	KindFaulted           Kind = "faulted"
	KindRoutingMiss       Kind = "routing_miss"
	KindBusy              Kind = "busy"
	KindInvalidInput      Kind = "invalid_input"
	KindInstantiation     Kind = "instantiation"
	KindInternal          Kind = "internal"
)

// Error is the structured error type used throughout the host
type Error struct {
	Cause     error
	Phase     Phase
	Kind      Kind
	Component string
	Detail    string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Component != "" {
		b.WriteString(" component ")
		b.WriteString(e.Component)
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by phase and kind
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// KindOf extracts the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return As(err, &e) && e.Kind == kind
}

// New creates a structured error with a formatted detail message.
func New(phase Phase, kind Kind, detail string, args ...any) *Error {
	if len(args) > 0 {
		detail = fmt.Sprintf(detail, args...)
	}
	return &Error{Phase: phase, Kind: kind, Detail: detail}
}

// Wrap attaches phase and kind to an underlying error.
func Wrap(phase Phase, kind Kind, cause error, detail string, args ...any) *Error {
	if len(args) > 0 {
		detail = fmt.Sprintf(detail, args...)
	}
	return &Error{Phase: phase, Kind: kind, Cause: cause, Detail: detail}
}

// WithComponent returns a copy of the error annotated with a component id.
// Foreign errors are wrapped as internal invoke errors first.
func WithComponent(err error, componentID string) *Error {
	var e *Error
	if !As(err, &e) {
		e = Wrap(PhaseInvoke, KindInternal, err, "")
	}
	clone := *e
	clone.Component = componentID
	return &clone
}

// Convenience constructors for common error patterns

// Validation creates a locked-application validation error.
func Validation(detail string, args ...any) *Error {
	return New(PhaseLoad, KindValidation, detail, args...)
}

// Unauthorized reports a capability call outside the component's grants.
func Unauthorized(detail string, args ...any) *Error {
	return New(PhaseCapability, KindUnauthorized, detail, args...)
}

// CapabilityFailed wraps a provider-side failure.
func CapabilityFailed(cause error, detail string, args ...any) *Error {
	return Wrap(PhaseCapability, KindCapability, cause, detail, args...)
}

// NotFound reports a missing key, variable or export.
func NotFound(phase Phase, detail string, args ...any) *Error {
	return New(phase, KindNotFound, detail, args...)
}

// Timeout reports an execution budget overrun.
func Timeout(detail string, args ...any) *Error {
	return New(PhaseInvoke, KindTimeout, detail, args...)
}

// Cancelled reports an invocation cut short by draining.
func Cancelled(detail string, args ...any) *Error {
	return New(PhaseInvoke, KindCancelled, detail, args...)
}

// Faulted reports a trap inside sandboxed code.
func Faulted(cause error, detail string, args ...any) *Error {
	return Wrap(PhaseInvoke, KindFaulted, cause, detail, args...)
}

// ResourceExhausted reports a memory budget overrun.
func ResourceExhausted(detail string, args ...any) *Error {
	return New(PhaseInvoke, KindResourceExhausted, detail, args...)
}

// RoutingMiss reports an event with no matching trigger route.
func RoutingMiss(detail string, args ...any) *Error {
	return New(PhaseDispatch, KindRoutingMiss, detail, args...)
}

// Busy reports backpressure rejection.
func Busy(detail string, args ...any) *Error {
	return New(PhaseDispatch, KindBusy, detail, args...)
}
