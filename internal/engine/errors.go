package engine

import (
	"errors"
	"fmt"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

var (
	// ErrEngineClosed is returned for work submitted after Shutdown.
	ErrEngineClosed = errors.New("engine is shut down")

	// ErrContextClosed is returned for work submitted to a closed context.
	ErrContextClosed = errors.New("context is closed")

	// ErrLoadersFrozen is returned by SetLoaders once a context exists.
	ErrLoadersFrozen = errors.New("module loaders must be set before any context is created")

	// errExceptionPending signals that a script exception sits in the scope's pending slot.
	errExceptionPending = errors.New("script exception pending")
)

// EngineInitError reports that an engine could not be constructed.
type EngineInitError struct {
	Err error
}

func (e *EngineInitError) Error() string {
	return fmt.Sprintf("engine initialization failed: %v", e.Err)
}

func (e *EngineInitError) Unwrap() error { return e.Err }

// ExceptionError is a script exception captured at the context boundary.
// Diagnostic is the rendered error object plus the Lua stack trace when available.
type ExceptionError struct {
	Diagnostic    string
	HasDiagnostic bool
	// Value is the error object converted to Go (string, map, ...).
	Value any
}

func (e *ExceptionError) Error() string {
	if !e.HasDiagnostic {
		return "script exception"
	}
	return "script exception: " + e.Diagnostic
}

// LookupError reports a missing global binding.
type LookupError struct {
	Name   string
	Reason string
}

func (e *LookupError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("global %q %s", e.Name, e.Reason)
	}
	return fmt.Sprintf("global %q not found", e.Name)
}

// MarshalError reports a host value that has no script representation.
type MarshalError struct {
	Type   string
	Reason string
}

func (e *MarshalError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("cannot marshal %s to script: %s", e.Type, e.Reason)
	}
	return fmt.Sprintf("cannot marshal %s to script", e.Type)
}

// DeserializationError reports a script value that does not fit the expected host type.
type DeserializationError struct {
	From string // script type tag, e.g. "table", "string", "Request"
	To   string // host type, e.g. "map[string]string"
	Err  error
}

func (e *DeserializationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cannot deserialize script %s into %s: %v", e.From, e.To, e.Err)
	}
	return fmt.Sprintf("cannot deserialize script %s into %s", e.From, e.To)
}

func (e *DeserializationError) Unwrap() error { return e.Err }

// OtherError is an engine failure that is not a script exception.
type OtherError struct {
	Message string
	Err     error
}

func (e *OtherError) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("engine error: %s: %v", e.Message, e.Err)
	case e.Message != "":
		return "engine error: " + e.Message
	case e.Err != nil:
		return fmt.Sprintf("engine error: %v", e.Err)
	}
	return "engine error"
}

func (e *OtherError) Unwrap() error { return e.Err }

// Translate converts a failure signal raised inside s into a host error value.
// A pending exception is drained from the scope and becomes an ExceptionError.
// Typed errors of this package pass through; anything else becomes an OtherError.
// Translate must run inside the scope that produced the signal.
func Translate(s *Scope, signal error) error {
	if signal == nil {
		return nil
	}
	if errors.Is(signal, errExceptionPending) {
		apiErr, ok := s.TakeException()
		if !ok {
			return &ExceptionError{}
		}
		return exceptionFromAPI(apiErr)
	}

	var (
		exc    *ExceptionError
		lookup *LookupError
		mars   *MarshalError
		deser  *DeserializationError
		other  *OtherError
	)
	switch {
	case errors.As(signal, &exc), errors.As(signal, &lookup), errors.As(signal, &mars),
		errors.As(signal, &deser), errors.As(signal, &other):
		return signal
	}
	return &OtherError{Err: signal}
}

func exceptionFromAPI(apiErr *lua.ApiError) *ExceptionError {
	exc := &ExceptionError{}
	if apiErr.Object != nil && apiErr.Object != lua.LNil {
		exc.Value, _ = ToGo(apiErr.Object)
		exc.Diagnostic = RenderError(apiErr.Object)
		exc.HasDiagnostic = true
	} else if apiErr.Cause != nil {
		exc.Diagnostic = apiErr.Cause.Error()
		exc.HasDiagnostic = true
	}
	if trace := strings.TrimSpace(apiErr.StackTrace); trace != "" {
		if exc.HasDiagnostic {
			exc.Diagnostic += "\n" + trace
		} else {
			exc.Diagnostic = trace
			exc.HasDiagnostic = true
		}
	}
	return exc
}

// RenderError renders a Lua error object: tables with a message field render as
// the message, everything else via tostring semantics.
func RenderError(obj lua.LValue) string {
	if tbl, ok := obj.(*lua.LTable); ok {
		if msg := tbl.RawGetString("message"); msg != lua.LNil {
			return msg.String()
		}
	}
	return obj.String()
}
