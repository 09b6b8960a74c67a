package protocol

import (
	"errors"
	"fmt"
	"time"
)

// Code is a stable wire identifier for a failure class.
type Code string

const (
	CodeValidation          Code = "validation_error"
	CodeDuplicateExecution  Code = "duplicate_execution"
	CodeDuplicateOrder      Code = "duplicate_order"
	CodeOrderNotFound       Code = "order_not_found"
	CodeNoResolverAvailable Code = "no_resolver_available"
	CodeCollaborator        Code = "collaborator_error"
	CodeTimeout             Code = "timeout"
	CodeTransport           Code = "transport_error"
	CodeUnknownMethod       Code = "unknown_method"
	CodeParse               Code = "parse_error"
	CodeInternal            Code = "internal_error"
)

// Sentinel errors for each failure class. Errors received over the wire are
// *RemoteError values that match these with errors.Is.
var (
	ErrValidation          = errors.New("validation error")
	ErrDuplicateExecution  = errors.New("execution already in flight")
	ErrDuplicateOrder      = errors.New("order already exists")
	ErrOrderNotFound       = errors.New("order not found")
	ErrNoResolverAvailable = errors.New("no resolver available")
	ErrCollaborator        = errors.New("collaborator call failed")
	ErrTimeout             = errors.New("request timed out")
	ErrTransport           = errors.New("transport unavailable")
	ErrUnknownMethod       = errors.New("unknown method")
	ErrParse               = errors.New("malformed message")
	ErrInternal            = errors.New("internal error")
)

var codeSentinels = map[Code]error{
	CodeValidation:          ErrValidation,
	CodeDuplicateExecution:  ErrDuplicateExecution,
	CodeDuplicateOrder:      ErrDuplicateOrder,
	CodeOrderNotFound:       ErrOrderNotFound,
	CodeNoResolverAvailable: ErrNoResolverAvailable,
	CodeCollaborator:        ErrCollaborator,
	CodeTimeout:             ErrTimeout,
	CodeTransport:           ErrTransport,
	CodeUnknownMethod:       ErrUnknownMethod,
	CodeParse:               ErrParse,
	CodeInternal:            ErrInternal,
}

// CodeOf returns the wire code for err, falling back to internal_error.
func CodeOf(err error) Code {
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote.Code
	}
	for code, sentinel := range codeSentinels {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeInternal
}

// Error is the error object carried by a message.
type Error struct {
	Code      Code      `json:"code"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// RemoteError is an error reported by the peer.
type RemoteError struct {
	Code    Code
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches the sentinel registered for the error's code.
func (e *RemoteError) Is(target error) bool {
	sentinel, ok := codeSentinels[e.Code]
	return ok && sentinel == target
}

// Err converts a wire error object into a Go error.
func (e *Error) Err() error {
	if e == nil {
		return nil
	}
	code := e.Code
	if code == "" {
		code = CodeInternal
	}
	return &RemoteError{Code: code, Message: e.Message}
}

// ValidationError reports a missing or malformed request field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid request: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// UnknownMethodError is returned by the decoder for methods outside the
// recognized set.
type UnknownMethodError struct {
	Method Method
}

func (e *UnknownMethodError) Error() string {
	return fmt.Sprintf("unknown method: %s", e.Method)
}

func (e *UnknownMethodError) Is(target error) bool { return target == ErrUnknownMethod }

func missing(field string) error {
	return &ValidationError{Field: field, Reason: "required"}
}
