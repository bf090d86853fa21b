package schemas

import (
	"errors"
)

// -- Error Taxonomy --

// ErrorType is the stable, wire-visible classification of a failure.
type ErrorType string

const (
	ErrorTypeInvalidTransition       ErrorType = "InvalidTransition"
	ErrorTypeInvalidArgument         ErrorType = "InvalidArgument"
	ErrorTypeNotInitialized          ErrorType = "NotInitialized"
	ErrorTypeNoActiveStats           ErrorType = "NoActiveStats"
	ErrorTypeConfigurationMissing    ErrorType = "ConfigurationMissing"
	ErrorTypeLoginVerificationFailed ErrorType = "LoginVerificationFailed"
	ErrorTypeLoginTimeout            ErrorType = "LoginTimeout"
	ErrorTypePopupNotDetected        ErrorType = "PopupNotDetected"
	ErrorTypeButtonNotFound          ErrorType = "ButtonNotFound"
	ErrorTypeSetupFailed             ErrorType = "SetupFailed"
	ErrorTypeAlreadyRunning          ErrorType = "AlreadyRunning"
	ErrorTypeUnknownAction           ErrorType = "UnknownAction"
	ErrorTypeChannelUnavailable      ErrorType = "ChannelUnavailable"
	ErrorTypeTransport               ErrorType = "TransportError"
	ErrorTypeHandlerFailed           ErrorType = "HandlerFailed"
	ErrorTypeNoResponse              ErrorType = "NoResponse"
	ErrorTypeInvalidMessage          ErrorType = "InvalidMessage"
	ErrorTypeInternal                ErrorType = "InternalError"
)

// TypedError attaches an ErrorType to an error so it survives conversion into a Response.
type TypedError struct {
	Type ErrorType
	Err  error
}

func (e *TypedError) Error() string { return e.Err.Error() }
func (e *TypedError) Unwrap() error { return e.Err }

// NewTypedError wraps err with the given classification.
func NewTypedError(t ErrorType, err error) error {
	if err == nil {
		return nil
	}
	return &TypedError{Type: t, Err: err}
}

// ErrorTypeOf extracts the classification from err, defaulting to ErrorTypeInternal.
func ErrorTypeOf(err error) ErrorType {
	var te *TypedError
	if errors.As(err, &te) {
		return te.Type
	}
	return ErrorTypeInternal
}

// -- Response --

// Response is the single logical reply to every Message.
type Response struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	ErrorType ErrorType   `json:"errorType,omitempty"`
}

// OK builds a successful response carrying data (which may be nil).
func OK(data interface{}) Response {
	return Response{Success: true, Data: data}
}

// Fail builds a failed response from err, classifying it with ErrorTypeOf.
func Fail(err error) Response {
	if err == nil {
		return Response{Success: false, ErrorType: ErrorTypeInternal, Error: "unknown error"}
	}
	return Response{Success: false, Error: err.Error(), ErrorType: ErrorTypeOf(err)}
}

// FailWith builds a failed response with an explicit classification.
func FailWith(t ErrorType, msg string) Response {
	return Response{Success: false, Error: msg, ErrorType: t}
}

// DataAs returns the response payload as T when it holds one.
func DataAs[T any](r Response) (T, bool) {
	v, ok := r.Data.(T)
	if ok {
		return v, true
	}
	if p, isPtr := r.Data.(*T); isPtr && p != nil {
		return *p, true
	}
	var zero T
	return zero, false
}
