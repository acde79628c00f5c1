// Package apierror maps internal failures to provider-shaped error
// responses.
//
// Handlers return ordinary errors. Storage and lifecycle failures are
// classified (not found, busy, invalid transition and so on) and rendered
// with the code, status and envelope the provider's SDKs expect. Services
// with their own vocabulary (S3's NoSuchBucket, SQS's
// QueueDoesNotExist) translate failures first with a Codes table.
package apierror

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/cloudemu/cloudemu/pkg/lifecycle"
	"github.com/cloudemu/cloudemu/pkg/protocol"
	"github.com/cloudemu/cloudemu/pkg/storage"
)

// Class is the provider-neutral category of a failure.
type Class int

// Failure classes.
const (
	ClassInternal Class = iota
	ClassMalformed
	ClassValidation
	ClassNotFound
	ClassAlreadyExists
	ClassBusy
	ClassInvalidTransition
	ClassUnsupported
	ClassThrottled
	ClassTooLarge
)

var classNames = [...]string{
	ClassInternal:          "Internal",
	ClassMalformed:         "Malformed",
	ClassValidation:        "Validation",
	ClassNotFound:          "NotFound",
	ClassAlreadyExists:     "AlreadyExists",
	ClassBusy:              "Busy",
	ClassInvalidTransition: "InvalidTransition",
	ClassUnsupported:       "Unsupported",
	ClassThrottled:         "Throttled",
	ClassTooLarge:          "TooLarge",
}

func (c Class) String() string {
	if int(c) < len(classNames) {
		return classNames[c]
	}
	return fmt.Sprintf("Class(%d)", int(c))
}

// Error is an API error ready to be rendered. Code and Status may be left
// empty, in which case the provider's default for Class is used.
type Error struct {
	Class    Class
	Code     string
	Status   int
	Message  string
	Resource string

	// Sender is false for server-side faults in the AWS query envelope.
	Sender bool

	Err error
}

func (e *Error) Error() string {
	code := e.Code
	if code == "" {
		code = e.Class.String()
	}
	if e.Message == "" {
		return code
	}
	return code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// StatusCode returns the HTTP status code for this error, or 0 if it is
// left to the provider default.
func (e *Error) StatusCode() int { return e.Status }

// New returns an error with an explicit code and status.
func New(code string, status int, format string, args ...any) *Error {
	return &Error{
		Class:   classForStatus(status),
		Code:    code,
		Status:  status,
		Message: fmt.Sprintf(format, args...),
		Sender:  status < 500,
	}
}

// Newf returns an error of the given class; the provider picks the code.
func Newf(class Class, format string, args ...any) *Error {
	return &Error{Class: class, Message: fmt.Sprintf(format, args...), Sender: class != ClassInternal}
}

// Validation is shorthand for Newf(ClassValidation, ...).
func Validation(format string, args ...any) *Error {
	return Newf(ClassValidation, format, args...)
}

// Code is a service-specific error code.
type Code struct {
	Name    string
	Status  int
	Message string
}

// Codes translates storage and lifecycle failures into one service's
// vocabulary. Zero-valued entries fall back to provider defaults.
type Codes struct {
	NotFound          Code
	AlreadyExists     Code
	Busy              Code
	InvalidTransition Code
}

// Translate converts err using c. Errors that are already *Error, or whose
// class has no entry in c, are returned unchanged.
func (c Codes) Translate(err error, resource string) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}

	class := Classify(err)
	var code Code
	switch class {
	case ClassNotFound:
		code = c.NotFound
	case ClassAlreadyExists:
		code = c.AlreadyExists
	case ClassBusy:
		code = c.Busy
	case ClassInvalidTransition:
		code = c.InvalidTransition
	}
	if code.Name == "" {
		return err
	}

	msg := code.Message
	if msg == "" {
		msg = defaultMessage(class)
	}
	return &Error{
		Class:    class,
		Code:     code.Name,
		Status:   code.Status,
		Message:  msg,
		Resource: resource,
		Sender:   true,
		Err:      err,
	}
}

// Classify returns the class of an arbitrary error.
func Classify(err error) Class {
	var ae *Error
	var ue *UnsupportedError
	switch {
	case errors.As(err, &ae):
		return ae.Class
	case errors.As(err, &ue):
		return ClassUnsupported
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		return ClassInvalidTransition
	case errors.Is(err, lifecycle.ErrResourceBusy):
		return ClassBusy
	case errors.Is(err, storage.ErrNotFound):
		return ClassNotFound
	case errors.Is(err, storage.ErrAlreadyExists):
		return ClassAlreadyExists
	case errors.Is(err, storage.ErrInvalidKey), errors.Is(err, protocol.ErrMissingParameter):
		return ClassValidation
	case errors.Is(err, storage.ErrInvalidCursor):
		return ClassValidation
	case errors.Is(err, protocol.ErrMalformedBody):
		return ClassMalformed
	}
	return ClassInternal
}

func classForStatus(status int) Class {
	switch status {
	case http.StatusNotFound:
		return ClassNotFound
	case http.StatusConflict:
		return ClassAlreadyExists
	case http.StatusPreconditionFailed:
		return ClassInvalidTransition
	case http.StatusTooManyRequests:
		return ClassThrottled
	case http.StatusRequestEntityTooLarge:
		return ClassTooLarge
	case http.StatusNotImplemented:
		return ClassUnsupported
	}
	if status >= 500 {
		return ClassInternal
	}
	return ClassValidation
}

func defaultMessage(c Class) string {
	switch c {
	case ClassMalformed:
		return "The request body could not be parsed."
	case ClassValidation:
		return "The request is invalid."
	case ClassNotFound:
		return "The specified resource does not exist."
	case ClassAlreadyExists:
		return "The specified resource already exists."
	case ClassBusy:
		return "The resource is being modified by another operation. Retry later."
	case ClassInvalidTransition:
		return "The resource is not in a state that allows this operation."
	case ClassUnsupported:
		return "The requested operation is not supported."
	case ClassThrottled:
		return "Rate exceeded."
	case ClassTooLarge:
		return "The request body is too large."
	}
	return "An internal error occurred."
}

// Reason distinguishes why a request could not be routed.
type Reason int

// Unsupported reasons.
const (
	// NoSignal means no strategy could name an operation.
	NoSignal Reason = iota

	// NoHandler means an operation was named but nothing is registered
	// for it.
	NoHandler
)

// UnsupportedError reports a request that did not resolve to a handler.
type UnsupportedError struct {
	Reason    Reason
	Method    string
	Path      string
	Operation string
}

func (e *UnsupportedError) Error() string {
	if e.Reason == NoHandler {
		return fmt.Sprintf("operation %s is not supported", e.Operation)
	}
	return fmt.Sprintf("no operation matches %s %s", e.Method, e.Path)
}
