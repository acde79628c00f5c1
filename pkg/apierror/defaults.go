package apierror

import (
	"net/http"

	"github.com/cloudemu/cloudemu/pkg/protocol"
	"github.com/cloudemu/cloudemu/pkg/resource"
)

// defaultCode returns the provider's code for a class on a given wire.
// For GCP the code is the canonical status name and reason is filled.
func defaultCode(p resource.Provider, w protocol.Wire, c Class, r Reason) (code string, status int, reason string) {
	switch p {
	case resource.Azure:
		return azureCode(w, c, r)
	case resource.GCP:
		return gcpCode(c, r)
	default:
		return awsCode(w, c)
	}
}

func awsCode(w protocol.Wire, c Class) (string, int, string) {
	switch w {
	case protocol.WireRESTXML:
		switch c {
		case ClassMalformed:
			return "MalformedXML", http.StatusBadRequest, ""
		case ClassValidation:
			return "InvalidArgument", http.StatusBadRequest, ""
		case ClassNotFound:
			return "NotFound", http.StatusNotFound, ""
		case ClassAlreadyExists:
			return "ResourceAlreadyExists", http.StatusConflict, ""
		case ClassBusy:
			return "OperationAborted", http.StatusConflict, ""
		case ClassInvalidTransition:
			return "PreconditionFailed", http.StatusPreconditionFailed, ""
		case ClassUnsupported:
			return "NotImplemented", http.StatusNotImplemented, ""
		case ClassThrottled:
			return "SlowDown", http.StatusServiceUnavailable, ""
		case ClassTooLarge:
			return "EntityTooLarge", http.StatusBadRequest, ""
		}
		return "InternalError", http.StatusInternalServerError, ""

	case protocol.WireQuery:
		switch c {
		case ClassMalformed:
			return "MalformedInput", http.StatusBadRequest, ""
		case ClassValidation:
			return "InvalidParameterValue", http.StatusBadRequest, ""
		case ClassNotFound:
			return "NotFound", http.StatusNotFound, ""
		case ClassAlreadyExists:
			return "AlreadyExists", http.StatusConflict, ""
		case ClassBusy:
			return "ConcurrentAccess", http.StatusConflict, ""
		case ClassInvalidTransition:
			return "InvalidState", http.StatusPreconditionFailed, ""
		case ClassUnsupported:
			return "InvalidAction", http.StatusBadRequest, ""
		case ClassThrottled:
			return "Throttling", http.StatusBadRequest, ""
		case ClassTooLarge:
			return "RequestEntityTooLarge", http.StatusRequestEntityTooLarge, ""
		}
		return "InternalFailure", http.StatusInternalServerError, ""

	case protocol.WireRESTJSON:
		switch c {
		case ClassMalformed:
			return "InvalidRequestContentException", http.StatusBadRequest, ""
		case ClassValidation:
			return "InvalidParameterValueException", http.StatusBadRequest, ""
		case ClassNotFound:
			return "ResourceNotFoundException", http.StatusNotFound, ""
		case ClassAlreadyExists, ClassBusy:
			return "ResourceConflictException", http.StatusConflict, ""
		case ClassInvalidTransition:
			return "PreconditionFailedException", http.StatusPreconditionFailed, ""
		case ClassUnsupported:
			return "UnknownOperationException", http.StatusNotFound, ""
		case ClassThrottled:
			return "TooManyRequestsException", http.StatusTooManyRequests, ""
		case ClassTooLarge:
			return "RequestTooLargeException", http.StatusRequestEntityTooLarge, ""
		}
		return "ServiceException", http.StatusInternalServerError, ""
	}

	switch c {
	case ClassMalformed:
		return "SerializationException", http.StatusBadRequest, ""
	case ClassValidation:
		return "ValidationException", http.StatusBadRequest, ""
	case ClassNotFound:
		return "ResourceNotFoundException", http.StatusBadRequest, ""
	case ClassAlreadyExists:
		return "ResourceInUseException", http.StatusBadRequest, ""
	case ClassBusy:
		return "ResourceConflictException", http.StatusConflict, ""
	case ClassInvalidTransition:
		return "ConditionalCheckFailedException", http.StatusPreconditionFailed, ""
	case ClassUnsupported:
		return "UnknownOperationException", http.StatusBadRequest, ""
	case ClassThrottled:
		return "ThrottlingException", http.StatusBadRequest, ""
	case ClassTooLarge:
		return "RequestEntityTooLarge", http.StatusRequestEntityTooLarge, ""
	}
	return "InternalFailure", http.StatusInternalServerError, ""
}

func azureCode(w protocol.Wire, c Class, r Reason) (string, int, string) {
	switch c {
	case ClassMalformed:
		if w == protocol.WireRESTXML {
			return "InvalidXmlDocument", http.StatusBadRequest, ""
		}
		return "InvalidInput", http.StatusBadRequest, ""
	case ClassValidation:
		return "InvalidInput", http.StatusBadRequest, ""
	case ClassNotFound:
		return "ResourceNotFound", http.StatusNotFound, ""
	case ClassAlreadyExists:
		return "ResourceAlreadyExists", http.StatusConflict, ""
	case ClassBusy:
		return "Conflict", http.StatusConflict, ""
	case ClassInvalidTransition:
		return "ConditionNotMet", http.StatusPreconditionFailed, ""
	case ClassUnsupported:
		if r == NoHandler {
			return "UnsupportedHttpVerb", http.StatusMethodNotAllowed, ""
		}
		return "InvalidUri", http.StatusBadRequest, ""
	case ClassThrottled:
		return "ServerBusy", http.StatusServiceUnavailable, ""
	case ClassTooLarge:
		return "RequestBodyTooLarge", http.StatusRequestEntityTooLarge, ""
	}
	return "InternalError", http.StatusInternalServerError, ""
}

func gcpCode(c Class, r Reason) (string, int, string) {
	switch c {
	case ClassMalformed:
		return "INVALID_ARGUMENT", http.StatusBadRequest, "parseError"
	case ClassValidation:
		return "INVALID_ARGUMENT", http.StatusBadRequest, "invalid"
	case ClassNotFound:
		return "NOT_FOUND", http.StatusNotFound, "notFound"
	case ClassAlreadyExists:
		return "ALREADY_EXISTS", http.StatusConflict, "conflict"
	case ClassBusy:
		return "ABORTED", http.StatusConflict, "conflict"
	case ClassInvalidTransition:
		return "FAILED_PRECONDITION", http.StatusBadRequest, "failedPrecondition"
	case ClassUnsupported:
		if r == NoHandler {
			return "UNIMPLEMENTED", http.StatusNotImplemented, "notImplemented"
		}
		return "NOT_FOUND", http.StatusNotFound, "notFound"
	case ClassThrottled:
		return "RESOURCE_EXHAUSTED", http.StatusTooManyRequests, "rateLimitExceeded"
	case ClassTooLarge:
		return "INVALID_ARGUMENT", http.StatusRequestEntityTooLarge, "uploadTooLarge"
	}
	return "INTERNAL", http.StatusInternalServerError, "backendError"
}

// gcpCanonical holds the canonical status names a handler may use as a
// code to override the name derived from its HTTP status.
var gcpCanonical = map[string]bool{
	"INVALID_ARGUMENT":    true,
	"FAILED_PRECONDITION": true,
	"OUT_OF_RANGE":        true,
	"UNAUTHENTICATED":     true,
	"PERMISSION_DENIED":   true,
	"NOT_FOUND":           true,
	"ABORTED":             true,
	"ALREADY_EXISTS":      true,
	"RESOURCE_EXHAUSTED":  true,
	"CANCELLED":           true,
	"UNIMPLEMENTED":       true,
	"UNAVAILABLE":         true,
	"INTERNAL":            true,
}

// gcpStatusName maps an HTTP status to a canonical status name, for
// errors created with an explicit status.
func gcpStatusName(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "INVALID_ARGUMENT"
	case http.StatusUnauthorized:
		return "UNAUTHENTICATED"
	case http.StatusForbidden:
		return "PERMISSION_DENIED"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusConflict:
		return "ALREADY_EXISTS"
	case http.StatusPreconditionFailed:
		return "FAILED_PRECONDITION"
	case http.StatusTooManyRequests:
		return "RESOURCE_EXHAUSTED"
	case http.StatusNotImplemented:
		return "UNIMPLEMENTED"
	case http.StatusServiceUnavailable:
		return "UNAVAILABLE"
	}
	return "INTERNAL"
}
