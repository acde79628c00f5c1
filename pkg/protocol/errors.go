package protocol

// Error is a simple error type for protocol errors.
// It allows defining sentinel errors as constants.
type Error string

// Error implements the error interface.
func (e Error) Error() string { return string(e) }

// Sentinel errors for handler registration and request decoding.
const (
	// ErrNilHandler is returned when attempting to register a nil handler.
	ErrNilHandler = Error("handler cannot be nil")

	// ErrIncompleteOperation is returned when a provider, service type or
	// operation name is missing from a registration.
	ErrIncompleteOperation = Error("provider, service type and operation are required")

	// ErrHandlerExists is returned when registering a second handler for
	// the same (provider, service type, operation).
	ErrHandlerExists = Error("handler for this operation already exists")

	// ErrRegistryBuilt is returned when registering after Build.
	ErrRegistryBuilt = Error("registry already built")

	// ErrMalformedBody is returned when a request body cannot be decoded
	// in the operation's wire format.
	ErrMalformedBody = Error("malformed request body")

	// ErrMissingParameter is returned when a required request parameter is
	// absent.
	ErrMissingParameter = Error("missing required parameter")
)
