package requestlog

import "time"

// MaxBodySize is how much of a request or response body an entry keeps.
const MaxBodySize = 10 * 1024

// Entry captures one request and the response it produced.
type Entry struct {
	// ID is a unique identifier for the log entry.
	ID string `json:"id"`

	// RequestID is the id echoed to the client in the provider's
	// request-id header.
	RequestID string `json:"requestId,omitempty"`

	// Timestamp is when the request was received.
	Timestamp time.Time `json:"timestamp"`

	// Provider is the provider whose listener served the request.
	Provider string `json:"provider"`

	// Service and Operation are empty when the request did not resolve.
	Service   string `json:"service,omitempty"`
	Operation string `json:"operation,omitempty"`

	Method      string              `json:"method"`
	Path        string              `json:"path"`
	QueryString string              `json:"queryString,omitempty"`
	Headers     map[string][]string `json:"headers,omitempty"`

	// Body is the request body, truncated to MaxBodySize.
	Body string `json:"body,omitempty"`

	// BodySize is the original body size in bytes.
	BodySize int `json:"bodySize"`

	RemoteAddr string `json:"remoteAddr"`

	ResponseStatus int `json:"responseStatus"`

	// ResponseBody is the response body, truncated to MaxBodySize.
	ResponseBody string `json:"responseBody,omitempty"`

	DurationMs int `json:"durationMs"`

	// Error is the error code rendered to the client, if any.
	Error string `json:"error,omitempty"`
}

// Truncate shortens b to MaxBodySize bytes.
func Truncate(b []byte) string {
	if len(b) > MaxBodySize {
		return string(b[:MaxBodySize])
	}
	return string(b)
}
