package protocol

import (
	"fmt"

	"github.com/cloudemu/cloudemu/pkg/resource"
)

// Wire identifies the request and response encoding of an operation.
type Wire string

// Wire formats.
const (
	// WireJSON is the AWS JSON protocol: POST with X-Amz-Target and an
	// application/x-amz-json body.
	WireJSON Wire = "json"

	// WireQuery is the AWS query protocol: form-encoded Action parameters
	// and XML responses.
	WireQuery Wire = "query"

	// WireRESTXML is REST with XML bodies (S3, Azure Blob).
	WireRESTXML Wire = "rest-xml"

	// WireRESTJSON is REST with JSON bodies (Lambda, Azure, GCP).
	WireRESTJSON Wire = "rest-json"
)

// String returns the string representation of the wire format.
func (w Wire) String() string {
	return string(w)
}

// OperationKey identifies a registered operation.
type OperationKey struct {
	Provider  resource.Provider    `json:"provider"`
	Service   resource.ServiceType `json:"serviceType"`
	Operation string               `json:"operation"`
}

// String renders the key as provider/service/operation.
func (k OperationKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Provider, k.Service, k.Operation)
}

// HealthStatus represents the health of one provider listener.
type HealthStatus struct {
	Status  HealthState `json:"status"`
	Message string      `json:"message,omitempty"`
	Details any         `json:"details,omitempty"`
}

// HealthState is the health status enum.
type HealthState string

// HealthState constants.
const (
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
)
