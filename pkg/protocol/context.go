package protocol

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/beevik/etree"

	"github.com/cloudemu/cloudemu/pkg/resource"
)

// RequestContext is the parsed form of one inbound request. It is built by
// the gateway, completed by the dispatcher, and never persisted.
type RequestContext struct {
	RequestID  string
	ReceivedAt time.Time
	RemoteAddr string

	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte

	// Provider comes from the listener the request arrived on.
	Provider resource.Provider

	// Service, Operation and Wire are set by the dispatcher.
	Service   resource.ServiceType
	Operation string
	Wire      Wire

	// Params holds values captured from the path or the target header.
	Params map[string]string

	// Region and Account scope generated identifiers (ARNs, URLs).
	Region  string
	Account string

	// BaseURL is the scheme and host clients used to reach the listener.
	BaseURL string
}

// Param returns a captured path parameter, or "".
func (rc *RequestContext) Param(name string) string {
	if rc.Params == nil {
		return ""
	}
	return rc.Params[name]
}

// SetParam records a captured parameter.
func (rc *RequestContext) SetParam(name, value string) {
	if rc.Params == nil {
		rc.Params = make(map[string]string)
	}
	rc.Params[name] = value
}

// QueryValue returns the first value of a query parameter.
func (rc *RequestContext) QueryValue(name string) string {
	return rc.Query.Get(name)
}

// HasQuery reports whether the query string names the parameter, even with
// an empty value (as in ?uploads or ?comp=list).
func (rc *RequestContext) HasQuery(name string) bool {
	_, ok := rc.Query[name]
	return ok
}

// Form parses the body as application/x-www-form-urlencoded merged over
// the query string, as the AWS query protocol allows either.
func (rc *RequestContext) Form() (url.Values, error) {
	form := url.Values{}
	for k, v := range rc.Query {
		form[k] = append([]string(nil), v...)
	}
	if len(rc.Body) == 0 {
		return form, nil
	}
	body, err := url.ParseQuery(string(rc.Body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	for k, v := range body {
		form[k] = v
	}
	return form, nil
}

// DecodeJSON unmarshals the body into v. An empty body decodes as {}.
func (rc *RequestContext) DecodeJSON(v any) error {
	if len(rc.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(rc.Body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	return nil
}

// DecodeXML parses the body as an XML document.
func (rc *RequestContext) DecodeXML() (*etree.Document, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(rc.Body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	if doc.Root() == nil {
		return nil, fmt.Errorf("%w: empty document", ErrMalformedBody)
	}
	return doc, nil
}

// Key builds a resource key in the request's provider and service type.
func (rc *RequestContext) Key(id string) resource.Key {
	return resource.NewKey(rc.Provider, rc.Service, id)
}

// OperationKey returns the registry key the request resolved to.
func (rc *RequestContext) OperationKey() OperationKey {
	return OperationKey{Provider: rc.Provider, Service: rc.Service, Operation: rc.Operation}
}
