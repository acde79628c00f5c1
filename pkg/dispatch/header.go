package dispatch

import (
	"strings"

	"github.com/cloudemu/cloudemu/pkg/protocol"
	"github.com/cloudemu/cloudemu/pkg/resource"
)

// TargetHeader is the AWS JSON protocol operation header.
const TargetHeader = "X-Amz-Target"

// Target maps an X-Amz-Target prefix to a service.
type Target struct {
	Service resource.ServiceType
	Wire    protocol.Wire
}

// HeaderBasedExtraction reads "<Prefix>.<Operation>" from a header.
type HeaderBasedExtraction struct {
	// Header defaults to TargetHeader.
	Header  string
	Targets map[string]Target
}

// Extract implements Extractor.
func (h HeaderBasedExtraction) Extract(rc *protocol.RequestContext) (Operation, bool) {
	name := h.Header
	if name == "" {
		name = TargetHeader
	}
	value := strings.TrimSpace(rc.Header.Get(name))
	if value == "" {
		return Operation{}, false
	}
	prefix, op, ok := strings.Cut(value, ".")
	if !ok || op == "" {
		return Operation{}, false
	}
	t, ok := h.Targets[prefix]
	if !ok {
		return Operation{}, false
	}
	wire := t.Wire
	if wire == "" {
		wire = protocol.WireJSON
	}
	return Operation{Service: t.Service, Name: op, Wire: wire}, true
}

// QueryActionExtraction reads the Action parameter of the AWS query
// protocol from the query string or a form body. The service comes from
// the SigV4 credential scope when present, otherwise from Actions.
type QueryActionExtraction struct {
	// Scopes maps a credential scope service name ("sns") to a service.
	Scopes map[string]resource.ServiceType

	// Actions maps an action name to a service for unsigned requests.
	Actions map[string]resource.ServiceType
}

// Extract implements Extractor.
func (q QueryActionExtraction) Extract(rc *protocol.RequestContext) (Operation, bool) {
	if rc.Method != "POST" && rc.Method != "GET" {
		return Operation{}, false
	}
	action := rc.QueryValue("Action")
	if action == "" && isForm(rc) {
		form, err := rc.Form()
		if err != nil {
			return Operation{}, false
		}
		action = form.Get("Action")
	}
	if action == "" {
		return Operation{}, false
	}

	if scope := credentialScopeService(rc.Header.Get("Authorization")); scope != "" {
		if svc, ok := q.Scopes[scope]; ok {
			return Operation{Service: svc, Name: action, Wire: protocol.WireQuery}, true
		}
	}
	if svc, ok := q.Actions[action]; ok {
		return Operation{Service: svc, Name: action, Wire: protocol.WireQuery}, true
	}
	return Operation{}, false
}

func isForm(rc *protocol.RequestContext) bool {
	return strings.HasPrefix(rc.Header.Get("Content-Type"), "application/x-www-form-urlencoded")
}

// credentialScopeService extracts the service from
// "AWS4-HMAC-SHA256 Credential=AKID/20240101/us-east-1/sns/aws4_request, ...".
func credentialScopeService(auth string) string {
	_, rest, ok := strings.Cut(auth, "Credential=")
	if !ok {
		return ""
	}
	cred, _, _ := strings.Cut(rest, ",")
	parts := strings.Split(strings.TrimSpace(cred), "/")
	if len(parts) != 5 {
		return ""
	}
	return parts[3]
}

// CredentialRegion returns the region from a SigV4 Authorization header,
// or "".
func CredentialRegion(auth string) string {
	_, rest, ok := strings.Cut(auth, "Credential=")
	if !ok {
		return ""
	}
	cred, _, _ := strings.Cut(rest, ",")
	parts := strings.Split(strings.TrimSpace(cred), "/")
	if len(parts) != 5 {
		return ""
	}
	return parts[2]
}
