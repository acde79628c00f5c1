package gateway

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cloudemu/cloudemu/internal/id"
	"github.com/cloudemu/cloudemu/pkg/apierror"
	"github.com/cloudemu/cloudemu/pkg/dispatch"
	"github.com/cloudemu/cloudemu/pkg/protocol"
	"github.com/cloudemu/cloudemu/pkg/resource"
)

// providerHandler serves the emulated API of one provider.
type providerHandler struct {
	gateway  *Gateway
	provider resource.Provider
}

func (h *providerHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rc := h.gateway.newRequestContext(h.provider, r)
	ex := exchangeFrom(r.Context())
	if ex != nil {
		ex.rc = rc
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.gateway.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			err = apierror.Newf(apierror.ClassTooLarge,
				"The request body exceeds the maximum allowed size of %d bytes.", tooLarge.Limit)
		} else {
			err = apierror.Newf(apierror.ClassMalformed, "The request body could not be read.")
		}
		h.gateway.write(w, ex, rc, apierror.Render(h.provider, dispatch.DefaultWire(rc), rc.RequestID, err))
		return
	}
	rc.Body = body

	resp := h.gateway.dispatcher.Dispatch(r.Context(), rc)
	h.gateway.write(w, ex, rc, resp)
}

func (g *Gateway) newRequestContext(p resource.Provider, r *http.Request) *protocol.RequestContext {
	scope := g.scopes[p]
	rc := &protocol.RequestContext{
		RequestID:  id.UUID(),
		ReceivedAt: time.Now().UTC(),
		RemoteAddr: r.RemoteAddr,
		Method:     r.Method,
		Path:       r.URL.EscapedPath(),
		Query:      r.URL.Query(),
		Header:     r.Header,
		Provider:   p,
		Region:     scope.Region,
		Account:    scope.Account,
		BaseURL:    "http://" + r.Host,
	}
	if r.TLS != nil {
		rc.BaseURL = "https://" + r.Host
	}
	if p == resource.AWS {
		if region := dispatch.CredentialRegion(r.Header.Get("Authorization")); region != "" {
			rc.Region = region
		}
	}
	return rc
}

// write sends resp, adding the provider's request-id header when the
// handler did not set one.
func (g *Gateway) write(w http.ResponseWriter, ex *exchange, rc *protocol.RequestContext, resp *protocol.Response) {
	if ex != nil {
		ex.resp = resp
	}

	h := w.Header()
	for name, values := range resp.Header {
		h[name] = values
	}
	for _, name := range requestIDHeaders(rc.Provider) {
		if h.Get(name) == "" {
			h.Set(name, rc.RequestID)
		}
	}
	if h.Get("Content-Length") == "" {
		h.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	}

	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if rc.Method != http.MethodHead && len(resp.Body) > 0 {
		_, _ = w.Write(resp.Body)
	}
}

func requestIDHeaders(p resource.Provider) []string {
	switch p {
	case resource.AWS:
		return []string{"x-amzn-RequestId", "x-amz-request-id"}
	case resource.Azure:
		return []string{"x-ms-request-id"}
	}
	return []string{"X-GUploader-UploadID"}
}
