package protocol

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/beevik/etree"

	"github.com/cloudemu/cloudemu/pkg/lifecycle"
)

// Handler serves one emulated operation. Handlers persist state only
// through the lifecycle manager they are given.
type Handler interface {
	Handle(ctx context.Context, rc *RequestContext, m *lifecycle.Manager) (*Response, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, rc *RequestContext, m *lifecycle.Manager) (*Response, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, rc *RequestContext, m *lifecycle.Manager) (*Response, error) {
	return f(ctx, rc, m)
}

// Response is a handler's reply before it is written to the client.
type Response struct {
	Status int
	Header http.Header
	Body   []byte

	// ErrorCode is the provider error code of an error response. It is
	// recorded in the request log and never written to the client.
	ErrorCode string
}

// SetHeader sets a response header, allocating the map if needed.
func (r *Response) SetHeader(name, value string) *Response {
	if r.Header == nil {
		r.Header = make(http.Header)
	}
	r.Header.Set(name, value)
	return r
}

// Empty returns a response with no body.
func Empty(status int) *Response {
	return &Response{Status: status}
}

// Raw returns a response with the given body and content type.
func Raw(status int, contentType string, body []byte) *Response {
	r := &Response{Status: status, Body: body}
	if contentType != "" {
		r.SetHeader("Content-Type", contentType)
	}
	return r
}

// JSON encodes v as the response body with the given content type. An
// empty contentType means application/json.
func JSON(status int, contentType string, v any) (*Response, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if contentType == "" {
		contentType = "application/json"
	}
	return Raw(status, contentType, body), nil
}

// NewXMLDocument returns a document that starts with an XML declaration.
func NewXMLDocument() *etree.Document {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	return doc
}

// XML serializes doc as the response body.
func XML(status int, doc *etree.Document) (*Response, error) {
	body, err := doc.WriteToBytes()
	if err != nil {
		return nil, err
	}
	return Raw(status, "application/xml", body), nil
}
