package apierror

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/beevik/etree"

	"github.com/cloudemu/cloudemu/pkg/protocol"
	"github.com/cloudemu/cloudemu/pkg/resource"
)

// Resolve converts err into a fully populated *Error for provider p and
// wire w.
func Resolve(p resource.Provider, w protocol.Wire, err error) *Error {
	var (
		ae     *Error
		ue     *UnsupportedError
		reason Reason
	)
	out := &Error{}
	switch {
	case errors.As(err, &ae):
		*out = *ae
	case errors.As(err, &ue):
		reason = ue.Reason
		out.Class = ClassUnsupported
		out.Message = ue.Error()
		out.Sender = true
		out.Err = err
	default:
		out.Class = Classify(err)
		out.Message = defaultMessage(out.Class)
		out.Sender = out.Class != ClassInternal
		out.Err = err
	}

	if out.Code == "" || out.Status == 0 {
		code, status, _ := defaultCode(p, w, out.Class, reason)
		if out.Code == "" {
			out.Code = code
		}
		if out.Status == 0 {
			out.Status = status
		}
	}
	if out.Message == "" {
		out.Message = defaultMessage(out.Class)
	}
	return out
}

// Render builds the provider's error envelope for err.
func Render(p resource.Provider, w protocol.Wire, requestID string, err error) *protocol.Response {
	e := Resolve(p, w, err)
	var resp *protocol.Response
	switch p {
	case resource.Azure:
		resp = renderAzure(w, requestID, e)
	case resource.GCP:
		resp = renderGCP(err, e)
	default:
		resp = renderAWS(w, requestID, e)
	}
	resp.ErrorCode = e.Code
	return resp
}

func renderAWS(w protocol.Wire, requestID string, e *Error) *protocol.Response {
	switch w {
	case protocol.WireRESTXML:
		doc := protocol.NewXMLDocument()
		root := doc.CreateElement("Error")
		root.CreateElement("Code").SetText(e.Code)
		root.CreateElement("Message").SetText(e.Message)
		if e.Resource != "" {
			root.CreateElement("Resource").SetText(e.Resource)
		}
		root.CreateElement("RequestId").SetText(requestID)
		resp := xmlResponse(e.Status, doc)
		resp.SetHeader("x-amz-request-id", requestID)
		return resp

	case protocol.WireQuery:
		doc := protocol.NewXMLDocument()
		root := doc.CreateElement("ErrorResponse")
		errEl := root.CreateElement("Error")
		typ := "Sender"
		if !e.Sender {
			typ = "Receiver"
		}
		errEl.CreateElement("Type").SetText(typ)
		errEl.CreateElement("Code").SetText(e.Code)
		errEl.CreateElement("Message").SetText(e.Message)
		root.CreateElement("RequestId").SetText(requestID)
		resp := xmlResponse(e.Status, doc)
		resp.SetHeader("Content-Type", "text/xml")
		resp.SetHeader("x-amzn-RequestId", requestID)
		return resp

	case protocol.WireRESTJSON:
		typ := "User"
		if !e.Sender {
			typ = "Service"
		}
		resp := jsonResponse(e.Status, "application/json", map[string]string{
			"Type":    typ,
			"message": e.Message,
		})
		resp.SetHeader("x-amzn-ErrorType", e.Code)
		resp.SetHeader("x-amzn-RequestId", requestID)
		return resp
	}

	resp := jsonResponse(e.Status, "application/x-amz-json-1.1", map[string]string{
		"__type":  e.Code,
		"message": e.Message,
	})
	resp.SetHeader("x-amzn-RequestId", requestID)
	return resp
}

func renderAzure(w protocol.Wire, requestID string, e *Error) *protocol.Response {
	var resp *protocol.Response
	if w == protocol.WireRESTXML {
		doc := protocol.NewXMLDocument()
		root := doc.CreateElement("Error")
		root.CreateElement("Code").SetText(e.Code)
		root.CreateElement("Message").SetText(e.Message +
			"\nRequestId:" + requestID +
			"\nTime:" + time.Now().UTC().Format("2006-01-02T15:04:05.0000000Z"))
		resp = xmlResponse(e.Status, doc)
	} else {
		resp = jsonResponse(e.Status, "application/json", map[string]any{
			"error": map[string]string{"code": e.Code, "message": e.Message},
		})
	}
	resp.SetHeader("x-ms-error-code", e.Code)
	resp.SetHeader("x-ms-request-id", requestID)
	return resp
}

type gcpDetail struct {
	Reason  string `json:"reason"`
	Domain  string `json:"domain"`
	Message string `json:"message"`
}

type gcpBody struct {
	Error struct {
		Code    int         `json:"code"`
		Message string      `json:"message"`
		Status  string      `json:"status"`
		Errors  []gcpDetail `json:"errors"`
	} `json:"error"`
}

func renderGCP(orig error, e *Error) *protocol.Response {
	var reason Reason
	var ue *UnsupportedError
	if errors.As(orig, &ue) {
		reason = ue.Reason
	}
	status, _, detail := gcpCode(e.Class, reason)

	// An explicit status from a handler wins over the class default.
	var ae *Error
	if errors.As(orig, &ae) && ae.Status != 0 {
		status = gcpStatusName(ae.Status)
		switch {
		case gcpCanonical[ae.Code]:
			status = ae.Code
		case ae.Code != "" && ae.Code != status:
			detail = ae.Code
		}
	}

	var body gcpBody
	body.Error.Code = e.Status
	body.Error.Message = e.Message
	body.Error.Status = status
	body.Error.Errors = []gcpDetail{{Reason: detail, Domain: "global", Message: e.Message}}
	return jsonResponse(e.Status, "application/json; charset=UTF-8", body)
}

func xmlResponse(status int, doc *etree.Document) *protocol.Response {
	resp, err := protocol.XML(status, doc)
	if err != nil {
		return protocol.Raw(http.StatusInternalServerError, "text/plain", []byte(err.Error()))
	}
	return resp
}

func jsonResponse(status int, contentType string, v any) *protocol.Response {
	body, err := json.Marshal(v)
	if err != nil {
		return protocol.Raw(http.StatusInternalServerError, "text/plain", []byte(err.Error()))
	}
	return protocol.Raw(status, contentType, body)
}
