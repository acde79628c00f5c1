package apierror

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudemu/cloudemu/pkg/lifecycle"
	"github.com/cloudemu/cloudemu/pkg/protocol"
	"github.com/cloudemu/cloudemu/pkg/resource"
	"github.com/cloudemu/cloudemu/pkg/storage"
)

func storageErr(kind storage.Kind) error {
	return &storage.Error{Op: "retrieve", Kind: kind, Key: resource.NewKey(resource.AWS, resource.ObjectStorage, "b")}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want Class
	}{
		{storageErr(storage.KindNotFound), ClassNotFound},
		{storageErr(storage.KindAlreadyExists), ClassAlreadyExists},
		{storageErr(storage.KindBusy), ClassBusy},
		{storageErr(storage.KindIO), ClassInternal},
		{storageErr(storage.KindInconsistent), ClassInternal},
		{&lifecycle.BusyError{State: resource.StateUpdating}, ClassBusy},
		{&lifecycle.TransitionError{From: resource.StateActive, To: resource.StateCreating}, ClassInvalidTransition},
		{fmt.Errorf("decode: %w", protocol.ErrMalformedBody), ClassMalformed},
		{protocol.ErrMissingParameter, ClassValidation},
		{&UnsupportedError{Reason: NoSignal}, ClassUnsupported},
		{Validation("bad"), ClassValidation},
		{fmt.Errorf("boom"), ClassInternal},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestCodesTranslate(t *testing.T) {
	codes := Codes{NotFound: Code{Name: "NoSuchBucket", Status: http.StatusNotFound, Message: "The specified bucket does not exist"}}

	err := codes.Translate(storageErr(storage.KindNotFound), "photos")
	var ae *Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "NoSuchBucket", ae.Code)
	assert.Equal(t, http.StatusNotFound, ae.StatusCode())
	assert.Equal(t, "photos", ae.Resource)
	assert.ErrorIs(t, err, storage.ErrNotFound, "translation keeps the cause")

	busy := storageErr(storage.KindBusy)
	assert.Same(t, busy, codes.Translate(busy, "photos"), "classes without an entry pass through")
	assert.NoError(t, codes.Translate(nil, ""))
}

func TestRender_AWSJSON(t *testing.T) {
	resp := Render(resource.AWS, protocol.WireJSON, "req-1", storageErr(storage.KindNotFound))

	assert.Equal(t, http.StatusBadRequest, resp.Status)
	assert.Equal(t, "req-1", resp.Header.Get("x-amzn-RequestId"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(resp.Body, &body))
	assert.Equal(t, "ResourceNotFoundException", body["__type"])
	assert.NotEmpty(t, body["message"])
}

func TestRender_AWSUnsupported(t *testing.T) {
	tests := []struct {
		wire   protocol.Wire
		status int
		code   string
	}{
		{protocol.WireJSON, http.StatusBadRequest, "UnknownOperationException"},
		{protocol.WireRESTXML, http.StatusNotImplemented, "NotImplemented"},
		{protocol.WireQuery, http.StatusBadRequest, "InvalidAction"},
	}
	for _, tt := range tests {
		t.Run(tt.wire.String(), func(t *testing.T) {
			resp := Render(resource.AWS, tt.wire, "r", &UnsupportedError{Reason: NoHandler, Operation: "Frobnicate"})
			assert.Equal(t, tt.status, resp.Status)
			assert.Contains(t, string(resp.Body), tt.code)
		})
	}
}

func TestRender_S3XML(t *testing.T) {
	err := New("NoSuchKey", http.StatusNotFound, "The specified key does not exist.")
	err.Resource = "/test-bucket/missing.txt"

	resp := Render(resource.AWS, protocol.WireRESTXML, "abc", err)
	assert.Equal(t, http.StatusNotFound, resp.Status)
	assert.Equal(t, "abc", resp.Header.Get("x-amz-request-id"))

	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(resp.Body))
	assert.Equal(t, "Error", doc.Root().Tag)
	assert.Equal(t, "NoSuchKey", doc.FindElement("/Error/Code").Text())
	assert.Equal(t, "/test-bucket/missing.txt", doc.FindElement("/Error/Resource").Text())
	assert.Equal(t, "abc", doc.FindElement("/Error/RequestId").Text())
}

func TestRender_AWSQuery(t *testing.T) {
	resp := Render(resource.AWS, protocol.WireQuery, "q1", fmt.Errorf("disk on fire"))
	assert.Equal(t, http.StatusInternalServerError, resp.Status)

	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(resp.Body))
	assert.Equal(t, "Receiver", doc.FindElement("/ErrorResponse/Error/Type").Text())
	assert.Equal(t, "InternalFailure", doc.FindElement("/ErrorResponse/Error/Code").Text())
	assert.Equal(t, "q1", doc.FindElement("/ErrorResponse/RequestId").Text())
}

func TestRender_AWSRESTJSON(t *testing.T) {
	resp := Render(resource.AWS, protocol.WireRESTJSON, "l1", &lifecycle.BusyError{State: resource.StateUpdating})
	assert.Equal(t, http.StatusConflict, resp.Status)
	assert.Equal(t, "ResourceConflictException", resp.Header.Get("x-amzn-ErrorType"))
	assert.Contains(t, string(resp.Body), `"Type":"User"`)
}

func TestRender_Azure(t *testing.T) {
	resp := Render(resource.Azure, protocol.WireRESTXML, "az-1", storageErr(storage.KindNotFound))
	assert.Equal(t, http.StatusNotFound, resp.Status)
	assert.Equal(t, "ResourceNotFound", resp.Header.Get("x-ms-error-code"))
	assert.Equal(t, "az-1", resp.Header.Get("x-ms-request-id"))
	assert.Contains(t, string(resp.Body), "<Code>ResourceNotFound</Code>")

	resp = Render(resource.Azure, protocol.WireRESTJSON, "az-2", &UnsupportedError{Reason: NoHandler})
	assert.Equal(t, http.StatusMethodNotAllowed, resp.Status)
	var body struct {
		Error struct{ Code, Message string } `json:"error"`
	}
	require.NoError(t, json.Unmarshal(resp.Body, &body))
	assert.Equal(t, "UnsupportedHttpVerb", body.Error.Code)

	resp = Render(resource.Azure, protocol.WireRESTJSON, "az-3", &UnsupportedError{Reason: NoSignal})
	assert.Equal(t, http.StatusBadRequest, resp.Status)
	assert.Equal(t, "InvalidUri", resp.Header.Get("x-ms-error-code"))
}

func TestRender_GCP(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		name2  string
		reason string
	}{
		{"not found", storageErr(storage.KindNotFound), 404, "NOT_FOUND", "notFound"},
		{"exists", storageErr(storage.KindAlreadyExists), 409, "ALREADY_EXISTS", "conflict"},
		{"no signal", &UnsupportedError{Reason: NoSignal}, 404, "NOT_FOUND", "notFound"},
		{"no handler", &UnsupportedError{Reason: NoHandler}, 501, "UNIMPLEMENTED", "notImplemented"},
		{"transition", &lifecycle.TransitionError{}, 400, "FAILED_PRECONDITION", "failedPrecondition"},
		{"canonical code", New("FAILED_PRECONDITION", 400, "disabled"), 400, "FAILED_PRECONDITION", "invalid"},
		{"reason code", New("conditionNotMet", 412, "generation"), 412, "FAILED_PRECONDITION", "conditionNotMet"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := Render(resource.GCP, protocol.WireRESTJSON, "g", tt.err)
			assert.Equal(t, tt.status, resp.Status)

			var body gcpBody
			require.NoError(t, json.Unmarshal(resp.Body, &body))
			assert.Equal(t, tt.status, body.Error.Code)
			assert.Equal(t, tt.name2, body.Error.Status)
			require.Len(t, body.Error.Errors, 1)
			assert.Equal(t, tt.reason, body.Error.Errors[0].Reason)
		})
	}
}

func TestResolve_ExplicitCodeWins(t *testing.T) {
	e := Resolve(resource.AWS, protocol.WireJSON, New("QueueDoesNotExist", 400, "no queue"))
	assert.Equal(t, "QueueDoesNotExist", e.Code)
	assert.Equal(t, 400, e.Status)

	e = Resolve(resource.AWS, protocol.WireJSON, Validation("TableName is required"))
	assert.Equal(t, "ValidationException", e.Code)
	assert.Equal(t, "TableName is required", e.Message)
}
