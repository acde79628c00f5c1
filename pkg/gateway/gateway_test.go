package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudemu/cloudemu/pkg/dispatch"
	"github.com/cloudemu/cloudemu/pkg/lifecycle"
	"github.com/cloudemu/cloudemu/pkg/protocol"
	"github.com/cloudemu/cloudemu/pkg/ratelimit"
	"github.com/cloudemu/cloudemu/pkg/requestlog"
	"github.com/cloudemu/cloudemu/pkg/resource"
	"github.com/cloudemu/cloudemu/pkg/storage"
)

// echo reports the provider and region the handler saw.
var echo = protocol.HandlerFunc(func(_ context.Context, rc *protocol.RequestContext, _ *lifecycle.Manager) (*protocol.Response, error) {
	return protocol.JSON(http.StatusOK, "", map[string]string{
		"provider": string(rc.Provider),
		"region":   rc.Region,
		"body":     string(rc.Body),
	})
})

var boom = protocol.HandlerFunc(func(context.Context, *protocol.RequestContext, *lifecycle.Manager) (*protocol.Response, error) {
	panic("boom")
})

type fixture struct {
	gateway  *Gateway
	stores   *storage.Set
	requests *requestlog.MemoryStore
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()

	set, err := storage.OpenSet(ctx, t.TempDir(), storage.ModeIsolated, resource.Providers(), storage.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = set.Close() })

	b := protocol.NewRegistryBuilder()
	require.NoError(t, b.Register(resource.AWS, resource.KeyValue, "Echo", echo))
	require.NoError(t, b.Register(resource.AWS, resource.KeyValue, "Panic", boom))
	require.NoError(t, b.Register(resource.GCP, resource.PubSub, "Echo", echo))
	reg, err := b.Build()
	require.NoError(t, err)

	target := dispatch.HeaderBasedExtraction{Targets: map[string]dispatch.Target{"Test": {Service: resource.KeyValue}}}
	d, err := dispatch.New(reg,
		dispatch.WithStrategy(resource.AWS, dispatch.Strategy{Extractor: target}),
		dispatch.WithStrategy(resource.GCP, dispatch.Strategy{Extractor: dispatch.NewVerbPlusPathExtraction(
			dispatch.VerbRule{Method: "POST", Prefix: "/echo", Service: resource.PubSub, Operation: "Echo"},
		)}),
		dispatch.WithManager(resource.AWS, lifecycle.NewManager(set.For(resource.AWS))),
		dispatch.WithManager(resource.GCP, lifecycle.NewManager(set.For(resource.GCP))),
	)
	require.NoError(t, err)

	requests := requestlog.NewMemoryStore(100)
	opts = append([]Option{
		WithStorage(set),
		WithRequestLog(requests),
		WithScope(resource.AWS, Scope{Region: "us-east-1", Account: "000000000000"}),
	}, opts...)
	return &fixture{gateway: New(d, opts...), stores: set, requests: requests}
}

func awsRequest(op, body string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	r.Header.Set(dispatch.TargetHeader, "Test."+op)
	r.Header.Set("Content-Type", "application/x-amz-json-1.0")
	return r
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m), rec.Body.String())
	return m
}

func TestHandler_ProviderComesFromListener(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := httptest.NewRecorder()
	f.gateway.Handler(resource.AWS).ServeHTTP(rec, awsRequest("Echo", `{"a":1}`))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "aws", body["provider"])
	assert.Equal(t, "us-east-1", body["region"])
	assert.Equal(t, `{"a":1}`, body["body"])
	assert.NotEmpty(t, rec.Header().Get("x-amzn-RequestId"))

	// The same AWS-shaped request on the GCP listener is a GCP request.
	rec = httptest.NewRecorder()
	f.gateway.Handler(resource.GCP).ServeHTTP(rec, awsRequest("Echo", `{}`))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"NOT_FOUND"`)

	rec = httptest.NewRecorder()
	f.gateway.Handler(resource.GCP).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/echo", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "gcp", decode(t, rec)["provider"])
}

func TestHandler_RegionFromCredentialScope(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	r := awsRequest("Echo", "")
	r.Header.Set("Authorization", "AWS4-HMAC-SHA256 Credential=AKID/20240101/eu-central-1/dynamodb/aws4_request, SignedHeaders=host, Signature=abc")
	rec := httptest.NewRecorder()
	f.gateway.Handler(resource.AWS).ServeHTTP(rec, r)
	assert.Equal(t, "eu-central-1", decode(t, rec)["region"])
}

func TestHandler_BodyTooLarge(t *testing.T) {
	t.Parallel()
	f := newFixture(t, WithMaxBodyBytes(16))

	rec := httptest.NewRecorder()
	f.gateway.Handler(resource.AWS).ServeHTTP(rec, awsRequest("Echo", strings.Repeat("x", 64)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "RequestEntityTooLarge", decode(t, rec)["__type"])

	// Other requests are unaffected.
	rec = httptest.NewRecorder()
	f.gateway.Handler(resource.AWS).ServeHTTP(rec, awsRequest("Echo", "{}"))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandler_UnsupportedOperation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := httptest.NewRecorder()
	f.gateway.Handler(resource.AWS).ServeHTTP(rec, awsRequest("Nope", "{}"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "UnknownOperationException", decode(t, rec)["__type"])

	entries := f.requests.List(&requestlog.Filter{Operation: "Nope"})
	require.Len(t, entries, 1)
	assert.Equal(t, "UnknownOperationException", entries[0].Error)
	assert.Equal(t, http.StatusBadRequest, entries[0].ResponseStatus)
}

func TestHandler_PanicIsRecovered(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := httptest.NewRecorder()
	f.gateway.Handler(resource.AWS).ServeHTTP(rec, awsRequest("Panic", "{}"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "InternalFailure", decode(t, rec)["__type"])

	rec = httptest.NewRecorder()
	f.gateway.Handler(resource.AWS).ServeHTTP(rec, awsRequest("Echo", "{}"))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandler_RateLimited(t *testing.T) {
	t.Parallel()
	limiter := ratelimit.New(ratelimit.Config{RPS: 0.001, Burst: 1})
	t.Cleanup(limiter.Stop)
	f := newFixture(t, WithRateLimiter(limiter))
	h := f.gateway.Handler(resource.AWS)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, awsRequest("Echo", "{}"))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, awsRequest("Echo", "{}"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "ThrottlingException", decode(t, rec)["__type"])
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Admin endpoints are not limited.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/_cloudemu/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandler_HeadHasNoBody(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := httptest.NewRecorder()
	f.gateway.Handler(resource.AWS).ServeHTTP(rec, httptest.NewRequest(http.MethodHead, "/bucket/key", nil))
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
	assert.Empty(t, rec.Body.Bytes())
	assert.NotEmpty(t, rec.Header().Get("x-amz-request-id"))
}

func TestServe_BindsEveryListener(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- f.gateway.Serve(ctx, []Listener{
			{Provider: resource.AWS, Addr: "127.0.0.1:0"},
			{Provider: resource.GCP, Addr: "127.0.0.1:0"},
		})
	}()

	var awsAddr, gcpAddr string
	require.Eventually(t, func() bool {
		awsAddr, gcpAddr = f.gateway.Addr(resource.AWS), f.gateway.Addr(resource.GCP)
		return awsAddr != "" && gcpAddr != ""
	}, 5*time.Second, 10*time.Millisecond)
	assert.NotEqual(t, awsAddr, gcpAddr)

	resp, err := http.Get("http://" + gcpAddr + "/_cloudemu/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Contains(t, string(body), `"provider":"gcp"`)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestServe_ListenFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	err := f.gateway.Serve(context.Background(), []Listener{{Provider: resource.AWS, Addr: "256.0.0.1:1"}})
	assert.Error(t, err)
}
