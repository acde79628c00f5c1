package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudemu/cloudemu/pkg/resource"
)

func TestAdmin_Health(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	h := f.gateway.Handler(resource.AWS)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/_cloudemu/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "isolated", body["storageMode"])
	assert.EqualValues(t, 2, body["operations"])

	for _, path := range []string{"/health", "/_localstack/health"} {
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code, path)
		assert.Equal(t, map[string]any{"key-value": "running"}, decode(t, rec)["services"])
	}
}

func TestAdmin_Resources(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	st := f.stores.For(resource.AWS)

	for _, id := range []string{"b1", "b1/a.txt", "b1/b.txt", "b2"} {
		r := &resource.Resource{Key: resource.NewKey(resource.AWS, resource.ObjectStorage, id), Kind: "bucket"}
		if id != "b1" && id != "b2" {
			r.Kind, r.Parent = "object", "b1"
		}
		_, err := st.Create(ctx, r)
		require.NoError(t, err)
	}
	h := f.gateway.Handler(resource.AWS)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/_cloudemu/resources?service=object-storage&kind=object&page_size=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode(t, rec)
	assert.Len(t, page["items"], 1)
	cursor, _ := page["nextCursor"].(string)
	require.NotEmpty(t, cursor)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/_cloudemu/resources?service=object-storage&kind=object&page_size=1&cursor="+cursor, nil))
	page = decode(t, rec)
	assert.Len(t, page["items"], 1)
	assert.Empty(t, page["nextCursor"])

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/_cloudemu/resources/object-storage/b1%2Fa.txt", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "b1/a.txt", decode(t, rec)["id"])

	// Isolated storage: the GCP store holds none of it.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/_cloudemu/resources?provider=gcp", nil))
	assert.Empty(t, decode(t, rec)["items"])

	tests := []struct {
		name   string
		target string
		status int
	}{
		{name: "bad provider", target: "/_cloudemu/resources?provider=ibm", status: http.StatusBadRequest},
		{name: "disabled provider", target: "/_cloudemu/resources?provider=azure", status: http.StatusNotFound},
		{name: "bad service", target: "/_cloudemu/resources?service=tape", status: http.StatusBadRequest},
		{name: "bad page size", target: "/_cloudemu/resources?page_size=-1", status: http.StatusBadRequest},
		{name: "bad cursor", target: "/_cloudemu/resources?cursor=!!", status: http.StatusBadRequest},
		{name: "missing resource", target: "/_cloudemu/resources/object-storage/nope", status: http.StatusNotFound},
		{name: "unknown endpoint", target: "/_cloudemu/nope", status: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.target, nil))
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestAdmin_Requests(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	h := f.gateway.Handler(resource.AWS)

	h.ServeHTTP(httptest.NewRecorder(), awsRequest("Echo", "{}"))
	h.ServeHTTP(httptest.NewRecorder(), awsRequest("Nope", "{}"))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/_cloudemu/requests?error=true", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.EqualValues(t, 1, body["count"])
	assert.EqualValues(t, 2, body["total"])

	entries := f.requests.List(nil)
	require.Len(t, entries, 2)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/_cloudemu/requests/"+entries[0].ID, nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/_cloudemu/requests?limit=x", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/_cloudemu/requests", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Zero(t, f.requests.Count())
}

func TestAdmin_Operations(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := httptest.NewRecorder()
	f.gateway.Handler(resource.GCP).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/_cloudemu/operations", nil))
	assert.EqualValues(t, 1, decode(t, rec)["count"])

	rec = httptest.NewRecorder()
	f.gateway.Handler(resource.GCP).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/_cloudemu/operations?provider=all", nil))
	assert.EqualValues(t, 3, decode(t, rec)["count"])
}

func TestAdmin_Metrics(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	h := f.gateway.Handler(resource.AWS)
	h.ServeHTTP(httptest.NewRecorder(), awsRequest("Echo", "{}"))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/_cloudemu/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "cloudemu_requests_total")

	// The bare path is left to the provider API.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.NotContains(t, rec.Body.String(), "cloudemu_requests_total")
}
