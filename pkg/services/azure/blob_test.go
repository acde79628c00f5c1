package azure_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudemu/cloudemu/pkg/resource"
	"github.com/cloudemu/cloudemu/pkg/storage"
)

const blobBase = "/blob/" + account

func (f *fixture) createContainer(name string) {
	f.t.Helper()
	rec := f.do(http.MethodPut, blobBase+"/"+name+"?restype=container", "", nil)
	require.Equal(f.t, http.StatusCreated, rec.Code, rec.Body.String())
}

func (f *fixture) putBlob(container, name, body string) {
	f.t.Helper()
	rec := f.do(http.MethodPut, blobBase+"/"+container+"/"+name, body, map[string]string{
		"x-ms-blob-type": "BlockBlob",
		"x-ms-meta-name": name,
	})
	require.Equal(f.t, http.StatusCreated, rec.Code, rec.Body.String())
}

func names(t *testing.T, body []byte, path string) []string {
	t.Helper()
	var out []string
	for _, el := range xmlDoc(t, body).FindElements(path) {
		out = append(out, el.Text())
	}
	return out
}

func TestBlob_ContainerLifecycle(t *testing.T) {
	f := newFixture(t)
	container := blobBase + "/photos?restype=container"

	rec := f.do(http.MethodPut, container, "", map[string]string{"x-ms-meta-owner": "ada"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("ETag"))

	rec = f.do(http.MethodPut, container, "", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "ContainerAlreadyExists", rec.Header().Get("x-ms-error-code"))
	assert.Equal(t, "ContainerAlreadyExists", xmlDoc(t, rec.Body.Bytes()).FindElement("/Error/Code").Text())

	rec = f.do(http.MethodPut, blobBase+"/Bad_Name?restype=container", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "InvalidResourceName", rec.Header().Get("x-ms-error-code"))

	rec = f.do(http.MethodGet, container, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ada", rec.Header().Get("x-ms-meta-owner"))

	rec = f.do(http.MethodGet, blobBase+"?comp=list", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"photos"}, names(t, rec.Body.Bytes(), "//Container/Name"))

	rec = f.do(http.MethodDelete, container, "", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	rec = f.do(http.MethodGet, container, "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "ContainerNotFound", rec.Header().Get("x-ms-error-code"))
}

func TestBlob_PutGetDelete(t *testing.T) {
	f := newFixture(t)
	f.createContainer("docs")
	path := blobBase + "/docs/dir/a.txt"

	rec := f.do(http.MethodPut, path, "hello world", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "MissingRequiredHeader", rec.Header().Get("x-ms-error-code"))

	rec = f.do(http.MethodPut, path, "hello world", map[string]string{
		"x-ms-blob-type": "BlockBlob",
		"Content-Type":   "text/plain",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "XrY7u+Ae7tCTyyK7j1rNww==", rec.Header().Get("Content-MD5"))

	rec = f.do(http.MethodGet, path, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello world", rec.Body.String())
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
	assert.Equal(t, "BlockBlob", rec.Header().Get("x-ms-blob-type"))

	rec = f.do(http.MethodGet, path, "", map[string]string{"x-ms-range": "bytes=0-4"})
	require.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())
	assert.Equal(t, "bytes 0-4/11", rec.Header().Get("Content-Range"))

	rec = f.do(http.MethodHead, path, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "11", rec.Header().Get("Content-Length"))

	rec = f.do(http.MethodPut, path, "again", map[string]string{
		"x-ms-blob-type": "BlockBlob",
		"If-None-Match":  "*",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "BlobAlreadyExists", rec.Header().Get("x-ms-error-code"))

	rec = f.do(http.MethodPut, path, "x", map[string]string{
		"x-ms-blob-type": "BlockBlob",
		"Content-MD5":    "AAAAAAAAAAAAAAAAAAAAAA==",
	})
	assert.Equal(t, "Md5Mismatch", rec.Header().Get("x-ms-error-code"))

	rec = f.do(http.MethodPut, blobBase+"/missing/a.txt", "x", map[string]string{"x-ms-blob-type": "BlockBlob"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "ContainerNotFound", rec.Header().Get("x-ms-error-code"))

	rec = f.do(http.MethodDelete, path, "", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	rec = f.do(http.MethodGet, path, "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "BlobNotFound", rec.Header().Get("x-ms-error-code"))
}

func TestBlob_DeleteContainerRemovesBlobs(t *testing.T) {
	f := newFixture(t)
	f.createContainer("tmp")
	f.putBlob("tmp", "a", "1")

	rec := f.do(http.MethodDelete, blobBase+"/tmp?restype=container", "", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	f.createContainer("tmp")
	rec = f.do(http.MethodGet, blobBase+"/tmp/a", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBlob_PutDuringContainerDelete(t *testing.T) {
	f := newFixture(t)
	f.createContainer("staging")
	f.putBlob("staging", "old", "1")

	inside := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	key := resource.NewKey(resource.Azure, resource.ObjectStorage, account+"/staging")
	go func() {
		_, err := f.manager.Delete(context.Background(), key, func(*resource.Resource) error {
			close(inside)
			<-release
			_, err := f.manager.DeleteChildren(context.Background(), resource.Azure, resource.ObjectStorage, key.ID)
			return err
		})
		done <- err
	}()
	<-inside

	rec := f.do(http.MethodPut, blobBase+"/staging/late", "2", map[string]string{"x-ms-blob-type": "BlockBlob"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "ContainerBeingDeleted", rec.Header().Get("x-ms-error-code"))

	close(release)
	require.NoError(t, <-done)

	f.createContainer("staging")
	f.putBlob("staging", "fresh", "3")
	rec = f.do(http.MethodGet, blobBase+"/staging?restype=container&comp=list", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"fresh"}, names(t, rec.Body.Bytes(), "//Blob/Name"))

	// Deleting the re-created container removes the new blob with it.
	rec = f.do(http.MethodDelete, blobBase+"/staging?restype=container", "", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	n, err := f.manager.Count(context.Background(), storage.Filter{Provider: resource.Azure, Service: resource.ObjectStorage, Parent: key.ID})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBlob_ListBlobs(t *testing.T) {
	f := newFixture(t)
	f.createContainer("logs")
	for _, name := range []string{"a/1", "a/2", "b/1", "c"} {
		f.putBlob("logs", name, "x")
	}
	list := blobBase + "/logs?restype=container&comp=list"

	rec := f.do(http.MethodGet, list+"&delimiter=/", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"a/", "b/"}, names(t, rec.Body.Bytes(), "//BlobPrefix/Name"))
	assert.Equal(t, []string{"c"}, names(t, rec.Body.Bytes(), "//Blob/Name"))

	rec = f.do(http.MethodGet, list+"&prefix=a/", "", nil)
	assert.Equal(t, []string{"a/1", "a/2"}, names(t, rec.Body.Bytes(), "//Blob/Name"))

	rec = f.do(http.MethodGet, list+"&prefix=c&include=metadata", "", nil)
	assert.Equal(t, []string{"c"}, names(t, rec.Body.Bytes(), "//Blob/Metadata/name"))

	var all []string
	marker := ""
	for range 3 {
		rec = f.do(http.MethodGet, list+"&maxresults=2&marker="+marker, "", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		all = append(all, names(t, rec.Body.Bytes(), "//Blob/Name")...)
		marker = xmlDoc(t, rec.Body.Bytes()).FindElement("//NextMarker").Text()
		if marker == "" {
			break
		}
	}
	assert.Equal(t, []string{"a/1", "a/2", "b/1", "c"}, all)
	assert.Empty(t, marker)

	rec = f.do(http.MethodGet, list+"&maxresults=0", "", nil)
	assert.Equal(t, "OutOfRangeQueryParameterValue", rec.Header().Get("x-ms-error-code"))
}

func TestBlob_UnknownRoute(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, blobBase+"/logs", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "InvalidUri", rec.Header().Get("x-ms-error-code"))
}
