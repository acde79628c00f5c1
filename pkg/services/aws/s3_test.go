package aws_test

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudemu/cloudemu/pkg/resource"
)

func putBucket(t *testing.T, f *fixture, name string) {
	t.Helper()
	rec := f.rest(http.MethodPut, "/"+name, "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestS3_PutGetDelete(t *testing.T) {
	f := newFixture(t)
	putBucket(t, f, "test-bucket")

	rec := f.rest(http.MethodPut, "/test-bucket/hello.txt", "Hello", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.rest(http.MethodHead, "/test-bucket/hello.txt", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Content-Length"))

	rec = f.rest(http.MethodGet, "/test-bucket/hello.txt", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Hello", rec.Body.String())

	rec = f.rest(http.MethodDelete, "/test-bucket/hello.txt", "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.rest(http.MethodGet, "/test-bucket/hello.txt", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "<Code>NoSuchKey</Code>")
}

func TestS3_GetObjectRange(t *testing.T) {
	f := newFixture(t)
	putBucket(t, f, "data")
	rec := f.rest(http.MethodPut, "/data/digits.txt", "0123456789", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	tests := []struct {
		spec  string
		code  int
		body  string
		crang string
	}{
		{"bytes=2-5", http.StatusPartialContent, "2345", "bytes 2-5/10"},
		{"bytes=7-", http.StatusPartialContent, "789", "bytes 7-9/10"},
		{"bytes=-3", http.StatusPartialContent, "789", "bytes 7-9/10"},
		{"bytes=8-100", http.StatusPartialContent, "89", "bytes 8-9/10"},
		{"bytes=20-30", http.StatusRequestedRangeNotSatisfiable, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			rec := f.rest(http.MethodGet, "/data/digits.txt", "", map[string]string{"Range": tt.spec})
			assert.Equal(t, tt.code, rec.Code)
			if tt.code == http.StatusPartialContent {
				assert.Equal(t, tt.body, rec.Body.String())
				assert.Equal(t, tt.crang, rec.Header().Get("Content-Range"))
			}
		})
	}
}

func TestS3_ChunkedUpload(t *testing.T) {
	f := newFixture(t)
	putBucket(t, f, "upload")

	body := "5;chunk-signature=abc\r\nhello\r\n6;chunk-signature=def\r\n world\r\n0;chunk-signature=fin\r\n\r\n"
	rec := f.rest(http.MethodPut, "/upload/greeting", body, map[string]string{
		"X-Amz-Content-Sha256":         "STREAMING-AWS4-HMAC-SHA256-PAYLOAD",
		"X-Amz-Decoded-Content-Length": "11",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, `"5eb63bbbe01eeed093cb22bb8f5acdc3"`, rec.Header().Get("ETag"))

	rec = f.rest(http.MethodGet, "/upload/greeting", "", nil)
	assert.Equal(t, "hello world", rec.Body.String())

	rec = f.rest(http.MethodPut, "/upload/short", "5\r\nhel", map[string]string{"Content-Encoding": "aws-chunked"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "<Code>IncompleteBody</Code>")

	rec = f.rest(http.MethodPut, "/upload/length", body, map[string]string{
		"X-Amz-Content-Sha256":         "STREAMING-UNSIGNED-PAYLOAD-TRAILER",
		"X-Amz-Decoded-Content-Length": "12",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestS3_ObjectOperations(t *testing.T) {
	f := newFixture(t)
	putBucket(t, f, "src")
	putBucket(t, f, "dst")

	rec := f.rest(http.MethodPut, "/src/a.json", `{"a":1}`, map[string]string{
		"Content-Type":     "application/json",
		"X-Amz-Meta-Owner": "ada",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.rest(http.MethodPut, "/src/bad", "abc", map[string]string{"Content-MD5": "AAAAAAAAAAAAAAAAAAAAAA=="})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "<Code>BadDigest</Code>")

	rec = f.rest(http.MethodPut, "/dst/copy.json", "", map[string]string{"X-Amz-Copy-Source": "/src/a.json"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "<CopyObjectResult")

	rec = f.rest(http.MethodHead, "/dst/copy.json", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "ada", rec.Header().Get("X-Amz-Meta-Owner"))

	rec = f.rest(http.MethodGet, "/dst/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "<Code>NoSuchKey</Code>")

	rec = f.rest(http.MethodGet, "/nobucket/x", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "<Code>NoSuchBucket</Code>")

	rec = f.rest(http.MethodDelete, "/src", "", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "<Code>BucketNotEmpty</Code>")

	del := `<Delete><Object><Key>a.json</Key></Object><Object><Key>never-existed</Key></Object></Delete>`
	rec = f.rest(http.MethodPost, "/src?delete", del, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 2, len(xmlDoc(t, rec.Body.Bytes()).FindElements("//Deleted")))

	rec = f.rest(http.MethodDelete, "/src", "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

// holdBucketDelete starts deleting bucket through the manager and parks the
// delete inside its emptiness check until release is closed. The check's
// result is veto.
func holdBucketDelete(t *testing.T, f *fixture, bucket string, veto error) (release chan struct{}, done chan error) {
	t.Helper()
	inside := make(chan struct{})
	release = make(chan struct{})
	done = make(chan error, 1)
	go func() {
		_, err := f.manager.Delete(context.Background(), resource.NewKey(resource.AWS, resource.ObjectStorage, bucket), func(*resource.Resource) error {
			close(inside)
			<-release
			return veto
		})
		done <- err
	}()
	<-inside
	return release, done
}

func TestS3_PutObjectDuringBucketDelete(t *testing.T) {
	t.Run("vetoed", func(t *testing.T) {
		f := newFixture(t)
		putBucket(t, f, "archive")

		notEmpty := errors.New("not empty")
		release, done := holdBucketDelete(t, f, "archive", notEmpty)

		rec := f.rest(http.MethodPut, "/archive/late.txt", "late", nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Contains(t, rec.Body.String(), "<Code>OperationAborted</Code>")

		close(release)
		assert.ErrorIs(t, <-done, notEmpty)

		rec = f.rest(http.MethodPut, "/archive/late.txt", "late", nil)
		assert.Equal(t, http.StatusOK, rec.Code, "the bucket is usable again after a vetoed delete")
	})

	t.Run("completed", func(t *testing.T) {
		f := newFixture(t)
		putBucket(t, f, "archive")

		release, done := holdBucketDelete(t, f, "archive", nil)
		rec := f.rest(http.MethodPut, "/archive/orphan.txt", "orphan", nil)
		assert.Equal(t, http.StatusConflict, rec.Code)

		close(release)
		require.NoError(t, <-done)

		rec = f.rest(http.MethodPut, "/archive/orphan.txt", "orphan", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Contains(t, rec.Body.String(), "<Code>NoSuchBucket</Code>")

		putBucket(t, f, "archive")
		rec = f.rest(http.MethodGet, "/archive?list-type=2", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "0", xmlText(t, rec.Body.Bytes(), "//KeyCount"), "a re-created bucket starts empty")

		rec = f.rest(http.MethodDelete, "/archive", "", nil)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})
}

func TestS3_BucketNamedMetrics(t *testing.T) {
	f := newFixture(t)
	putBucket(t, f, "metrics")
	rec := f.rest(http.MethodPut, "/metrics/report.csv", "a,b", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.rest(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "metrics", xmlText(t, rec.Body.Bytes(), "//Name"))
	assert.Equal(t, "report.csv", xmlText(t, rec.Body.Bytes(), "//Contents/Key"))
}
