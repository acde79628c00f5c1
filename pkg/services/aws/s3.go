package aws

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/beevik/etree"

	"github.com/cloudemu/cloudemu/pkg/apierror"
	"github.com/cloudemu/cloudemu/pkg/dispatch"
	"github.com/cloudemu/cloudemu/pkg/lifecycle"
	"github.com/cloudemu/cloudemu/pkg/protocol"
	"github.com/cloudemu/cloudemu/pkg/resource"
	"github.com/cloudemu/cloudemu/pkg/services"
	"github.com/cloudemu/cloudemu/pkg/storage"
)

const (
	s3Namespace    = "http://s3.amazonaws.com/doc/2006-03-01/"
	s3MaxKeys      = 1000
	s3MetaPrefix   = "x-amz-meta-"
	metaUserPrefix = "meta:"
)

var (
	bucketCodes = apierror.Codes{
		NotFound:      apierror.Code{Name: "NoSuchBucket", Status: http.StatusNotFound, Message: "The specified bucket does not exist"},
		AlreadyExists: apierror.Code{Name: "BucketAlreadyOwnedByYou", Status: http.StatusConflict, Message: "Your previous request to create the named bucket succeeded and you already own it."},
	}
	objectCodes = apierror.Codes{
		NotFound: apierror.Code{Name: "NoSuchKey", Status: http.StatusNotFound, Message: "The specified key does not exist."},
	}
	errBucketNotEmpty = apierror.New("BucketNotEmpty", http.StatusConflict, "The bucket you tried to delete is not empty")
)

func s3Routes() *dispatch.PathBasedExtraction {
	route := func(method, pattern, op string, query, header []string) dispatch.Route {
		return dispatch.Route{
			Method: method, Pattern: pattern, Query: query, Header: header,
			Service: resource.ObjectStorage, Operation: op, Wire: protocol.WireRESTXML,
		}
	}
	return dispatch.NewPathBasedExtraction(
		route(http.MethodGet, "/", "ListBuckets", nil, nil),
		route(http.MethodGet, "/{bucket}", "GetBucketLocation", []string{"location"}, nil),
		route(http.MethodGet, "/{bucket}", "ListObjectsV2", []string{"list-type=2"}, nil),
		route(http.MethodGet, "/{bucket}", "ListObjects", nil, nil),
		route(http.MethodPut, "/{bucket}", "CreateBucket", nil, nil),
		route(http.MethodHead, "/{bucket}", "HeadBucket", nil, nil),
		route(http.MethodDelete, "/{bucket}", "DeleteBucket", nil, nil),
		route(http.MethodPost, "/{bucket}", "DeleteObjects", []string{"delete"}, nil),
		route(http.MethodPut, "/{bucket}/{key...}", "CopyObject", nil, []string{"X-Amz-Copy-Source"}),
		route(http.MethodPut, "/{bucket}/{key...}", "PutObject", nil, nil),
		route(http.MethodGet, "/{bucket}/{key...}", "GetObject", nil, nil),
		route(http.MethodHead, "/{bucket}/{key...}", "HeadObject", nil, nil),
		route(http.MethodDelete, "/{bucket}/{key...}", "DeleteObject", nil, nil),
	)
}

func (s *Services) registerS3(b *protocol.RegistryBuilder) error {
	return services.Register(b, resource.AWS, resource.ObjectStorage, protocol.WireRESTXML, services.Ops{
		"ListBuckets":       s3ListBuckets,
		"CreateBucket":      s3CreateBucket,
		"HeadBucket":        s3HeadBucket,
		"DeleteBucket":      s3DeleteBucket,
		"GetBucketLocation": s3GetBucketLocation,
		"ListObjects":       s3ListObjects,
		"ListObjectsV2":     s3ListObjects,
		"PutObject":         s3PutObject,
		"CopyObject":        s3CopyObject,
		"GetObject":         s3GetObject,
		"HeadObject":        s3HeadObject,
		"DeleteObject":      s3DeleteObject,
		"DeleteObjects":     s3DeleteObjects,
	})
}

func objectID(bucket, key string) string { return bucket + "/" + key }

func s3Time(t time.Time) string { return t.UTC().Format("2006-01-02T15:04:05.000Z") }

func s3Doc(root string) (*etree.Document, *etree.Element) {
	doc := protocol.NewXMLDocument()
	el := doc.CreateElement(root)
	el.CreateAttr("xmlns", s3Namespace)
	return doc, el
}

// bucket returns the named bucket or NoSuchBucket.
func bucket(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*resource.Resource, error) {
	name := rc.Param("bucket")
	b, err := m.Get(ctx, rc.Key(name))
	return b, bucketCodes.Translate(err, "/"+name)
}

func s3ListBuckets(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	buckets, err := services.Collect(ctx, m, storage.Filter{
		Provider: resource.AWS, Service: resource.ObjectStorage, TopLevel: true,
	})
	if err != nil {
		return nil, err
	}

	doc, root := s3Doc("ListAllMyBucketsResult")
	owner := root.CreateElement("Owner")
	owner.CreateElement("ID").SetText(rc.Account)
	owner.CreateElement("DisplayName").SetText("cloudemu")
	list := root.CreateElement("Buckets")
	for _, b := range buckets {
		el := list.CreateElement("Bucket")
		el.CreateElement("Name").SetText(b.ID)
		el.CreateElement("CreationDate").SetText(s3Time(b.CreatedAt))
	}
	return protocol.XML(http.StatusOK, doc)
}

func s3CreateBucket(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	name := rc.Param("bucket")
	if err := validBucketName(name); err != nil {
		return nil, err
	}
	region := rc.Region
	if len(rc.Body) > 0 {
		doc, err := rc.DecodeXML()
		if err != nil {
			return nil, err
		}
		if el := doc.FindElement("//LocationConstraint"); el != nil && el.Text() != "" {
			region = el.Text()
		}
	}

	_, err := m.Create(ctx, &resource.Resource{
		Key:      rc.Key(name),
		Kind:     "bucket",
		Metadata: map[string]string{"region": region},
	})
	if err != nil {
		return nil, bucketCodes.Translate(err, "/"+name)
	}
	return protocol.Empty(http.StatusOK).SetHeader("Location", "/"+name), nil
}

func validBucketName(name string) error {
	if len(name) < 3 || len(name) > 63 {
		return apierror.New("InvalidBucketName", http.StatusBadRequest, "The specified bucket is not valid.")
	}
	for _, c := range name {
		if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-' || c == '.') {
			return apierror.New("InvalidBucketName", http.StatusBadRequest, "The specified bucket is not valid.")
		}
	}
	return nil
}

func s3HeadBucket(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	b, err := bucket(ctx, rc, m)
	if err != nil {
		return nil, err
	}
	return protocol.Empty(http.StatusOK).SetHeader("x-amz-bucket-region", b.Meta("region")), nil
}

func s3GetBucketLocation(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	b, err := bucket(ctx, rc, m)
	if err != nil {
		return nil, err
	}
	doc, root := s3Doc("LocationConstraint")
	if region := b.Meta("region"); region != "us-east-1" {
		root.SetText(region)
	}
	return protocol.XML(http.StatusOK, doc)
}

func s3DeleteBucket(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	name := rc.Param("bucket")
	_, err := m.Delete(ctx, rc.Key(name), func(*resource.Resource) error {
		n, err := services.Children(ctx, m, resource.AWS, resource.ObjectStorage, name)
		if err != nil {
			return err
		}
		if n > 0 {
			return errBucketNotEmpty
		}
		return nil
	})
	if err != nil {
		return nil, bucketCodes.Translate(err, "/"+name)
	}
	return protocol.Empty(http.StatusNoContent), nil
}

// s3ListObjects serves both ListObjects and ListObjectsV2. Continuation
// tokens and markers are storage cursors over the object ids.
func s3ListObjects(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	name := rc.Param("bucket")
	if _, err := bucket(ctx, rc, m); err != nil {
		return nil, err
	}
	v2 := rc.Operation == "ListObjectsV2"

	prefix := rc.QueryValue("prefix")
	delimiter := rc.QueryValue("delimiter")
	maxKeys, err := services.Int("max-keys", rc.QueryValue("max-keys"), s3MaxKeys)
	if err != nil || maxKeys < 0 {
		return nil, apierror.New("InvalidArgument", http.StatusBadRequest, "max-keys must be a non-negative integer.")
	}
	maxKeys = min(maxKeys, s3MaxKeys)

	token := rc.QueryValue("continuation-token")
	after := rc.QueryValue("start-after")
	if !v2 {
		after = rc.QueryValue("marker")
	}
	cursor := token
	if cursor == "" && after != "" {
		cursor = storage.CursorAfter(rc.Key(objectID(name, after)))
	}
	if token != "" {
		if _, err := storage.DecodeCursor(token); err != nil {
			return nil, apierror.New("InvalidArgument", http.StatusBadRequest, "The continuation token provided is incorrect.")
		}
	}

	type entry struct {
		obj    *resource.Resource
		prefix string
	}
	var (
		entries   []entry
		seen      = map[string]bool{}
		truncated bool
		next      string
	)
	base := objectID(name, "")
	if maxKeys > 0 {
		f := storage.Filter{
			Provider: resource.AWS,
			Service:  resource.ObjectStorage,
			Parent:   name,
			IDPrefix: base + prefix,
			Cursor:   cursor,
		}
		for obj, err := range m.List(ctx, f) {
			if err != nil {
				return nil, err
			}
			key := strings.TrimPrefix(obj.ID, base)
			common := ""
			if delimiter != "" {
				if i := strings.Index(key[len(prefix):], delimiter); i >= 0 {
					common = key[:len(prefix)+i+len(delimiter)]
				}
			}
			if common != "" && seen[common] {
				continue
			}
			if len(entries) == maxKeys {
				truncated = true
				break
			}
			if common != "" {
				seen[common] = true
				entries = append(entries, entry{prefix: common})
				next = storage.CursorAfter(rc.Key(objectID(name, common+services.PrefixEnd)))
				continue
			}
			entries = append(entries, entry{obj: obj})
			next = storage.CursorAfter(obj.Key)
		}
	}

	doc, el := s3Doc("ListBucketResult")
	el.CreateElement("Name").SetText(name)
	el.CreateElement("Prefix").SetText(prefix)
	if delimiter != "" {
		el.CreateElement("Delimiter").SetText(delimiter)
	}
	el.CreateElement("MaxKeys").SetText(strconv.Itoa(maxKeys))
	el.CreateElement("IsTruncated").SetText(strconv.FormatBool(truncated))
	if v2 {
		el.CreateElement("KeyCount").SetText(strconv.Itoa(len(entries)))
		if token != "" {
			el.CreateElement("ContinuationToken").SetText(token)
		}
		if after != "" {
			el.CreateElement("StartAfter").SetText(after)
		}
		if truncated {
			el.CreateElement("NextContinuationToken").SetText(next)
		}
	} else {
		el.CreateElement("Marker").SetText(after)
	}

	var lastKey string
	for _, e := range entries {
		if e.prefix != "" {
			el.CreateElement("CommonPrefixes").CreateElement("Prefix").SetText(e.prefix)
			lastKey = e.prefix
			continue
		}
		key := strings.TrimPrefix(e.obj.ID, base)
		c := el.CreateElement("Contents")
		c.CreateElement("Key").SetText(key)
		c.CreateElement("LastModified").SetText(s3Time(e.obj.UpdatedAt))
		c.CreateElement("ETag").SetText(services.Quote(e.obj.Meta("etag")))
		c.CreateElement("Size").SetText(services.ItoA(services.Sized(e.obj)))
		c.CreateElement("StorageClass").SetText("STANDARD")
		lastKey = key
	}
	if !v2 && truncated && delimiter != "" {
		el.CreateElement("NextMarker").SetText(lastKey)
	}
	return protocol.XML(http.StatusOK, doc)
}

func userMetadata(h http.Header) map[string]string {
	meta := map[string]string{}
	for name, values := range h {
		lower := strings.ToLower(name)
		if suffix, ok := strings.CutPrefix(lower, s3MetaPrefix); ok && len(values) > 0 {
			meta[metaUserPrefix+suffix] = values[0]
		}
	}
	return meta
}

func s3PutObject(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	name, key := rc.Param("bucket"), rc.Param("key")
	content, err := payload(rc)
	if err != nil {
		return nil, err
	}
	if want := rc.Header.Get("Content-MD5"); want != "" && want != services.MD5Base64(content) {
		return nil, apierror.New("BadDigest", http.StatusBadRequest, "The Content-MD5 you specified did not match what we received.")
	}
	meta := userMetadata(rc.Header)
	meta["etag"] = services.MD5Hex(content)
	meta["content-type"] = contentType(rc.Header.Get("Content-Type"))

	obj, err := putObject(ctx, rc, m, name, key, meta, content)
	if err != nil {
		return nil, err
	}
	return protocol.Empty(http.StatusOK).SetHeader("ETag", services.Quote(obj.Meta("etag"))), nil
}

// putObject writes an object while holding its bucket, so a concurrent
// DeleteBucket either sees the object or makes the write fail.
func putObject(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, name, key string, meta map[string]string, content []byte) (*resource.Resource, error) {
	var obj *resource.Resource
	err := m.WithParent(ctx, rc.Key(name), func(*resource.Resource) error {
		var err error
		obj, err = m.Upsert(ctx, &resource.Resource{
			Key:      rc.Key(objectID(name, key)),
			Kind:     "object",
			Parent:   name,
			Metadata: meta,
			Content:  content,
		})
		return objectCodes.Translate(err, "/"+name+"/"+key)
	})
	if err != nil {
		return nil, bucketCodes.Translate(err, "/"+name)
	}
	return obj, nil
}

// payload returns the object bytes of a PutObject body, removing the
// aws-chunked framing that streaming uploads use.
func payload(rc *protocol.RequestContext) ([]byte, error) {
	streaming := strings.HasPrefix(rc.Header.Get("X-Amz-Content-Sha256"), "STREAMING-") ||
		strings.Contains(rc.Header.Get("Content-Encoding"), "aws-chunked")
	if !streaming {
		if rc.Body == nil {
			return []byte{}, nil
		}
		return rc.Body, nil
	}
	content, err := decodeChunked(rc.Body)
	if err != nil {
		return nil, apierror.New("IncompleteBody", http.StatusBadRequest, "The request body is not valid aws-chunked encoding: %v", err)
	}
	if want := rc.Header.Get("X-Amz-Decoded-Content-Length"); want != "" && want != strconv.Itoa(len(content)) {
		return nil, apierror.New("IncompleteBody", http.StatusBadRequest, "You did not provide the number of bytes specified by the Content-Length HTTP header.")
	}
	return content, nil
}

// decodeChunked strips aws-chunked framing:
//
//	<hex size>[;chunk-signature=...]\r\n<data>\r\n ... 0\r\n[trailers]\r\n
//
// Chunk signatures and trailing checksums are not verified.
func decodeChunked(body []byte) ([]byte, error) {
	out := make([]byte, 0, len(body))
	for {
		line, rest, ok := bytes.Cut(body, []byte("\r\n"))
		if !ok {
			return nil, errors.New("missing chunk header")
		}
		sizeField, _, _ := bytes.Cut(line, []byte(";"))
		size, err := strconv.ParseInt(string(bytes.TrimSpace(sizeField)), 16, 64)
		if err != nil || size < 0 {
			return nil, fmt.Errorf("bad chunk size %q", sizeField)
		}
		if size == 0 {
			return out, nil
		}
		if int64(len(rest)) < size {
			return nil, errors.New("short chunk")
		}
		out = append(out, rest[:size]...)
		body = bytes.TrimPrefix(rest[size:], []byte("\r\n"))
	}
}

func contentType(ct string) string {
	if ct == "" {
		return "binary/octet-stream"
	}
	return ct
}

func s3CopyObject(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	name, key := rc.Param("bucket"), rc.Param("key")
	if _, err := bucket(ctx, rc, m); err != nil {
		return nil, err
	}

	src, err := url.PathUnescape(strings.TrimPrefix(rc.Header.Get("X-Amz-Copy-Source"), "/"))
	if err != nil {
		return nil, apierror.New("InvalidArgument", http.StatusBadRequest, "Invalid copy source encoding.")
	}
	src, _, _ = strings.Cut(src, "?")
	srcBucket, srcKey, ok := strings.Cut(src, "/")
	if !ok || srcKey == "" {
		return nil, apierror.New("InvalidArgument", http.StatusBadRequest, "Copy Source must mention the source bucket and key: sourcebucket/sourcekey.")
	}
	if _, err := m.Get(ctx, rc.Key(srcBucket)); err != nil {
		return nil, bucketCodes.Translate(err, "/"+srcBucket)
	}
	orig, content, err := m.ReadBlob(ctx, rc.Key(objectID(srcBucket, srcKey)))
	if err != nil {
		return nil, objectCodes.Translate(err, "/"+src)
	}

	meta := orig.Metadata
	if rc.Header.Get("X-Amz-Metadata-Directive") == "REPLACE" {
		meta = userMetadata(rc.Header)
		meta["etag"] = orig.Meta("etag")
		meta["content-type"] = contentType(rc.Header.Get("Content-Type"))
	}
	obj, err := putObject(ctx, rc, m, name, key, meta, content)
	if err != nil {
		return nil, err
	}

	doc, root := s3Doc("CopyObjectResult")
	root.CreateElement("LastModified").SetText(s3Time(obj.UpdatedAt))
	root.CreateElement("ETag").SetText(services.Quote(obj.Meta("etag")))
	return protocol.XML(http.StatusOK, doc)
}

func objectHeaders(resp *protocol.Response, obj *resource.Resource) *protocol.Response {
	resp.SetHeader("ETag", services.Quote(obj.Meta("etag")))
	resp.SetHeader("Content-Type", obj.Meta("content-type"))
	resp.SetHeader("Last-Modified", obj.UpdatedAt.UTC().Format(http.TimeFormat))
	resp.SetHeader("Accept-Ranges", "bytes")
	for k, v := range obj.Metadata {
		if name, ok := strings.CutPrefix(k, metaUserPrefix); ok {
			resp.SetHeader(s3MetaPrefix+name, v)
		}
	}
	return resp
}

func s3GetObject(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	name, key := rc.Param("bucket"), rc.Param("key")
	if _, err := bucket(ctx, rc, m); err != nil {
		return nil, err
	}
	obj, content, err := m.ReadBlob(ctx, rc.Key(objectID(name, key)))
	if err != nil {
		return nil, objectCodes.Translate(err, "/"+name+"/"+key)
	}

	if spec := rc.Header.Get("Range"); spec != "" {
		start, end, ok := services.ParseRange(spec, int64(len(content)))
		if !ok {
			return nil, apierror.New("InvalidRange", http.StatusRequestedRangeNotSatisfiable, "The requested range is not satisfiable")
		}
		resp := objectHeaders(protocol.Raw(http.StatusPartialContent, "", content[start:end+1]), obj)
		resp.SetHeader("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(content)))
		return resp, nil
	}
	return objectHeaders(protocol.Raw(http.StatusOK, "", content), obj), nil
}

func s3HeadObject(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	name, key := rc.Param("bucket"), rc.Param("key")
	if _, err := bucket(ctx, rc, m); err != nil {
		return nil, err
	}
	obj, err := m.Get(ctx, rc.Key(objectID(name, key)))
	if err != nil {
		return nil, objectCodes.Translate(err, "/"+name+"/"+key)
	}
	resp := objectHeaders(protocol.Empty(http.StatusOK), obj)
	resp.SetHeader("Content-Length", services.ItoA(services.Sized(obj)))
	return resp, nil
}

func s3DeleteObject(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	name, key := rc.Param("bucket"), rc.Param("key")
	if _, err := bucket(ctx, rc, m); err != nil {
		return nil, err
	}
	_, err := m.Delete(ctx, rc.Key(objectID(name, key)), nil)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, objectCodes.Translate(err, "/"+name+"/"+key)
	}
	return protocol.Empty(http.StatusNoContent), nil
}

func s3DeleteObjects(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	name := rc.Param("bucket")
	if _, err := bucket(ctx, rc, m); err != nil {
		return nil, err
	}
	req, err := rc.DecodeXML()
	if err != nil {
		return nil, err
	}
	quiet := false
	if q := req.FindElement("//Quiet"); q != nil {
		quiet = q.Text() == "true"
	}

	doc, root := s3Doc("DeleteResult")
	for _, obj := range req.FindElements("//Object") {
		keyEl := obj.FindElement("Key")
		if keyEl == nil {
			continue
		}
		key := keyEl.Text()
		_, err := m.Delete(ctx, rc.Key(objectID(name, key)), nil)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			ae := apierror.Resolve(resource.AWS, protocol.WireRESTXML, err)
			e := root.CreateElement("Error")
			e.CreateElement("Key").SetText(key)
			e.CreateElement("Code").SetText(ae.Code)
			e.CreateElement("Message").SetText(ae.Message)
			continue
		}
		if !quiet {
			root.CreateElement("Deleted").CreateElement("Key").SetText(key)
		}
	}
	return protocol.XML(http.StatusOK, doc)
}
