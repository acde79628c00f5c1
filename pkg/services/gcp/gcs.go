package gcp

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cloudemu/cloudemu/internal/id"
	"github.com/cloudemu/cloudemu/pkg/apierror"
	"github.com/cloudemu/cloudemu/pkg/dispatch"
	"github.com/cloudemu/cloudemu/pkg/lifecycle"
	"github.com/cloudemu/cloudemu/pkg/protocol"
	"github.com/cloudemu/cloudemu/pkg/resource"
	"github.com/cloudemu/cloudemu/pkg/services"
	"github.com/cloudemu/cloudemu/pkg/storage"
)

const (
	gcsMaxResults = 1000

	// uploadsParent holds resumable upload sessions, apart from the
	// buckets so they are never listed as objects.
	uploadsParent = "$uploads"
	uploadTTL     = 7 * 24 * time.Hour

	gcsMetaPrefix = "meta:"
)

var (
	gcsBucketName = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{1,61}[a-z0-9]$`)

	gcsBucketCodes = apierror.Codes{
		NotFound:      apierror.Code{Name: "notFound", Status: http.StatusNotFound, Message: "The specified bucket does not exist."},
		AlreadyExists: apierror.Code{Name: "conflict", Status: http.StatusConflict, Message: "Your previous request to create the named bucket succeeded and you already own it."},
	}
	errBucketNotEmpty  = apierror.New("conflict", http.StatusConflict, "The bucket you tried to delete is not empty.")
	errConditionNotMet = apierror.New("conditionNotMet", http.StatusPreconditionFailed, "At least one of the pre-conditions you specified did not hold.")
	errUploadRace      = apierror.New("conflict", http.StatusConflict, "The upload session was modified concurrently; query its status and resume.")
)

func storageRules() *dispatch.VerbPlusPathExtraction {
	rule := ruleTable(resource.ObjectStorage)
	const (
		buckets = "/storage/v1/b"
		objects = buckets + "/{bucket}/o"
		uploads = "/upload/storage/v1/b/{bucket}/o"
	)
	rest := func(r dispatch.VerbRule) dispatch.VerbRule {
		r.Rest = "object"
		return r
	}
	return dispatch.NewVerbPlusPathExtraction(
		rule(http.MethodPost, buckets, "", "InsertBucket"),
		rule(http.MethodGet, buckets, "", "ListBuckets"),
		rule(http.MethodGet, buckets, "", "GetBucket", "bucket"),
		rule(http.MethodDelete, buckets, "", "DeleteBucket", "bucket"),
		rule(http.MethodGet, objects, "", "ListObjects"),
		rest(rule(http.MethodGet, objects, "", "GetObject")),
		rest(rule(http.MethodDelete, objects, "", "DeleteObject")),
		rule(http.MethodPost, uploads, "", "InsertObject"),
		rule(http.MethodPut, uploads, "", "ResumeUpload"),
		rest(rule(http.MethodGet, "/download/storage/v1/b/{bucket}/o", "", "DownloadObject")),
	)
}

// downloadRules serve the XML API read path, /{bucket}/{object}, that
// client libraries use for media downloads.
func downloadRules() *dispatch.VerbPlusPathExtraction {
	r := ruleTable(resource.ObjectStorage)(http.MethodGet, "/{bucket}", "", "DownloadObject")
	r.Rest = "object"
	return dispatch.NewVerbPlusPathExtraction(r)
}

func (s *Services) registerStorage(b *protocol.RegistryBuilder) error {
	return services.Register(b, resource.GCP, resource.ObjectStorage, protocol.WireRESTJSON, services.Ops{
		"InsertBucket":   gcsInsertBucket,
		"ListBuckets":    gcsListBuckets,
		"GetBucket":      gcsGetBucket,
		"DeleteBucket":   gcsDeleteBucket,
		"ListObjects":    gcsListObjects,
		"GetObject":      gcsGetObject,
		"DownloadObject": gcsDownloadObject,
		"DeleteObject":   gcsDeleteObject,
		"InsertObject":   gcsInsertObject,
		"ResumeUpload":   gcsResumeUpload,
	})
}

type bucketView struct {
	Kind           string            `json:"kind"`
	ID             string            `json:"id"`
	SelfLink       string            `json:"selfLink"`
	Name           string            `json:"name"`
	ProjectNumber  string            `json:"projectNumber"`
	Metageneration string            `json:"metageneration"`
	Location       string            `json:"location"`
	StorageClass   string            `json:"storageClass"`
	Etag           string            `json:"etag"`
	TimeCreated    string            `json:"timeCreated"`
	Updated        string            `json:"updated"`
	Labels         map[string]string `json:"labels,omitempty"`
}

func viewBucket(rc *protocol.RequestContext, r *resource.Resource) bucketView {
	v := bucketView{
		Kind:           "storage#bucket",
		ID:             r.ID,
		SelfLink:       rc.BaseURL + "/storage/v1/b/" + r.ID,
		Name:           r.ID,
		ProjectNumber:  "0",
		Metageneration: "1",
		Location:       r.Meta("location"),
		StorageClass:   r.Meta("storageClass"),
		Etag:           "CAE=",
		TimeCreated:    timestamp(r.CreatedAt),
		Updated:        timestamp(r.UpdatedAt),
	}
	if raw := r.Meta("labels"); raw != "" {
		_ = json.Unmarshal([]byte(raw), &v.Labels)
	}
	return v
}

func gcsBucket(ctx context.Context, m *lifecycle.Manager, name string) (*resource.Resource, error) {
	b, err := m.Get(ctx, resource.NewKey(resource.GCP, resource.ObjectStorage, name))
	return b, gcsBucketCodes.Translate(err, name)
}

func gcsInsertBucket(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	var in struct {
		Name         string            `json:"name"`
		Location     string            `json:"location"`
		StorageClass string            `json:"storageClass"`
		Labels       map[string]string `json:"labels"`
	}
	if err := rc.DecodeJSON(&in); err != nil {
		return nil, err
	}
	if !gcsBucketName.MatchString(in.Name) || strings.HasPrefix(in.Name, "goog") || strings.Contains(in.Name, "..") {
		return nil, apierror.New("invalid", http.StatusBadRequest, "Invalid bucket name: '%s'", in.Name)
	}
	meta := map[string]string{
		"project":      cmp.Or(rc.QueryValue("project"), project(rc)),
		"location":     strings.ToUpper(cmp.Or(in.Location, "US")),
		"storageClass": cmp.Or(in.StorageClass, "STANDARD"),
	}
	if len(in.Labels) > 0 {
		raw, err := json.Marshal(in.Labels)
		if err != nil {
			return nil, err
		}
		meta["labels"] = string(raw)
	}
	b, err := m.Create(ctx, &resource.Resource{
		Key:      rc.Key(in.Name),
		Kind:     "bucket",
		Metadata: meta,
	})
	if err != nil {
		return nil, gcsBucketCodes.Translate(err, in.Name)
	}
	return reply(http.StatusOK, viewBucket(rc, b))
}

func gcsGetBucket(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	b, err := gcsBucket(ctx, m, rc.Param("bucket"))
	if err != nil {
		return nil, err
	}
	return reply(http.StatusOK, viewBucket(rc, b))
}

// gcsListBuckets lists the buckets of the project query parameter, or the
// default project.
func gcsListBuckets(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	size, err := pageSize("maxResults", rc.QueryValue("maxResults"))
	if err != nil {
		return nil, err
	}
	token, err := pageToken(rc.QueryValue("pageToken"))
	if err != nil {
		return nil, err
	}
	proj := cmp.Or(rc.QueryValue("project"), project(rc))
	page, err := m.ListPage(ctx, storage.Filter{
		Provider: resource.GCP,
		Service:  resource.ObjectStorage,
		Kind:     "bucket",
		IDPrefix: rc.QueryValue("prefix"),
		Metadata: map[string]string{"project": proj},
		Cursor:   token,
		PageSize: size,
	})
	if err != nil {
		return nil, err
	}
	items := make([]bucketView, 0, len(page.Items))
	for _, b := range page.Items {
		items = append(items, viewBucket(rc, b))
	}
	out := map[string]any{"kind": "storage#buckets", "items": items}
	if page.NextCursor != "" {
		out["nextPageToken"] = page.NextCursor
	}
	return reply(http.StatusOK, out)
}

// gcsDeleteBucket removes an empty bucket.
func gcsDeleteBucket(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	name := rc.Param("bucket")
	_, err := m.Delete(ctx, rc.Key(name), func(*resource.Resource) error {
		n, err := services.Children(ctx, m, resource.GCP, resource.ObjectStorage, name)
		if err != nil {
			return err
		}
		if n > 0 {
			return errBucketNotEmpty
		}
		return nil
	})
	if err != nil {
		return nil, gcsBucketCodes.Translate(err, name)
	}
	return protocol.Empty(http.StatusNoContent), nil
}

type objectView struct {
	Kind           string            `json:"kind"`
	ID             string            `json:"id"`
	SelfLink       string            `json:"selfLink"`
	MediaLink      string            `json:"mediaLink"`
	Name           string            `json:"name"`
	Bucket         string            `json:"bucket"`
	Generation     string            `json:"generation"`
	Metageneration string            `json:"metageneration"`
	ContentType    string            `json:"contentType"`
	StorageClass   string            `json:"storageClass"`
	Size           string            `json:"size"`
	MD5Hash        string            `json:"md5Hash"`
	CRC32C         string            `json:"crc32c"`
	Etag           string            `json:"etag"`
	TimeCreated    string            `json:"timeCreated"`
	Updated        string            `json:"updated"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

func gcsObjectID(bucket, name string) string { return bucket + "/" + name }

func viewObject(rc *protocol.RequestContext, bucket string, r *resource.Resource) objectView {
	name := strings.TrimPrefix(r.ID, bucket+"/")
	escaped := url.PathEscape(name)
	v := objectView{
		Kind:           "storage#object",
		ID:             r.ID + "/" + r.Meta("generation"),
		SelfLink:       rc.BaseURL + "/storage/v1/b/" + bucket + "/o/" + escaped,
		MediaLink:      rc.BaseURL + "/download/storage/v1/b/" + bucket + "/o/" + escaped + "?generation=" + r.Meta("generation") + "&alt=media",
		Name:           name,
		Bucket:         bucket,
		Generation:     r.Meta("generation"),
		Metageneration: "1",
		ContentType:    r.Meta("contentType"),
		StorageClass:   "STANDARD",
		Size:           r.Meta("size"),
		MD5Hash:        r.Meta("md5Hash"),
		CRC32C:         r.Meta("crc32c"),
		Etag:           r.Meta("md5Hash"),
		TimeCreated:    timestamp(r.CreatedAt),
		Updated:        timestamp(r.UpdatedAt),
	}
	for k, val := range r.Metadata {
		if name, ok := strings.CutPrefix(k, gcsMetaPrefix); ok {
			if v.Metadata == nil {
				v.Metadata = map[string]string{}
			}
			v.Metadata[name] = val
		}
	}
	return v
}

func objectNotFound(err error, bucket, name string) error {
	codes := apierror.Codes{
		NotFound: apierror.Code{Name: "notFound", Status: http.StatusNotFound, Message: "No such object: " + bucket + "/" + name},
	}
	return codes.Translate(err, bucket+"/"+name)
}

// objectUpload is what an insert carries besides the bytes.
type objectUpload struct {
	Name        string            `json:"name"`
	ContentType string            `json:"contentType"`
	Metadata    map[string]string `json:"metadata"`
	MD5Hash     string            `json:"md5Hash"`
	CRC32C      string            `json:"crc32c"`
}

// writeObject stores content as bucket/u.Name. ifGenerationMatch, when
// set, is "0" for create-only or the generation being replaced.
func writeObject(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, bucket string, u objectUpload, content []byte, ifGenerationMatch string) (*protocol.Response, error) {
	if u.Name == "" {
		return nil, apierror.New("required", http.StatusBadRequest, "Required object name.")
	}
	if _, err := gcsBucket(ctx, m, bucket); err != nil {
		return nil, err
	}
	md5 := services.MD5Base64(content)
	crc := crc32c(content)
	if u.MD5Hash != "" && u.MD5Hash != md5 {
		return nil, apierror.New("invalid", http.StatusBadRequest, "Provided MD5 hash %q doesn't match calculated MD5 hash %q.", u.MD5Hash, md5)
	}
	if u.CRC32C != "" && u.CRC32C != crc {
		return nil, apierror.New("invalid", http.StatusBadRequest, "Provided CRC32C %q doesn't match calculated CRC32C %q.", u.CRC32C, crc)
	}

	meta := map[string]string{
		"generation":  strconv.FormatInt(time.Now().UnixMicro(), 10),
		"contentType": cmp.Or(u.ContentType, "application/octet-stream"),
		"size":        strconv.Itoa(len(content)),
		"md5Hash":     md5,
		"crc32c":      crc,
	}
	for k, v := range u.Metadata {
		meta[gcsMetaPrefix+k] = v
	}
	obj := &resource.Resource{
		Key:      resource.NewKey(resource.GCP, resource.ObjectStorage, gcsObjectID(bucket, u.Name)),
		Kind:     "object",
		Parent:   bucket,
		Metadata: meta,
		Content:  content,
	}

	var out *resource.Resource
	err := m.WithParent(ctx, resource.NewKey(resource.GCP, resource.ObjectStorage, bucket), func(*resource.Resource) error {
		var err error
		switch ifGenerationMatch {
		case "":
			out, err = m.Upsert(ctx, obj)
		case "0":
			out, err = m.Create(ctx, obj)
			if errors.Is(err, storage.ErrAlreadyExists) {
				return errConditionNotMet
			}
		default:
			out, err = m.Mutate(ctx, obj.Key, func(r *resource.Resource) error {
				if r.Meta("generation") != ifGenerationMatch {
					return errConditionNotMet
				}
				r.Metadata = maps.Clone(meta)
				r.Content = content
				return nil
			})
			if errors.Is(err, storage.ErrNotFound) {
				return errConditionNotMet
			}
		}
		return objectNotFound(err, bucket, u.Name)
	})
	if err != nil {
		return nil, gcsBucketCodes.Translate(err, bucket)
	}
	return reply(http.StatusOK, viewObject(rc, bucket, out))
}

// gcsInsertObject handles media, multipart and resumable uploads. A
// resumable upload only opens a session here; the bytes arrive through
// ResumeUpload.
func gcsInsertObject(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	bucket := rc.Param("bucket")
	u := objectUpload{Name: rc.QueryValue("name")}
	switch rc.QueryValue("uploadType") {
	case "media":
		u.ContentType = rc.Header.Get("Content-Type")
		return writeObject(ctx, rc, m, bucket, u, body(rc), rc.QueryValue("ifGenerationMatch"))

	case "multipart":
		content, err := parseMultipart(rc, &u)
		if err != nil {
			return nil, err
		}
		return writeObject(ctx, rc, m, bucket, u, content, rc.QueryValue("ifGenerationMatch"))

	case "resumable":
		return openUpload(ctx, rc, m, bucket, u)
	}
	return nil, apierror.New("invalid", http.StatusBadRequest, "Unsupported uploadType %q.", rc.QueryValue("uploadType"))
}

func body(rc *protocol.RequestContext) []byte {
	if rc.Body == nil {
		return []byte{}
	}
	return rc.Body
}

// parseMultipart splits a multipart/related upload into its JSON metadata
// part and its media part.
func parseMultipart(rc *protocol.RequestContext, u *objectUpload) ([]byte, error) {
	bad := func(format string, args ...any) error {
		return apierror.New("invalid", http.StatusBadRequest, format, args...)
	}
	mediaType, params, err := mime.ParseMediaType(rc.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") || params["boundary"] == "" {
		return nil, bad("Multipart uploads require a multipart/related Content-Type with a boundary.")
	}
	mr := multipart.NewReader(bytes.NewReader(rc.Body), params["boundary"])

	part, err := mr.NextPart()
	if err != nil {
		return nil, bad("Missing metadata part: %v", err)
	}
	name := u.Name
	if err := json.NewDecoder(part).Decode(u); err != nil {
		return nil, bad("Invalid metadata part: %v", err)
	}
	if u.Name == "" {
		u.Name = name
	}

	part, err = mr.NextPart()
	if err != nil {
		return nil, bad("Missing media part: %v", err)
	}
	content, err := io.ReadAll(part)
	if err != nil {
		return nil, bad("Invalid media part: %v", err)
	}
	if u.ContentType == "" {
		u.ContentType = part.Header.Get("Content-Type")
	}
	return content, nil
}

// openUpload starts a resumable upload session and returns its URL in
// the Location header.
func openUpload(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, bucket string, u objectUpload) (*protocol.Response, error) {
	name := u.Name
	if len(rc.Body) > 0 {
		if err := json.Unmarshal(rc.Body, &u); err != nil {
			return nil, apierror.New("parseError", http.StatusBadRequest, "Invalid upload metadata: %v", err)
		}
		if u.Name == "" {
			u.Name = name
		}
	}
	if u.Name == "" {
		return nil, apierror.New("required", http.StatusBadRequest, "Required object name.")
	}
	if _, err := gcsBucket(ctx, m, bucket); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(u)
	if err != nil {
		return nil, err
	}

	uploadID := id.Compact()
	if _, err := m.Create(ctx, &resource.Resource{
		Key:    rc.Key(uploadsParent + "/" + uploadID),
		Kind:   "upload",
		Parent: uploadsParent,
		Metadata: map[string]string{
			"bucket":            bucket,
			"upload":            string(raw),
			"ifGenerationMatch": rc.QueryValue("ifGenerationMatch"),
		},
		Content:   []byte{},
		ExpiresAt: time.Now().Add(uploadTTL),
	}); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("uploadType", "resumable")
	q.Set("upload_id", uploadID)
	location := rc.BaseURL + "/upload/storage/v1/b/" + bucket + "/o?" + q.Encode()
	return protocol.Empty(http.StatusOK).SetHeader("Location", location).SetHeader("X-GUploader-UploadID", uploadID), nil
}

// contentRange parses "bytes a-b/total", "bytes */total" or
// "bytes a-b/*". total is -1 when unknown; first is -1 for a status query.
func contentRange(h string) (first, last, total int64, ok bool) {
	spec, found := strings.CutPrefix(h, "bytes ")
	if !found {
		return 0, 0, 0, false
	}
	rng, size, found := strings.Cut(spec, "/")
	if !found {
		return 0, 0, 0, false
	}
	total = -1
	if size != "*" {
		n, err := strconv.ParseInt(size, 10, 64)
		if err != nil || n < 0 {
			return 0, 0, 0, false
		}
		total = n
	}
	if rng == "*" {
		return -1, -1, total, true
	}
	a, b, found := strings.Cut(rng, "-")
	if !found {
		return 0, 0, 0, false
	}
	first, err1 := strconv.ParseInt(a, 10, 64)
	last, err2 := strconv.ParseInt(b, 10, 64)
	if err1 != nil || err2 != nil || first < 0 || last < first {
		return 0, 0, 0, false
	}
	return first, last, total, true
}

// gcsResumeUpload appends a chunk to a resumable session. Incomplete
// sessions answer 308 with the persisted Range; the final chunk writes
// the object.
func gcsResumeUpload(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	uploadID := rc.QueryValue("upload_id")
	if uploadID == "" {
		return nil, apierror.New("invalid", http.StatusBadRequest, "upload_id is required.")
	}
	key := rc.Key(uploadsParent + "/" + uploadID)

	first, last, total := int64(0), int64(len(rc.Body))-1, int64(len(rc.Body))
	if h := rc.Header.Get("Content-Range"); h != "" {
		var ok bool
		first, last, total, ok = contentRange(h)
		if !ok {
			return nil, apierror.New("invalid", http.StatusBadRequest, "Invalid Content-Range header %q.", h)
		}
	}
	if first >= 0 && last-first+1 != int64(len(rc.Body)) {
		return nil, apierror.New("invalid", http.StatusBadRequest, "Content-Range does not match the request body length.")
	}

	notFound := apierror.Codes{
		NotFound: apierror.Code{Name: "notFound", Status: http.StatusNotFound, Message: "No such upload session: " + uploadID},
	}
	prev, content, err := m.ReadBlob(ctx, key)
	if err != nil {
		return nil, notFound.Translate(err, uploadID)
	}
	if first >= 0 {
		if first > int64(len(content)) {
			return nil, apierror.New("invalid", http.StatusBadRequest, "Chunk starts at %d but only %d bytes were received.", first, len(content))
		}
		content = append(content[:first], rc.Body...)
	}
	session, err := m.Mutate(ctx, key, func(r *resource.Resource) error {
		if !r.UpdatedAt.Equal(prev.UpdatedAt) {
			return errUploadRace
		}
		if first >= 0 {
			r.Content = content
		}
		return nil
	})
	if err != nil {
		return nil, notFound.Translate(err, uploadID)
	}

	if total < 0 || int64(len(content)) < total {
		resp := protocol.Empty(http.StatusPermanentRedirect)
		if len(content) > 0 {
			resp.SetHeader("Range", fmt.Sprintf("bytes=0-%d", len(content)-1))
		}
		return resp, nil
	}

	var u objectUpload
	if err := json.Unmarshal([]byte(session.Meta("upload")), &u); err != nil {
		return nil, err
	}
	resp, err := writeObject(ctx, rc, m, session.Meta("bucket"), u, content[:total], session.Meta("ifGenerationMatch"))
	if err != nil {
		return nil, err
	}
	if _, err := m.Delete(ctx, key, nil); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	return resp, nil
}

func gcsGetObject(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	if rc.QueryValue("alt") == "media" {
		return gcsDownloadObject(ctx, rc, m)
	}
	bucket, name := rc.Param("bucket"), rc.Param("object")
	if _, err := gcsBucket(ctx, m, bucket); err != nil {
		return nil, err
	}
	obj, err := m.Get(ctx, rc.Key(gcsObjectID(bucket, name)))
	if err != nil {
		return nil, objectNotFound(err, bucket, name)
	}
	return reply(http.StatusOK, viewObject(rc, bucket, obj))
}

// gcsDownloadObject returns the object bytes, honouring a single Range.
func gcsDownloadObject(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	bucket, name := rc.Param("bucket"), rc.Param("object")
	if _, err := gcsBucket(ctx, m, bucket); err != nil {
		return nil, err
	}
	obj, content, err := m.ReadBlob(ctx, rc.Key(gcsObjectID(bucket, name)))
	if err != nil {
		return nil, objectNotFound(err, bucket, name)
	}
	if g := rc.QueryValue("generation"); g != "" && g != obj.Meta("generation") {
		return nil, objectNotFound(storage.ErrNotFound, bucket, name)
	}

	status, out := http.StatusOK, content
	var contentRange string
	if spec := rc.Header.Get("Range"); spec != "" {
		start, end, ok := services.ParseRange(spec, int64(len(content)))
		if !ok {
			return nil, apierror.New("requestedRangeNotSatisfiable", http.StatusRequestedRangeNotSatisfiable, "The requested range cannot be satisfied.")
		}
		status, out = http.StatusPartialContent, content[start:end+1]
		contentRange = fmt.Sprintf("bytes %d-%d/%d", start, end, len(content))
	}
	resp := protocol.Raw(status, obj.Meta("contentType"), out).
		SetHeader("ETag", services.Quote(obj.Meta("md5Hash"))).
		SetHeader("Last-Modified", obj.UpdatedAt.UTC().Format(http.TimeFormat)).
		SetHeader("X-Goog-Generation", obj.Meta("generation")).
		SetHeader("X-Goog-Metageneration", "1").
		SetHeader("X-Goog-Hash", "crc32c="+obj.Meta("crc32c")+",md5="+obj.Meta("md5Hash")).
		SetHeader("X-Goog-Stored-Content-Length", obj.Meta("size")).
		SetHeader("Accept-Ranges", "bytes")
	if contentRange != "" {
		resp.SetHeader("Content-Range", contentRange)
	}
	return resp, nil
}

func gcsDeleteObject(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	bucket, name := rc.Param("bucket"), rc.Param("object")
	if _, err := gcsBucket(ctx, m, bucket); err != nil {
		return nil, err
	}
	match := rc.QueryValue("ifGenerationMatch")
	_, err := m.Delete(ctx, rc.Key(gcsObjectID(bucket, name)), func(r *resource.Resource) error {
		if match != "" && r.Meta("generation") != match {
			return errConditionNotMet
		}
		return nil
	})
	if err != nil {
		return nil, objectNotFound(err, bucket, name)
	}
	return protocol.Empty(http.StatusNoContent), nil
}

// gcsListObjects lists objects with the prefix and delimiter roll-up of
// the JSON API. Page tokens are storage cursors.
func gcsListObjects(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	bucket := rc.Param("bucket")
	if _, err := gcsBucket(ctx, m, bucket); err != nil {
		return nil, err
	}
	maxResults, err := services.Int("maxResults", rc.QueryValue("maxResults"), gcsMaxResults)
	if err != nil || maxResults < 0 {
		return nil, apierror.New("invalid", http.StatusBadRequest, "Invalid maxResults: %s", rc.QueryValue("maxResults"))
	}
	if maxResults == 0 {
		maxResults = gcsMaxResults
	}
	maxResults = min(maxResults, gcsMaxResults)
	token, err := pageToken(rc.QueryValue("pageToken"))
	if err != nil {
		return nil, err
	}
	prefix, delimiter := rc.QueryValue("prefix"), rc.QueryValue("delimiter")

	var (
		items    []objectView
		prefixes []string
		seen      = map[string]bool{}
		next      string
		count     int
		truncated bool
	)
	base := gcsObjectID(bucket, "")
	f := storage.Filter{
		Provider: resource.GCP,
		Service:  resource.ObjectStorage,
		Parent:   bucket,
		IDPrefix: base + prefix,
		Cursor:   token,
	}
	for obj, err := range m.List(ctx, f) {
		if err != nil {
			return nil, err
		}
		name := strings.TrimPrefix(obj.ID, base)
		common := ""
		if delimiter != "" {
			if i := strings.Index(name[len(prefix):], delimiter); i >= 0 {
				common = name[:len(prefix)+i+len(delimiter)]
			}
		}
		if common != "" && seen[common] {
			continue
		}
		if count == maxResults {
			truncated = true
			break
		}
		count++
		if common != "" {
			seen[common] = true
			prefixes = append(prefixes, common)
			next = storage.CursorAfter(rc.Key(gcsObjectID(bucket, common+services.PrefixEnd)))
			continue
		}
		items = append(items, viewObject(rc, bucket, obj))
		next = storage.CursorAfter(obj.Key)
	}

	out := map[string]any{"kind": "storage#objects"}
	if len(items) > 0 {
		out["items"] = items
	}
	if len(prefixes) > 0 {
		out["prefixes"] = prefixes
	}
	if truncated {
		out["nextPageToken"] = next
	}
	return reply(http.StatusOK, out)
}
