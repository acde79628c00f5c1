package azure

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

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
	blobMaxResults = 5000
	blobMetaPrefix = "x-ms-meta-"
	metaUserPrefix = "meta:"
)

var (
	containerCodes = apierror.Codes{
		NotFound:      apierror.Code{Name: "ContainerNotFound", Status: http.StatusNotFound, Message: "The specified container does not exist."},
		AlreadyExists: apierror.Code{Name: "ContainerAlreadyExists", Status: http.StatusConflict, Message: "The specified container already exists."},
		Busy:          apierror.Code{Name: "ContainerBeingDeleted", Status: http.StatusConflict, Message: "The specified container is being deleted."},
	}
	blobCodes = apierror.Codes{
		NotFound: apierror.Code{Name: "BlobNotFound", Status: http.StatusNotFound, Message: "The specified blob does not exist."},
	}

	// Container names are 3-63 lowercase letters, digits and single
	// hyphens, starting and ending with a letter or digit.
	containerName = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)
)

func blobRoutes() *dispatch.PathBasedExtraction {
	route := routeTable(resource.ObjectStorage, protocol.WireRESTXML)
	return dispatch.NewPathBasedExtraction(
		route(http.MethodGet, "/blob/{account}", "ListContainers", "comp=list"),
		route(http.MethodPut, "/blob/{account}/{container}", "CreateContainer", "restype=container"),
		route(http.MethodGet, "/blob/{account}/{container}", "ListBlobs", "restype=container", "comp=list"),
		route(http.MethodGet, "/blob/{account}/{container}", "GetContainerProperties", "restype=container"),
		route(http.MethodHead, "/blob/{account}/{container}", "GetContainerProperties", "restype=container"),
		route(http.MethodDelete, "/blob/{account}/{container}", "DeleteContainer", "restype=container"),
		route(http.MethodPut, "/blob/{account}/{container}/{blob...}", "PutBlob"),
		route(http.MethodGet, "/blob/{account}/{container}/{blob...}", "GetBlob"),
		route(http.MethodHead, "/blob/{account}/{container}/{blob...}", "GetBlobProperties"),
		route(http.MethodDelete, "/blob/{account}/{container}/{blob...}", "DeleteBlob"),
	)
}

func (s *Services) registerBlob(b *protocol.RegistryBuilder) error {
	return services.Register(b, resource.Azure, resource.ObjectStorage, protocol.WireRESTXML, services.Ops{
		"ListContainers":         blobListContainers,
		"CreateContainer":        blobCreateContainer,
		"GetContainerProperties": blobGetContainerProperties,
		"DeleteContainer":        blobDeleteContainer,
		"ListBlobs":              blobListBlobs,
		"PutBlob":                blobPut,
		"GetBlob":                blobGet,
		"GetBlobProperties":      blobGetProperties,
		"DeleteBlob":             blobDelete,
	})
}

func containerID(account, container string) string { return account + "/" + container }

func blobID(account, container, name string) string {
	return containerID(account, container) + "/" + name
}

// container returns the addressed container or ContainerNotFound.
func container(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*resource.Resource, error) {
	c, err := m.Get(ctx, rc.Key(containerID(rc.Param("account"), rc.Param("container"))))
	return c, containerCodes.Translate(err, rc.Param("container"))
}

func userMetadata(h http.Header) map[string]string {
	meta := map[string]string{}
	for name, values := range h {
		if suffix, ok := strings.CutPrefix(strings.ToLower(name), blobMetaPrefix); ok && len(values) > 0 {
			meta[metaUserPrefix+suffix] = values[0]
		}
	}
	return meta
}

func storageHeaders(resp *protocol.Response, r *resource.Resource) *protocol.Response {
	resp.SetHeader("ETag", etag(r.UpdatedAt))
	resp.SetHeader("Last-Modified", httpTime(r.UpdatedAt))
	resp.SetHeader("x-ms-version", apiVersion)
	for k, v := range r.Metadata {
		if name, ok := strings.CutPrefix(k, metaUserPrefix); ok {
			resp.SetHeader(blobMetaPrefix+name, v)
		}
	}
	return resp
}

func enumeration(rc *protocol.RequestContext) (*etree.Document, *etree.Element) {
	doc := protocol.NewXMLDocument()
	root := doc.CreateElement("EnumerationResults")
	root.CreateAttr("ServiceEndpoint", rc.BaseURL+"/blob/"+rc.Param("account")+"/")
	return doc, root
}

// maxResults parses the maxresults parameter of the list operations.
func maxResults(rc *protocol.RequestContext) (int, error) {
	n, err := services.Int("maxresults", rc.QueryValue("maxresults"), blobMaxResults)
	if err != nil || n <= 0 {
		return 0, apierror.New("OutOfRangeQueryParameterValue", http.StatusBadRequest, "One of the query parameters specified in the request URI is outside the permissible range.")
	}
	return min(n, blobMaxResults), nil
}

func blobListContainers(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	account := rc.Param("account")
	limit, err := maxResults(rc)
	if err != nil {
		return nil, err
	}
	prefix := rc.QueryValue("prefix")
	page, err := m.ListPage(ctx, storage.Filter{
		Provider: resource.Azure,
		Service:  resource.ObjectStorage,
		Kind:     "container",
		Parent:   account,
		IDPrefix: containerID(account, prefix),
		Cursor:   rc.QueryValue("marker"),
		PageSize: limit,
	})
	if err != nil {
		return nil, err
	}

	doc, root := enumeration(rc)
	root.CreateElement("Prefix").SetText(prefix)
	root.CreateElement("Marker").SetText(rc.QueryValue("marker"))
	root.CreateElement("MaxResults").SetText(strconv.Itoa(limit))
	list := root.CreateElement("Containers")
	for _, c := range page.Items {
		el := list.CreateElement("Container")
		el.CreateElement("Name").SetText(strings.TrimPrefix(c.ID, account+"/"))
		props := el.CreateElement("Properties")
		props.CreateElement("Last-Modified").SetText(httpTime(c.UpdatedAt))
		props.CreateElement("Etag").SetText(etag(c.UpdatedAt))
		props.CreateElement("LeaseStatus").SetText("unlocked")
		props.CreateElement("LeaseState").SetText("available")
	}
	root.CreateElement("NextMarker").SetText(page.NextCursor)
	return protocol.XML(http.StatusOK, doc)
}

func blobCreateContainer(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	account, name := rc.Param("account"), rc.Param("container")
	if len(name) < 3 || len(name) > 63 || !containerName.MatchString(name) {
		return nil, apierror.New("InvalidResourceName", http.StatusBadRequest, "The specified resource name contains invalid characters.")
	}
	c, err := m.Create(ctx, &resource.Resource{
		Key:      rc.Key(containerID(account, name)),
		Kind:     "container",
		Parent:   account,
		Metadata: userMetadata(rc.Header),
	})
	if err != nil {
		return nil, containerCodes.Translate(err, name)
	}
	return storageHeaders(protocol.Empty(http.StatusCreated), c), nil
}

func blobGetContainerProperties(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	c, err := container(ctx, rc, m)
	if err != nil {
		return nil, err
	}
	resp := storageHeaders(protocol.Empty(http.StatusOK), c)
	resp.SetHeader("x-ms-lease-status", "unlocked").
		SetHeader("x-ms-lease-state", "available").
		SetHeader("x-ms-has-immutability-policy", "false").
		SetHeader("x-ms-has-legal-hold", "false")
	return resp, nil
}

// blobDeleteContainer removes every blob in the container and then the
// container. Blobs go while the container is Deleting, so a container
// re-created afterwards never loses new blobs.
func blobDeleteContainer(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	id := containerID(rc.Param("account"), rc.Param("container"))
	_, err := m.Delete(ctx, rc.Key(id), func(*resource.Resource) error {
		_, err := m.DeleteChildren(ctx, resource.Azure, resource.ObjectStorage, id)
		return err
	})
	if err != nil {
		return nil, containerCodes.Translate(err, rc.Param("container"))
	}
	return protocol.Empty(http.StatusAccepted).SetHeader("x-ms-version", apiVersion), nil
}

// blobListBlobs lists a container. With a delimiter, names sharing a
// prefix up to the delimiter roll up into one BlobPrefix. Markers are
// storage cursors.
func blobListBlobs(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	c, err := container(ctx, rc, m)
	if err != nil {
		return nil, err
	}
	limit, err := maxResults(rc)
	if err != nil {
		return nil, err
	}
	prefix := rc.QueryValue("prefix")
	delimiter := rc.QueryValue("delimiter")
	marker := rc.QueryValue("marker")
	withMeta := strings.Contains(rc.QueryValue("include"), "metadata")

	doc, root := enumeration(rc)
	root.CreateAttr("ContainerName", rc.Param("container"))
	root.CreateElement("Prefix").SetText(prefix)
	root.CreateElement("Marker").SetText(marker)
	root.CreateElement("MaxResults").SetText(strconv.Itoa(limit))
	if delimiter != "" {
		root.CreateElement("Delimiter").SetText(delimiter)
	}
	list := root.CreateElement("Blobs")

	base := c.ID + "/"
	var (
		seen      = map[string]bool{}
		count     int
		truncated bool
		next      string
	)
	f := storage.Filter{
		Provider: resource.Azure,
		Service:  resource.ObjectStorage,
		Parent:   c.ID,
		IDPrefix: base + prefix,
		Cursor:   marker,
	}
	for b, err := range m.List(ctx, f) {
		if err != nil {
			return nil, err
		}
		name := strings.TrimPrefix(b.ID, base)
		common := ""
		if delimiter != "" {
			if i := strings.Index(name[len(prefix):], delimiter); i >= 0 {
				common = name[:len(prefix)+i+len(delimiter)]
			}
		}
		if common != "" && seen[common] {
			continue
		}
		if count == limit {
			truncated = true
			break
		}
		count++
		if common != "" {
			seen[common] = true
			list.CreateElement("BlobPrefix").CreateElement("Name").SetText(common)
			next = storage.CursorAfter(rc.Key(base + common + services.PrefixEnd))
			continue
		}
		blobEntry(list, name, b, withMeta)
		next = storage.CursorAfter(b.Key)
	}
	if !truncated {
		next = ""
	}
	root.CreateElement("NextMarker").SetText(next)
	return protocol.XML(http.StatusOK, doc)
}

func blobEntry(list *etree.Element, name string, b *resource.Resource, withMeta bool) {
	el := list.CreateElement("Blob")
	el.CreateElement("Name").SetText(name)
	props := el.CreateElement("Properties")
	props.CreateElement("Creation-Time").SetText(httpTime(b.CreatedAt))
	props.CreateElement("Last-Modified").SetText(httpTime(b.UpdatedAt))
	props.CreateElement("Etag").SetText(etag(b.UpdatedAt))
	props.CreateElement("Content-Length").SetText(services.ItoA(services.Sized(b)))
	props.CreateElement("Content-Type").SetText(b.Meta("content-type"))
	props.CreateElement("Content-MD5").SetText(b.Meta("content-md5"))
	props.CreateElement("BlobType").SetText("BlockBlob")
	props.CreateElement("AccessTier").SetText("Hot")
	props.CreateElement("LeaseStatus").SetText("unlocked")
	props.CreateElement("LeaseState").SetText("available")
	if withMeta {
		md := el.CreateElement("Metadata")
		for k, v := range b.Metadata {
			if key, ok := strings.CutPrefix(k, metaUserPrefix); ok {
				md.CreateElement(key).SetText(v)
			}
		}
	}
}

func blobPut(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	switch kind := rc.Header.Get("x-ms-blob-type"); kind {
	case "BlockBlob":
	case "":
		return nil, apierror.New("MissingRequiredHeader", http.StatusBadRequest, "An HTTP header that's mandatory for this request is not specified: x-ms-blob-type.")
	default:
		return nil, apierror.New("InvalidHeaderValue", http.StatusBadRequest, "Blob type %s is not supported; only BlockBlob is.", kind)
	}

	name := rc.Param("blob")
	key := rc.Key(blobID(rc.Param("account"), rc.Param("container"), name))

	content := rc.Body
	if content == nil {
		content = []byte{}
	}
	sum := services.MD5Base64(content)
	if want := rc.Header.Get("Content-MD5"); want != "" && want != sum {
		return nil, apierror.New("Md5Mismatch", http.StatusBadRequest, "The MD5 value specified in the request did not match with the MD5 value calculated by the server.")
	}

	meta := userMetadata(rc.Header)
	meta["content-md5"] = sum
	meta["content-type"] = blobContentType(rc.Header)

	// The container is held while the blob is written so that a concurrent
	// container delete removes it too.
	var b *resource.Resource
	parent := rc.Key(containerID(rc.Param("account"), rc.Param("container")))
	err := m.WithParent(ctx, parent, func(c *resource.Resource) error {
		rec := &resource.Resource{
			Key:      key,
			Kind:     "blob",
			Parent:   c.ID,
			Metadata: meta,
			Content:  content,
		}
		var err error
		if rc.Header.Get("If-None-Match") == "*" {
			b, err = m.Create(ctx, rec)
			if errors.Is(err, storage.ErrAlreadyExists) {
				return apierror.New("BlobAlreadyExists", http.StatusConflict, "The specified blob already exists.")
			}
		} else {
			b, err = m.Upsert(ctx, rec)
		}
		return blobCodes.Translate(err, name)
	})
	if err != nil {
		return nil, containerCodes.Translate(err, rc.Param("container"))
	}
	resp := protocol.Empty(http.StatusCreated).
		SetHeader("ETag", etag(b.UpdatedAt)).
		SetHeader("Last-Modified", httpTime(b.UpdatedAt)).
		SetHeader("Content-MD5", sum).
		SetHeader("x-ms-request-server-encrypted", "true").
		SetHeader("x-ms-version", apiVersion)
	return resp, nil
}

func blobContentType(h http.Header) string {
	if ct := h.Get("x-ms-blob-content-type"); ct != "" {
		return ct
	}
	if ct := h.Get("Content-Type"); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func blobHeaders(resp *protocol.Response, b *resource.Resource) *protocol.Response {
	storageHeaders(resp, b)
	resp.SetHeader("Content-Type", b.Meta("content-type"))
	resp.SetHeader("x-ms-blob-type", "BlockBlob")
	resp.SetHeader("x-ms-creation-time", httpTime(b.CreatedAt))
	resp.SetHeader("Accept-Ranges", "bytes")
	return resp
}

func blobGet(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	if _, err := container(ctx, rc, m); err != nil {
		return nil, err
	}
	name := rc.Param("blob")
	b, content, err := m.ReadBlob(ctx, rc.Key(blobID(rc.Param("account"), rc.Param("container"), name)))
	if err != nil {
		return nil, blobCodes.Translate(err, name)
	}

	spec := rc.Header.Get("x-ms-range")
	if spec == "" {
		spec = rc.Header.Get("Range")
	}
	if spec != "" {
		start, end, ok := services.ParseRange(spec, int64(len(content)))
		if !ok {
			return nil, apierror.New("InvalidRange", http.StatusRequestedRangeNotSatisfiable, "The range specified is invalid for the current size of the resource.")
		}
		resp := blobHeaders(protocol.Raw(http.StatusPartialContent, "", content[start:end+1]), b)
		resp.SetHeader("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(content)))
		return resp, nil
	}
	resp := blobHeaders(protocol.Raw(http.StatusOK, "", content), b)
	resp.SetHeader("Content-MD5", b.Meta("content-md5"))
	return resp, nil
}

func blobGetProperties(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	if _, err := container(ctx, rc, m); err != nil {
		return nil, err
	}
	name := rc.Param("blob")
	b, err := m.Get(ctx, rc.Key(blobID(rc.Param("account"), rc.Param("container"), name)))
	if err != nil {
		return nil, blobCodes.Translate(err, name)
	}
	resp := blobHeaders(protocol.Empty(http.StatusOK), b)
	resp.SetHeader("Content-Length", services.ItoA(services.Sized(b)))
	resp.SetHeader("Content-MD5", b.Meta("content-md5"))
	return resp, nil
}

func blobDelete(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	if _, err := container(ctx, rc, m); err != nil {
		return nil, err
	}
	name := rc.Param("blob")
	if _, err := m.Delete(ctx, rc.Key(blobID(rc.Param("account"), rc.Param("container"), name)), nil); err != nil {
		return nil, blobCodes.Translate(err, name)
	}
	return protocol.Empty(http.StatusAccepted).SetHeader("x-ms-version", apiVersion), nil
}
