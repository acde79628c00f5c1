package gcp

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
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
	maxDocumentIDBytes = 1500
	patchRetries       = 3
)

var (
	reservedID = regexp.MustCompile(`^__.*__$`)

	errStaleDocument = errors.New("document changed during patch")
)

func firestoreRules() *dispatch.VerbPlusPathExtraction {
	rule := ruleTable(resource.KeyValue)
	const docs = "/v1/projects/{project}/databases/{database}/documents"
	path := func(r dispatch.VerbRule, p dispatch.Parity) dispatch.VerbRule {
		r.Rest, r.Parity = "path", p
		return r
	}
	return dispatch.NewVerbPlusPathExtraction(
		path(rule(http.MethodPost, docs, "", "CreateDocument"), dispatch.Odd),
		path(rule(http.MethodGet, docs, "", "GetDocument"), dispatch.Even),
		path(rule(http.MethodGet, docs, "", "ListDocuments"), dispatch.Odd),
		path(rule(http.MethodPatch, docs, "", "PatchDocument"), dispatch.Even),
		path(rule(http.MethodDelete, docs, "", "DeleteDocument"), dispatch.Even),
	)
}

func (s *Services) registerFirestore(b *protocol.RegistryBuilder) error {
	return services.Register(b, resource.GCP, resource.KeyValue, protocol.WireRESTJSON, services.Ops{
		"CreateDocument": fsCreateDocument,
		"GetDocument":    fsGetDocument,
		"ListDocuments":  fsListDocuments,
		"PatchDocument":  fsPatchDocument,
		"DeleteDocument": fsDeleteDocument,
	})
}

// docRoot is the resource id prefix of the addressed database.
func docRoot(rc *protocol.RequestContext) string {
	return rc.Param("project") + "/" + rc.Param("database")
}

// docName is the full resource name clients see for a document path.
func docName(rc *protocol.RequestContext, path string) string {
	return "projects/" + rc.Param("project") + "/databases/" + rc.Param("database") + "/documents/" + path
}

func validPath(path string) error {
	for seg := range strings.SplitSeq(path, "/") {
		if seg == "" || seg == "." || seg == ".." || reservedID.MatchString(seg) || len(seg) > maxDocumentIDBytes {
			return apierror.New("INVALID_ARGUMENT", http.StatusBadRequest, "Invalid resource path segment %q.", seg)
		}
	}
	return nil
}

func documentNotFound(err error, name string) error {
	codes := apierror.Codes{
		NotFound:      apierror.Code{Name: "NOT_FOUND", Status: http.StatusNotFound, Message: fmt.Sprintf("Document %q not found.", name)},
		AlreadyExists: apierror.Code{Name: "ALREADY_EXISTS", Status: http.StatusConflict, Message: "Document already exists: " + name},
	}
	return codes.Translate(err, name)
}

// validateValue checks that v is a Firestore Value: an object with
// exactly one of the typed value fields.
func validateValue(field string, v any) error {
	bad := func(format string, args ...any) error {
		return apierror.New("INVALID_ARGUMENT", http.StatusBadRequest, "Invalid value for field %q: "+format, append([]any{field}, args...)...)
	}
	obj, ok := v.(map[string]any)
	if !ok || len(obj) != 1 {
		return bad("a value must set exactly one type")
	}
	for kind, inner := range obj {
		switch kind {
		case "nullValue":
			if inner != nil && inner != "NULL_VALUE" {
				return bad("nullValue must be NULL_VALUE")
			}
		case "booleanValue":
			if _, ok := inner.(bool); !ok {
				return bad("booleanValue must be a boolean")
			}
		case "integerValue":
			s := fmt.Sprint(inner)
			if _, err := strconv.ParseInt(s, 10, 64); err != nil {
				return bad("integerValue must be a 64-bit integer")
			}
		case "doubleValue":
			switch d := inner.(type) {
			case json.Number:
			case string:
				if d != "NaN" && d != "Infinity" && d != "-Infinity" {
					return bad("doubleValue must be a number")
				}
			default:
				return bad("doubleValue must be a number")
			}
		case "timestampValue":
			s, _ := inner.(string)
			if _, err := time.Parse(time.RFC3339Nano, s); err != nil {
				return bad("timestampValue must be an RFC 3339 timestamp")
			}
		case "stringValue", "referenceValue":
			if _, ok := inner.(string); !ok {
				return bad("%s must be a string", kind)
			}
		case "bytesValue":
			s, _ := inner.(string)
			if _, err := base64.StdEncoding.DecodeString(s); err != nil {
				return bad("bytesValue must be base64")
			}
		case "geoPointValue":
			if _, ok := inner.(map[string]any); !ok {
				return bad("geoPointValue must be an object")
			}
		case "arrayValue":
			arr, _ := inner.(map[string]any)
			values, _ := arr["values"].([]any)
			for i, e := range values {
				if ev, _ := e.(map[string]any); ev["arrayValue"] != nil {
					return bad("arrays cannot directly contain arrays")
				}
				if err := validateValue(fmt.Sprintf("%s[%d]", field, i), e); err != nil {
					return err
				}
			}
		case "mapValue":
			if err := validateFields(field+".", fieldsOf(obj)); err != nil {
				return err
			}
		default:
			return bad("unknown value type %q", kind)
		}
	}
	return nil
}

func validateFields(prefix string, fields map[string]any) error {
	for name, v := range fields {
		if name == "" {
			return apierror.New("INVALID_ARGUMENT", http.StatusBadRequest, "Field names must not be empty.")
		}
		if err := validateValue(prefix+name, v); err != nil {
			return err
		}
	}
	return nil
}

// fieldsOf returns the fields of a mapValue, or nil.
func fieldsOf(v any) map[string]any {
	obj, _ := v.(map[string]any)
	mv, _ := obj["mapValue"].(map[string]any)
	fields, _ := mv["fields"].(map[string]any)
	return fields
}

// splitFieldPath splits a dotted field path. Segments may be quoted with
// backticks, inside which a backslash escapes the next byte.
func splitFieldPath(p string) ([]string, error) {
	var (
		segs   []string
		cur    strings.Builder
		quoted bool
	)
	for i := 0; i < len(p); i++ {
		switch c := p[i]; {
		case c == '`':
			quoted = !quoted
		case c == '\\' && quoted && i+1 < len(p):
			i++
			cur.WriteByte(p[i])
		case c == '.' && !quoted:
			if cur.Len() == 0 {
				return nil, fmt.Errorf("empty segment in field path %q", p)
			}
			segs = append(segs, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	if quoted || cur.Len() == 0 {
		return nil, fmt.Errorf("invalid field path %q", p)
	}
	return append(segs, cur.String()), nil
}

func lookupField(fields map[string]any, path []string) (any, bool) {
	for i, seg := range path {
		v, ok := fields[seg]
		if !ok {
			return nil, false
		}
		if i == len(path)-1 {
			return v, true
		}
		if fields = fieldsOf(v); fields == nil {
			return nil, false
		}
	}
	return nil, false
}

func setField(fields map[string]any, path []string, v any) {
	for _, seg := range path[:len(path)-1] {
		next := fieldsOf(fields[seg])
		if next == nil {
			next = map[string]any{}
			fields[seg] = map[string]any{"mapValue": map[string]any{"fields": next}}
		}
		fields = next
	}
	fields[path[len(path)-1]] = v
}

func deleteField(fields map[string]any, path []string) {
	for _, seg := range path[:len(path)-1] {
		if fields = fieldsOf(fields[seg]); fields == nil {
			return
		}
	}
	delete(fields, path[len(path)-1])
}

// decodeFields parses the document body and validates its fields.
func decodeFields(rc *protocol.RequestContext) (map[string]any, error) {
	var in struct {
		Fields map[string]any `json:"fields"`
	}
	if len(rc.Body) > 0 {
		dec := json.NewDecoder(bytes.NewReader(rc.Body))
		dec.UseNumber()
		if err := dec.Decode(&in); err != nil {
			return nil, apierror.New("INVALID_ARGUMENT", http.StatusBadRequest, "Invalid JSON payload received. %v", err)
		}
	}
	if in.Fields == nil {
		in.Fields = map[string]any{}
	}
	if err := validateFields("", in.Fields); err != nil {
		return nil, err
	}
	return in.Fields, nil
}

func readFields(raw []byte) (map[string]any, error) {
	fields := map[string]any{}
	if len(raw) == 0 {
		return fields, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	return fields, nil
}

type documentView struct {
	Name       string         `json:"name"`
	Fields     map[string]any `json:"fields,omitempty"`
	CreateTime string         `json:"createTime"`
	UpdateTime string         `json:"updateTime"`
}

func viewDocument(rc *protocol.RequestContext, r *resource.Resource, fields map[string]any) documentView {
	return documentView{
		Name:       docName(rc, strings.TrimPrefix(r.ID, docRoot(rc)+"/")),
		Fields:     fields,
		CreateTime: timestamp(r.CreatedAt),
		UpdateTime: timestamp(r.UpdatedAt),
	}
}

// fsCreateDocument adds a document to a collection. Without a documentId
// the server picks a random 20-character id.
func fsCreateDocument(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	collection := rc.Param("path")
	docID := rc.QueryValue("documentId")
	if docID == "" {
		docID = id.Alphanumeric(20)
	}
	path := collection + "/" + docID
	if err := validPath(path); err != nil {
		return nil, err
	}
	fields, err := decodeFields(rc)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	doc, err := m.Create(ctx, &resource.Resource{
		Key:     rc.Key(docRoot(rc) + "/" + path),
		Kind:    "document",
		Parent:  docRoot(rc) + "/" + collection,
		Content: raw,
	})
	if err != nil {
		return nil, documentNotFound(err, docName(rc, path))
	}
	return reply(http.StatusOK, viewDocument(rc, doc, fields))
}

func fsGetDocument(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	path := rc.Param("path")
	doc, raw, err := m.ReadBlob(ctx, rc.Key(docRoot(rc)+"/"+path))
	if err != nil {
		return nil, documentNotFound(err, docName(rc, path))
	}
	fields, err := readFields(raw)
	if err != nil {
		return nil, err
	}
	return reply(http.StatusOK, viewDocument(rc, doc, fields))
}

// fsListDocuments lists the documents directly in a collection, in id
// order.
func fsListDocuments(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	size, err := pageSize("pageSize", rc.QueryValue("pageSize"))
	if err != nil {
		return nil, err
	}
	token, err := pageToken(rc.QueryValue("pageToken"))
	if err != nil {
		return nil, err
	}
	page, err := m.ListPage(ctx, storage.Filter{
		Provider: resource.GCP,
		Service:  resource.KeyValue,
		Kind:     "document",
		Parent:   docRoot(rc) + "/" + rc.Param("path"),
		Cursor:   token,
		PageSize: size,
	})
	if err != nil {
		return nil, err
	}
	docs := make([]documentView, 0, len(page.Items))
	for _, r := range page.Items {
		_, raw, err := m.ReadBlob(ctx, r.Key)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		fields, err := readFields(raw)
		if err != nil {
			return nil, err
		}
		docs = append(docs, viewDocument(rc, r, fields))
	}
	out := map[string]any{}
	if len(docs) > 0 {
		out["documents"] = docs
	}
	if page.NextCursor != "" {
		out["nextPageToken"] = page.NextCursor
	}
	return reply(http.StatusOK, out)
}

// precondition is the currentDocument query parameter group.
type precondition struct {
	exists     *bool
	updateTime string
}

func parsePrecondition(rc *protocol.RequestContext) (precondition, error) {
	var p precondition
	if v := rc.QueryValue("currentDocument.exists"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return p, apierror.New("INVALID_ARGUMENT", http.StatusBadRequest, "Invalid value for currentDocument.exists: %s", v)
		}
		p.exists = &b
	}
	p.updateTime = rc.QueryValue("currentDocument.updateTime")
	if p.exists != nil && p.updateTime != "" {
		return p, apierror.New("INVALID_ARGUMENT", http.StatusBadRequest, "A precondition may set exists or updateTime, not both.")
	}
	return p, nil
}

func (p precondition) check(doc *resource.Resource) error {
	if p.exists != nil && !*p.exists {
		return apierror.New("ALREADY_EXISTS", http.StatusConflict, "Document already exists.")
	}
	if p.updateTime != "" {
		want, err := time.Parse(time.RFC3339Nano, p.updateTime)
		if err != nil || !want.Equal(doc.UpdatedAt) {
			return apierror.New("FAILED_PRECONDITION", http.StatusBadRequest, "The document was updated after the precondition time.")
		}
	}
	return nil
}

// fsPatchDocument updates or creates a document. With an updateMask only
// the named field paths change; a path missing from the body is deleted.
func fsPatchDocument(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	path := rc.Param("path")
	if err := validPath(path); err != nil {
		return nil, err
	}
	name := docName(rc, path)
	fields, err := decodeFields(rc)
	if err != nil {
		return nil, err
	}
	pre, err := parsePrecondition(rc)
	if err != nil {
		return nil, err
	}
	var mask [][]string
	for _, p := range rc.Query["updateMask.fieldPaths"] {
		segs, err := splitFieldPath(p)
		if err != nil {
			return nil, apierror.New("INVALID_ARGUMENT", http.StatusBadRequest, "%v", err)
		}
		mask = append(mask, segs)
	}
	merge := func(current map[string]any) map[string]any {
		if mask == nil {
			return fields
		}
		for _, p := range mask {
			if v, ok := lookupField(fields, p); ok {
				setField(current, p, v)
			} else {
				deleteField(current, p)
			}
		}
		return current
	}

	key := rc.Key(docRoot(rc) + "/" + path)
	for attempt := 0; ; attempt++ {
		prev, raw, err := m.ReadBlob(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			if (pre.exists != nil && *pre.exists) || pre.updateTime != "" {
				return nil, documentNotFound(err, name)
			}
			next := merge(map[string]any{})
			content, err := json.Marshal(next)
			if err != nil {
				return nil, err
			}
			doc, err := m.Create(ctx, &resource.Resource{
				Key:     key,
				Kind:    "document",
				Parent:  docRoot(rc) + "/" + path[:strings.LastIndex(path, "/")],
				Content: content,
			})
			if errors.Is(err, storage.ErrAlreadyExists) && attempt < patchRetries {
				continue
			}
			if err != nil {
				return nil, documentNotFound(err, name)
			}
			return reply(http.StatusOK, viewDocument(rc, doc, next))
		}
		if err != nil {
			return nil, documentNotFound(err, name)
		}
		if err := pre.check(prev); err != nil {
			return nil, err
		}
		current, err := readFields(raw)
		if err != nil {
			return nil, err
		}
		next := merge(current)
		content, err := json.Marshal(next)
		if err != nil {
			return nil, err
		}
		doc, err := m.Mutate(ctx, key, func(r *resource.Resource) error {
			if !r.UpdatedAt.Equal(prev.UpdatedAt) {
				return errStaleDocument
			}
			r.Content = content
			return nil
		})
		if (errors.Is(err, errStaleDocument) || errors.Is(err, storage.ErrNotFound)) && attempt < patchRetries {
			continue
		}
		if errors.Is(err, errStaleDocument) {
			return nil, apierror.New("ABORTED", http.StatusConflict, "Too much contention on document %s.", name)
		}
		if err != nil {
			return nil, documentNotFound(err, name)
		}
		return reply(http.StatusOK, viewDocument(rc, doc, next))
	}
}

// fsDeleteDocument deletes a document. Deleting a missing document
// succeeds unless currentDocument.exists is true. Subcollections are
// left in place.
func fsDeleteDocument(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	path := rc.Param("path")
	pre, err := parsePrecondition(rc)
	if err != nil {
		return nil, err
	}
	_, err = m.Delete(ctx, rc.Key(docRoot(rc)+"/"+path), func(r *resource.Resource) error {
		if pre.updateTime != "" {
			return pre.check(r)
		}
		return nil
	})
	if errors.Is(err, storage.ErrNotFound) && (pre.exists == nil || !*pre.exists) && pre.updateTime == "" {
		return reply(http.StatusOK, struct{}{})
	}
	if err != nil {
		return nil, documentNotFound(err, docName(rc, path))
	}
	return reply(http.StatusOK, struct{}{})
}
