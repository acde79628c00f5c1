package azure

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/cloudemu/cloudemu/internal/id"
	"github.com/cloudemu/cloudemu/pkg/apierror"
	"github.com/cloudemu/cloudemu/pkg/dispatch"
	"github.com/cloudemu/cloudemu/pkg/lifecycle"
	"github.com/cloudemu/cloudemu/pkg/protocol"
	"github.com/cloudemu/cloudemu/pkg/resource"
	"github.com/cloudemu/cloudemu/pkg/services"
	"github.com/cloudemu/cloudemu/pkg/storage"
)

const cosmosDefaultPage = 100

var (
	cosmosCodes = apierror.Codes{
		NotFound:      apierror.Code{Name: "NotFound", Status: http.StatusNotFound, Message: "Entity with the specified id does not exist in the system."},
		AlreadyExists: apierror.Code{Name: "Conflict", Status: http.StatusConflict, Message: "Entity with the specified id already exists in the system."},
	}
	errEtagMismatch = apierror.New("PreconditionFailed", http.StatusPreconditionFailed, "Operation cannot be performed because one of the specified precondition is not met.")
)

func cosmosRoutes() *dispatch.PathBasedExtraction {
	route := routeTable(resource.KeyValue, protocol.WireRESTJSON)
	const (
		dbs   = "/cosmos/{account}/dbs"
		colls = dbs + "/{db}/colls"
		docs  = colls + "/{coll}/docs"
	)
	return dispatch.NewPathBasedExtraction(
		route(http.MethodPost, dbs, "CreateDatabase"),
		route(http.MethodGet, dbs, "ListDatabases"),
		route(http.MethodGet, dbs+"/{db}", "GetDatabase"),
		route(http.MethodDelete, dbs+"/{db}", "DeleteDatabase"),
		route(http.MethodPost, colls, "CreateCollection"),
		route(http.MethodGet, colls, "ListCollections"),
		route(http.MethodGet, colls+"/{coll}", "GetCollection"),
		route(http.MethodDelete, colls+"/{coll}", "DeleteCollection"),
		route(http.MethodPost, docs, "CreateDocument"),
		route(http.MethodGet, docs, "ListDocuments"),
		route(http.MethodGet, docs+"/{doc}", "ReadDocument"),
		route(http.MethodPut, docs+"/{doc}", "ReplaceDocument"),
		route(http.MethodDelete, docs+"/{doc}", "DeleteDocument"),
	)
}

func (s *Services) registerCosmos(b *protocol.RegistryBuilder) error {
	return services.Register(b, resource.Azure, resource.KeyValue, protocol.WireRESTJSON, services.Ops{
		"CreateDatabase":   cosmosCreateDatabase,
		"ListDatabases":    cosmosListDatabases,
		"GetDatabase":      cosmosGetDatabase,
		"DeleteDatabase":   cosmosDeleteDatabase,
		"CreateCollection": cosmosCreateCollection,
		"ListCollections":  cosmosListCollections,
		"GetCollection":    cosmosGetCollection,
		"DeleteCollection": cosmosDeleteCollection,
		"CreateDocument":   cosmosCreateDocument,
		"ListDocuments":    cosmosListDocuments,
		"ReadDocument":     cosmosReadDocument,
		"ReplaceDocument":  cosmosReplaceDocument,
		"DeleteDocument":   cosmosDeleteDocument,
	})
}

func databaseID(rc *protocol.RequestContext) string {
	return rc.Param("account") + "/" + rc.Param("db")
}

func collectionID(rc *protocol.RequestContext) string {
	return databaseID(rc) + "/" + rc.Param("coll")
}

// decodeDocument parses a JSON object body, keeping numbers exact.
func decodeDocument(rc *protocol.RequestContext) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(rc.Body))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil || doc == nil {
		return nil, apierror.New("BadRequest", http.StatusBadRequest, "The request payload is invalid. Ensure to provide a valid JSON object.")
	}
	return doc, nil
}

// entityID validates the id property of a database, collection or
// document body.
func entityID(body map[string]any) (string, error) {
	s, _ := body["id"].(string)
	if s == "" {
		return "", apierror.New("BadRequest", http.StatusBadRequest, "The input content is invalid because the required properties - 'id; ' - are missing.")
	}
	if strings.ContainsAny(s, `/\?#`) || strings.HasSuffix(s, " ") {
		return "", apierror.New("BadRequest", http.StatusBadRequest, "The input name '%s' is invalid. Ensure to provide a unique non-empty string less than '255' characters.", s)
	}
	return s, nil
}

// system adds the server-managed properties to an entity body.
func system(body map[string]any, r *resource.Resource, self string) map[string]any {
	out := make(map[string]any, len(body)+5)
	for k, v := range body {
		if !strings.HasPrefix(k, "_") {
			out[k] = v
		}
	}
	out["_rid"] = r.Meta("rid")
	out["_self"] = self
	out["_etag"] = r.Meta("etag")
	out["_ts"] = r.UpdatedAt.Unix()
	return out
}

func cosmosReply(status int, v any) (*protocol.Response, error) {
	resp, err := reply(status, v)
	if err != nil {
		return nil, err
	}
	return resp.SetHeader("x-ms-request-charge", "1").SetHeader("x-ms-activity-id", id.UUID()), nil
}

// createEntity stores body as the content of a new database or
// collection.
func createEntity(ctx context.Context, m *lifecycle.Manager, key resource.Key, kind, parent string, body map[string]any) (*resource.Resource, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	r, err := m.Create(ctx, &resource.Resource{
		Key:      key,
		Kind:     kind,
		Parent:   parent,
		Metadata: map[string]string{"rid": id.Alphanumeric(8), "etag": strconv.Quote(id.UUID())},
		Content:  raw,
	})
	return r, cosmosCodes.Translate(err, key.ID)
}

func readEntity(ctx context.Context, m *lifecycle.Manager, key resource.Key) (*resource.Resource, map[string]any, error) {
	r, raw, err := m.ReadBlob(ctx, key)
	if err != nil {
		return nil, nil, cosmosCodes.Translate(err, key.ID)
	}
	var body map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		return nil, nil, err
	}
	return r, body, nil
}

func cosmosCreateDatabase(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	body, err := decodeDocument(rc)
	if err != nil {
		return nil, err
	}
	name, err := entityID(body)
	if err != nil {
		return nil, err
	}
	db, err := createEntity(ctx, m, rc.Key(rc.Param("account")+"/"+name), "database", rc.Param("account"), body)
	if err != nil {
		return nil, err
	}
	return cosmosReply(http.StatusCreated, database(body, db))
}

func database(body map[string]any, r *resource.Resource) map[string]any {
	out := system(body, r, "dbs/"+r.Meta("rid")+"/")
	out["_colls"] = "colls/"
	out["_users"] = "users/"
	return out
}

func cosmosGetDatabase(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	db, body, err := readEntity(ctx, m, rc.Key(databaseID(rc)))
	if err != nil {
		return nil, err
	}
	return cosmosReply(http.StatusOK, database(body, db))
}

// listEntities renders one page of a feed. x-ms-max-item-count bounds
// the page and x-ms-continuation resumes it.
func listEntities(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, kind, parent, field string, render func(map[string]any, *resource.Resource) map[string]any) (*protocol.Response, error) {
	size, err := services.Int("x-ms-max-item-count", rc.Header.Get("x-ms-max-item-count"), cosmosDefaultPage)
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		size = cosmosDefaultPage
	}
	page, err := m.ListPage(ctx, storage.Filter{
		Provider: resource.Azure,
		Service:  resource.KeyValue,
		Kind:     kind,
		Parent:   parent,
		Cursor:   rc.Header.Get("x-ms-continuation"),
		PageSize: size,
	})
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(page.Items))
	for _, r := range page.Items {
		_, body, err := readEntity(ctx, m, r.Key)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		items = append(items, render(body, r))
	}
	resp, err := cosmosReply(http.StatusOK, map[string]any{
		"_rid":   "",
		field:    items,
		"_count": len(items),
	})
	if err != nil {
		return nil, err
	}
	resp.SetHeader("x-ms-item-count", strconv.Itoa(len(items)))
	if page.NextCursor != "" {
		resp.SetHeader("x-ms-continuation", page.NextCursor)
	}
	return resp, nil
}

func cosmosListDatabases(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	return listEntities(ctx, rc, m, "database", rc.Param("account"), "Databases", database)
}

// deleteEntity removes the entity at key and then everything under it.
func deleteEntity(ctx context.Context, m *lifecycle.Manager, key resource.Key) error {
	if _, err := m.Delete(ctx, key, nil); err != nil {
		return cosmosCodes.Translate(err, key.ID)
	}
	children, err := services.Collect(ctx, m, storage.Filter{Provider: resource.Azure, Service: resource.KeyValue, Parent: key.ID})
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := deleteEntity(ctx, m, c.Key); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
	}
	return nil
}

func cosmosDeleteDatabase(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	if err := deleteEntity(ctx, m, rc.Key(databaseID(rc))); err != nil {
		return nil, err
	}
	return cosmosReply(http.StatusNoContent, nil)
}

func cosmosCreateCollection(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	if _, err := m.Get(ctx, rc.Key(databaseID(rc))); err != nil {
		return nil, cosmosCodes.Translate(err, databaseID(rc))
	}
	body, err := decodeDocument(rc)
	if err != nil {
		return nil, err
	}
	name, err := entityID(body)
	if err != nil {
		return nil, err
	}
	if _, ok := body["indexingPolicy"]; !ok {
		body["indexingPolicy"] = map[string]any{
			"indexingMode":  "consistent",
			"automatic":     true,
			"includedPaths": []any{map[string]any{"path": "/*"}},
			"excludedPaths": []any{map[string]any{"path": `/"_etag"/?`}},
		}
	}
	coll, err := createEntity(ctx, m, rc.Key(databaseID(rc)+"/"+name), "collection", databaseID(rc), body)
	if err != nil {
		return nil, err
	}
	return cosmosReply(http.StatusCreated, collection(body, coll))
}

func collection(body map[string]any, r *resource.Resource) map[string]any {
	out := system(body, r, "colls/"+r.Meta("rid")+"/")
	out["_docs"] = "docs/"
	out["_sprocs"] = "sprocs/"
	out["_triggers"] = "triggers/"
	out["_udfs"] = "udfs/"
	out["_conflicts"] = "conflicts/"
	return out
}

func cosmosGetCollection(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	coll, body, err := readEntity(ctx, m, rc.Key(collectionID(rc)))
	if err != nil {
		return nil, err
	}
	return cosmosReply(http.StatusOK, collection(body, coll))
}

func cosmosListCollections(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	if _, err := m.Get(ctx, rc.Key(databaseID(rc))); err != nil {
		return nil, cosmosCodes.Translate(err, databaseID(rc))
	}
	return listEntities(ctx, rc, m, "collection", databaseID(rc), "DocumentCollections", collection)
}

func cosmosDeleteCollection(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	if err := deleteEntity(ctx, m, rc.Key(collectionID(rc))); err != nil {
		return nil, err
	}
	return cosmosReply(http.StatusNoContent, nil)
}

func document(body map[string]any, r *resource.Resource) map[string]any {
	out := system(body, r, "docs/"+r.Meta("rid")+"/")
	out["_attachments"] = "attachments/"
	return out
}

// loadCollection returns the addressed collection.
func loadCollection(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*resource.Resource, error) {
	coll, err := m.Get(ctx, rc.Key(collectionID(rc)))
	return coll, cosmosCodes.Translate(err, collectionID(rc))
}

func docContent(body map[string]any) ([]byte, error) {
	clean := make(map[string]any, len(body))
	for k, v := range body {
		if !strings.HasPrefix(k, "_") {
			clean[k] = v
		}
	}
	return json.Marshal(clean)
}

// cosmosCreateDocument inserts a document, or replaces it when the
// request sets x-ms-documentdb-is-upsert.
func cosmosCreateDocument(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	coll, err := loadCollection(ctx, rc, m)
	if err != nil {
		return nil, err
	}
	body, err := decodeDocument(rc)
	if err != nil {
		return nil, err
	}
	name, err := entityID(body)
	if err != nil {
		return nil, err
	}
	raw, err := docContent(body)
	if err != nil {
		return nil, err
	}

	key := rc.Key(coll.ID + "/" + name)
	doc := &resource.Resource{
		Key:      key,
		Kind:     "document",
		Parent:   coll.ID,
		Metadata: map[string]string{"rid": id.Alphanumeric(8), "etag": strconv.Quote(id.UUID())},
		Content:  raw,
	}
	status := http.StatusCreated
	var out *resource.Resource
	if strings.EqualFold(rc.Header.Get("x-ms-documentdb-is-upsert"), "true") {
		if prev, err := m.Get(ctx, key); err == nil {
			status = http.StatusOK
			doc.Metadata["rid"] = prev.Meta("rid")
		}
		out, err = m.Upsert(ctx, doc)
	} else {
		out, err = m.Create(ctx, doc)
	}
	if err != nil {
		return nil, cosmosCodes.Translate(err, name)
	}
	resp, err := cosmosReply(status, document(body, out))
	if err != nil {
		return nil, err
	}
	return resp.SetHeader("etag", out.Meta("etag")), nil
}

func cosmosReadDocument(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	if _, err := loadCollection(ctx, rc, m); err != nil {
		return nil, err
	}
	doc, body, err := readEntity(ctx, m, rc.Key(collectionID(rc)+"/"+rc.Param("doc")))
	if err != nil {
		return nil, err
	}
	if match := rc.Header.Get("If-None-Match"); match != "" && match == doc.Meta("etag") {
		return protocol.Empty(http.StatusNotModified).SetHeader("etag", match), nil
	}
	resp, err := cosmosReply(http.StatusOK, document(body, doc))
	if err != nil {
		return nil, err
	}
	return resp.SetHeader("etag", doc.Meta("etag")), nil
}

// cosmosReplaceDocument overwrites a document. If-Match, when present,
// must carry the current etag.
func cosmosReplaceDocument(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	if _, err := loadCollection(ctx, rc, m); err != nil {
		return nil, err
	}
	body, err := decodeDocument(rc)
	if err != nil {
		return nil, err
	}
	name := rc.Param("doc")
	if got, _ := body["id"].(string); got != name {
		return nil, apierror.New("BadRequest", http.StatusBadRequest, "The id in the request body must match the document id in the path.")
	}
	raw, err := docContent(body)
	if err != nil {
		return nil, err
	}
	match := rc.Header.Get("If-Match")
	doc, err := m.Mutate(ctx, rc.Key(collectionID(rc)+"/"+name), func(r *resource.Resource) error {
		if match != "" && match != r.Meta("etag") {
			return errEtagMismatch
		}
		r.SetMeta("etag", strconv.Quote(id.UUID()))
		r.Content = raw
		return nil
	})
	if err != nil {
		return nil, cosmosCodes.Translate(err, name)
	}
	resp, err := cosmosReply(http.StatusOK, document(body, doc))
	if err != nil {
		return nil, err
	}
	return resp.SetHeader("etag", doc.Meta("etag")), nil
}

func cosmosDeleteDocument(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	if _, err := loadCollection(ctx, rc, m); err != nil {
		return nil, err
	}
	match := rc.Header.Get("If-Match")
	_, err := m.Delete(ctx, rc.Key(collectionID(rc)+"/"+rc.Param("doc")), func(r *resource.Resource) error {
		if match != "" && match != r.Meta("etag") {
			return errEtagMismatch
		}
		return nil
	})
	if err != nil {
		return nil, cosmosCodes.Translate(err, rc.Param("doc"))
	}
	return cosmosReply(http.StatusNoContent, nil)
}

func cosmosListDocuments(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	coll, err := loadCollection(ctx, rc, m)
	if err != nil {
		return nil, err
	}
	return listEntities(ctx, rc, m, "document", coll.ID, "Documents", document)
}
