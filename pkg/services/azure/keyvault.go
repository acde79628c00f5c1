package azure

import (
	"context"
	"encoding/json"
	"maps"
	"net/http"
	"net/url"
	"regexp"
	"strconv"

	"github.com/cloudemu/cloudemu/internal/id"
	"github.com/cloudemu/cloudemu/pkg/apierror"
	"github.com/cloudemu/cloudemu/pkg/dispatch"
	"github.com/cloudemu/cloudemu/pkg/lifecycle"
	"github.com/cloudemu/cloudemu/pkg/protocol"
	"github.com/cloudemu/cloudemu/pkg/resource"
	"github.com/cloudemu/cloudemu/pkg/services"
	"github.com/cloudemu/cloudemu/pkg/storage"
)

const vaultMaxResults = 25

var (
	vaultSecretName = regexp.MustCompile(`^[0-9a-zA-Z-]{1,127}$`)

	errSecretDisabled = apierror.New("Forbidden", http.StatusForbidden, "Operation get is not allowed on a disabled secret.")
)

func keyVaultRoutes() *dispatch.PathBasedExtraction {
	route := routeTable(resource.Secret, protocol.WireRESTJSON)
	const secrets = "/keyvault/{vault}/secrets"
	return dispatch.NewPathBasedExtraction(
		route(http.MethodGet, secrets, "ListSecrets"),
		route(http.MethodPut, secrets+"/{name}", "SetSecret"),
		route(http.MethodGet, secrets+"/{name}", "GetSecret"),
		route(http.MethodDelete, secrets+"/{name}", "DeleteSecret"),
		route(http.MethodGet, secrets+"/{name}/versions", "ListSecretVersions"),
		route(http.MethodGet, secrets+"/{name}/{version}", "GetSecret"),
	)
}

func (s *Services) registerKeyVault(b *protocol.RegistryBuilder) error {
	return services.Register(b, resource.Azure, resource.Secret, protocol.WireRESTJSON, services.Ops{
		"SetSecret":          vaultSetSecret,
		"GetSecret":          vaultGetSecret,
		"DeleteSecret":       vaultDeleteSecret,
		"ListSecrets":        vaultListSecrets,
		"ListSecretVersions": vaultListSecretVersions,
	})
}

func secretNotFound(err error, name string) error {
	codes := apierror.Codes{
		NotFound: apierror.Code{Name: "SecretNotFound", Status: http.StatusNotFound, Message: "A secret with (name/id) " + name + " was not found in this key vault."},
	}
	return codes.Translate(err, name)
}

type secretAttributes struct {
	Enabled       *bool  `json:"enabled,omitempty"`
	NotBefore     *int64 `json:"nbf,omitempty"`
	Expires       *int64 `json:"exp,omitempty"`
	Created       int64  `json:"created,omitempty"`
	Updated       int64  `json:"updated,omitempty"`
	RecoveryLevel string `json:"recoveryLevel,omitempty"`
}

type secretBundle struct {
	Value       *string           `json:"value,omitempty"`
	ID          string            `json:"id"`
	ContentType string            `json:"contentType,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
	Attributes  secretAttributes  `json:"attributes"`
	DeletedDate int64             `json:"deletedDate,omitempty"`
}

// secretURL is the identifier clients parse the name and version from.
func secretURL(vault, name, version string) string {
	u := "https://" + vault + ".vault.azure.net/secrets/" + name
	if version != "" {
		u += "/" + version
	}
	return u
}

func secretID(rc *protocol.RequestContext) string {
	return rc.Param("vault") + "/" + rc.Param("name")
}

// bundle renders r, a secret or one of its versions, without the value.
func bundle(vault, name, version string, r *resource.Resource) secretBundle {
	b := secretBundle{
		ID:          secretURL(vault, name, version),
		ContentType: r.Meta("contentType"),
		Attributes: secretAttributes{
			Created:       r.CreatedAt.Unix(),
			Updated:       r.UpdatedAt.Unix(),
			RecoveryLevel: "Purgeable",
		},
	}
	enabled := r.Meta("enabled") != "false"
	b.Attributes.Enabled = &enabled
	if v, err := strconv.ParseInt(r.Meta("nbf"), 10, 64); err == nil {
		b.Attributes.NotBefore = &v
	}
	if v, err := strconv.ParseInt(r.Meta("exp"), 10, 64); err == nil {
		b.Attributes.Expires = &v
	}
	if raw := r.Meta("tags"); raw != "" {
		_ = json.Unmarshal([]byte(raw), &b.Tags)
	}
	return b
}

type setSecretInput struct {
	Value       *string           `json:"value"`
	ContentType string            `json:"contentType"`
	Tags        map[string]string `json:"tags"`
	Attributes  secretAttributes  `json:"attributes"`
}

// vaultSetSecret stores a new version and makes it current.
func vaultSetSecret(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	vault, name := rc.Param("vault"), rc.Param("name")
	if !vaultSecretName.MatchString(name) {
		return nil, apierror.New("BadParameter", http.StatusBadRequest, "The request URI contains an invalid name: %s", name)
	}
	var in setSecretInput
	if err := rc.DecodeJSON(&in); err != nil {
		return nil, err
	}
	if in.Value == nil {
		return nil, apierror.New("BadParameter", http.StatusBadRequest, "The parameter value is required.")
	}

	meta := map[string]string{"contentType": in.ContentType}
	if in.Attributes.Enabled != nil && !*in.Attributes.Enabled {
		meta["enabled"] = "false"
	}
	if in.Attributes.NotBefore != nil {
		meta["nbf"] = strconv.FormatInt(*in.Attributes.NotBefore, 10)
	}
	if in.Attributes.Expires != nil {
		meta["exp"] = strconv.FormatInt(*in.Attributes.Expires, 10)
	}
	if len(in.Tags) > 0 {
		raw, err := json.Marshal(in.Tags)
		if err != nil {
			return nil, err
		}
		meta["tags"] = string(raw)
	}

	parent := vault + "/" + name
	version := id.Hex(16)
	v, err := m.Create(ctx, &resource.Resource{
		Key:      rc.Key(parent + "/" + version),
		Kind:     "version",
		Parent:   parent,
		Metadata: meta,
		Content:  []byte(*in.Value),
	})
	if err != nil {
		return nil, err
	}

	current := maps.Clone(meta)
	current["current"] = version
	if _, err := m.Upsert(ctx, &resource.Resource{
		Key:      rc.Key(parent),
		Kind:     "secret",
		Parent:   vault,
		Metadata: current,
	}); err != nil {
		return nil, err
	}

	out := bundle(vault, name, version, v)
	out.Value = in.Value
	return reply(http.StatusOK, out)
}

// vaultGetSecret returns the named version, or the current one.
func vaultGetSecret(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	vault, name := rc.Param("vault"), rc.Param("name")
	version := rc.Param("version")
	if version == "" {
		sec, err := m.Get(ctx, rc.Key(secretID(rc)))
		if err != nil {
			return nil, secretNotFound(err, name)
		}
		version = sec.Meta("current")
	}
	v, value, err := m.ReadBlob(ctx, rc.Key(secretID(rc)+"/"+version))
	if err != nil {
		return nil, secretNotFound(err, name+"/"+version)
	}
	if v.Meta("enabled") == "false" {
		return nil, errSecretDisabled
	}
	out := bundle(vault, name, version, v)
	s := string(value)
	out.Value = &s
	return reply(http.StatusOK, out)
}

// vaultDeleteSecret removes the secret and all of its versions. There is
// no soft-delete retention, so the secret cannot be recovered.
func vaultDeleteSecret(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	vault, name := rc.Param("vault"), rc.Param("name")
	sec, err := m.Delete(ctx, rc.Key(secretID(rc)), func(r *resource.Resource) error {
		_, err := m.DeleteChildren(ctx, resource.Azure, resource.Secret, r.ID)
		return err
	})
	if err != nil {
		return nil, secretNotFound(err, name)
	}
	out := bundle(vault, name, sec.Meta("current"), sec)
	out.DeletedDate = sec.UpdatedAt.Unix()
	return reply(http.StatusOK, out)
}

// vaultPage lists one page of resources under parent and renders the
// Key Vault paging envelope. $skiptoken carries the storage cursor.
func vaultPage(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, parent string, item func(*resource.Resource) secretBundle) (*protocol.Response, error) {
	size, err := services.Int("maxresults", rc.QueryValue("maxresults"), vaultMaxResults)
	if err != nil {
		return nil, err
	}
	if size < 1 || size > vaultMaxResults {
		return nil, apierror.New("BadParameter", http.StatusBadRequest, "Invalid value for maxresults; must be between 1 and %d.", vaultMaxResults)
	}
	page, err := m.ListPage(ctx, storage.Filter{
		Provider: resource.Azure,
		Service:  resource.Secret,
		Parent:   parent,
		Cursor:   rc.QueryValue("$skiptoken"),
		PageSize: size,
	})
	if err != nil {
		return nil, err
	}

	items := make([]secretBundle, 0, len(page.Items))
	for _, r := range page.Items {
		items = append(items, item(r))
	}
	out := map[string]any{"value": items, "nextLink": nil}
	if page.NextCursor != "" {
		q := url.Values{}
		q.Set("$skiptoken", page.NextCursor)
		q.Set("maxresults", strconv.Itoa(size))
		if v := rc.QueryValue("api-version"); v != "" {
			q.Set("api-version", v)
		}
		out["nextLink"] = rc.BaseURL + rc.Path + "?" + q.Encode()
	}
	return reply(http.StatusOK, out)
}

func vaultListSecrets(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	vault := rc.Param("vault")
	return vaultPage(ctx, rc, m, vault, func(r *resource.Resource) secretBundle {
		return bundle(vault, r.ID[len(vault)+1:], "", r)
	})
}

func vaultListSecretVersions(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	vault, name := rc.Param("vault"), rc.Param("name")
	if _, err := m.Get(ctx, rc.Key(secretID(rc))); err != nil {
		return nil, secretNotFound(err, name)
	}
	parent := secretID(rc)
	return vaultPage(ctx, rc, m, parent, func(r *resource.Resource) secretBundle {
		return bundle(vault, name, r.ID[len(parent)+1:], r)
	})
}
