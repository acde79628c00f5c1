package gcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/cloudemu/cloudemu/pkg/apierror"
	"github.com/cloudemu/cloudemu/pkg/dispatch"
	"github.com/cloudemu/cloudemu/pkg/lifecycle"
	"github.com/cloudemu/cloudemu/pkg/protocol"
	"github.com/cloudemu/cloudemu/pkg/resource"
	"github.com/cloudemu/cloudemu/pkg/services"
	"github.com/cloudemu/cloudemu/pkg/storage"
)

const maxSecretPayload = 64 << 10

// Version states.
const (
	versionEnabled   = "ENABLED"
	versionDisabled  = "DISABLED"
	versionDestroyed = "DESTROYED"
)

var secretID = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,255}$`)

func secretRules() *dispatch.VerbPlusPathExtraction {
	rule := ruleTable(resource.Secret)
	const (
		secrets  = "/v1/projects/{project}/secrets"
		versions = secrets + "/{secret}/versions"
	)
	return dispatch.NewVerbPlusPathExtraction(
		rule(http.MethodPost, secrets, "", "CreateSecret"),
		rule(http.MethodGet, secrets, "", "ListSecrets"),
		rule(http.MethodPost, secrets, ":addVersion", "AddSecretVersion", "secret"),
		rule(http.MethodGet, secrets, "", "GetSecret", "secret"),
		rule(http.MethodDelete, secrets, "", "DeleteSecret", "secret"),
		rule(http.MethodGet, versions, "", "ListSecretVersions"),
		rule(http.MethodGet, versions, ":access", "AccessSecretVersion", "version"),
		rule(http.MethodGet, versions, "", "GetSecretVersion", "version"),
		rule(http.MethodPost, versions, ":disable", "DisableSecretVersion", "version"),
		rule(http.MethodPost, versions, ":enable", "EnableSecretVersion", "version"),
		rule(http.MethodPost, versions, ":destroy", "DestroySecretVersion", "version"),
	)
}

func (s *Services) registerSecretManager(b *protocol.RegistryBuilder) error {
	return services.Register(b, resource.GCP, resource.Secret, protocol.WireRESTJSON, services.Ops{
		"CreateSecret":         smCreateSecret,
		"GetSecret":            smGetSecret,
		"DeleteSecret":         smDeleteSecret,
		"ListSecrets":          smListSecrets,
		"AddSecretVersion":     smAddSecretVersion,
		"AccessSecretVersion":  smAccessSecretVersion,
		"GetSecretVersion":     smGetSecretVersion,
		"ListSecretVersions":   smListSecretVersions,
		"DisableSecretVersion": versionTransition(versionDisabled),
		"EnableSecretVersion":  versionTransition(versionEnabled),
		"DestroySecretVersion": versionTransition(versionDestroyed),
	})
}

func secretName(p, s string) string { return "projects/" + p + "/secrets/" + s }

// versionID zero-pads the version number so that versions list in order.
func versionID(secret string, n int) string { return fmt.Sprintf("%s/%08d", secret, n) }

func secretCodes(name string) apierror.Codes {
	return apierror.Codes{
		NotFound:      apierror.Code{Name: "NOT_FOUND", Status: http.StatusNotFound, Message: "Secret [" + name + "] not found or has no versions."},
		AlreadyExists: apierror.Code{Name: "ALREADY_EXISTS", Status: http.StatusConflict, Message: "Secret [" + name + "] already exists."},
	}
}

func versionCodes(name string) apierror.Codes {
	return apierror.Codes{
		NotFound: apierror.Code{Name: "NOT_FOUND", Status: http.StatusNotFound, Message: "Secret Version [" + name + "] not found."},
	}
}

type secretView struct {
	Name        string            `json:"name"`
	Replication json.RawMessage   `json:"replication"`
	CreateTime  string            `json:"createTime"`
	Labels      map[string]string `json:"labels,omitempty"`
	Etag        string            `json:"etag"`
}

func viewSecret(r *resource.Resource) secretView {
	return secretView{
		Name:        r.Meta("name"),
		Replication: json.RawMessage(r.Meta("replication")),
		CreateTime:  timestamp(r.CreatedAt),
		Labels:      decodeLabels(r.Meta("labels")),
		Etag:        strconv.Quote(strconv.FormatInt(r.UpdatedAt.UnixMicro(), 10)),
	}
}

type versionView struct {
	Name        string `json:"name"`
	CreateTime  string `json:"createTime"`
	DestroyTime string `json:"destroyTime,omitempty"`
	State       string `json:"state"`
	Etag        string `json:"etag"`
}

func viewVersion(r *resource.Resource) versionView {
	return versionView{
		Name:        r.Meta("name"),
		CreateTime:  timestamp(r.CreatedAt),
		DestroyTime: r.Meta("destroyTime"),
		State:       r.Meta("state"),
		Etag:        strconv.Quote(strconv.FormatInt(r.UpdatedAt.UnixMicro(), 10)),
	}
}

// smCreateSecret creates a secret without versions. A replication policy
// is required even though the emulator keeps a single copy.
func smCreateSecret(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	p, name := project(rc), rc.QueryValue("secretId")
	if !secretID.MatchString(name) {
		return nil, apierror.New("INVALID_ARGUMENT", http.StatusBadRequest, "Invalid secret id %q: must match [a-zA-Z0-9_-]{1,255}.", name)
	}
	var in struct {
		Replication json.RawMessage   `json:"replication"`
		Labels      map[string]string `json:"labels"`
	}
	if err := rc.DecodeJSON(&in); err != nil {
		return nil, err
	}
	var policy struct {
		Automatic   *struct{} `json:"automatic"`
		UserManaged *struct {
			Replicas []struct {
				Location string `json:"location"`
			} `json:"replicas"`
		} `json:"userManaged"`
	}
	if len(in.Replication) > 0 {
		if err := json.Unmarshal(in.Replication, &policy); err != nil {
			return nil, apierror.New("INVALID_ARGUMENT", http.StatusBadRequest, "Invalid replication policy: %v", err)
		}
	}
	switch {
	case policy.Automatic == nil && policy.UserManaged == nil:
		return nil, apierror.New("INVALID_ARGUMENT", http.StatusBadRequest, "Secret.replication must be specified.")
	case policy.Automatic != nil && policy.UserManaged != nil:
		return nil, apierror.New("INVALID_ARGUMENT", http.StatusBadRequest, "Secret.replication may set only one of automatic or userManaged.")
	case policy.UserManaged != nil && len(policy.UserManaged.Replicas) == 0:
		return nil, apierror.New("INVALID_ARGUMENT", http.StatusBadRequest, "Secret.replication.userManaged.replicas must not be empty.")
	}

	full := secretName(p, name)
	md := map[string]string{
		"name":        full,
		"project":     p,
		"replication": string(in.Replication),
		"versions":    "0",
	}
	if len(in.Labels) > 0 {
		raw, _ := json.Marshal(in.Labels)
		md["labels"] = string(raw)
	}
	r, err := m.Create(ctx, &resource.Resource{Key: rc.Key(p + "/" + name), Kind: "secret", Metadata: md})
	if err != nil {
		return nil, secretCodes(full).Translate(err, full)
	}
	return reply(http.StatusOK, viewSecret(r))
}

func smGetSecret(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	p, name := project(rc), rc.Param("secret")
	r, err := m.Get(ctx, rc.Key(p+"/"+name))
	if err != nil {
		full := secretName(p, name)
		return nil, secretCodes(full).Translate(err, full)
	}
	return reply(http.StatusOK, viewSecret(r))
}

// smDeleteSecret removes a secret and every version of it.
func smDeleteSecret(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	p, name := project(rc), rc.Param("secret")
	_, err := m.Delete(ctx, rc.Key(p+"/"+name), func(r *resource.Resource) error {
		_, err := m.DeleteChildren(ctx, resource.GCP, resource.Secret, r.ID)
		return err
	})
	if err != nil {
		full := secretName(p, name)
		return nil, secretCodes(full).Translate(err, full)
	}
	return reply(http.StatusOK, struct{}{})
}

func smListSecrets(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	size, err := pageSize("pageSize", rc.QueryValue("pageSize"))
	if err != nil {
		return nil, err
	}
	token, err := pageToken(rc.QueryValue("pageToken"))
	if err != nil {
		return nil, err
	}
	f := storage.Filter{
		Provider: resource.GCP,
		Service:  resource.Secret,
		Kind:     "secret",
		Metadata: map[string]string{"project": project(rc)},
	}
	total, err := m.Count(ctx, f)
	if err != nil {
		return nil, err
	}
	f.Cursor, f.PageSize = token, size
	page, err := m.ListPage(ctx, f)
	if err != nil {
		return nil, err
	}
	secrets := make([]secretView, 0, len(page.Items))
	for _, r := range page.Items {
		secrets = append(secrets, viewSecret(r))
	}
	out := map[string]any{"totalSize": total}
	if len(secrets) > 0 {
		out["secrets"] = secrets
	}
	if page.NextCursor != "" {
		out["nextPageToken"] = page.NextCursor
	}
	return reply(http.StatusOK, out)
}

type secretPayload struct {
	Data       string `json:"data"`
	DataCrc32c string `json:"dataCrc32c,omitempty"`
}

// smAddSecretVersion stores a new ENABLED version. The version number is
// taken from a counter on the secret so numbers are never reused.
func smAddSecretVersion(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	p, name := project(rc), rc.Param("secret")
	full := secretName(p, name)
	var in struct {
		Payload *secretPayload `json:"payload"`
	}
	if err := rc.DecodeJSON(&in); err != nil {
		return nil, err
	}
	if in.Payload == nil {
		return nil, apierror.New("INVALID_ARGUMENT", http.StatusBadRequest, "SecretPayload must be specified.")
	}
	data, err := base64.StdEncoding.DecodeString(in.Payload.Data)
	if err != nil {
		return nil, apierror.New("INVALID_ARGUMENT", http.StatusBadRequest, "SecretPayload.data must be base64.")
	}
	if len(data) > maxSecretPayload {
		return nil, apierror.New("INVALID_ARGUMENT", http.StatusBadRequest, "SecretPayload.data exceeds the limit of %d bytes.", maxSecretPayload)
	}
	if in.Payload.DataCrc32c != "" {
		want, err := strconv.ParseUint(in.Payload.DataCrc32c, 10, 64)
		if err != nil || want != uint64(crc32.Checksum(data, castagnoli)) {
			return nil, apierror.New("INVALID_ARGUMENT", http.StatusBadRequest, "Checksum mismatch: data_crc32c does not match the payload.")
		}
	}

	var n int
	secret, err := m.Mutate(ctx, rc.Key(p+"/"+name), func(r *resource.Resource) error {
		n = metaInt(r, "versions", 0) + 1
		r.SetMeta("versions", strconv.Itoa(n))
		return nil
	})
	if err != nil {
		return nil, secretCodes(full).Translate(err, full)
	}
	var v *resource.Resource
	err = m.WithParent(ctx, secret.Key, func(*resource.Resource) error {
		var err error
		v, err = m.Create(ctx, &resource.Resource{
			Key:    rc.Key(versionID(secret.ID, n)),
			Kind:   "version",
			Parent: secret.ID,
			Metadata: map[string]string{
				"name":   full + "/versions/" + strconv.Itoa(n),
				"number": strconv.Itoa(n),
				"state":  versionEnabled,
			},
			Content: data,
		})
		return err
	})
	if err != nil {
		return nil, secretCodes(full).Translate(err, full)
	}
	return reply(http.StatusOK, viewVersion(v))
}

// resolveVersion finds the version a request names. "latest" is the
// newest ENABLED version.
func resolveVersion(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (resource.Key, error) {
	p, name, v := project(rc), rc.Param("secret"), rc.Param("version")
	secret := p + "/" + name
	full := secretName(p, name) + "/versions/" + v
	if _, err := m.Get(ctx, rc.Key(secret)); err != nil {
		return resource.Key{}, secretCodes(secretName(p, name)).Translate(err, secretName(p, name))
	}
	if v != "latest" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return resource.Key{}, apierror.New("INVALID_ARGUMENT", http.StatusBadRequest, "Invalid secret version %q.", v)
		}
		return rc.Key(versionID(secret, n)), nil
	}
	var latest *resource.Resource
	for r, err := range m.List(ctx, storage.Filter{
		Provider: resource.GCP,
		Service:  resource.Secret,
		Kind:     "version",
		Parent:   secret,
		Metadata: map[string]string{"state": versionEnabled},
	}) {
		if err != nil {
			return resource.Key{}, err
		}
		latest = r
	}
	if latest == nil {
		return resource.Key{}, versionCodes(full).Translate(storage.ErrNotFound, full)
	}
	return latest.Key, nil
}

func smGetSecretVersion(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	key, err := resolveVersion(ctx, rc, m)
	if err != nil {
		return nil, err
	}
	v, err := m.Get(ctx, key)
	if err != nil {
		full := secretName(project(rc), rc.Param("secret")) + "/versions/" + rc.Param("version")
		return nil, versionCodes(full).Translate(err, full)
	}
	return reply(http.StatusOK, viewVersion(v))
}

// smAccessSecretVersion returns the payload of an ENABLED version.
func smAccessSecretVersion(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	key, err := resolveVersion(ctx, rc, m)
	if err != nil {
		return nil, err
	}
	v, data, err := m.ReadBlob(ctx, key)
	if err != nil {
		full := secretName(project(rc), rc.Param("secret")) + "/versions/" + rc.Param("version")
		return nil, versionCodes(full).Translate(err, full)
	}
	if state := v.Meta("state"); state != versionEnabled {
		return nil, apierror.New("FAILED_PRECONDITION", http.StatusBadRequest, "%s is in %s state.", v.Meta("name"), state)
	}
	return reply(http.StatusOK, map[string]any{
		"name": v.Meta("name"),
		"payload": secretPayload{
			Data:       base64.StdEncoding.EncodeToString(data),
			DataCrc32c: strconv.FormatUint(uint64(crc32.Checksum(data, castagnoli)), 10),
		},
	})
}

func smListSecretVersions(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	p, name := project(rc), rc.Param("secret")
	secret, err := m.Get(ctx, rc.Key(p+"/"+name))
	if err != nil {
		full := secretName(p, name)
		return nil, secretCodes(full).Translate(err, full)
	}
	size, err := pageSize("pageSize", rc.QueryValue("pageSize"))
	if err != nil {
		return nil, err
	}
	token, err := pageToken(rc.QueryValue("pageToken"))
	if err != nil {
		return nil, err
	}
	f := storage.Filter{Provider: resource.GCP, Service: resource.Secret, Kind: "version", Parent: secret.ID}
	total, err := m.Count(ctx, f)
	if err != nil {
		return nil, err
	}
	f.Cursor, f.PageSize = token, size
	page, err := m.ListPage(ctx, f)
	if err != nil {
		return nil, err
	}
	versions := make([]versionView, 0, len(page.Items))
	for _, r := range page.Items {
		versions = append(versions, viewVersion(r))
	}
	out := map[string]any{"totalSize": total}
	if len(versions) > 0 {
		out["versions"] = versions
	}
	if page.NextCursor != "" {
		out["nextPageToken"] = page.NextCursor
	}
	return reply(http.StatusOK, out)
}

var errVersionDestroyed = errors.New("version destroyed")

// versionTransition moves a version to state. Destroying discards the
// payload; a destroyed version cannot change state again.
func versionTransition(state string) protocol.HandlerFunc {
	return func(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
		key, err := resolveVersion(ctx, rc, m)
		if err != nil {
			return nil, err
		}
		v, err := m.Mutate(ctx, key, func(r *resource.Resource) error {
			if r.Meta("state") == versionDestroyed {
				return errVersionDestroyed
			}
			r.SetMeta("state", state)
			if state == versionDestroyed {
				r.SetMeta("destroyTime", timestamp(time.Now()))
				r.Content = []byte{}
			}
			return nil
		})
		full := secretName(project(rc), rc.Param("secret")) + "/versions/" + rc.Param("version")
		if errors.Is(err, errVersionDestroyed) {
			return nil, apierror.New("FAILED_PRECONDITION", http.StatusBadRequest, "%s is in DESTROYED state.", full)
		}
		if err != nil {
			return nil, versionCodes(full).Translate(err, full)
		}
		return reply(http.StatusOK, viewVersion(v))
	}
}
