package aws

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cloudemu/cloudemu/internal/id"
	"github.com/cloudemu/cloudemu/pkg/apierror"
	"github.com/cloudemu/cloudemu/pkg/lifecycle"
	"github.com/cloudemu/cloudemu/pkg/protocol"
	"github.com/cloudemu/cloudemu/pkg/resource"
	"github.com/cloudemu/cloudemu/pkg/services"
	"github.com/cloudemu/cloudemu/pkg/storage"
)

// Version stages.
const (
	stageCurrent  = "AWSCURRENT"
	stagePrevious = "AWSPREVIOUS"
)

var (
	secretCodes = apierror.Codes{
		NotFound:      apierror.Code{Name: "ResourceNotFoundException", Status: http.StatusBadRequest, Message: "Secrets Manager can't find the specified secret."},
		AlreadyExists: apierror.Code{Name: "ResourceExistsException", Status: http.StatusBadRequest, Message: "The operation failed because the secret already exists."},
	}
	errSecretDeleted = apierror.New("InvalidRequestException", http.StatusBadRequest, "You can't perform this operation on the secret because it was marked for deletion.")
)

func (s *Services) registerSecrets(b *protocol.RegistryBuilder) error {
	return services.Register(b, resource.AWS, resource.Secret, protocol.WireJSON, services.Ops{
		"CreateSecret":   handler(smCreateSecret),
		"DescribeSecret": handler(smDescribeSecret),
		"GetSecretValue": handler(smGetSecretValue),
		"PutSecretValue": handler(smPutSecretValue),
		"ListSecrets":    handler(smListSecrets),
		"DeleteSecret":   handler(smDeleteSecret),
		"RestoreSecret":  handler(smRestoreSecret),
	})
}

func secretKey(name string) resource.Key {
	return resource.NewKey(resource.AWS, resource.Secret, name)
}

// versionKey names a secret version. "#" cannot appear in secret names.
func versionKey(name, version string) resource.Key {
	return secretKey(name + "#" + version)
}

// secretName resolves a SecretId, which is a name or an ARN whose last
// part carries a six character suffix.
func secretName(secretID string) string {
	_, rest, ok := strings.Cut(secretID, ":secret:")
	if !strings.HasPrefix(secretID, "arn:") || !ok {
		return secretID
	}
	if i := strings.LastIndexByte(rest, '-'); i >= 0 && len(rest)-i-1 == 6 {
		return rest[:i]
	}
	return rest
}

func loadSecret(ctx context.Context, m *lifecycle.Manager, secretID string) (*resource.Resource, error) {
	if err := services.Required("SecretId", secretID); err != nil {
		return nil, err
	}
	sec, err := m.Get(ctx, secretKey(secretName(secretID)))
	if err != nil {
		return nil, secretCodes.Translate(err, secretID)
	}
	if strings.HasPrefix(secretID, "arn:") && sec.Meta("arn") != secretID {
		return nil, secretCodes.Translate(storage.ErrNotFound, secretID)
	}
	return sec, nil
}

type secretValue struct {
	SecretString string
	SecretBinary []byte
}

func (v secretValue) empty() bool { return v.SecretString == "" && len(v.SecretBinary) == 0 }

func (v secretValue) content() []byte {
	if v.SecretBinary != nil {
		return v.SecretBinary
	}
	return []byte(v.SecretString)
}

// putVersion stores a new version and moves AWSCURRENT to it.
func putVersion(ctx context.Context, m *lifecycle.Manager, sec *resource.Resource, version string, v secretValue) (*resource.Resource, error) {
	meta := map[string]string{"binary": strconv.FormatBool(v.SecretBinary != nil)}
	err := m.WithParent(ctx, sec.Key, func(*resource.Resource) error {
		_, err := m.Create(ctx, &resource.Resource{
			Key:      versionKey(sec.ID, version),
			Kind:     "version",
			Parent:   sec.ID,
			Metadata: meta,
			Content:  v.content(),
		})
		return err
	})
	if errors.Is(err, storage.ErrAlreadyExists) {
		// A repeated ClientRequestToken is idempotent.
		return sec, nil
	}
	if err != nil {
		return nil, err
	}
	return m.Mutate(ctx, sec.Key, func(r *resource.Resource) error {
		if cur := r.Meta("current"); cur != "" {
			r.SetMeta("previous", cur)
		}
		r.SetMeta("current", version)
		r.SetMeta("lastChanged", strconv.FormatInt(time.Now().UnixMilli(), 10))
		return nil
	})
}

func stages(sec *resource.Resource, version string) []string {
	var out []string
	if sec.Meta("current") == version {
		out = append(out, stageCurrent)
	}
	if sec.Meta("previous") == version {
		out = append(out, stagePrevious)
	}
	return out
}

type createSecretInput struct {
	Name               string
	Description        string
	ClientRequestToken string
	Tags               []struct{ Key, Value string }
	secretValue
}

func smCreateSecret(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, in *createSecretInput) (any, error) {
	if err := services.Required("Name", in.Name); err != nil {
		return nil, err
	}
	if strings.ContainsAny(in.Name, "# ") || len(in.Name) > 512 {
		return nil, apierror.Validation("Invalid name. Must be a valid name containing alphanumeric characters, or any of the following: -/_+=.@!")
	}
	secretArn := arn(rc, "secretsmanager", "secret:"+in.Name+"-"+id.Alphanumeric(6))
	sec, err := m.Create(ctx, &resource.Resource{
		Key:  secretKey(in.Name),
		Kind: "secret",
		Metadata: map[string]string{
			"arn":         secretArn,
			"description": in.Description,
		},
	})
	if err != nil {
		return nil, secretCodes.Translate(err, in.Name)
	}

	out := map[string]any{"ARN": secretArn, "Name": in.Name}
	if !in.secretValue.empty() {
		version := in.ClientRequestToken
		if version == "" {
			version = id.UUID()
		}
		if _, err := putVersion(ctx, m, sec, version, in.secretValue); err != nil {
			return nil, err
		}
		out["VersionId"] = version
	}
	return out, nil
}

type secretIDInput struct{ SecretId string }

func smDescribeSecret(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, in *secretIDInput) (any, error) {
	sec, err := loadSecret(ctx, m, in.SecretId)
	if err != nil {
		return nil, err
	}
	return describeSecret(sec), nil
}

func describeSecret(sec *resource.Resource) map[string]any {
	out := map[string]any{
		"ARN":         sec.Meta("arn"),
		"Name":        sec.ID,
		"CreatedDate": epoch(sec.CreatedAt),
	}
	if d := sec.Meta("description"); d != "" {
		out["Description"] = d
	}
	if ms, err := strconv.ParseInt(sec.Meta("lastChanged"), 10, 64); err == nil {
		out["LastChangedDate"] = float64(ms) / 1000
	}
	if ms, err := strconv.ParseInt(sec.Meta("deletedAt"), 10, 64); err == nil {
		out["DeletedDate"] = float64(ms) / 1000
	}
	versions := map[string][]string{}
	for _, v := range []string{sec.Meta("current"), sec.Meta("previous")} {
		if v != "" {
			versions[v] = stages(sec, v)
		}
	}
	if len(versions) > 0 {
		out["VersionIdsToStages"] = versions
	}
	return out
}

type getSecretValueInput struct {
	SecretId     string
	VersionId    string
	VersionStage string
}

func smGetSecretValue(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, in *getSecretValueInput) (any, error) {
	sec, err := loadSecret(ctx, m, in.SecretId)
	if err != nil {
		return nil, err
	}
	if sec.Meta("deletedAt") != "" {
		return nil, errSecretDeleted
	}

	version := in.VersionId
	switch {
	case version != "":
	case in.VersionStage == "" || in.VersionStage == stageCurrent:
		version = sec.Meta("current")
	case in.VersionStage == stagePrevious:
		version = sec.Meta("previous")
	}
	if version == "" {
		return nil, apierror.New("ResourceNotFoundException", http.StatusBadRequest, "Secrets Manager can't find the specified secret value for staging label: %s", cmpOr(in.VersionStage, stageCurrent))
	}
	v, content, err := m.ReadBlob(ctx, versionKey(sec.ID, version))
	if err != nil {
		return nil, apierror.New("ResourceNotFoundException", http.StatusBadRequest, "Secrets Manager can't find the specified secret value for VersionId: %s", version)
	}

	out := map[string]any{
		"ARN":           sec.Meta("arn"),
		"Name":          sec.ID,
		"VersionId":     version,
		"VersionStages": stages(sec, version),
		"CreatedDate":   epoch(v.CreatedAt),
	}
	if v.Meta("binary") == "true" {
		out["SecretBinary"] = content
	} else {
		out["SecretString"] = string(content)
	}
	return out, nil
}

func cmpOr(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

type putSecretValueInput struct {
	SecretId           string
	ClientRequestToken string
	secretValue
}

func smPutSecretValue(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, in *putSecretValueInput) (any, error) {
	sec, err := loadSecret(ctx, m, in.SecretId)
	if err != nil {
		return nil, err
	}
	if sec.Meta("deletedAt") != "" {
		return nil, errSecretDeleted
	}
	if in.secretValue.empty() {
		return nil, apierror.Validation("You must provide either SecretString or SecretBinary.")
	}
	version := in.ClientRequestToken
	if version == "" {
		version = id.UUID()
	}
	sec, err = putVersion(ctx, m, sec, version, in.secretValue)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"ARN":           sec.Meta("arn"),
		"Name":          sec.ID,
		"VersionId":     version,
		"VersionStages": stages(sec, version),
	}, nil
}

type listSecretsInput struct {
	MaxResults int
	NextToken  string
}

func smListSecrets(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, in *listSecretsInput) (any, error) {
	size := in.MaxResults
	if size <= 0 || size > 100 {
		size = 100
	}
	page, err := m.ListPage(ctx, storage.Filter{
		Provider: resource.AWS, Service: resource.Secret, Kind: "secret",
		Cursor: in.NextToken, PageSize: size,
	})
	if err != nil {
		return nil, err
	}
	list := make([]map[string]any, 0, len(page.Items))
	for _, sec := range page.Items {
		list = append(list, describeSecret(sec))
	}
	out := map[string]any{"SecretList": list}
	if page.NextCursor != "" {
		out["NextToken"] = page.NextCursor
	}
	return out, nil
}

type deleteSecretInput struct {
	SecretId                   string
	ForceDeleteWithoutRecovery bool
	RecoveryWindowInDays       int
}

// smDeleteSecret schedules deletion after the recovery window by setting
// an expiry on the secret; forced deletes remove it at once.
func smDeleteSecret(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, in *deleteSecretInput) (any, error) {
	sec, err := loadSecret(ctx, m, in.SecretId)
	if err != nil {
		return nil, err
	}
	if in.ForceDeleteWithoutRecovery && in.RecoveryWindowInDays != 0 {
		return nil, apierror.New("InvalidParameterException", http.StatusBadRequest, "You can't use ForceDeleteWithoutRecovery in conjunction with RecoveryWindowInDays.")
	}

	now := time.Now()
	if in.ForceDeleteWithoutRecovery {
		_, err := m.Delete(ctx, sec.Key, func(*resource.Resource) error {
			_, err := m.DeleteChildren(ctx, resource.AWS, resource.Secret, sec.ID)
			return err
		})
		if err != nil {
			return nil, secretCodes.Translate(err, in.SecretId)
		}
	} else {
		days := in.RecoveryWindowInDays
		if days == 0 {
			days = 30
		}
		if days < 7 || days > 30 {
			return nil, apierror.New("InvalidParameterException", http.StatusBadRequest, "The RecoveryWindowInDays value must be between 7 and 30 days (inclusive).")
		}
		purgeAt := now.Add(time.Duration(days) * 24 * time.Hour)
		_, err := m.Mutate(ctx, sec.Key, func(r *resource.Resource) error {
			r.SetMeta("deletedAt", strconv.FormatInt(now.UnixMilli(), 10))
			r.ExpiresAt = purgeAt
			return nil
		})
		if err != nil {
			return nil, secretCodes.Translate(err, in.SecretId)
		}
		now = purgeAt
	}
	return map[string]any{"ARN": sec.Meta("arn"), "Name": sec.ID, "DeletionDate": epoch(now)}, nil
}

func smRestoreSecret(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, in *secretIDInput) (any, error) {
	sec, err := loadSecret(ctx, m, in.SecretId)
	if err != nil {
		return nil, err
	}
	_, err = m.Mutate(ctx, sec.Key, func(r *resource.Resource) error {
		delete(r.Metadata, "deletedAt")
		r.ExpiresAt = time.Time{}
		return nil
	})
	if err != nil {
		return nil, secretCodes.Translate(err, in.SecretId)
	}
	return map[string]any{"ARN": sec.Meta("arn"), "Name": sec.ID}, nil
}
