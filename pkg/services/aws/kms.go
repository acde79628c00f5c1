package aws

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/cloudemu/cloudemu/internal/id"
	"github.com/cloudemu/cloudemu/pkg/apierror"
	"github.com/cloudemu/cloudemu/pkg/kms"
	"github.com/cloudemu/cloudemu/pkg/lifecycle"
	"github.com/cloudemu/cloudemu/pkg/protocol"
	"github.com/cloudemu/cloudemu/pkg/resource"
	"github.com/cloudemu/cloudemu/pkg/services"
	"github.com/cloudemu/cloudemu/pkg/storage"
)

// Key states.
const (
	keyEnabled         = "Enabled"
	keyDisabled        = "Disabled"
	keyPendingDeletion = "PendingDeletion"
)

var (
	keyCodes = apierror.Codes{
		NotFound:      apierror.Code{Name: "NotFoundException", Status: http.StatusBadRequest},
		AlreadyExists: apierror.Code{Name: "AlreadyExistsException", Status: http.StatusBadRequest},
	}
	errInvalidCiphertext = apierror.New("InvalidCiphertextException", http.StatusBadRequest, "The ciphertext is invalid.")
)

func (s *Services) registerKMS(b *protocol.RegistryBuilder) error {
	return services.Register(b, resource.AWS, resource.KeyManagement, protocol.WireJSON, services.Ops{
		"CreateKey":                       handler(kmsCreateKey),
		"DescribeKey":                     handler(kmsDescribeKey),
		"ListKeys":                        handler(kmsListKeys),
		"EnableKey":                       handler(kmsSetEnabled(true)),
		"DisableKey":                      handler(kmsSetEnabled(false)),
		"ScheduleKeyDeletion":             handler(kmsScheduleKeyDeletion),
		"CancelKeyDeletion":               handler(kmsCancelKeyDeletion),
		"CreateAlias":                     handler(kmsCreateAlias),
		"DeleteAlias":                     handler(kmsDeleteAlias),
		"ListAliases":                     handler(kmsListAliases),
		"Encrypt":                         handler(kmsEncrypt),
		"Decrypt":                         handler(kmsDecrypt),
		"GenerateDataKey":                 handler(kmsGenerateDataKey(true)),
		"GenerateDataKeyWithoutPlaintext": handler(kmsGenerateDataKey(false)),
		"GenerateRandom":                  handler(kmsGenerateRandom),
	})
}

func kmsKey(keyID string) resource.Key {
	return resource.NewKey(resource.AWS, resource.KeyManagement, keyID)
}

// resolveKey accepts a key id, key ARN, alias name or alias ARN.
func resolveKey(ctx context.Context, m *lifecycle.Manager, ref string) (*resource.Resource, error) {
	if err := services.Required("KeyId", ref); err != nil {
		return nil, err
	}
	keyID := ref
	if strings.HasPrefix(ref, "arn:") {
		keyID = strings.TrimPrefix(ref[strings.LastIndexByte(ref, ':')+1:], "key/")
	}
	if strings.HasPrefix(keyID, "alias/") {
		alias, err := m.Get(ctx, kmsKey(keyID))
		if err != nil {
			return nil, keyCodes.Translate(err, ref)
		}
		keyID = alias.Meta("targetKeyId")
	}
	key, err := m.Get(ctx, kmsKey(keyID))
	if err != nil || key.Kind != "key" {
		return nil, keyCodes.Translate(storage.ErrNotFound, ref)
	}
	return key, nil
}

// usableKey resolves ref and requires the key to be enabled.
func usableKey(ctx context.Context, m *lifecycle.Manager, ref string) (*resource.Resource, []byte, error) {
	key, err := resolveKey(ctx, m, ref)
	if err != nil {
		return nil, nil, err
	}
	switch key.Meta("keyState") {
	case keyDisabled:
		return nil, nil, apierror.New("DisabledException", http.StatusBadRequest, "%s is disabled.", key.Meta("arn"))
	case keyPendingDeletion:
		return nil, nil, apierror.New("KMSInvalidStateException", http.StatusBadRequest, "%s is pending deletion.", key.Meta("arn"))
	}
	_, root, err := m.ReadBlob(ctx, key.Key)
	if err != nil {
		return nil, nil, err
	}
	return key, root, nil
}

func keyMetadata(key *resource.Resource) map[string]any {
	state := key.Meta("keyState")
	out := map[string]any{
		"KeyId":                 key.ID,
		"Arn":                   key.Meta("arn"),
		"AWSAccountId":          key.Meta("account"),
		"CreationDate":          epoch(key.CreatedAt),
		"Description":           key.Meta("description"),
		"Enabled":               state == keyEnabled,
		"KeyState":              state,
		"KeyUsage":              "ENCRYPT_DECRYPT",
		"KeySpec":               "SYMMETRIC_DEFAULT",
		"CustomerMasterKeySpec": "SYMMETRIC_DEFAULT",
		"KeyManager":            "CUSTOMER",
		"Origin":                "AWS_KMS",
		"EncryptionAlgorithms":  []string{"SYMMETRIC_DEFAULT"},
	}
	if state == keyPendingDeletion {
		out["DeletionDate"] = epoch(key.ExpiresAt)
	}
	return out
}

type createKeyInput struct {
	Description string
	KeyUsage    string
	KeySpec     string
}

func kmsCreateKey(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, in *createKeyInput) (any, error) {
	if in.KeyUsage != "" && in.KeyUsage != "ENCRYPT_DECRYPT" {
		return nil, apierror.New("UnsupportedOperationException", http.StatusBadRequest, "KeyUsage %s is not supported.", in.KeyUsage)
	}
	if in.KeySpec != "" && in.KeySpec != "SYMMETRIC_DEFAULT" {
		return nil, apierror.New("UnsupportedOperationException", http.StatusBadRequest, "KeySpec %s is not supported.", in.KeySpec)
	}
	root, err := kms.NewKey()
	if err != nil {
		return nil, err
	}
	keyID := id.UUID()
	key, err := m.Create(ctx, &resource.Resource{
		Key:  kmsKey(keyID),
		Kind: "key",
		Metadata: map[string]string{
			"arn":         arn(rc, "kms", "key/"+keyID),
			"account":     rc.Account,
			"description": in.Description,
			"keyState":    keyEnabled,
		},
		Content: root,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"KeyMetadata": keyMetadata(key)}, nil
}

type keyIDInput struct{ KeyId string }

func kmsDescribeKey(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, in *keyIDInput) (any, error) {
	key, err := resolveKey(ctx, m, in.KeyId)
	if err != nil {
		return nil, err
	}
	return map[string]any{"KeyMetadata": keyMetadata(key)}, nil
}

type listInput struct {
	Limit  int
	Marker string
}

func (in listInput) filter(kind string) storage.Filter {
	size := in.Limit
	if size <= 0 || size > 1000 {
		size = 100
	}
	return storage.Filter{
		Provider: resource.AWS, Service: resource.KeyManagement, Kind: kind,
		Cursor: in.Marker, PageSize: size,
	}
}

func pageOut(out map[string]any, page *storage.Page) map[string]any {
	out["Truncated"] = page.NextCursor != ""
	if page.NextCursor != "" {
		out["NextMarker"] = page.NextCursor
	}
	return out
}

func kmsListKeys(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, in *listInput) (any, error) {
	page, err := m.ListPage(ctx, in.filter("key"))
	if err != nil {
		return nil, err
	}
	keys := make([]map[string]string, 0, len(page.Items))
	for _, k := range page.Items {
		keys = append(keys, map[string]string{"KeyId": k.ID, "KeyArn": k.Meta("arn")})
	}
	return pageOut(map[string]any{"Keys": keys}, page), nil
}

func kmsSetEnabled(enabled bool) func(context.Context, *protocol.RequestContext, *lifecycle.Manager, *keyIDInput) (any, error) {
	state := keyDisabled
	if enabled {
		state = keyEnabled
	}
	return func(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, in *keyIDInput) (any, error) {
		key, err := resolveKey(ctx, m, in.KeyId)
		if err != nil {
			return nil, err
		}
		_, err = m.Mutate(ctx, key.Key, func(r *resource.Resource) error {
			if r.Meta("keyState") == keyPendingDeletion {
				return apierror.New("KMSInvalidStateException", http.StatusBadRequest, "%s is pending deletion.", r.Meta("arn"))
			}
			r.SetMeta("keyState", state)
			return nil
		})
		return nil, keyCodes.Translate(err, in.KeyId)
	}
}

type scheduleDeletionInput struct {
	KeyId               string
	PendingWindowInDays int
}

// kmsScheduleKeyDeletion marks the key and lets the expiry reaper remove
// it when the window closes.
func kmsScheduleKeyDeletion(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, in *scheduleDeletionInput) (any, error) {
	days := in.PendingWindowInDays
	if days == 0 {
		days = 30
	}
	if days < 7 || days > 30 {
		return nil, apierror.Validation("PendingWindowInDays must be between 7 and 30.")
	}
	key, err := resolveKey(ctx, m, in.KeyId)
	if err != nil {
		return nil, err
	}
	key, err = m.Mutate(ctx, key.Key, func(r *resource.Resource) error {
		if r.Meta("keyState") == keyPendingDeletion {
			return apierror.New("KMSInvalidStateException", http.StatusBadRequest, "%s is pending deletion.", r.Meta("arn"))
		}
		r.SetMeta("keyState", keyPendingDeletion)
		r.ExpiresAt = time.Now().Add(time.Duration(days) * 24 * time.Hour)
		return nil
	})
	if err != nil {
		return nil, keyCodes.Translate(err, in.KeyId)
	}
	return map[string]any{
		"KeyId":               key.Meta("arn"),
		"KeyState":            keyPendingDeletion,
		"DeletionDate":        epoch(key.ExpiresAt),
		"PendingWindowInDays": days,
	}, nil
}

func kmsCancelKeyDeletion(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, in *keyIDInput) (any, error) {
	key, err := resolveKey(ctx, m, in.KeyId)
	if err != nil {
		return nil, err
	}
	_, err = m.Mutate(ctx, key.Key, func(r *resource.Resource) error {
		if r.Meta("keyState") != keyPendingDeletion {
			return apierror.New("KMSInvalidStateException", http.StatusBadRequest, "%s is not pending deletion.", r.Meta("arn"))
		}
		r.SetMeta("keyState", keyDisabled)
		r.ExpiresAt = time.Time{}
		return nil
	})
	if err != nil {
		return nil, keyCodes.Translate(err, in.KeyId)
	}
	return map[string]any{"KeyId": key.Meta("arn")}, nil
}

type aliasInput struct {
	AliasName   string
	TargetKeyId string
}

func kmsCreateAlias(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, in *aliasInput) (any, error) {
	if !strings.HasPrefix(in.AliasName, "alias/") || strings.HasPrefix(in.AliasName, "alias/aws/") {
		return nil, apierror.Validation("Alias must start with the prefix \"alias/\" and must not use the reserved prefix \"alias/aws/\".")
	}
	target, err := resolveKey(ctx, m, in.TargetKeyId)
	if err != nil {
		return nil, err
	}
	_, err = m.Create(ctx, &resource.Resource{
		Key:  kmsKey(in.AliasName),
		Kind: "alias",
		Metadata: map[string]string{
			"arn":         arn(rc, "kms", in.AliasName),
			"targetKeyId": target.ID,
		},
	})
	return nil, keyCodes.Translate(err, in.AliasName)
}

func kmsDeleteAlias(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, in *aliasInput) (any, error) {
	if !strings.HasPrefix(in.AliasName, "alias/") {
		return nil, apierror.Validation("Alias must start with the prefix \"alias/\".")
	}
	_, err := m.Delete(ctx, kmsKey(in.AliasName), nil)
	return nil, keyCodes.Translate(err, in.AliasName)
}

type listAliasesInput struct {
	KeyId string
	listInput
}

func kmsListAliases(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, in *listAliasesInput) (any, error) {
	f := in.filter("alias")
	if in.KeyId != "" {
		key, err := resolveKey(ctx, m, in.KeyId)
		if err != nil {
			return nil, err
		}
		f.Metadata = map[string]string{"targetKeyId": key.ID}
	}
	page, err := m.ListPage(ctx, f)
	if err != nil {
		return nil, err
	}
	aliases := make([]map[string]any, 0, len(page.Items))
	for _, a := range page.Items {
		aliases = append(aliases, map[string]any{
			"AliasName":   a.ID,
			"AliasArn":    a.Meta("arn"),
			"TargetKeyId": a.Meta("targetKeyId"),
		})
	}
	return pageOut(map[string]any{"Aliases": aliases}, page), nil
}

type encryptInput struct {
	KeyId             string
	Plaintext         []byte
	EncryptionContext map[string]string
}

func kmsEncrypt(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, in *encryptInput) (any, error) {
	if len(in.Plaintext) == 0 {
		return nil, apierror.Validation("Plaintext must not be empty.")
	}
	key, root, err := usableKey(ctx, m, in.KeyId)
	if err != nil {
		return nil, err
	}
	blob, err := kms.Encrypt(key.ID, root, in.Plaintext, in.EncryptionContext)
	if errors.Is(err, kms.ErrPlaintextTooLarge) {
		return nil, apierror.Validation("Plaintext must be at most %d bytes.", kms.MaxPlaintext)
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"CiphertextBlob":      blob,
		"KeyId":               key.Meta("arn"),
		"EncryptionAlgorithm": "SYMMETRIC_DEFAULT",
	}, nil
}

type decryptInput struct {
	KeyId             string
	CiphertextBlob    []byte
	EncryptionContext map[string]string
}

func kmsDecrypt(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, in *decryptInput) (any, error) {
	keyID, err := kms.KeyID(in.CiphertextBlob)
	if err != nil {
		return nil, errInvalidCiphertext
	}
	key, root, err := usableKey(ctx, m, keyID)
	if err != nil {
		return nil, err
	}
	if in.KeyId != "" {
		named, err := resolveKey(ctx, m, in.KeyId)
		if err != nil {
			return nil, err
		}
		if named.ID != key.ID {
			return nil, apierror.New("IncorrectKeyException", http.StatusBadRequest, "The key ID in the request does not identify the key that encrypted the ciphertext.")
		}
	}
	plaintext, err := kms.Decrypt(root, in.CiphertextBlob, in.EncryptionContext)
	if err != nil {
		return nil, errInvalidCiphertext
	}
	return map[string]any{
		"Plaintext":           plaintext,
		"KeyId":               key.Meta("arn"),
		"EncryptionAlgorithm": "SYMMETRIC_DEFAULT",
	}, nil
}

type generateDataKeyInput struct {
	KeyId             string
	KeySpec           string
	NumberOfBytes     int
	EncryptionContext map[string]string
}

func kmsGenerateDataKey(withPlaintext bool) func(context.Context, *protocol.RequestContext, *lifecycle.Manager, *generateDataKeyInput) (any, error) {
	return func(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, in *generateDataKeyInput) (any, error) {
		n := in.NumberOfBytes
		switch {
		case in.KeySpec == "AES_256":
			n = 32
		case in.KeySpec == "AES_128":
			n = 16
		case in.KeySpec != "":
			return nil, apierror.Validation("KeySpec must be AES_256 or AES_128.")
		case n < 1 || n > 1024:
			return nil, apierror.Validation("Either KeySpec or NumberOfBytes (1 to 1024) is required.")
		}
		key, root, err := usableKey(ctx, m, in.KeyId)
		if err != nil {
			return nil, err
		}
		dataKey, err := kms.Random(n)
		if err != nil {
			return nil, err
		}
		blob, err := kms.Encrypt(key.ID, root, dataKey, in.EncryptionContext)
		if err != nil {
			return nil, err
		}
		out := map[string]any{"CiphertextBlob": blob, "KeyId": key.Meta("arn")}
		if withPlaintext {
			out["Plaintext"] = dataKey
		}
		return out, nil
	}
}

type generateRandomInput struct{ NumberOfBytes int }

func kmsGenerateRandom(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, in *generateRandomInput) (any, error) {
	if in.NumberOfBytes < 1 || in.NumberOfBytes > 1024 {
		return nil, apierror.Validation("NumberOfBytes must be between 1 and 1024.")
	}
	b, err := kms.Random(in.NumberOfBytes)
	if err != nil {
		return nil, err
	}
	return map[string]any{"Plaintext": b}, nil
}
