package aws_test

import (
	"encoding/base64"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	smTarget  = "secretsmanager"
	kmsTarget = "TrentService"
)

func TestSecretsManager_Versions(t *testing.T) {
	f := newFixture(t)

	created := f.mustCall(smTarget, "CreateSecret", map[string]any{"Name": "db/password", "SecretString": "v1"})
	assert.Regexp(t, `^arn:aws:secretsmanager:us-east-1:`+account+`:secret:db/password-[A-Za-z0-9]{6}$`, created["ARN"])
	first := created["VersionId"].(string)

	code, out := f.call(smTarget, "CreateSecret", map[string]any{"Name": "db/password", "SecretString": "again"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "ResourceExistsException", out["__type"])

	put := f.mustCall(smTarget, "PutSecretValue", map[string]any{"SecretId": "db/password", "SecretString": "v2"})
	second := put["VersionId"].(string)
	assert.Equal(t, []any{"AWSCURRENT"}, put["VersionStages"])

	// The ARN resolves to the same secret.
	got := f.mustCall(smTarget, "GetSecretValue", map[string]any{"SecretId": created["ARN"]})
	assert.Equal(t, "v2", got["SecretString"])
	assert.Equal(t, second, got["VersionId"])

	prev := f.mustCall(smTarget, "GetSecretValue", map[string]any{"SecretId": "db/password", "VersionStage": "AWSPREVIOUS"})
	assert.Equal(t, "v1", prev["SecretString"])
	assert.Equal(t, first, prev["VersionId"])

	byID := f.mustCall(smTarget, "GetSecretValue", map[string]any{"SecretId": "db/password", "VersionId": first})
	assert.Equal(t, "v1", byID["SecretString"])

	desc := f.mustCall(smTarget, "DescribeSecret", map[string]any{"SecretId": "db/password"})
	assert.Equal(t, map[string]any{
		second: []any{"AWSCURRENT"},
		first:  []any{"AWSPREVIOUS"},
	}, desc["VersionIdsToStages"])

	list := f.mustCall(smTarget, "ListSecrets", map[string]any{})
	assert.Len(t, list["SecretList"], 1)
}

func TestSecretsManager_DeleteRestore(t *testing.T) {
	f := newFixture(t)
	f.mustCall(smTarget, "CreateSecret", map[string]any{"Name": "api-key", "SecretString": "s3cr3t"})

	code, out := f.call(smTarget, "DeleteSecret", map[string]any{"SecretId": "api-key", "RecoveryWindowInDays": 3})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "InvalidParameterException", out["__type"])

	del := f.mustCall(smTarget, "DeleteSecret", map[string]any{"SecretId": "api-key", "RecoveryWindowInDays": 7})
	assert.NotZero(t, del["DeletionDate"])

	code, out = f.call(smTarget, "GetSecretValue", map[string]any{"SecretId": "api-key"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "InvalidRequestException", out["__type"])

	desc := f.mustCall(smTarget, "DescribeSecret", map[string]any{"SecretId": "api-key"})
	assert.Contains(t, desc, "DeletedDate")

	f.mustCall(smTarget, "RestoreSecret", map[string]any{"SecretId": "api-key"})
	got := f.mustCall(smTarget, "GetSecretValue", map[string]any{"SecretId": "api-key"})
	assert.Equal(t, "s3cr3t", got["SecretString"])

	f.mustCall(smTarget, "DeleteSecret", map[string]any{"SecretId": "api-key", "ForceDeleteWithoutRecovery": true})
	code, out = f.call(smTarget, "DescribeSecret", map[string]any{"SecretId": "api-key"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "ResourceNotFoundException", out["__type"])

	// A forced delete frees the name.
	f.mustCall(smTarget, "CreateSecret", map[string]any{"Name": "api-key"})
}

func TestKMS_EncryptDecrypt(t *testing.T) {
	f := newFixture(t)
	meta := f.mustCall(kmsTarget, "CreateKey", map[string]any{"Description": "app"})["KeyMetadata"].(map[string]any)
	keyID := meta["KeyId"].(string)
	assert.Equal(t, "Enabled", meta["KeyState"])
	f.mustCall(kmsTarget, "CreateAlias", map[string]any{"AliasName": "alias/app", "TargetKeyId": keyID})

	plaintext := base64.StdEncoding.EncodeToString([]byte("attack at dawn"))
	encCtx := map[string]string{"tenant": "acme"}
	enc := f.mustCall(kmsTarget, "Encrypt", map[string]any{"KeyId": "alias/app", "Plaintext": plaintext, "EncryptionContext": encCtx})
	assert.Equal(t, meta["Arn"], enc["KeyId"])
	blob := enc["CiphertextBlob"].(string)

	// Decrypt finds the key from the ciphertext alone.
	dec := f.mustCall(kmsTarget, "Decrypt", map[string]any{"CiphertextBlob": blob, "EncryptionContext": encCtx})
	assert.Equal(t, plaintext, dec["Plaintext"])

	tests := []struct {
		name string
		in   map[string]any
		code string
	}{
		{"wrong context", map[string]any{"CiphertextBlob": blob, "EncryptionContext": map[string]string{"tenant": "other"}}, "InvalidCiphertextException"},
		{"missing context", map[string]any{"CiphertextBlob": blob}, "InvalidCiphertextException"},
		{"garbage", map[string]any{"CiphertextBlob": base64.StdEncoding.EncodeToString([]byte("nope"))}, "InvalidCiphertextException"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, out := f.call(kmsTarget, "Decrypt", tt.in)
			assert.Equal(t, http.StatusBadRequest, code)
			assert.Equal(t, tt.code, out["__type"])
		})
	}

	other := f.mustCall(kmsTarget, "CreateKey", map[string]any{})["KeyMetadata"].(map[string]any)
	code, out := f.call(kmsTarget, "Decrypt", map[string]any{"CiphertextBlob": blob, "EncryptionContext": encCtx, "KeyId": other["KeyId"]})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "IncorrectKeyException", out["__type"])
}

func TestKMS_KeyStates(t *testing.T) {
	f := newFixture(t)
	keyID := f.mustCall(kmsTarget, "CreateKey", map[string]any{})["KeyMetadata"].(map[string]any)["KeyId"].(string)
	plaintext := base64.StdEncoding.EncodeToString([]byte("x"))

	f.mustCall(kmsTarget, "DisableKey", map[string]any{"KeyId": keyID})
	code, out := f.call(kmsTarget, "Encrypt", map[string]any{"KeyId": keyID, "Plaintext": plaintext})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "DisabledException", out["__type"])

	f.mustCall(kmsTarget, "EnableKey", map[string]any{"KeyId": keyID})
	f.mustCall(kmsTarget, "Encrypt", map[string]any{"KeyId": keyID, "Plaintext": plaintext})

	sched := f.mustCall(kmsTarget, "ScheduleKeyDeletion", map[string]any{"KeyId": keyID, "PendingWindowInDays": 7})
	assert.Equal(t, "PendingDeletion", sched["KeyState"])
	code, out = f.call(kmsTarget, "Encrypt", map[string]any{"KeyId": keyID, "Plaintext": plaintext})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "KMSInvalidStateException", out["__type"])

	f.mustCall(kmsTarget, "CancelKeyDeletion", map[string]any{"KeyId": keyID})
	desc := f.mustCall(kmsTarget, "DescribeKey", map[string]any{"KeyId": keyID})["KeyMetadata"].(map[string]any)
	assert.Equal(t, "Disabled", desc["KeyState"], "a canceled deletion leaves the key disabled")

	code, out = f.call(kmsTarget, "DescribeKey", map[string]any{"KeyId": "alias/missing"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "NotFoundException", out["__type"])
}

func TestKMS_DataKeys(t *testing.T) {
	f := newFixture(t)
	keyID := f.mustCall(kmsTarget, "CreateKey", map[string]any{})["KeyMetadata"].(map[string]any)["KeyId"].(string)

	dk := f.mustCall(kmsTarget, "GenerateDataKey", map[string]any{"KeyId": keyID, "KeySpec": "AES_256"})
	raw, err := base64.StdEncoding.DecodeString(dk["Plaintext"].(string))
	require.NoError(t, err)
	assert.Len(t, raw, 32)

	dec := f.mustCall(kmsTarget, "Decrypt", map[string]any{"CiphertextBlob": dk["CiphertextBlob"]})
	assert.Equal(t, dk["Plaintext"], dec["Plaintext"])

	bare := f.mustCall(kmsTarget, "GenerateDataKeyWithoutPlaintext", map[string]any{"KeyId": keyID, "NumberOfBytes": 16})
	assert.NotContains(t, bare, "Plaintext")

	rnd := f.mustCall(kmsTarget, "GenerateRandom", map[string]any{"NumberOfBytes": 24})
	raw, err = base64.StdEncoding.DecodeString(rnd["Plaintext"].(string))
	require.NoError(t, err)
	assert.Len(t, raw, 24)
}
