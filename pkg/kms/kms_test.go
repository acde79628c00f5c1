package kms

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecrypt(t *testing.T) {
	root, err := NewKey()
	require.NoError(t, err)
	ctx := map[string]string{"purpose": "test", "tenant": "a"}

	blob, err := Encrypt("key-1", root, []byte("attack at dawn"), ctx)
	require.NoError(t, err)

	id, err := KeyID(blob)
	require.NoError(t, err)
	assert.Equal(t, "key-1", id)

	plain, err := Decrypt(root, blob, map[string]string{"tenant": "a", "purpose": "test"})
	require.NoError(t, err)
	assert.Equal(t, "attack at dawn", string(plain))
}

func TestDecrypt_Rejects(t *testing.T) {
	root, err := NewKey()
	require.NoError(t, err)
	other, err := NewKey()
	require.NoError(t, err)
	blob, err := Encrypt("key-1", root, []byte("secret"), map[string]string{"a": "1"})
	require.NoError(t, err)

	tampered := bytes.Clone(blob)
	tampered[len(tampered)-1] ^= 0xff
	renamed := bytes.Clone(blob)
	renamed[2] = 'K'

	tests := []struct {
		name string
		root []byte
		blob []byte
		ctx  map[string]string
	}{
		{name: "wrong key", root: other, blob: blob, ctx: map[string]string{"a": "1"}},
		{name: "wrong context", root: root, blob: blob, ctx: map[string]string{"a": "2"}},
		{name: "missing context", root: root, blob: blob},
		{name: "tampered tag", root: root, blob: tampered, ctx: map[string]string{"a": "1"}},
		{name: "tampered key id", root: root, blob: renamed, ctx: map[string]string{"a": "1"}},
		{name: "truncated", root: root, blob: blob[:10], ctx: map[string]string{"a": "1"}},
		{name: "not a blob", root: root, blob: []byte("hello world, this is not ciphertext at all"), ctx: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decrypt(tt.root, tt.blob, tt.ctx)
			assert.ErrorIs(t, err, ErrInvalidCiphertext)
		})
	}
}

func TestEncrypt_Limits(t *testing.T) {
	root, err := NewKey()
	require.NoError(t, err)

	_, err = Encrypt("k", root, make([]byte, MaxPlaintext+1), nil)
	assert.ErrorIs(t, err, ErrPlaintextTooLarge)

	_, err = Encrypt("k", root[:16], []byte("x"), nil)
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = Encrypt("", root, []byte("x"), nil)
	assert.Error(t, err)
}

func TestEncrypt_NonceIsRandom(t *testing.T) {
	root, err := NewKey()
	require.NoError(t, err)
	a, err := Encrypt("k", root, []byte("same"), nil)
	require.NoError(t, err)
	b, err := Encrypt("k", root, []byte("same"), nil)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
