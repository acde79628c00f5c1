// Package kms implements the symmetric envelope encryption behind the
// emulated key management services.
//
// Every managed key owns a random 32-byte root. Data is sealed with
// XChaCha20-Poly1305 under a subkey derived from the root with
// HKDF-SHA256. A ciphertext blob names the key that produced it, so
// Decrypt needs no key id from the caller:
//
//	[version 1][id length 1][key id][nonce 24][ciphertext+tag]
//
// The version byte, key id and encryption context are authenticated.
package kms

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the size of root keys and generated data keys.
const KeySize = 32

// Version is the format byte at the start of every ciphertext blob.
const Version byte = 0x01

// MaxPlaintext is the largest plaintext Encrypt accepts, as in AWS KMS.
const MaxPlaintext = 4096

var infoData = []byte("cloudemu.kms.data.v1")

// Errors returned by this package.
var (
	ErrInvalidCiphertext = errors.New("kms: invalid ciphertext")
	ErrPlaintextTooLarge = errors.New("kms: plaintext too large")
	ErrInvalidKey        = errors.New("kms: invalid key material")
)

// NewKey returns fresh root key material.
func NewKey() ([]byte, error) {
	return Random(KeySize)
}

// Random returns n random bytes.
func Random(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("kms: reading random bytes: %w", err)
	}
	return b, nil
}

// Encrypt seals plaintext under root for key id. context is the caller's
// encryption context; the same context must be passed to Decrypt.
func Encrypt(id string, root, plaintext []byte, context map[string]string) ([]byte, error) {
	if len(plaintext) > MaxPlaintext {
		return nil, ErrPlaintextTooLarge
	}
	if len(id) == 0 || len(id) > 255 {
		return nil, fmt.Errorf("kms: key id length %d out of range", len(id))
	}
	aead, err := newAEAD(root)
	if err != nil {
		return nil, err
	}

	header := make([]byte, 0, 2+len(id)+chacha20poly1305.NonceSizeX)
	header = append(header, Version, byte(len(id)))
	header = append(header, id...)
	nonce, err := Random(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(header)+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, header...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, aad(header, context)), nil
}

// KeyID returns the key id recorded in a ciphertext blob.
func KeyID(blob []byte) (string, error) {
	if len(blob) < 2 || blob[0] != Version {
		return "", ErrInvalidCiphertext
	}
	n := int(blob[1])
	if len(blob) < 2+n+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return "", ErrInvalidCiphertext
	}
	return string(blob[2 : 2+n]), nil
}

// Decrypt opens a blob produced by Encrypt with the same root and
// context.
func Decrypt(root, blob []byte, context map[string]string) ([]byte, error) {
	id, err := KeyID(blob)
	if err != nil {
		return nil, err
	}
	aead, err := newAEAD(root)
	if err != nil {
		return nil, err
	}
	headerLen := 2 + len(id)
	nonce := blob[headerLen : headerLen+chacha20poly1305.NonceSizeX]
	sealed := blob[headerLen+chacha20poly1305.NonceSizeX:]
	plaintext, err := aead.Open(nil, nonce, sealed, aad(blob[:headerLen], context))
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return plaintext, nil
}

func newAEAD(root []byte) (cipher.AEAD, error) {
	if len(root) != KeySize {
		return nil, ErrInvalidKey
	}
	sub := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, root, nil, infoData), sub); err != nil {
		return nil, fmt.Errorf("kms: deriving data key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(sub)
	if err != nil {
		return nil, fmt.Errorf("kms: creating XChaCha20-Poly1305 cipher: %w", err)
	}
	return aead, nil
}

// aad binds the header and a canonical form of the context.
func aad(header []byte, context map[string]string) []byte {
	out := append([]byte(nil), header...)
	keys := make([]string, 0, len(context))
	for k := range context {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%d:%s%d:%s", len(k), k, len(context[k]), context[k])
	}
	return append(out, b.String()...)
}
