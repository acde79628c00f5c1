package id

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
)

// UUID generates a random (version 4) UUID.
func UUID() string {
	return uuid.NewString()
}

// Sortable generates a version 7 UUID. Later calls in the same process
// compare greater as strings.
func Sortable() string {
	u, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return u.String()
}

// SortableTime returns the creation time encoded in a v7 UUID.
func SortableTime(s string) (time.Time, bool) {
	u, err := uuid.Parse(s)
	if err != nil || u.Version() != 7 {
		return time.Time{}, false
	}
	sec, nsec := u.Time().UnixTime()
	return time.Unix(sec, nsec), true
}

// Compact returns a UUID without dashes, as Azure and GCP use for
// request ids and etags.
func Compact() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Hex generates a random hex string of n bytes (2n characters).
func Hex(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Alphanumeric generates a random alphanumeric string of the specified length.
func Alphanumeric(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	if length <= 0 {
		return ""
	}
	b := make([]byte, length)
	_, _ = rand.Read(b)
	for i := range b {
		b[i] = charset[int(b[i])%len(charset)]
	}
	return string(b)
}
