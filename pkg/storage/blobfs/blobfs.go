// Package blobfs stores resource blobs as files under a root directory.
//
// A blob lives at <root>/<provider>/<service>/<kk>/<keyhash>/<checksum>.
// The directory is derived from the resource key and the file name from the
// content checksum, so rewriting a key's content produces a new file and
// never touches the file referenced by already-committed metadata. Files
// are written to a temporary name, fsynced and renamed into place.
package blobfs

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/cloudemu/cloudemu/pkg/resource"
)

// ErrChecksumMismatch is returned when a blob's content does not match the
// checksum recorded for it.
var ErrChecksumMismatch = errors.New("blobfs: checksum mismatch")

const tempSuffix = ".tmp"

// Config configures a Store.
type Config struct {
	// Root is the directory blobs are written under. It is created if missing.
	Root string

	// Compression is applied to newly written blobs.
	Compression Compression
}

// Store is a filesystem blob store. It is safe for concurrent use; callers
// serialize writes to the same key.
type Store struct {
	root        string
	compression Compression
}

// Open creates the root directory and verifies that it is writable.
func Open(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("blobfs: Root is required")
	}
	if cfg.Compression == "" {
		cfg.Compression = CompressionNone
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("blobfs: creating %s: %w", cfg.Root, err)
	}

	tmp, err := os.CreateTemp(cfg.Root, ".writable-*")
	if err != nil {
		return nil, fmt.Errorf("blobfs: %s is not writable: %w", cfg.Root, err)
	}
	name := tmp.Name()
	_ = tmp.Close()
	_ = os.Remove(name)

	return &Store{root: cfg.Root, compression: cfg.Compression}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

// Checksum returns the hex BLAKE3 digest used to identify blob content.
func Checksum(content []byte) string {
	sum := blake3.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Dir returns the directory, relative to the root, holding blobs for key.
func Dir(key resource.Key) string {
	sum := blake3.Sum256([]byte(key.String()))
	h := hex.EncodeToString(sum[:16])
	return filepath.Join(string(key.Provider), string(key.Service), h[:2], h[2:])
}

// Write durably stores content for key and returns its blob info. Writing
// identical content twice is a no-op.
func (s *Store) Write(key resource.Key, content []byte) (resource.BlobInfo, error) {
	checksum := Checksum(content)
	rel := filepath.Join(Dir(key), checksum)
	info := resource.BlobInfo{Path: rel, Size: int64(len(content)), Checksum: checksum}

	full := filepath.Join(s.root, rel)
	if _, err := os.Stat(full); err == nil {
		return info, nil
	}

	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return resource.BlobInfo{}, fmt.Errorf("blobfs: creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, checksum[:8]+"-*"+tempSuffix)
	if err != nil {
		return resource.BlobInfo{}, fmt.Errorf("blobfs: creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(encode(content, s.compression)); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return resource.BlobInfo{}, fmt.Errorf("blobfs: writing %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return resource.BlobInfo{}, fmt.Errorf("blobfs: syncing %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return resource.BlobInfo{}, fmt.Errorf("blobfs: closing %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		_ = os.Remove(tmpName)
		return resource.BlobInfo{}, fmt.Errorf("blobfs: renaming into %s: %w", full, err)
	}
	syncDir(dir)

	return info, nil
}

// Read returns the content described by info, verifying its checksum.
// A missing file yields an error matching fs.ErrNotExist.
func (s *Store) Read(info resource.BlobInfo) ([]byte, error) {
	raw, err := os.ReadFile(filepath.Join(s.root, info.Path))
	if err != nil {
		return nil, err
	}
	content, err := decode(raw, info.Size)
	if err != nil {
		return nil, fmt.Errorf("blobfs: %s: %w", info.Path, err)
	}
	if int64(len(content)) != info.Size || Checksum(content) != info.Checksum {
		return nil, fmt.Errorf("%w: %s", ErrChecksumMismatch, info.Path)
	}
	return content, nil
}

// Remove deletes the blob at rel. Removing a missing blob is not an error.
func (s *Store) Remove(rel string) error {
	if rel == "" {
		return nil
	}
	full := filepath.Join(s.root, rel)
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("blobfs: removing %s: %w", rel, err)
	}
	// Prune the key's own directory only. Shared parents are left in place.
	_ = os.Remove(filepath.Dir(full))
	return nil
}

// Walk calls fn with the root-relative path of every blob file, including
// leftover temporary files.
func (s *Store) Walk(fn func(rel string) error) error {
	return filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".writable-") {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		return fn(rel)
	})
}

// IsTemp reports whether rel names an unfinished write.
func IsTemp(rel string) bool {
	return strings.HasSuffix(rel, tempSuffix)
}

func syncDir(dir string) {
	f, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = f.Sync()
	_ = f.Close()
}
