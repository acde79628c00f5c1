package blobfs

import (
	"bytes"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudemu/cloudemu/pkg/resource"
)

func openTestStore(t *testing.T, c Compression) *Store {
	t.Helper()
	s, err := Open(Config{Root: t.TempDir(), Compression: c})
	require.NoError(t, err)
	return s
}

func TestWriteRead_RoundTrip(t *testing.T) {
	t.Parallel()

	payloads := map[string][]byte{
		"small":        []byte("Hello"),
		"empty":        {},
		"compressible": bytes.Repeat([]byte("cloudemu "), 4096),
	}

	for _, c := range []Compression{CompressionNone, CompressionZstd, CompressionLZ4} {
		for name, content := range payloads {
			t.Run(string(c)+"/"+name, func(t *testing.T) {
				t.Parallel()
				s := openTestStore(t, c)
				key := resource.NewKey(resource.AWS, resource.ObjectStorage, "test-bucket/hello.txt")

				info, err := s.Write(key, content)
				require.NoError(t, err)
				assert.Equal(t, int64(len(content)), info.Size)
				assert.Equal(t, Checksum(content), info.Checksum)

				got, err := s.Read(info)
				require.NoError(t, err)
				assert.True(t, bytes.Equal(content, got))
			})
		}
	}
}

func TestWrite_PathIsDeterministic(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, CompressionNone)
	key := resource.NewKey(resource.GCP, resource.ObjectStorage, "b/o")

	a, err := s.Write(key, []byte("same"))
	require.NoError(t, err)
	b, err := s.Write(key, []byte("same"))
	require.NoError(t, err)
	assert.Equal(t, a.Path, b.Path)

	c, err := s.Write(key, []byte("different"))
	require.NoError(t, err)
	assert.NotEqual(t, a.Path, c.Path)
	assert.Equal(t, filepath.Dir(a.Path), filepath.Dir(c.Path))
	assert.Equal(t, Dir(key), filepath.Dir(a.Path))
}

func TestRead_DetectsCorruption(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, CompressionNone)
	key := resource.NewKey(resource.AWS, resource.ObjectStorage, "b/k")

	info, err := s.Write(key, []byte("original"))
	require.NoError(t, err)

	full := filepath.Join(s.Root(), info.Path)
	require.NoError(t, os.WriteFile(full, append([]byte{tagNone}, []byte("tampered")...), 0o644))

	_, err = s.Read(info)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestRemove(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, CompressionNone)
	key := resource.NewKey(resource.Azure, resource.ObjectStorage, "c/blob")

	info, err := s.Write(key, []byte("x"))
	require.NoError(t, err)
	require.NoError(t, s.Remove(info.Path))

	_, err = s.Read(info)
	assert.ErrorIs(t, err, fs.ErrNotExist)

	assert.NoError(t, s.Remove(info.Path), "removing twice is fine")
	assert.NoError(t, s.Remove(""))
}

func TestWalk(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, CompressionNone)

	var want []string
	for _, id := range []string{"a", "b", "c"} {
		info, err := s.Write(resource.NewKey(resource.AWS, resource.ObjectStorage, id), []byte(id))
		require.NoError(t, err)
		want = append(want, info.Path)
	}

	var got []string
	require.NoError(t, s.Walk(func(rel string) error {
		got = append(got, rel)
		return nil
	}))
	assert.ElementsMatch(t, want, got)
}

func TestOpen_RequiresRoot(t *testing.T) {
	t.Parallel()
	_, err := Open(Config{})
	assert.Error(t, err)
}

func TestParseCompression(t *testing.T) {
	t.Parallel()

	c, err := ParseCompression("")
	require.NoError(t, err)
	assert.Equal(t, CompressionNone, c)

	c, err = ParseCompression("zstd")
	require.NoError(t, err)
	assert.Equal(t, CompressionZstd, c)

	_, err = ParseCompression("brotli")
	assert.Error(t, err)
}

func TestIsTemp(t *testing.T) {
	t.Parallel()
	assert.True(t, IsTemp("aws/x/ab/cd/1234-99.tmp"))
	assert.False(t, IsTemp("aws/x/ab/cd/1234"))
}
