package resource

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProvider(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Provider
		wantErr bool
	}{
		{in: "aws", want: AWS},
		{in: "Azure", want: Azure},
		{in: " gcp ", want: GCP},
		{in: "oracle", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseProvider(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestKeyValidate(t *testing.T) {
	t.Parallel()

	assert.NoError(t, NewKey(AWS, ObjectStorage, "bucket").Validate())
	assert.Error(t, NewKey("ibm", ObjectStorage, "bucket").Validate())
	assert.Error(t, NewKey(AWS, "tape", "bucket").Validate())
	assert.Error(t, NewKey(AWS, ObjectStorage, "").Validate())
}

func TestKeyString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "gcp/pub-sub/projects/p/topics/t", NewKey(GCP, PubSub, "projects/p/topics/t").String())
}

func TestStateTransitional(t *testing.T) {
	t.Parallel()

	assert.True(t, StateCreating.Transitional())
	assert.True(t, StateUpdating.Transitional())
	assert.True(t, StateDeleting.Transitional())
	assert.False(t, StateActive.Transitional())
	assert.False(t, StateDeleted.Transitional())
}

func TestResourceClone(t *testing.T) {
	t.Parallel()

	orig := &Resource{
		Key:      NewKey(AWS, ObjectStorage, "b/k"),
		Metadata: map[string]string{"etag": "abc"},
		Blob:     &BlobInfo{Path: "p", Size: 3, Checksum: "c"},
		Content:  []byte("abc"),
	}
	c := orig.Clone()
	c.Metadata["etag"] = "changed"
	c.Blob.Size = 99
	c.Content[0] = 'z'

	assert.Equal(t, "abc", orig.Metadata["etag"])
	assert.Equal(t, int64(3), orig.Blob.Size)
	assert.Equal(t, []byte("abc"), orig.Content)
	assert.Nil(t, (*Resource)(nil).Clone())
}

func TestResourceExpired(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := &Resource{}
	assert.False(t, r.Expired(now), "zero ExpiresAt never expires")

	r.ExpiresAt = now.Add(time.Second)
	assert.False(t, r.Expired(now))
	assert.True(t, r.Expired(now.Add(time.Second)))
}

func TestResourceMeta(t *testing.T) {
	t.Parallel()

	r := &Resource{}
	assert.Equal(t, "", r.Meta("missing"))
	r.SetMeta("a", "b")
	assert.Equal(t, "b", r.Meta("a"))
}
