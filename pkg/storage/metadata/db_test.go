package metadata

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudemu/cloudemu/pkg/resource"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "metadata.db"), PoolSize: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sample(id string) *resource.Resource {
	return &resource.Resource{
		Key:       resource.NewKey(resource.AWS, resource.ObjectStorage, id),
		Kind:      "object",
		Parent:    "bucket",
		State:     resource.StateActive,
		Metadata:  map[string]string{"etag": "e-" + id},
		Blob:      &resource.BlobInfo{Path: "aws/x/" + id, Size: 5, Checksum: "c"},
		CreatedAt: epoch,
		UpdatedAt: epoch,
	}
}

func TestInsertGet(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()

	want := sample("bucket/a")
	require.NoError(t, db.Insert(ctx, want))

	got, err := db.Get(ctx, want.Key)
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Get mismatch (-want +got):\n%s", diff)
	}

	assert.ErrorIs(t, db.Insert(ctx, sample("bucket/a")), ErrExists)
}

func TestGet_NotFound(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	_, err := db.Get(context.Background(), resource.NewKey(resource.GCP, resource.Secret, "missing"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsert_Replaces(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()

	r := sample("bucket/a")
	require.NoError(t, db.Upsert(ctx, r))

	r.Metadata["etag"] = "new"
	r.Blob = nil
	r.ExpiresAt = epoch.Add(time.Hour)
	require.NoError(t, db.Upsert(ctx, r))

	got, err := db.Get(ctx, r.Key)
	require.NoError(t, err)
	assert.Equal(t, "new", got.Meta("etag"))
	assert.Nil(t, got.Blob)
	assert.True(t, got.ExpiresAt.Equal(epoch.Add(time.Hour)))
}

func TestDelete(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()

	r := sample("bucket/a")
	require.NoError(t, db.Insert(ctx, r))
	require.NoError(t, db.Delete(ctx, r.Key))
	assert.ErrorIs(t, db.Delete(ctx, r.Key), ErrNotFound)

	_, err := db.Get(ctx, r.Key)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestQuery_Filters(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()

	for i := range 5 {
		require.NoError(t, db.Insert(ctx, sample(fmt.Sprintf("bucket/k%d", i))))
	}
	other := sample("other/k0")
	other.Parent = "other"
	require.NoError(t, db.Insert(ctx, other))

	bucketTop := &resource.Resource{
		Key:       resource.NewKey(resource.AWS, resource.ObjectStorage, "bucket"),
		Kind:      "bucket",
		State:     resource.StateCreating,
		CreatedAt: epoch,
		UpdatedAt: epoch,
	}
	require.NoError(t, db.Insert(ctx, bucketTop))

	tests := []struct {
		name string
		q    Query
		want int
	}{
		{name: "all", q: Query{}, want: 7},
		{name: "by kind", q: Query{Kind: "object"}, want: 6},
		{name: "by parent", q: Query{Kind: "object", Parent: "bucket", HasParent: true}, want: 5},
		{name: "top level", q: Query{Parent: "", HasParent: true}, want: 1},
		{name: "by prefix", q: Query{IDPrefix: "bucket/k"}, want: 5},
		{name: "by metadata", q: Query{Metadata: map[string]string{"etag": "e-bucket/k3"}}, want: 1},
		{name: "by state", q: Query{States: []resource.State{resource.StateCreating}}, want: 1},
		{name: "by provider", q: Query{Provider: resource.Azure}, want: 0},
		{name: "limit", q: Query{Limit: 2}, want: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := db.Query(ctx, tt.q)
			require.NoError(t, err)
			assert.Len(t, got, tt.want)

			n, err := db.Count(ctx, tt.q)
			require.NoError(t, err)
			if tt.q.Limit == 0 {
				assert.Equal(t, tt.want, n)
			}
		})
	}
}

func TestQuery_KeysetPagination(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()

	for i := range 7 {
		require.NoError(t, db.Insert(ctx, sample(fmt.Sprintf("bucket/k%d", i))))
	}

	var ids []string
	q := Query{Limit: 3}
	for {
		page, err := db.Query(ctx, q)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for _, r := range page {
			ids = append(ids, r.ID)
		}
		last := page[len(page)-1].Key
		q.After = &last
	}

	require.Len(t, ids, 7)
	for i := 1; i < len(ids); i++ {
		assert.Less(t, ids[i-1], ids[i])
	}
}

func TestQuery_HidesExpired(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()

	live := sample("q/live")
	dead := sample("q/dead")
	dead.ExpiresAt = epoch.Add(time.Minute)
	require.NoError(t, db.Insert(ctx, live))
	require.NoError(t, db.Insert(ctx, dead))

	got, err := db.Query(ctx, Query{Now: epoch.Add(2 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "q/live", got[0].ID)

	keys, err := db.ExpiredKeys(ctx, epoch.Add(2*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []resource.Key{dead.Key}, keys)
}

func TestBlobPaths(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.Insert(ctx, sample("b/1")))
	noBlob := sample("b/2")
	noBlob.Blob = nil
	require.NoError(t, db.Insert(ctx, noBlob))

	paths, err := db.BlobPaths(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{"aws/x/b/1": {}}, paths)
}

func TestQuery_RejectsUnsafeMetadataKey(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	_, err := db.Query(context.Background(), Query{Metadata: map[string]string{`a"b`: "x"}})
	assert.Error(t, err)
}

func TestOpen_Reopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "metadata.db")
	ctx := context.Background()

	db, err := Open(ctx, Config{Path: path})
	require.NoError(t, err)
	require.NoError(t, db.Insert(ctx, sample("b/1")))
	require.NoError(t, db.Close())

	db, err = Open(ctx, Config{Path: path})
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Get(ctx, sample("b/1").Key)
	assert.NoError(t, err)
}
