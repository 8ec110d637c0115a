package blob

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"propledger/internal/config"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	fsStore, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)
	s3Store, err := NewS3Mock(context.Background())
	require.NoError(t, err)
	return map[string]Store{
		"fs":     fsStore,
		"memory": NewMemory(),
		"s3":     s3Store,
	}
}

func TestStoreContract(t *testing.T) {
	for name, store := range stores(t) {
		store := store
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := "tenants/tenant-a/reports/r1.csv"
			info, err := store.Put(ctx, key, strings.NewReader("property_id,total\nprop-001,2250.000\n"),
				PutOptions{ContentType: "text/csv", Metadata: map[string]string{"tenant": "tenant-a"}})
			require.NoError(t, err)
			assert.Equal(t, key, info.Key)
			assert.EqualValues(t, 36, info.Size)
			assert.Equal(t, "text/csv", info.ContentType)
			assert.NotEmpty(t, info.ETag)

			_, err = store.Put(ctx, key, strings.NewReader("x"), PutOptions{})
			assert.ErrorIs(t, err, ErrExists)

			got, rc, err := store.Get(ctx, key)
			require.NoError(t, err)
			body, err := io.ReadAll(rc)
			require.NoError(t, rc.Close())
			require.NoError(t, err)
			assert.Equal(t, "property_id,total\nprop-001,2250.000\n", string(body))
			assert.Equal(t, "tenant-a", got.Metadata["tenant"])

			_, err = store.Put(ctx, key, bytes.NewReader([]byte("v2")), PutOptions{Overwrite: true, ContentType: "text/csv"})
			require.NoError(t, err)
			head, err := store.Head(ctx, key)
			require.NoError(t, err)
			assert.EqualValues(t, 2, head.Size)

			_, err = store.Put(ctx, "tenants/tenant-b/reports/r2.json", strings.NewReader("{}"), PutOptions{ContentType: "application/json"})
			require.NoError(t, err)
			list, err := store.List(ctx, "tenants/tenant-a/")
			require.NoError(t, err)
			require.Len(t, list, 1)
			assert.Equal(t, key, list[0].Key)

			all, err := store.List(ctx, "tenants/")
			require.NoError(t, err)
			assert.Len(t, all, 2)

			ok, err := store.Delete(ctx, key)
			require.NoError(t, err)
			assert.True(t, ok)
			ok, err = store.Delete(ctx, key)
			require.NoError(t, err)
			assert.False(t, ok)

			_, err = store.Head(ctx, key)
			assert.True(t, IsNotFound(err), "got %v", err)
			_, _, err = store.Get(ctx, key)
			assert.True(t, IsNotFound(err), "got %v", err)

			_, err = store.Put(ctx, "../escape", strings.NewReader("x"), PutOptions{})
			assert.ErrorIs(t, err, ErrInvalidKey)
		})
	}
}

func TestPresign(t *testing.T) {
	ctx := context.Background()
	s := stores(t)

	_, err := s["memory"].PresignURL(ctx, "k", SignedURLOptions{})
	assert.ErrorIs(t, err, ErrUnsupported)

	u, err := s["fs"].PresignURL(ctx, "tenants/a/reports/r.csv", SignedURLOptions{})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u, "file://"), u)

	u, err = s["s3"].PresignURL(ctx, "tenants/a/reports/r.csv", SignedURLOptions{})
	require.NoError(t, err)
	assert.Contains(t, u, "X-Amz-Signature")
	assert.Contains(t, u, "mock-bucket/tenants/a/reports/r.csv")

	for _, store := range s {
		_, err := store.PresignURL(ctx, "k", SignedURLOptions{Method: "PUT"})
		assert.ErrorIs(t, err, ErrUnsupported)
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	st, err := Open(ctx, config.Blob{Driver: "memory"})
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, st.Driver())

	st, err = Open(ctx, config.Blob{Driver: "fs", FSRoot: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, DriverFilesystem, st.Driver())

	_, err = Open(ctx, config.Blob{Driver: "s3"})
	assert.ErrorContains(t, err, "bucket required")

	st, err = Open(ctx, config.Blob{Driver: "s3", S3: config.S3{Bucket: "reports", AccessKeyID: "a", SecretAccessKey: "b"}})
	require.NoError(t, err)
	assert.Equal(t, DriverS3, st.Driver())

	_, err = Open(ctx, config.Blob{Driver: "gcs"})
	assert.ErrorContains(t, err, "unknown blob driver")
}
