package s3

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"propledger/internal/blob/core"
)

func TestListPaginates(t *testing.T) {
	ctx := context.Background()
	store, bucket, err := NewMock(ctx)
	require.NoError(t, err)
	bucket.PageSize = 2
	for i := 0; i < 5; i++ {
		_, err := store.Put(ctx, fmt.Sprintf("tenants/t/reports/r%d.csv", i), strings.NewReader("x"), core.PutOptions{})
		require.NoError(t, err)
	}
	assert.Equal(t, 5, bucket.Len())
	infos, err := store.List(ctx, "tenants/t/")
	require.NoError(t, err)
	require.Len(t, infos, 5)
	assert.Equal(t, "tenants/t/reports/r0.csv", infos[0].Key)
	assert.Equal(t, "tenants/t/reports/r4.csv", infos[4].Key)
}

func TestNewRequiresBucket(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.ErrorContains(t, err, "bucket required")
}

func TestDecodeChunked(t *testing.T) {
	body := "5;chunk-signature=abc\r\nhello\r\n6\r\n world\r\n0\r\nx-amz-checksum-crc32:AAAA\r\n\r\n"
	out, err := decodeChunked([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(out))

	_, err = decodeChunked([]byte("zz\r\n"))
	assert.Error(t, err)
}

func TestMapErrorPassesThroughNonHTTP(t *testing.T) {
	err := mapError("k", fmt.Errorf("dial tcp: refused"))
	assert.NotErrorIs(t, err, core.ErrNotFound)
	assert.Contains(t, err.Error(), "refused")
}
