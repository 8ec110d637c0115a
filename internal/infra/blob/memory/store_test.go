package memory

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"propledger/internal/blob/core"
)

func TestReturnedDataIsCopied(t *testing.T) {
	s := New()
	fixed := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	s.SetNowFunc(func() time.Time { return fixed })
	ctx := context.Background()
	_, err := s.Put(ctx, "k", strings.NewReader("abc"), core.PutOptions{Metadata: map[string]string{"a": "1"}})
	require.NoError(t, err)

	info, rc, err := s.Get(ctx, "k")
	require.NoError(t, err)
	info.Metadata["a"] = "2"
	b, _ := io.ReadAll(rc)
	assert.Equal(t, "abc", string(b))
	assert.True(t, info.LastModified.Equal(fixed))

	again, err := s.Head(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "1", again.Metadata["a"])
}

func TestCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New().Put(ctx, "k", strings.NewReader("x"), core.PutOptions{})
	assert.ErrorIs(t, err, context.Canceled)
}
