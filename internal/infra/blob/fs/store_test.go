package fs

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"propledger/internal/blob/core"
)

func TestPutWritesSidecarAndNoTempFiles(t *testing.T) {
	root := t.TempDir()
	s, err := New(root)
	require.NoError(t, err)
	_, err = s.Put(context.Background(), "tenants/a/reports/r.json", strings.NewReader(`{"ok":true}`), core.PutOptions{ContentType: "application/json"})
	require.NoError(t, err)

	dir := filepath.Join(root, "tenants", "a", "reports")
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"r.json", "r.json.meta"}, names)
}

func TestReservedSuffixRejected(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	_, err = s.Put(context.Background(), "a/b.meta", strings.NewReader("x"), core.PutOptions{})
	assert.ErrorIs(t, err, core.ErrInvalidKey)
}

func TestCorruptSidecar(t *testing.T) {
	root := t.TempDir()
	s, err := New(root)
	require.NoError(t, err)
	_, err = s.Put(context.Background(), "k", strings.NewReader("x"), core.PutOptions{})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, "k.meta"), []byte("{"), 0o600))
	_, err = s.Head(context.Background(), "k")
	assert.ErrorContains(t, err, "decode metadata")
}

func TestDefaultRoot(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	s, err := New("")
	require.NoError(t, err)
	assert.Equal(t, DefaultRoot, s.Root())
}
