package local_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bookwatch/bookwatch/internal/snapshot/local"
)

func TestNew_CreatesMissingBaseDir(t *testing.T) {
	t.Parallel()
	base := filepath.Join(t.TempDir(), "snapshots")
	_, err := local.New(base)
	require.NoError(t, err)

	info, err := os.Stat(base)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestNew_RequiresBaseDir(t *testing.T) {
	t.Parallel()
	_, err := local.New("  ")
	require.Error(t, err)
}

func TestPutObject_WritesFileAndReturnsURI(t *testing.T) {
	t.Parallel()
	base := t.TempDir()
	store, err := local.New(base)
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "snapshots/run-1/page-1.html", "text/html",
		strings.NewReader("<html>ok</html>"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(uri, "file://"))

	b, err := os.ReadFile(filepath.Join(base, "snapshots", "run-1", "page-1.html"))
	require.NoError(t, err)
	assert.Equal(t, "<html>ok</html>", string(b))
}

func TestPutObject_RejectsPathTraversal(t *testing.T) {
	t.Parallel()
	store, err := local.New(t.TempDir())
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "../outside.html", "text/html",
		strings.NewReader("nope"))
	require.Error(t, err)
}
