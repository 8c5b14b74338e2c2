package blobstore

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *LocalStore {
	t.Helper()
	dir, err := os.MkdirTemp("", "docuflow-blobstore-")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	store, err := NewLocalStore(dir)
	require.NoError(t, err)
	return store
}

func TestLocalStore_PutGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	res, err := store.Put(ctx, BucketUploads, "doc1.pdf", []byte("%PDF-1.4 contents"), "application/pdf")
	require.NoError(t, err)
	assert.NotEmpty(t, res.ETag)

	data, err := store.Get(ctx, BucketUploads, "doc1.pdf")
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4 contents", string(data))
}

func TestLocalStore_DeletePrefix(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Put(ctx, BucketCrawled, "exec-1/pages/index.html", []byte("<html></html>"), "text/html")
	require.NoError(t, err)
	_, err = store.Put(ctx, BucketCrawled, "exec-1/assets/css/style.css", []byte("body{}"), "text/css")
	require.NoError(t, err)

	keys, err := store.List(ctx, BucketCrawled, "exec-1/")
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	require.NoError(t, store.DeletePrefix(ctx, BucketCrawled, "exec-1"))
	keys, err = store.List(ctx, BucketCrawled, "exec-1/")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestLocalStore_CleansTraversalSegments(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	// Leading ".." segments collapse against the bucket root rather than
	// escaping it, matching filepath.Clean's behavior on absolute paths.
	_, err := store.Put(ctx, BucketUploads, "../../etc/passwd", []byte("x"), "text/plain")
	require.NoError(t, err)

	data, err := store.Get(ctx, BucketUploads, "etc/passwd")
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))
}

func TestLocalStore_GetMissingKey(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), BucketUploads, "missing.pdf")
	assert.Error(t, err)
}
