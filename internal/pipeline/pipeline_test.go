package pipeline

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/docuflow/internal/blobstore"
	"github.com/ternarybob/docuflow/internal/config"
	"github.com/ternarybob/docuflow/internal/converter"
	"github.com/ternarybob/docuflow/internal/queue"
	"github.com/ternarybob/docuflow/internal/storage/badger"
)

// fakeConverter lets tests control ConvertPage's output without depending
// on real PDF bytes.
type fakeConverter struct {
	markdown string
	err      error
}

func (f *fakeConverter) Convert(data []byte, hintFormat string) (string, converter.Meta, error) {
	if f.err != nil {
		return "", converter.Meta{}, f.err
	}
	return f.markdown, converter.Meta{Pages: 1, Format: "pdf"}, nil
}

func newTestStore(t *testing.T) *badger.JobStore {
	t.Helper()
	dir, err := os.MkdirTemp("", "docuflow-pipeline-store-")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	db, err := badger.Open(arbor.NewNoOpLogger(), config.StorageConfig{BadgerPath: dir})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return badger.NewJobStore(db, newTestBlobs(t), arbor.NewNoOpLogger(), 3).(*badger.JobStore)
}

func newTestBlobs(t *testing.T) *blobstore.LocalStore {
	t.Helper()
	dir, err := os.MkdirTemp("", "docuflow-pipeline-blobs-")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	store, err := blobstore.NewLocalStore(dir)
	require.NoError(t, err)
	return store
}

// newTestPipeline wires a Pipeline over real badger storage and local blob
// storage with a capturing dispatcher: every enqueued task is pushed to the
// returned channel instead of being processed by a worker pool, so tests
// can assert on what got enqueued without timing dependencies.
func newTestPipeline(t *testing.T, conv converter.Converter, opts Options) (*Pipeline, chan queue.Task) {
	t.Helper()
	store := newTestStore(t)
	blobs := newTestBlobs(t)
	captured := make(chan queue.Task, 64)

	d := queue.New(arbor.NewNoOpLogger(), queue.Config{QueueDepth: 64})
	capture := func(ctx context.Context, t queue.Task) error {
		captured <- t
		return nil
	}
	d.RegisterHandler(queue.TaskSplitPdf, capture)
	d.RegisterHandler(queue.TaskConvertPage, capture)
	d.RegisterHandler(queue.TaskMerge, capture)
	d.Start(context.Background(), 1, 1)
	t.Cleanup(d.Stop)

	p := New(store, blobs, conv, d, nil, arbor.NewNoOpLogger(), opts)
	return p, captured
}

func expectTask(t *testing.T, ch chan queue.Task, kind queue.TaskKind) queue.Task {
	t.Helper()
	select {
	case task := <-ch:
		require.Equal(t, kind, task.Kind)
		return task
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for task kind %s", kind)
		return queue.Task{}
	}
}
