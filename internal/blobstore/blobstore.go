// Package blobstore defines the object-storage contract the core consumes
// (spec §6.1) and provides a local-filesystem reference implementation.
// Production deployments are expected to supply an S3/MinIO-backed
// implementation of the same interface; that implementation is out of
// scope here (the HTML/local pair are the reference, per the spec's
// non-goal on concrete object-store backends).
package blobstore

import "context"

// Named buckets the core writes to and reads from (spec §6.1).
const (
	BucketUploads = "uploads"
	BucketPages   = "pages"
	BucketResults = "results"
	BucketCrawled = "crawled"
)

// PutResult is returned from Put, carrying an opaque integrity tag.
type PutResult struct {
	ETag string
}

// Store is the object-storage contract consumed by the split/merge pipeline
// and the crawler execution pipeline (spec §6.1).
type Store interface {
	Put(ctx context.Context, bucket, key string, data []byte, contentType string) (PutResult, error)
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	PresignedGet(ctx context.Context, bucket, key string, ttlSeconds int) (string, error)
	Delete(ctx context.Context, bucket, key string) error
	DeletePrefix(ctx context.Context, bucket, prefix string) error
	List(ctx context.Context, bucket, prefix string) ([]string, error)
}
