package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LocalStore is a filesystem-backed reference implementation of Store,
// laying buckets out as top-level directories and keys as relative paths
// beneath them (spec §6.1 bucket/key layout under crawled/).
type LocalStore struct {
	root string
}

// NewLocalStore roots every bucket under dir.
func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: create root %s: %w", dir, err)
	}
	return &LocalStore{root: dir}, nil
}

// path joins bucket and key under root. Rooting key at "/" before Clean
// ensures any ".." segments collapse against that root instead of escaping
// the bucket directory.
func (s *LocalStore) path(bucket, key string) (string, error) {
	clean := filepath.Clean("/" + key)
	return filepath.Join(s.root, bucket, clean), nil
}

func (s *LocalStore) Put(ctx context.Context, bucket, key string, data []byte, contentType string) (PutResult, error) {
	p, err := s.path(bucket, key)
	if err != nil {
		return PutResult{}, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return PutResult{}, fmt.Errorf("blobstore: mkdir: %w", err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return PutResult{}, fmt.Errorf("blobstore: write %s/%s: %w", bucket, key, err)
	}
	sum := sha256.Sum256(data)
	return PutResult{ETag: hex.EncodeToString(sum[:])}, nil
}

func (s *LocalStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	p, err := s.path(bucket, key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("blobstore: read %s/%s: %w", bucket, key, err)
	}
	return data, nil
}

// PresignedGet returns a file:// URL valid for the process lifetime; the
// ttlSeconds parameter is accepted for interface parity with a real
// object-store backend but has no effect locally.
func (s *LocalStore) PresignedGet(ctx context.Context, bucket, key string, ttlSeconds int) (string, error) {
	p, err := s.path(bucket, key)
	if err != nil {
		return "", err
	}
	_ = time.Duration(ttlSeconds) * time.Second
	return "file://" + p, nil
}

func (s *LocalStore) Delete(ctx context.Context, bucket, key string) error {
	p, err := s.path(bucket, key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blobstore: delete %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *LocalStore) DeletePrefix(ctx context.Context, bucket, prefix string) error {
	p, err := s.path(bucket, prefix)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(p); err != nil {
		return fmt.Errorf("blobstore: delete prefix %s/%s: %w", bucket, prefix, err)
	}
	return nil
}

func (s *LocalStore) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	base, err := s.path(bucket, prefix)
	if err != nil {
		return nil, err
	}
	bucketRoot := filepath.Join(s.root, bucket)

	var keys []string
	walkRoot := base
	if info, err := os.Stat(base); err != nil || !info.IsDir() {
		walkRoot = filepath.Dir(base)
	}
	err = filepath.Walk(walkRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(bucketRoot, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(rel, prefix) {
			keys = append(keys, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("blobstore: list %s/%s: %w", bucket, prefix, err)
	}
	return keys, nil
}
