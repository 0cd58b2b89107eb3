// Package storage persists and reads backfill objects (chunks, manifests, source listings)
// through a small bucket/key interface with S3 and gocloud blob implementations.
package storage

import (
	"context"
	"errors"
	"fmt"
)

// ContentTypeJSON is the content type of chunk and manifest objects.
const ContentTypeJSON = "application/json"

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("object not found")

// ObjectStore is the object storage used by planners and workers.
type ObjectStore interface {
	// ListPage returns the keys under prefix for one page. An empty next token means
	// the listing is complete.
	ListPage(ctx context.Context, bucket, prefix, token string) (keys []string, next string, err error)

	// Get returns the object body, or ErrNotFound.
	Get(ctx context.Context, bucket, key string) ([]byte, error)

	// Put writes body at key, replacing any existing object.
	Put(ctx context.Context, bucket, key string, body []byte, contentType string) error
}

// ListAll walks every page under prefix and hands each page of keys to fn.
func ListAll(ctx context.Context, store ObjectStore, bucket, prefix string, fn func(keys []string) error) error {
	token := ""
	for {
		keys, next, err := store.ListPage(ctx, bucket, prefix, token)
		if err != nil {
			return fmt.Errorf("failed to list %s/%s: %w", bucket, prefix, err)
		}
		if err := fn(keys); err != nil {
			return err
		}
		if next == "" {
			return nil
		}
		token = next
	}
}
