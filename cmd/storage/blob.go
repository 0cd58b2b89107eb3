package storage

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
)

// BucketPlaceholder is replaced by the bucket name in a BlobStore URL template.
const BucketPlaceholder = "{bucket}"

const listPageSize = 1000

// BucketOpener opens the gocloud bucket backing a bucket name.
type BucketOpener func(ctx context.Context, bucket string) (*blob.Bucket, error)

// URLOpener opens buckets from a URL template such as "file:///var/backfill/{bucket}"
// or "gs://{bucket}". A template without the placeholder maps every bucket name to
// the same bucket. The driver for the scheme must be linked into the binary.
func URLOpener(template string) BucketOpener {
	return func(ctx context.Context, bucket string) (*blob.Bucket, error) {
		return blob.OpenBucket(ctx, strings.ReplaceAll(template, BucketPlaceholder, bucket))
	}
}

// BlobStore reads and writes objects through gocloud.dev/blob, so the same planner and
// worker code runs against local files, in-memory buckets, GCS or S3.
type BlobStore struct {
	open BucketOpener

	mu      sync.Mutex
	buckets map[string]*blob.Bucket
}

// NewBlobStore creates a store that opens buckets lazily with open.
func NewBlobStore(open BucketOpener) *BlobStore {
	return &BlobStore{
		open:    open,
		buckets: make(map[string]*blob.Bucket),
	}
}

func (s *BlobStore) bucket(ctx context.Context, name string) (*blob.Bucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.buckets[name]; ok {
		return b, nil
	}

	b, err := s.open(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", name, err)
	}
	s.buckets[name] = b

	return b, nil
}

func (s *BlobStore) ListPage(ctx context.Context, bucket, prefix, token string) ([]string, string, error) {
	b, err := s.bucket(ctx, bucket)
	if err != nil {
		return nil, "", err
	}

	pageToken := blob.FirstPageToken
	if token != "" {
		pageToken, err = base64.RawURLEncoding.DecodeString(token)
		if err != nil {
			return nil, "", fmt.Errorf("invalid page token: %w", err)
		}
	}

	objects, next, err := b.ListPage(ctx, pageToken, listPageSize, &blob.ListOptions{Prefix: prefix})
	if err != nil {
		return nil, "", err
	}

	keys := make([]string, 0, len(objects))
	for _, obj := range objects {
		if obj.IsDir {
			continue
		}
		keys = append(keys, obj.Key)
	}

	nextToken := ""
	if len(next) > 0 {
		nextToken = base64.RawURLEncoding.EncodeToString(next)
	}

	return keys, nextToken, nil
}

func (s *BlobStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	b, err := s.bucket(ctx, bucket)
	if err != nil {
		return nil, err
	}

	body, err := b.ReadAll(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, bucket, key)
		}
		return nil, fmt.Errorf("failed to read %s/%s: %w", bucket, key, err)
	}

	return body, nil
}

func (s *BlobStore) Put(ctx context.Context, bucket, key string, body []byte, contentType string) error {
	b, err := s.bucket(ctx, bucket)
	if err != nil {
		return err
	}

	opts := &blob.WriterOptions{ContentType: contentType}
	if err := b.WriteAll(ctx, key, body, opts); err != nil {
		return fmt.Errorf("failed to write %s/%s: %w", bucket, key, err)
	}

	return nil
}

// Close closes every bucket opened by the store.
func (s *BlobStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for name, b := range s.buckets {
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close bucket %s: %w", name, err)
		}
		delete(s.buckets, name)
	}

	return firstErr
}

var _ ObjectStore = (*BlobStore)(nil)
