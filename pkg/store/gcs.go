//go:build gcp

package store

import (
	"context"
	"errors"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// GCSConfig configures the Google Cloud Storage backend.
type GCSConfig struct {
	Bucket string
	Prefix string
}

// GCS stores each value as one object named prefix+key.
type GCS struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCS creates a client with application default credentials.
func NewGCS(ctx context.Context, cfg GCSConfig) (*GCS, error) {
	if cfg.Bucket == "" {
		return nil, backendErr("store.gcs.open", errors.New("bucket is required"), "configure")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, backendErr("store.gcs.open", err, "create client")
	}
	return &GCS{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func newGCSFromConfig(ctx context.Context, cfg Config) (Store, error) {
	return NewGCS(ctx, GCSConfig{Bucket: cfg.Bucket, Prefix: cfg.Prefix})
}

func (s *GCS) object(key string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.prefix + key)
}

func (s *GCS) Store(ctx context.Context, key string, value []byte) error {
	if err := checkKey("store.gcs.store", key); err != nil {
		return err
	}
	w := s.object(key).NewWriter(ctx)
	w.ContentType = "application/cbor"
	if _, err := w.Write(value); err != nil {
		_ = w.Close()
		return backendErr("store.gcs.store", err, "write %q", key)
	}
	if err := w.Close(); err != nil {
		return backendErr("store.gcs.store", err, "close %q", key)
	}
	return nil
}

func (s *GCS) Load(ctx context.Context, key string) ([]byte, error) {
	r, err := s.object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, notFound("store.gcs.load", key)
	}
	if err != nil {
		return nil, backendErr("store.gcs.load", err, "open %q", key)
	}
	defer func() { _ = r.Close() }()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, backendErr("store.gcs.load", err, "read %q", key)
	}
	return data, nil
}

func (s *GCS) Delete(ctx context.Context, key string) error {
	err := s.object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return backendErr("store.gcs.delete", err, "delete %q", key)
	}
	return nil
}

func (s *GCS) List(ctx context.Context, prefix string) ([]string, error) {
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: s.prefix + prefix})
	var keys []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, backendErr("store.gcs.list", err, "list %q", prefix)
		}
		keys = append(keys, strings.TrimPrefix(attrs.Name, s.prefix))
	}
	return sortedUnique(keys), nil
}

func (s *GCS) Close() error { return s.client.Close() }
