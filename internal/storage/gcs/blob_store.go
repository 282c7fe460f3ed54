// Package gcs stores normalized artifacts in a Google Cloud Storage bucket.
package gcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

// DefaultCacheControl keeps CDNs from serving an image a retried task has
// since overwritten.
const DefaultCacheControl = "no-cache, max-age=0"

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Config names the bucket and the headers stamped on every artifact.
type Config struct {
	Bucket       string
	CacheControl string
}

// ArtifactStore uploads artifacts as single-request objects.
type ArtifactStore struct {
	bucket       *storage.BucketHandle
	name         string
	cacheControl string
}

// New binds the store to cfg.Bucket. Call Verify to check the bucket exists.
func New(client *storage.Client, cfg Config) (*ArtifactStore, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	name := strings.TrimSpace(cfg.Bucket)
	if name == "" {
		return nil, errors.New("bucket name is required")
	}
	cc := cfg.CacheControl
	if cc == "" {
		cc = DefaultCacheControl
	}
	return &ArtifactStore{bucket: client.Bucket(name), name: name, cacheControl: cc}, nil
}

// Verify reads the bucket attributes so a bad bucket or credential fails at
// startup and in the readiness probe.
func (s *ArtifactStore) Verify(ctx context.Context) error {
	if _, err := s.bucket.Attrs(ctx); err != nil {
		return fmt.Errorf("bucket %q: %w", s.name, err)
	}
	return nil
}

// PutObject writes the artifact at key, replacing any earlier object, and
// returns its gs:// URI. The body is buffered so its CRC32C travels with the
// upload and GCS rejects a corrupted transfer.
func (s *ArtifactStore) PutObject(ctx context.Context, key string, contentType string, r io.Reader) (string, error) {
	key = strings.TrimPrefix(strings.TrimSpace(key), "/")
	if key == "" {
		return "", errors.New("object key is required")
	}
	var body bytes.Buffer
	if _, err := body.ReadFrom(r); err != nil {
		return "", fmt.Errorf("read artifact: %w", err)
	}
	if body.Len() == 0 {
		return "", fmt.Errorf("artifact %s is empty", key)
	}

	w := s.bucket.Object(key).NewWriter(ctx)
	// Artifacts are small JPEGs; one multipart request beats a resumable session.
	w.ChunkSize = 0
	w.ContentType = contentType
	w.CacheControl = s.cacheControl
	w.CRC32C = crc32.Checksum(body.Bytes(), castagnoli)
	w.SendCRC32C = true

	if _, err := w.Write(body.Bytes()); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize %s: %w", key, err)
	}
	return s.URI(key), nil
}

// URI returns the gs:// address of key in this bucket.
func (s *ArtifactStore) URI(key string) string {
	return "gs://" + s.name + "/" + key
}
