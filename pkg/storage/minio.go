// Package storage keeps recording artifacts in an S3 compatible bucket.
package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog"
)

type MinioStore struct {
	client *minio.Client
	bucket string
}

func NewMinioStore(client *minio.Client, bucket string) *MinioStore {
	return &MinioStore{client: client, bucket: bucket}
}

func (s *MinioStore) Bucket() string {
	return s.bucket
}

// EnsureBucket creates the bucket if it does not exist yet.
func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	zerolog.Ctx(ctx).Info().Str("bucket", s.bucket).Msg("created bucket")
	return nil
}

// Put stores one object and returns its URL on the storage endpoint.
func (s *MinioStore) Put(ctx context.Context, name string, r io.Reader, size int64, contentType string) (string, error) {
	info, err := s.client.PutObject(ctx, s.bucket, name, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", err
	}
	zerolog.Ctx(ctx).Info().
		Str("bucket", info.Bucket).
		Str("object", info.Key).
		Int64("size", info.Size).
		Msg("uploaded object")
	return s.client.EndpointURL().JoinPath(s.bucket, name).String(), nil
}

// PresignedURL returns a time-limited download link for a reference
// produced by Put.
func (s *MinioStore) PresignedURL(ctx context.Context, ref string, expiry time.Duration) (string, error) {
	object, err := s.objectName(ref)
	if err != nil {
		return "", err
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, object, expiry, url.Values{})
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

func (s *MinioStore) objectName(ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	prefix := "/" + s.bucket + "/"
	if !strings.HasPrefix(u.Path, prefix) {
		return "", fmt.Errorf("reference %q is not in bucket %s", ref, s.bucket)
	}
	return strings.TrimPrefix(u.Path, prefix), nil
}
