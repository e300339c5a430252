package storage

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// S3 implements ObjectStore on a MinIO client, which speaks to any
// S3-compatible provider.
type S3 struct {
	client *minio.Client
	bucket string
}

// NewS3 creates the client and makes sure the bucket exists.
func NewS3(ctx context.Context, cfg Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 storage requires a bucket")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create minio client")
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, errors.Wrap(err, "check bucket existence")
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, errors.Wrapf(err, "create bucket %q", cfg.Bucket)
		}
		log.Infof("storage: created bucket %q", cfg.Bucket)
	}

	return &S3{client: client, bucket: cfg.Bucket}, nil
}

// Get opens the object at key. The first read is forced through Stat so a
// missing object is reported here rather than on the caller's first Read.
func (s *S3) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.wrap(err, key)
	}
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, s.wrap(err, key)
	}
	return obj, nil
}

// Put streams r to key. size may be -1, in which case MinIO buffers parts.
func (s *S3) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{})
	if err != nil {
		return errors.Wrapf(err, "put object %q", key)
	}
	return nil
}

// Delete removes the object at key. S3 treats deleting a missing key as
// success.
func (s *S3) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return s.wrap(err, key)
	}
	return nil
}

// SignedURL presigns a GET for key.
func (s *S3) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, ttl, url.Values{})
	if err != nil {
		return "", errors.Wrapf(err, "presign %q", key)
	}
	return u.String(), nil
}

func (s *S3) wrap(err error, key string) error {
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode == http.StatusNotFound || resp.Code == "NoSuchKey" {
		return ErrNotFound
	}
	return errors.Wrapf(err, "object %q", key)
}
