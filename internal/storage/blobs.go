// Package storage keeps card attachments in an S3-compatible object store.
// Only bookkeeping lives here; garbage collection of orphaned blobs is
// handled elsewhere in the platform.
package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Blobs struct {
	client *minio.Client
	bucket string
}

func New(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Blobs, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &Blobs{client: client, bucket: bucket}, nil
}

// EnsureBucket creates the bucket when missing. Safe on every startup.
func (b *Blobs) EnsureBucket(ctx context.Context) error {
	exists, err := b.client.BucketExists(ctx, b.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := b.client.MakeBucket(ctx, b.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	return nil
}

// Put stores an attachment under domain/doc/card/filename and returns the
// stored size.
func (b *Blobs) Put(ctx context.Context, domainID, docID, cardID, filename string, reader io.Reader, size int64, contentType string) (int64, error) {
	info, err := b.client.PutObject(ctx, b.bucket, objectKey(domainID, docID, cardID, filename), reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return 0, fmt.Errorf("put object: %w", err)
	}
	return info.Size, nil
}

// PresignedGet returns a time-limited download URL for an attachment.
func (b *Blobs) PresignedGet(ctx context.Context, domainID, docID, cardID, filename string, expiry time.Duration) (string, error) {
	signed, err := b.client.PresignedGetObject(ctx, b.bucket, objectKey(domainID, docID, cardID, filename), expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign object: %w", err)
	}
	return signed.String(), nil
}

// Remove deletes one attachment blob.
func (b *Blobs) Remove(ctx context.Context, domainID, docID, cardID, filename string) error {
	err := b.client.RemoveObject(ctx, b.bucket, objectKey(domainID, docID, cardID, filename), minio.RemoveObjectOptions{})
	if err != nil {
		return fmt.Errorf("remove object: %w", err)
	}
	return nil
}

func objectKey(domainID, docID, cardID, filename string) string {
	return fmt.Sprintf("%s/%s/%s/%s", domainID, docID, cardID, filename)
}
