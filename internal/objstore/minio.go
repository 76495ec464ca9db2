// Package objstore archives original uploads in S3-compatible object storage.
// The parse cache keeps only extracted markdown; the archive keeps the raw
// bytes so a document can be re-extracted after an extractor fix.
package objstore

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Archive struct {
	client *minio.Client
	bucket string
}

type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// New connects to the object store and ensures the bucket exists.
func New(ctx context.Context, opts Options) (*Archive, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to object store: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", opts.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", opts.Bucket, err)
		}
	}

	return &Archive{client: client, bucket: opts.Bucket}, nil
}

// Put stores raw upload bytes keyed by content hash. Identical bytes land on
// the same key, so re-uploads are free.
func (a *Archive) Put(ctx context.Context, contentHash, filename string, data []byte) error {
	_, err := a.client.PutObject(ctx, a.bucket, objectKey(contentHash), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
		UserMetadata: map[string]string{
			"original-filename": filename,
		},
	})
	if err != nil {
		return fmt.Errorf("archive %s: %w", contentHash, err)
	}
	return nil
}

// Get retrieves archived upload bytes by content hash.
func (a *Archive) Get(ctx context.Context, contentHash string) ([]byte, error) {
	obj, err := a.client.GetObject(ctx, a.bucket, objectKey(contentHash), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("fetch archive %s: %w", contentHash, err)
	}
	defer obj.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(obj); err != nil {
		return nil, fmt.Errorf("read archive %s: %w", contentHash, err)
	}
	return buf.Bytes(), nil
}

func objectKey(contentHash string) string {
	return "uploads/" + contentHash
}
