package proofstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"google.golang.org/api/option"
)

// ObjectStore puts one object into a bucket.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// GCSStore writes proofs to a Google Cloud Storage bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
}

// NewGCSStore prefers application default credentials; credentialsJSON overrides them.
func NewGCSStore(ctx context.Context, bucket, credentialsJSON string, opts ...option.ClientOption) (*GCSStore, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("GCS_BUCKET is required")
	}
	if strings.TrimSpace(credentialsJSON) != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(credentialsJSON)))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcs client: %w", err)
	}
	return &GCSStore{client: client, bucket: bucket}, nil
}

func (s *GCSStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	wc := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	wc.ContentType = contentType
	if _, err := wc.Write(data); err != nil {
		_ = wc.Close()
		return fmt.Errorf("failed to upload proof to gcs: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("failed to close gcs writer: %w", err)
	}
	return nil
}

func (s *GCSStore) Close() error {
	return s.client.Close()
}

// SpacesOptions configures an S3-compatible bucket (DigitalOcean Spaces by default).
type SpacesOptions struct {
	Endpoint        string
	Bucket          string
	AccessKeyId     string
	SecretAccessKey string
	Region          string
	Insecure        bool
}

// SpacesStore writes proofs to an S3-compatible bucket.
type SpacesStore struct {
	client *minio.Client
	bucket string
}

func NewSpacesStore(o SpacesOptions) (*SpacesStore, error) {
	endpoint := strings.TrimSpace(o.Endpoint)
	endpoint = strings.TrimPrefix(strings.TrimPrefix(endpoint, "https://"), "http://")
	if endpoint == "" || strings.TrimSpace(o.Bucket) == "" {
		return nil, errors.New("SP_URL and SP_BUCKET are required")
	}
	region := o.Region
	if region == "" {
		region = "us-east-1"
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(o.AccessKeyId, o.SecretAccessKey, ""),
		Secure: !o.Insecure,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("spaces client: %w", err)
	}
	return &SpacesStore{client: client, bucket: strings.TrimSpace(o.Bucket)}, nil
}

func (s *SpacesStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
		UserMetadata: map[string]string{
			"x-amz-acl": "public-read",
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload proof to spaces: %w", err)
	}
	return nil
}
