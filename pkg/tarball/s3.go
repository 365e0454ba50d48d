package tarball

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/spokehub/registry/pkg/registry"
)

// S3 stores tarballs in an S3-compatible object store under a
// (name, version)-derived keyspace, so the download route can address a
// tarball without a prior hash lookup.
type S3 struct {
	client *s3.Client
	bucket string
}

// NewS3 configures the AWS SDK client (static credentials when both are supplied,
// otherwise the default credential chain), optionally pointed at a custom endpoint
// for MinIO-style local development, and ensures the target bucket exists.
func NewS3(cfg Config) (*S3, error) {
	ctx := context.Background()

	var awsConfig aws.Config
	var err error
	if cfg.S3AccessKey != "" && cfg.S3SecretKey != "" {
		awsConfig, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(cfg.S3Region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, "")),
		)
	} else {
		awsConfig, err = config.LoadDefaultConfig(ctx, config.WithRegion(cfg.S3Region))
	}
	if err != nil {
		return nil, fmt.Errorf("tarball: failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		if cfg.S3UsePathStyle {
			o.UsePathStyle = true
		}
	})

	if err := ensureBucket(ctx, client, cfg.S3Bucket); err != nil {
		return nil, fmt.Errorf("tarball: failed to ensure bucket exists: %w", err)
	}

	return &S3{client: client, bucket: cfg.S3Bucket}, nil
}

func (s *S3) PutTarball(ctx context.Context, name, version, checksum string, content io.Reader, size int64) error {
	data, err := io.ReadAll(content)
	if err != nil {
		return registry.StorageIO("read tarball content", err)
	}
	actual := sha256.Sum256(data)
	actualChecksum := hex.EncodeToString(actual[:])
	if checksum != "" && actualChecksum != checksum {
		return registry.Conflict("tarball checksum mismatch", nil)
	}

	key := Key(name, version)
	existing, err := s.headChecksum(ctx, key)
	if err != nil {
		return registry.StorageIO("check existing tarball", err)
	}
	if existing != "" {
		if existing != actualChecksum {
			return registry.Conflict("tarball already exists with a different checksum", nil)
		}
		return nil // idempotent retry of an already-written object
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/gzip"),
		Metadata:    map[string]string{"checksum-sha256": actualChecksum},
	})
	if err != nil {
		return registry.StorageIO("put tarball", err)
	}
	return nil
}

func (s *S3) headChecksum(ctx context.Context, key string) (string, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		if isNotFoundError(err) {
			return "", nil
		}
		return "", err
	}
	return out.Metadata["checksum-sha256"], nil
}

func (s *S3) GetTarball(ctx context.Context, name, version string) (io.ReadCloser, int64, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(Key(name, version))})
	if err != nil {
		if isNotFoundError(err) {
			return nil, 0, registry.NotFound(fmt.Sprintf("%s-%s not found", name, version), nil)
		}
		return nil, 0, registry.StorageIO("get tarball", err)
	}
	size := int64(0)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return out.Body, size, nil
}

func (s *S3) DeleteTarball(ctx context.Context, name, version string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(Key(name, version))})
	if err != nil {
		return registry.StorageIO("delete tarball", err)
	}
	return nil
}

func (s *S3) PutReadme(ctx context.Context, name, version string, content io.Reader) error {
	data, err := io.ReadAll(content)
	if err != nil {
		return registry.StorageIO("read readme content", err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(readmeKey(name, version)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("text/markdown"),
	})
	if err != nil {
		return registry.StorageIO("put readme", err)
	}
	return nil
}

func (s *S3) GetReadme(ctx context.Context, name, version string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(readmeKey(name, version))})
	if err != nil {
		if isNotFoundError(err) {
			return nil, registry.NotFound("readme not found", nil)
		}
		return nil, registry.StorageIO("get readme", err)
	}
	return out.Body, nil
}

func (s *S3) HealthCheck(ctx context.Context) error {
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return registry.StorageIO("s3 health check", err)
	}
	return nil
}

func ensureBucket(ctx context.Context, client *s3.Client, bucket string) error {
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err == nil {
		return nil
	}
	_, err := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)})
	if err != nil && !isBucketAlreadyExistsError(err) {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}

func isNotFoundError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "NoSuchKey"))
}

func isBucketAlreadyExistsError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "BucketAlreadyExists") || strings.Contains(err.Error(), "BucketAlreadyOwnedByYou"))
}
