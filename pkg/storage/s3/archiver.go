// Package s3 writes archived record sets to object storage.
package s3

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/clinicguard/pkg/observability"
	"github.com/platinummonkey/clinicguard/pkg/storage"
)

// ObjectAPI is the subset of the S3 client the archiver uses
type ObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Archiver uploads archive payloads under a key prefix. Objects are written
// once; an existing object with the same key is left untouched.
type Archiver struct {
	client ObjectAPI
	bucket string
	prefix string
}

// NewClient builds an S3 client from the storage settings. Static credentials
// are used when configured, otherwise the default AWS credential chain.
func NewClient(ctx context.Context, cfg storage.Config) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.S3Region)}
	if cfg.S3AccessKey != "" && cfg.S3SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3UsePathStyle
	}), nil
}

// NewArchiver creates an archiver writing to bucket under prefix
func NewArchiver(client ObjectAPI, bucket, prefix string) *Archiver {
	return &Archiver{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}
}

// Archive uploads payload as key and returns its s3:// location. The
// payload checksum is stored in object metadata for later verification.
func (a *Archiver) Archive(ctx context.Context, key string, payload []byte, metadata map[string]string) (string, error) {
	objectKey := a.objectKey(key)

	ctx, span := observability.Tracer().Start(ctx, "S3.Archive",
		trace.WithAttributes(
			attribute.String("s3.bucket", a.bucket),
			attribute.String("s3.key", objectKey),
			attribute.Int("content.size", len(payload)),
		),
	)
	defer span.End()

	location := fmt.Sprintf("s3://%s/%s", a.bucket, objectKey)

	exists, err := a.exists(ctx, objectKey)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to check object existence")
		return "", err
	}
	if exists {
		span.SetAttributes(attribute.Bool("archive.existing", true))
		return location, nil
	}

	hash := sha256.Sum256(payload)
	meta := map[string]string{"checksum-sha256": hex.EncodeToString(hash[:])}
	for k, v := range metadata {
		meta[k] = v
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(objectKey),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/x-ndjson"),
		Metadata:    meta,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to upload to s3")
		return "", fmt.Errorf("failed to upload archive %s: %w", objectKey, err)
	}

	span.SetStatus(codes.Ok, "archive uploaded")
	return location, nil
}

// HealthCheck verifies the bucket is reachable
func (a *Archiver) HealthCheck(ctx context.Context) error {
	if _, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(a.bucket)}); err != nil {
		return fmt.Errorf("s3 health check failed: %w", err)
	}
	return nil
}

func (a *Archiver) objectKey(key string) string {
	if a.prefix == "" {
		return strings.TrimLeft(key, "/")
	}
	return path.Join(a.prefix, key)
}

func (a *Archiver) exists(ctx context.Context, key string) (bool, error) {
	_, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}

	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return false, nil
	}
	return false, fmt.Errorf("failed to check object existence: %w", err)
}
