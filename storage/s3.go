package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/ruteri/federated-kms/interfaces"
)

// S3Config locates an S3 or S3-compatible bucket.
type S3Config struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string

	// AccessKey and SecretKey are optional; without them the SDK's default
	// credential chain (environment, shared config, instance role) is used.
	AccessKey string
	SecretKey string

	// PathStyle addresses the bucket in the path, as MinIO and most
	// S3-compatible services expect.
	PathStyle bool
}

// S3Backend stores escrow records as objects with server-side encryption.
type S3Backend struct {
	client      *s3.S3
	bucketName  string
	prefix      string
	log         *slog.Logger
	locationURI string
}

func NewS3Backend(cfg S3Config, log *slog.Logger) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: missing S3 bucket", interfaces.ErrInvalidLocationURI)
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	uri := fmt.Sprintf("s3://%s/%s?region=%s", cfg.Bucket, cfg.Prefix, cfg.Region)
	if cfg.Endpoint != "" {
		uri += fmt.Sprintf("&endpoint=%s", cfg.Endpoint)
	}

	awsCfg := aws.Config{
		Region:           aws.String(cfg.Region),
		S3ForcePathStyle: aws.Bool(cfg.PathStyle),
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}

	sess, err := session.NewSession(&awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return &S3Backend{
		client:      s3.New(sess),
		bucketName:  cfg.Bucket,
		prefix:      strings.Trim(cfg.Prefix, "/"),
		log:         log,
		locationURI: uri,
	}, nil
}

func (b *S3Backend) Fetch(ctx context.Context, id interfaces.EscrowID) ([]byte, error) {
	start := time.Now()
	key := b.objectKey(id)

	result, err := b.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && (aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == "NotFound") {
			return nil, interfaces.ErrNotFound
		}
		b.log.Error("Failed to get object from S3",
			slog.String("bucket", b.bucketName),
			slog.String("key", key),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return nil, fmt.Errorf("failed to get object from S3: %w", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object body: %w", err)
	}

	b.log.Debug("Fetched escrow record from S3",
		slog.String("bucket", b.bucketName),
		slog.String("key", key),
		slog.Int("size", len(data)),
		slog.Duration("duration", time.Since(start)))
	return data, nil
}

func (b *S3Backend) Store(ctx context.Context, id interfaces.EscrowID, data []byte) error {
	key := b.objectKey(id)

	_, err := b.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(b.bucketName),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(data),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: aws.String(s3.ServerSideEncryptionAes256),
	})
	if err != nil {
		return fmt.Errorf("failed to upload object to S3: %w", err)
	}

	b.log.Debug("Stored escrow record in S3",
		slog.String("bucket", b.bucketName),
		slog.String("key", key))
	return nil
}

// Available checks that the bucket can be reached.
func (b *S3Backend) Available(ctx context.Context) bool {
	_, err := b.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucketName),
	})
	if err != nil {
		b.log.Warn("S3 backend unavailable",
			slog.String("bucket", b.bucketName),
			"err", err)
		return false
	}
	return true
}

func (b *S3Backend) Name() string {
	return fmt.Sprintf("s3-%s", b.bucketName)
}

func (b *S3Backend) LocationURI() string {
	return b.locationURI
}

func (b *S3Backend) objectKey(id interfaces.EscrowID) string {
	name := id.String() + ".json"
	if b.prefix == "" {
		return name
	}
	return path.Join(b.prefix, name)
}
