package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"
)

// S3API is the subset of *s3.Client used by S3Source.
type S3API interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// SourceConfig holds object source settings.
type SourceConfig struct {
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	KMSKeyArn string `yaml:"kms_key_arn"`
	// StartAfter skips keys at or before it when listing pending objects.
	StartAfter string `yaml:"start_after"`
}

// S3Source reads GuardDuty exports from an S3 bucket.
type S3Source struct {
	client S3API
	config SourceConfig
	logger *zap.Logger
}

// NewS3Source creates an S3 source.
func NewS3Source(client S3API, cfg SourceConfig, logger *zap.Logger) *S3Source {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &S3Source{client: client, config: cfg, logger: logger.Named("s3")}
}

// List implements Source. Folder placeholder keys are skipped. When the
// source has a KMS key configured every ref carries it as KeyRef.
func (s *S3Source) List(ctx context.Context, bucket, prefix, startAfter string, max int) ([]ObjectRef, error) {
	if bucket == "" {
		bucket = s.config.Bucket
	}
	if max <= 0 {
		return nil, nil
	}

	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
	}
	if prefix != "" {
		input.Prefix = aws.String(prefix)
	}
	if startAfter != "" {
		input.StartAfter = aws.String(startAfter)
	}
	pageSize := int32(1000)
	if max < 1000 {
		pageSize = int32(max)
	}
	input.MaxKeys = aws.Int32(pageSize)

	var refs []ObjectRef
	paginator := s3.NewListObjectsV2Paginator(s.client, input)
	for paginator.HasMorePages() && len(refs) < max {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing s3://%s/%s: %w", bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if strings.HasSuffix(key, "/") {
				continue
			}
			refs = append(refs, ObjectRef{
				Bucket:       bucket,
				Key:          key,
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
				ETag:         strings.Trim(aws.ToString(obj.ETag), `"`),
				KeyRef:       s.config.KMSKeyArn,
			})
			if len(refs) == max {
				break
			}
		}
	}

	s.logger.Debug("Listed objects",
		zap.String("bucket", bucket),
		zap.String("prefix", prefix),
		zap.String("start_after", startAfter),
		zap.Int("count", len(refs)),
	)
	return refs, nil
}

// Get implements Source.
func (s *S3Source) Get(ctx context.Context, ref ObjectRef) ([]byte, error) {
	bucket := ref.Bucket
	if bucket == "" {
		bucket = s.config.Bucket
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(ref.Key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("s3://%s/%s: %w", bucket, ref.Key, ErrObjectNotFound)
		}
		return nil, fmt.Errorf("getting s3://%s/%s: %w", bucket, ref.Key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading s3://%s/%s: %w", bucket, ref.Key, err)
	}
	return data, nil
}

// HealthCheck implements Source.
func (s *S3Source) HealthCheck(ctx context.Context) error {
	if s.config.Bucket == "" {
		return errors.New("source bucket not configured")
	}
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.config.Bucket)}); err != nil {
		return fmt.Errorf("head bucket %s: %w", s.config.Bucket, err)
	}
	return nil
}
