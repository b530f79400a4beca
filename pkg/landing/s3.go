package landing

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/cenkalti/backoff/v4"
)

const s3OpTimeout = 2 * time.Minute

// S3Store is a Store backed by an S3-compatible bucket (AWS S3 or MinIO).
type S3Store struct {
	client *s3.Client
	bucket string
}

// S3StoreConfig holds configuration for creating an S3Store.
type S3StoreConfig struct {
	Bucket          string
	Region          string
	Endpoint        string // empty for AWS, set for MinIO
	AccessKeyID     string // empty to use the default credentials chain
	SecretAccessKey string
}

// NewS3Store creates an S3-backed landing store.
func NewS3Store(ctx context.Context, cfg S3StoreConfig) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			endpoint := cfg.Endpoint
			if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
				endpoint = "http://" + endpoint
			}
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true // MinIO
		}
	})

	return &S3Store{client: client, bucket: cfg.Bucket}, nil
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]Object, error) {
	ctx, cancel := context.WithTimeout(ctx, s3OpTimeout)
	defer cancel()

	var objects []Object
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := s.nextPage(ctx, paginator)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			o := Object{Key: *obj.Key}
			if obj.Size != nil {
				o.Size = *obj.Size
			}
			if obj.LastModified != nil {
				o.LastModified = *obj.LastModified
			}
			objects = append(objects, o)
		}
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

func (s *S3Store) nextPage(ctx context.Context, paginator *s3.ListObjectsV2Paginator) (*s3.ListObjectsV2Output, error) {
	return backoff.RetryWithData(func() (*s3.ListObjectsV2Output, error) {
		page, err := paginator.NextPage(ctx)
		if err != nil && ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		return page, err
	}, s.backoff(ctx))
}

func (s *S3Store) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	ctx, cancel := context.WithTimeout(ctx, s3OpTimeout)
	defer cancel()

	out, err := backoff.RetryWithData(func() (*s3.GetObjectOutput, error) {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil && ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		return out, err
	}, s.backoff(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return out.Body, nil
}

func (s *S3Store) Move(ctx context.Context, key, destKey string) error {
	ctx, cancel := context.WithTimeout(ctx, s3OpTimeout)
	defer cancel()

	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		CopySource: aws.String(s.bucket + "/" + key),
		Key:        aws.String(destKey),
	})
	if err != nil {
		return fmt.Errorf("failed to copy %s to %s: %w", key, destKey, err)
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s after copy: %w", key, err)
	}
	return nil
}

func (s *S3Store) backoff(ctx context.Context) backoff.BackOffContext {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 30 * time.Second
	return backoff.WithContext(bo, ctx)
}
