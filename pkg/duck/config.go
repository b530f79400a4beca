package duck

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// LoadS3ConfigFromEnv loads S3 configuration from environment variables.
// Supports AWS S3 and MinIO. Returns nil when no explicit credentials are
// set, in which case the default AWS credentials chain (IRSA, instance
// roles) is used.
//
// Environment variables: S3_ACCESS_KEY_ID / AWS_ACCESS_KEY_ID,
// S3_SECRET_ACCESS_KEY / AWS_SECRET_ACCESS_KEY, S3_ENDPOINT (MinIO),
// S3_REGION / AWS_REGION, S3_USE_SSL, S3_URL_STYLE.
func LoadS3ConfigFromEnv() (*S3Config, error) {
	accessKeyID := envFirst("S3_ACCESS_KEY_ID", "AWS_ACCESS_KEY_ID")
	secretAccessKey := envFirst("S3_SECRET_ACCESS_KEY", "AWS_SECRET_ACCESS_KEY")

	if accessKeyID == "" && secretAccessKey == "" {
		return nil, nil // default AWS credentials chain
	}
	if accessKeyID == "" || secretAccessKey == "" {
		return nil, fmt.Errorf("S3 credentials are incomplete: both access key and secret must be set, or neither")
	}

	endpoint := envFirst("S3_ENDPOINT", "AWS_ENDPOINT_URL")
	region := envFirst("S3_REGION", "AWS_REGION")
	if region == "" {
		region = "us-east-1"
	}

	isMinIO := endpoint != "" && !strings.Contains(endpoint, "amazonaws.com")
	useSSL := !isMinIO
	if v := os.Getenv("S3_USE_SSL"); v != "" {
		useSSL = v == "true" || v == "1"
	}
	urlStyle := "path"
	if v := os.Getenv("S3_URL_STYLE"); v != "" {
		urlStyle = v
	}

	return &S3Config{
		AccessKeyID:     accessKeyID,
		SecretAccessKey: secretAccessKey,
		Endpoint:        endpoint,
		Region:          region,
		UseSSL:          useSSL,
		URLStyle:        urlStyle,
	}, nil
}

// PrepareS3ConfigForStorageURI loads S3 config from the environment when
// storageURI uses s3://, ensuring a localhost MinIO bucket exists for dev
// setups. Returns nil for file:// storage.
func PrepareS3ConfigForStorageURI(ctx context.Context, log *slog.Logger, storageURI string) (*S3Config, error) {
	if !strings.HasPrefix(storageURI, "s3://") {
		return nil, nil
	}

	cfg, err := LoadS3ConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to load S3 configuration: %w", err)
	}
	if cfg == nil {
		region := envFirst("S3_REGION", "AWS_REGION")
		if region == "" {
			region = "us-east-1"
		}
		cfg = &S3Config{Region: region, UseSSL: true, URLStyle: "path"}
	}

	isMinIO := cfg.Endpoint != "" && !strings.Contains(cfg.Endpoint, "amazonaws.com")
	if isMinIO && (cfg.AccessKeyID == "" || cfg.SecretAccessKey == "") {
		return nil, fmt.Errorf("MinIO requires both S3_ACCESS_KEY_ID and S3_SECRET_ACCESS_KEY to be set (endpoint: %s)", cfg.Endpoint)
	}

	if err := ensureMinIOBucket(ctx, log, storageURI, cfg); err != nil {
		return nil, fmt.Errorf("failed to ensure MinIO bucket exists: %w", err)
	}
	return cfg, nil
}

// ensureMinIOBucket creates the storage bucket when pointed at a localhost
// MinIO, so dev environments work out of the box.
func ensureMinIOBucket(ctx context.Context, log *slog.Logger, storageURI string, cfg *S3Config) error {
	endpoint := strings.TrimPrefix(strings.TrimPrefix(cfg.Endpoint, "http://"), "https://")
	if !strings.HasPrefix(endpoint, "localhost") && !strings.HasPrefix(endpoint, "127.0.0.1") {
		return nil
	}

	bucket := strings.SplitN(strings.TrimPrefix(storageURI, "s3://"), "/", 2)[0]
	if bucket == "" {
		return nil
	}

	creds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(creds),
	)
	if err != nil {
		return fmt.Errorf("failed to create AWS config: %w", err)
	}

	endpointURL := cfg.Endpoint
	if !strings.HasPrefix(endpointURL, "http://") && !strings.HasPrefix(endpointURL, "https://") {
		endpointURL = "http://" + endpointURL
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = &endpointURL
		o.UsePathStyle = true
	})

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: &bucket}); err == nil {
		return nil
	}

	log.Info("creating MinIO bucket", "bucket", bucket, "endpoint", cfg.Endpoint)
	if _, err := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: &bucket}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
	}
	return nil
}

func envFirst(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}
