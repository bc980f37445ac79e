// Package blobstore provides the single blob-store abstraction through
// which report input shards, output-domain shards, and result shards are
// all addressed (spec §6), backed by an S3-compatible object store.
package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ryanuber/go-glob"

	"github.com/google/aggregation-service-worker/internal/config"
)

// Client is the blob store client interface used by every component that
// touches named storage locations.
type Client interface {
	PutObject(ctx context.Context, bucket, key string, reader io.Reader, metadata map[string]string) error
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, map[string]string, error)
	DeleteObject(ctx context.Context, bucket, key string) error
	HeadObject(ctx context.Context, bucket, key string) (map[string]string, error)
	ListObjects(ctx context.Context, bucket, prefix string, opts ListOptions) ([]ObjectInfo, error)
}

// ListOptions holds options for listing objects.
type ListOptions struct {
	Delimiter string
	Marker    string
	MaxKeys   int32
}

// ObjectInfo holds information about a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified string
	ETag         string
}

// client implements Client using AWS SDK v2, pointed at any S3-compatible
// provider via config.BackendConfig.
type client struct {
	sdk    *s3.Client
	config *config.BackendConfig
}

// NewClient creates a new blob store client for the given backend.
func NewClient(ctx context.Context, cfg *config.BackendConfig) (Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Options []func(*s3.Options)
	if cfg.Endpoint != "" && cfg.Provider != "aws" {
		s3Options = append(s3Options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
		awsCfg.BaseEndpoint = aws.String(cfg.Endpoint)
	}

	return &client{
		sdk:    s3.NewFromConfig(awsCfg, s3Options...),
		config: cfg,
	}, nil
}

func (c *client) PutObject(ctx context.Context, bucket, key string, reader io.Reader, metadata map[string]string) error {
	body, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("failed to read object data: %w", err)
	}

	_, err = c.sdk.PutObject(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(key),
		Body:     bytes.NewReader(body),
		Metadata: metadata,
	})
	if err != nil {
		return fmt.Errorf("failed to put object %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (c *client) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, map[string]string, error) {
	result, err := c.sdk.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get object %s/%s: %w", bucket, key, err)
	}
	return result.Body, extractMetadata(result.Metadata), nil
}

func (c *client) DeleteObject(ctx context.Context, bucket, key string) error {
	_, err := c.sdk.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (c *client) HeadObject(ctx context.Context, bucket, key string) (map[string]string, error) {
	result, err := c.sdk.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to head object %s/%s: %w", bucket, key, err)
	}
	return extractMetadata(result.Metadata), nil
}

func (c *client) ListObjects(ctx context.Context, bucket, prefix string, opts ListOptions) ([]ObjectInfo, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	}
	if opts.Delimiter != "" {
		input.Delimiter = aws.String(opts.Delimiter)
	}
	if opts.Marker != "" {
		input.ContinuationToken = aws.String(opts.Marker)
	}
	if opts.MaxKeys > 0 {
		input.MaxKeys = aws.Int32(opts.MaxKeys)
	}

	result, err := c.sdk.ListObjectsV2(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to list objects in bucket %s: %w", bucket, err)
	}

	objects := make([]ObjectInfo, 0, len(result.Contents))
	for _, obj := range result.Contents {
		objects = append(objects, ObjectInfo{
			Key:          aws.ToString(obj.Key),
			Size:         aws.ToInt64(obj.Size),
			LastModified: aws.ToTime(obj.LastModified).Format("2006-01-02T15:04:05.000Z"),
			ETag:         aws.ToString(obj.ETag),
		})
	}
	return objects, nil
}

func extractMetadata(metadata map[string]string) map[string]string {
	if metadata == nil {
		return make(map[string]string)
	}
	return metadata
}

// ListShards resolves the shard keys under {bucket, prefix}. When prefix
// contains glob metacharacters it lists the bucket's longest non-glob
// ancestor prefix and filters client-side with go-glob; otherwise it is a
// plain ListObjects prefix scan.
func ListShards(ctx context.Context, c Client, bucket, prefix string) ([]string, error) {
	listPrefix := prefix
	isGlob := containsGlobMeta(prefix)
	if isGlob {
		listPrefix = globLiteralPrefix(prefix)
	}

	objs, err := c.ListObjects(ctx, bucket, listPrefix, ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list shards under %s/%s: %w", bucket, prefix, err)
	}

	keys := make([]string, 0, len(objs))
	for _, o := range objs {
		if isGlob && !glob.Glob(prefix, o.Key) {
			continue
		}
		keys = append(keys, o.Key)
	}
	return keys, nil
}

func containsGlobMeta(s string) bool {
	for _, r := range s {
		if r == '*' || r == '?' {
			return true
		}
	}
	return false
}

func globLiteralPrefix(pattern string) string {
	for i, r := range pattern {
		if r == '*' || r == '?' {
			return pattern[:i]
		}
	}
	return pattern
}
