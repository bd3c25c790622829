// Package storage publishes finished zipballs beyond the local output directory.
package storage

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"zipball-packager/internal/config"
)

// Publisher makes a finished zipball available and returns where it lives.
type Publisher interface {
	Publish(ctx context.Context, localPath string) (string, error)
}

// New picks the S3 publisher when a bucket is configured, the local one otherwise.
func New(ctx context.Context, cfg config.Config) (Publisher, error) {
	if cfg.ArtifactS3Bucket == "" {
		return Local{}, nil
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &S3Publisher{client: client, bucket: cfg.ArtifactS3Bucket, prefix: cfg.ArtifactS3Prefix}, nil
}

// Local leaves the zipball in the output directory.
type Local struct{}

func (Local) Publish(_ context.Context, localPath string) (string, error) {
	if _, err := os.Stat(localPath); err != nil {
		return "", fmt.Errorf("publish: %w", err)
	}
	return localPath, nil
}

// S3Publisher mirrors zipballs to s3://bucket/prefix/<name>.
type S3Publisher struct {
	client *s3.Client
	bucket string
	prefix string
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ArtifactS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ArtifactS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ArtifactS3Endpoint)
		}
		o.UsePathStyle = cfg.ArtifactS3PathStyle
	}), nil
}

func (p *S3Publisher) key(localPath string) string {
	name := filepath.Base(localPath)
	prefix := strings.Trim(p.prefix, "/")
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}

func (p *S3Publisher) Publish(ctx context.Context, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("publish: %w", err)
	}
	defer f.Close()

	key := p.key(localPath)
	_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String("application/zip"),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", p.bucket, key), nil
}
