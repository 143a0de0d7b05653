package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Presigner produces time-limited GET URLs for stored assets.
type Presigner interface {
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

type presignAPI interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*PresignedRequest, error)
}

// PresignedRequest mirrors the fields of the SDK's presigned request we use.
type PresignedRequest struct {
	URL string
}

type sdkPresigner struct {
	client *s3.PresignClient
}

func (p sdkPresigner) PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*PresignedRequest, error) {
	req, err := p.client.PresignGetObject(ctx, params, optFns...)
	if err != nil {
		return nil, err
	}
	return &PresignedRequest{URL: req.URL}, nil
}

// S3Presigner signs GET requests for objects in a single bucket.
type S3Presigner struct {
	bucket string
	api    presignAPI
}

// S3Options configures the S3 client.
type S3Options struct {
	Bucket   string
	Endpoint string
	// PathStyle forces path-style addressing; buckets with dots always use it.
	PathStyle bool
}

func NewS3Presigner(cfg aws.Config, opts S3Options) (*S3Presigner, error) {
	if strings.TrimSpace(opts.Bucket) == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	usePathStyle := opts.PathStyle || strings.Contains(opts.Bucket, ".")
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = usePathStyle
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})

	return &S3Presigner{
		bucket: opts.Bucket,
		api:    sdkPresigner{client: s3.NewPresignClient(client)},
	}, nil
}

func (p *S3Presigner) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	key = strings.TrimPrefix(strings.TrimSpace(key), "/")
	if key == "" {
		return "", fmt.Errorf("storage key is required")
	}
	if ttl <= 0 {
		return "", fmt.Errorf("presign ttl must be positive")
	}

	req, err := p.api.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("failed to presign %s: %w", key, err)
	}
	return req.URL, nil
}
