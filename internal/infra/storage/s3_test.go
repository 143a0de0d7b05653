package storage

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type fakePresignAPI struct {
	presignFn func(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*PresignedRequest, error)
}

func (f fakePresignAPI) PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*PresignedRequest, error) {
	return f.presignFn(ctx, params, optFns...)
}

func TestS3PresignerPassesBucketKeyAndExpiry(t *testing.T) {
	t.Parallel()

	var gotKey string
	var gotExpiry time.Duration
	p := &S3Presigner{
		bucket: "assets",
		api: fakePresignAPI{presignFn: func(_ context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*PresignedRequest, error) {
			if aws.ToString(params.Bucket) != "assets" {
				t.Fatalf("bucket = %s, want assets", aws.ToString(params.Bucket))
			}
			gotKey = aws.ToString(params.Key)
			var opts s3.PresignOptions
			for _, fn := range optFns {
				fn(&opts)
			}
			gotExpiry = opts.Expires
			return &PresignedRequest{URL: "https://assets.s3.amazonaws.com/" + gotKey + "?X-Amz-Signature=x"}, nil
		}},
	}

	url, err := p.PresignGet(context.Background(), "/products/p1/book.pdf", 72*time.Hour)
	if err != nil {
		t.Fatalf("PresignGet() error = %v", err)
	}
	if gotKey != "products/p1/book.pdf" {
		t.Fatalf("key = %s, want products/p1/book.pdf", gotKey)
	}
	if gotExpiry != 72*time.Hour {
		t.Fatalf("expiry = %v, want 72h", gotExpiry)
	}
	if url == "" {
		t.Fatal("expected a url")
	}
}

func TestS3PresignerRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	p := &S3Presigner{
		bucket: "assets",
		api: fakePresignAPI{presignFn: func(context.Context, *s3.GetObjectInput, ...func(*s3.PresignOptions)) (*PresignedRequest, error) {
			return nil, errors.New("boom")
		}},
	}

	if _, err := p.PresignGet(context.Background(), " ", time.Hour); err == nil {
		t.Fatal("expected error for empty key")
	}
	if _, err := p.PresignGet(context.Background(), "k", 0); err == nil {
		t.Fatal("expected error for zero ttl")
	}
	if _, err := p.PresignGet(context.Background(), "k", time.Hour); err == nil {
		t.Fatal("expected presign error to propagate")
	}
}

func TestNewS3PresignerSignsLocally(t *testing.T) {
	t.Parallel()

	cfg := aws.Config{
		Region:      "eu-central-1",
		Credentials: credentials.NewStaticCredentialsProvider("AKIDEXAMPLE", "secret", ""),
	}
	p, err := NewS3Presigner(cfg, S3Options{Bucket: "assets"})
	if err != nil {
		t.Fatalf("NewS3Presigner() error = %v", err)
	}

	url, err := p.PresignGet(context.Background(), "products/p1.zip", 10*time.Minute)
	if err != nil {
		t.Fatalf("PresignGet() error = %v", err)
	}
	if want := "X-Amz-Expires=600"; !strings.Contains(url, want) {
		t.Fatalf("url %s does not contain %s", url, want)
	}

	if _, err := NewS3Presigner(cfg, S3Options{}); err == nil {
		t.Fatal("expected error for missing bucket")
	}
}
