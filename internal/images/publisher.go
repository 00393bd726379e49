package images

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

var ErrPublishDisabled = errors.New("image publishing disabled")

// Publisher stores a normalized image under key and returns its public URL.
type Publisher interface {
	Publish(ctx context.Context, key string, data []byte) (string, error)
}

// PutObjectAPI is the part of the S3 client the publisher needs.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3Config struct {
	Bucket    string
	Region    string
	CDNDomain string
	KeyPrefix string
	Timeout   time.Duration
}

type S3Publisher struct {
	client PutObjectAPI
	cfg    S3Config
}

func NewS3Publisher(client PutObjectAPI, cfg S3Config) *S3Publisher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &S3Publisher{client: client, cfg: cfg}
}

func (p *S3Publisher) Publish(ctx context.Context, key string, data []byte) (string, error) {
	if p.cfg.Bucket == "" {
		return "", ErrPublishDisabled
	}

	key = p.objectKey(key)

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	_, err := p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(p.cfg.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("image/jpeg"),
		CacheControl:  aws.String("max-age=31536000"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to put %s: %w", key, err)
	}

	return p.URL(key), nil
}

// URL is the CDN URL when a domain is configured, else the bucket URL.
func (p *S3Publisher) URL(key string) string {
	if p.cfg.CDNDomain != "" {
		return fmt.Sprintf("https://%s/%s", strings.TrimSuffix(p.cfg.CDNDomain, "/"), key)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", p.cfg.Bucket, p.cfg.Region, key)
}

func (p *S3Publisher) objectKey(key string) string {
	prefix := strings.Trim(p.cfg.KeyPrefix, "/")
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}
