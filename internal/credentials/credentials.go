// Package credentials supplies time-limited storage credentials to the
// mirror and image publishing steps. A failure here only disables the
// remote side for the current product.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
)

var ErrUnavailable = errors.New("storage credentials unavailable")

type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	CanExpire       bool
	Expires         time.Time
}

func (c Credentials) Expired(now time.Time) bool {
	return c.CanExpire && !now.Before(c.Expires)
}

// Provider returns current credentials, refreshing them as needed.
type Provider interface {
	Retrieve(ctx context.Context) (Credentials, error)
}

// Static always returns the same credentials. Empty keys are unavailable.
type Static Credentials

func (s Static) Retrieve(context.Context) (Credentials, error) {
	if s.AccessKeyID == "" || s.SecretAccessKey == "" {
		return Credentials{}, ErrUnavailable
	}
	return Credentials(s), nil
}

type AWSOptions struct {
	Region          string
	Profile         string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// AWSProvider resolves credentials through the SDK default chain (env,
// shared profile, SSO, instance role) behind a refreshing cache.
type AWSProvider struct {
	cfg   aws.Config
	cache *aws.CredentialsCache
}

func NewAWSProvider(ctx context.Context, opts AWSOptions) (*AWSProvider, error) {
	var loadOpts []func(*config.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	if opts.Profile != "" {
		loadOpts = append(loadOpts, config.WithSharedConfigProfile(opts.Profile))
	}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			awscreds.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, opts.SessionToken),
		))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return newAWSProvider(cfg), nil
}

func newAWSProvider(cfg aws.Config) *AWSProvider {
	p := &AWSProvider{cfg: cfg}
	if cfg.Credentials != nil {
		p.cache = aws.NewCredentialsCache(cfg.Credentials)
	}
	return p
}

func (p *AWSProvider) Retrieve(ctx context.Context) (Credentials, error) {
	if p.cache == nil {
		return Credentials{}, ErrUnavailable
	}

	creds, err := p.cache.Retrieve(ctx)
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !creds.HasKeys() {
		return Credentials{}, ErrUnavailable
	}

	return Credentials{
		AccessKeyID:     creds.AccessKeyID,
		SecretAccessKey: creds.SecretAccessKey,
		SessionToken:    creds.SessionToken,
		CanExpire:       creds.CanExpire,
		Expires:         creds.Expires,
	}, nil
}

// Config returns the SDK config with credentials routed through p, for
// building S3 and DynamoDB clients.
func (p *AWSProvider) Config() aws.Config {
	cfg := p.cfg.Copy()
	cfg.Credentials = AWSAdapter{Provider: p}
	return cfg
}

// AWSAdapter exposes a Provider as an SDK credentials provider.
type AWSAdapter struct {
	Provider Provider
}

func (a AWSAdapter) Retrieve(ctx context.Context) (aws.Credentials, error) {
	creds, err := a.Provider.Retrieve(ctx)
	if err != nil {
		return aws.Credentials{}, err
	}
	return aws.Credentials{
		AccessKeyID:     creds.AccessKeyID,
		SecretAccessKey: creds.SecretAccessKey,
		SessionToken:    creds.SessionToken,
		Source:          "product-harvester",
		CanExpire:       creds.CanExpire,
		Expires:         creds.Expires,
	}, nil
}
