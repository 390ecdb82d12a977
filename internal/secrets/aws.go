package secrets

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// AWSProvider resolves aws-sm://<arn-or-name> references from AWS
// Secrets Manager. The client is built lazily from the default
// credential chain on first use.
type AWSProvider struct {
	once   sync.Once
	client *secretsmanager.Client
	err    error
}

// NewAWSProvider creates an AWS Secrets Manager provider.
func NewAWSProvider() *AWSProvider { return &AWSProvider{} }

func (p *AWSProvider) Scheme() string { return "aws-sm" }

func (p *AWSProvider) Resolve(ctx context.Context, ref string) (string, error) {
	p.once.Do(func() {
		cfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			p.err = fmt.Errorf("load AWS config: %w", err)
			return
		}
		p.client = secretsmanager.NewFromConfig(cfg)
	})
	if p.err != nil {
		return "", p.err
	}

	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &ref,
	})
	if err != nil {
		return "", fmt.Errorf("get secret value: %w", err)
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("secret has no string value")
	}
	return *out.SecretString, nil
}
