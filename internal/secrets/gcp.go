package secrets

import (
	"context"
	"fmt"
	"strings"
	"sync"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
)

// GCPProvider resolves gcp-sm://projects/<p>/secrets/<s>[/versions/<v>]
// references from Google Secret Manager. A reference without a version
// segment reads the latest version.
type GCPProvider struct {
	once   sync.Once
	client *secretmanager.Client
	err    error
}

// NewGCPProvider creates a Google Secret Manager provider.
func NewGCPProvider() *GCPProvider { return &GCPProvider{} }

func (p *GCPProvider) Scheme() string { return "gcp-sm" }

func (p *GCPProvider) Resolve(ctx context.Context, ref string) (string, error) {
	p.once.Do(func() {
		client, err := secretmanager.NewClient(ctx)
		if err != nil {
			p.err = fmt.Errorf("create secretmanager client: %w", err)
			return
		}
		p.client = client
	})
	if p.err != nil {
		return "", p.err
	}

	name := ref
	if !strings.Contains(name, "/versions/") {
		name += "/versions/latest"
	}

	out, err := p.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: name,
	})
	if err != nil {
		return "", fmt.Errorf("access secret version: %w", err)
	}
	return string(out.GetPayload().GetData()), nil
}
