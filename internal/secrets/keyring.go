package secrets

import (
	"context"
	"fmt"

	"github.com/zalando/go-keyring"
)

// keyringService is the OS-keychain service name secrets are stored
// under (e.g. `security add-generic-password -s arazzo -a NAME`).
const keyringService = "arazzo"

// KeyringProvider resolves keyring://NAME references from the operating
// system keychain.
type KeyringProvider struct{}

// NewKeyringProvider creates an OS-keychain secret provider.
func NewKeyringProvider() *KeyringProvider { return &KeyringProvider{} }

func (p *KeyringProvider) Scheme() string { return "keyring" }

func (p *KeyringProvider) Resolve(_ context.Context, ref string) (string, error) {
	v, err := keyring.Get(keyringService, ref)
	if err != nil {
		return "", fmt.Errorf("keychain lookup: %w", err)
	}
	return v, nil
}
