package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"gocloud.dev/secrets"
	// Keeper drivers are opt-in; import the one you need in the binary, e.g.
	// _ "gocloud.dev/secrets/localsecrets"
)

// DefaultCacheTTL is how long decrypted credentials are reused before the file is read again.
const DefaultCacheTTL = 5 * time.Minute

// SecretProvider decrypts credentials stored as ciphertext in a file using a
// gocloud.dev secrets keeper (base64key://, awskms://, gcpkms://, hashivault:// ...).
type SecretProvider struct {
	keeper   *secrets.Keeper
	path     string
	cacheTTL time.Duration

	mu          sync.Mutex
	cachedCreds *Credentials
	cacheExpiry time.Time
	closed      bool
}

// SecretProviderOption configures a SecretProvider.
type SecretProviderOption func(*SecretProvider)

// WithCacheTTL sets how long decrypted credentials are cached. 0 disables caching.
func WithCacheTTL(ttl time.Duration) SecretProviderOption {
	return func(p *SecretProvider) {
		p.cacheTTL = ttl
	}
}

// NewSecretProvider opens the keeper at keeperURL and loads the ciphertext at path.
func NewSecretProvider(ctx context.Context, keeperURL, path string, opts ...SecretProviderOption) (*SecretProvider, error) {
	if keeperURL == "" {
		return nil, fmt.Errorf("secret keeper URL is required")
	}

	keeper, err := secrets.OpenKeeper(ctx, keeperURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open secret keeper: %w", err)
	}

	p := &SecretProvider{keeper: keeper, path: path, cacheTTL: DefaultCacheTTL}
	for _, opt := range opts {
		opt(p)
	}

	if _, err := p.GetCredentials(ctx); err != nil {
		keeper.Close()
		return nil, fmt.Errorf("failed to load initial credentials: %w", err)
	}
	return p, nil
}

// GetCredentials returns cached credentials or decrypts the file again.
func (p *SecretProvider) GetCredentials(ctx context.Context) (*Credentials, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrProviderClosed
	}

	if p.cachedCreds == nil || !time.Now().Before(p.cacheExpiry) {
		ciphertext, err := os.ReadFile(p.path)
		if err != nil {
			return nil, fmt.Errorf("failed to read secret: %w", err)
		}
		plaintext, err := p.keeper.Decrypt(ctx, ciphertext)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt secret: %w", err)
		}
		creds, err := decodeSecretData(plaintext)
		if err != nil {
			return nil, err
		}
		p.cachedCreds = creds
		p.cacheExpiry = time.Now().Add(p.cacheTTL)
	}

	if p.cachedCreds.IsExpired() {
		return nil, ErrCredentialsExpired
	}
	return p.cachedCreds, nil
}

// Type returns the type of the last loaded credentials.
func (p *SecretProvider) Type() CredentialType {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cachedCreds == nil {
		return ""
	}
	return p.cachedCreds.Type
}

// Close releases the keeper.
func (p *SecretProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	return p.keeper.Close()
}

// StoreCredentials encrypts creds with the keeper at keeperURL and writes the ciphertext to path.
func StoreCredentials(ctx context.Context, keeperURL, path string, creds *Credentials) error {
	if err := creds.Validate(); err != nil {
		return fmt.Errorf("invalid credentials: %w", err)
	}

	keeper, err := secrets.OpenKeeper(ctx, keeperURL)
	if err != nil {
		return fmt.Errorf("failed to open keeper: %w", err)
	}
	defer keeper.Close()

	plaintext, err := json.Marshal(SecretData{
		Credentials: creds,
		Version:     1,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}

	ciphertext, err := keeper.Encrypt(ctx, plaintext)
	if err != nil {
		return fmt.Errorf("failed to encrypt credentials: %w", err)
	}

	if err := os.WriteFile(path, ciphertext, 0o600); err != nil {
		return fmt.Errorf("failed to write secret: %w", err)
	}
	return nil
}
