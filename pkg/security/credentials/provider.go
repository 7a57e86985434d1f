// Package credentials supplies the secrets used to authenticate against the event bus.
//
// Secrets can come from a static value (development), environment variables, or an
// encrypted file opened through a gocloud.dev/secrets keeper:
//
//	provider, err := credentials.NewSecretProvider(ctx, "base64key://...", "/etc/subscriptions/nats.enc")
//	creds, err := provider.GetCredentials(ctx)
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCredentialsExpired is returned when credentials have expired
	ErrCredentialsExpired = errors.New("credentials expired")

	// ErrInvalidCredentials is returned when credentials are malformed
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrProviderClosed is returned when attempting to use a closed provider
	ErrProviderClosed = errors.New("provider is closed")
)

// CredentialType defines the type of credential
type CredentialType string

const (
	// CredentialTypeToken represents a simple bearer token
	CredentialTypeToken CredentialType = "token"

	// CredentialTypeUserPassword represents username/password authentication
	CredentialTypeUserPassword CredentialType = "user_password"
)

// Credentials represents authentication credentials with metadata
type Credentials struct {
	Type     CredentialType `json:"type"`
	Token    string         `json:"token,omitempty"`
	User     string         `json:"user,omitempty"`
	Password string         `json:"password,omitempty"`

	// ExpiresAt indicates when credentials expire (optional)
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// IsExpired checks if the credentials have expired
func (c *Credentials) IsExpired() bool {
	if c.ExpiresAt == nil {
		return false
	}
	return time.Now().After(*c.ExpiresAt)
}

// Validate ensures credentials are well-formed for their type
func (c *Credentials) Validate() error {
	switch c.Type {
	case "":
		return fmt.Errorf("%w: type is required", ErrInvalidCredentials)
	case CredentialTypeToken:
		if c.Token == "" {
			return fmt.Errorf("%w: token is required", ErrInvalidCredentials)
		}
	case CredentialTypeUserPassword:
		if c.User == "" || c.Password == "" {
			return fmt.Errorf("%w: user and password are required", ErrInvalidCredentials)
		}
	default:
		return fmt.Errorf("%w: unsupported type %q", ErrInvalidCredentials, c.Type)
	}
	return nil
}

// Redacted returns a copy that is safe to log.
func (c Credentials) Redacted() Credentials {
	if c.Token != "" {
		c.Token = "***"
	}
	if c.Password != "" {
		c.Password = "***"
	}
	return c
}

// Provider defines the interface for credential providers
type Provider interface {
	// GetCredentials retrieves the current credentials
	GetCredentials(ctx context.Context) (*Credentials, error)

	// Type returns the credential type this provider manages
	Type() CredentialType

	// Close releases any resources held by the provider
	Close() error
}

// SecretData represents the structure stored in the secret backend
type SecretData struct {
	Credentials *Credentials      `json:"credentials"`
	Version     int               `json:"version"`
	CreatedAt   time.Time         `json:"created_at"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func decodeSecretData(plaintext []byte) (*Credentials, error) {
	var secretData SecretData
	if err := json.Unmarshal(plaintext, &secretData); err != nil {
		return nil, fmt.Errorf("failed to unmarshal secret data: %w", err)
	}
	if secretData.Credentials == nil {
		return nil, fmt.Errorf("%w: secret holds no credentials", ErrInvalidCredentials)
	}
	if err := secretData.Credentials.Validate(); err != nil {
		return nil, fmt.Errorf("invalid credentials in secret: %w", err)
	}
	return secretData.Credentials, nil
}
