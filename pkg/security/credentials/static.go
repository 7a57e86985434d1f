package credentials

import (
	"context"
	"fmt"
	"os"
	"time"
)

// StaticProvider provides credentials from a static value
// USE ONLY FOR DEVELOPMENT - NOT FOR PRODUCTION
type StaticProvider struct {
	creds *Credentials
}

// NewStaticTokenProvider creates a provider with a static token. A ttl of 0 never expires.
func NewStaticTokenProvider(token string, ttl time.Duration) *StaticProvider {
	var expiresAt *time.Time
	if ttl > 0 {
		exp := time.Now().Add(ttl)
		expiresAt = &exp
	}

	return &StaticProvider{
		creds: &Credentials{
			Type:      CredentialTypeToken,
			Token:     token,
			ExpiresAt: expiresAt,
			Metadata:  map[string]string{"provider": "static"},
		},
	}
}

// NewStaticUserPasswordProvider creates a provider with static username/password
func NewStaticUserPasswordProvider(user, password string) *StaticProvider {
	return &StaticProvider{
		creds: &Credentials{
			Type:     CredentialTypeUserPassword,
			User:     user,
			Password: password,
			Metadata: map[string]string{"provider": "static"},
		},
	}
}

func (p *StaticProvider) GetCredentials(ctx context.Context) (*Credentials, error) {
	if p.creds.IsExpired() {
		return nil, ErrCredentialsExpired
	}
	return p.creds, nil
}

func (p *StaticProvider) Type() CredentialType {
	return p.creds.Type
}

func (p *StaticProvider) Close() error {
	return nil
}

// EnvProvider reads credentials from environment variables on every call,
// so values injected at runtime are picked up.
type EnvProvider struct {
	tokenVar    string
	userVar     string
	passwordVar string
	credType    CredentialType
}

// NewEnvTokenProvider creates a provider that reads a token from tokenEnvVar.
func NewEnvTokenProvider(tokenEnvVar string) *EnvProvider {
	return &EnvProvider{
		tokenVar: tokenEnvVar,
		credType: CredentialTypeToken,
	}
}

// NewEnvUserPasswordProvider creates a provider that reads user/password from environment
func NewEnvUserPasswordProvider(userVar, passwordVar string) *EnvProvider {
	return &EnvProvider{
		userVar:     userVar,
		passwordVar: passwordVar,
		credType:    CredentialTypeUserPassword,
	}
}

func (p *EnvProvider) GetCredentials(ctx context.Context) (*Credentials, error) {
	switch p.credType {
	case CredentialTypeToken:
		token := os.Getenv(p.tokenVar)
		if token == "" {
			return nil, fmt.Errorf("environment variable %s not set", p.tokenVar)
		}
		return &Credentials{
			Type:     CredentialTypeToken,
			Token:    token,
			Metadata: map[string]string{"provider": "environment", "env_var": p.tokenVar},
		}, nil

	case CredentialTypeUserPassword:
		user := os.Getenv(p.userVar)
		password := os.Getenv(p.passwordVar)
		if user == "" || password == "" {
			return nil, fmt.Errorf("environment variables %s and %s must be set", p.userVar, p.passwordVar)
		}
		return &Credentials{
			Type:     CredentialTypeUserPassword,
			User:     user,
			Password: password,
			Metadata: map[string]string{"provider": "environment", "user_var": p.userVar},
		}, nil
	}

	return nil, fmt.Errorf("unsupported credential type: %s", p.credType)
}

func (p *EnvProvider) Type() CredentialType {
	return p.credType
}

func (p *EnvProvider) Close() error {
	return nil
}
