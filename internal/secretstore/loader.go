package secretstore

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/better-wallet/permit-signer/internal/keycustody"
	"github.com/better-wallet/permit-signer/internal/logger"
)

// Source selects where the server's X25519 private key comes from.
type Source string

const (
	// SourceEnv reads the base64url key directly from configuration.
	SourceEnv Source = "env"
	// SourceLocal decrypts an envelope with the local AES-GCM master key.
	SourceLocal Source = "local"
	// SourceAWSKMS decrypts an envelope with AWS KMS.
	SourceAWSKMS Source = "aws-kms"
	// SourceVault decrypts an envelope with Vault Transit.
	SourceVault Source = "vault"
	// SourceShares combines Shamir shares.
	SourceShares Source = "shares"
)

// Config describes how to obtain the server key.
type Config struct {
	Source Source

	// PlainKey is the base64url key for SourceEnv.
	PlainKey string

	// EncryptedKey is the KMS envelope. Standard base64 for local and
	// aws-kms, the "vault:v1:..." ciphertext for vault.
	EncryptedKey string

	// Shares are base64url Shamir shares for SourceShares.
	Shares []string

	KMS KMSConfig
}

// LoadServerKey resolves the server key. An env source with no key yields ""
// so the service can still start; every permit request then reports the key
// as unavailable. Any other misconfiguration is an error.
func LoadServerKey(ctx context.Context, cfg Config) (string, error) {
	switch cfg.Source {
	case SourceEnv, "":
		key := strings.TrimSpace(cfg.PlainKey)
		if key == "" {
			logger.Warn(ctx, "server private key is not configured; permit requests will fail")
			return "", nil
		}
		return validate(key)

	case SourceLocal, SourceAWSKMS, SourceVault:
		provider, err := newProvider(ctx, cfg)
		if err != nil {
			return "", err
		}
		return LoadEnvelope(ctx, provider, cfg.EncryptedKey)

	case SourceShares:
		raw, err := CombineServerKey(cfg.Shares)
		if err != nil {
			return "", err
		}
		defer zero(raw)
		return validate(base64.RawURLEncoding.EncodeToString(raw))

	default:
		return "", fmt.Errorf("unsupported server key source: %q", cfg.Source)
	}
}

// LoadEnvelope decrypts an encrypted server key with the given provider.
func LoadEnvelope(ctx context.Context, provider KMSProvider, envelope string) (string, error) {
	envelope = strings.TrimSpace(envelope)
	if envelope == "" {
		return "", fmt.Errorf("encrypted server key is required for source %s", provider.Provider())
	}

	ciphertext, err := decodeEnvelope(provider, envelope)
	if err != nil {
		return "", err
	}

	plaintext, err := provider.Decrypt(ctx, ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt server key: %w", err)
	}
	defer zero(plaintext)

	logger.Info(ctx, "server key loaded", "provider", provider.Provider())
	return validate(strings.TrimSpace(string(plaintext)))
}

// SealEnvelope encrypts a server key for storage in configuration. It is the
// inverse of LoadEnvelope.
func SealEnvelope(ctx context.Context, provider KMSProvider, serverKey string) (string, error) {
	if _, err := validate(serverKey); err != nil {
		return "", err
	}

	ciphertext, err := provider.Encrypt(ctx, []byte(serverKey))
	if err != nil {
		return "", fmt.Errorf("failed to encrypt server key: %w", err)
	}

	if KMSProviderType(provider.Provider()) == KMSProviderVault {
		return string(ciphertext), nil
	}
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func newProvider(ctx context.Context, cfg Config) (KMSProvider, error) {
	kmsCfg := cfg.KMS
	kmsCfg.Provider = string(cfg.Source)

	provider, err := NewKMSProvider(ctx, &kmsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize %s provider: %w", cfg.Source, err)
	}
	return provider, nil
}

func decodeEnvelope(provider KMSProvider, envelope string) ([]byte, error) {
	if KMSProviderType(provider.Provider()) == KMSProviderVault {
		return []byte(envelope), nil
	}

	ciphertext, err := base64.StdEncoding.DecodeString(envelope)
	if err != nil {
		return nil, fmt.Errorf("encrypted server key must be base64 encoded: %w", err)
	}
	return ciphertext, nil
}

// validate checks that key decodes to a usable X25519 private key.
func validate(key string) (string, error) {
	if _, err := keycustody.DerivePublicKey(key); err != nil {
		return "", fmt.Errorf("invalid server private key: %w", err)
	}
	return key, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
