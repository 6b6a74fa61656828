// Package commands implements the permitctl subcommands. Each Run function
// writes env-style output to w so it can be pasted into a .env file.
package commands

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/better-wallet/permit-signer/internal/keycustody"
	"github.com/better-wallet/permit-signer/internal/secretstore"
)

// RunKeygen generates a server X25519 key pair.
func RunKeygen(w io.Writer) error {
	priv, pub, err := keycustody.GenerateServerKey()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "# Public key (share with callers): %s\n", pub)
	fmt.Fprintf(w, "X25519_PRIVATE_KEY=%s\n", priv)
	return nil
}

// RunPubKey prints the public key of a base64url server private key.
func RunPubKey(w io.Writer, privateKey string) error {
	pub, err := keycustody.DerivePublicKey(strings.TrimSpace(privateKey))
	if err != nil {
		return fmt.Errorf("invalid server private key: %w", err)
	}
	fmt.Fprintln(w, pub)
	return nil
}

// RunSeal seals a hex signing key to a server public key, producing the
// encrypted_key value of a permit request.
func RunSeal(w io.Writer, serverPublicKey, signingKey string) error {
	signingKey = strings.TrimPrefix(strings.TrimSpace(signingKey), "0x")
	if signingKey == "" {
		return fmt.Errorf("signing key is required")
	}
	sealed, err := keycustody.SealSigningKey(strings.TrimSpace(serverPublicKey), signingKey)
	if err != nil {
		return fmt.Errorf("failed to seal signing key: %w", err)
	}
	fmt.Fprintln(w, sealed)
	return nil
}

// RunSplit splits a server private key into Shamir shares.
func RunSplit(w io.Writer, privateKey string, parts, threshold int) error {
	privateKey = strings.TrimSpace(privateKey)
	if _, err := keycustody.DerivePublicKey(privateKey); err != nil {
		return fmt.Errorf("invalid server private key: %w", err)
	}
	raw, err := base64.RawURLEncoding.DecodeString(privateKey)
	if err != nil {
		return fmt.Errorf("invalid server private key encoding: %w", err)
	}

	shares, err := secretstore.SplitServerKey(raw, parts, threshold)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "# %d of %d shares reconstruct the key. Distribute them separately.\n", threshold, parts)
	fmt.Fprintf(w, "SERVER_KEY_SOURCE=%s\n", secretstore.SourceShares)
	fmt.Fprintf(w, "X25519_PRIVATE_KEY_SHARES=%s\n", strings.Join(shares, ","))
	return nil
}

// RunEncrypt encrypts a server private key with a KMS provider.
func RunEncrypt(ctx context.Context, w io.Writer, provider secretstore.KMSProvider, privateKey string) error {
	envelope, err := secretstore.SealEnvelope(ctx, provider, strings.TrimSpace(privateKey))
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "SERVER_KEY_SOURCE=%s\n", provider.Provider())
	fmt.Fprintf(w, "X25519_PRIVATE_KEY_ENCRYPTED=%s\n", envelope)
	return nil
}

// RunHashAPIKey prints the bcrypt hash the server compares API keys against.
func RunHashAPIKey(w io.Writer, apiKey string, cost int) error {
	if apiKey == "" {
		return fmt.Errorf("api key is required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), cost)
	if err != nil {
		return fmt.Errorf("failed to hash api key: %w", err)
	}
	fmt.Fprintf(w, "API_KEY_HASH=%s\n", hash)
	return nil
}
