package secretstore

import (
	"encoding/base64"
	"fmt"

	"github.com/hashicorp/vault/shamir"
)

// MinShares is the smallest threshold accepted for splitting the server key.
const MinShares = 2

// SplitServerKey splits a raw server key into base64url shares, any
// threshold of which reconstruct it.
func SplitServerKey(key []byte, parts, threshold int) ([]string, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("key cannot be empty")
	}
	if threshold < MinShares {
		return nil, fmt.Errorf("threshold must be at least %d, got %d", MinShares, threshold)
	}
	if parts < threshold {
		return nil, fmt.Errorf("parts (%d) cannot be less than threshold (%d)", parts, threshold)
	}

	shares, err := shamir.Split(key, parts, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to split key with Shamir's Secret Sharing: %w", err)
	}

	encoded := make([]string, len(shares))
	for i, share := range shares {
		encoded[i] = base64.RawURLEncoding.EncodeToString(share)
	}
	return encoded, nil
}

// CombineServerKey reconstructs the raw server key from base64url shares.
// Shamir cannot detect a below-threshold set; the caller validates the result.
func CombineServerKey(shares []string) ([]byte, error) {
	if len(shares) < MinShares {
		return nil, fmt.Errorf("at least %d shares are required, got %d", MinShares, len(shares))
	}

	raw := make([][]byte, len(shares))
	for i, share := range shares {
		if share == "" {
			return nil, fmt.Errorf("share %d is empty", i)
		}
		b, err := base64.RawURLEncoding.DecodeString(share)
		if err != nil {
			return nil, fmt.Errorf("share %d: invalid encoding: %w", i, err)
		}
		raw[i] = b
	}

	key, err := shamir.Combine(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to combine shares: %w", err)
	}
	return key, nil
}
