// Package keycustody recovers per-request signing keys from sealed boxes
// addressed to the service's static X25519 key pair.
//
// Cipher texts are libsodium crypto_box_seal compatible: an anonymous sender
// seals to the server public key, only the holder of the server private key
// can open them. The construction authenticates the receiver only; the sender
// identity has to come from the transport that delivered the cipher text.
package keycustody

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"

	"github.com/better-wallet/permit-signer/internal/logger"
)

// KeyPrefix tags plaintext signing keys inside sealed boxes.
const KeyPrefix = "HSK_"

// KeySize is the size of X25519 scalars and points.
const KeySize = curve25519.ScalarSize

// encoding is the wire encoding for keys and cipher texts: URL-safe base64 without padding.
var encoding = base64.RawURLEncoding

// Custody opens sealed signing keys with the server private key.
// It holds no mutable state and is safe for concurrent use.
type Custody struct {
	serverPrivateKey logger.Secret
}

// New creates a Custody for the given base64url server private key.
// An empty key is accepted; every Recover call then reports Absent.
func New(serverPrivateKey string) *Custody {
	return &Custody{serverPrivateKey: logger.Secret(serverPrivateKey)}
}

// RecoveredKey is a signing key opened from a sealed box. It is owned by the
// request that recovered it and must be destroyed when the request ends.
type RecoveredKey struct {
	material        []byte
	serverPublicKey string
}

// Material returns the signing key bytes with the prefix tag removed.
// The slice aliases the key buffer and is zeroed by Destroy.
func (k *RecoveredKey) Material() []byte {
	return k.material
}

// ServerPublicKey returns the base64url public key the box was sealed to.
func (k *RecoveredKey) ServerPublicKey() string {
	return k.serverPublicKey
}

// Destroy zeroes the key material.
func (k *RecoveredKey) Destroy() {
	if k == nil {
		return
	}
	for i := range k.material {
		k.material[i] = 0
	}
	k.material = nil
}

// String never prints key material.
func (k *RecoveredKey) String() string {
	return logger.RedactedValue
}

// PublicKey derives the server public key. ok is false when no usable
// private key is configured.
func (c *Custody) PublicKey() (string, bool) {
	if c.serverPrivateKey == "" {
		return "", false
	}
	pub, err := DerivePublicKey(string(c.serverPrivateKey))
	if err != nil {
		return "", false
	}
	return pub, true
}

// Recover opens cipherText and returns the signing key it carries.
//
// The result is all-or-nothing: on any failure (missing configuration, bad
// encoding, wrong key pair, tampered box) it returns nil, false and logs a
// warning that never includes the cipher text, key material or failure cause.
func (c *Custody) Recover(ctx context.Context, cipherText string) (*RecoveredKey, bool) {
	if c.serverPrivateKey == "" {
		logger.Warn(ctx, "server private key is not configured")
		return nil, false
	}

	serverPublic, ok := c.PublicKey()
	if !ok {
		logger.Warn(ctx, "server public key could not be derived")
		return nil, false
	}

	if len(cipherText) == 0 {
		logger.Warn(ctx, "no cipher text was provided")
		return nil, false
	}

	material, err := open(serverPublic, string(c.serverPrivateKey), cipherText)
	if err != nil {
		logger.Warn(ctx, "sealed key could not be opened")
		return nil, false
	}

	return &RecoveredKey{material: material, serverPublicKey: serverPublic}, true
}

func open(publicKeyB64, privateKeyB64, cipherTextB64 string) ([]byte, error) {
	publicKey, err := decodeKey(publicKeyB64)
	if err != nil {
		return nil, err
	}
	privateKey, err := decodeKey(privateKeyB64)
	if err != nil {
		return nil, err
	}
	defer zero(privateKey[:])

	sealed, err := encoding.DecodeString(cipherTextB64)
	if err != nil {
		return nil, fmt.Errorf("decode cipher text: %w", err)
	}

	plaintext, ok := box.OpenAnonymous(nil, sealed, publicKey, privateKey)
	if !ok {
		return nil, fmt.Errorf("open sealed box")
	}

	material := stripKeyPrefix(plaintext)
	if len(material) == 0 {
		return nil, fmt.Errorf("sealed box carried no key")
	}
	return material, nil
}

// stripKeyPrefix copies the key material out of plaintext and zeroes plaintext.
func stripKeyPrefix(plaintext []byte) []byte {
	trimmed := bytes.TrimPrefix(plaintext, []byte(KeyPrefix))
	material := make([]byte, len(trimmed))
	copy(material, trimmed)
	zero(plaintext)
	return material
}

// DerivePublicKey multiplies the private scalar with the curve base point.
func DerivePublicKey(privateKeyB64 string) (string, error) {
	priv, err := encoding.DecodeString(privateKeyB64)
	if err != nil {
		return "", fmt.Errorf("decode private key: %w", err)
	}
	defer zero(priv)

	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return "", fmt.Errorf("derive public key: %w", err)
	}
	return encoding.EncodeToString(pub), nil
}

// GenerateServerKey creates a fresh server key pair, both halves base64url encoded.
func GenerateServerKey() (privateKey, publicKey string, err error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generate key pair: %w", err)
	}
	defer zero(priv[:])
	return encoding.EncodeToString(priv[:]), encoding.EncodeToString(pub[:]), nil
}

// Seal encrypts plaintext to a base64url server public key.
func Seal(publicKeyB64 string, plaintext []byte) (string, error) {
	publicKey, err := decodeKey(publicKeyB64)
	if err != nil {
		return "", err
	}
	sealed, err := box.SealAnonymous(nil, plaintext, publicKey, rand.Reader)
	if err != nil {
		return "", fmt.Errorf("seal: %w", err)
	}
	return encoding.EncodeToString(sealed), nil
}

// SealSigningKey tags a signing key with KeyPrefix and seals it.
func SealSigningKey(publicKeyB64, signingKey string) (string, error) {
	return Seal(publicKeyB64, []byte(KeyPrefix+signingKey))
}

func decodeKey(s string) (*[KeySize]byte, error) {
	raw, err := encoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	defer zero(raw)
	if len(raw) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(raw))
	}
	var key [KeySize]byte
	copy(key[:], raw)
	return &key, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
