// Package signer turns recovered key material into an EVM signing handle.
package signer

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/better-wallet/permit-signer/internal/permit"
)

// ErrClosed is returned when a closed signer is used.
var ErrClosed = errors.New("signer is closed")

// Signer holds one secp256k1 key for the lifetime of a request.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
}

// FromKeyMaterial parses hex key material (with or without 0x) for the given chain.
func FromKeyMaterial(material []byte, chainID *big.Int) (*Signer, error) {
	hexKey := strings.TrimPrefix(strings.TrimSpace(string(material)), "0x")
	key, err := ethcrypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return New(key, chainID), nil
}

// New wraps an existing private key.
func New(key *ecdsa.PrivateKey, chainID *big.Int) *Signer {
	s := &Signer{
		key:     key,
		address: ethcrypto.PubkeyToAddress(key.PublicKey),
	}
	if chainID != nil {
		s.chainID = new(big.Int).Set(chainID)
	}
	return s
}

// Address returns the signer's EVM address.
func (s *Signer) Address() common.Address {
	return s.address
}

// ChainID returns the chain the signer was bound to, or nil.
func (s *Signer) ChainID() *big.Int {
	if s.chainID == nil {
		return nil
	}
	return new(big.Int).Set(s.chainID)
}

// SignHash signs a pre-hashed 32-byte value. The recovery id is returned as
// 27/28, the form eth_signTypedData_v4 produces.
func (s *Signer) SignHash(hash common.Hash) ([]byte, error) {
	if s.key == nil {
		return nil, ErrClosed
	}
	sig, err := ethcrypto.Sign(hash.Bytes(), s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign hash: %w", err)
	}
	sig[ethcrypto.RecoveryIDOffset] += 27
	return sig, nil
}

// SignTypedData signs the EIP-712 digest of a permit payload.
func (s *Signer) SignTypedData(td *permit.TypedData) (common.Hash, []byte, error) {
	digest, err := td.Hash()
	if err != nil {
		return common.Hash{}, nil, err
	}
	sig, err := s.SignHash(digest)
	if err != nil {
		return common.Hash{}, nil, err
	}
	return digest, sig, nil
}

// Close zeroes the private scalar. The signer is unusable afterwards.
func (s *Signer) Close() {
	if s.key != nil && s.key.D != nil {
		s.key.D.SetInt64(0)
	}
	s.key = nil
}

// RecoverAddress returns the address that produced sig over hash.
func RecoverAddress(hash common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != ethcrypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", ethcrypto.SignatureLength, len(sig))
	}
	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[ethcrypto.RecoveryIDOffset] >= 27 {
		normalized[ethcrypto.RecoveryIDOffset] -= 27
	}
	pub, err := ethcrypto.SigToPub(hash.Bytes(), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}
