package app

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/better-wallet/permit-signer/internal/chain"
	"github.com/better-wallet/permit-signer/internal/keycustody"
	"github.com/better-wallet/permit-signer/internal/logger"
	"github.com/better-wallet/permit-signer/internal/nonce"
	"github.com/better-wallet/permit-signer/internal/permit"
	"github.com/better-wallet/permit-signer/internal/signer"
	"github.com/better-wallet/permit-signer/internal/storage"
	apperrors "github.com/better-wallet/permit-signer/pkg/errors"
)

// Network is chain connectivity for one network id.
type Network interface {
	chain.DecimalsReader
	ChainID() *big.Int
}

// ChainProvider selects connectivity for a network id
type ChainProvider interface {
	Provider(ctx context.Context, networkID int64) (Network, error)
}

// KeyRecoverer opens sealed signing keys. *keycustody.Custody satisfies it.
type KeyRecoverer interface {
	Recover(ctx context.Context, cipherText string) (*keycustody.RecoveredKey, bool)
}

// TokenMetadata resolves token decimals. *chain.TokenMetadata satisfies it.
type TokenMetadata interface {
	Decimals(ctx context.Context, reader chain.DecimalsReader, token common.Address) (uint8, error)
}

// SignerFactory builds a signing handle from recovered key material.
type SignerFactory func(material []byte, network Network) (*signer.Signer, error)

// PermitRecorder persists the audit row of an issued permit.
// *storage.PermitRepo satisfies it.
type PermitRecorder interface {
	Create(ctx context.Context, rec *storage.PermitRecord) error
}

// Observer receives pipeline metrics. *metrics.Metrics satisfies it.
type Observer interface {
	PermitBuilt(networkID int64)
	KeyAbsent()
	ObserveBuild(outcome string, d time.Duration)
}

// DefaultSignerFactory parses hex key material and binds it to the network's chain id.
func DefaultSignerFactory(material []byte, network Network) (*signer.Signer, error) {
	return signer.FromKeyMaterial(material, network.ChainID())
}

// RegistryProvider adapts *chain.Registry to ChainProvider.
type RegistryProvider struct {
	Registry *chain.Registry
}

// Provider returns the registry's client for networkID
func (p RegistryProvider) Provider(ctx context.Context, networkID int64) (Network, error) {
	client, err := p.Registry.Provider(ctx, networkID)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// BuildPermitRequest carries everything needed to issue one permit
type BuildPermitRequest struct {
	WalletAddress string
	IssueID       string
	NetworkID     int64
	EncryptedKey  string
	UserID        int64
	TokenAddress  common.Address
	Amount        string
}

// Bundle is a built, unsigned permit and the signer that will sign it
type Bundle struct {
	Signer    *signer.Signer
	Permit    *permit.PermitTransferFrom
	TypedData *permit.TypedData
	NetworkID int64
}

// SignedPermit is the EIP-712 digest and its 65-byte r||s||v signature
type SignedPermit struct {
	Digest    common.Hash
	Signature []byte
}

// Sign signs the bundle's typed data with its signer.
func (b *Bundle) Sign(ctx context.Context) (*SignedPermit, error) {
	digest, sig, err := b.Signer.SignTypedData(b.TypedData)
	if err != nil {
		return nil, fmt.Errorf("failed to sign permit: %w", err)
	}
	logger.Debug(ctx, "permit signed", "signer", b.Signer.Address().Hex(), "digest", digest.Hex())
	return &SignedPermit{Digest: digest, Signature: sig}, nil
}

// Close releases the signing key
func (b *Bundle) Close() {
	if b != nil && b.Signer != nil {
		b.Signer.Close()
	}
}

// PermitService builds Permit2 signature-transfer bundles
type PermitService struct {
	chains    ChainProvider
	custody   KeyRecoverer
	metadata  TokenMetadata
	newSigner SignerFactory
	recorder  PermitRecorder
	observer  Observer
}

// PermitServiceOption configures optional collaborators
type PermitServiceOption func(*PermitService)

// WithSignerFactory replaces DefaultSignerFactory
func WithSignerFactory(f SignerFactory) PermitServiceOption {
	return func(s *PermitService) { s.newSigner = f }
}

// WithRecorder enables the issued permit audit log
func WithRecorder(r PermitRecorder) PermitServiceOption {
	return func(s *PermitService) { s.recorder = r }
}

// WithObserver attaches metrics
func WithObserver(o Observer) PermitServiceOption {
	return func(s *PermitService) { s.observer = o }
}

// NewPermitService creates a new permit service
func NewPermitService(chains ChainProvider, custody KeyRecoverer, metadata TokenMetadata, opts ...PermitServiceOption) *PermitService {
	s := &PermitService{
		chains:    chains,
		custody:   custody,
		metadata:  metadata,
		newSigner: DefaultSignerFactory,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// BuildPermitBundle recovers the signing key, resolves token decimals and
// builds the permit and its typed data. A missing wallet address fails before
// any cryptographic work. An unrecoverable key fails with key_unavailable and
// no further detail. The caller owns the returned bundle and must Close it.
func (s *PermitService) BuildPermitBundle(ctx context.Context, req BuildPermitRequest) (bundle *Bundle, err error) {
	start := time.Now()
	defer func() { s.observe(err, time.Since(start)) }()

	if strings.TrimSpace(req.WalletAddress) == "" {
		logger.Error(ctx, "permit generation failed: wallet not found", "issue_id", req.IssueID, "user_id", req.UserID)
		return nil, apperrors.WalletNotFound(req.IssueID)
	}
	if !common.IsHexAddress(req.WalletAddress) {
		return nil, apperrors.SchemaValidation("wallet_address", "must be a 20-byte hex address")
	}
	spender := common.HexToAddress(req.WalletAddress)

	network, err := s.chains.Provider(ctx, req.NetworkID)
	if err != nil {
		return nil, fmt.Errorf("failed to select provider for network %d: %w", req.NetworkID, err)
	}

	key, ok := s.custody.Recover(ctx, req.EncryptedKey)
	if !ok {
		if s.observer != nil {
			s.observer.KeyAbsent()
		}
		return nil, apperrors.KeyUnavailable()
	}
	defer key.Destroy()

	sgn, err := s.newSigner(key.Material(), network)
	if err != nil {
		logger.Warn(ctx, "recovered key is not a usable signing key")
		if s.observer != nil {
			s.observer.KeyAbsent()
		}
		return nil, apperrors.KeyUnavailable()
	}
	defer func() {
		if err != nil {
			sgn.Close()
		}
	}()

	decimals, err := s.metadata.Decimals(ctx, network, req.TokenAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve token decimals: %w", err)
	}

	permitNonce := nonce.Derive(req.UserID, req.IssueID)

	p, td, err := permit.Build(permit.Params{
		Token:    req.TokenAddress,
		Amount:   req.Amount,
		Decimals: decimals,
		Spender:  spender,
		Nonce:    permitNonce,
		ChainID:  network.ChainID(),
	})
	if err != nil {
		if isAmountError(err) {
			return nil, apperrors.InvalidAmount(req.Amount, err)
		}
		return nil, fmt.Errorf("failed to build permit: %w", err)
	}

	if s.recorder != nil {
		rec := &storage.PermitRecord{
			NetworkID:    req.NetworkID,
			Nonce:        p.Nonce,
			IssueID:      req.IssueID,
			UserID:       req.UserID,
			TokenAddress: req.TokenAddress.Hex(),
			Amount:       p.Permitted.Amount,
			Spender:      spender.Hex(),
			Signer:       sgn.Address().Hex(),
		}
		if err = s.recorder.Create(ctx, rec); err != nil {
			return nil, fmt.Errorf("failed to record permit: %w", err)
		}
	}

	if s.observer != nil {
		s.observer.PermitBuilt(req.NetworkID)
	}
	logger.Info(ctx, "permit built",
		"network_id", req.NetworkID,
		"issue_id", req.IssueID,
		"user_id", req.UserID,
		"signer", sgn.Address().Hex(),
		"token", req.TokenAddress.Hex(),
		"amount", permit.FormatUnits(p.Permitted.Amount, decimals),
		"decimals", decimals,
	)

	return &Bundle{
		Signer:    sgn,
		Permit:    p,
		TypedData: td,
		NetworkID: req.NetworkID,
	}, nil
}

func (s *PermitService) observe(err error, d time.Duration) {
	if s.observer == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = apperrors.ErrCodeInternalError
		if appErr, ok := apperrors.IsAppError(err); ok {
			outcome = appErr.Code
		}
	}
	s.observer.ObserveBuild(outcome, d)
}

func isAmountError(err error) bool {
	return errors.Is(err, permit.ErrInvalidAmount) ||
		errors.Is(err, permit.ErrFractionalPrecision) ||
		errors.Is(err, permit.ErrAmountOverflow)
}
