package storage

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	apperrors "github.com/better-wallet/permit-signer/pkg/errors"
)

// PermitRecord is the audit row for an issued permit. It holds no key
// material and no signature.
type PermitRecord struct {
	ID           uuid.UUID `json:"id"`
	NetworkID    int64     `json:"network_id"`
	Nonce        *big.Int  `json:"nonce"`
	IssueID      string    `json:"issue_id"`
	UserID       int64     `json:"user_id"`
	TokenAddress string    `json:"token_address"`
	Amount       *big.Int  `json:"amount"`
	Spender      string    `json:"spender"`
	Signer       string    `json:"signer"`
	IssueCount   int       `json:"issue_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Validate checks the fields Create relies on
func (r *PermitRecord) Validate() error {
	switch {
	case r.NetworkID <= 0:
		return fmt.Errorf("network_id must be positive")
	case r.Nonce == nil || r.Nonce.Sign() < 0:
		return fmt.Errorf("nonce must be a non-negative integer")
	case r.Amount == nil || r.Amount.Sign() < 0:
		return fmt.Errorf("amount must be a non-negative integer")
	case r.IssueID == "":
		return fmt.Errorf("issue_id is required")
	case r.TokenAddress == "" || r.Spender == "" || r.Signer == "":
		return fmt.Errorf("token_address, spender and signer are required")
	}
	return nil
}

// PermitRepo handles issued permit persistence
type PermitRepo struct {
	db DBTX
}

// NewPermitRepo creates a new permit repository
func NewPermitRepo(db DBTX) *PermitRepo {
	return &PermitRepo{db: db}
}

// Create records an issued permit. Re-issuing the same (network, nonce)
// updates the row and bumps issue_count, since the contract spends a nonce once.
func (r *PermitRepo) Create(ctx context.Context, rec *PermitRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid permit record: %w", err)
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}

	err := r.db.QueryRow(ctx, `
		INSERT INTO issued_permits (
			id, network_id, nonce, issue_id, user_id, token_address, amount, spender, signer
		) VALUES ($1, $2, $3::numeric, $4, $5, $6, $7::numeric, $8, $9)
		ON CONFLICT (network_id, nonce) DO UPDATE SET
			amount = EXCLUDED.amount,
			spender = EXCLUDED.spender,
			signer = EXCLUDED.signer,
			issue_count = issued_permits.issue_count + 1,
			updated_at = NOW()
		RETURNING id, issue_count, created_at, updated_at
	`,
		rec.ID,
		rec.NetworkID,
		rec.Nonce.String(),
		rec.IssueID,
		rec.UserID,
		rec.TokenAddress,
		rec.Amount.String(),
		rec.Spender,
		rec.Signer,
	).Scan(&rec.ID, &rec.IssueCount, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to record permit: %w", err)
	}
	return nil
}

// GetByNonce fetches the permit issued on a network for a nonce
func (r *PermitRepo) GetByNonce(ctx context.Context, networkID int64, nonce *big.Int) (*PermitRecord, error) {
	if nonce == nil {
		return nil, apperrors.ErrNotFound
	}

	var (
		rec        PermitRecord
		nonceText  string
		amountText string
	)
	err := r.db.QueryRow(ctx, `
		SELECT id, network_id, nonce::text, issue_id, user_id, token_address, amount::text,
		       spender, signer, issue_count, created_at, updated_at
		FROM issued_permits
		WHERE network_id = $1 AND nonce = $2::numeric
	`, networkID, nonce.String()).Scan(
		&rec.ID,
		&rec.NetworkID,
		&nonceText,
		&rec.IssueID,
		&rec.UserID,
		&rec.TokenAddress,
		&amountText,
		&rec.Spender,
		&rec.Signer,
		&rec.IssueCount,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load permit: %w", err)
	}

	var ok bool
	if rec.Nonce, ok = new(big.Int).SetString(nonceText, 10); !ok {
		return nil, fmt.Errorf("corrupt nonce %q", nonceText)
	}
	if rec.Amount, ok = new(big.Int).SetString(amountText, 10); !ok {
		return nil, fmt.Errorf("corrupt amount %q", amountText)
	}
	return &rec, nil
}
