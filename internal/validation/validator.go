// Package validation checks the shape of permit requests before any key
// material is touched.
package validation

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"unicode"

	"github.com/ethereum/go-ethereum/common"
)

// MaxIssueIDLength bounds issue ids; they end up in the nonce preimage and the audit log.
const MaxIssueIDLength = 256

// EthereumAddressPattern is the regex pattern for Ethereum addresses
var EthereumAddressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// FieldError names the request field that failed validation
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// ValidateEthereumAddress validates an Ethereum address format
func ValidateEthereumAddress(address string) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	if !EthereumAddressPattern.MatchString(address) {
		return fmt.Errorf("invalid Ethereum address format: must be 0x followed by 40 hex characters")
	}

	if common.HexToAddress(address) == (common.Address{}) {
		return fmt.Errorf("zero address is not allowed")
	}

	return nil
}

// ValidateNetworkID validates a network id
func ValidateNetworkID(networkID int64) error {
	if networkID <= 0 {
		return fmt.Errorf("network id must be positive")
	}
	return nil
}

// ValidateIssueID validates an issue id: non-empty, bounded and printable.
func ValidateIssueID(issueID string) error {
	if strings.TrimSpace(issueID) == "" {
		return fmt.Errorf("issue id cannot be empty")
	}
	if len(issueID) > MaxIssueIDLength {
		return fmt.Errorf("issue id too long: %d bytes > %d bytes max", len(issueID), MaxIssueIDLength)
	}
	for _, r := range issueID {
		if unicode.IsControl(r) {
			return fmt.Errorf("issue id contains control characters")
		}
	}
	return nil
}

// ValidateUserID validates a user id
func ValidateUserID(userID int64) error {
	if userID < 0 {
		return fmt.Errorf("user id cannot be negative")
	}
	return nil
}

// ValidateNonce parses a decimal permit nonce
func ValidateNonce(nonce string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(nonce, 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("nonce must be a non-negative decimal integer")
	}
	if n.Cmp(maxUint256) > 0 {
		return nil, fmt.Errorf("nonce exceeds 256 bits")
	}
	return n, nil
}

// PermitRequest is the request shape checked by ValidatePermitRequest.
// The wallet address, sealed key and amount are left to the permit pipeline,
// which reports them with their own error codes.
type PermitRequest struct {
	IssueID      string
	NetworkID    int64
	UserID       int64
	TokenAddress string
	Amount       string
}

// ValidatePermitRequest returns the first invalid field as a *FieldError
func ValidatePermitRequest(req PermitRequest) error {
	if err := ValidateIssueID(req.IssueID); err != nil {
		return &FieldError{Field: "issue_id", Reason: err.Error()}
	}
	if err := ValidateNetworkID(req.NetworkID); err != nil {
		return &FieldError{Field: "network_id", Reason: err.Error()}
	}
	if err := ValidateUserID(req.UserID); err != nil {
		return &FieldError{Field: "user_id", Reason: err.Error()}
	}
	if err := ValidateEthereumAddress(req.TokenAddress); err != nil {
		return &FieldError{Field: "token_address", Reason: err.Error()}
	}
	if strings.TrimSpace(req.Amount) == "" {
		return &FieldError{Field: "amount", Reason: "amount cannot be empty"}
	}
	return nil
}
