// Package nonce derives Permit2 signature-transfer nonces from the work item
// that authorizes a payout.
package nonce

import (
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/crypto"
)

// Input returns the canonical pre-image "<userID>-<issueID>". Auditors
// re-derive nonces from it, so the format must not change.
func Input(userID int64, issueID string) string {
	return strconv.FormatInt(userID, 10) + "-" + issueID
}

// Derive returns keccak256(Input(userID, issueID)) read as a big-endian
// unsigned 256-bit integer.
func Derive(userID int64, issueID string) *big.Int {
	digest := crypto.Keccak256([]byte(Input(userID, issueID)))
	return new(big.Int).SetBytes(digest)
}
