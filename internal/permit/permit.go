// Package permit builds Permit2 SignatureTransfer permits and their EIP-712
// typed-data payloads.
//
// The domain, type schema and value bindings mirror the canonical Permit2
// SDK exactly. Renaming or reordering any field changes the struct hash and
// breaks verification by the Permit2 contract.
package permit

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
)

const (
	// DomainName is the Permit2 EIP-712 domain name.
	DomainName = "Permit2"

	// PrimaryType is the struct signed for signature transfers.
	PrimaryType = "PermitTransferFrom"

	// TokenPermissionsType is the nested struct naming token and amount.
	TokenPermissionsType = "TokenPermissions"
)

// Permit2Address is the canonical Permit2 deployment, identical on every chain.
var Permit2Address = common.HexToAddress("0x000000000022D473030F116dDEE9F6B43aC78BA3")

// MaxUint256 is 2^256 - 1. Permits built here use it as deadline.
var MaxUint256 = new(big.Int).Set(math.MaxBig256)

// TokenPermissions names the token and the amount, in smallest units, the spender may move.
type TokenPermissions struct {
	Token  common.Address
	Amount *big.Int
}

// PermitTransferFrom is a Permit2 signature-transfer authorization.
type PermitTransferFrom struct {
	Permitted TokenPermissions
	Spender   common.Address
	Nonce     *big.Int
	Deadline  *big.Int
}

// MarshalJSON encodes integers as decimal strings, addresses as checksummed hex.
func (p PermitTransferFrom) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.message())
}

func (p PermitTransferFrom) message() map[string]any {
	return map[string]any{
		"permitted": map[string]any{
			"token":  p.Permitted.Token.Hex(),
			"amount": decimal(p.Permitted.Amount),
		},
		"spender":  p.Spender.Hex(),
		"nonce":    decimal(p.Nonce),
		"deadline": decimal(p.Deadline),
	}
}

// Params are the inputs to Build.
type Params struct {
	Token    common.Address
	Amount   string // human-readable decimal, e.g. "1.5"
	Decimals uint8
	Spender  common.Address
	Nonce    *big.Int
	ChainID  *big.Int
}

// Build scales the amount to token units and binds a never-expiring permit
// together with the typed-data payload that has to be signed for it.
func Build(params Params) (*PermitTransferFrom, *TypedData, error) {
	if params.Nonce == nil || params.Nonce.Sign() < 0 || params.Nonce.Cmp(MaxUint256) > 0 {
		return nil, nil, errors.New("nonce must be an unsigned 256-bit integer")
	}
	if params.ChainID == nil || params.ChainID.Sign() <= 0 {
		return nil, nil, errors.New("chain id must be positive")
	}

	amount, err := ParseUnits(params.Amount, params.Decimals)
	if err != nil {
		return nil, nil, fmt.Errorf("scale amount: %w", err)
	}

	p := &PermitTransferFrom{
		Permitted: TokenPermissions{
			Token:  params.Token,
			Amount: amount,
		},
		Spender:  params.Spender,
		Nonce:    new(big.Int).Set(params.Nonce),
		Deadline: new(big.Int).Set(MaxUint256),
	}

	return p, NewTypedData(p, params.ChainID), nil
}

func decimal(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
