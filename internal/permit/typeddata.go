package permit

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Field is one member of an EIP-712 struct type.
type Field struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Domain is the EIP-712 domain of the Permit2 contract. Permit2 has no version field.
type Domain struct {
	Name              string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// MarshalJSON emits the ethers-style domain object.
func (d Domain) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{
		"name":              d.Name,
		"chainId":           decimal(d.ChainID),
		"verifyingContract": d.VerifyingContract.Hex(),
	})
}

// TypedData is the domain, type schema and values to be signed.
// Types excludes EIP712Domain, matching what ethers signers expect.
type TypedData struct {
	Domain Domain
	Types  map[string][]Field
	Values PermitTransferFrom
}

// PermitTransferFromTypes returns the Permit2 signature-transfer schema.
func PermitTransferFromTypes() map[string][]Field {
	return map[string][]Field{
		PrimaryType: {
			{Name: "permitted", Type: TokenPermissionsType},
			{Name: "spender", Type: "address"},
			{Name: "nonce", Type: "uint256"},
			{Name: "deadline", Type: "uint256"},
		},
		TokenPermissionsType: {
			{Name: "token", Type: "address"},
			{Name: "amount", Type: "uint256"},
		},
	}
}

// domainFields is the EIP712Domain layout for a domain with name, chainId and verifyingContract.
var domainFields = []Field{
	{Name: "name", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

// NewTypedData binds a permit to the Permit2 domain on the given chain.
func NewTypedData(p *PermitTransferFrom, chainID *big.Int) *TypedData {
	return &TypedData{
		Domain: Domain{
			Name:              DomainName,
			ChainID:           new(big.Int).Set(chainID),
			VerifyingContract: Permit2Address,
		},
		Types:  PermitTransferFromTypes(),
		Values: *p,
	}
}

// MarshalJSON emits {domain, types, primaryType, values}. Types omit
// EIP712Domain, wallets derive it from the domain.
func (td TypedData) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{
		"domain":      td.Domain,
		"types":       td.Types,
		"primaryType": PrimaryType,
		"values":      td.Values,
	})
}

// EIP712 converts the payload to the eth_signTypedData_v4 representation,
// adding the EIP712Domain type.
func (td *TypedData) EIP712() apitypes.TypedData {
	types := apitypes.Types{"EIP712Domain": toAPITypes(domainFields)}
	for name, fields := range td.Types {
		types[name] = toAPITypes(fields)
	}

	return apitypes.TypedData{
		Types:       types,
		PrimaryType: PrimaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              td.Domain.Name,
			ChainId:           (*math.HexOrDecimal256)(new(big.Int).Set(td.Domain.ChainID)),
			VerifyingContract: td.Domain.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage(td.Values.message()),
	}
}

// Hash returns the EIP-712 digest keccak256("\x19\x01" || domainSeparator || hashStruct(values)).
func (td *TypedData) Hash() (common.Hash, error) {
	digest, _, err := apitypes.TypedDataAndHash(td.EIP712())
	if err != nil {
		return common.Hash{}, fmt.Errorf("hash typed data: %w", err)
	}
	return common.BytesToHash(digest), nil
}

func toAPITypes(fields []Field) []apitypes.Type {
	out := make([]apitypes.Type, len(fields))
	for i, f := range fields {
		out[i] = apitypes.Type{Name: f.Name, Type: f.Type}
	}
	return out
}
