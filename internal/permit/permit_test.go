package permit

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/better-wallet/permit-signer/internal/nonce"
)

var (
	testToken   = common.HexToAddress("0xe91D153E0b41518A2Ce8Dd3D7944Fa863463a97d")
	testSpender = common.HexToAddress("0x4007CE2083c7F3E18097aeB3A39bb8eC149a341d")
)

func testParams() Params {
	return Params{
		Token:    testToken,
		Amount:   "1.5",
		Decimals: 6,
		Spender:  testSpender,
		Nonce:    nonce.Derive(42, "I_abc"),
		ChainID:  big.NewInt(100),
	}
}

func TestBuild_BindsValues(t *testing.T) {
	params := testParams()

	p, td, err := Build(params)
	require.NoError(t, err)

	assert.Equal(t, testToken, p.Permitted.Token)
	assert.Equal(t, "1500000", p.Permitted.Amount.String())
	assert.Equal(t, testSpender, p.Spender)
	assert.Equal(t, 0, params.Nonce.Cmp(p.Nonce))
	assert.Equal(t, 0, MaxUint256.Cmp(p.Deadline))

	assert.Equal(t, *p, td.Values)
	assert.Equal(t, DomainName, td.Domain.Name)
	assert.Equal(t, "100", td.Domain.ChainID.String())
	assert.Equal(t, Permit2Address, td.Domain.VerifyingContract)
}

func TestBuild_DeadlineAlwaysMax(t *testing.T) {
	amounts := []struct {
		amount   string
		decimals uint8
	}{{"0", 18}, {"1", 0}, {"999999.999999", 6}, {"10", 18}}

	for _, a := range amounts {
		params := testParams()
		params.Amount = a.amount
		params.Decimals = a.decimals

		p, td, err := Build(params)
		require.NoError(t, err)
		assert.Equal(t, 0, p.Deadline.Cmp(math.MaxBig256))
		assert.Equal(t, 0, td.Values.Deadline.Cmp(math.MaxBig256))
	}
}

func TestBuild_DoesNotAliasInputs(t *testing.T) {
	params := testParams()
	p, td, err := Build(params)
	require.NoError(t, err)

	params.Nonce.SetInt64(1)
	params.ChainID.SetInt64(1)
	p.Deadline.SetInt64(0)

	assert.NotEqual(t, int64(1), td.Values.Nonce.Int64())
	assert.Equal(t, "100", td.Domain.ChainID.String())
	assert.Equal(t, 0, MaxUint256.Cmp(math.MaxBig256), "package deadline must not be mutable through a permit")
}

func TestBuild_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Params)
		wantErr error
	}{
		{name: "excess precision", mutate: func(p *Params) { p.Amount = "1.0000001" }, wantErr: ErrFractionalPrecision},
		{name: "malformed amount", mutate: func(p *Params) { p.Amount = "abc" }, wantErr: ErrInvalidAmount},
		{name: "nil nonce", mutate: func(p *Params) { p.Nonce = nil }},
		{name: "negative nonce", mutate: func(p *Params) { p.Nonce = big.NewInt(-1) }},
		{name: "oversized nonce", mutate: func(p *Params) { p.Nonce = new(big.Int).Lsh(big.NewInt(1), 256) }},
		{name: "missing chain", mutate: func(p *Params) { p.ChainID = nil }},
		{name: "zero chain", mutate: func(p *Params) { p.ChainID = big.NewInt(0) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := testParams()
			tt.mutate(&params)

			p, td, err := Build(params)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			assert.Nil(t, p)
			assert.Nil(t, td)
		})
	}
}

func TestPermitTransferFromTypes_WireFormat(t *testing.T) {
	raw, err := json.Marshal(PermitTransferFromTypes())
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"PermitTransferFrom": [
			{"name": "permitted", "type": "TokenPermissions"},
			{"name": "spender", "type": "address"},
			{"name": "nonce", "type": "uint256"},
			{"name": "deadline", "type": "uint256"}
		],
		"TokenPermissions": [
			{"name": "token", "type": "address"},
			{"name": "amount", "type": "uint256"}
		]
	}`, string(raw))
}

func TestTypedData_JSON(t *testing.T) {
	params := testParams()
	params.Nonce = big.NewInt(7)
	_, td, err := Build(params)
	require.NoError(t, err)

	raw, err := json.Marshal(td)
	require.NoError(t, err)

	var decoded struct {
		Domain      map[string]string  `json:"domain"`
		Types       map[string][]Field `json:"types"`
		PrimaryType string             `json:"primaryType"`
		Values      struct {
			Permitted map[string]string `json:"permitted"`
			Spender   string            `json:"spender"`
			Nonce     string            `json:"nonce"`
			Deadline  string            `json:"deadline"`
		} `json:"values"`
	}
	require.NoError(t, json.Unmarshal(raw, &decoded))

	assert.Equal(t, map[string]string{
		"name":              "Permit2",
		"chainId":           "100",
		"verifyingContract": "0x000000000022D473030F116dDEE9F6B43aC78BA3",
	}, decoded.Domain)
	assert.NotContains(t, decoded.Types, "EIP712Domain")
	assert.Equal(t, "PermitTransferFrom", decoded.PrimaryType)
	assert.Equal(t, testToken.Hex(), decoded.Values.Permitted["token"])
	assert.Equal(t, "1500000", decoded.Values.Permitted["amount"])
	assert.Equal(t, testSpender.Hex(), decoded.Values.Spender)
	assert.Equal(t, "7", decoded.Values.Nonce)
	assert.Equal(t, MaxUint256.String(), decoded.Values.Deadline)
}

// manualDigest encodes the permit the way the Permit2 contract does, without apitypes.
func manualDigest(p *PermitTransferFrom, chainID *big.Int) common.Hash {
	word := func(b []byte) []byte { return common.LeftPadBytes(b, 32) }
	uint256 := func(v *big.Int) []byte { return math.U256Bytes(new(big.Int).Set(v)) }

	tokenPermissionsTypeHash := crypto.Keccak256([]byte("TokenPermissions(address token,uint256 amount)"))
	permitTypeHash := crypto.Keccak256([]byte(
		"PermitTransferFrom(TokenPermissions permitted,address spender,uint256 nonce,uint256 deadline)" +
			"TokenPermissions(address token,uint256 amount)"))
	domainTypeHash := crypto.Keccak256([]byte("EIP712Domain(string name,uint256 chainId,address verifyingContract)"))

	domainSeparator := crypto.Keccak256(
		domainTypeHash,
		crypto.Keccak256([]byte("Permit2")),
		uint256(chainID),
		word(Permit2Address.Bytes()),
	)
	tokenPermissionsHash := crypto.Keccak256(
		tokenPermissionsTypeHash,
		word(p.Permitted.Token.Bytes()),
		uint256(p.Permitted.Amount),
	)
	structHash := crypto.Keccak256(
		permitTypeHash,
		tokenPermissionsHash,
		word(p.Spender.Bytes()),
		uint256(p.Nonce),
		uint256(p.Deadline),
	)
	return crypto.Keccak256Hash([]byte{0x19, 0x01}, domainSeparator, structHash)
}

func TestTypedData_HashMatchesPermit2Encoding(t *testing.T) {
	params := testParams()
	p, td, err := Build(params)
	require.NoError(t, err)

	got, err := td.Hash()
	require.NoError(t, err)
	assert.Equal(t, manualDigest(p, params.ChainID), got)
}

func TestTypedData_HashSeparatesDomains(t *testing.T) {
	params := testParams()
	_, gnosis, err := Build(params)
	require.NoError(t, err)

	params.ChainID = big.NewInt(1)
	_, mainnet, err := Build(params)
	require.NoError(t, err)

	h1, err := gnosis.Hash()
	require.NoError(t, err)
	h2, err := mainnet.Hash()
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestTypedData_EIP712IncludesDomainType(t *testing.T) {
	_, td, err := Build(testParams())
	require.NoError(t, err)

	eip := td.EIP712()
	assert.Equal(t, PrimaryType, eip.PrimaryType)
	require.Contains(t, eip.Types, "EIP712Domain")
	assert.Len(t, eip.Types["EIP712Domain"], 3)
	assert.NotContains(t, td.Types, "EIP712Domain")
}
