package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

const erc20DecimalsABI = `[{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"}]`

var erc20ABI = mustParseABI(erc20DecimalsABI)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse erc20 abi: %v", err))
	}
	return parsed
}

// Backend is the subset of an Ethereum RPC client used by this package.
// *ethclient.Client satisfies it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

var _ Backend = (*ethclient.Client)(nil)

// Client wraps an RPC backend for a single network
type Client struct {
	backend   Backend
	networkID int64
	chainID   *big.Int
	endpoint  string
}

// NewClient wraps an already connected backend whose chain id is known.
func NewClient(backend Backend, networkID int64, chainID *big.Int, endpoint string) *Client {
	return &Client{
		backend:   backend,
		networkID: networkID,
		chainID:   new(big.Int).Set(chainID),
		endpoint:  endpoint,
	}
}

// NetworkID returns the configured network id
func (c *Client) NetworkID() int64 {
	return c.networkID
}

// ChainID returns a copy of the chain id reported by the RPC endpoint
func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// Endpoint returns the RPC URL this client is connected to
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Decimals reads the ERC-20 decimals() of a token.
func (c *Client) Decimals(ctx context.Context, token common.Address) (uint8, error) {
	data, err := erc20ABI.Pack("decimals")
	if err != nil {
		return 0, fmt.Errorf("failed to encode decimals call: %w", err)
	}

	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to call decimals on %s: %w", token.Hex(), scrubURL(err, c.endpoint))
	}
	if len(out) == 0 {
		return 0, fmt.Errorf("token %s returned no data for decimals", token.Hex())
	}

	values, err := erc20ABI.Unpack("decimals", out)
	if err != nil {
		return 0, fmt.Errorf("failed to decode decimals of %s: %w", token.Hex(), err)
	}
	decimals, ok := values[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("unexpected decimals type %T", values[0])
	}
	return decimals, nil
}

// Close closes the client connection
func (c *Client) Close() {
	c.backend.Close()
}
