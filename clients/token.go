// Package clients provides access to the external token ledger. The engine
// only ever talks to it through the TokenClient interface; the EVM
// implementation reaches an ERC-20 contract over JSON-RPC.
package clients

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// TokenClient is the token-ledger collaborator. Balance and metadata reads
// are views; Transfer submits a settlement transaction signed by the card's
// own key and waits for it to be mined.
type TokenClient interface {
	BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error)
	NativeBalance(ctx context.Context, owner common.Address) (*big.Int, error)
	Decimals(ctx context.Context) (uint8, error)
	Symbol(ctx context.Context) (string, error)
	EstimateTransferFee(ctx context.Context, from, to common.Address, amount *big.Int) (*big.Int, error)
	Transfer(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, amount *big.Int) (string, error)
	Close()
}

const erc20ABI = `
[
  {"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"decimals","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
  {"name":"symbol","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
  {"name":"transfer","type":"function","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]
`

// EVMTokenClient talks to one ERC-20 token contract on one chain.
type EVMTokenClient struct {
	rpcURL  string
	token   common.Address
	client  *ethclient.Client
	chainID *big.Int
	abi     abi.ABI
}

var _ TokenClient = (*EVMTokenClient)(nil)

func NewEVMTokenClient(ctx context.Context, rpcURL, token string) (*EVMTokenClient, error) {
	if !common.IsHexAddress(token) {
		return nil, fmt.Errorf("bad token address: %s", token)
	}

	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to read chain id: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		client.Close()
		return nil, err
	}

	return &EVMTokenClient{
		rpcURL:  rpcURL,
		token:   common.HexToAddress(token),
		client:  client,
		chainID: chainID,
		abi:     parsed,
	}, nil
}

func (c *EVMTokenClient) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	out, err := c.call(ctx, "balanceOf", owner)
	if err != nil {
		return nil, err
	}
	return abi.ConvertType(out[0], new(big.Int)).(*big.Int), nil
}

func (c *EVMTokenClient) NativeBalance(ctx context.Context, owner common.Address) (*big.Int, error) {
	return c.client.BalanceAt(ctx, owner, nil)
}

func (c *EVMTokenClient) Decimals(ctx context.Context) (uint8, error) {
	out, err := c.call(ctx, "decimals")
	if err != nil {
		return 0, err
	}
	return *abi.ConvertType(out[0], new(uint8)).(*uint8), nil
}

func (c *EVMTokenClient) Symbol(ctx context.Context) (string, error) {
	out, err := c.call(ctx, "symbol")
	if err != nil {
		return "", err
	}
	return *abi.ConvertType(out[0], new(string)).(*string), nil
}

// EstimateTransferFee estimates the native cost of the settlement transfer
// at current gas prices.
func (c *EVMTokenClient) EstimateTransferFee(ctx context.Context, from, to common.Address, amount *big.Int) (*big.Int, error) {
	callData, err := c.abi.Pack("transfer", to, amount)
	if err != nil {
		return nil, err
	}
	gas, err := c.client.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &c.token, Data: callData})
	if err != nil {
		return nil, fmt.Errorf("gas estimation failed: %w", err)
	}
	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas price query failed: %w", err)
	}
	return new(big.Int).Mul(new(big.Int).SetUint64(gas), gasPrice), nil
}

// Transfer submits transfer(to, amount) signed by key and waits for the
// receipt. A mined-but-reverted transaction is an error.
func (c *EVMTokenClient) Transfer(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, amount *big.Int) (string, error) {
	from := crypto.PubkeyToAddress(key.PublicKey)

	callData, err := c.abi.Pack("transfer", to, amount)
	if err != nil {
		return "", err
	}

	nonce, err := c.client.PendingNonceAt(ctx, from)
	if err != nil {
		return "", fmt.Errorf("nonce query failed: %w", err)
	}
	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("gas price query failed: %w", err)
	}
	gas, err := c.client.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &c.token, Data: callData})
	if err != nil {
		return "", fmt.Errorf("gas estimation failed: %w", err)
	}

	tx := ethtypes.NewTransaction(nonce, c.token, big.NewInt(0), gas, gasPrice, callData)
	signed, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(c.chainID), key)
	if err != nil {
		return "", fmt.Errorf("transaction signing failed: %w", err)
	}

	if err := c.client.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("transaction submit failed: %w", err)
	}

	receipt, err := bind.WaitMined(ctx, c.client, signed)
	if err != nil {
		return "", fmt.Errorf("confirmation wait failed: %w", err)
	}
	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		return "", fmt.Errorf("transfer reverted in tx %s", signed.Hash().Hex())
	}
	return signed.Hash().Hex(), nil
}

func (c *EVMTokenClient) Close() {
	c.client.Close()
}

func (c *EVMTokenClient) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	callData, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	raw, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &c.token, Data: callData}, nil)
	if err != nil {
		return nil, fmt.Errorf("%s call failed: %w", method, err)
	}
	out, err := c.abi.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("%s result decode failed: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s returned no values", method)
	}
	return out, nil
}
