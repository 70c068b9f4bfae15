package clients

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// FakeTokenClient is an in-memory token ledger for tests and examples. It
// honors balances and fees the way the real client does but never touches a
// network.
type FakeTokenClient struct {
	mu sync.Mutex

	balances map[common.Address]*big.Int
	native   map[common.Address]*big.Int
	decimals uint8
	symbol   string
	fee      *big.Int
	txCount  uint64

	// TransferErr, when set, makes every Transfer fail without moving funds.
	TransferErr error
	// DecimalsErr, when set, makes Decimals fail so callers exercise their
	// configured fallback.
	DecimalsErr error
}

var _ TokenClient = (*FakeTokenClient)(nil)

func NewFakeTokenClient(decimals uint8, symbol string) *FakeTokenClient {
	return &FakeTokenClient{
		balances: make(map[common.Address]*big.Int),
		native:   make(map[common.Address]*big.Int),
		decimals: decimals,
		symbol:   symbol,
		fee:      big.NewInt(21000),
	}
}

// SetBalance sets the token balance of owner.
func (f *FakeTokenClient) SetBalance(owner common.Address, amount *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[owner] = new(big.Int).Set(amount)
}

// SetNativeBalance sets the gas balance of owner.
func (f *FakeTokenClient) SetNativeBalance(owner common.Address, amount *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.native[owner] = new(big.Int).Set(amount)
}

func (f *FakeTokenClient) BalanceOf(_ context.Context, owner common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.balances[owner]; ok {
		return new(big.Int).Set(b), nil
	}
	return big.NewInt(0), nil
}

func (f *FakeTokenClient) NativeBalance(_ context.Context, owner common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.native[owner]; ok {
		return new(big.Int).Set(b), nil
	}
	return big.NewInt(0), nil
}

func (f *FakeTokenClient) Decimals(context.Context) (uint8, error) {
	if f.DecimalsErr != nil {
		return 0, f.DecimalsErr
	}
	return f.decimals, nil
}

func (f *FakeTokenClient) Symbol(context.Context) (string, error) {
	return f.symbol, nil
}

func (f *FakeTokenClient) EstimateTransferFee(context.Context, common.Address, common.Address, *big.Int) (*big.Int, error) {
	return new(big.Int).Set(f.fee), nil
}

func (f *FakeTokenClient) Transfer(_ context.Context, key *ecdsa.PrivateKey, to common.Address, amount *big.Int) (string, error) {
	if f.TransferErr != nil {
		return "", f.TransferErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	from := crypto.PubkeyToAddress(key.PublicKey)
	bal, ok := f.balances[from]
	if !ok || bal.Cmp(amount) < 0 {
		return "", errors.New("transfer reverted: insufficient balance")
	}

	f.balances[from] = new(big.Int).Sub(bal, amount)
	toBal, ok := f.balances[to]
	if !ok {
		toBal = big.NewInt(0)
	}
	f.balances[to] = new(big.Int).Add(toBal, amount)

	f.txCount++
	return crypto.Keccak256Hash([]byte(fmt.Sprintf("%s:%s:%d", from.Hex(), to.Hex(), f.txCount))).Hex(), nil
}

func (f *FakeTokenClient) Close() {}
