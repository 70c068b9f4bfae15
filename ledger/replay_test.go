package ledger

import (
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emcash/cardpay/types"
)

var (
	testCard  = common.HexToAddress("0xE4d365a5a8fC0DCEE9E3C5985D7FcBab8B4A0fE1")
	otherCard = common.HexToAddress("0x384Aa214be0B279cbf211e9b2C992d8633F77848")
)

func tempLedger(t *testing.T) (*FileReplayLedger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "used_nonces.json")
	return NewFileReplayLedger(path), path
}

func TestReplayKeyFormat(t *testing.T) {
	key := ReplayKey(testCard, big.NewInt(42))
	assert.Equal(t, "0xe4d365a5a8fc0dcee9e3c5985d7fcbab8b4a0fe1:42", key)
}

func TestMarkAndCheck(t *testing.T) {
	l, _ := tempLedger(t)

	used, err := l.HasBeenUsed(testCard, big.NewInt(1))
	require.NoError(t, err)
	assert.False(t, used)

	require.NoError(t, l.MarkUsed(testCard, big.NewInt(1)))

	used, err = l.HasBeenUsed(testCard, big.NewInt(1))
	require.NoError(t, err)
	assert.True(t, used)

	// Nonces are scoped per card.
	used, err = l.HasBeenUsed(otherCard, big.NewInt(1))
	require.NoError(t, err)
	assert.False(t, used)
}

func TestMarkTwiceFails(t *testing.T) {
	l, _ := tempLedger(t)

	require.NoError(t, l.MarkUsed(testCard, big.NewInt(7)))
	err := l.MarkUsed(testCard, big.NewInt(7))
	require.ErrorIs(t, err, ErrAlreadyUsed)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	l, path := tempLedger(t)
	require.NoError(t, l.MarkUsed(testCard, big.NewInt(1)))
	require.NoError(t, l.MarkUsed(testCard, big.NewInt(2)))

	reopened := NewFileReplayLedger(path)
	used, err := reopened.HasBeenUsed(testCard, big.NewInt(1))
	require.NoError(t, err)
	assert.True(t, used)

	err = reopened.MarkUsed(testCard, big.NewInt(2))
	require.ErrorIs(t, err, ErrAlreadyUsed)
}

func TestCorruptLedgerIsStorageError(t *testing.T) {
	l, path := tempLedger(t)
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o600))

	_, err := l.HasBeenUsed(testCard, big.NewInt(1))
	require.Error(t, err)

	var terr *types.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, types.ErrStorageError, terr.Code)

	err = l.MarkUsed(testCard, big.NewInt(1))
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, types.ErrStorageError, terr.Code)
}

func TestConcurrentMarkExactlyOneWins(t *testing.T) {
	l, _ := tempLedger(t)

	const attempts = 16
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = l.MarkUsed(testCard, big.NewInt(99))
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			require.ErrorIs(t, err, ErrAlreadyUsed)
		}
	}
	assert.Equal(t, 1, wins)
}

func TestLedgerKeysStoredLowercase(t *testing.T) {
	l, path := tempLedger(t)
	require.NoError(t, l.MarkUsed(testCard, big.NewInt(5)))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "0xe4d365a5a8fc0dcee9e3c5985d7fcbab8b4a0fe1:5")
}
