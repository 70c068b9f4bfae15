package cardpay

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emcash/cardpay/clients"
	"github.com/emcash/cardpay/types"
)

const (
	testSecret   = "test-master-secret"
	testUID      = "CA0F79B4"
	testMerchant = "0x742d35Cc6634C0532925a3b8D098f69DB22B6b8B"
	testToken    = "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"
)

var fixedNow = time.Unix(1_800_000_000, 0)

func newTestEngine(t *testing.T) (*Engine, *clients.FakeTokenClient) {
	t.Helper()
	dir := t.TempDir()
	token := clients.NewFakeTokenClient(6, "USDC")

	engine, err := New(&types.EngineConfig{
		MasterSecret:   testSecret,
		TokenAddress:   testToken,
		ReplayPath:     filepath.Join(dir, "used_nonces.json"),
		RevocationPath: filepath.Join(dir, "revoked_uids.json"),
	},
		WithTokenClient(token),
		WithClock(func() time.Time { return fixedNow }),
	)
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	addr, err := engine.DeriveAddress(testUID)
	require.NoError(t, err)
	card := common.HexToAddress(addr)
	token.SetBalance(card, big.NewInt(5_000_000))
	token.SetNativeBalance(card, big.NewInt(1_000_000))

	return engine, token
}

func TestNewRequiresMasterSecret(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)

	_, err = New(&types.EngineConfig{})
	require.Error(t, err)

	var terr *types.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, types.ErrConfigError, terr.Code)
}

// Full lifecycle: derive, sign, verify, settle once, reject the replay.
func TestEngineLifecycle(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	si, err := engine.SignIntent(testUID, testMerchant, big.NewInt(1_000_000), big.NewInt(1), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, testUID, si.UID)

	vr := engine.Verify(si)
	require.True(t, vr.Valid, "reason=%s error=%s", vr.InvalidReason, vr.Error)
	assert.Equal(t, si.Card, vr.Payer)

	res, err := engine.Settle(ctx, si)
	require.NoError(t, err)
	require.True(t, res.Settled, "reason=%s error=%s", res.Reason, res.Error)
	assert.NotEmpty(t, res.TxHash)

	res, err = engine.Settle(ctx, si)
	require.NoError(t, err)
	assert.False(t, res.Settled)
	assert.Equal(t, types.ErrReplayed, res.Reason)
}

func TestEngineSignedIntentExpiry(t *testing.T) {
	engine, _ := newTestEngine(t)

	si, err := engine.SignIntent(testUID, testMerchant, big.NewInt(1_000_000), big.NewInt(1), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(fixedNow.Unix()+3600).String(), si.Expiry)
}

func TestEngineRevocation(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	// A pre-revocation intent still in flight.
	si, err := engine.SignIntent(testUID, testMerchant, big.NewInt(1_000_000), big.NewInt(1), time.Hour)
	require.NoError(t, err)

	require.NoError(t, engine.Revoke(testUID))

	revoked, err := engine.Revoked(testUID)
	require.NoError(t, err)
	assert.True(t, revoked)

	// Signing is blocked outright.
	_, err = engine.SignIntent(testUID, testMerchant, big.NewInt(1_000_000), big.NewInt(2), time.Hour)
	require.Error(t, err)

	// And the in-flight intent no longer settles.
	res, err := engine.Settle(ctx, si)
	require.NoError(t, err)
	assert.False(t, res.Settled)
	assert.Equal(t, types.ErrRevoked, res.Reason)

	// Until the revocation is lifted.
	require.NoError(t, engine.Unrevoke(testUID))
	res, err = engine.Settle(ctx, si)
	require.NoError(t, err)
	assert.True(t, res.Settled)

	uids, err := engine.RevokedUIDs()
	require.NoError(t, err)
	assert.Empty(t, uids)
}

func TestEngineSignRejectsBadAddresses(t *testing.T) {
	engine, _ := newTestEngine(t)

	_, err := engine.SignIntent(testUID, "not-an-address", big.NewInt(1), big.NewInt(1), time.Hour)
	require.Error(t, err)
}

func TestEngineSettleWithoutClientNeedsRPC(t *testing.T) {
	dir := t.TempDir()
	engine, err := New(&types.EngineConfig{
		MasterSecret:   testSecret,
		TokenAddress:   testToken,
		ReplayPath:     filepath.Join(dir, "used_nonces.json"),
		RevocationPath: filepath.Join(dir, "revoked_uids.json"),
	})
	require.NoError(t, err)
	defer engine.Close()

	si, err := engine.SignIntent(testUID, testMerchant, big.NewInt(1), big.NewInt(1), time.Hour)
	require.NoError(t, err)

	_, err = engine.Settle(context.Background(), si)
	require.Error(t, err)

	var terr *types.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, types.ErrConfigError, terr.Code)
}
