package intent

import (
	"encoding/hex"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emcash/cardpay/identity"
	"github.com/emcash/cardpay/types"
	"github.com/emcash/cardpay/utils"
)

const testSecret = "test-master-secret"

func testIntent(t *testing.T) (*types.CardIdentity, *types.PaymentIntent) {
	t.Helper()
	id, err := identity.Derive(testSecret, "CA0F79B4")
	require.NoError(t, err)
	return id, &types.PaymentIntent{
		Card:     id.Address,
		Merchant: common.HexToAddress("0x742d35Cc6634C0532925a3b8D098f69DB22B6b8B"),
		Token:    common.HexToAddress("0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"),
		Amount:   big.NewInt(1_000_000),
		Nonce:    big.NewInt(1),
		Expiry:   big.NewInt(1_900_000_000),
	}
}

func TestEncodeShape(t *testing.T) {
	_, p := testIntent(t)

	enc, err := Encode(p)
	require.NoError(t, err)
	// Six head words, all types static.
	assert.Len(t, enc, 6*32)

	// Addresses are left-padded into their words.
	assert.Equal(t, p.Card.Bytes(), enc[12:32])
	assert.Equal(t, p.Merchant.Bytes(), enc[44:64])
	assert.Equal(t, p.Token.Bytes(), enc[76:96])
}

func TestHashDeterministicAndFieldSensitive(t *testing.T) {
	_, p := testIntent(t)

	h1, err := Hash(p)
	require.NoError(t, err)
	h2, err := Hash(p)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	mutations := map[string]func(*types.PaymentIntent){
		"card":     func(q *types.PaymentIntent) { q.Card = common.HexToAddress("0x1111111111111111111111111111111111111111") },
		"merchant": func(q *types.PaymentIntent) { q.Merchant = common.HexToAddress("0x2222222222222222222222222222222222222222") },
		"token":    func(q *types.PaymentIntent) { q.Token = common.HexToAddress("0x3333333333333333333333333333333333333333") },
		"amount":   func(q *types.PaymentIntent) { q.Amount = big.NewInt(2_000_000) },
		"nonce":    func(q *types.PaymentIntent) { q.Nonce = big.NewInt(2) },
		"expiry":   func(q *types.PaymentIntent) { q.Expiry = big.NewInt(1_900_000_001) },
	}
	for name, mutate := range mutations {
		q := *p
		mutate(&q)
		h, err := Hash(&q)
		require.NoError(t, err, name)
		assert.NotEqual(t, h1, h, "changing %s must change the hash", name)
	}
}

func TestEncodeRejectsInvalidIntent(t *testing.T) {
	_, p := testIntent(t)
	p.Amount = big.NewInt(0)
	_, err := Encode(p)
	require.Error(t, err)

	var terr *types.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, types.ErrInvalidIntent, terr.Code)
}

func TestSignRecoverRoundtrip(t *testing.T) {
	id, p := testIntent(t)

	sig, err := Sign(id, p)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(sig, "0x"))

	raw, err := hex.DecodeString(strings.TrimPrefix(sig, "0x"))
	require.NoError(t, err)
	require.Len(t, raw, 65)
	assert.Contains(t, []byte{27, 28}, raw[64], "v must be serialized as 27 or 28")

	h, err := Hash(p)
	require.NoError(t, err)

	signer, err := utils.RecoverAddressFromSignature(h.Bytes(), sig)
	require.NoError(t, err)
	assert.Equal(t, id.Address, signer)
}

func TestNewSignedAndParseRoundtrip(t *testing.T) {
	id, p := testIntent(t)
	sig, err := Sign(id, p)
	require.NoError(t, err)

	si, err := NewSigned(id, p, sig)
	require.NoError(t, err)
	assert.Equal(t, "CA0F79B4", si.UID)
	assert.Equal(t, p.Card.Hex(), si.Card)
	assert.Equal(t, "1000000", si.Amount)
	assert.Equal(t, "1", si.Nonce)

	h, err := Hash(p)
	require.NoError(t, err)
	assert.Equal(t, h.Hex(), si.Hash)

	data, err := si.JSON()
	require.NoError(t, err)

	parsed, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, si, parsed)

	back, err := parsed.Intent()
	require.NoError(t, err)
	assert.Zero(t, back.Amount.Cmp(p.Amount))
	assert.Zero(t, back.Nonce.Cmp(p.Nonce))
	assert.Zero(t, back.Expiry.Cmp(p.Expiry))
	assert.Equal(t, p.Card, back.Card)
}

func TestParseRejectsMalformed(t *testing.T) {
	_, err := Parse([]byte("not json"))
	require.Error(t, err)

	id, p := testIntent(t)
	sig, err := Sign(id, p)
	require.NoError(t, err)
	si, err := NewSigned(id, p, sig)
	require.NoError(t, err)

	bad := *si
	bad.Signature = "0xdead"
	data, err := bad.JSON()
	require.NoError(t, err)
	_, err = Parse(data)
	require.Error(t, err)

	bad = *si
	bad.Merchant = "nowhere"
	data, err = bad.JSON()
	require.NoError(t, err)
	_, err = Parse(data)
	require.Error(t, err)

	bad = *si
	bad.Amount = "1.5"
	data, err = bad.JSON()
	require.NoError(t, err)
	_, err = Parse(data)
	require.Error(t, err)
}

func TestIntentRejectsZeroAmount(t *testing.T) {
	id, p := testIntent(t)
	sig, err := Sign(id, p)
	require.NoError(t, err)
	si, err := NewSigned(id, p, sig)
	require.NoError(t, err)

	si.Amount = "0"
	_, err = si.Intent()
	require.Error(t, err)

	var terr *types.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, types.ErrInvalidIntent, terr.Code)
}
