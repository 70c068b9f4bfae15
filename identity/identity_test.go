package identity

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emcash/cardpay/types"
)

const testSecret = "test-master-secret"

func TestDeriveDeterministic(t *testing.T) {
	a, err := Derive(testSecret, "CA0F79B4")
	require.NoError(t, err)
	b, err := Derive(testSecret, "CA0F79B4")
	require.NoError(t, err)

	assert.Equal(t, a.Address, b.Address)
	assert.Equal(t, a.PrivateKey.D, b.PrivateKey.D)
	assert.True(t, common.IsHexAddress(a.Address.Hex()))
}

func TestDeriveUIDCaseInsensitive(t *testing.T) {
	upper, err := Derive(testSecret, "CA0F79B4")
	require.NoError(t, err)
	lower, err := Derive(testSecret, "ca0f79b4")
	require.NoError(t, err)
	padded, err := Derive(testSecret, "  Ca0F79b4 ")
	require.NoError(t, err)

	assert.Equal(t, upper.Address, lower.Address)
	assert.Equal(t, upper.Address, padded.Address)
	// The identity always carries the canonical uppercase UID.
	assert.Equal(t, "CA0F79B4", lower.UID)
	assert.Equal(t, "CA0F79B4", padded.UID)
}

func TestDeriveDifferentInputsDifferentKeys(t *testing.T) {
	a, err := Derive(testSecret, "CA0F79B4")
	require.NoError(t, err)
	b, err := Derive(testSecret, "DEADBEEF")
	require.NoError(t, err)
	c, err := Derive("another-secret", "CA0F79B4")
	require.NoError(t, err)

	assert.NotEqual(t, a.Address, b.Address)
	assert.NotEqual(t, a.Address, c.Address)
}

func TestDeriveEmptyUID(t *testing.T) {
	_, err := Derive(testSecret, "")
	require.Error(t, err)
	_, err = Derive(testSecret, "   ")
	require.Error(t, err)
}

func TestDeriveEmptySecret(t *testing.T) {
	_, err := Derive("", "CA0F79B4")
	require.Error(t, err)

	var terr *types.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, types.ErrConfigError, terr.Code)
}

func TestSecretBytesHexVersusText(t *testing.T) {
	hexSecret := "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	raw, err := SecretBytes(hexSecret)
	require.NoError(t, err)
	assert.Len(t, raw, 32)

	text, err := SecretBytes("not hex at all")
	require.NoError(t, err)
	assert.Equal(t, []byte("not hex at all"), text)

	// 0x-prefixed but not 66 chars long: treated as text, not decoded.
	short, err := SecretBytes("0xabc")
	require.NoError(t, err)
	assert.Equal(t, []byte("0xabc"), short)

	// Right length, broken hex.
	_, err = SecretBytes("0xZZ0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	require.Error(t, err)
}

func TestHexAndTextSecretsDiverge(t *testing.T) {
	hexSecret := "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

	fromHex, err := Derive(hexSecret, "CA0F79B4")
	require.NoError(t, err)

	// The same characters fed through the keccak as UTF-8 text.
	raw, _ := SecretBytes(hexSecret)
	material := append(append([]byte{}, []byte(hexSecret)...), []byte("ca0f79b4")...)
	asText := crypto.Keccak256(material)
	key, err := crypto.ToECDSA(asText)
	require.NoError(t, err)

	assert.NotEqual(t, crypto.PubkeyToAddress(key.PublicKey), fromHex.Address)
	assert.Len(t, raw, 32)
}

func TestAddressMatchesDerive(t *testing.T) {
	id, err := Derive(testSecret, "CA0F79B4")
	require.NoError(t, err)

	addr, err := Address(testSecret, "CA0F79B4")
	require.NoError(t, err)
	assert.Equal(t, id.Address.Hex(), addr)
}
