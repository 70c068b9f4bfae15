// Package identity derives deterministic card keypairs from an NFC UID and a
// deployment-wide master secret. Derivation is a pure function: the card
// stores no secret, and the same (secret, UID) pair always yields the same
// address.
package identity

import (
	"encoding/hex"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/emcash/cardpay/types"
)

// SecretBytes resolves the master secret to raw key material. A 0x-prefixed
// 64-hex-digit string is decoded to its 32 bytes; anything else is taken as
// UTF-8 text. This interpretation is fixed for the lifetime of a deployment:
// changing it silently re-derives a different identity for every card.
func SecretBytes(masterSecret string) ([]byte, error) {
	if masterSecret == "" {
		return nil, &types.Error{Code: types.ErrConfigError, Message: "master secret is empty"}
	}
	if strings.HasPrefix(masterSecret, "0x") && len(masterSecret) == 66 {
		b, err := hex.DecodeString(masterSecret[2:])
		if err != nil {
			return nil, &types.Error{Code: types.ErrConfigError, Message: "master secret looks like hex but does not decode", Cause: err}
		}
		return b, nil
	}
	return []byte(masterSecret), nil
}

// Derive computes the v1 card identity for a UID:
//
//	privateKey = keccak256(secretBytes || utf8(lower(uid)))
//
// and the address via the standard secp256k1 public-key derivation.
func Derive(masterSecret, uid string) (*types.CardIdentity, error) {
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return nil, &types.Error{Code: types.ErrInvalidIntent, Message: "uid is empty"}
	}

	secret, err := SecretBytes(masterSecret)
	if err != nil {
		return nil, err
	}

	material := append(append([]byte{}, secret...), []byte(strings.ToLower(uid))...)
	scalar := crypto.Keccak256(material)

	key, err := crypto.ToECDSA(scalar)
	if err != nil {
		// keccak output outside the curve order; astronomically unlikely but
		// the signing primitive rejects it rather than reducing.
		return nil, &types.Error{Code: types.ErrInvalidIntent, Message: "derived scalar is not a valid private key", Cause: err}
	}

	return &types.CardIdentity{
		UID:        strings.ToUpper(uid),
		PrivateKey: key,
		Address:    crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// Address is a convenience for callers that only need the card address.
func Address(masterSecret, uid string) (string, error) {
	id, err := Derive(masterSecret, uid)
	if err != nil {
		return "", err
	}
	return id.Address.Hex(), nil
}
