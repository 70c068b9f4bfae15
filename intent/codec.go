// Package intent implements the canonical encoding, hashing, signing and
// transport format of payment intents. The byte layout of Encode is
// load-bearing: signer and verifier must agree bit for bit or every
// signature recovers to the wrong address.
package intent

import (
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/emcash/cardpay/types"
)

var intentArgs abi.Arguments

func init() {
	// abi.encode(address,address,address,uint256,uint256,uint256) over
	// (card, merchant, token, amount, nonce, expiry). Fixed-width fields,
	// no length prefixes.
	addressT := mustABIType("address")
	uint256T := mustABIType("uint256")
	intentArgs = abi.Arguments{
		{Type: addressT}, {Type: addressT}, {Type: addressT},
		{Type: uint256T}, {Type: uint256T}, {Type: uint256T},
	}
}

func mustABIType(t string) abi.Type {
	ty, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return ty
}

// Encode produces the canonical 192-byte encoding of an intent.
func Encode(p *types.PaymentIntent) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	packed, err := intentArgs.Pack(p.Card, p.Merchant, p.Token, p.Amount, p.Nonce, p.Expiry)
	if err != nil {
		return nil, &types.Error{Code: types.ErrInvalidIntent, Message: "intent encoding failed", Cause: err}
	}
	return packed, nil
}

// Hash is keccak256 over the canonical encoding. The six fields already bind
// card, merchant, token, amount, nonce and expiry, which is sufficient domain
// separation; no additional salt is mixed in.
func Hash(p *types.PaymentIntent) (common.Hash, error) {
	enc, err := Encode(p)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(enc), nil
}
