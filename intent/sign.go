package intent

import (
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/emcash/cardpay/types"
)

// Sign produces a recoverable 65-byte signature over the intent hash with
// the card's derived key. It is a pure in-memory computation — no network,
// no gas — so it can run on a disconnected signing machine.
//
// The recovery id is serialized as 27/28, matching the transport format the
// settlement side expects.
func Sign(id *types.CardIdentity, p *types.PaymentIntent) (string, error) {
	if id == nil || id.PrivateKey == nil {
		return "", &types.Error{Code: types.ErrInvalidIntent, Message: "card identity has no private key"}
	}

	h, err := Hash(p)
	if err != nil {
		return "", err
	}

	sig, err := crypto.Sign(h.Bytes(), id.PrivateKey)
	if err != nil {
		return "", &types.Error{Code: types.ErrInvalidIntent, Message: "signing failed", Cause: err}
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return hexutil.Encode(sig), nil
}
