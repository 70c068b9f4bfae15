package intent

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"

	"github.com/emcash/cardpay/types"
)

var validate = validator.New()

// SignedIntent is the portable artifact moved from the offline signing step
// to the online settlement step, typically as one JSON object. Integer fields
// are base-10 strings (uint256 on the wire), addresses are checksummed, hash
// and signature are 0x-hex. Immutable once created.
type SignedIntent struct {
	UID       string `json:"uid" validate:"required,hexadecimal"`
	Card      string `json:"card" validate:"required"`
	Merchant  string `json:"merchant" validate:"required"`
	Token     string `json:"token" validate:"required"`
	Amount    string `json:"amount" validate:"required,number"`
	Nonce     string `json:"nonce" validate:"required,number"`
	Expiry    string `json:"expiry" validate:"required,number"`
	Hash      string `json:"hash" validate:"required"`
	Signature string `json:"signature" validate:"required"`
}

// NewSigned builds the transport object for an intent signed by the given
// identity. The embedded hash is recomputed here, never taken on trust later.
func NewSigned(id *types.CardIdentity, p *types.PaymentIntent, signature string) (*SignedIntent, error) {
	h, err := Hash(p)
	if err != nil {
		return nil, err
	}
	return &SignedIntent{
		UID:       strings.ToUpper(id.UID),
		Card:      p.Card.Hex(),
		Merchant:  p.Merchant.Hex(),
		Token:     p.Token.Hex(),
		Amount:    p.Amount.String(),
		Nonce:     p.Nonce.String(),
		Expiry:    p.Expiry.String(),
		Hash:      h.Hex(),
		Signature: signature,
	}, nil
}

// Parse decodes and shape-checks a SignedIntent from JSON. Signature and
// identity checks are the verifier's job; Parse only guarantees the object
// is well formed.
func Parse(data []byte) (*SignedIntent, error) {
	var si SignedIntent
	if err := json.Unmarshal(data, &si); err != nil {
		return nil, &types.Error{Code: types.ErrInvalidIntent, Message: "bad intent JSON", Cause: err}
	}
	if err := si.Validate(); err != nil {
		return nil, err
	}
	return &si, nil
}

// Validate checks field shape via struct tags plus address/signature checks
// the tags cannot express.
func (si *SignedIntent) Validate() error {
	if err := validate.Struct(si); err != nil {
		return &types.Error{Code: types.ErrInvalidIntent, Message: fmt.Sprintf("intent validation failed: %v", err)}
	}
	for name, addr := range map[string]string{"card": si.Card, "merchant": si.Merchant, "token": si.Token} {
		if !common.IsHexAddress(addr) {
			return &types.Error{Code: types.ErrInvalidIntent, Message: fmt.Sprintf("%s is not a valid address", name)}
		}
	}
	sig := strings.TrimPrefix(si.Signature, "0x")
	if len(sig) != 130 {
		return &types.Error{Code: types.ErrInvalidIntent, Message: "signature must be 65 bytes"}
	}
	return nil
}

// Intent converts the transport fields back to the canonical intent. The
// returned intent satisfies PaymentIntent.Validate or an error is returned.
func (si *SignedIntent) Intent() (*types.PaymentIntent, error) {
	amount, ok := new(big.Int).SetString(si.Amount, 10)
	if !ok {
		return nil, &types.Error{Code: types.ErrInvalidIntent, Message: "bad amount"}
	}
	nonce, ok := new(big.Int).SetString(si.Nonce, 10)
	if !ok {
		return nil, &types.Error{Code: types.ErrInvalidIntent, Message: "bad nonce"}
	}
	expiry, ok := new(big.Int).SetString(si.Expiry, 10)
	if !ok {
		return nil, &types.Error{Code: types.ErrInvalidIntent, Message: "bad expiry"}
	}
	p := &types.PaymentIntent{
		Card:     common.HexToAddress(si.Card),
		Merchant: common.HexToAddress(si.Merchant),
		Token:    common.HexToAddress(si.Token),
		Amount:   amount,
		Nonce:    nonce,
		Expiry:   expiry,
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// JSON renders the signed intent as a single-line JSON object, the form the
// settlement CLI accepts.
func (si *SignedIntent) JSON() ([]byte, error) {
	return json.Marshal(si)
}
