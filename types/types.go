package types

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// DerivationVersion identifies the UID-to-key derivation scheme. Only v1
// (keccak256 over master secret bytes followed by the lowercased UID) is
// supported; intents produced under any other scheme will not verify.
type DerivationVersion int

const DerivationV1 DerivationVersion = 1

// CardIdentity is the keypair derived for a physical card. It is recomputed
// on demand and must never be persisted; the master secret cannot be
// recovered from it.
type CardIdentity struct {
	UID        string
	PrivateKey *ecdsa.PrivateKey
	Address    common.Address
}

// PaymentIntent describes a proposed token payment before it is signed.
// Amount, Nonce and Expiry are uint256 values on the wire; Expiry is an
// absolute unix timestamp compared against the clock at verification time.
type PaymentIntent struct {
	Card     common.Address
	Merchant common.Address
	Token    common.Address
	Amount   *big.Int
	Nonce    *big.Int
	Expiry   *big.Int
}

// Validate checks structural invariants of the intent. It does not touch the
// network or the clock.
func (p *PaymentIntent) Validate() error {
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return &Error{Code: ErrInvalidIntent, Message: "amount must be greater than 0"}
	}
	if p.Nonce == nil || p.Nonce.Sign() < 0 {
		return &Error{Code: ErrInvalidIntent, Message: "nonce must be a non-negative integer"}
	}
	if p.Expiry == nil || p.Expiry.Sign() <= 0 {
		return &Error{Code: ErrInvalidIntent, Message: "expiry must be a unix timestamp"}
	}
	if p.Merchant == (common.Address{}) {
		return &Error{Code: ErrInvalidIntent, Message: "merchant address is required"}
	}
	if p.Token == (common.Address{}) {
		return &Error{Code: ErrInvalidIntent, Message: "token address is required"}
	}
	return nil
}

// VerificationResult is the outcome of checking a signed intent. A rejection
// carries the reason code; verification itself has no side effects.
type VerificationResult struct {
	Valid         bool   `json:"valid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
	Error         string `json:"error,omitempty"`
}

// SettlementState names a stage of the settlement state machine.
type SettlementState string

const (
	StateReceived    SettlementState = "received"
	StateVerified    SettlementState = "verified"
	StateNotRevoked  SettlementState = "not_revoked"
	StateNotReplayed SettlementState = "not_replayed"
	StateFunded      SettlementState = "funded"
	StateSettled     SettlementState = "settled"
	StateRejected    SettlementState = "rejected"
)

// SettlementResult is the outcome of a settlement attempt. Exactly one of
// Settled/Reason is meaningful: a settled result carries the transaction
// hash, a rejected one carries the reason code.
type SettlementResult struct {
	Settled bool   `json:"settled"`
	TxHash  string `json:"txHash,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Error   string `json:"error,omitempty"`

	// NonceUnmarked is set when the transfer confirmed but the replay ledger
	// could not be updated. The settlement stands; the key must be marked by
	// an operator before the intent is accepted anywhere again.
	NonceUnmarked bool `json:"nonceUnmarked,omitempty"`
}

// EngineConfig carries the knobs the engine needs beyond its collaborators.
type EngineConfig struct {
	MasterSecret    string        `json:"-"`
	RPCURL          string        `json:"rpcUrl,omitempty"`
	TokenAddress    string        `json:"tokenAddress,omitempty"`
	ReplayPath      string        `json:"replayPath,omitempty"`
	RevocationPath  string        `json:"revocationPath,omitempty"`
	DefaultTimeout  time.Duration `json:"defaultTimeout,omitempty"`
	DefaultDecimals uint8         `json:"defaultDecimals,omitempty"`
}

// Error is the typed error used for programmatic failures (bad input, broken
// storage, unreachable RPC). Domain rejections travel as reason codes inside
// result objects instead.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Reason and error codes. Verification-stage rejections are terminal for the
// intent; transfer_failed leaves the nonce unconsumed and may be retried.
const (
	ErrInvalidIntent     = "invalid_intent"
	ErrInvalidSignature  = "invalid_signature"
	ErrIdentityMismatch  = "identity_mismatch"
	ErrExpired           = "expired"
	ErrRevoked           = "revoked"
	ErrReplayed          = "replayed"
	ErrInsufficientFunds = "insufficient_funds"
	ErrNoGas             = "no_gas"
	ErrTransferFailed    = "transfer_failed"
	ErrStorageError      = "storage_error"
	ErrConfigError       = "config_error"
)
