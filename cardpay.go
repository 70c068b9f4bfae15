// Package cardpay authorizes and settles token payments initiated by NFC
// cards. A card has no secret storage; its keypair is derived on demand from
// the card UID and a deployment master secret. The engine signs time-bounded
// single-use payment intents offline and settles each one exactly once,
// guarded by a replay ledger and a revocation registry.
package cardpay

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/emcash/cardpay/clients"
	"github.com/emcash/cardpay/identity"
	"github.com/emcash/cardpay/intent"
	"github.com/emcash/cardpay/ledger"
	"github.com/emcash/cardpay/logger"
	"github.com/emcash/cardpay/metrics"
	"github.com/emcash/cardpay/settlement"
	"github.com/emcash/cardpay/types"
	"github.com/emcash/cardpay/utils"
	"github.com/emcash/cardpay/verification"
)

// Engine is the facade over identity derivation, intent signing,
// verification and settlement.
type Engine struct {
	cfg         *types.EngineConfig
	verifier    *verification.VerificationService
	settler     *settlement.SettlementService
	replay      ledger.ReplayLedger
	revocations ledger.RevocationRegistry
	token       clients.TokenClient
	log         logger.Logger
	rec         metrics.Recorder
	now         func() time.Time
}

// New wires an engine from config. The token ledger connection is dialed
// lazily from RPCURL unless a client is injected; a purely offline signer
// needs neither.
func New(cfg *types.EngineConfig, opts ...Option) (*Engine, error) {
	if cfg == nil || cfg.MasterSecret == "" {
		return nil, &types.Error{Code: types.ErrConfigError, Message: "master secret is required"}
	}
	if _, err := identity.SecretBytes(cfg.MasterSecret); err != nil {
		return nil, err
	}

	timeout := 30 * time.Second
	if cfg.DefaultTimeout > 0 {
		timeout = cfg.DefaultTimeout
	}
	replayPath := cfg.ReplayPath
	if replayPath == "" {
		replayPath = "./used_nonces.json"
	}
	revocationPath := cfg.RevocationPath
	if revocationPath == "" {
		revocationPath = "./revoked_uids.json"
	}

	e := &Engine{
		cfg:         cfg,
		verifier:    verification.NewVerificationService(cfg.MasterSecret),
		replay:      ledger.NewFileReplayLedger(replayPath),
		revocations: ledger.NewFileRevocationRegistry(revocationPath),
		log:         logger.NoopLogger{},
		rec:         metrics.NoopRecorder{},
		now:         time.Now,
	}

	for _, opt := range opts {
		opt(e)
	}

	e.verifier.SetClock(e.now)
	e.verifier.SetLogger(e.log)

	e.settler = settlement.NewSettlementService(
		cfg.MasterSecret, e.verifier, e.replay, e.revocations, e.token, timeout,
	)
	e.settler.SetLogger(e.log)
	e.settler.SetMetrics(e.rec)
	if cfg.DefaultDecimals > 0 {
		e.settler.SetDefaultDecimals(cfg.DefaultDecimals)
	}

	return e, nil
}

// DeriveAddress returns the card address for a UID.
func (e *Engine) DeriveAddress(uid string) (string, error) {
	return identity.Address(e.cfg.MasterSecret, uid)
}

// SignIntent builds and signs a payment intent for a card, entirely offline.
// The revocation check here is defense in depth; settlement checks again.
func (e *Engine) SignIntent(uid, merchant string, amount, nonce *big.Int, ttl time.Duration) (*intent.SignedIntent, error) {
	revoked, err := e.revocations.IsRevoked(uid)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, &types.Error{Code: types.ErrRevoked, Message: "uid is revoked"}
	}

	if !utils.ValidateAddress(merchant) {
		return nil, &types.Error{Code: types.ErrInvalidIntent, Message: "merchant address is invalid"}
	}
	if !utils.ValidateAddress(e.cfg.TokenAddress) {
		return nil, &types.Error{Code: types.ErrConfigError, Message: "token address is invalid"}
	}

	id, err := identity.Derive(e.cfg.MasterSecret, uid)
	if err != nil {
		return nil, err
	}

	p := &types.PaymentIntent{
		Card:     id.Address,
		Merchant: common.HexToAddress(merchant),
		Token:    common.HexToAddress(e.cfg.TokenAddress),
		Amount:   amount,
		Nonce:    nonce,
		Expiry:   big.NewInt(e.now().Add(ttl).Unix()),
	}
	sig, err := intent.Sign(id, p)
	if err != nil {
		return nil, err
	}
	return intent.NewSigned(id, p, sig)
}

// Verify checks a signed intent without side effects.
func (e *Engine) Verify(si *intent.SignedIntent) *types.VerificationResult {
	return e.verifier.Verify(si)
}

// Settle runs a signed intent through the settlement state machine. The
// token ledger is dialed on first use when no client was injected.
func (e *Engine) Settle(ctx context.Context, si *intent.SignedIntent) (*types.SettlementResult, error) {
	if e.token == nil {
		if e.cfg.RPCURL == "" || e.cfg.TokenAddress == "" {
			return nil, &types.Error{Code: types.ErrConfigError, Message: "rpc url and token address are required for settlement"}
		}
		token, err := clients.NewEVMTokenClient(ctx, e.cfg.RPCURL, e.cfg.TokenAddress)
		if err != nil {
			return nil, &types.Error{Code: types.ErrConfigError, Message: "token ledger connection failed", Cause: err}
		}
		e.token = token
		e.settler.SetTokenClient(token)
	}
	return e.settler.Settle(ctx, si)
}

// Revoke blocks all future use of a UID, including settlement of intents it
// already signed.
func (e *Engine) Revoke(uid string) error { return e.revocations.Revoke(uid) }

// Unrevoke lifts a revocation.
func (e *Engine) Unrevoke(uid string) error { return e.revocations.Unrevoke(uid) }

// Revoked reports whether a UID is revoked.
func (e *Engine) Revoked(uid string) (bool, error) { return e.revocations.IsRevoked(uid) }

// RevokedUIDs lists the revocation registry.
func (e *Engine) RevokedUIDs() ([]string, error) { return e.revocations.List() }

// Close releases the token ledger connection.
func (e *Engine) Close() {
	if e.token != nil {
		e.token.Close()
	}
}
